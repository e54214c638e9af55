// Copyright (c) the strata authors
// Licensed under the MIT license

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strataforge/strata/internal/formats"
)

var formatsJSON bool

type formatInfo struct {
	Name       string    `json:"name"`
	Extensions []string  `json:"extensions,omitempty"`
	Signatures []sigInfo `json:"signatures,omitempty"`
	Priority   int       `json:"priority,omitempty"`
}

type sigInfo struct {
	Offset int64  `json:"offset"`
	Magic  string `json:"magic"` // hex
}

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List the built-in format catalog",
	Run: func(cmd *cobra.Command, args []string) {
		var infos []formatInfo
		for _, f := range formats.NewRegistry().All() {
			d := f.Descriptor()
			info := formatInfo{Name: d.Name, Extensions: d.Extensions, Priority: d.Priority}
			for _, sig := range d.Signatures {
				info.Signatures = append(info.Signatures, sigInfo{Offset: sig.Offset, Magic: hex.EncodeToString(sig.Magic)})
			}
			infos = append(infos, info)
		}

		if formatsJSON {
			buf, err := json.MarshalIndent(infos, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Println(string(buf))
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		for _, info := range infos {
			var sigs []string
			for _, sig := range info.Signatures {
				sigs = append(sigs, fmt.Sprintf("%s@%d", sig.Magic, sig.Offset))
			}
			detect := strings.Join(sigs, " ")
			if detect == "" {
				detect = "(featureless)"
			}
			line := fmt.Sprintf("%-10s %-24s %s", green(info.Name), detect, strings.Join(info.Extensions, " "))
			if info.Priority != 0 {
				line += fmt.Sprintf("  priority=%d", info.Priority)
			}
			fmt.Println(strings.TrimRight(line, " "))
		}
	},
}

func init() {
	formatsCmd.Flags().BoolVar(&formatsJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(formatsCmd)
}
