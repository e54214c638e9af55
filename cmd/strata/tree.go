// Copyright (c) the strata authors
// Licensed under the MIT license

package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strataforge/strata/internal/metatree"
)

var (
	treeDepth int
	treeJSON  bool
)

var treeCmd = &cobra.Command{
	Use:   "tree OUTDIR",
	Short: "Render a persisted result tree",
	Long: `Tree walks the result directory written by scan and prints one line
per node: its name under the parent, the recognized format, any labels,
and the byte range it covers. Children appear below their parent,
grouped by partition, extracted ranges in byte order.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if treeJSON {
			if err := treeAsJSON(args[0]); err != nil {
				fail(err)
			}
			return
		}

		bold := color.New(color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		err := metatree.Walk(args[0], func(v metatree.Visit) error {
			name := v.Rec.Path
			if v.Depth > 0 {
				name = string(v.Partition) + "/" + v.Name
			}
			line := strings.Repeat("  ", v.Depth) + bold(name)
			if v.Rec.Format != "" {
				line += "  " + green(v.Rec.Format)
			}
			if len(v.Rec.Labels) > 0 {
				line += "  " + yellow("["+strings.Join(v.Rec.Labels, " ")+"]")
			}
			line += "  " + gray(fmt.Sprintf("%d bytes @ %#x", v.Rec.Size, v.Rec.Offset))
			fmt.Println(line)
			if treeDepth > 0 && v.Depth >= treeDepth {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			fail(err)
		}
	},
}

type treeNode struct {
	Depth     int      `json:"depth"`
	Partition string   `json:"partition,omitempty"`
	Name      string   `json:"name,omitempty"`
	ID        string   `json:"id"`
	Path      string   `json:"path"`
	Format    string   `json:"format,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Offset    int64    `json:"offset"`
	Size      int64    `json:"size"`
}

func treeAsJSON(outDir string) error {
	var nodes []treeNode
	err := metatree.Walk(outDir, func(v metatree.Visit) error {
		nodes = append(nodes, treeNode{
			Depth:     v.Depth,
			Partition: string(v.Partition),
			Name:      v.Name,
			ID:        v.Rec.ID,
			Path:      v.Rec.Path,
			Format:    v.Rec.Format,
			Labels:    v.Rec.Labels,
			Offset:    v.Rec.Offset,
			Size:      v.Rec.Size,
		})
		if treeDepth > 0 && v.Depth >= treeDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	buf, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func init() {
	treeCmd.Flags().IntVar(&treeDepth, "depth", 0, "levels to show (0 = all)")
	treeCmd.Flags().BoolVar(&treeJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(treeCmd)
}
