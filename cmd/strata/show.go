// Copyright (c) the strata authors
// Licensed under the MIT license

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strataforge/strata/internal/metatree"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show OUTDIR ID|PATH",
	Short: "Dump one node record",
	Long: `Show prints everything recorded about one node: provenance, format,
labels, metadata and children. The node is addressed by its ID (the
directory name under OUTDIR) or by its virtual path as printed by tree.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		rec, err := findNode(args[0], args[1])
		if err != nil {
			fail(err)
		}
		if showJSON {
			buf, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Println(string(buf))
			return
		}
		printRecord(rec)
	},
}

var errFound = errors.New("found")

// findNode resolves a node by ID first, then by virtual path.
func findNode(outDir, key string) (*metatree.Record, error) {
	rec, err := metatree.ReadNode(outDir, key)
	if err == nil {
		return rec, nil
	}
	if err != metatree.ErrNoNode {
		return nil, err
	}
	err = metatree.Walk(outDir, func(v metatree.Visit) error {
		if v.Rec.Path == key {
			rec = v.Rec
			return errFound
		}
		return nil
	})
	if err != nil && err != errFound {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no node %q", key)
	}
	return rec, nil
}

func printRecord(rec *metatree.Record) {
	fmt.Printf("id:      %s\n", rec.ID)
	fmt.Printf("path:    %s\n", rec.Path)
	fmt.Printf("source:  %s\n", rec.Source)
	fmt.Printf("range:   %#x + %#x\n", rec.Offset, rec.Size)
	if rec.Format != "" {
		fmt.Printf("format:  %s\n", rec.Format)
	}
	if len(rec.Labels) > 0 {
		fmt.Printf("labels:  %s\n", strings.Join(rec.Labels, " "))
	}
	if len(rec.Metadata) > 0 {
		fmt.Println("metadata:")
		for _, k := range slices.Sorted(maps.Keys(rec.Metadata)) {
			fmt.Printf("  %s: %v\n", k, rec.Metadata[k])
		}
	}
	for _, p := range metatree.Partitions {
		m := rec.Children[string(p)]
		if len(m) == 0 {
			continue
		}
		fmt.Printf("%s (%d):\n", p, len(m))
		for _, name := range slices.Sorted(maps.Keys(m)) {
			fmt.Printf("  %s -> %s\n", name, m[name])
		}
	}
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(showCmd)
}
