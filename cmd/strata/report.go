// Copyright (c) the strata authors
// Licensed under the MIT license

package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strataforge/strata/internal/carve"
	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/metatree"
)

var reportJSON bool

// A report aggregates one result tree. Leaf bytes are the bytes of
// nodes with no children, which is where analysis actually stopped;
// the synthesized share of those is the unexplained remainder of the
// scan. Unclaimed bytes are ranges of a carved container that no
// extracted child covers, such as partition-map blocks and free space.
type report struct {
	Input       string         `json:"input,omitempty"`
	Complete    bool           `json:"complete"`
	Nodes       int            `json:"nodes"`
	Formats     map[string]int `json:"formats"`
	Labels      map[string]int `json:"labels"`
	LeafBytes   int64          `json:"leaf_bytes"`
	Synthesized int64          `json:"synthesized_bytes"`
	Padding     int64          `json:"padding_bytes"`
	Unclaimed   int64          `json:"unclaimed_container_bytes"`
}

var reportCmd = &cobra.Command{
	Use:   "report OUTDIR",
	Short: "Summarize a result tree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rep, err := buildReport(args[0])
		if err != nil {
			fail(err)
		}
		if reportJSON {
			buf, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Println(string(buf))
			return
		}
		printReport(rep)
	},
}

func buildReport(outDir string) (*report, error) {
	rep := &report{Formats: make(map[string]int), Labels: make(map[string]int)}
	if man, err := metatree.ReadManifest(outDir); err == nil {
		rep.Input = man.Input
		rep.Complete = man.Complete
	}
	err := metatree.Walk(outDir, func(v metatree.Visit) error {
		rep.Nodes++
		if v.Rec.Format != "" {
			rep.Formats[v.Rec.Format]++
		}
		for _, l := range v.Rec.Labels {
			rep.Labels[l]++
		}
		if len(v.Rec.Children) == 0 {
			rep.LeafBytes += v.Rec.Size
			switch {
			case slices.Contains(v.Rec.Labels, "synthesized"):
				rep.Synthesized += v.Rec.Size
			case slices.Contains(v.Rec.Labels, "padding"):
				rep.Padding += v.Rec.Size
			}
		}
		if m := v.Rec.Children[string(format.Extracted)]; len(m) > 0 {
			var rs carve.RangeSet
			for _, id := range m {
				child, err := metatree.ReadNode(outDir, id)
				if err == metatree.ErrNoNode {
					continue
				}
				if err != nil {
					return err
				}
				rs.Add(child.Offset-v.Rec.Offset, child.Size)
			}
			for _, gap := range rs.Gaps(v.Rec.Size) {
				rep.Unclaimed += gap.Size
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func printReport(rep *report) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("%s\n", cyan("=== Scan Report ==="))
	if rep.Input != "" {
		status := "complete"
		if !rep.Complete {
			status = "incomplete"
		}
		fmt.Printf("input: %s (%s)\n", rep.Input, status)
	}
	fmt.Printf("nodes: %d\n", rep.Nodes)

	if len(rep.Formats) > 0 {
		fmt.Printf("\n%s\n", yellow("Formats:"))
		for _, name := range slices.Sorted(maps.Keys(rep.Formats)) {
			fmt.Printf("  %-12s %d\n", name, rep.Formats[name])
		}
	}
	if len(rep.Labels) > 0 {
		fmt.Printf("\n%s\n", yellow("Labels:"))
		for _, name := range slices.Sorted(maps.Keys(rep.Labels)) {
			fmt.Printf("  %-12s %d\n", name, rep.Labels[name])
		}
	}

	fmt.Printf("\n%s\n", yellow("Leaf bytes:"))
	recognized := rep.LeafBytes - rep.Synthesized - rep.Padding
	fmt.Printf("  %-12s %d\n", "total", rep.LeafBytes)
	fmt.Printf("  %-12s %d (%s)\n", "recognized", recognized, pct(recognized, rep.LeafBytes))
	fmt.Printf("  %-12s %d (%s)\n", "synthesized", rep.Synthesized, pct(rep.Synthesized, rep.LeafBytes))
	fmt.Printf("  %-12s %d (%s)\n", "padding", rep.Padding, pct(rep.Padding, rep.LeafBytes))
	if rep.Unclaimed > 0 {
		fmt.Printf("\nunclaimed container bytes: %d\n", rep.Unclaimed)
	}
}

func pct(part, total int64) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(part)/float64(total))
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "machine-readable output")
	rootCmd.AddCommand(reportCmd)
}
