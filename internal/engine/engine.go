// Copyright (c) the strata authors
// Licensed under the MIT license

// Package engine is the composition root. Run assembles the registry,
// result store, scheduler and dispatcher for one scan, seeds the root
// task from the input path and drains the queue with a worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strataforge/strata/internal/blockcache"
	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/dispatch"
	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/formats"
	"github.com/strataforge/strata/internal/metatree"
	"github.com/strataforge/strata/internal/rank"
	"github.com/strataforge/strata/internal/region"
	"github.com/strataforge/strata/internal/scancache"
	"github.com/strataforge/strata/internal/sched"
)

// Options say what to scan and where the result tree goes.
type Options struct {
	// Input is the file or directory to scan.
	Input string

	// OutDir is the result tree root, created if missing.
	OutDir string

	Config config.Config

	// Registry overrides the built-in catalog when non-nil. The config
	// format patterns apply either way.
	Registry *format.Registry
}

// Stats summarizes a finished run.
type Stats struct {
	Nodes   int
	Elapsed time.Duration
}

// Run executes one scan to completion. A canceled context stops task
// intake and lets in-flight analyses finalize their nodes; Run then
// returns the context's error and the manifest records the run as
// incomplete.
func Run(ctx context.Context, o Options) (Stats, error) {
	start := time.Now()
	if o.Input == "" || o.OutDir == "" {
		return Stats{}, errors.New("engine: input and output directory required")
	}
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return Stats{}, err
	}

	reg := o.Registry
	if reg == nil {
		reg = formats.NewRegistry()
	}
	reg = reg.Filter(func(d format.Descriptor) bool { return cfg.Formats.Keep(d.Name) })
	var names []string
	for _, f := range reg.All() {
		names = append(names, f.Descriptor().Name)
	}

	store, err := metatree.NewStore(o.OutDir)
	if err != nil {
		return Stats{}, err
	}
	man := &metatree.Manifest{
		Input:   o.Input,
		Started: start.Unix(),
		Workers: cfg.Workers,
		Formats: names,
	}
	if err := metatree.WriteManifest(store.Dir(), man); err != nil {
		return Stats{}, err
	}

	sch := sched.New(store, cfg.DeferWait.Std())
	d := &dispatch.Dispatcher{
		Selector: &rank.Selector{Registry: reg, SweepChunk: cfg.SweepChunk},
		Store:    store,
		Sched:    sch,
		Cache:    blockcache.New(cfg.BlockCache),
		HashCap:  cfg.HashCap,
	}
	if cfg.OnError == "abort" {
		d.Policy = dispatch.Abort
	}
	if cfg.CacheDir != "" {
		hints, err := scancache.Open(cfg.CacheDir)
		if err != nil {
			return Stats{}, fmt.Errorf("scan cache: %w", err)
		}
		defer hints.Close()
		d.Hints = hints
	}

	if err := seed(o.Input, d, sch, store); err != nil {
		sch.Close()
		return Stats{}, err
	}

	slog.Info("scanStarted", "input", o.Input, "out", store.Dir(), "workers", cfg.Workers, "formats", len(names))

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, sch.Close)
	defer stop()
	process := d.Process(gctx)
	for range cfg.Workers {
		g.Go(func() error { return sch.Serve(process) })
	}
	runErr := g.Wait()
	if runErr == nil {
		// The queue also drains on cancellation; that is not completion.
		runErr = ctx.Err()
	}

	man.Finished = time.Now().Unix()
	man.Complete = runErr == nil
	if err := metatree.WriteManifest(store.Dir(), man); err != nil && runErr == nil {
		runErr = err
	}

	st := Stats{Nodes: len(store.IDs()), Elapsed: time.Since(start)}
	slog.Info("scanFinished", "nodes", st.Nodes, "elapsed", st.Elapsed, "complete", man.Complete)
	return st, runErr
}

// seed queues the root work: one task for a file input, or a synthetic
// directory root with one child task per regular file underneath it.
func seed(input string, d *dispatch.Dispatcher, sch *sched.Scheduler, store *metatree.Store) error {
	st, err := os.Stat(input)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		src, err := region.Open(input)
		if err != nil {
			return err
		}
		defer src.Release() // the scheduler holds its own reference
		d.Front(src)
		r := src.Whole(metatree.RootID).WithName(filepath.Base(input))
		_, _, err = sch.Enqueue("", "", "", r)
		return err
	}

	rootID := store.Create("", metatree.RootID, input, 0, 0)
	files := 0
	err = filepath.WalkDir(input, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(input, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		fi, err := de.Info()
		if err != nil {
			return err
		}
		files++
		if fi.Size() == 0 {
			return emptyLeaf(store, rootID, name, p)
		}
		src, err := region.Open(p)
		if err != nil {
			return err
		}
		defer src.Release()
		d.Front(src)
		_, _, err = sch.Enqueue(rootID, format.Relative, name, src.Whole(name))
		return err
	})
	if err != nil {
		return err
	}
	return store.Finalize(rootID, "", []string{"directory"}, map[string]any{"files": files})
}

// emptyLeaf records a zero-byte file directly; there is nothing to
// analyze and the scheduler only takes non-empty regions.
func emptyLeaf(store *metatree.Store, parent, name, disk string) error {
	path := name
	if rec, ok := store.Get(parent); ok {
		path = rec.Path + "/" + string(format.Relative) + "/" + name
	}
	id := store.Create(parent, path, disk, 0, 0)
	if err := store.AttachChild(parent, format.Relative, name, id); err != nil {
		return err
	}
	return store.Finalize(id, "", []string{"empty"}, nil)
}
