// Copyright (c) the strata authors
// Licensed under the MIT license

// Package sched runs the scan: a FIFO of pending regions drained by a
// worker pool, with a claim table that guarantees each region is
// analyzed at most once. The node ID for a region is allocated the
// moment it is queued, so two parents discovering the same bytes race
// for the claim, not for the analysis.
package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/strataforge/strata/internal/format"
	"github.com/strataforge/strata/internal/metatree"
	"github.com/strataforge/strata/internal/region"
)

// ErrShuttingDown is returned by Enqueue after cancellation; in-flight
// tasks finish their node writes but nothing new is accepted.
var ErrShuttingDown = errors.New("sched: shutting down")

const pollInterval = 50 * time.Millisecond

// A Task is one region awaiting analysis.
type Task struct {
	NodeID    string
	Region    *region.Region
	Suggested []string

	// GiveUp is set once the task's deferred wait budget is spent;
	// the processor then reads a deferring candidate as a mismatch.
	GiveUp bool

	firstDeferred time.Time
	notBefore     time.Time
}

// Outcome is what the processor did with a task.
type Outcome int

const (
	Done  Outcome = iota
	Defer         // re-queue and retry later
)

// Process analyzes one region end to end: candidate selection,
// dispatch, node write. A non-nil error aborts the run.
type Process func(t *Task) (Outcome, error)

type Scheduler struct {
	// WaitBudget bounds how long a task may sit deferred before its
	// deferring candidates are treated as mismatches.
	WaitBudget time.Duration

	store *metatree.Store

	mu      sync.Mutex
	cond    sync.Cond
	fifo    []*Task
	parked  []*Task
	claims  map[region.Key]string
	running int
	closed  bool
}

func New(store *metatree.Store, waitBudget time.Duration) *Scheduler {
	s := &Scheduler{WaitBudget: waitBudget, store: store, claims: make(map[region.Key]string)}
	s.cond.L = &s.mu
	return s
}

// Enqueue claims r and queues it for analysis as a child of parent in
// the given partition. If the region is already claimed the existing
// node ID is returned with fresh=false and nothing is attached: a
// region has one analysis and a node has one parent. An empty parent
// makes the root task.
func (s *Scheduler) Enqueue(parent string, p format.Partition, name string, r *region.Region, suggested ...string) (id string, fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrShuttingDown
	}
	key := r.Key()
	if id, claimed := s.claims[key]; claimed {
		return id, false, nil
	}

	path := r.Path()
	if parent != "" {
		if rec, ok := s.store.Get(parent); ok {
			path = rec.Path + "/" + string(p) + "/" + name
		}
		// Children take on their tree path. The root region is left
		// alone: its path is already final and its name carries the
		// input filename.
		r = r.WithPath(path)
	}
	id = s.store.Create(parent, path, r.Source().Path(), r.Offset(), r.Size())
	if parent != "" {
		if err := s.store.AttachChild(parent, p, name, id); err != nil {
			return "", false, err
		}
	}
	s.claims[key] = id
	r.Source().Retain() // held until the task leaves the scheduler
	s.fifo = append(s.fifo, &Task{NodeID: id, Region: r, Suggested: suggested})
	s.cond.Broadcast()
	return id, true, nil
}

// Claimed looks up the node that owns a region, if any.
func (s *Scheduler) Claimed(key region.Key) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.claims[key]
	return id, ok
}

// Close stops intake. Queued and parked tasks are dropped; running
// tasks finish. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.fifo {
		t.Region.Source().Release()
	}
	for _, t := range s.parked {
		t.Region.Source().Release()
	}
	s.fifo = nil
	s.parked = nil
	s.cond.Broadcast()
}

// Serve processes tasks until the queue drains or Close is called.
// It is the body of one worker; run as many as wanted concurrently.
func (s *Scheduler) Serve(process Process) error {
	for {
		t := s.next()
		if t == nil {
			return nil
		}
		outcome, err := process(t)
		if requeued := s.finish(t, outcome); !requeued {
			t.Region.Source().Release()
		}
		if err != nil {
			return err
		}
	}
}

// next blocks until a task is runnable. nil means the scan is complete
// or shut down.
func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil
		}
		s.promoteRipe()
		if len(s.fifo) > 0 {
			t := s.fifo[0]
			s.fifo = s.fifo[1:]
			s.running++
			return t
		}
		if s.running == 0 && len(s.parked) == 0 {
			s.cond.Broadcast() // completion: wake the other workers so they exit too
			return nil
		}
		s.cond.Wait()
	}
}

// finish retires a running task, re-queueing it if it deferred.
// Reports whether the scheduler still holds the task.
func (s *Scheduler) finish(t *Task, outcome Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	requeued := false
	if outcome == Defer && !s.closed {
		requeued = true
		now := time.Now()
		if t.firstDeferred.IsZero() {
			t.firstDeferred = now
		}
		if now.Sub(t.firstDeferred) >= s.WaitBudget {
			// Budget spent: run once more with deferral off.
			t.GiveUp = true
			s.fifo = append(s.fifo, t)
		} else {
			t.notBefore = now.Add(pollInterval)
			s.parked = append(s.parked, t)
			time.AfterFunc(pollInterval+time.Millisecond, s.cond.Broadcast)
		}
	}
	s.cond.Broadcast()
	return requeued
}

// promoteRipe moves parked tasks whose retry time has come back onto
// the FIFO. Caller holds mu.
func (s *Scheduler) promoteRipe() {
	now := time.Now()
	kept := s.parked[:0]
	for _, t := range s.parked {
		if t.notBefore.After(now) {
			kept = append(kept, t)
		} else {
			s.fifo = append(s.fifo, t)
		}
	}
	s.parked = kept
}
