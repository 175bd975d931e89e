// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"sort"
	"sync"

	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/log"
)

// A Pool is the live worker set handed to a scheduler. Workers are
// added at construction; the scheduler removes them as they die.
type Pool struct {
	mu      sync.Mutex
	workers map[int]*Worker
}

// NewPool creates a pool of n workers with PIDs 1 through n.
func NewPool(n int, logger *log.Logger) *Pool {
	p := &Pool{workers: make(map[int]*Worker)}
	for pid := 1; pid <= n; pid++ {
		p.workers[pid] = New(pid, logger)
	}
	return p
}

// Add adds a worker to the pool.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[w.Proc().PID] = w
}

// Procs implements dagr.Pool, returning the processors of all live
// workers ordered by PID.
func (p *Pool) Procs() []dagr.OSProc {
	p.mu.Lock()
	defer p.mu.Unlock()
	procs := make([]dagr.OSProc, 0, len(p.workers))
	for _, w := range p.workers {
		procs = append(procs, w.Proc())
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
	return procs
}

// Worker implements dagr.Pool.
func (p *Pool) Worker(proc dagr.OSProc) (dagr.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[proc.PID]
	if !ok {
		return nil, false
	}
	return w, true
}

// Lookup returns the concrete worker named by pid.
func (p *Pool) Lookup(pid int) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[pid]
	return w, ok
}

// Remove implements dagr.Pool, removing the worker named by proc.
// The worker itself is left alone: a removed worker may still be
// draining an orphaned task.
func (p *Pool) Remove(proc dagr.OSProc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, proc.PID)
}

// Kill induces the death of the worker named by pid, if it is still
// in the pool.
func (p *Pool) Kill(pid int) {
	p.mu.Lock()
	w, ok := p.workers[pid]
	p.mu.Unlock()
	if ok {
		w.Kill()
	}
}

// AffinityFor derives affinity hints from a thunk's inputs: each
// worker owning at least one reference input appears once, weighted
// by the number of its chunks among the inputs.
func AffinityFor(inputs []dagr.Value) []dagr.Affinity {
	counts := make(map[dagr.OSProc]int64)
	var procs []dagr.OSProc
	for _, in := range inputs {
		ref, ok := in.(dagr.Ref)
		if !ok {
			continue
		}
		owner := ref.Owner()
		if counts[owner] == 0 {
			procs = append(procs, owner)
		}
		counts[owner]++
	}
	affinity := make([]dagr.Affinity, len(procs))
	for i, proc := range procs {
		affinity[i] = dagr.Affinity{Proc: proc, Weight: counts[proc]}
	}
	sort.Slice(affinity, func(i, j int) bool {
		if affinity[i].Weight != affinity[j].Weight {
			return affinity[i].Weight > affinity[j].Weight
		}
		return affinity[i].Proc.PID < affinity[j].Proc.PID
	})
	return affinity
}
