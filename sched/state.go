// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"sort"
	"sync"

	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/thunk"
)

// state is the scheduler's sole shared mutable object. All fields
// are guarded by mu, which is held only while reading or updating
// the struct, never across channel operations or remote calls.
//
// A thunk moves through the buckets in lifecycle order: it begins in
// waiting (or directly in ready when it has no thunk inputs), moves
// to running when fired, and to finished when its completion is
// processed. ready, running, and finished are pairwise disjoint at
// every quiescent point; finished only grows, except when the fault
// handler re-plans thunks whose results died with a worker.
type state struct {
	mu sync.Mutex

	// dependents is the graph's reverse adjacency. It is immutable
	// after initialization.
	dependents map[*thunk.Thunk][]*thunk.Thunk

	// order maps each thunk to its scheduling priority. Immutable
	// after initialization.
	order map[*thunk.Thunk]int

	// waiting maps each unfireable thunk to the set of its inputs
	// that have not yet produced results.
	waiting map[*thunk.Thunk]map[*thunk.Thunk]bool

	// waitingData maps each thunk to the set of its consumers that
	// have not yet finished. When a thunk's entry empties, its cache
	// entry is freeable.
	waitingData map[*thunk.Thunk]map[*thunk.Thunk]bool

	// ready holds the fireable thunks, kept sorted so that the
	// highest-priority thunk is at the end.
	ready []*thunk.Thunk

	// running holds thunks that have been dispatched but whose
	// completions have not been processed.
	running map[*thunk.Thunk]bool

	// finished holds thunks whose completions have been processed.
	finished map[*thunk.Thunk]bool

	// cache holds result values: chunk references for remote
	// results, raw values for meta and send-result thunks.
	cache map[*thunk.Thunk]dagr.Value

	// thunkDict resolves the thunk ids that appear on the worker
	// wire. It is populated at dispatch.
	thunkDict map[uint64]*thunk.Thunk

	// where records the worker each running thunk was dispatched
	// to, so that a worker's death re-plans everything in flight on
	// it.
	where map[*thunk.Thunk]dagr.OSProc

	// halt is the stop-the-world flag. It is monotone: once set, it
	// is never cleared.
	halt bool
}

// newState loads the compute state for the graph rooted at root:
// the DAG analysis is run, leaves with no thunk inputs are placed
// directly in ready (in priority order), and everything else in
// waiting.
func newState(root *thunk.Thunk) *state {
	dependents := thunk.Dependents(root)
	st := &state{
		dependents:  dependents,
		order:       thunk.Order(thunk.NOffspring(dependents)),
		waiting:     make(map[*thunk.Thunk]map[*thunk.Thunk]bool),
		waitingData: make(map[*thunk.Thunk]map[*thunk.Thunk]bool),
		running:     make(map[*thunk.Thunk]bool),
		finished:    make(map[*thunk.Thunk]bool),
		cache:       make(map[*thunk.Thunk]dagr.Value),
		thunkDict:   make(map[uint64]*thunk.Thunk),
		where:       make(map[*thunk.Thunk]dagr.OSProc),
	}
	for t := range dependents {
		deps := t.Deps()
		if len(deps) == 0 {
			st.insertReady(t)
			continue
		}
		wait := make(map[*thunk.Thunk]bool, len(deps))
		for _, dep := range deps {
			wait[dep] = true
			st.addConsumer(dep, t)
		}
		st.waiting[t] = wait
	}
	return st
}

// insertReady inserts t into the ready queue, preserving its
// priority order. The caller must hold mu.
func (st *state) insertReady(t *thunk.Thunk) {
	st.ready = append(st.ready, t)
	sort.SliceStable(st.ready, func(i, j int) bool {
		return st.order[st.ready[i]] < st.order[st.ready[j]]
	})
}

// inReady tells whether t is in the ready queue. The caller must
// hold mu.
func (st *state) inReady(t *thunk.Thunk) bool {
	for _, r := range st.ready {
		if r == t {
			return true
		}
	}
	return false
}

// removeReady removes the thunk at index i from the ready queue.
// The caller must hold mu.
func (st *state) removeReady(i int) *thunk.Thunk {
	t := st.ready[i]
	st.ready = append(st.ready[:i], st.ready[i+1:]...)
	return t
}

// addConsumer records that consumer's completion gates the release
// of dep's result. The caller must hold mu.
func (st *state) addConsumer(dep, consumer *thunk.Thunk) {
	wd := st.waitingData[dep]
	if wd == nil {
		wd = make(map[*thunk.Thunk]bool)
		st.waitingData[dep] = wd
	}
	wd[consumer] = true
}

// available tells whether t's result is in the cache. The caller
// must hold mu.
func (st *state) available(t *thunk.Thunk) bool {
	_, ok := st.cache[t]
	return ok
}
