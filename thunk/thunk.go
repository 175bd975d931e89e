// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package thunk defines the thunk graphs executed by Dagr. A Thunk
// is a deferred computation: a function together with an ordered
// tuple of inputs, each of which is another Thunk, a chunk
// reference, or an immediate value. Thunks form DAGs; package thunk
// also provides the graph analysis (reverse edges, subtree sizes,
// and scheduling priorities) consumed by the scheduler.
package thunk

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/dagr"
)

var nextID uint64

// Options modulate the dispatch of a single thunk or of a whole
// run. Thunk-local options are merged with scheduler-global ones at
// dispatch time.
type Options struct {
	// Single, when nonzero, confines dispatch to the worker with
	// this PID.
	Single int
	// ProcTypes restricts the processors eligible to run the thunk.
	ProcTypes []string
}

// Merge merges thunk-local options topts into the scheduler-global
// options o: the thunk's Single wins when nonzero, and ProcTypes are
// concatenated, scheduler-first.
func (o Options) Merge(topts Options) Options {
	merged := Options{Single: o.Single}
	if topts.Single != 0 {
		merged.Single = topts.Single
	}
	merged.ProcTypes = append(append([]string{}, o.ProcTypes...), topts.ProcTypes...)
	return merged
}

// A Thunk is a node in a task graph: a deferred computation with a
// process-unique ID. The flag fields modulate how the scheduler
// treats the thunk; see their comments. A Thunk's identity is its
// pointer; ID is used only on the worker wire.
type Thunk struct {
	// ID is the thunk's process-unique identifier.
	ID uint64

	// Func is the deferred computation.
	Func dagr.Func

	// Inputs is the ordered argument tuple. Each element is a
	// *Thunk, a dagr.Ref, or an immediate value.
	Inputs []dagr.Value

	// Ident is a human-readable identifier for the node, for use in
	// debugging output, etc.
	Ident string

	// Cache retains the thunk's result in its worker's local store
	// so that a later run may reclaim it without recomputation.
	Cache bool

	// Persist prevents the result chunk from ever being evicted.
	Persist bool

	// Meta executes the thunk in the scheduler process rather than
	// dispatching it to a worker.
	Meta bool

	// Dynamic passes a scheduler handle as the first argument to
	// Func, permitting the running thunk to query and command the
	// scheduler.
	Dynamic bool

	// GetResult returns the thunk's raw value rather than wrapping
	// it in a chunk reference.
	GetResult bool

	// Options are the thunk-local dispatch options, merged with the
	// scheduler's at dispatch time. Nil means none.
	Options *Options

	// Affinity hints at the workers holding this thunk's input data.
	Affinity []dagr.Affinity

	// CacheRef holds the last known chunk reference of a Cache
	// thunk's result. It is maintained by the scheduler.
	CacheRef dagr.Ref
}

// New creates a new Thunk computing f over the provided inputs.
func New(ident string, f dagr.Func, inputs ...dagr.Value) *Thunk {
	return &Thunk{
		ID:     atomic.AddUint64(&nextID, 1),
		Func:   f,
		Inputs: inputs,
		Ident:  ident,
	}
}

// Deps returns the thunk's Thunk-typed inputs, in input order.
func (t *Thunk) Deps() []*Thunk {
	var deps []*Thunk
	for _, in := range t.Inputs {
		if dep, ok := in.(*Thunk); ok {
			deps = append(deps, dep)
		}
	}
	return deps
}

// String renders a human-readable description of the thunk.
func (t *Thunk) String() string {
	ident := t.Ident
	if ident == "" {
		ident = "anon"
	}
	return fmt.Sprintf("thunk(%d, %s)", t.ID, ident)
}
