// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dagr implements the core data structures and (abstract)
// runtime for Dagr.
//
// Dagr is a system for distributed execution of task graphs. A
// program is described by a DAG of thunks (package thunk), each of
// which names a function together with any number of dependent
// inputs. The scheduler (package sched) dispatches thunks across a
// pool of workers (package worker), moving intermediate results
// between workers by way of reference-counted chunks (package chunk).
//
// Package dagr defines the vocabulary shared by these packages: the
// worker and pool interfaces, chunk references, and the wire shapes
// exchanged between the scheduler and running tasks.
package dagr

import (
	"context"
	"fmt"

	"github.com/grailbio/dagr/errors"
)

// Value is a computed value. Values flow along the edges of the task
// graph; the scheduler treats them opaquely.
type Value interface{}

// Func is the function computed by a thunk. The context is the
// dispatch context of the scheduler or worker invoking the function.
type Func func(ctx context.Context, args ...Value) (Value, error)

// OSProc names a worker process.
type OSProc struct {
	// PID is the worker's process identifier. PIDs are assigned by
	// the pool and are unique among live workers.
	PID int
}

// String renders a human-readable description of the processor.
func (p OSProc) String() string {
	return fmt.Sprintf("osproc(%d)", p.PID)
}

// An Affinity hints that a thunk's inputs reside with a worker. The
// weight orders preferences when a thunk has multiple affinities;
// bigger is stronger.
type Affinity struct {
	Proc   OSProc
	Weight int64
}

// A Ref is an opaque handle to a chunk of data residing on a
// specific worker. Refs are reference counted by their owning store;
// Free relinquishes the caller's count.
type Ref interface {
	// Owner returns the worker on which the referenced data live.
	Owner() OSProc

	// Materialize retrieves the referenced value. It fails with a
	// NotExist error if the data have been collected.
	Materialize(ctx context.Context) (Value, error)

	// Free relinquishes the reference. If force is set, the datum is
	// discarded regardless of its reference count. If cache is set,
	// the owning store may retain the datum for later reclamation by
	// Unrelease.
	Free(force, cache bool) error

	// Unrelease attempts to reclaim the referenced datum from the
	// owning store's local cache without refetching. It returns the
	// value and true on success; false indicates the data are gone.
	Unrelease() (Value, bool)
}

// A TaskRequest is the wire form of a single thunk dispatch, as
// delivered to a worker's Run.
type TaskRequest struct {
	// ThunkID identifies the thunk being run.
	ThunkID uint64
	// Func is the function to invoke.
	Func Func
	// Args are the materialized inputs: each is a Ref, to be
	// materialized by the worker, or an immediate value.
	Args []Value
	// SendResult indicates that the raw value should be returned
	// rather than wrapped in a chunk reference.
	SendResult bool
	// Persist marks the result chunk as never evictable.
	Persist bool
	// Cache marks the result chunk as retainable in the worker's
	// local cache after release.
	Cache bool
	// ProcTypes restricts the processors eligible to run the task.
	ProcTypes []string
	// Handle is the scheduler handle passed as the first argument to
	// dynamic thunks; nil otherwise.
	Handle Value
}

// A Reply is the completion-channel payload for one dispatched
// thunk. Exactly one of Value and Err is meaningful.
type Reply struct {
	// From is the worker that ran (or failed to run) the task.
	From OSProc
	// ThunkID identifies the completed thunk.
	ThunkID uint64
	// Value is the task's payload: a Ref or a raw value, depending
	// on the request's SendResult.
	Value Value
	// Err is the captured failure, if any.
	Err *errors.Error
}

// A Worker executes tasks on behalf of the scheduler.
type Worker interface {
	// Proc returns the processor naming this worker.
	Proc() OSProc

	// Run synchronously executes the request on the worker,
	// returning the task's payload. Run reports worker death with an
	// error of kind errors.WorkerLost.
	Run(ctx context.Context, req TaskRequest) (Value, error)
}

// A Pool tracks the set of live workers available to a scheduler.
type Pool interface {
	// Procs returns the processors of all live workers, ordered by
	// PID.
	Procs() []OSProc

	// Worker returns the live worker named by proc.
	Worker(proc OSProc) (Worker, bool)

	// Remove removes the worker named by proc from the pool.
	Remove(proc OSProc)
}
