// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the Dagr worker runtime: a pool of
// in-process workers, each owning a chunk store, that execute task
// requests on behalf of the scheduler. The package is also the
// harness for fault-tolerance testing: a worker may be killed at any
// point, after which its in-flight and subsequent tasks fail with
// WorkerLost and its store's contents become unmaterializable.
package worker

import (
	"context"
	"fmt"

	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/chunk"
	"github.com/grailbio/dagr/errors"
	"github.com/grailbio/dagr/log"
	"github.com/grailbio/dagr/trace"
	"golang.org/x/sync/errgroup"
)

// ChooseProc selects the concrete processor type on which a task
// runs, from the intersection of the worker's processor types and
// the request's. It is invoked on the worker, not the scheduler: the
// scheduler picks the host, the worker picks the processor within
// the host.
type ChooseProc func(from dagr.OSProc, procTypes []string, f dagr.Func, args []dagr.Value) (string, error)

// DefaultProcTypes are the processor types of a worker constructed
// without explicit types.
var DefaultProcTypes = []string{"cpu"}

// DefaultChooseProc returns the first requested processor type the
// worker supports, or the worker's first type when the request
// carries no restriction.
func DefaultChooseProc(have []string) ChooseProc {
	return func(from dagr.OSProc, procTypes []string, f dagr.Func, args []dagr.Value) (string, error) {
		if len(procTypes) == 0 {
			return have[0], nil
		}
		for _, want := range procTypes {
			for _, typ := range have {
				if typ == want {
					return typ, nil
				}
			}
		}
		return "", errors.E("chooseproc", from.String(), errors.Invalid,
			errors.Errorf("no processor of types %v on %s", procTypes, from))
	}
}

// A Worker executes task requests. Workers are goroutine-hosted:
// Run is called by the scheduler's dispatch goroutines and executes
// the request synchronously.
type Worker struct {
	proc   dagr.OSProc
	store  *chunk.Store
	types  []string
	choose ChooseProc
	log    *log.Logger

	killc chan struct{}
}

// New creates a new worker named by pid. The worker supports the
// provided processor types (DefaultProcTypes when empty).
func New(pid int, logger *log.Logger, types ...string) *Worker {
	if len(types) == 0 {
		types = DefaultProcTypes
	}
	proc := dagr.OSProc{PID: pid}
	return &Worker{
		proc:   proc,
		store:  chunk.New(proc, 0),
		types:  types,
		choose: DefaultChooseProc(types),
		log:    logger.Tee(nil, fmt.Sprintf("%s: ", proc)),
		killc:  make(chan struct{}),
	}
}

// Proc returns the processor naming this worker.
func (w *Worker) Proc() dagr.OSProc {
	return w.proc
}

// Store returns the worker's chunk store.
func (w *Worker) Store() *chunk.Store {
	return w.store
}

// SetChooseProc replaces the worker's processor-choice predicate.
func (w *Worker) SetChooseProc(choose ChooseProc) {
	w.choose = choose
}

// Kill induces the death of the worker: its store is discarded, and
// in-flight and subsequent Runs fail with WorkerLost. Kill is
// idempotent.
func (w *Worker) Kill() {
	select {
	case <-w.killc:
		return
	default:
	}
	close(w.killc)
	w.store.Kill()
}

func (w *Worker) lost(op string) error {
	return errors.E(op, w.proc.String(), errors.WorkerLost,
		errors.Errorf("process %d exited", w.proc.PID))
}

// Run implements dagr.Worker. It materializes the request's
// reference arguments, selects a processor, invokes the function,
// and wraps the result in a chunk reference unless the request asks
// for the raw value.
func (w *Worker) Run(ctx context.Context, req dagr.TaskRequest) (dagr.Value, error) {
	select {
	case <-w.killc:
		return nil, w.lost("run")
	default:
	}
	args := make([]dagr.Value, len(req.Args))
	copy(args, req.Args)
	g, gctx := errgroup.WithContext(ctx)
	for i := range args {
		ref, ok := args[i].(dagr.Ref)
		if !ok {
			continue
		}
		i, ref := i, ref
		g.Go(func() error {
			v, err := ref.Materialize(gctx)
			if err != nil {
				return err
			}
			args[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A missing chunk on a dead worker presents as worker loss to
		// the scheduler when this worker is the one that died.
		select {
		case <-w.killc:
			return nil, w.lost("run")
		default:
		}
		return nil, err
	}
	typ, err := w.choose(w.proc, req.ProcTypes, req.Func, args)
	if err != nil {
		return nil, err
	}
	if req.Handle != nil {
		args = append([]dagr.Value{req.Handle}, args...)
	}
	ctx, done := trace.Start(ctx, trace.Compute,
		dagr.Digester.FromString(fmt.Sprintf("compute%d", req.ThunkID)),
		fmt.Sprintf("compute thunk %d on %s (%s)", req.ThunkID, w.proc, typ))
	trace.Note(ctx, "processor", w.proc.String())
	defer done()
	w.log.Debugf("running thunk %d on %s", req.ThunkID, typ)

	type result struct {
		v   dagr.Value
		err error
	}
	resc := make(chan result, 1)
	go func() {
		v, err := req.Func(ctx, args...)
		resc <- result{v, err}
	}()
	var res result
	select {
	case res = <-resc:
	case <-w.killc:
		return nil, w.lost("run")
	case <-ctx.Done():
		return nil, errors.E("run", w.proc.String(), ctx.Err())
	}
	if res.err != nil {
		return nil, errors.E("run", w.proc.String(), res.err)
	}
	if req.SendResult {
		return res.v, nil
	}
	select {
	case <-w.killc:
		return nil, w.lost("run")
	default:
	}
	return w.store.Put(res.v, req.Persist, req.Cache), nil
}
