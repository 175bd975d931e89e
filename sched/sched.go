// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sched implements the Dagr task-graph scheduler.
//
// A run is described by a thunk DAG (package thunk); the scheduler
// dispatches its nodes across a pool of workers in dependency
// order, moving results between workers as chunk references,
// tolerating worker deaths, and returning the root's result.
//
// The scheduler runs as a single logical controller: the main loop,
// one listener per worker for the dynamic message bus, and one
// pending goroutine per in-flight dispatch. Completions are
// serialized through a single channel and processed one at a time.
// Thunks marked Meta are executed in the scheduler process itself;
// thunks marked Dynamic receive a Handle through which they may
// query and command the scheduler while running.
package sched

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/errors"
	"github.com/grailbio/dagr/log"
	"github.com/grailbio/dagr/thunk"
	"github.com/grailbio/dagr/trace"
)

// ErrHalted is returned by a run that was stopped through a dynamic
// thunk's handle.
var ErrHalted = errors.E("scheduler", errors.Halted)

// Config provides runtime configuration for scheduler instances.
type Config struct {
	// Pool is the set of workers available to the run.
	Pool dagr.Pool

	// Log receives the scheduling transcript. May be nil.
	Log *log.Logger

	// DotWriter is an (optional) writer where the scheduler writes
	// the executed thunk graph in dot format.
	DotWriter io.Writer

	// Options are the scheduler-global dispatch options, merged with
	// each thunk's own at dispatch time.
	Options thunk.Options
}

// A Scheduler computes a single thunk DAG over a pool of workers.
type Scheduler struct {
	// Config is the scheduler configuration used in this run.
	Config

	root  *thunk.Thunk
	state *state
	bus   *bus

	// replyc is the completion channel. It is buffered so that
	// orphaned dispatches can deliver (discarded) replies after the
	// main loop has exited.
	replyc chan dagr.Reply

	// wakec wakes the main loop for a safepoint, e.g. after the halt
	// flag is raised by a dynamic listener.
	wakec chan struct{}

	// materializeLimiter bounds the number of concurrent
	// materializations performed in the scheduler process on behalf
	// of meta thunks.
	materializeLimiter *limiter.Limiter
}

// New creates a new scheduler computing the graph rooted at root
// using the provided configuration.
func New(root *thunk.Thunk, config Config) *Scheduler {
	s := &Scheduler{
		Config:             config,
		root:               root,
		replyc:             make(chan dagr.Reply, 1024),
		wakec:              make(chan struct{}, 1),
		materializeLimiter: limiter.New(),
	}
	s.materializeLimiter.Release(runtime.NumCPU())
	return s
}

// ComputeDAG computes the graph rooted at root over config's worker
// pool and returns the root's result: a chunk reference for a
// remotely computed root, or the raw value for meta and send-result
// roots. ComputeDAG returns ErrHalted if a dynamic thunk halted the
// run, and the unwrapped thunk failure if any thunk raised.
func ComputeDAG(ctx context.Context, root *thunk.Thunk, config Config) (dagr.Value, error) {
	s := New(root, config)
	if err := s.Do(ctx); err != nil {
		return nil, err
	}
	return s.Value(), nil
}

// Value returns the root's result. It is valid only after a
// successful Do.
func (s *Scheduler) Value() dagr.Value {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.cache[s.root]
}

// Do runs the scheduler to completion: the root thunk and all of
// its transitive inputs are computed, and the root's result is left
// in the cache.
func (s *Scheduler) Do(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, initDone := trace.Start(ctx, trace.Init,
		dagr.Digester.FromString("scheduler_init"), "scheduler init")
	s.state = newState(s.root)
	s.bus = newBus(s)
	initDone()
	defer s.bus.shutdown()
	defer s.writeDot()

	ctx, done := trace.Start(ctx, trace.Run,
		dagr.Digester.FromString("scheduler"), "scheduler")
	defer done()
	s.Log.Debugf("computing %s over %d workers", s.root, len(s.Pool.Procs()))

	if err := s.fireWave(ctx); err != nil {
		return err
	}
	for {
		st := s.state
		st.mu.Lock()
		halt := st.halt
		nready, nrunning := len(st.ready), len(st.running)
		st.mu.Unlock()
		if halt {
			s.bus.shutdown()
			return ErrHalted
		}
		if nready == 0 && nrunning == 0 {
			break
		}
		if nrunning == 0 {
			// A wave of in-scheduler work (meta thunks, cache hits)
			// can drain running entirely; fire again so such runs
			// keep making progress.
			if len(s.Pool.Procs()) == 0 {
				return errors.E("compute", s.root.String(), errors.Fatal,
					errors.New("ready work but no live workers remain"))
			}
			if err := s.fireWave(ctx); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return errors.E("compute", s.root.String(), ctx.Err())
		case <-s.wakec:
			// Safepoint: loop to re-check the halt flag.
		case reply := <-s.replyc:
			if err := s.handleReply(ctx, reply); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) handleReply(ctx context.Context, reply dagr.Reply) error {
	if reply.Err != nil {
		if errors.Restartable(reply.Err) {
			if err := s.handleWorkerDeath(reply.From, reply.ThunkID); err != nil {
				return err
			}
			// Re-plan leaves newly ready work; spread it over the
			// survivors.
			return s.fireWave(ctx)
		}
		return reply.Err
	}
	if _, ok := s.Pool.Worker(reply.From); !ok {
		// A stale success from a worker that has since died: the
		// result chunk died with it, so let the re-plan stand.
		s.Log.Debugf("dropping stale reply for thunk %d from dead %s", reply.ThunkID, reply.From)
		return nil
	}
	st := s.state
	st.mu.Lock()
	node := st.thunkDict[reply.ThunkID]
	if node == nil || !st.running[node] {
		// An orphaned reply: the thunk was re-planned by the fault
		// handler after this dispatch was already in flight.
		st.mu.Unlock()
		s.Log.Debugf("dropping orphaned reply for thunk %d from %s", reply.ThunkID, reply.From)
		return nil
	}
	st.cache[node] = reply.Value
	st.mu.Unlock()
	immediateNext := s.finishTask(node, true)
	return s.fireNext(ctx, reply.From, immediateNext)
}

// fireWave tries to fire one thunk on every live worker.
func (s *Scheduler) fireWave(ctx context.Context) error {
	for _, proc := range s.Pool.Procs() {
		if err := s.fireNext(ctx, proc, false); err != nil {
			return err
		}
	}
	return nil
}

// fireNext pops the next thunk for worker proc and fires it,
// looping as long as firing completes in the scheduler process
// (cache hits and meta thunks) so that such chains never stall the
// worker.
func (s *Scheduler) fireNext(ctx context.Context, proc dagr.OSProc, immediateNext bool) error {
	st := s.state
	for {
		st.mu.Lock()
		if st.halt {
			st.mu.Unlock()
			return nil
		}
		t := st.popWithAffinity(proc, immediateNext, s.Pool.Procs())
		if t == nil {
			st.mu.Unlock()
			return nil
		}
		st.running[t] = true
		st.thunkDict[t.ID] = t
		st.mu.Unlock()
		async, immediate, err := s.fireTask(ctx, t, proc)
		if err != nil {
			return err
		}
		if async {
			return nil
		}
		immediateNext = immediate
	}
}

// fireTask fires thunk t on worker proc. Its precondition is that t
// has been removed from ready and all of its thunk inputs are in
// the cache. fireTask reports whether the dispatch is asynchronous;
// when it is not (cache hits, meta thunks), the task has already
// finished and immediate carries the completion handler's hint.
func (s *Scheduler) fireTask(ctx context.Context, t *thunk.Thunk, proc dagr.OSProc) (async, immediate bool, err error) {
	st := s.state

	// A cached thunk's previous result may still be reclaimable from
	// its worker's store, skipping both compute and dispatch.
	if t.Cache && t.CacheRef != nil {
		if _, ok := t.CacheRef.Unrelease(); ok {
			s.Log.Debugf("%s: reclaimed cached result from %s", t, t.CacheRef.Owner())
			st.mu.Lock()
			st.cache[t] = t.CacheRef
			st.mu.Unlock()
			return false, s.finishTask(t, false), nil
		}
		t.CacheRef = nil
	}

	if t.Meta {
		v, merr := s.runMeta(ctx, t)
		if merr != nil {
			return false, false, merr
		}
		st.mu.Lock()
		st.cache[t] = v
		st.mu.Unlock()
		return false, s.finishTask(t, true), nil
	}

	opts := s.Options
	if t.Options != nil {
		opts = opts.Merge(*t.Options)
	}
	target := proc
	if opts.Single != 0 {
		target = dagr.OSProc{PID: opts.Single}
	}
	w, ok := s.Pool.Worker(target)
	if !ok {
		// The target died between selection and dispatch; report it
		// like any other worker death so the fault handler re-plans.
		st.mu.Lock()
		st.where[t] = target
		st.mu.Unlock()
		go func() {
			s.replyc <- dagr.Reply{
				From:    target,
				ThunkID: t.ID,
				Err: errors.Recover(errors.E("fire", t.String(), errors.WorkerLost,
					errors.Errorf("%s is gone", target))),
			}
		}()
		return true, false, nil
	}
	req := dagr.TaskRequest{
		ThunkID:    t.ID,
		Func:       t.Func,
		SendResult: t.GetResult,
		Persist:    t.Persist,
		Cache:      t.Cache,
		ProcTypes:  opts.ProcTypes,
	}
	if t.Dynamic {
		req.Handle = s.bus.handle(target, t.ID)
	}
	req.Args = make([]dagr.Value, len(t.Inputs))
	st.mu.Lock()
	for i, in := range t.Inputs {
		if dep, ok := in.(*thunk.Thunk); ok {
			req.Args[i] = st.cache[dep]
		} else {
			req.Args[i] = in
		}
	}
	st.where[t] = target
	st.mu.Unlock()
	s.Log.Debugf("firing %s on %s", t, target)
	go s.doTask(ctx, w, req)
	return true, false, nil
}

// doTask performs one remote dispatch and delivers its reply on the
// completion channel. Any failure raised in the wrapper itself,
// panics included, is captured and sent with the same shape.
func (s *Scheduler) doTask(ctx context.Context, w dagr.Worker, req dagr.TaskRequest) {
	reply := dagr.Reply{From: w.Proc(), ThunkID: req.ThunkID}
	defer func() {
		if p := recover(); p != nil {
			reply.Value = nil
			reply.Err = errors.Recover(errors.E("dotask", errors.Errorf("panic: %v", p)))
		}
		s.replyc <- reply
	}()
	ctx, done := trace.Start(ctx, trace.Comm,
		dagr.Digester.FromString(fmt.Sprintf("comm%d", req.ThunkID)),
		fmt.Sprintf("comm thunk %d to %s", req.ThunkID, w.Proc()))
	trace.Note(ctx, "processor", w.Proc().String())
	defer done()
	v, err := w.Run(ctx, req)
	reply.Value = v
	reply.Err = errors.Recover(err)
}

// runMeta executes a meta thunk synchronously in the scheduler
// process: its inputs are materialized here (bounded by the
// scheduler's materialization limiter) and its function invoked
// directly, skipping the chunk-reference round trip.
func (s *Scheduler) runMeta(ctx context.Context, t *thunk.Thunk) (dagr.Value, error) {
	ctx, done := trace.Start(ctx, trace.Compute,
		dagr.Digester.FromString(fmt.Sprintf("compute%d", t.ID)),
		fmt.Sprintf("meta %s", t))
	defer done()
	st := s.state
	args := make([]dagr.Value, len(t.Inputs))
	st.mu.Lock()
	for i, in := range t.Inputs {
		if dep, ok := in.(*thunk.Thunk); ok {
			args[i] = st.cache[dep]
		} else {
			args[i] = in
		}
	}
	st.mu.Unlock()
	err := traverse.Each(len(args), func(i int) error {
		ref, ok := args[i].(dagr.Ref)
		if !ok {
			return nil
		}
		if err := s.materializeLimiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer s.materializeLimiter.Release(1)
		v, err := ref.Materialize(ctx)
		if err != nil {
			return err
		}
		args[i] = v
		return nil
	})
	if err != nil {
		return nil, errors.E("meta", t.String(), err)
	}
	v, err := t.Func(ctx, args...)
	if err != nil {
		return nil, errors.E("meta", t.String(), err)
	}
	return v, nil
}

// finishTask processes thunk node's completion: its result is
// already in the cache. Dependents whose last unfulfilled input this
// was move to ready in priority order; inputs whose consumers have
// all finished are released (unless free is unset, as on reclaimed
// cache hits); node itself moves from running to finished.
// finishTask reports whether exactly one dependent was unblocked:
// the immediate-next hint biasing the very next selection toward
// the worker that already holds node's result.
func (s *Scheduler) finishTask(node *thunk.Thunk, free bool) (immediateNext bool) {
	st := s.state
	st.mu.Lock()
	if node.Cache {
		if ref, ok := st.cache[node].(dagr.Ref); ok {
			node.CacheRef = ref
		}
	}
	deps := append([]*thunk.Thunk{}, st.dependents[node]...)
	sort.SliceStable(deps, func(i, j int) bool {
		return thunk.NodeOrder(st.order, deps[i]) < thunk.NodeOrder(st.order, deps[j])
	})
	var unblocked int
	for _, dep := range deps {
		wait := st.waiting[dep]
		if wait == nil {
			continue
		}
		delete(wait, node)
		if len(wait) == 0 {
			delete(st.waiting, dep)
			st.insertReady(dep)
			unblocked++
		}
	}
	type freeOp struct {
		ref   dagr.Ref
		cache bool
	}
	var frees []freeOp
	for _, in := range node.Deps() {
		wd := st.waitingData[in]
		if wd == nil {
			continue
		}
		delete(wd, node)
		if len(wd) > 0 {
			continue
		}
		delete(st.waitingData, in)
		if !free || in.Persist {
			continue
		}
		if ref, ok := st.cache[in].(dagr.Ref); ok {
			frees = append(frees, freeOp{ref, in.Cache})
		}
		delete(st.cache, in)
	}
	delete(st.running, node)
	delete(st.where, node)
	st.finished[node] = true
	st.mu.Unlock()
	for _, op := range frees {
		if err := op.ref.Free(false, op.cache); err != nil {
			s.Log.Errorf("free %s: %v", op.ref.Owner(), err)
		}
	}
	return unblocked == 1
}

// handleWorkerDeath recovers from the loss of worker proc, which
// was running the thunk identified by failedID when the failure
// surfaced. Results resident on the dead worker are invalidated,
// and every thunk whose result is gone but still needed by an
// unfinished descendant is re-planned: moved back out of finished
// with its waiting set restored from the graph, and re-inserted
// into ready in priority order once its inputs are available again.
func (s *Scheduler) handleWorkerDeath(proc dagr.OSProc, failedID uint64) error {
	s.Log.Errorf("worker %s died; re-planning", proc)
	s.Pool.Remove(proc)
	s.bus.remove(proc)
	if len(s.Pool.Procs()) == 0 {
		return errors.E("compute", s.root.String(), errors.Fatal,
			errors.New("all workers are gone"))
	}

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	// Collect and invalidate results lost with the worker.
	lost := make(map[*thunk.Thunk]bool)
	for t, v := range st.cache {
		if ref, ok := v.(dagr.Ref); ok && ref.Owner() == proc {
			lost[t] = true
		}
	}
	for t := range lost {
		delete(st.cache, t)
	}
	for t := range st.dependents {
		if t.CacheRef != nil && t.CacheRef.Owner() == proc {
			t.CacheRef = nil
		}
	}

	// plan re-plans thunk t for execution: t re-runs once its inputs
	// are available again, re-running lost inputs in turn.
	var plan func(t *thunk.Thunk)
	plan = func(t *thunk.Thunk) {
		if st.available(t) || st.running[t] || st.inReady(t) || st.waiting[t] != nil {
			return
		}
		delete(st.finished, t)
		wait := make(map[*thunk.Thunk]bool)
		for _, dep := range t.Deps() {
			st.addConsumer(dep, t)
			if st.available(dep) {
				continue
			}
			wait[dep] = true
			plan(dep)
		}
		if len(wait) == 0 {
			st.insertReady(t)
		} else {
			st.waiting[t] = wait
		}
	}

	// Everything in flight on the dead worker re-executes on a
	// survivor: the thunk whose failure surfaced, and any other
	// dispatch whose reply will never arrive usefully.
	if failed := st.thunkDict[failedID]; failed != nil {
		delete(st.running, failed)
		delete(st.where, failed)
		plan(failed)
	}
	for t, on := range st.where {
		if on != proc {
			continue
		}
		delete(st.where, t)
		if st.running[t] {
			delete(st.running, t)
			plan(t)
		}
	}

	// Ready thunks whose inputs died must wait for them anew.
	for i := len(st.ready) - 1; i >= 0; i-- {
		t := st.ready[i]
		missing := false
		for _, dep := range t.Deps() {
			if !st.available(dep) {
				missing = true
				break
			}
		}
		if missing {
			st.removeReady(i)
			plan(t)
		}
	}

	// Waiting thunks must re-wait for lost inputs they had already
	// seen finish. Plan may extend waiting; snapshot its keys first.
	blocked := make([]*thunk.Thunk, 0, len(st.waiting))
	for u := range st.waiting {
		blocked = append(blocked, u)
	}
	for _, u := range blocked {
		wait := st.waiting[u]
		if wait == nil {
			continue
		}
		for _, dep := range u.Deps() {
			if st.available(dep) || wait[dep] {
				continue
			}
			wait[dep] = true
			st.addConsumer(dep, u)
			plan(dep)
		}
	}
	return nil
}

// requestHalt raises the halt flag and wakes the main loop.
func (s *Scheduler) requestHalt() {
	st := s.state
	st.mu.Lock()
	st.halt = true
	st.mu.Unlock()
	select {
	case s.wakec <- struct{}{}:
	default:
	}
}

// dagIDs renders the graph's reverse adjacency in wire form.
func (s *Scheduler) dagIDs() map[uint64]map[uint64]bool {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make(map[uint64]map[uint64]bool, len(st.dependents))
	for t, deps := range st.dependents {
		set := make(map[uint64]bool, len(deps))
		for _, dep := range deps {
			set[dep.ID] = true
		}
		ids[t.ID] = set
	}
	return ids
}
