// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"context"

	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/errors"
)

// Commands understood by the dynamic message bus.
const (
	// CmdHalt asks the scheduler to stop the run. The stop is
	// acknowledged by the closing of the worker channels, on which
	// Handle.Halt synchronizes.
	CmdHalt = "halt"
	// CmdGetDAGIDs asks for the graph's reverse adjacency in wire
	// form: thunk id to the set of its dependents' ids.
	CmdGetDAGIDs = "get_dag_ids"
)

// A Message is a command sent by a running thunk to the scheduler.
type Message struct {
	// ThunkID identifies the sending thunk.
	ThunkID uint64
	// Cmd is the command name.
	Cmd string
	// Data is the command's argument, if any.
	Data dagr.Value
}

type busWorker struct {
	in   chan Message
	out  chan dagr.Value
	quit chan struct{}
}

// bus is the dynamic message bus: one channel pair per live worker,
// each drained by a listener goroutine. Running thunks reach the bus
// through Handles.
type bus struct {
	sched   *Scheduler
	workers map[int]*busWorker
	done    chan struct{}
}

func newBus(s *Scheduler) *bus {
	b := &bus{
		sched:   s,
		workers: make(map[int]*busWorker),
		done:    make(chan struct{}),
	}
	for _, proc := range s.Pool.Procs() {
		w := &busWorker{
			in:   make(chan Message),
			out:  make(chan dagr.Value),
			quit: make(chan struct{}),
		}
		b.workers[proc.PID] = w
		go b.listen(proc, w)
	}
	return b
}

// handle returns a capability for the thunk id on the worker named
// by proc.
func (b *bus) handle(proc dagr.OSProc, id uint64) *Handle {
	w, ok := b.workers[proc.PID]
	if !ok {
		return nil
	}
	return &Handle{thunkID: id, in: w.in, out: w.out, done: b.done}
}

// remove detaches the worker named by proc from the bus and stops
// its listener. Handles held by its orphaned thunks fail once the
// bus shuts down.
func (b *bus) remove(proc dagr.OSProc) {
	w, ok := b.workers[proc.PID]
	if !ok {
		return
	}
	close(w.quit)
	delete(b.workers, proc.PID)
}

// shutdown closes the bus. All handles fail cleanly afterwards, and
// every listener exits. Shutdown is idempotent.
func (b *bus) shutdown() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

func (b *bus) listen(proc dagr.OSProc, w *busWorker) {
	for {
		select {
		case <-b.done:
			return
		case <-w.quit:
			return
		case m := <-w.in:
			switch m.Cmd {
			case CmdHalt:
				b.sched.requestHalt()
			case CmdGetDAGIDs:
				ids := b.sched.dagIDs()
				select {
				case w.out <- ids:
				case <-b.done:
				case <-w.quit:
				}
			default:
				b.sched.Log.Errorf("dynamic listener %s: unknown command %q from thunk %d", proc, m.Cmd, m.ThunkID)
				b.sched.requestHalt()
			}
		}
	}
}

// A Handle is the capability passed as the first argument to a
// dynamic thunk's function. Handles are small values owning two
// channel endpoints; copies share the same endpoints. After the bus
// shuts down, all operations on any copy fail with Halted errors.
type Handle struct {
	thunkID uint64
	in      chan<- Message
	out     <-chan dagr.Value
	done    <-chan struct{}
}

// ThunkID returns the id of the thunk to which the handle was
// issued.
func (h *Handle) ThunkID() uint64 {
	return h.thunkID
}

// Send sends a command to the scheduler.
func (h *Handle) Send(cmd string, data dagr.Value) error {
	select {
	case h.in <- Message{ThunkID: h.thunkID, Cmd: cmd, Data: data}:
		return nil
	case <-h.done:
		return errors.E("send", cmd, errors.Halted)
	}
}

// Recv receives the scheduler's reply to a previously sent command.
func (h *Handle) Recv(ctx context.Context) (dagr.Value, error) {
	select {
	case v := <-h.out:
		return v, nil
	case <-h.done:
		return nil, errors.E("recv", errors.Halted)
	case <-ctx.Done():
		return nil, errors.E("recv", ctx.Err())
	}
}

// Halt asks the scheduler to stop the run, and returns once the
// stop is acknowledged: the scheduler acknowledges by closing all
// worker channels as it unwinds with ErrHalted. Waiting on the
// close, rather than sleeping, makes the stop a real barrier.
func (h *Handle) Halt(ctx context.Context) error {
	if err := h.Send(CmdHalt, nil); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.E("halt", ctx.Err())
	}
}

// GetDAGIDs returns the graph's reverse adjacency in wire form:
// each thunk id maps to the set of ids of the thunks that consume
// its result.
func (h *Handle) GetDAGIDs(ctx context.Context) (map[uint64]map[uint64]bool, error) {
	if err := h.Send(CmdGetDAGIDs, nil); err != nil {
		return nil, err
	}
	v, err := h.Recv(ctx)
	if err != nil {
		return nil, err
	}
	ids, ok := v.(map[uint64]map[uint64]bool)
	if !ok {
		return nil, errors.E("get_dag_ids", errors.Invalid, errors.Errorf("unexpected reply %T", v))
	}
	return ids, nil
}
