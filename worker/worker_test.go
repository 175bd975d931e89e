// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"testing"

	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/errors"
)

func sum(ctx context.Context, args ...dagr.Value) (dagr.Value, error) {
	var n int
	for _, arg := range args {
		n += arg.(int)
	}
	return n, nil
}

func TestRun(t *testing.T) {
	w := New(1, nil)
	ctx := context.Background()
	in := w.Store().Put(40, false, false)
	v, err := w.Run(ctx, dagr.TaskRequest{ThunkID: 1, Func: sum, Args: []dagr.Value{in, 2}})
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := v.(dagr.Ref)
	if !ok {
		t.Fatalf("got %T, want a chunk reference", v)
	}
	if got, want := ref.Owner(), w.Proc(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	out, err := ref.Materialize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.(int), 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunSendResult(t *testing.T) {
	w := New(1, nil)
	v, err := w.Run(context.Background(), dagr.TaskRequest{
		ThunkID:    1,
		Func:       sum,
		Args:       []dagr.Value{1, 2},
		SendResult: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v.(int), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Store().N(), 0; got != want {
		t.Errorf("send-result run stored %d chunks, want %d", got, want)
	}
}

func TestRunError(t *testing.T) {
	w := New(1, nil)
	boom := errors.New("boom")
	fail := func(ctx context.Context, args ...dagr.Value) (dagr.Value, error) {
		return nil, boom
	}
	_, err := w.Run(context.Background(), dagr.TaskRequest{ThunkID: 1, Func: fail})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Restartable(err) {
		t.Errorf("a thunk failure must not present as worker loss: %v", err)
	}
}

func TestRunKilled(t *testing.T) {
	w := New(1, nil)
	w.Kill()
	_, err := w.Run(context.Background(), dagr.TaskRequest{ThunkID: 1, Func: sum})
	if !errors.Is(errors.WorkerLost, err) {
		t.Errorf("got %v, want WorkerLost", err)
	}
}

func TestKillInFlight(t *testing.T) {
	w := New(1, nil)
	started := make(chan struct{})
	block := make(chan struct{})
	hang := func(ctx context.Context, args ...dagr.Value) (dagr.Value, error) {
		close(started)
		<-block
		return nil, nil
	}
	errc := make(chan error)
	go func() {
		_, err := w.Run(context.Background(), dagr.TaskRequest{ThunkID: 1, Func: hang})
		errc <- err
	}()
	<-started
	w.Kill()
	if err := <-errc; !errors.Is(errors.WorkerLost, err) {
		t.Errorf("got %v, want WorkerLost", err)
	}
	close(block)
}

func TestChooseProcTypes(t *testing.T) {
	w := New(1, nil, "cpu", "gpu")
	ran := make(chan struct{}, 1)
	note := func(ctx context.Context, args ...dagr.Value) (dagr.Value, error) {
		ran <- struct{}{}
		return nil, nil
	}
	if _, err := w.Run(context.Background(), dagr.TaskRequest{
		ThunkID:    1,
		Func:       note,
		SendResult: true,
		ProcTypes:  []string{"gpu"},
	}); err != nil {
		t.Fatal(err)
	}
	<-ran
	_, err := w.Run(context.Background(), dagr.TaskRequest{
		ThunkID:   2,
		Func:      note,
		ProcTypes: []string{"tpu"},
	})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestPool(t *testing.T) {
	p := NewPool(3, nil)
	procs := p.Procs()
	if got, want := len(procs), 3; got != want {
		t.Fatalf("got %d procs, want %d", got, want)
	}
	for i, proc := range procs {
		if got, want := proc.PID, i+1; got != want {
			t.Errorf("got pid %d, want %d", got, want)
		}
	}
	p.Remove(dagr.OSProc{PID: 2})
	if _, ok := p.Worker(dagr.OSProc{PID: 2}); ok {
		t.Error("worker 2 must be gone")
	}
	if got, want := len(p.Procs()), 2; got != want {
		t.Errorf("got %d procs, want %d", got, want)
	}
}

func TestAffinityFor(t *testing.T) {
	p := NewPool(2, nil)
	w1, _ := p.Lookup(1)
	w2, _ := p.Lookup(2)
	r1a := w1.Store().Put(1, false, false)
	r1b := w1.Store().Put(2, false, false)
	r2 := w2.Store().Put(3, false, false)
	affinity := AffinityFor([]dagr.Value{r1a, "immediate", r1b, r2})
	if got, want := len(affinity), 2; got != want {
		t.Fatalf("got %d affinities, want %d", got, want)
	}
	if got, want := affinity[0].Proc.PID, 1; got != want {
		t.Errorf("got pid %d, want %d", got, want)
	}
	if got, want := affinity[0].Weight, int64(2); got != want {
		t.Errorf("got weight %d, want %d", got, want)
	}
	if got, want := affinity[1].Weight, int64(1); got != want {
		t.Errorf("got weight %d, want %d", got, want)
	}
}
