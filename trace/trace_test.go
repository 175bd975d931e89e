// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace_test

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/dagr/trace"
)

var digester = digest.Digester(crypto.SHA256)

type chanTracer chan trace.Event

func (c chanTracer) Emit(e trace.Event) error {
	c <- e
	return nil
}

func id(i int) digest.Digest {
	return digester.FromString(strconv.Itoa(i))
}

func TestTrace(t *testing.T) {
	now := time.Now()
	tracer := make(chanTracer, 1024)
	ctx := trace.WithTracer(context.Background(), tracer)
	ctx1, done1 := trace.Start(ctx, trace.Run, id(1), "1")
	trace.Note(ctx1, "hello", "world")
	ctx2, done2 := trace.Start(ctx1, trace.Compute, id(2), "2")
	trace.Note(ctx2, "compute", "blah")
	trace.Note(ctx1, "compute", "1")
	done2()
	done1()

	expect := []trace.Event{
		{Kind: trace.StartEvent, Span: trace.Span{Id: id(1), Kind: trace.Run}, Name: "1"},
		{Kind: trace.NoteEvent, Key: "hello", Value: "world"},
		{Kind: trace.StartEvent, Span: trace.Span{Parent: id(1), Id: id(2), Kind: trace.Compute}, Name: "2"},
		{Kind: trace.NoteEvent, Key: "compute", Value: "blah"},
		{Kind: trace.NoteEvent, Key: "compute", Value: "1"},
		{Kind: trace.EndEvent, Span: trace.Span{Parent: id(1), Id: id(2), Kind: trace.Compute}, Name: "2"},
		{Kind: trace.EndEvent, Span: trace.Span{Id: id(1), Kind: trace.Run}, Name: "1"},
	}

	for _, ex := range expect {
		var ev trace.Event
		select {
		case ev = <-tracer:
		default:
			t.Fatalf("failed to receive expected event %v", ex)
		}
		if ev.Time.Before(now) {
			t.Errorf("bad timestamp: got %v, expected time later or equal to %v", ev.Time, now)
		}
		now = ev.Time
		if got, want := ev.Kind, ex.Kind; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		// Span identity is checked for start and end events only;
		// notes inherit whatever span is current.
		if ex.Kind == trace.StartEvent || ex.Kind == trace.EndEvent {
			if got, want := ev.Span, ex.Span; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if got, want := ev.Name, ex.Name; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
		if got, want := ev.Key, ex.Key; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := ev.Value, ex.Value; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
drain:
	for {
		select {
		case ev := <-tracer:
			t.Errorf("received excess event %v", ev)
		default:
			break drain
		}
	}
}

func TestOff(t *testing.T) {
	ctx := context.Background()
	if trace.On(ctx) {
		t.Fatal("tracing must be off without a tracer")
	}
	// Start and Note are no-ops without a tracer.
	_, done := trace.Start(ctx, trace.Run, id(1), "1")
	done()
	trace.Note(ctx, "k", "v")
}
