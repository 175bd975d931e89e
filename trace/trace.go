// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace provides a tracing system for Dagr events.
// Following Dapper [1], trace events are named by a span. Spans are
// coordinates in a tree of events, and each span is associated with
// a logical timeline: a scheduler run, a communication with a
// worker, or a single thunk's computation. Traces thus form a tree
// of timelines, where the operation represented by a single timeline
// is dependent on all of its child timelines.
//
// A span's ID is the 3-tuple
//
//	parent ID, ID, span kind
//
// The parent ID is the ID of the span's parent. (The ID 0 is
// reserved for the root span.) The ID is a unique ID to the span
// itself, and the span's kind tells what kind of timeline the span
// represents.
//
// Tracing metadata is propagated through Go's context mechanism:
// each operation that creates a new span is given a context that
// represents that span. Package functions are provided to emit trace
// events to the current span, as defined by a context.
//
// [1] https://research.google.com/pubs/pub36356.html
package trace

import (
	"context"
	"time"

	"github.com/grailbio/base/digest"
)

// Kind is the type of spans.
type Kind int

const (
	// Init is the span type for scheduler initialization.
	Init Kind = iota
	// Run is the span type for a whole scheduler run.
	Run
	// Comm is the span type for scheduler-worker communication,
	// bracketing a single remote dispatch.
	Comm
	// Compute is the span type for a single thunk's computation.
	Compute
)

// String renders a human-readable description of kind k.
func (k Kind) String() string {
	switch k {
	case Init:
		return "scheduler_init"
	case Run:
		return "scheduler"
	case Comm:
		return "comm"
	case Compute:
		return "compute"
	default:
		return "unknown"
	}
}

var nopFunc = func() {}

// Span stores the parent-child tuple of IDs that define a trace
// span. The zero Span struct is the root span.
type Span struct {
	Parent, Id digest.Digest
	Kind       Kind
}

// Start traces the beginning of a span of the indicated kind, with
// the given ID and name. Start returns a new context for this span:
// notes on the context will be associated with the fresh span; new
// spans become children of this span. The returned func ends the
// span.
func Start(ctx context.Context, kind Kind, id digest.Digest, name string) (outctx context.Context, done func()) {
	if !On(ctx) {
		return ctx, nopFunc
	}
	// This is ok: the root span is the zero value.
	span, _ := ctx.Value(spanKey).(Span)
	span.Parent = span.Id
	span.Id = id
	span.Kind = kind
	t := tracer(ctx)
	t.Emit(Event{Time: time.Now(), Span: span, Kind: StartEvent, Name: name})
	return context.WithValue(ctx, spanKey, span), func() {
		t.Emit(Event{Time: time.Now(), Span: span, Kind: EndEvent, Name: name})
	}
}

// Note emits the provided key and value as a trace event associated
// with the span of the provided context.
func Note(ctx context.Context, key string, value interface{}) {
	if !On(ctx) {
		return
	}
	span, _ := ctx.Value(spanKey).(Span)
	Emit(ctx, Event{
		Time:  time.Now(),
		Span:  span,
		Kind:  NoteEvent,
		Key:   key,
		Value: value,
	})
}
