// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package thunk

import (
	"context"
	"testing"

	"github.com/grailbio/dagr"
)

func nop(ctx context.Context, args ...dagr.Value) (dagr.Value, error) {
	return nil, nil
}

// chain builds a linear graph a <- b <- c and returns its nodes.
func chain() (a, b, c *Thunk) {
	a = New("a", nop)
	b = New("b", nop, a)
	c = New("c", nop, b)
	return
}

// diamond builds a <- {b, c} <- d and returns its nodes.
func diamond() (a, b, c, d *Thunk) {
	a = New("a", nop)
	b = New("b", nop, a)
	c = New("c", nop, a)
	d = New("d", nop, b, c)
	return
}

func TestDependentsChain(t *testing.T) {
	a, b, c := chain()
	deps := Dependents(c)
	if got, want := len(deps), 3; got != want {
		t.Fatalf("got %d nodes, want %d", got, want)
	}
	if got := deps[c]; len(got) != 0 {
		t.Errorf("root dependents: got %v, want none", got)
	}
	if got := deps[b]; len(got) != 1 || got[0] != c {
		t.Errorf("dependents of b: got %v, want [c]", got)
	}
	if got := deps[a]; len(got) != 1 || got[0] != b {
		t.Errorf("dependents of a: got %v, want [b]", got)
	}
}

func TestDependentsDiamond(t *testing.T) {
	a, b, c, d := diamond()
	deps := Dependents(d)
	if got, want := len(deps), 4; got != want {
		t.Fatalf("got %d nodes, want %d", got, want)
	}
	if got, want := len(deps[a]), 2; got != want {
		t.Errorf("dependents of a: got %d, want %d", got, want)
	}
	seen := map[*Thunk]bool{}
	for _, dep := range deps[a] {
		seen[dep] = true
	}
	if !seen[b] || !seen[c] {
		t.Errorf("dependents of a: got %v, want {b, c}", deps[a])
	}
}

func TestDependentsDuplicateInput(t *testing.T) {
	a := New("a", nop)
	b := New("b", nop, a, a)
	deps := Dependents(b)
	if got := deps[a]; len(got) != 1 || got[0] != b {
		t.Errorf("dependents of a: got %v, want [b] exactly once", got)
	}
}

func TestNOffspring(t *testing.T) {
	a, b, c, d := diamond()
	deps := Dependents(d)
	n := NOffspring(deps)
	// Offspring are counted once even when reachable along both
	// sides of the diamond.
	for _, test := range []struct {
		node *Thunk
		want int
	}{{a, 3}, {b, 1}, {c, 1}, {d, 0}} {
		if got := n[test.node]; got != test.want {
			t.Errorf("noffspring %s: got %d, want %d", test.node, got, test.want)
		}
	}
}

func TestNOffspringSingleton(t *testing.T) {
	root := New("root", nop)
	deps := Dependents(root)
	if got, want := len(deps), 1; got != want {
		t.Fatalf("got %d nodes, want %d", got, want)
	}
	if got, want := NOffspring(deps)[root], 0; got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestOrder(t *testing.T) {
	a, b, c := chain()
	deps := Dependents(c)
	order := Order(NOffspring(deps))
	// A larger dependent subtree sorts first under NodeOrder.
	if NodeOrder(order, a) >= NodeOrder(order, b) {
		t.Errorf("a must outrank b: %d vs %d", NodeOrder(order, a), NodeOrder(order, b))
	}
	if NodeOrder(order, b) >= NodeOrder(order, c) {
		t.Errorf("b must outrank c: %d vs %d", NodeOrder(order, b), NodeOrder(order, c))
	}
}
