// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"fmt"

	"github.com/grailbio/dagr/thunk"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// Node is a thunk node in the dot graph.
type Node struct {
	*thunk.Thunk
}

// ID is the unique identifier for this node. Implements graph.Node.
func (n Node) ID() int64 {
	return int64(n.Thunk.ID)
}

// DOTID implements dot.Node.
func (n Node) DOTID() string {
	ident := n.Ident
	if ident == "" {
		ident = "anon"
	}
	return fmt.Sprintf("%d-%s", n.Thunk.ID, ident)
}

// Attributes implements encoding.Attributer.
func (n Node) Attributes() []encoding.Attribute {
	var attrs []encoding.Attribute
	if n.Meta {
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: "diamond"})
	}
	if n.Cache {
		attrs = append(attrs, encoding.Attribute{Key: "style", Value: "filled"})
	}
	return attrs
}

// writeDot writes the executed thunk graph to the configured
// DotWriter, if any. Edges run from each thunk to its dependents,
// following the direction of data flow.
func (s *Scheduler) writeDot() {
	if s.DotWriter == nil {
		return
	}
	g := simple.NewDirectedGraph()
	s.state.mu.Lock()
	for t := range s.state.dependents {
		g.AddNode(Node{t})
	}
	for t, deps := range s.state.dependents {
		for _, dep := range deps {
			if g.HasEdgeBetween(Node{t}.ID(), Node{dep}.ID()) {
				continue
			}
			g.SetEdge(g.NewEdge(Node{t}, Node{dep}))
		}
	}
	s.state.mu.Unlock()
	b, err := dot.Marshal(g, fmt.Sprintf("dagr graph %s", s.root), "", "")
	if err != nil {
		s.Log.Debugf("dot marshal: %v", err)
		return
	}
	if _, err := s.DotWriter.Write(b); err != nil {
		s.Log.Debugf("writing dot graph: %v", err)
	}
}
