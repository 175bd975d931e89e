// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package thunk

// Dependents computes the reverse adjacency of the graph rooted at
// root: for each reachable thunk, the set of thunks listing it among
// their inputs. The root maps to an empty (but non-nil) slice.
// Inputs are assumed acyclic.
func Dependents(root *Thunk) map[*Thunk][]*Thunk {
	dependents := map[*Thunk][]*Thunk{root: {}}
	var visit func(t *Thunk)
	visit = func(t *Thunk) {
		for _, dep := range t.Deps() {
			seen := len(dependents[dep]) > 0
			dependents[dep] = append(dependents[dep], t)
			if !seen {
				visit(dep)
			}
		}
	}
	visit(root)
	// A diamond reaches a shared dependency once per consumer; dedup
	// and make sure every node has an entry.
	for t, deps := range dependents {
		dependents[t] = dedup(deps)
	}
	return dependents
}

// NOffspring computes, for each node, the size of its forward
// reachable set of dependents: the number of thunks whose results
// transitively consume the node's.
func NOffspring(dependents map[*Thunk][]*Thunk) map[*Thunk]int {
	offspring := make(map[*Thunk]map[*Thunk]bool, len(dependents))
	var visit func(t *Thunk) map[*Thunk]bool
	visit = func(t *Thunk) map[*Thunk]bool {
		if set, ok := offspring[t]; ok {
			return set
		}
		set := make(map[*Thunk]bool)
		offspring[t] = set
		for _, dep := range dependents[t] {
			set[dep] = true
			for a := range visit(dep) {
				set[a] = true
			}
		}
		return set
	}
	n := make(map[*Thunk]int, len(dependents))
	for t := range dependents {
		n[t] = len(visit(t))
	}
	return n
}

// Order assigns each node a scheduling priority derived from its
// offspring count: a node with a larger dependent subtree is more
// urgent, since finishing it unlocks more downstream work.
func Order(noffspring map[*Thunk]int) map[*Thunk]int {
	order := make(map[*Thunk]int, len(noffspring))
	for t, n := range noffspring {
		order[t] = n
	}
	return order
}

// NodeOrder returns the sort key of thunk t under order: a lower
// key denotes a higher priority. The ready queue is kept descending
// by NodeOrder so that its highest-priority thunk is at the end.
func NodeOrder(order map[*Thunk]int, t *Thunk) int {
	return -order[t]
}

func dedup(thunks []*Thunk) []*Thunk {
	seen := make(map[*Thunk]bool, len(thunks))
	var out []*Thunk
	for _, t := range thunks {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if out == nil {
		out = []*Thunk{}
	}
	return out
}
