// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/thunk"
)

// popWithAffinity selects and removes the next thunk to fire on
// worker proc, or returns nil if none of the ready thunks should run
// there. The caller must hold mu.
//
// Selection proceeds in priority order:
//
//  1. Fast path: when the hint tells us that the previous completion
//     unblocked exactly one dependent, whose input data are likely
//     already resident on proc, and the highest-priority ready thunk
//     names proc in its affinity, take it without scanning.
//  2. Affinity match: the highest-priority ready thunk whose
//     affinity includes proc.
//  3. Orphan sweep: the highest-priority ready thunk with no
//     affinity at all.
//  4. Unreachable sweep: the highest-priority ready thunk whose
//     affinities name no live worker; it will never get a preferred
//     dispatch, so any worker will do.
//
// The queue is kept with its highest-priority thunk at the end, so
// scans run back to front. Keeping data-local work on its owner
// while sweeping up orphaned and unreachable tasks avoids
// starvation.
func (st *state) popWithAffinity(proc dagr.OSProc, immediateNext bool, live []dagr.OSProc) *thunk.Thunk {
	n := len(st.ready)
	if n == 0 {
		return nil
	}
	if immediateNext && affinityIncludes(st.ready[n-1], proc) {
		return st.removeReady(n - 1)
	}
	for i := n - 1; i >= 0; i-- {
		if affinityIncludes(st.ready[i], proc) {
			return st.removeReady(i)
		}
	}
	for i := n - 1; i >= 0; i-- {
		if len(st.ready[i].Affinity) == 0 {
			return st.removeReady(i)
		}
	}
	for i := n - 1; i >= 0; i-- {
		if !affinityReachable(st.ready[i], live) {
			return st.removeReady(i)
		}
	}
	return nil
}

func affinityIncludes(t *thunk.Thunk, proc dagr.OSProc) bool {
	for _, a := range t.Affinity {
		if a.Proc == proc {
			return true
		}
	}
	return false
}

func affinityReachable(t *thunk.Thunk, live []dagr.OSProc) bool {
	for _, a := range t.Affinity {
		for _, proc := range live {
			if a.Proc == proc {
				return true
			}
		}
	}
	return false
}
