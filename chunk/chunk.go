// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunk implements the worker-local data-chunk store used
// by Dagr to hold intermediate results. Chunks are reference
// counted: a chunk is retained while any consumer holds a
// reference, and released when its last reference is freed. A
// released chunk marked cacheable is not discarded immediately:
// it is moved to a bounded retention cache from which a later run
// may reclaim it (Unrelease) without recomputation.
package chunk

import (
	"bytes"
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/grailbio/dagr"
	"github.com/grailbio/dagr/errors"
	lru "github.com/hashicorp/golang-lru"
	"github.com/willf/bloom"
)

// DefaultRetention is the default capacity of a store's retention
// cache.
const DefaultRetention = 128

type entry struct {
	value    dagr.Value
	refcount int
	persist  bool
	cache    bool
}

// A Store is a worker-local chunk store. It hands out references to
// stored values; references are valid process-wide, so a scheduler
// may pass them between workers.
type Store struct {
	proc dagr.OSProc

	mu       sync.Mutex
	entries  map[digest.Digest]*entry
	retained *lru.Cache
	dead     bool
}

// New creates a new store owned by the worker named proc. The
// retention argument bounds the number of released-but-cached chunks
// retained for Unrelease; nonpositive retention selects
// DefaultRetention.
func New(proc dagr.OSProc, retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New(retention)
	if err != nil {
		panic(err)
	}
	return &Store{
		proc:     proc,
		entries:  make(map[digest.Digest]*entry),
		retained: cache,
	}
}

// Proc returns the worker that owns this store.
func (s *Store) Proc() dagr.OSProc {
	return s.proc
}

// Put stores v and returns a fresh reference to it, with an initial
// reference count of one. Persist marks the chunk as never
// evictable; cache marks it retainable after release.
func (s *Store) Put(v dagr.Value, persist, cache bool) *Ref {
	id := dagr.Digester.Rand(nil)
	s.mu.Lock()
	s.entries[id] = &entry{value: v, refcount: 1, persist: persist, cache: cache}
	s.mu.Unlock()
	return &Ref{store: s, id: id}
}

// N returns the number of live (unreleased) chunks in the store.
func (s *Store) N() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Kill discards the store's contents and marks it dead, simulating
// the loss of its worker: all subsequent materializations fail and
// reclamation misses.
func (s *Store) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	s.entries = make(map[digest.Digest]*entry)
	s.retained.Purge()
}

// Sweep discards every non-persist chunk whose reference count has
// dropped to zero and whose id is not in the provided live set. The
// live set is consulted through a bloom filter, in the manner of a
// garbage collector's liveness check: a false positive retains a
// dead chunk harmlessly, and there are no false negatives.
func (s *Store) Sweep(live ...digest.Digest) {
	var filter *bloom.BloomFilter
	if len(live) > 0 {
		filter = bloom.NewWithEstimates(uint(len(live)), 0.001)
	} else {
		filter = bloom.New(64, 1)
	}
	var b bytes.Buffer
	for _, id := range live {
		b.Reset()
		if _, err := digest.WriteDigest(&b, id); err != nil {
			panic("failed to write chunk digest " + id.String() + ": " + err.Error())
		}
		filter.Add(b.Bytes())
	}
	test := func(id digest.Digest) bool {
		b.Reset()
		if _, err := digest.WriteDigest(&b, id); err != nil {
			panic("failed to write chunk digest " + id.String() + ": " + err.Error())
		}
		return filter.Test(b.Bytes())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.persist || e.refcount > 0 {
			continue
		}
		if test(id) {
			continue
		}
		delete(s.entries, id)
	}
	for _, key := range s.retained.Keys() {
		id := key.(digest.Digest)
		if test(id) {
			continue
		}
		s.retained.Remove(key)
	}
}

// A Ref is a handle to a chunk residing in a Store. Refs are value
// types; copies share the same underlying chunk.
type Ref struct {
	store *Store
	id    digest.Digest
}

// Owner returns the worker on which the referenced chunk lives.
func (r *Ref) Owner() dagr.OSProc {
	return r.store.proc
}

// ID returns the chunk's identifier within its store.
func (r *Ref) ID() digest.Digest {
	return r.id
}

// Materialize retrieves the referenced value. It fails with a
// NotExist error if the chunk has been collected or its worker lost.
func (r *Ref) Materialize(ctx context.Context) (dagr.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.E("materialize", r.id, err)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.entries[r.id]
	if !ok {
		return nil, errors.E("materialize", r.id, errors.NotExist,
			errors.Errorf("chunk not resident on %s", r.store.proc))
	}
	return e.value, nil
}

// Free relinquishes the caller's reference. When the last reference
// is freed, persist chunks stay resident, cacheable chunks move to
// the retention cache, and all others are discarded. Force discards
// the chunk regardless of its reference count.
func (r *Ref) Free(force, cache bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.entries[r.id]
	if !ok {
		return nil
	}
	if force {
		delete(r.store.entries, r.id)
		return nil
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount > 0 || e.persist {
		return nil
	}
	if cache || e.cache {
		r.store.retained.Add(r.id, e.value)
	}
	delete(r.store.entries, r.id)
	return nil
}

// Unrelease attempts to reclaim the referenced chunk without
// recomputation. A chunk still resident (persist, or not yet fully
// released) is returned directly; a chunk in the retention cache is
// resurrected into the live table with a fresh reference count.
// Unrelease returns false if the chunk is gone.
func (r *Ref) Unrelease() (dagr.Value, bool) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.dead {
		return nil, false
	}
	if e, ok := r.store.entries[r.id]; ok {
		e.refcount++
		return e.value, true
	}
	v, ok := r.store.retained.Get(r.id)
	if !ok {
		return nil, false
	}
	r.store.retained.Remove(r.id)
	r.store.entries[r.id] = &entry{value: v, refcount: 1, cache: true}
	return v, true
}
