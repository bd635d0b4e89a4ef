/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package flowcache implements the per-worker cache mapping recent
// packet fingerprints to previously resolved action plans. Each worker
// owns one cache per bridge; no synchronization is performed.
package flowcache

import (
	"encoding/binary"

	"github.com/minio/highwayhash"
)

const (
	// fingerprint input: ethernet header plus the first two payload
	// bytes, matching the worker selection hash width
	FingerprintLen = 16
)

// the fingerprint hash uses a fixed key built into the binary, so
// fingerprints are identical across restarts and deployments
var hashKey = []byte(`ofswitch.flowcache.fingerprints!`)

// Fingerprint hashes the leading header bytes and the input port into a
// cache key
func Fingerprint(hdr []byte, port uint32) uint64 {
	var buf [FingerprintLen + 4]byte
	n := copy(buf[:FingerprintLen], hdr)
	binary.LittleEndian.PutUint32(buf[n:n+4], port)
	return highwayhash.Sum64(buf[:n+4], hashKey)
}

// Stats reports cache effectiveness, aggregated across workers by the
// configuration plane
type Stats struct {
	Entries uint64
	Hit     uint64
	Miss    uint64
}

// Cache is a per-worker fingerprint cache over resolved values of type
// T. A generation number tracks the flowtable revision the contents were
// resolved against.
type Cache[T any] struct {
	entries map[uint64]T
	gen     uint64
	hit     uint64
	miss    uint64
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		entries: make(map[uint64]T),
	}
}

// Get probes the cache
func (c *Cache[T]) Get(fp uint64) (v T, ok bool) {
	if v, ok = c.entries[fp]; ok {
		c.hit++
		return
	}
	c.miss++
	return
}

// Put inserts a resolved value
func (c *Cache[T]) Put(fp uint64, v T) {
	c.entries[fp] = v
}

// Clear drops every entry; called when the flowtable generation moves
func (c *Cache[T]) Clear() {
	clear(c.entries)
}

// CheckGeneration compares the flowtable generation against the one the
// cache contents were built under, clearing the cache when it advanced.
// Returns true when a purge happened.
func (c *Cache[T]) CheckGeneration(gen uint64) bool {
	if gen == c.gen {
		return false
	}
	c.gen = gen
	c.Clear()
	return true
}

// Stats returns a snapshot of the per-worker counters
func (c *Cache[T]) Stats() Stats {
	return Stats{
		Entries: uint64(len(c.entries)),
		Hit:     c.hit,
		Miss:    c.miss,
	}
}
