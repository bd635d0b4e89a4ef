/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ring implements the single-producer single-consumer lockless
// rings that connect I/O threads to workers and workers to TX threads.
// Exactly one goroutine may enqueue and exactly one may dequeue.
package ring

import (
	"errors"
	"sync/atomic"

	"github.com/gravwell/ofswitch/mbuf"
)

var (
	ErrBadSize = errors.New("ring size must be greater than zero")
)

type pad [64]byte

// Ring is a fixed-capacity power-of-two SPSC ring of mbuf pointers.
// head is advanced by the consumer, tail by the producer; each index is
// kept on its own cache line.
type Ring struct {
	name string
	mask uint64
	buf  []*mbuf.Mbuf

	_    pad
	head atomic.Uint64
	_    pad
	tail atomic.Uint64
}

// New creates a ring; size is rounded up to the next power of two
func New(name string, size int) (*Ring, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Ring{
		name: name,
		mask: uint64(n - 1),
		buf:  make([]*mbuf.Mbuf, n),
	}, nil
}

func (r *Ring) Name() string {
	return r.name
}

func (r *Ring) Size() int {
	return len(r.buf)
}

// Count returns the number of entries currently queued
func (r *Ring) Count() int {
	return int(r.tail.Load() - r.head.Load())
}

// Enqueue inserts as many of ms as fit and returns the count inserted.
// The producer retains ownership of ms[n:] and must free them.
func (r *Ring) Enqueue(ms []*mbuf.Mbuf) int {
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())
	n := uint64(len(ms))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(tail+i)&r.mask] = ms[i]
	}
	r.tail.Store(tail + n)
	return int(n)
}

// EnqueueBulk inserts all of ms or nothing, reporting whether the
// insert happened
func (r *Ring) EnqueueBulk(ms []*mbuf.Mbuf) bool {
	tail := r.tail.Load()
	free := uint64(len(r.buf)) - (tail - r.head.Load())
	if uint64(len(ms)) > free {
		return false
	}
	for i := range ms {
		r.buf[(tail+uint64(i))&r.mask] = ms[i]
	}
	r.tail.Store(tail + uint64(len(ms)))
	return true
}

// Dequeue removes up to len(out) entries and returns the count removed.
// Ownership of the returned mbufs passes to the consumer.
func (r *Ring) Dequeue(out []*mbuf.Mbuf) int {
	head := r.head.Load()
	avail := r.tail.Load() - head
	n := uint64(len(out))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		idx := (head + i) & r.mask
		out[i] = r.buf[idx]
		r.buf[idx] = nil
	}
	r.head.Store(head + n)
	return int(n)
}
