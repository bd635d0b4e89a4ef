/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mbuf

import (
	"errors"
	"sync/atomic"
)

const (
	// DefaultPoolBuffers is the default number of mbufs in a pool
	DefaultPoolBuffers = 16384

	// DefaultCacheSize is the per-core cache depth over the shared pool
	DefaultCacheSize = 256
)

var (
	ErrBadPoolSize = errors.New("pool size must be greater than zero")
)

// Pool is a bounded, per-socket packet buffer pool. Every buffer is
// preallocated at creation; Get never blocks and returns nil when the
// pool is exhausted so an RX burst simply receives fewer packets.
type Pool struct {
	name    string
	free    chan *Mbuf
	size    int
	starved uint64
}

// NewPool preallocates n fixed-capacity mbufs
func NewPool(name string, n int) (*Pool, error) {
	if n <= 0 {
		return nil, ErrBadPoolSize
	}
	p := &Pool{
		name: name,
		free: make(chan *Mbuf, n),
		size: n,
	}
	for i := 0; i < n; i++ {
		p.free <- newMbuf(p)
	}
	return p, nil
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Size() int {
	return p.size
}

// Available returns the number of buffers currently free
func (p *Pool) Available() int {
	return len(p.free)
}

// Starved returns how many allocations failed due to pool exhaustion
func (p *Pool) Starved() uint64 {
	return atomic.LoadUint64(&p.starved)
}

// Get allocates one mbuf with a reference count of one, or nil when the
// pool is empty
func (p *Pool) Get() *Mbuf {
	select {
	case m := <-p.free:
		m.refcnt = 1
		return m
	default:
		atomic.AddUint64(&p.starved, 1)
		return nil
	}
}

func (p *Pool) put(m *Mbuf) {
	select {
	case p.free <- m:
	default:
		// cannot happen unless a foreign mbuf is freed into this pool
		panic("mbuf pool overflow")
	}
}

// Cache is a small per-core allocation cache over a shared pool. It is
// owned by exactly one lcore and must not be shared.
type Cache struct {
	pool  *Pool
	local []*Mbuf
}

// NewCache builds a per-core cache with the given depth
func (p *Pool) NewCache(depth int) *Cache {
	if depth <= 0 {
		depth = DefaultCacheSize
	}
	return &Cache{
		pool:  p,
		local: make([]*Mbuf, 0, depth),
	}
}

// Get services the allocation from the local cache first, falling back to
// the shared pool
func (c *Cache) Get() *Mbuf {
	if n := len(c.local); n > 0 {
		m := c.local[n-1]
		c.local = c.local[:n-1]
		m.refcnt = 1
		return m
	}
	return c.pool.Get()
}

// Put releases the caller's reference, keeping the buffer in the local
// cache when it was the last reference and the cache has room
func (c *Cache) Put(m *Mbuf) {
	if atomic.AddInt32(&m.refcnt, -1) != 0 {
		return
	}
	m.reset()
	if len(c.local) < cap(c.local) {
		c.local = append(c.local, m)
		return
	}
	m.pool.put(m)
}
