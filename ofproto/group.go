/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ofproto

import (
	"sync/atomic"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/netrack/openflow/ofp"
)

// Bucket is one action bucket of a group
type Bucket struct {
	Weight     uint16
	WatchPort  ofp.PortNo
	WatchGroup uint32
	Actions    []Action

	packetCount uint64
	byteCount   uint64
}

// Group is an OpenFlow group entry. Buckets are immutable after insert.
type Group struct {
	ID   uint32
	Type ofp.GroupType

	Buckets []*Bucket

	packetCount uint64
	byteCount   uint64
	rr          uint32 // select group round robin cursor
}

// Counters returns the group packet and byte counts
func (g *Group) Counters() (packets, bytes uint64) {
	return atomic.LoadUint64(&g.packetCount), atomic.LoadUint64(&g.byteCount)
}

// executeGroup applies a group's buckets to the packet, consuming it.
// The caller has already accounted the flow entry.
func (e *execCtx) executeGroup(g *Group, m *mbuf.Mbuf) {
	atomic.AddUint64(&g.packetCount, 1)
	atomic.AddUint64(&g.byteCount, uint64(m.Len()))
	switch g.Type {
	case ofp.GroupTypeAll:
		for _, bk := range g.Buckets {
			c := m.Copy()
			if c == nil {
				break
			}
			e.executeBucket(g, bk, c)
		}
		m.Free()
	case ofp.GroupTypeSelect:
		bk := e.selectBucket(g)
		if bk == nil {
			m.Free()
			return
		}
		e.executeBucket(g, bk, m)
	case ofp.GroupTypeIndirect:
		if len(g.Buckets) == 0 {
			m.Free()
			return
		}
		e.executeBucket(g, g.Buckets[0], m)
	case ofp.GroupTypeFastFailover:
		for _, bk := range g.Buckets {
			if bk.WatchPort != ofp.PortAny && !e.env.PortAlive(uint32(bk.WatchPort)) {
				continue
			}
			e.executeBucket(g, bk, m)
			return
		}
		// no live bucket
		m.Free()
	default:
		m.Free()
	}
}

// selectBucket picks a bucket for a select group, weighting by the
// bucket weights with a round robin cursor
func (e *execCtx) selectBucket(g *Group) *Bucket {
	if len(g.Buckets) == 0 {
		return nil
	}
	var total uint32
	for _, bk := range g.Buckets {
		w := uint32(bk.Weight)
		if w == 0 {
			w = 1
		}
		total += w
	}
	n := atomic.AddUint32(&g.rr, 1) % total
	for _, bk := range g.Buckets {
		w := uint32(bk.Weight)
		if w == 0 {
			w = 1
		}
		if n < w {
			return bk
		}
		n -= w
	}
	return g.Buckets[len(g.Buckets)-1]
}

// executeBucket runs a bucket's actions and dispatches its consuming
// action; a bucket without output or chained group drops the packet
func (e *execCtx) executeBucket(g *Group, bk *Bucket, m *mbuf.Mbuf) {
	atomic.AddUint64(&bk.packetCount, 1)
	atomic.AddUint64(&bk.byteCount, uint64(m.Len()))
	var out *ActionOutput
	var chain *ActionGroup
	for _, a := range bk.Actions {
		switch act := a.(type) {
		case ActionOutput:
			out = &act
		case ActionGroup:
			chain = &act
		default:
			e.execute(a, m)
			if m.Desc.Drop {
				m.Free()
				return
			}
		}
	}
	if chain != nil {
		if sub := e.db.group(chain.ID); sub != nil && sub.ID != g.ID {
			e.executeGroup(sub, m)
			return
		}
		m.Free()
		return
	}
	if out != nil {
		e.output(m, out.Port, true)
		return
	}
	m.Free()
}
