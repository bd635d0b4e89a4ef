/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dataplane

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
	"github.com/gravwell/ofswitch/port"
	"github.com/gravwell/ofswitch/ring"
)

// fifoness FLOW hashes this many leading bytes: the ethernet header and
// the first two payload bytes
const flowHashLen = 16

// ioAssign is the immutable port assignment snapshot an I/O loop
// observes; the configuration plane swaps whole snapshots
type ioAssign struct {
	rxPorts []*port.Port
	txPorts []*port.Port
	txRings map[uint32][]*ring.Ring // portid -> per worker
}

// ioSlot is the per-I/O lcore state
type ioSlot struct {
	d     *Dataplane
	lcore int
	mixed bool

	// one ring per worker, static after construction
	rxRings []*ring.Ring

	amtx   sync.Mutex
	assign atomic.Pointer[ioAssign]

	// owned by the loop goroutine
	rxOut   [][]*mbuf.Mbuf
	rxFlush []bool
	txOut   map[uint32][]*mbuf.Mbuf
	txFlush map[uint32]bool
	txTmp   []*mbuf.Mbuf
	lens    []int
}

func newIOSlot(d *Dataplane, lcore int, mixed bool) *ioSlot {
	s := &ioSlot{
		d:       d,
		lcore:   lcore,
		mixed:   mixed,
		txOut:   make(map[uint32][]*mbuf.Mbuf),
		txFlush: make(map[uint32]bool),
	}
	s.assign.Store(&ioAssign{txRings: make(map[uint32][]*ring.Ring)})
	return s
}

func (s *ioSlot) addRxPort(p *port.Port) {
	s.amtx.Lock()
	defer s.amtx.Unlock()
	old := s.assign.Load()
	next := s.cloneAssign(old)
	next.rxPorts = append(next.rxPorts, p)
	s.assign.Store(next)
}

func (s *ioSlot) addTxPort(p *port.Port, rings []*ring.Ring) {
	s.amtx.Lock()
	defer s.amtx.Unlock()
	old := s.assign.Load()
	next := s.cloneAssign(old)
	next.txPorts = append(next.txPorts, p)
	next.txRings[p.ID()] = rings
	s.assign.Store(next)
}

func (s *ioSlot) removePort(id uint32) (found bool) {
	s.amtx.Lock()
	defer s.amtx.Unlock()
	old := s.assign.Load()
	next := &ioAssign{txRings: make(map[uint32][]*ring.Ring)}
	for _, p := range old.rxPorts {
		if p.ID() == id {
			found = true
			continue
		}
		next.rxPorts = append(next.rxPorts, p)
	}
	for _, p := range old.txPorts {
		if p.ID() == id {
			found = true
			continue
		}
		next.txPorts = append(next.txPorts, p)
	}
	for k, v := range old.txRings {
		if k != id {
			next.txRings[k] = v
		}
	}
	s.assign.Store(next)
	return
}

func (s *ioSlot) cloneAssign(old *ioAssign) *ioAssign {
	next := &ioAssign{
		rxPorts: append([]*port.Port(nil), old.rxPorts...),
		txPorts: append([]*port.Port(nil), old.txPorts...),
		txRings: make(map[uint32][]*ring.Ring, len(old.txRings)),
	}
	for k, v := range old.txRings {
		next.txRings[k] = v
	}
	return next
}

// ioLoop is the pure I/O shape: burst RX with worker dispatch, TX ring
// drain, pending flush every flush tick and the stop check at the update
// tick
func (d *Dataplane) ioLoop(s *ioSlot) {
	var flushCount, updateCount uint64
	rxBuf := make([]*mbuf.Mbuf, d.cfg.BurstIORxRead)
	s.rxOut = make([][]*mbuf.Mbuf, len(d.workers))
	s.rxFlush = make([]bool, len(d.workers))
	for {
		if flushCount == d.cfg.IOFlushCount {
			s.rxFlushPending()
			s.txFlushPending()
			flushCount = 0
		}
		if updateCount == d.cfg.UpdateCount {
			if d.stop.Load() {
				s.rxFlushPending()
				s.txFlushPending()
				return
			}
			updateCount = 0
		}
		s.ioRx(rxBuf, nil)
		s.ioTx()
		flushCount++
		updateCount++
	}
}

// ioWorkerLoop is the mixed shape: the RX burst bypasses the rings and
// feeds the local worker directly
func (d *Dataplane) ioWorkerLoop(s *ioSlot, w *workerSlot) {
	var i uint64
	rxBuf := make([]*mbuf.Mbuf, d.cfg.BurstIORxRead)
	wBuf := make([]*mbuf.Mbuf, d.cfg.BurstWorkerRead)
	s.rxOut = make([][]*mbuf.Mbuf, len(d.workers))
	s.rxFlush = make([]bool, len(d.workers))
	for {
		if i == d.cfg.WorkerFlushCount {
			if d.stop.Load() {
				s.rxFlushPending()
				s.txFlushPending()
				w.flushOut()
				return
			}
			s.rxFlushPending()
			s.txFlushPending()
			w.checkCaches()
			w.flushOut()
			w.drainInject()
			i = 0
		}
		s.ioRx(rxBuf, w)
		w.poll(wBuf)
		s.ioTx()
		i++
	}
}

// ioRx performs one RX burst per owned port and dispatches each packet
// to its worker per the fifoness policy; in the mixed role the burst is
// handed to the local worker without touching a ring
func (s *ioSlot) ioRx(buf []*mbuf.Mbuf, local *workerSlot) {
	a := s.assign.Load()
	for _, p := range a.rxPorts {
		h := p.Handle()
		if h == nil {
			continue
		}
		n := h.RxBurst(buf)
		if n == 0 {
			continue
		}
		id := p.ID()
		var bytes uint64
		for _, m := range buf[:n] {
			m.Port = id
			bytes += uint64(m.Len())
		}
		p.AccountRx(uint64(n), bytes)
		if local != nil {
			local.processBatch(buf[:n])
			continue
		}
		for j, m := range buf[:n] {
			wk := s.d.selectWorker(m, id, j)
			s.rxBufferToSend(wk, m)
		}
	}
}

// selectWorker applies the fifoness policy
func (d *Dataplane) selectWorker(m *mbuf.Mbuf, portid uint32, burstIdx int) int {
	nw := len(d.workers)
	switch d.cfg.Fifoness {
	case FifonessFlow:
		var key [flowHashLen + 4]byte
		n := copy(key[:flowHashLen], m.Data())
		binary.LittleEndian.PutUint32(key[n:n+4], portid)
		return int(xxhash.Sum64(key[:n+4]) % uint64(nw))
	case FifonessPort:
		return int(portid % uint32(nw))
	default:
		return burstIdx % nw
	}
}

// rxBufferToSend accumulates toward one worker; a full batch is burst
// enqueued, overflow is freed immediately
func (s *ioSlot) rxBufferToSend(wk int, m *mbuf.Mbuf) {
	pend := append(s.rxOut[wk], m)
	if len(pend) < s.d.cfg.BurstIORxWrite {
		s.rxOut[wk] = pend
		s.rxFlush[wk] = true
		return
	}
	sent := s.rxRings[wk].Enqueue(pend)
	mbuf.FreeAll(pend, sent, len(pend))
	s.rxOut[wk] = pend[:0]
	s.rxFlush[wk] = false
}

func (s *ioSlot) rxFlushPending() {
	for wk := range s.rxOut {
		pend := s.rxOut[wk]
		if !s.rxFlush[wk] || len(pend) == 0 {
			continue
		}
		sent := s.rxRings[wk].Enqueue(pend)
		mbuf.FreeAll(pend, sent, len(pend))
		s.rxOut[wk] = pend[:0]
		s.rxFlush[wk] = false
	}
}

// ioTx drains each (worker, port) TX ring into the per-port pending
// array and emits full bursts through the policer, scheduler and driver
func (s *ioSlot) ioTx() {
	a := s.assign.Load()
	for _, p := range a.txPorts {
		id := p.ID()
		rings := a.txRings[id]
		for _, r := range rings {
			pend := s.txOut[id]
			space := s.d.cfg.BurstIOTxRead - len(pend)
			if space <= 0 {
				s.txEmit(p, pend)
				s.txOut[id] = pend[:0]
				s.txFlush[id] = false
				continue
			}
			if cap(s.txTmp) < space {
				s.txTmp = make([]*mbuf.Mbuf, space)
			}
			tmp := s.txTmp[:space]
			n := r.Dequeue(tmp)
			if n == 0 {
				continue
			}
			pend = append(pend, tmp[:n]...)
			if len(pend) < s.d.cfg.BurstIOTxWrite {
				s.txOut[id] = pend
				s.txFlush[id] = true
				continue
			}
			s.txEmit(p, pend)
			s.txOut[id] = pend[:0]
			s.txFlush[id] = false
		}
	}
}

func (s *ioSlot) txFlushPending() {
	a := s.assign.Load()
	for _, p := range a.txPorts {
		id := p.ID()
		pend := s.txOut[id]
		if !s.txFlush[id] || len(pend) == 0 {
			continue
		}
		s.txEmit(p, pend)
		s.txOut[id] = pend[:0]
		s.txFlush[id] = false
	}
}

// txEmit pushes one batch out a port: policer first, then the queue
// scheduler when the port is shaped, then the driver burst; whatever the
// driver does not accept is freed and counted as dropped
func (s *ioSlot) txEmit(p *port.Port, ms []*mbuf.Mbuf) {
	if len(ms) == 0 {
		return
	}
	h := p.Handle()
	if h == nil {
		p.AccountTxDropped(uint64(len(ms)))
		mbuf.FreeAll(ms, 0, len(ms))
		return
	}
	now := meter.Now()
	if pol := p.Policer(); pol != nil {
		k := 0
		for _, m := range ms {
			if !pol.Police(uint32(m.Len()), now) {
				p.AccountTxDropped(1)
				m.Free()
				continue
			}
			ms[k] = m
			k++
		}
		ms = ms[:k]
	}
	if sched := p.Scheduler(); sched != nil {
		accepted := sched.Enqueue(ms, now)
		dropped := len(ms) - accepted
		if dropped > 0 {
			p.AccountTxDropped(uint64(dropped))
		}
		// release whatever the scheduler lets go this tick
		n := sched.Dequeue(ms[:cap(ms)])
		ms = ms[:n]
		if n == 0 {
			return
		}
	}
	// byte accounting happens before the driver frees accepted mbufs
	if cap(s.lens) < len(ms) {
		s.lens = make([]int, len(ms))
	}
	s.lens = s.lens[:len(ms)]
	for i, m := range ms {
		s.lens[i] = m.Len()
	}
	sent := h.TxBurst(ms)
	var bytes uint64
	for i := 0; i < sent; i++ {
		bytes += uint64(s.lens[i])
	}
	p.AccountTx(uint64(sent), bytes)
	if sent < len(ms) {
		p.AccountTxDropped(uint64(len(ms) - sent))
		mbuf.FreeAll(ms, sent, len(ms))
	}
}
