/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dataplane

import (
	"sync/atomic"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
	"github.com/gravwell/ofswitch/ofproto"
	"github.com/gravwell/ofswitch/packet"
	"github.com/gravwell/ofswitch/port"
	"github.com/gravwell/ofswitch/ring"
)

type injectReq struct {
	m      *mbuf.Mbuf
	br     *port.Bridge
	ofport uint32
}

// workerSlot is the per-worker lcore state: input rings from the I/O
// lcores, one TX ring per attached port, pending output arrays, the flow
// caches and the per-bridge pipelines.
type workerSlot struct {
	d     *Dataplane
	lcore int
	widx  int

	// static after construction
	ringsIn []*ring.Ring

	// per dataplane port id, snapshot swapped on attach/detach
	outRings atomic.Pointer[map[uint32]*ring.Ring]

	// owned by the loop goroutine
	pending      map[uint32][]*mbuf.Mbuf
	pendingFlush map[uint32]bool
	caches       map[*port.Bridge]*ofproto.Cache
	pipelines    map[*port.Bridge]*ofproto.Pipeline

	injectq chan injectReq

	drops uint64
}

func newWorkerSlot(d *Dataplane, lcore, widx int) *workerSlot {
	w := &workerSlot{
		d:            d,
		lcore:        lcore,
		widx:         widx,
		pending:      make(map[uint32][]*mbuf.Mbuf),
		pendingFlush: make(map[uint32]bool),
		caches:       make(map[*port.Bridge]*ofproto.Cache),
		pipelines:    make(map[*port.Bridge]*ofproto.Pipeline),
		injectq:      make(chan injectReq, 64),
	}
	empty := make(map[uint32]*ring.Ring)
	w.outRings.Store(&empty)
	return w
}

func (w *workerSlot) addInRing(r *ring.Ring) {
	w.ringsIn = append(w.ringsIn, r)
}

func (w *workerSlot) addOutRing(portid uint32, r *ring.Ring) {
	old := *w.outRings.Load()
	next := make(map[uint32]*ring.Ring, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[portid] = r
	w.outRings.Store(&next)
}

func (w *workerSlot) removeOutRing(portid uint32) {
	old := *w.outRings.Load()
	next := make(map[uint32]*ring.Ring, len(old))
	for k, v := range old {
		if k != portid {
			next[k] = v
		}
	}
	w.outRings.Store(&next)
}

// workerLoop is the pure worker shape: dequeue bursts, run
// match-and-action, flush pending output and check the stop flag and
// flowtable generation every flush tick
func (d *Dataplane) workerLoop(w *workerSlot) {
	buf := make([]*mbuf.Mbuf, d.cfg.BurstWorkerRead)
	var i uint64
	for {
		if i == d.cfg.WorkerFlushCount {
			if d.stop.Load() {
				w.flushOut()
				return
			}
			w.checkCaches()
			w.flushOut()
			w.drainInject()
			i = 0
		}
		w.poll(buf)
		i++
	}
}

func (w *workerSlot) poll(buf []*mbuf.Mbuf) {
	for _, r := range w.ringsIn {
		n := r.Dequeue(buf)
		if n == 0 {
			continue
		}
		w.processBatch(buf[:n])
	}
}

// processBatch runs the match-and-action kernel over one burst
func (w *workerSlot) processBatch(ms []*mbuf.Mbuf) {
	for _, m := range ms {
		p := w.d.ports.Get(m.Port)
		if p == nil || !p.RecvAllowed() {
			atomic.AddUint64(&w.drops, 1)
			m.Free()
			continue
		}
		br := p.Bridge()
		packet.Init(m, p.OFPort())
		pl, cache := w.pipelineFor(br)
		pl.Process(m, cache)
	}
}

// pipelineFor lazily builds the pipeline and cache bound to a bridge
func (w *workerSlot) pipelineFor(br *port.Bridge) (*ofproto.Pipeline, *ofproto.Cache) {
	pl, ok := w.pipelines[br]
	if !ok {
		pl = ofproto.NewPipeline(br.FlowDB(), &workerCtx{w: w, br: br})
		w.pipelines[br] = pl
		if !w.d.cfg.NoCache {
			w.caches[br] = ofproto.NewCache()
		}
	}
	return pl, w.caches[br]
}

// checkCaches purges any cache whose flowtable generation advanced
func (w *workerSlot) checkCaches() {
	for br, c := range w.caches {
		c.CheckGeneration(br.FlowDB().Generation())
	}
}

// send stages the packet toward the egress port's TX ring; a full
// pending array is enqueued as one all-or-nothing burst and freed
// wholesale when the ring is full
func (w *workerSlot) send(m *mbuf.Mbuf, p *port.Port) {
	packet.PrepareTx(m, p.TxOffload())
	id := p.ID()
	r := (*w.outRings.Load())[id]
	if r == nil {
		p.AccountTxDropped(1)
		m.Free()
		return
	}
	pend := append(w.pending[id], m)
	if len(pend) < w.d.cfg.BurstWorkerWrite {
		w.pending[id] = pend
		w.pendingFlush[id] = true
		return
	}
	if !r.EnqueueBulk(pend) {
		p.AccountTxDropped(uint64(len(pend)))
		mbuf.FreeAll(pend, 0, len(pend))
	}
	w.pending[id] = pend[:0]
	w.pendingFlush[id] = false
}

// flushOut pushes every pending partial batch at the flush tick
func (w *workerSlot) flushOut() {
	rings := *w.outRings.Load()
	for id, pend := range w.pending {
		if !w.pendingFlush[id] || len(pend) == 0 {
			continue
		}
		r := rings[id]
		if r == nil || !r.EnqueueBulk(pend) {
			mbuf.FreeAll(pend, 0, len(pend))
			if p := w.d.ports.Get(id); p != nil {
				p.AccountTxDropped(uint64(len(pend)))
			}
		}
		w.pending[id] = pend[:0]
		w.pendingFlush[id] = false
	}
}

// inject hands a configuration plane packet-out into this worker
func (w *workerSlot) inject(m *mbuf.Mbuf, br *port.Bridge, ofport uint32) error {
	select {
	case w.injectq <- injectReq{m: m, br: br, ofport: ofport}:
		return nil
	default:
		m.Free()
		return ErrInjectFull
	}
}

func (w *workerSlot) drainInject() {
	for {
		select {
		case req := <-w.injectq:
			packet.Init(req.m, req.m.Desc.InPort)
			ctx := &workerCtx{w: w, br: req.br}
			ctx.Output(req.m, req.ofport)
		default:
			return
		}
	}
}

func (w *workerSlot) cacheStats() (s CacheStats) {
	for _, c := range w.caches {
		cs := c.Stats()
		s.Entries += cs.Entries
		s.Hit += cs.Hit
		s.Miss += cs.Miss
	}
	return
}

// workerCtx implements the pipeline execution environment for one
// (worker, bridge) pair
type workerCtx struct {
	w  *workerSlot
	br *port.Bridge
}

// Output resolves the OpenFlow port number and stages the packet for
// transmit
func (c *workerCtx) Output(m *mbuf.Mbuf, ofport uint32) {
	p := c.br.Port(ofport)
	if p == nil || !p.FwdAllowed() {
		m.Free()
		return
	}
	c.w.send(m, p)
}

func (c *workerCtx) FloodPorts(inPort uint32) []uint32 {
	return c.br.FloodPorts(inPort)
}

func (c *workerCtx) PortAlive(ofport uint32) bool {
	p := c.br.Port(ofport)
	return p != nil && p.Live()
}

func (c *workerCtx) ToController(m *mbuf.Mbuf) {
	c.w.d.punt(m)
}

// Normal forwards with learning bridge semantics: learn the source
// station, unicast to a known destination, flood otherwise
func (c *workerCtx) Normal(m *mbuf.Mbuf) {
	b := m.Data()
	if len(b) < packet.EthHdrLen {
		m.Free()
		return
	}
	in := m.Desc.InPort
	mt := c.br.MacTable()
	mt.Learn(b[6:12], in)
	if out, ok := mt.Lookup(b[0:6]); ok {
		if out == in {
			m.Free()
			return
		}
		c.Output(m, out)
		return
	}
	for _, p := range c.br.FloodPorts(in) {
		if cp := m.Copy(); cp != nil {
			c.Output(cp, p)
		}
	}
	m.Free()
}

func (c *workerCtx) Now() int64 {
	return meter.Now()
}
