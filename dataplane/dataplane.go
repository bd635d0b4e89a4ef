/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dataplane drives the packet pipeline: it binds I/O, worker and
// mixed roles to logical cores, owns the ring topology between them and
// runs the busy-poll loops with their periodic flush, cache purge and
// stop checks.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gravwell/ofswitch/log"
	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/port"
	"github.com/gravwell/ofswitch/ring"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRunning     = errors.New("dataplane is already running")
	ErrNoIOSlot    = errors.New("no io lcore available for port assignment")
	ErrNotAttached = errors.New("port is not attached to the dataplane")
	ErrInjectFull  = errors.New("packet out queue is full")
)

// Dataplane owns the lcore slots, the rings connecting them and the
// shared packet pool. Ports attach and detach through the configuration
// plane; the hot loops observe assignments through atomic snapshots.
type Dataplane struct {
	cfg   Config
	lg    *log.Logger
	pool  *mbuf.Pool
	ports *port.Table

	stop    atomic.Bool
	running atomic.Bool

	ios     []*ioSlot
	workers []*workerSlot

	// packetIn is the bounded channel toward the OpenFlow agent
	packetIn chan *mbuf.Mbuf
	punted   uint64
	pidrop   uint64
}

// New builds the lcore topology: a slot per active role and one RX ring
// per (I/O lcore, worker) pair. TX rings are created as ports attach.
func New(cfg Config, lg *log.Logger, pool *mbuf.Pool, ports *port.Table) (*Dataplane, error) {
	if err := cfg.Defaults(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	d := &Dataplane{
		cfg:      cfg,
		lg:       lg,
		pool:     pool,
		ports:    ports,
		packetIn: make(chan *mbuf.Mbuf, cfg.ChannelQSize),
	}
	// build worker slots first so I/O slots can ring up to them
	widx := 0
	for lcore, r := range cfg.Roles {
		if r != RoleWorker && r != RoleIOWorker {
			continue
		}
		w := newWorkerSlot(d, lcore, widx)
		d.workers = append(d.workers, w)
		widx++
	}
	for lcore, r := range cfg.Roles {
		if r != RoleIO && r != RoleIOWorker {
			continue
		}
		io := newIOSlot(d, lcore, r == RoleIOWorker)
		for _, w := range d.workers {
			rr, err := ring.New(fmt.Sprintf("rx-l%d-w%d", lcore, w.widx), cfg.RingRxSize)
			if err != nil {
				return nil, err
			}
			io.rxRings = append(io.rxRings, rr)
			w.addInRing(rr)
		}
		d.ios = append(d.ios, io)
	}
	return d, nil
}

// NumWorkers returns the worker count the fifoness policy spreads over
func (d *Dataplane) NumWorkers() int {
	return len(d.workers)
}

// AttachPort assigns the port's RX and TX to the least loaded I/O lcores
// and creates the (worker, port) TX rings
func (d *Dataplane) AttachPort(p *port.Port) error {
	if len(d.ios) == 0 {
		return ErrNoIOSlot
	}
	id := p.ID()
	// tx rings first so workers never observe a port without them
	rings := make([]*ring.Ring, len(d.workers))
	for i, w := range d.workers {
		rr, err := ring.New(fmt.Sprintf("tx-p%d-w%d", id, w.widx), d.cfg.RingTxSize)
		if err != nil {
			return err
		}
		rings[i] = rr
		w.addOutRing(id, rr)
	}
	rxIO := d.leastLoaded(func(s *ioSlot) int { return len(s.assign.Load().rxPorts) })
	txIO := d.leastLoaded(func(s *ioSlot) int { return len(s.assign.Load().txPorts) })
	rxIO.addRxPort(p)
	txIO.addTxPort(p, rings)
	d.lg.Info("port attached", log.KV("port", p.Name),
		log.KV("portid", id),
		log.KV("rx-lcore", rxIO.lcore), log.KV("tx-lcore", txIO.lcore))
	return nil
}

// DetachPort removes the port from every lcore assignment; rings drain
// into the free pool
func (d *Dataplane) DetachPort(p *port.Port) error {
	id := p.ID()
	found := false
	for _, io := range d.ios {
		if io.removePort(id) {
			found = true
		}
	}
	for _, w := range d.workers {
		w.removeOutRing(id)
	}
	if !found {
		return ErrNotAttached
	}
	d.lg.Info("port detached", log.KV("port", p.Name), log.KV("portid", id))
	return nil
}

func (d *Dataplane) leastLoaded(load func(*ioSlot) int) *ioSlot {
	best := d.ios[0]
	for _, s := range d.ios[1:] {
		if load(s) < load(best) {
			best = s
		}
	}
	return best
}

// Run launches every lcore loop and blocks until Stop or ctx
// cancellation. Shutdown is cooperative: I/O loops observe the stop flag
// at their update ticks, worker and mixed loops at their flush ticks.
func (d *Dataplane) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer d.running.Store(false)
	d.stop.Store(false)
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		if d.cfg.Roles[w.lcore] == RoleIOWorker {
			continue // driven by the mixed loop
		}
		w := w
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			d.workerLoop(w)
			return nil
		})
	}
	for _, io := range d.ios {
		io := io
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if io.mixed {
				d.ioWorkerLoop(io, d.workerForLcore(io.lcore))
			} else {
				d.ioLoop(io)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		d.stop.Store(true)
		return nil
	})
	return g.Wait()
}

// Stop requests cooperative shutdown
func (d *Dataplane) Stop() {
	d.stop.Store(true)
}

func (d *Dataplane) workerForLcore(lcore int) *workerSlot {
	for _, w := range d.workers {
		if w.lcore == lcore {
			return w
		}
	}
	return nil
}

// PacketIn is the bounded queue of packets punted to the controller
// channel; the agent drains it
func (d *Dataplane) PacketIn() <-chan *mbuf.Mbuf {
	return d.packetIn
}

// punt enqueues toward the agent, dropping when the channel queue is
// full
func (d *Dataplane) punt(m *mbuf.Mbuf) {
	select {
	case d.packetIn <- m:
		atomic.AddUint64(&d.punted, 1)
	default:
		atomic.AddUint64(&d.pidrop, 1)
		m.Free()
	}
}

// SendPacketOut injects a packet from the configuration plane toward an
// egress port, borrowing the first worker's TX path
func (d *Dataplane) SendPacketOut(m *mbuf.Mbuf, br *port.Bridge, ofport uint32) error {
	if len(d.workers) == 0 {
		m.Free()
		return ErrNoWorkers
	}
	return d.workers[0].inject(m, br, ofport)
}

// CacheStats aggregates flow cache counters across workers
func (d *Dataplane) CacheStats() (s CacheStats) {
	for _, w := range d.workers {
		ws := w.cacheStats()
		s.Entries += ws.Entries
		s.Hit += ws.Hit
		s.Miss += ws.Miss
	}
	return
}

// CacheStats mirrors the per-worker flow cache counters
type CacheStats struct {
	Entries uint64
	Hit     uint64
	Miss    uint64
}
