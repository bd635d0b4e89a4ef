/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package port

import (
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gravwell/ofswitch/driver"
	"github.com/gravwell/ofswitch/meter"
	"github.com/gravwell/ofswitch/policer"
	"github.com/netrack/openflow/ofp"
)

// Stats are per-port pipeline counters; the driver's own counters are
// merged in for reporting. Written only by the owning I/O threads, read
// by the configuration plane as torn-but-monotonic snapshots.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
}

// Port is an attached switch port: an OpenFlow port number, the owned
// interface, the owning bridge, optional egress queues and an optional
// policer.
type Port struct {
	Name string

	mtx    sync.Mutex
	id     uint32 // dataplane port id, index into the port table
	ofport uint32
	ifp    *Interface
	bridge atomic.Pointer[Bridge]

	config atomic.Uint32 // ofp.PortConfig bits
	state  atomic.Uint32 // ofp.PortState bits

	sched atomic.Pointer[policer.Scheduler]
	pol   atomic.Pointer[policer.Policer]

	rxPackets uint64
	rxBytes   uint64
	rxDropped uint64
	txPackets uint64
	txBytes   uint64
	txDropped uint64
}

// NewPort creates a detached port
func NewPort(name string, ofport uint32) *Port {
	p := &Port{
		Name:   name,
		ofport: ofport,
	}
	p.state.Store(uint32(ofp.PortStateLinkDown))
	return p
}

// ID returns the dataplane port id assigned at table insert
func (p *Port) ID() uint32 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.id
}

// OFPort returns the OpenFlow port number
func (p *Port) OFPort() uint32 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.ofport
}

// SetOFPort assigns the OpenFlow port number (0 requests auto assign,
// resolved by the bridge at attach)
func (p *Port) SetOFPort(n uint32) {
	p.mtx.Lock()
	p.ofport = n
	p.mtx.Unlock()
}

// AttachInterface gives the port exclusive ownership of the interface
func (p *Port) AttachInterface(ifp *Interface) error {
	if err := ifp.setPort(p); err != nil {
		return err
	}
	p.mtx.Lock()
	old := p.ifp
	p.ifp = ifp
	p.mtx.Unlock()
	if old != nil {
		old.setPort(nil)
	}
	return nil
}

// DetachInterface releases the interface
func (p *Port) DetachInterface() {
	p.mtx.Lock()
	old := p.ifp
	p.ifp = nil
	p.mtx.Unlock()
	if old != nil {
		old.setPort(nil)
	}
}

// Interface returns the owned interface, nil when none
func (p *Port) Interface() *Interface {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.ifp
}

// Handle returns the driver handle of the attached interface
func (p *Port) Handle() driver.Handle {
	ifp := p.Interface()
	if ifp == nil {
		return nil
	}
	return ifp.Handle()
}

// Bridge returns the owning bridge, nil when detached
func (p *Port) Bridge() *Bridge {
	return p.bridge.Load()
}

// Config returns the OpenFlow port config bits
func (p *Port) Config() ofp.PortConfig {
	return ofp.PortConfig(p.config.Load())
}

// SetConfig replaces the OpenFlow port config bits
func (p *Port) SetConfig(c ofp.PortConfig) {
	p.config.Store(uint32(c))
	if b := p.Bridge(); b != nil {
		b.refreshFloodList()
	}
}

// State returns the OpenFlow port state bits
func (p *Port) State() ofp.PortState {
	return ofp.PortState(p.state.Load())
}

// LinkChanged drives OFPPS_LIVE / OFPPS_LINK_DOWN from the driver's
// link callback or from the daemon when an interface is enabled; there
// is no poll timer
func (p *Port) LinkChanged(up bool) {
	if up {
		p.state.Store(uint32(ofp.PortStateLive))
	} else {
		p.state.Store(uint32(ofp.PortStateLinkDown))
	}
}

// Live reports whether the port may carry traffic
func (p *Port) Live() bool {
	return p.State()&ofp.PortStateLinkDown == 0 &&
		p.Config()&ofp.PortConfigDown == 0
}

// RecvAllowed gates ingress per OFPPC_NO_RECV and bridge membership
func (p *Port) RecvAllowed() bool {
	if p.Bridge() == nil {
		return false
	}
	c := p.Config()
	return c&ofp.PortConfigNoRcv == 0 && c&ofp.PortConfigDown == 0
}

// FwdAllowed gates egress per OFPPC_NO_FWD
func (p *Port) FwdAllowed() bool {
	c := p.Config()
	return c&ofp.PortConfigNoFwd == 0 && c&ofp.PortConfigDown == 0
}

// SetPolicer binds or clears the egress policer
func (p *Port) SetPolicer(pol *policer.Policer) {
	p.pol.Store(pol)
}

// Policer returns the bound policer, nil when none
func (p *Port) Policer() *policer.Policer {
	return p.pol.Load()
}

// SetQueues rebuilds the egress scheduler from queue definitions; nil
// removes shaping
func (p *Port) SetQueues(qs []policer.QueueParams) error {
	if len(qs) == 0 {
		p.sched.Store(nil)
		return nil
	}
	s, err := policer.NewScheduler(qs, meter.Now())
	if err != nil {
		return err
	}
	p.sched.Store(s)
	return nil
}

// Scheduler returns the egress scheduler, nil for unshaped ports
func (p *Port) Scheduler() *policer.Scheduler {
	return p.sched.Load()
}

// TxOffload reports whether the driver finishes checksums in hardware
func (p *Port) TxOffload() bool {
	h := p.Handle()
	return h != nil && h.Features()&driver.FeatureTxChecksum != 0
}

// AccountRx is called by the receiving I/O thread
func (p *Port) AccountRx(packets, bytes uint64) {
	atomic.AddUint64(&p.rxPackets, packets)
	atomic.AddUint64(&p.rxBytes, bytes)
}

// AccountRxDropped counts ingress drops
func (p *Port) AccountRxDropped(n uint64) {
	atomic.AddUint64(&p.rxDropped, n)
}

// AccountTx is called by the transmitting I/O thread
func (p *Port) AccountTx(packets, bytes uint64) {
	atomic.AddUint64(&p.txPackets, packets)
	atomic.AddUint64(&p.txBytes, bytes)
}

// AccountTxDropped counts egress drops, including ring overflow and
// partial bursts
func (p *Port) AccountTxDropped(n uint64) {
	atomic.AddUint64(&p.txDropped, n)
}

// Stats snapshots the pipeline counters
func (p *Port) Stats() Stats {
	return Stats{
		RxPackets: atomic.LoadUint64(&p.rxPackets),
		RxBytes:   atomic.LoadUint64(&p.rxBytes),
		RxDropped: atomic.LoadUint64(&p.rxDropped),
		TxPackets: atomic.LoadUint64(&p.txPackets),
		TxBytes:   atomic.LoadUint64(&p.txBytes),
		TxDropped: atomic.LoadUint64(&p.txDropped),
	}
}

// portStatsJSON is the flat stats serialization; driver counters the
// back end cannot keep serialize as UINT64_MAX
type portStatsJSON struct {
	Name         string `json:"name"`
	PortNo       uint32 `json:"port-no"`
	RxPackets    uint64 `json:"rx-packets"`
	RxBytes      uint64 `json:"rx-bytes"`
	RxDropped    uint64 `json:"rx-dropped"`
	TxPackets    uint64 `json:"tx-packets"`
	TxBytes      uint64 `json:"tx-bytes"`
	TxDropped    uint64 `json:"tx-dropped"`
	DrvRxPackets uint64 `json:"driver-rx-packets"`
	DrvTxPackets uint64 `json:"driver-tx-packets"`
	DrvRxErrors  uint64 `json:"driver-rx-errors"`
	DrvTxErrors  uint64 `json:"driver-tx-errors"`
}

// StatsJSON serializes the port counters for the stats command
func (p *Port) StatsJSON() ([]byte, error) {
	s := p.Stats()
	out := portStatsJSON{
		Name:         p.Name,
		PortNo:       p.OFPort(),
		RxPackets:    s.RxPackets,
		RxBytes:      s.RxBytes,
		RxDropped:    s.RxDropped,
		TxPackets:    s.TxPackets,
		TxBytes:      s.TxBytes,
		TxDropped:    s.TxDropped,
		DrvRxPackets: driver.Unsupported,
		DrvTxPackets: driver.Unsupported,
		DrvRxErrors:  driver.Unsupported,
		DrvTxErrors:  driver.Unsupported,
	}
	if h := p.Handle(); h != nil {
		if ds, err := h.Stats(); err == nil {
			out.DrvRxPackets = ds.RxPackets
			out.DrvTxPackets = ds.TxPackets
			out.DrvRxErrors = ds.RxErrors
			out.DrvTxErrors = ds.TxErrors
		}
	}
	return json.Marshal(out)
}
