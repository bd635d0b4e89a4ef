/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package port

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gravwell/ofswitch/ofproto"
)

var (
	ErrPortNumberTaken = errors.New("openflow port number already in use")
	ErrNoSuchPort      = errors.New("no such port on bridge")
	ErrBridgeHasPorts  = errors.New("bridge still has ports")
)

// Bridge holds ports and a flowtable. The bridge keeps non-owning
// references to its ports; destruction order is bridge, then ports, then
// interfaces.
type Bridge struct {
	Name string
	DPID uint64

	mtx   sync.Mutex
	ports map[uint32]*Port // keyed by OpenFlow port number
	db    *ofproto.FlowDB
	macs  *ofproto.MacTable

	// flood is the precomputed egress expansion for FLOOD and ALL,
	// rebuilt by the config plane, read lock free by workers
	flood atomic.Pointer[[]uint32]
}

func NewBridge(name string, dpid uint64) *Bridge {
	b := &Bridge{
		Name:  name,
		DPID:  dpid,
		ports: make(map[uint32]*Port),
		db:    ofproto.NewFlowDB(),
		macs:  ofproto.NewMacTable(),
	}
	b.flood.Store(new([]uint32))
	return b
}

// FlowDB returns the bridge's flowtable database
func (b *Bridge) FlowDB() *ofproto.FlowDB {
	return b.db
}

// MacTable returns the learning table backing NORMAL forwarding
func (b *Bridge) MacTable() *ofproto.MacTable {
	return b.macs
}

// AddPort attaches a port under the given OpenFlow port number; zero
// picks the lowest free number
func (b *Bridge) AddPort(p *Port, ofport uint32) error {
	b.mtx.Lock()
	if ofport == 0 {
		ofport = 1
		for {
			if _, ok := b.ports[ofport]; !ok {
				break
			}
			ofport++
		}
	} else if _, ok := b.ports[ofport]; ok {
		b.mtx.Unlock()
		return ErrPortNumberTaken
	}
	b.ports[ofport] = p
	b.mtx.Unlock()
	p.mtx.Lock()
	p.ofport = ofport
	p.mtx.Unlock()
	p.bridge.Store(b)
	b.refreshFloodList()
	return nil
}

// DeletePort detaches a port
func (b *Bridge) DeletePort(p *Port) error {
	b.mtx.Lock()
	found := false
	for n, q := range b.ports {
		if q == p {
			delete(b.ports, n)
			found = true
			break
		}
	}
	b.mtx.Unlock()
	if !found {
		return ErrNoSuchPort
	}
	p.bridge.Store(nil)
	b.refreshFloodList()
	return nil
}

// Port resolves an OpenFlow port number
func (b *Bridge) Port(ofport uint32) *Port {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.ports[ofport]
}

// Ports snapshots the attached ports
func (b *Bridge) Ports() []*Port {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := make([]*Port, 0, len(b.ports))
	for _, p := range b.ports {
		out = append(out, p)
	}
	return out
}

// NumPorts returns the attached port count
func (b *Bridge) NumPorts() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.ports)
}

// refreshFloodList rebuilds the lock free flood expansion; called on
// every membership or port config change
func (b *Bridge) refreshFloodList() {
	b.mtx.Lock()
	lst := make([]uint32, 0, len(b.ports))
	for n, p := range b.ports {
		if p.FwdAllowed() {
			lst = append(lst, n)
		}
	}
	b.mtx.Unlock()
	b.flood.Store(&lst)
}

// FloodPorts returns the egress expansion for FLOOD and ALL, excluding
// the input port. Hot path; the list is a read only snapshot.
func (b *Bridge) FloodPorts(inPort uint32) []uint32 {
	lst := *b.flood.Load()
	for i, n := range lst {
		if n == inPort {
			out := make([]uint32, 0, len(lst)-1)
			out = append(out, lst[:i]...)
			return append(out, lst[i+1:]...)
		}
	}
	return lst
}
