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
	"strings"
	"testing"

	"github.com/gravwell/ofswitch/driver"
	"github.com/gravwell/ofswitch/policer"
	"github.com/netrack/openflow/ofp"
)

func TestInterfaceMTUBounds(t *testing.T) {
	mk := func(mtu int) error {
		_, err := NewInterface(`i`, InterfaceConfig{
			Type:   driver.TypeEthernetRawsock,
			Device: `eth0`,
			MTU:    mtu,
		})
		return err
	}
	if err := mk(63); !errors.Is(err, ErrMTUOutOfRange) {
		t.Fatalf("mtu 63 gave %v", err)
	}
	if err := mk(64); err != nil {
		t.Fatalf("mtu 64 gave %v", err)
	}
	if err := mk(MaxMTU); err != nil {
		t.Fatalf("mtu %d gave %v", MaxMTU, err)
	}
	if err := mk(MaxMTU + 1); !errors.Is(err, ErrMTUOutOfRange) {
		t.Fatalf("mtu %d gave %v", MaxMTU+1, err)
	}
	// zero picks the ethernet default
	ifp, err := NewInterface(`i`, InterfaceConfig{Device: `eth0`})
	if err != nil {
		t.Fatal(err)
	}
	if ifp.MTU() != 1500 {
		t.Fatalf("default mtu %d", ifp.MTU())
	}
}

func TestInterfaceExclusiveOwnership(t *testing.T) {
	ifp, err := NewInterface(`i`, InterfaceConfig{Device: `eth0`})
	if err != nil {
		t.Fatal(err)
	}
	a := NewPort(`a`, 1)
	b := NewPort(`b`, 2)
	if err = a.AttachInterface(ifp); err != nil {
		t.Fatal(err)
	}
	if err = b.AttachInterface(ifp); err == nil {
		t.Fatal("two ports own one interface")
	}
	if !ifp.InUse() {
		t.Fatal("owned interface reports unused")
	}
	a.DetachInterface()
	if ifp.InUse() {
		t.Fatal("detached interface reports used")
	}
	if err = b.AttachInterface(ifp); err != nil {
		t.Fatal(err)
	}
}

func TestBridgeMembership(t *testing.T) {
	br := NewBridge(`b0`, 0x1)
	p1 := NewPort(`p1`, 0)
	p2 := NewPort(`p2`, 0)
	if err := br.AddPort(p1, 0); err != nil {
		t.Fatal(err)
	}
	if p1.OFPort() != 1 {
		t.Fatalf("auto assigned %d", p1.OFPort())
	}
	if err := br.AddPort(p2, 0); err != nil {
		t.Fatal(err)
	}
	if p2.OFPort() != 2 {
		t.Fatalf("auto assigned %d", p2.OFPort())
	}
	p3 := NewPort(`p3`, 0)
	if err := br.AddPort(p3, 2); err != ErrPortNumberTaken {
		t.Fatalf("expected collision, got %v", err)
	}
	if br.Port(1) != p1 || br.Port(2) != p2 {
		t.Fatal("port resolution broken")
	}
	if err := br.DeletePort(p1); err != nil {
		t.Fatal(err)
	}
	if p1.Bridge() != nil {
		t.Fatal("deleted port keeps its bridge")
	}
	if err := br.DeletePort(p1); err != ErrNoSuchPort {
		t.Fatalf("double delete gave %v", err)
	}
}

func TestFloodList(t *testing.T) {
	br := NewBridge(`b0`, 0)
	p1 := NewPort(`p1`, 0)
	p2 := NewPort(`p2`, 0)
	p3 := NewPort(`p3`, 0)
	for _, p := range []*Port{p1, p2, p3} {
		if err := br.AddPort(p, 0); err != nil {
			t.Fatal(err)
		}
	}
	lst := br.FloodPorts(2)
	if len(lst) != 2 {
		t.Fatalf("flood list %v", lst)
	}
	for _, n := range lst {
		if n == 2 {
			t.Fatal("flood list contains the input port")
		}
	}
	// NO_FWD removes a port from flooding
	p3.SetConfig(ofp.PortConfigNoFwd)
	lst = br.FloodPorts(0)
	if len(lst) != 2 {
		t.Fatalf("flood list after NO_FWD %v", lst)
	}
	for _, n := range lst {
		if n == p3.OFPort() {
			t.Fatal("NO_FWD port still floods")
		}
	}
}

func TestPortGates(t *testing.T) {
	p := NewPort(`p`, 1)
	// no bridge means no ingress
	if p.RecvAllowed() {
		t.Fatal("detached port receives")
	}
	br := NewBridge(`b`, 0)
	if err := br.AddPort(p, 1); err != nil {
		t.Fatal(err)
	}
	if !p.RecvAllowed() {
		t.Fatal("attached port refuses ingress")
	}
	p.SetConfig(ofp.PortConfigNoRcv)
	if p.RecvAllowed() {
		t.Fatal("NO_RECV port receives")
	}
	p.SetConfig(ofp.PortConfigDown)
	if p.FwdAllowed() {
		t.Fatal("administratively down port forwards")
	}
	p.SetConfig(0)
	if !p.FwdAllowed() {
		t.Fatal("clean port refuses egress")
	}
}

func TestPortLinkState(t *testing.T) {
	p := NewPort(`p`, 1)
	if p.Live() {
		t.Fatal("new port is live before link up")
	}
	p.LinkChanged(true)
	if !p.Live() {
		t.Fatal("link up port is not live")
	}
	if p.State()&ofp.PortStateLive == 0 {
		t.Fatal("OFPPS_LIVE not set")
	}
	p.LinkChanged(false)
	if p.State()&ofp.PortStateLinkDown == 0 {
		t.Fatal("OFPPS_LINK_DOWN not set")
	}
}

func TestPortQueuesAndStats(t *testing.T) {
	p := NewPort(`p`, 1)
	err := p.SetQueues([]policer.QueueParams{
		{ID: 1, Priority: 1, CIR: 1000, CBS: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Scheduler() == nil {
		t.Fatal("no scheduler after queue bind")
	}
	if err = p.SetQueues(nil); err != nil {
		t.Fatal(err)
	}
	if p.Scheduler() != nil {
		t.Fatal("scheduler survived unbind")
	}
	p.AccountRx(3, 300)
	p.AccountTx(2, 200)
	p.AccountTxDropped(1)
	s := p.Stats()
	if s.RxPackets != 3 || s.TxPackets != 2 || s.TxDropped != 1 {
		t.Fatalf("stats %+v", s)
	}
	b, err := p.StatsJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"rx-packets":3`, `"tx-dropped":1`, `"driver-rx-packets":18446744073709551615`} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("stats json missing %s: %s", want, b)
		}
	}
}

func TestTableRegistry(t *testing.T) {
	tbl := NewTable()
	p := NewPort(`p`, 1)
	id, err := tbl.Insert(p)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Get(id) != p {
		t.Fatal("registry resolution broken")
	}
	if err = tbl.Remove(id); err != nil {
		t.Fatal(err)
	}
	if tbl.Get(id) != nil {
		t.Fatal("removed entry still resolves")
	}
	if err = tbl.Remove(id); err != ErrBadPortID {
		t.Fatalf("double remove gave %v", err)
	}
	if tbl.Get(MaxPorts+1) != nil {
		t.Fatal("out of range id resolves")
	}
}
