/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ofproto

import (
	"encoding/binary"
	"testing"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
	"github.com/gravwell/ofswitch/packet"
	"github.com/netrack/openflow/ofp"
)

type outRec struct {
	port uint32
	m    *mbuf.Mbuf
}

// fakeEnv is a test execution environment capturing everything the
// pipeline emits
type fakeEnv struct {
	out    []outRec
	punted []*mbuf.Mbuf
	normal []*mbuf.Mbuf
	flood  []uint32
	now    int64
}

func (e *fakeEnv) Output(m *mbuf.Mbuf, port uint32) {
	e.out = append(e.out, outRec{port: port, m: m})
}

func (e *fakeEnv) FloodPorts(in uint32) (out []uint32) {
	for _, p := range e.flood {
		if p != in {
			out = append(out, p)
		}
	}
	return
}

func (e *fakeEnv) PortAlive(port uint32) bool { return true }

func (e *fakeEnv) ToController(m *mbuf.Mbuf) {
	e.punted = append(e.punted, m)
}

func (e *fakeEnv) Normal(m *mbuf.Mbuf) {
	e.normal = append(e.normal, m)
}

func (e *fakeEnv) Now() int64 { return e.now }

func (e *fakeEnv) release() {
	for _, r := range e.out {
		r.m.Free()
	}
	for _, m := range e.punted {
		m.Free()
	}
	for _, m := range e.normal {
		m.Free()
	}
	e.out = nil
	e.punted = nil
	e.normal = nil
}

func u8(v uint8) *uint8    { return &v }
func u16(v uint16) *uint16 { return &v }
func u32(v uint32) *uint32 { return &v }

func testFrame(ethertype uint16) []byte {
	b := make([]byte, 64)
	copy(b[0:6], []byte{0x02, 0, 0, 0, 0, 0xaa})
	copy(b[6:12], []byte{0x02, 0, 0, 0, 0, 0xbb})
	binary.BigEndian.PutUint16(b[12:14], ethertype)
	if ethertype == packet.EtherTypeIPv4 {
		ip := b[14:]
		ip[0] = 0x45
		binary.BigEndian.PutUint16(ip[2:4], 50)
		ip[8] = 64
		ip[9] = packet.ProtoUDP
		copy(ip[12:16], []byte{10, 0, 0, 1})
		copy(ip[16:20], []byte{10, 0, 0, 2})
	}
	return b
}

func mkpkt(t *testing.T, pool *mbuf.Pool, ethertype uint16, inPort uint32) *mbuf.Mbuf {
	t.Helper()
	m := pool.Get()
	if m == nil {
		t.Fatal("pool exhausted")
	}
	if err := m.SetData(testFrame(ethertype)); err != nil {
		t.Fatal(err)
	}
	packet.Init(m, inPort)
	return m
}

func TestLookupPriorityAndOutput(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 32)
	db := NewFlowDB()
	lo := &Flow{Priority: 1, Instr: Instructions{
		ApplyActions: []Action{ActionOutput{Port: 9}},
	}}
	hi := &Flow{Priority: 10,
		Match: Match{EthType: u16(packet.EtherTypeIPv4)},
		Instr: Instructions{ApplyActions: []Action{ActionOutput{Port: 2}}},
	}
	if err := db.AddFlow(0, lo); err != nil {
		t.Fatal(err)
	}
	if err := db.AddFlow(0, hi); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	m := mkpkt(t, pool, packet.EtherTypeIPv4, 1)
	pl.Process(m, nil)
	if len(env.out) != 1 || env.out[0].port != 2 {
		t.Fatalf("expected output on 2, got %+v", env.out)
	}
	pk, by := hi.Counters()
	if pk != 1 || by == 0 {
		t.Fatalf("flow counters %d/%d", pk, by)
	}
	// a non-IP frame falls through to the low priority entry
	env.release()
	m = mkpkt(t, pool, packet.EtherTypeARP, 1)
	pl.Process(m, nil)
	if len(env.out) != 1 || env.out[0].port != 9 {
		t.Fatalf("expected output on 9, got %+v", env.out)
	}
	env.release()
	if pool.Available() != 32 {
		t.Fatalf("leak: %d free", pool.Available())
	}
}

func TestTableMissDrops(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	m := mkpkt(t, pool, packet.EtherTypeIPv4, 1)
	pl.Process(m, nil)
	if len(env.out) != 0 {
		t.Fatal("miss produced output")
	}
	if pl.Drops() != 1 {
		t.Fatalf("drop counter %d", pl.Drops())
	}
	if pool.Available() != 8 {
		t.Fatal("missed packet leaked")
	}
}

func TestGotoTableChain(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	next := uint8(1)
	first := &Flow{Priority: 1,
		Instr: Instructions{
			ApplyActions: []Action{ActionSetQueue{ID: 4}},
			GotoTable:    &next,
		},
	}
	second := &Flow{Priority: 1,
		Instr: Instructions{ApplyActions: []Action{ActionOutput{Port: 5}}},
	}
	if err := db.AddFlow(0, first); err != nil {
		t.Fatal(err)
	}
	if err := db.AddFlow(1, second); err != nil {
		t.Fatal(err)
	}
	// goto must move forward
	bad := &Flow{Instr: Instructions{GotoTable: &next}}
	if err := db.AddFlow(1, bad); err != ErrBadGoto {
		t.Fatalf("expected ErrBadGoto, got %v", err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	m := mkpkt(t, pool, packet.EtherTypeIPv4, 1)
	pl.Process(m, nil)
	if len(env.out) != 1 || env.out[0].port != 5 {
		t.Fatalf("expected output on 5, got %+v", env.out)
	}
	if env.out[0].m.Desc.QueueID != 4 {
		t.Fatal("set-queue from the first table lost")
	}
	env.release()
}

func TestWriteActionsApplyAtEnd(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	f := &Flow{Priority: 1, Instr: Instructions{
		WriteActions: []Action{
			ActionOutput{Port: 7},
			ActionSetQueue{ID: 2},
		},
	}}
	if err := db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	m := mkpkt(t, pool, packet.EtherTypeIPv4, 1)
	pl.Process(m, nil)
	if len(env.out) != 1 || env.out[0].port != 7 {
		t.Fatalf("action set output missing: %+v", env.out)
	}
	if env.out[0].m.Desc.QueueID != 2 {
		t.Fatal("set-queue ordered after output")
	}
	env.release()
}

func TestMeterDropBand(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	now := int64(1000)
	// rate 1 kbps: a 64 byte frame exceeds the 125 byte bucket only
	// after the bucket drains
	mt, err := meter.New(1, ofp.MeterFlagStats, []meter.BandSpec{
		{Type: ofp.MeterBandTypeDrop, Rate: 1},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if err = db.AddMeter(mt); err != nil {
		t.Fatal(err)
	}
	f := &Flow{Priority: 1, Instr: Instructions{
		Meter:        1,
		ApplyActions: []Action{ActionOutput{Port: 2}},
	}}
	if err = db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{now: now}
	pl := NewPipeline(db, env)
	// first frame fits the burst, second exceeds it
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), nil)
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), nil)
	if len(env.out) != 1 {
		t.Fatalf("expected one forwarded frame, got %d", len(env.out))
	}
	s := mt.Stats()
	if s.InputPacketCount != 2 || s.Bands[0].PacketBandCount != 1 {
		t.Fatalf("meter stats %+v", s)
	}
	env.release()
	if pool.Available() != 8 {
		t.Fatal("metered drop leaked")
	}
}

func TestStandaloneNormal(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	db.SetMode(ModeStandalone)
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	m := mkpkt(t, pool, packet.EtherTypeIPv4, 1)
	pl.Process(m, nil)
	if len(env.normal) != 1 {
		t.Fatal("standalone did not take the normal path")
	}
	env.release()
}

func TestGroupAll(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	g := &Group{ID: 5, Type: ofp.GroupTypeAll, Buckets: []*Bucket{
		{Actions: []Action{ActionOutput{Port: 2}}},
		{Actions: []Action{ActionOutput{Port: 3}}},
	}}
	if err := db.AddGroup(g); err != nil {
		t.Fatal(err)
	}
	f := &Flow{Priority: 1, Instr: Instructions{
		ApplyActions: []Action{ActionGroup{ID: 5}},
	}}
	if err := db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), nil)
	if len(env.out) != 2 {
		t.Fatalf("all group emitted %d copies", len(env.out))
	}
	ports := map[uint32]bool{env.out[0].port: true, env.out[1].port: true}
	if !ports[2] || !ports[3] {
		t.Fatalf("unexpected egress set %+v", ports)
	}
	env.release()
	if pool.Available() != 8 {
		t.Fatal("group copies leaked")
	}
}

func TestFloodExcludesInPort(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	f := &Flow{Priority: 1, Instr: Instructions{
		ApplyActions: []Action{ActionOutput{Port: ofp.PortFlood}},
	}}
	if err := db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{flood: []uint32{1, 2, 3}}
	pl := NewPipeline(db, env)
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 2), nil)
	if len(env.out) != 2 {
		t.Fatalf("flood fanout %d", len(env.out))
	}
	for _, r := range env.out {
		if r.port == 2 {
			t.Fatal("flood included the input port")
		}
	}
	env.release()
	if pool.Available() != 8 {
		t.Fatal("flood leaked")
	}
}

func TestCachedPlanExecution(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	f := &Flow{Priority: 1,
		Match: Match{EthType: u16(packet.EtherTypeIPv4)},
		Instr: Instructions{ApplyActions: []Action{ActionOutput{Port: 2}}},
	}
	if err := db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	cache := NewCache()
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), cache)
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), cache)
	s := cache.Stats()
	if s.Miss != 1 || s.Hit != 1 {
		t.Fatalf("cache stats %+v", s)
	}
	if len(env.out) != 2 {
		t.Fatalf("outputs %d", len(env.out))
	}
	// a flowtable change purges on the next generation check
	db.FlushTable(0)
	if !cache.CheckGeneration(db.Generation()) {
		t.Fatal("generation advance not observed")
	}
	env.release()
}

func TestSetFieldRewrites(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	db := NewFlowDB()
	f := &Flow{Priority: 1, Instr: Instructions{
		ApplyActions: []Action{
			ActionSetField{Field: ofp.XMTypeIPv4Dst, Value: []byte{192, 168, 1, 1}},
			ActionOutput{Port: 2},
		},
	}}
	if err := db.AddFlow(0, f); err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{}
	pl := NewPipeline(db, env)
	pl.Process(mkpkt(t, pool, packet.EtherTypeIPv4, 1), nil)
	if len(env.out) != 1 {
		t.Fatal("no output")
	}
	b := env.out[0].m.Data()
	if b[30] != 192 || b[31] != 168 || b[32] != 1 || b[33] != 1 {
		t.Fatal("ipv4 dst not rewritten")
	}
	if env.out[0].m.Desc.CsumMask&mbuf.CsumIPv4 == 0 {
		t.Fatal("checksum recompute not flagged")
	}
	env.release()
}

func TestMacTableLearning(t *testing.T) {
	mt := NewMacTable()
	src := []byte{0x02, 0, 0, 0, 0, 1}
	mt.Learn(src, 4)
	if p, ok := mt.Lookup(src); !ok || p != 4 {
		t.Fatalf("lookup %d %v", p, ok)
	}
	// multicast never learns or resolves
	mcast := []byte{0x01, 0, 0x5e, 0, 0, 1}
	mt.Learn(mcast, 5)
	if _, ok := mt.Lookup(mcast); ok {
		t.Fatal("multicast resolved")
	}
	mt.Flush()
	if _, ok := mt.Lookup(src); ok {
		t.Fatal("entry survived flush")
	}
}
