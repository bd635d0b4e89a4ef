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
	"github.com/gravwell/ofswitch/packet"
)

func buildTCPFrame(t *testing.T, pool *mbuf.Pool, srcPort, dstPort uint16) *mbuf.Mbuf {
	t.Helper()
	b := make([]byte, 64)
	copy(b[0:6], []byte{0x02, 0, 0, 0, 0, 1})
	copy(b[6:12], []byte{0x02, 0, 0, 0, 0, 2})
	binary.BigEndian.PutUint16(b[12:14], packet.EtherTypeIPv4)
	ip := b[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 50)
	ip[8] = 64
	ip[9] = packet.ProtoTCP
	copy(ip[12:16], []byte{10, 1, 2, 3})
	copy(ip[16:20], []byte{10, 4, 5, 6})
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4
	m := pool.Get()
	if m == nil {
		t.Fatal("pool exhausted")
	}
	if err := m.SetData(b); err != nil {
		t.Fatal(err)
	}
	packet.Init(m, 7)
	return m
}

func TestMatchDimensions(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	m := buildTCPFrame(t, pool, 12345, 80)
	defer m.Free()

	cases := []struct {
		name string
		mt   Match
		want bool
	}{
		{`wildcard`, Match{}, true},
		{`in-port`, Match{InPort: u32(7)}, true},
		{`in-port-miss`, Match{InPort: u32(8)}, false},
		{`eth-type`, Match{EthType: u16(packet.EtherTypeIPv4)}, true},
		{`eth-type-miss`, Match{EthType: u16(packet.EtherTypeIPv6)}, false},
		{`eth-dst`, Match{EthDst: &MaskedMAC{Addr: [6]byte{0x02, 0, 0, 0, 0, 1}}}, true},
		{`eth-dst-masked`, Match{EthDst: &MaskedMAC{
			Addr: [6]byte{0x02, 0, 0, 0, 0, 0xff},
			Mask: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x00},
		}}, true},
		{`eth-src-miss`, Match{EthSrc: &MaskedMAC{Addr: [6]byte{1, 2, 3, 4, 5, 6}}}, false},
		{`ip-proto`, Match{IPProto: u8(packet.ProtoTCP)}, true},
		{`ipv4-src-prefix`, Match{IPv4Src: &MaskedIPv4{
			Addr: binary.BigEndian.Uint32([]byte{10, 1, 0, 0}),
			Mask: 0xffff0000,
		}}, true},
		{`ipv4-dst-miss`, Match{IPv4Dst: &MaskedIPv4{
			Addr: binary.BigEndian.Uint32([]byte{10, 9, 9, 9}),
			Mask: 0xffffffff,
		}}, false},
		{`tcp-dst`, Match{TCPDst: u16(80)}, true},
		{`tcp-src-miss`, Match{TCPSrc: u16(1)}, false},
		{`udp-on-tcp`, Match{UDPDst: u16(80)}, false},
		{`vlan-on-untagged`, Match{VlanID: u16(5)}, false},
	}
	for _, c := range cases {
		if got := c.mt.Matches(m, 0, 0); got != c.want {
			t.Errorf("%s: got %v", c.name, got)
		}
	}
}

func TestMatchVlanAndMetadata(t *testing.T) {
	pool, _ := mbuf.NewPool(`t`, 8)
	m := buildTCPFrame(t, pool, 1, 2)
	defer m.Free()
	if err := packet.PushVlan(m, packet.EtherTypeVLAN); err != nil {
		t.Fatal(err)
	}
	if err := packet.SetVlanID(m, 42); err != nil {
		t.Fatal(err)
	}
	mt := Match{VlanID: u16(42)}
	if !mt.Matches(m, 0, 0) {
		t.Fatal("vlan id did not match")
	}
	mt = Match{VlanID: u16(43)}
	if mt.Matches(m, 0, 0) {
		t.Fatal("wrong vlan id matched")
	}
	mt = Match{VlanAny: true}
	if !mt.Matches(m, 0, 0) {
		t.Fatal("tagged frame failed presence match")
	}
	// metadata register matching under mask
	mt = Match{Metadata: &MaskedUint64{Value: 0xa0, Mask: 0xf0}}
	if !mt.Matches(m, 0xa5, 0) {
		t.Fatal("metadata mask match failed")
	}
	if mt.Matches(m, 0x55, 0) {
		t.Fatal("metadata mismatch matched")
	}
}
