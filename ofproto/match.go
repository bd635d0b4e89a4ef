/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ofproto implements the OpenFlow 1.3 match-and-action kernel:
// flowtables, instruction and action execution, groups and the per-worker
// resolution path with its flow cache.
package ofproto

import (
	"bytes"
	"encoding/binary"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/packet"
)

// MaskedMAC matches an ethernet address under a mask; a nil mask is an
// exact match
type MaskedMAC struct {
	Addr [6]byte
	Mask []byte
}

func (mm *MaskedMAC) match(b []byte) bool {
	if mm.Mask == nil {
		return bytes.Equal(mm.Addr[:], b[:6])
	}
	for i := 0; i < 6; i++ {
		if (mm.Addr[i]^b[i])&mm.Mask[i] != 0 {
			return false
		}
	}
	return true
}

// MaskedIPv4 matches an IPv4 address under a prefix mask
type MaskedIPv4 struct {
	Addr uint32
	Mask uint32
}

func (mi *MaskedIPv4) match(v uint32) bool {
	return (mi.Addr^v)&mi.Mask == 0
}

// MaskedIPv6 matches an IPv6 address under a mask; a nil mask is exact
type MaskedIPv6 struct {
	Addr [16]byte
	Mask []byte
}

func (mi *MaskedIPv6) match(b []byte) bool {
	if mi.Mask == nil {
		return bytes.Equal(mi.Addr[:], b[:16])
	}
	for i := 0; i < 16; i++ {
		if (mi.Addr[i]^b[i])&mi.Mask[i] != 0 {
			return false
		}
	}
	return true
}

// MaskedUint64 matches metadata or tunnel ids under a mask
type MaskedUint64 struct {
	Value uint64
	Mask  uint64
}

func (mu *MaskedUint64) match(v uint64) bool {
	return (mu.Value^v)&mu.Mask == 0
}

// Match is the set of fields a flow entry matches on. Nil fields are
// wildcards. Field semantics follow the OpenFlow 1.3 oxm basic class.
type Match struct {
	InPort   *uint32
	EthDst   *MaskedMAC
	EthSrc   *MaskedMAC
	EthType  *uint16
	VlanID   *uint16 // OFPVID semantics: present bit handled by VlanAny
	VlanPCP  *uint8
	VlanAny  bool // match any tagged packet regardless of VID
	IPProto  *uint8
	IPDSCP   *uint8
	IPv4Src  *MaskedIPv4
	IPv4Dst  *MaskedIPv4
	IPv6Src  *MaskedIPv6
	IPv6Dst  *MaskedIPv6
	TCPSrc   *uint16
	TCPDst   *uint16
	UDPSrc   *uint16
	UDPDst   *uint16
	SCTPSrc  *uint16
	SCTPDst  *uint16
	ICMPType *uint8
	MPLSLbl  *uint32
	Metadata *MaskedUint64
	TunnelID *MaskedUint64
}

// Matches evaluates the match against a parsed packet and the pipeline
// metadata register
func (mt *Match) Matches(m *mbuf.Mbuf, metadata, tunnelID uint64) bool {
	d := &m.Desc
	b := m.Data()
	if len(b) < packet.EthHdrLen {
		return false
	}
	if mt.InPort != nil && *mt.InPort != d.InPort {
		return false
	}
	if mt.EthDst != nil && !mt.EthDst.match(b[0:6]) {
		return false
	}
	if mt.EthSrc != nil && !mt.EthSrc.match(b[6:12]) {
		return false
	}
	if mt.EthType != nil && *mt.EthType != d.EtherType {
		return false
	}
	if mt.VlanAny && d.VlanCount == 0 {
		return false
	}
	if mt.VlanID != nil {
		if d.VlanCount == 0 {
			return false
		}
		tci := binary.BigEndian.Uint16(b[14:16])
		if tci&0x0fff != *mt.VlanID&0x0fff {
			return false
		}
	}
	if mt.VlanPCP != nil {
		if d.VlanCount == 0 {
			return false
		}
		tci := binary.BigEndian.Uint16(b[14:16])
		if uint8(tci>>13) != *mt.VlanPCP {
			return false
		}
	}
	if mt.IPProto != nil && *mt.IPProto != d.Proto {
		return false
	}
	if mt.IPDSCP != nil {
		if dscp, ok := dscpOf(d, b); !ok || dscp != *mt.IPDSCP {
			return false
		}
	}
	if mt.IPv4Src != nil || mt.IPv4Dst != nil {
		if d.EtherType != packet.EtherTypeIPv4 || d.L3 < 0 || len(b) < d.L3+20 {
			return false
		}
		if mt.IPv4Src != nil && !mt.IPv4Src.match(binary.BigEndian.Uint32(b[d.L3+12:d.L3+16])) {
			return false
		}
		if mt.IPv4Dst != nil && !mt.IPv4Dst.match(binary.BigEndian.Uint32(b[d.L3+16:d.L3+20])) {
			return false
		}
	}
	if mt.IPv6Src != nil || mt.IPv6Dst != nil {
		if d.EtherType != packet.EtherTypeIPv6 || d.L3 < 0 || len(b) < d.L3+40 {
			return false
		}
		if mt.IPv6Src != nil && !mt.IPv6Src.match(b[d.L3+8:d.L3+24]) {
			return false
		}
		if mt.IPv6Dst != nil && !mt.IPv6Dst.match(b[d.L3+24:d.L3+40]) {
			return false
		}
	}
	if !mt.matchL4(d, b) {
		return false
	}
	if mt.MPLSLbl != nil {
		if d.MPLSCount == 0 {
			return false
		}
		off := packet.EthHdrLen + d.VlanCount*packet.VlanHdrLen
		if len(b) < off+4 {
			return false
		}
		if binary.BigEndian.Uint32(b[off:off+4])>>12 != *mt.MPLSLbl {
			return false
		}
	}
	if mt.Metadata != nil && !mt.Metadata.match(metadata) {
		return false
	}
	if mt.TunnelID != nil && !mt.TunnelID.match(tunnelID) {
		return false
	}
	return true
}

func (mt *Match) matchL4(d *mbuf.Descriptor, b []byte) bool {
	needL4 := mt.TCPSrc != nil || mt.TCPDst != nil ||
		mt.UDPSrc != nil || mt.UDPDst != nil ||
		mt.SCTPSrc != nil || mt.SCTPDst != nil || mt.ICMPType != nil
	if !needL4 {
		return true
	}
	if d.L4 < 0 || len(b) < d.L4+4 {
		return false
	}
	src := binary.BigEndian.Uint16(b[d.L4 : d.L4+2])
	dst := binary.BigEndian.Uint16(b[d.L4+2 : d.L4+4])
	switch d.Proto {
	case packet.ProtoTCP:
		if mt.UDPSrc != nil || mt.UDPDst != nil || mt.SCTPSrc != nil || mt.SCTPDst != nil || mt.ICMPType != nil {
			return false
		}
		if mt.TCPSrc != nil && *mt.TCPSrc != src {
			return false
		}
		if mt.TCPDst != nil && *mt.TCPDst != dst {
			return false
		}
	case packet.ProtoUDP:
		if mt.TCPSrc != nil || mt.TCPDst != nil || mt.SCTPSrc != nil || mt.SCTPDst != nil || mt.ICMPType != nil {
			return false
		}
		if mt.UDPSrc != nil && *mt.UDPSrc != src {
			return false
		}
		if mt.UDPDst != nil && *mt.UDPDst != dst {
			return false
		}
	case packet.ProtoSCTP:
		if mt.TCPSrc != nil || mt.TCPDst != nil || mt.UDPSrc != nil || mt.UDPDst != nil || mt.ICMPType != nil {
			return false
		}
		if mt.SCTPSrc != nil && *mt.SCTPSrc != src {
			return false
		}
		if mt.SCTPDst != nil && *mt.SCTPDst != dst {
			return false
		}
	case packet.ProtoICMP, packet.ProtoICMPv6:
		if mt.ICMPType != nil && b[d.L4] != *mt.ICMPType {
			return false
		}
		if mt.TCPSrc != nil || mt.TCPDst != nil || mt.UDPSrc != nil ||
			mt.UDPDst != nil || mt.SCTPSrc != nil || mt.SCTPDst != nil {
			return false
		}
	default:
		return false
	}
	return true
}

func dscpOf(d *mbuf.Descriptor, b []byte) (uint8, bool) {
	if d.L3 < 0 {
		return 0, false
	}
	switch d.EtherType {
	case packet.EtherTypeIPv4:
		if len(b) < d.L3+20 {
			return 0, false
		}
		return b[d.L3+1] >> 2, true
	case packet.EtherTypeIPv6:
		if len(b) < d.L3+40 {
			return 0, false
		}
		return uint8((binary.BigEndian.Uint16(b[d.L3:d.L3+2]) >> 6) & 0x3f), true
	}
	return 0, false
}
