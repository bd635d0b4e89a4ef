/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package packet parses frames into the mbuf descriptor and performs the
// TX side header fixups: padding, checksum recompute and offload flag
// preparation.
package packet

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
	"github.com/gravwell/ofswitch/mbuf"
)

const (
	EthHdrLen  = 14
	VlanHdrLen = 4
	MPLSHdrLen = 4

	EtherTypeIPv4  = uint16(layers.EthernetTypeIPv4)
	EtherTypeIPv6  = uint16(layers.EthernetTypeIPv6)
	EtherTypeARP   = uint16(layers.EthernetTypeARP)
	EtherTypeVLAN  = uint16(layers.EthernetTypeDot1Q)
	EtherTypeQinQ  = uint16(layers.EthernetTypeQinQ)
	EtherTypeMPLS  = uint16(layers.EthernetTypeMPLSUnicast)
	EtherTypeMPLSM = uint16(layers.EthernetTypeMPLSMulticast)
	EtherTypePBB   = uint16(0x88e7)

	ProtoTCP    = uint8(layers.IPProtocolTCP)
	ProtoUDP    = uint8(layers.IPProtocolUDP)
	ProtoSCTP   = uint8(layers.IPProtocolSCTP)
	ProtoICMP   = uint8(layers.IPProtocolICMPv4)
	ProtoICMPv6 = uint8(layers.IPProtocolICMPv6)
)

// Init resets the descriptor for the input port and parses the frame.
// Called once per packet on the worker before lookup.
func Init(m *mbuf.Mbuf, inPort uint32) {
	m.Desc.Reset(inPort)
	m.Port = inPort
	Parse(m)
}

// Parse walks the layer 2 headers (VLAN and MPLS stacks included) and
// records offsets, ethertype and L4 protocol in the descriptor. Offsets
// of absent layers stay negative.
func Parse(m *mbuf.Mbuf) {
	d := &m.Desc
	b := m.Data()
	d.L3 = -1
	d.L4 = -1
	d.VlanCount = 0
	d.MPLSCount = 0
	if len(b) < EthHdrLen {
		return
	}
	et := binary.BigEndian.Uint16(b[12:14])
	off := EthHdrLen
	for et == EtherTypeVLAN || et == EtherTypeQinQ {
		if len(b) < off+VlanHdrLen {
			return
		}
		et = binary.BigEndian.Uint16(b[off+2 : off+4])
		off += VlanHdrLen
		d.VlanCount++
	}
	if et == EtherTypeMPLS || et == EtherTypeMPLSM {
		d.EtherType = et
		for {
			if len(b) < off+MPLSHdrLen {
				return
			}
			bos := b[off+2]&0x01 != 0
			off += MPLSHdrLen
			d.MPLSCount++
			if bos {
				break
			}
		}
		// peek at the payload version nibble for the inner protocol
		if len(b) > off {
			switch b[off] >> 4 {
			case 4:
				d.L3 = off
				parseIPv4(d, b, off)
			case 6:
				d.L3 = off
				parseIPv6(d, b, off)
			}
		}
		return
	}
	d.EtherType = et
	switch et {
	case EtherTypeIPv4:
		d.L3 = off
		parseIPv4(d, b, off)
	case EtherTypeIPv6:
		d.L3 = off
		parseIPv6(d, b, off)
	case EtherTypeARP:
		d.L3 = off
	}
}

func parseIPv4(d *mbuf.Descriptor, b []byte, off int) {
	if len(b) < off+20 {
		d.L3 = -1
		return
	}
	ihl := int(b[off]&0x0f) * 4
	if ihl < 20 || len(b) < off+ihl {
		return
	}
	d.Proto = b[off+9]
	d.L4 = off + ihl
}

func parseIPv6(d *mbuf.Descriptor, b []byte, off int) {
	if len(b) < off+40 {
		d.L3 = -1
		return
	}
	next := b[off+6]
	pos := off + 40
	// walk the extension header chain
	for {
		switch next {
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(b) < pos+8 {
				return
			}
			next = b[pos]
			pos += (int(b[pos+1]) + 1) * 8
		case 44: // fragment
			if len(b) < pos+8 {
				return
			}
			next = b[pos]
			pos += 8
		default:
			d.Proto = next
			d.L4 = pos
			return
		}
	}
}

// VlanPresent reports whether the frame carries at least one VLAN tag
func VlanPresent(m *mbuf.Mbuf) bool {
	return m.Desc.VlanCount > 0
}

// L4Length returns the length of the L4 payload including its header, or
// zero when no L4 layer was parsed
func L4Length(m *mbuf.Mbuf) int {
	if m.Desc.L4 < 0 {
		return 0
	}
	return m.Len() - m.Desc.L4
}
