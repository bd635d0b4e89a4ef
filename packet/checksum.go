/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package packet

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/gravwell/ofswitch/mbuf"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// sum16 accumulates 16 bit ones-complement words
func sum16(b []byte, acc uint32) uint32 {
	for len(b) >= 2 {
		acc += uint32(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
	}
	if len(b) == 1 {
		acc += uint32(b[0]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc > 0xffff {
		acc = (acc >> 16) + (acc & 0xffff)
	}
	return ^uint16(acc)
}

// IPv4HeaderChecksum computes the header checksum over hdr with the
// checksum field treated as zero
func IPv4HeaderChecksum(hdr []byte) uint16 {
	acc := sum16(hdr[:10], 0)
	acc = sum16(hdr[12:], acc)
	return fold(acc)
}

func pseudoV4(b []byte, l3 int, l4len int, proto uint8) uint32 {
	acc := sum16(b[l3+12:l3+20], 0) // src, dst
	acc += uint32(proto)
	acc += uint32(l4len)
	return acc
}

func pseudoV6(b []byte, l3 int, l4len int, proto uint8) uint32 {
	acc := sum16(b[l3+8:l3+40], 0) // src, dst
	acc += uint32(proto)
	acc += uint32(l4len)
	return acc
}

// UpdateIPv4Checksum recomputes the IPv4 header checksum and the L4
// checksum of an IPv4 packet in software
func UpdateIPv4Checksum(m *mbuf.Mbuf) {
	d := &m.Desc
	if d.L3 < 0 {
		return
	}
	b := m.Data()
	l3, l4 := d.L3, d.L4
	if len(b) < l3+20 {
		return
	}
	ihl := int(b[l3]&0x0f) * 4
	if ihl < 20 || len(b) < l3+ihl {
		return
	}
	hdr := b[l3 : l3+ihl]
	binary.BigEndian.PutUint16(hdr[10:12], IPv4HeaderChecksum(hdr))
	if l4 < 0 || l4 > len(b) {
		return
	}
	l4len := len(b) - l4
	switch d.Proto {
	case ProtoTCP:
		if l4len < 20 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+16:l4+18], 0)
		ck := fold(sum16(b[l4:], pseudoV4(b, l3, l4len, d.Proto)))
		binary.BigEndian.PutUint16(b[l4+16:l4+18], ck)
	case ProtoUDP:
		if l4len < 8 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+6:l4+8], 0)
		ck := fold(sum16(b[l4:], pseudoV4(b, l3, l4len, d.Proto)))
		if ck == 0 {
			ck = 0xffff
		}
		binary.BigEndian.PutUint16(b[l4+6:l4+8], ck)
	case ProtoSCTP:
		updateSCTPChecksum(b, l4)
	case ProtoICMP:
		if l4len < 8 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+2:l4+4], 0)
		// ICMP has no pseudo header
		binary.BigEndian.PutUint16(b[l4+2:l4+4], fold(sum16(b[l4:], 0)))
	}
}

// UpdateIPv6Checksum recomputes the L4 checksum of an IPv6 packet in
// software using the IPv6 pseudo header
func UpdateIPv6Checksum(m *mbuf.Mbuf) {
	d := &m.Desc
	if d.L3 < 0 || d.L4 < 0 {
		return
	}
	b := m.Data()
	l3, l4 := d.L3, d.L4
	if len(b) < l3+40 || l4 > len(b) {
		return
	}
	l4len := len(b) - l4
	switch d.Proto {
	case ProtoTCP:
		if l4len < 20 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+16:l4+18], 0)
		ck := fold(sum16(b[l4:], pseudoV6(b, l3, l4len, d.Proto)))
		binary.BigEndian.PutUint16(b[l4+16:l4+18], ck)
	case ProtoUDP:
		if l4len < 8 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+6:l4+8], 0)
		ck := fold(sum16(b[l4:], pseudoV6(b, l3, l4len, d.Proto)))
		if ck == 0 {
			ck = 0xffff
		}
		binary.BigEndian.PutUint16(b[l4+6:l4+8], ck)
	case ProtoSCTP:
		updateSCTPChecksum(b, l4)
	case ProtoICMPv6:
		if l4len < 8 {
			return
		}
		binary.BigEndian.PutUint16(b[l4+2:l4+4], 0)
		ck := fold(sum16(b[l4:], pseudoV6(b, l3, l4len, d.Proto)))
		binary.BigEndian.PutUint16(b[l4+2:l4+4], ck)
	}
}

// updateSCTPChecksum writes the CRC32c per RFC 3309; the digest is
// stored little endian
func updateSCTPChecksum(b []byte, l4 int) {
	if len(b) < l4+12 {
		return
	}
	binary.LittleEndian.PutUint32(b[l4+8:l4+12], 0)
	crc := crc32.Checksum(b[l4:], castagnoli)
	binary.LittleEndian.PutUint32(b[l4+8:l4+12], crc)
}

// PrepareTx finishes a packet for transmit: pads short frames to the
// minimum ethernet size and either sets hardware offload flags or
// recomputes checksums in software, depending on the port capability.
func PrepareTx(m *mbuf.Mbuf, hwOffload bool) {
	if n := m.Len(); n < mbuf.MinTxLen {
		if pad, err := m.Tail(mbuf.MinTxLen - n); err == nil {
			for i := range pad {
				pad[i] = 0
			}
		}
	}
	d := &m.Desc
	if d.CsumMask == 0 {
		return
	}
	if !hwOffload {
		switch d.EtherType {
		case EtherTypeIPv4:
			UpdateIPv4Checksum(m)
		case EtherTypeIPv6:
			UpdateIPv6Checksum(m)
		}
		return
	}
	// hand the rest to the NIC
	if d.VlanCount > 0 {
		m.OLFlags |= mbuf.TxVLAN
	}
	switch d.EtherType {
	case EtherTypeIPv4:
		m.OLFlags |= mbuf.TxIPCksum | mbuf.TxIPv4
	case EtherTypeIPv6:
		m.OLFlags |= mbuf.TxIPv6
	default:
		return
	}
	switch d.Proto {
	case ProtoTCP:
		m.OLFlags |= mbuf.TxTCPCksum
	case ProtoUDP:
		m.OLFlags |= mbuf.TxUDPCksum
	case ProtoSCTP:
		m.OLFlags |= mbuf.TxSCTPCksum
	case ProtoICMP, ProtoICMPv6:
		// NICs do not checksum ICMP, do it here
		if d.EtherType == EtherTypeIPv4 {
			UpdateIPv4Checksum(m)
		} else {
			UpdateIPv6Checksum(m)
		}
	}
	if d.L3 >= 0 {
		m.L2Len = uint8(d.L3)
		if d.L4 >= 0 {
			m.L3Len = uint8(d.L4 - d.L3)
		}
	}
}
