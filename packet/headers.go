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
	"errors"

	"github.com/gravwell/ofswitch/mbuf"
)

var (
	ErrNoVlan = errors.New("no vlan tag present")
	ErrNoMPLS = errors.New("no mpls header present")
	ErrNoL3   = errors.New("no network layer present")
)

// PushVlan inserts a VLAN tag of the given TPID directly after the
// ethernet addresses. The new tag inherits VID/PCP zero; SetVlanID and
// SetVlanPCP fill it afterwards.
func PushVlan(m *mbuf.Mbuf, tpid uint16) error {
	if _, err := m.Prepend(VlanHdrLen); err != nil {
		return err
	}
	b := m.Data()
	// move the ethernet addresses back over the new front
	copy(b[0:12], b[VlanHdrLen:VlanHdrLen+12])
	binary.BigEndian.PutUint16(b[12:14], tpid)
	binary.BigEndian.PutUint16(b[14:16], 0)
	m.Desc.VlanCount++
	shiftOffsets(&m.Desc, VlanHdrLen)
	return nil
}

// PopVlan removes the outermost VLAN tag
func PopVlan(m *mbuf.Mbuf) error {
	if m.Desc.VlanCount == 0 {
		return ErrNoVlan
	}
	b := m.Data()
	if len(b) < EthHdrLen+VlanHdrLen {
		return mbuf.ErrTooShort
	}
	copy(b[VlanHdrLen:VlanHdrLen+12], b[0:12])
	if err := m.Adj(VlanHdrLen); err != nil {
		return err
	}
	m.Desc.VlanCount--
	shiftOffsets(&m.Desc, -VlanHdrLen)
	return nil
}

// SetVlanID rewrites the VID of the outermost tag
func SetVlanID(m *mbuf.Mbuf, vid uint16) error {
	if m.Desc.VlanCount == 0 {
		return ErrNoVlan
	}
	b := m.Data()
	tci := binary.BigEndian.Uint16(b[14:16])
	binary.BigEndian.PutUint16(b[14:16], tci&0xf000|vid&0x0fff)
	return nil
}

// SetVlanPCP rewrites the priority bits of the outermost tag
func SetVlanPCP(m *mbuf.Mbuf, pcp uint8) error {
	if m.Desc.VlanCount == 0 {
		return ErrNoVlan
	}
	b := m.Data()
	tci := binary.BigEndian.Uint16(b[14:16])
	binary.BigEndian.PutUint16(b[14:16], tci&0x1fff|uint16(pcp&0x7)<<13)
	return nil
}

// vlanBytes is the combined length of the tags in front of the ethertype
func vlanBytes(d *mbuf.Descriptor) int {
	return d.VlanCount * VlanHdrLen
}

// mplsBase is the offset of the outermost MPLS header
func mplsBase(d *mbuf.Descriptor) int {
	return EthHdrLen + vlanBytes(d)
}

// PushMPLS inserts an MPLS shim header after the L2 headers. A fresh
// label of zero is written; when an MPLS stack already exists the new
// entry copies the old top and clears its bottom-of-stack bit handling.
func PushMPLS(m *mbuf.Mbuf, ethertype uint16) error {
	ttl := ipTTL(m)
	if _, err := m.Prepend(MPLSHdrLen); err != nil {
		return err
	}
	b := m.Data()
	base := mplsBase(&m.Desc)
	copy(b[0:base], b[MPLSHdrLen:MPLSHdrLen+base])
	var entry uint32
	if m.Desc.MPLSCount > 0 {
		// copy the previous top entry, clear its S bit
		entry = binary.BigEndian.Uint32(b[base+MPLSHdrLen:base+MPLSHdrLen+4]) &^ 0x100
	} else {
		entry = 0x100 // bottom of stack
		if ttl > 0 {
			entry |= uint32(ttl)
		} else {
			entry |= 64
		}
	}
	binary.BigEndian.PutUint32(b[base:base+4], entry)
	binary.BigEndian.PutUint16(b[base-2:base], ethertype)
	m.Desc.EtherType = ethertype
	m.Desc.MPLSCount++
	shiftOffsets(&m.Desc, MPLSHdrLen)
	return nil
}

// PopMPLS removes the outermost MPLS header and rewrites the ethertype
func PopMPLS(m *mbuf.Mbuf, ethertype uint16) error {
	if m.Desc.MPLSCount == 0 {
		return ErrNoMPLS
	}
	b := m.Data()
	base := mplsBase(&m.Desc)
	if len(b) < base+MPLSHdrLen {
		return mbuf.ErrTooShort
	}
	copy(b[MPLSHdrLen:MPLSHdrLen+base], b[0:base])
	if err := m.Adj(MPLSHdrLen); err != nil {
		return err
	}
	b = m.Data()
	binary.BigEndian.PutUint16(b[base-2:base], ethertype)
	m.Desc.EtherType = ethertype
	m.Desc.MPLSCount--
	shiftOffsets(&m.Desc, -MPLSHdrLen)
	return nil
}

// SetMPLSTTL rewrites the TTL of the outermost MPLS entry
func SetMPLSTTL(m *mbuf.Mbuf, ttl uint8) error {
	if m.Desc.MPLSCount == 0 {
		return ErrNoMPLS
	}
	b := m.Data()
	b[mplsBase(&m.Desc)+3] = ttl
	return nil
}

// MPLSTTL returns the TTL of the outermost MPLS entry
func MPLSTTL(m *mbuf.Mbuf) (uint8, error) {
	if m.Desc.MPLSCount == 0 {
		return 0, ErrNoMPLS
	}
	return m.Data()[mplsBase(&m.Desc)+3], nil
}

// DecMPLSTTL decrements the outermost MPLS TTL, reporting false when the
// TTL is exhausted and the packet should be dropped
func DecMPLSTTL(m *mbuf.Mbuf) (bool, error) {
	if m.Desc.MPLSCount == 0 {
		return false, ErrNoMPLS
	}
	b := m.Data()
	i := mplsBase(&m.Desc) + 3
	if b[i] <= 1 {
		b[i] = 0
		return false, nil
	}
	b[i]--
	return true, nil
}

func ipTTL(m *mbuf.Mbuf) uint8 {
	d := &m.Desc
	if d.L3 < 0 {
		return 0
	}
	b := m.Data()
	switch d.EtherType {
	case EtherTypeIPv4:
		if len(b) >= d.L3+20 {
			return b[d.L3+8]
		}
	case EtherTypeIPv6:
		if len(b) >= d.L3+40 {
			return b[d.L3+7]
		}
	}
	return 0
}

// SetNwTTL rewrites the IPv4 TTL or IPv6 hop limit
func SetNwTTL(m *mbuf.Mbuf, ttl uint8) error {
	d := &m.Desc
	if d.L3 < 0 {
		return ErrNoL3
	}
	b := m.Data()
	switch d.EtherType {
	case EtherTypeIPv4:
		b[d.L3+8] = ttl
		d.CsumMask |= mbuf.CsumIPv4
	case EtherTypeIPv6:
		b[d.L3+7] = ttl
	default:
		return ErrNoL3
	}
	return nil
}

// DecNwTTL decrements the IPv4 TTL or IPv6 hop limit, reporting false
// when the TTL is exhausted
func DecNwTTL(m *mbuf.Mbuf) (bool, error) {
	d := &m.Desc
	if d.L3 < 0 {
		return false, ErrNoL3
	}
	b := m.Data()
	var i int
	switch d.EtherType {
	case EtherTypeIPv4:
		i = d.L3 + 8
		d.CsumMask |= mbuf.CsumIPv4
	case EtherTypeIPv6:
		i = d.L3 + 7
	default:
		return false, ErrNoL3
	}
	if b[i] <= 1 {
		b[i] = 0
		return false, nil
	}
	b[i]--
	return true, nil
}

// CopyTTLOut copies the IP TTL into the outermost MPLS entry
func CopyTTLOut(m *mbuf.Mbuf) error {
	if m.Desc.MPLSCount == 0 {
		return ErrNoMPLS
	}
	ttl := ipTTL(m)
	if ttl == 0 {
		return ErrNoL3
	}
	return SetMPLSTTL(m, ttl)
}

// CopyTTLIn copies the outermost MPLS TTL into the IP header
func CopyTTLIn(m *mbuf.Mbuf) error {
	ttl, err := MPLSTTL(m)
	if err != nil {
		return err
	}
	return SetNwTTL(m, ttl)
}

// SetDSCP rewrites the six DSCP bits of the IP header
func SetDSCP(m *mbuf.Mbuf, dscp uint8) error {
	d := &m.Desc
	if d.L3 < 0 {
		return ErrNoL3
	}
	b := m.Data()
	switch d.EtherType {
	case EtherTypeIPv4:
		b[d.L3+1] = b[d.L3+1]&0x03 | dscp<<2
		d.CsumMask |= mbuf.CsumIPv4
	case EtherTypeIPv6:
		tc := uint16(b[d.L3])<<8 | uint16(b[d.L3+1])
		tc = tc&0xf03f | uint16(dscp)<<6
		b[d.L3] = byte(tc >> 8)
		b[d.L3+1] = byte(tc)
	default:
		return ErrNoL3
	}
	return nil
}

func shiftOffsets(d *mbuf.Descriptor, delta int) {
	if d.L3 >= 0 {
		d.L3 += delta
	}
	if d.L4 >= 0 {
		d.L4 += delta
	}
}
