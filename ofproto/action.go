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

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/packet"
	"github.com/netrack/openflow/ofp"
)

// Action is one executable OpenFlow action. execute never consumes the
// mbuf; consuming actions (output, group) are handled by the executor so
// that packet ownership stays in one place.
type Action interface {
	Type() ofp.ActionType
}

type ActionOutput struct {
	Port ofp.PortNo
}

func (ActionOutput) Type() ofp.ActionType { return ofp.ActionTypeOutput }

type ActionGroup struct {
	ID uint32
}

func (ActionGroup) Type() ofp.ActionType { return ofp.ActionTypeGroup }

type ActionSetQueue struct {
	ID uint32
}

func (ActionSetQueue) Type() ofp.ActionType { return ofp.ActionTypeSetQueue }

type ActionPushVlan struct {
	TPID uint16
}

func (ActionPushVlan) Type() ofp.ActionType { return ofp.ActionTypePushVLAN }

type ActionPopVlan struct{}

func (ActionPopVlan) Type() ofp.ActionType { return ofp.ActionTypePopVLAN }

type ActionPushMPLS struct {
	EtherType uint16
}

func (ActionPushMPLS) Type() ofp.ActionType { return ofp.ActionTypePushMPLS }

type ActionPopMPLS struct {
	EtherType uint16
}

func (ActionPopMPLS) Type() ofp.ActionType { return ofp.ActionTypePopMPLS }

type ActionPushPBB struct {
	EtherType uint16
}

func (ActionPushPBB) Type() ofp.ActionType { return ofp.ActionTypePushPBB }

type ActionPopPBB struct{}

func (ActionPopPBB) Type() ofp.ActionType { return ofp.ActionTypePopPBB }

type ActionSetNwTTL struct {
	TTL uint8
}

func (ActionSetNwTTL) Type() ofp.ActionType { return ofp.ActionTypeSetNwTTL }

type ActionDecNwTTL struct{}

func (ActionDecNwTTL) Type() ofp.ActionType { return ofp.ActionTypeDecNwTTL }

type ActionSetMPLSTTL struct {
	TTL uint8
}

func (ActionSetMPLSTTL) Type() ofp.ActionType { return ofp.ActionTypeSetMPLSTTL }

type ActionDecMPLSTTL struct{}

func (ActionDecMPLSTTL) Type() ofp.ActionType { return ofp.ActionTypeDecMPLSTTL }

type ActionCopyTTLOut struct{}

func (ActionCopyTTLOut) Type() ofp.ActionType { return ofp.ActionTypeCopyTTLOut }

type ActionCopyTTLIn struct{}

func (ActionCopyTTLIn) Type() ofp.ActionType { return ofp.ActionTypeCopyTTLIn }

// ActionSetField rewrites one packet field addressed by its oxm type
type ActionSetField struct {
	Field ofp.XMType
	Value []byte
}

func (ActionSetField) Type() ofp.ActionType { return ofp.ActionTypeSetField }

// execute runs one non-consuming action against the packet. Output and
// group are dispatched by the caller; a drop decision is signalled by
// setting the descriptor drop flag.
func (e *execCtx) execute(a Action, m *mbuf.Mbuf) {
	d := &m.Desc
	switch act := a.(type) {
	case ActionSetQueue:
		d.QueueID = act.ID
	case ActionPushVlan:
		packet.PushVlan(m, act.TPID)
	case ActionPopVlan:
		packet.PopVlan(m)
	case ActionPushMPLS:
		packet.PushMPLS(m, act.EtherType)
	case ActionPopMPLS:
		packet.PopMPLS(m, act.EtherType)
	case ActionPushPBB:
		e.pushPBB(m, act.EtherType)
	case ActionPopPBB:
		e.popPBB(m)
	case ActionSetNwTTL:
		packet.SetNwTTL(m, act.TTL)
	case ActionDecNwTTL:
		if alive, err := packet.DecNwTTL(m); err == nil && !alive {
			d.Drop = true
		}
	case ActionSetMPLSTTL:
		packet.SetMPLSTTL(m, act.TTL)
	case ActionDecMPLSTTL:
		if alive, err := packet.DecMPLSTTL(m); err == nil && !alive {
			d.Drop = true
		}
	case ActionCopyTTLOut:
		packet.CopyTTLOut(m)
	case ActionCopyTTLIn:
		packet.CopyTTLIn(m)
	case ActionSetField:
		e.setField(m, act)
	}
}

func (e *execCtx) setField(m *mbuf.Mbuf, act ActionSetField) {
	d := &m.Desc
	b := m.Data()
	v := act.Value
	switch act.Field {
	case ofp.XMTypeEthDst:
		if len(b) >= 6 && len(v) >= 6 {
			copy(b[0:6], v[:6])
		}
	case ofp.XMTypeEthSrc:
		if len(b) >= 12 && len(v) >= 6 {
			copy(b[6:12], v[:6])
		}
	case ofp.XMTypeVlanID:
		if len(v) >= 2 {
			packet.SetVlanID(m, binary.BigEndian.Uint16(v))
		}
	case ofp.XMTypeVlanPCP:
		if len(v) >= 1 {
			packet.SetVlanPCP(m, v[0])
		}
	case ofp.XMTypeIPDSCP:
		if len(v) >= 1 {
			packet.SetDSCP(m, v[0])
		}
	case ofp.XMTypeIPv4Src:
		if d.EtherType == packet.EtherTypeIPv4 && d.L3 >= 0 && len(b) >= d.L3+20 && len(v) >= 4 {
			copy(b[d.L3+12:d.L3+16], v[:4])
			d.CsumMask |= mbuf.CsumIPv4 | l4Csum(d.Proto)
		}
	case ofp.XMTypeIPv4Dst:
		if d.EtherType == packet.EtherTypeIPv4 && d.L3 >= 0 && len(b) >= d.L3+20 && len(v) >= 4 {
			copy(b[d.L3+16:d.L3+20], v[:4])
			d.CsumMask |= mbuf.CsumIPv4 | l4Csum(d.Proto)
		}
	case ofp.XMTypeIPv6Src:
		if d.EtherType == packet.EtherTypeIPv6 && d.L3 >= 0 && len(b) >= d.L3+40 && len(v) >= 16 {
			copy(b[d.L3+8:d.L3+24], v[:16])
			d.CsumMask |= l4Csum(d.Proto)
		}
	case ofp.XMTypeIPv6Dst:
		if d.EtherType == packet.EtherTypeIPv6 && d.L3 >= 0 && len(b) >= d.L3+40 && len(v) >= 16 {
			copy(b[d.L3+24:d.L3+40], v[:16])
			d.CsumMask |= l4Csum(d.Proto)
		}
	case ofp.XMTypeTCPSrc, ofp.XMTypeUDPSrc, ofp.XMTypeSCTPSrc:
		if d.L4 >= 0 && len(b) >= d.L4+2 && len(v) >= 2 {
			copy(b[d.L4:d.L4+2], v[:2])
			d.CsumMask |= l4Csum(d.Proto)
		}
	case ofp.XMTypeTCPDst, ofp.XMTypeUDPDst, ofp.XMTypeSCTPDst:
		if d.L4 >= 0 && len(b) >= d.L4+4 && len(v) >= 2 {
			copy(b[d.L4+2:d.L4+4], v[:2])
			d.CsumMask |= l4Csum(d.Proto)
		}
	case ofp.XMTypeMPLSLabel:
		if d.MPLSCount > 0 && len(v) >= 4 {
			off := packet.EthHdrLen + d.VlanCount*packet.VlanHdrLen
			if len(b) >= off+4 {
				entry := binary.BigEndian.Uint32(b[off : off+4])
				lbl := binary.BigEndian.Uint32(v) & 0xfffff
				binary.BigEndian.PutUint32(b[off:off+4], entry&0x00000fff|lbl<<12)
			}
		}
	case ofp.XMTypeMPLSTC:
		if d.MPLSCount > 0 && len(v) >= 1 {
			off := packet.EthHdrLen + d.VlanCount*packet.VlanHdrLen
			if len(b) >= off+4 {
				b[off+2] = b[off+2]&0xf1 | v[0]&0x7<<1
			}
		}
	case ofp.XMTypeTunnelID:
		if len(v) >= 8 {
			e.tunnelID = binary.BigEndian.Uint64(v)
		}
	case ofp.XMTypeMetadata:
		if len(v) >= 8 {
			e.metadata = binary.BigEndian.Uint64(v)
		}
	}
}

func l4Csum(proto uint8) uint32 {
	switch proto {
	case packet.ProtoTCP:
		return mbuf.CsumTCP
	case packet.ProtoUDP:
		return mbuf.CsumUDP
	case packet.ProtoSCTP:
		return mbuf.CsumSCTP
	case packet.ProtoICMP:
		return mbuf.CsumICMP
	case packet.ProtoICMPv6:
		return mbuf.CsumICMPv6
	}
	return 0
}

const pbbHdrLen = 18 // backbone addresses, ethertype and I-TAG

// pushPBB wraps the frame in a provider backbone header: new backbone
// ethernet addresses copied from the customer frame and an I-TAG with
// I-SID zero, to be set by a following set-field.
func (e *execCtx) pushPBB(m *mbuf.Mbuf, ethertype uint16) {
	if _, err := m.Prepend(pbbHdrLen); err != nil {
		return
	}
	b := m.Data()
	// backbone addresses start as a copy of the customer addresses
	copy(b[0:6], b[pbbHdrLen:pbbHdrLen+6])
	copy(b[6:12], b[pbbHdrLen+6:pbbHdrLen+12])
	binary.BigEndian.PutUint16(b[12:14], ethertype)
	binary.BigEndian.PutUint32(b[14:18], 0) // I-TAG: pcp/dei/sid
	m.Desc.EtherType = ethertype
	shift := pbbHdrLen
	if m.Desc.L3 >= 0 {
		m.Desc.L3 += shift
	}
	if m.Desc.L4 >= 0 {
		m.Desc.L4 += shift
	}
}

// popPBB removes the backbone header, exposing the customer frame
func (e *execCtx) popPBB(m *mbuf.Mbuf) {
	b := m.Data()
	if len(b) < pbbHdrLen+packet.EthHdrLen {
		return
	}
	if err := m.Adj(pbbHdrLen); err != nil {
		return
	}
	packet.Parse(m)
}
