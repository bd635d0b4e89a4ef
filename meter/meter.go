/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package meter

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/netrack/openflow/ofp"
)

const (
	// kbps to bytes per second
	kbps = 1000 / 8
)

var (
	ErrNoBands = errors.New("meter has no bands")
)

// BandSpec describes one meter band as configured by the controller
type BandSpec struct {
	Type      ofp.MeterBandType
	Rate      uint32 // kbps, or packets per second when OFPMF_PKTPS
	BurstSize uint32
	PrecLevel uint8 // DSCP remark only
}

// Band is a configured meter band with its own marker state and counters
type Band struct {
	Type      ofp.MeterBandType
	Rate      uint32
	BurstSize uint32
	PrecLevel uint8

	PacketBandCount uint64
	ByteBandCount   uint64

	tcm *SrTCM
}

// Meter is an OpenFlow per-flow meter: an ordered list of bands, each
// with a single-rate three color marker. Flow entries reference meters by
// id; more than one worker may hit the same meter, so band state is
// guarded by a small lock and counters are atomic.
type Meter struct {
	ID    uint32
	Flags ofp.MeterFlag

	InputPacketCount uint64
	InputByteCount   uint64

	mtx   sync.Mutex
	bands []*Band
}

// New configures a meter. Band rates are kbps unless OFPMF_PKTPS is set,
// in which case rates and bursts are packets. The marker for each band is
// set up with CIR=CBS=rate and EBS=burst (zero without OFPMF_BURST),
// converted to bytes per second for kbps meters.
func New(id uint32, flags ofp.MeterFlag, specs []BandSpec, now int64) (*Meter, error) {
	if len(specs) == 0 {
		return nil, ErrNoBands
	}
	m := &Meter{
		ID:    id,
		Flags: flags,
	}
	for _, s := range specs {
		var p SrTCMParams
		if flags&ofp.MeterFlagPacketPerSec == 0 {
			p.CIR = uint64(s.Rate) * kbps
			p.CBS = uint64(s.Rate) * kbps
			if flags&ofp.MeterFlagBurst != 0 {
				p.EBS = uint64(s.BurstSize) * kbps
			}
		} else {
			p.CIR = uint64(s.Rate)
			p.CBS = uint64(s.Rate)
			if flags&ofp.MeterFlagBurst != 0 {
				p.EBS = uint64(s.BurstSize)
			}
		}
		tcm, err := NewSrTCM(p, now)
		if err != nil {
			return nil, err
		}
		m.bands = append(m.bands, &Band{
			Type:      s.Type,
			Rate:      s.Rate,
			BurstSize: s.BurstSize,
			PrecLevel: s.PrecLevel,
			tcm:       tcm,
		})
	}
	return m, nil
}

// Bands returns the configured bands in insertion order
func (m *Meter) Bands() []*Band {
	return m.bands
}

// Packet meters one packet of the given length. Every band is checked;
// the first band in insertion order whose marker reports red is selected.
// The returned band type is zero when the packet passes unmetered,
// otherwise the selected band's type; prec carries the DSCP precedence
// level for remark bands. With bands in increasing rate order the lowest
// exceeded rate wins; in decreasing rate order, the highest.
func (m *Meter) Packet(length uint32, now int64) (bt ofp.MeterBandType, prec uint8) {
	if m.Flags&ofp.MeterFlagStats != 0 {
		atomic.AddUint64(&m.InputPacketCount, 1)
		atomic.AddUint64(&m.InputByteCount, uint64(length))
	}
	n := length
	if m.Flags&ofp.MeterFlagPacketPerSec != 0 {
		n = 1
	}
	var selected *Band
	m.mtx.Lock()
	for _, b := range m.bands {
		color := b.tcm.ColorBlindCheck(now, n)
		if selected == nil && color == Red {
			selected = b
		}
	}
	m.mtx.Unlock()
	if selected == nil {
		return 0, 0
	}
	if m.Flags&ofp.MeterFlagStats != 0 {
		atomic.AddUint64(&selected.PacketBandCount, 1)
		atomic.AddUint64(&selected.ByteBandCount, uint64(length))
	}
	if selected.Type == ofp.MeterBandTypeDSCPRemark {
		prec = selected.PrecLevel
	}
	return selected.Type, prec
}

// Stats is an atomic snapshot of meter counters
type Stats struct {
	InputPacketCount uint64
	InputByteCount   uint64
	Bands            []BandStats
}

type BandStats struct {
	PacketBandCount uint64
	ByteBandCount   uint64
}

func (m *Meter) Stats() (s Stats) {
	s.InputPacketCount = atomic.LoadUint64(&m.InputPacketCount)
	s.InputByteCount = atomic.LoadUint64(&m.InputByteCount)
	for _, b := range m.bands {
		s.Bands = append(s.Bands, BandStats{
			PacketBandCount: atomic.LoadUint64(&b.PacketBandCount),
			ByteBandCount:   atomic.LoadUint64(&b.ByteBandCount),
		})
	}
	return
}
