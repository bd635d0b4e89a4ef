/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package meter

import (
	"testing"

	"github.com/netrack/openflow/ofp"
)

// band rates are kbps; rate 1 configures a 125 byte/s marker with a 125
// byte committed bucket, so a 200 byte packet is instantly red
func TestMeterBandSelection(t *testing.T) {
	now := int64(1000)
	m, err := New(7, ofp.MeterFlagStats, []BandSpec{
		{Type: ofp.MeterBandTypeDrop, Rate: 1},
		{Type: ofp.MeterBandTypeDrop, Rate: 1000},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	// small packet passes every band
	if bt, _ := m.Packet(50, now); bt != 0 {
		t.Fatalf("expected pass, got band type %d", bt)
	}
	// oversized for band 0 only; first red band in insertion order
	// wins
	if bt, _ := m.Packet(200, now); bt != ofp.MeterBandTypeDrop {
		t.Fatalf("expected drop band, got %d", bt)
	}
	s := m.Stats()
	if s.InputPacketCount != 2 {
		t.Fatalf("input packets %d", s.InputPacketCount)
	}
	if s.Bands[0].PacketBandCount != 1 {
		t.Fatalf("band0 packets %d", s.Bands[0].PacketBandCount)
	}
	if s.Bands[1].PacketBandCount != 0 {
		t.Fatalf("band1 packets %d", s.Bands[1].PacketBandCount)
	}
	// invariant: band counts never exceed input counts
	if s.Bands[0].PacketBandCount+s.Bands[1].PacketBandCount > s.InputPacketCount {
		t.Fatal("band counters exceed meter input counter")
	}
}

func TestMeterDSCPRemark(t *testing.T) {
	now := int64(0)
	m, err := New(1, 0, []BandSpec{
		{Type: ofp.MeterBandTypeDSCPRemark, Rate: 1, PrecLevel: 2},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	bt, prec := m.Packet(500, now)
	if bt != ofp.MeterBandTypeDSCPRemark {
		t.Fatalf("expected remark band, got %d", bt)
	}
	if prec != 2 {
		t.Fatalf("prec level %d", prec)
	}
	// without OFPMF_STATS no counters move
	s := m.Stats()
	if s.InputPacketCount != 0 || s.Bands[0].PacketBandCount != 0 {
		t.Fatal("stats counted without the stats flag")
	}
}

func TestMeterPacketMode(t *testing.T) {
	now := int64(0)
	// pps mode: rate 2 permits a burst of two packets, the third is
	// red
	m, err := New(2, ofp.MeterFlagPacketPerSec, []BandSpec{
		{Type: ofp.MeterBandTypeDrop, Rate: 2},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if bt, _ := m.Packet(1500, now); bt != 0 {
		t.Fatal("first packet dropped")
	}
	if bt, _ := m.Packet(1500, now); bt != 0 {
		t.Fatal("second packet dropped")
	}
	if bt, _ := m.Packet(1500, now); bt != ofp.MeterBandTypeDrop {
		t.Fatal("third packet passed beyond the packet budget")
	}
}

func TestMeterNoBands(t *testing.T) {
	if _, err := New(1, 0, nil, 0); err != ErrNoBands {
		t.Fatalf("expected ErrNoBands, got %v", err)
	}
}
