/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package meter implements single-rate and two-rate three color markers
// and the OpenFlow per-flow meter built on top of them.
package meter

import (
	"errors"
	"time"
)

type Color uint8

const (
	Green Color = iota
	Yellow
	Red
)

func (c Color) String() string {
	switch c {
	case Green:
		return `green`
	case Yellow:
		return `yellow`
	case Red:
		return `red`
	}
	return `unknown`
}

var (
	ErrBadRate  = errors.New("committed information rate must be greater than zero")
	ErrBadBurst = errors.New("committed burst size must be greater than zero")
)

// Now returns the marker clock in nanoseconds. Checks take the clock as a
// parameter so tests can drive virtual time.
func Now() int64 {
	return time.Now().UnixNano()
}

// SrTCMParams configure a single-rate three color marker (RFC 2697).
// Rates are bytes per second, bursts are bytes; in packet mode the caller
// scales everything to packets.
type SrTCMParams struct {
	CIR uint64
	CBS uint64
	EBS uint64
}

// SrTCM is a single-rate three color marker. Not safe for concurrent use.
type SrTCM struct {
	cir uint64
	cbs uint64
	ebs uint64

	tc   uint64
	te   uint64
	last int64
}

// NewSrTCM builds a marker with full buckets
func NewSrTCM(p SrTCMParams, now int64) (*SrTCM, error) {
	if p.CIR == 0 {
		return nil, ErrBadRate
	}
	if p.CBS == 0 {
		return nil, ErrBadBurst
	}
	return &SrTCM{
		cir:  p.CIR,
		cbs:  p.CBS,
		ebs:  p.EBS,
		tc:   p.CBS,
		te:   p.EBS,
		last: now,
	}, nil
}

func (m *SrTCM) update(now int64) {
	if now <= m.last {
		return
	}
	tok := uint64(float64(now-m.last) * float64(m.cir) / float64(time.Second))
	if tok == 0 {
		return
	}
	m.last = now
	m.tc += tok
	if m.tc > m.cbs {
		m.te += m.tc - m.cbs
		m.tc = m.cbs
		if m.te > m.ebs {
			m.te = m.ebs
		}
	}
}

// ColorBlindCheck marks one packet of the given length
func (m *SrTCM) ColorBlindCheck(now int64, length uint32) Color {
	m.update(now)
	n := uint64(length)
	if n <= m.tc {
		m.tc -= n
		return Green
	}
	if n <= m.te {
		m.te -= n
		return Yellow
	}
	return Red
}

// ColorAwareCheck marks one packet respecting its incoming color
func (m *SrTCM) ColorAwareCheck(now int64, length uint32, in Color) Color {
	if in == Red {
		return Red
	}
	m.update(now)
	n := uint64(length)
	if in == Green && n <= m.tc {
		m.tc -= n
		return Green
	}
	if n <= m.te {
		m.te -= n
		return Yellow
	}
	return Red
}

// TrTCMParams configure a two-rate three color marker. Committed buckets
// refill at CIR up to CBS, peak buckets at PIR up to PBS.
type TrTCMParams struct {
	CIR uint64
	CBS uint64
	PIR uint64
	PBS uint64
}

// TrTCM is a two-rate three color marker. Not safe for concurrent use.
type TrTCM struct {
	cir uint64
	cbs uint64
	pir uint64
	pbs uint64

	tc   uint64
	tp   uint64
	last int64
}

func NewTrTCM(p TrTCMParams, now int64) (*TrTCM, error) {
	if p.CIR == 0 || p.PIR == 0 {
		return nil, ErrBadRate
	}
	if p.CBS == 0 || p.PBS == 0 {
		return nil, ErrBadBurst
	}
	return &TrTCM{
		cir:  p.CIR,
		cbs:  p.CBS,
		pir:  p.PIR,
		pbs:  p.PBS,
		tc:   p.CBS,
		tp:   p.PBS,
		last: now,
	}, nil
}

func (m *TrTCM) update(now int64) {
	if now <= m.last {
		return
	}
	elapsed := float64(now-m.last) / float64(time.Second)
	ctok := uint64(elapsed * float64(m.cir))
	ptok := uint64(elapsed * float64(m.pir))
	if ctok == 0 && ptok == 0 {
		return
	}
	m.last = now
	if m.tc += ctok; m.tc > m.cbs {
		m.tc = m.cbs
	}
	if m.tp += ptok; m.tp > m.pbs {
		m.tp = m.pbs
	}
}

// ColorBlindCheck marks one packet of the given length
func (m *TrTCM) ColorBlindCheck(now int64, length uint32) Color {
	m.update(now)
	n := uint64(length)
	if n > m.tp {
		return Red
	}
	m.tp -= n
	if n > m.tc {
		return Yellow
	}
	m.tc -= n
	return Green
}

// ColorAwareCheck marks one packet respecting its incoming color
func (m *TrTCM) ColorAwareCheck(now int64, length uint32, in Color) Color {
	if in == Red {
		return Red
	}
	m.update(now)
	n := uint64(length)
	if n > m.tp {
		return Red
	}
	m.tp -= n
	if in == Yellow || n > m.tc {
		return Yellow
	}
	m.tc -= n
	return Green
}
