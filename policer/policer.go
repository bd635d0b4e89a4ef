/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package policer implements the per-egress-port rate policer and the
// priority queue scheduler used for shaped output.
package policer

import (
	"errors"
	"sync/atomic"

	"github.com/gravwell/ofswitch/meter"
)

// ActionType is a policer action executed when a packet colors red.
// Discard is the only action currently defined.
type ActionType uint8

const (
	ActionDiscard ActionType = iota
)

func (a ActionType) String() string {
	if a == ActionDiscard {
		return `discard`
	}
	return `unknown`
}

var (
	ErrNoActions = errors.New("policer has no actions")
)

// Params configure a port policer. BandwidthLimit is bytes per second
// applied to the port's aggregate egress traffic.
type Params struct {
	BandwidthLimit uint64
	BurstSizeLimit uint64
	Actions        []ActionType
}

// Policer applies a single-rate marker unconditionally to a port's
// aggregate egress. It is owned by the port's TX thread; counters may be
// read by the configuration plane as torn-but-monotonic snapshots.
type Policer struct {
	tcm     *meter.SrTCM
	actions []ActionType

	passed  uint64
	dropped uint64
}

func New(p Params, now int64) (*Policer, error) {
	if len(p.Actions) == 0 {
		return nil, ErrNoActions
	}
	tcm, err := meter.NewSrTCM(meter.SrTCMParams{
		CIR: p.BandwidthLimit,
		CBS: p.BurstSizeLimit,
	}, now)
	if err != nil {
		return nil, err
	}
	return &Policer{
		tcm:     tcm,
		actions: p.Actions,
	}, nil
}

// Police marks one packet against the port's aggregate rate and reports
// whether it may be transmitted. Red packets run the policer action
// chain; discard reports false.
func (p *Policer) Police(length uint32, now int64) bool {
	if p.tcm.ColorBlindCheck(now, length) == meter.Red {
		for _, a := range p.actions {
			if a == ActionDiscard {
				atomic.AddUint64(&p.dropped, 1)
				return false
			}
		}
	}
	atomic.AddUint64(&p.passed, 1)
	return true
}

// Passed returns the count of packets admitted by the policer
func (p *Policer) Passed() uint64 {
	return atomic.LoadUint64(&p.passed)
}

// Dropped returns the count of packets discarded by the policer
func (p *Policer) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}
