/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dataplane

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/cpu"
)

// Role is the function bound to one logical core
type Role int

const (
	RoleDisabled Role = iota
	RoleIO
	RoleWorker
	RoleIOWorker
)

func (r Role) String() string {
	switch r {
	case RoleDisabled:
		return `disabled`
	case RoleIO:
		return `io`
	case RoleWorker:
		return `worker`
	case RoleIOWorker:
		return `io-worker`
	}
	return `unknown`
}

// ParseRole resolves a role name from configuration
func ParseRole(s string) (Role, error) {
	switch s {
	case `disabled`, ``:
		return RoleDisabled, nil
	case `io`:
		return RoleIO, nil
	case `worker`:
		return RoleWorker, nil
	case `io-worker`, `mixed`:
		return RoleIOWorker, nil
	}
	return RoleDisabled, fmt.Errorf("unknown lcore role %q", s)
}

// Fifoness is the worker selection policy, trading packet ordering
// against load balance
type Fifoness int

const (
	// FifonessNone spreads packets round robin within a burst
	FifonessNone Fifoness = iota
	// FifonessPort binds all packets of an input port to one worker
	FifonessPort
	// FifonessFlow hashes the leading header bytes so packets of one
	// flow always share a worker
	FifonessFlow
)

func (f Fifoness) String() string {
	switch f {
	case FifonessNone:
		return `none`
	case FifonessPort:
		return `port`
	case FifonessFlow:
		return `flow`
	}
	return `unknown`
}

// ParseFifoness resolves a policy name from configuration
func ParseFifoness(s string) (Fifoness, error) {
	switch s {
	case `none`:
		return FifonessNone, nil
	case `port`:
		return FifonessPort, nil
	case `flow`, ``:
		return FifonessFlow, nil
	}
	return FifonessNone, fmt.Errorf("unknown fifoness %q", s)
}

const (
	defaultBurst       = 32
	defaultRingRxSize  = 1024
	defaultRingTxSize  = 1024
	defaultIOFlush     = 100
	defaultWorkerFlush = 1000
	defaultUpdateCount = 200 * 10000

	defaultChannelQSize = 1000
)

var (
	ErrNoCores   = errors.New("no active lcores configured")
	ErrNoWorkers = errors.New("no worker lcores configured")
	ErrNoIOCores = errors.New("no io lcores configured")
	ErrBadBurst  = errors.New("burst size must be greater than zero")
)

// Config tunes the pipeline scheduler
type Config struct {
	Fifoness Fifoness

	// per stage burst sizes
	BurstIORxRead    int
	BurstIORxWrite   int
	BurstWorkerRead  int
	BurstWorkerWrite int
	BurstIOTxRead    int
	BurstIOTxWrite   int

	RingRxSize int
	RingTxSize int

	// loop cadence: pending flush, and the stop / flowtable
	// generation checks
	IOFlushCount     uint64
	WorkerFlushCount uint64
	UpdateCount      uint64

	// ChannelQSize bounds the packet-in queue toward the agent
	ChannelQSize int

	// NoCache disables the per-worker flow cache
	NoCache bool

	// Roles assigns a role per logical core; empty derives a layout
	// from the machine
	Roles []Role
}

// Defaults fills unset values and derives an lcore layout when none is
// given: one I/O core and the remainder workers, or a single mixed core
// on small machines.
func (c *Config) Defaults() error {
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setInt(&c.BurstIORxRead, defaultBurst)
	setInt(&c.BurstIORxWrite, defaultBurst)
	setInt(&c.BurstWorkerRead, defaultBurst)
	setInt(&c.BurstWorkerWrite, defaultBurst)
	setInt(&c.BurstIOTxRead, defaultBurst)
	setInt(&c.BurstIOTxWrite, defaultBurst)
	setInt(&c.RingRxSize, defaultRingRxSize)
	setInt(&c.RingTxSize, defaultRingTxSize)
	setInt(&c.ChannelQSize, defaultChannelQSize)
	if c.IOFlushCount == 0 {
		c.IOFlushCount = defaultIOFlush
	}
	if c.WorkerFlushCount == 0 {
		c.WorkerFlushCount = defaultWorkerFlush
	}
	if c.UpdateCount == 0 {
		c.UpdateCount = defaultUpdateCount
	}
	if c.BurstIORxRead < 0 || c.BurstWorkerRead < 0 {
		return ErrBadBurst
	}
	if len(c.Roles) == 0 {
		n, err := cpu.Counts(true)
		if err != nil || n < 1 {
			n = 1
		}
		switch {
		case n >= 3:
			c.Roles = make([]Role, n)
			c.Roles[0] = RoleIO
			for i := 1; i < n; i++ {
				c.Roles[i] = RoleWorker
			}
		default:
			c.Roles = []Role{RoleIOWorker}
		}
	}
	return c.validate()
}

func (c *Config) validate() error {
	var workers, ios int
	for _, r := range c.Roles {
		switch r {
		case RoleWorker:
			workers++
		case RoleIO:
			ios++
		case RoleIOWorker:
			workers++
			ios++
		}
	}
	if workers+ios == 0 {
		return ErrNoCores
	}
	if workers == 0 {
		return ErrNoWorkers
	}
	if ios == 0 {
		return ErrNoIOCores
	}
	return nil
}
