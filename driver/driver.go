/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package driver provides the unified burst RX, burst TX, link status
// and stats contract over the physical (AF_PACKET mmap), raw socket and
// BPF back ends. The pipeline never branches on back end identity; the
// capability set is fixed when the interface is configured and lives on
// the returned handle.
package driver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gravwell/ofswitch/mbuf"
)

type Type int

const (
	TypeUnknown Type = iota
	TypeEthernetPhy
	TypeEthernetRawsock
	TypeEthernetBPF
)

func (t Type) String() string {
	switch t {
	case TypeEthernetPhy:
		return `ethernet-dpdk-phy`
	case TypeEthernetRawsock:
		return `ethernet-rawsock`
	case TypeEthernetBPF:
		return `ethernet-bpf`
	}
	return `unknown`
}

// ParseType resolves the datastore interface type names
func ParseType(s string) (Type, error) {
	switch s {
	case `ethernet-dpdk-phy`:
		return TypeEthernetPhy, nil
	case `ethernet-rawsock`:
		return TypeEthernetRawsock, nil
	case `ethernet-bpf`:
		return TypeEthernetBPF, nil
	}
	return TypeUnknown, fmt.Errorf("unknown interface type %q", s)
}

// Feature is the capability set of a back end
type Feature uint32

const (
	// FeatureTxChecksum means the back end finishes checksums flagged
	// on the mbuf; without it the pipeline recomputes in software
	FeatureTxChecksum Feature = 1 << iota

	// FeatureLinkEvents means the back end delivers link state change
	// callbacks; without it the port's link state is set once when the
	// interface is enabled and nothing polls it afterwards
	FeatureLinkEvents
)

// Link is the result of a link status query
type Link struct {
	Up         bool
	Speed      uint64 // Mbps, zero when unknown
	FullDuplex bool
}

// Stats are raw device counters. Counters a back end cannot provide are
// set to Unsupported.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	RxDropped uint64
	TxDropped uint64
	RxErrors  uint64
	TxErrors  uint64
}

// Unsupported marks a counter the underlying driver does not keep
const Unsupported = ^uint64(0)

// LinkCallback is invoked by back ends with FeatureLinkEvents whenever
// the device link transitions
type LinkCallback func(up bool)

// Config carries everything a back end needs to attach a device
type Config struct {
	Type    Type
	Device  string
	MTU     int
	Promisc bool
	Pool    *mbuf.Pool

	// OnLinkChange is optional; only FeatureLinkEvents back ends use it
	OnLinkChange LinkCallback
}

// Handle is one attached device. RxBurst and TxBurst are owned by the
// I/O lcores the port is assigned to; the remaining operations belong to
// the configuration plane.
type Handle interface {
	// Start brings the device up for I/O
	Start() error

	// Stop quiesces the device; RxBurst returns zero afterwards
	Stop() error

	// Close releases the device
	Close() error

	// RxBurst fills up to len(ms) freshly allocated mbufs and returns
	// the count received; it never blocks
	RxBurst(ms []*mbuf.Mbuf) int

	// TxBurst transmits ms and returns the count accepted; the caller
	// frees ms[sent:]
	TxBurst(ms []*mbuf.Mbuf) int

	// LinkStatus reports the current link state
	LinkStatus() Link

	// Stats returns device counters
	Stats() (Stats, error)

	SetMTU(mtu int) error
	SetPromisc(on bool) error
	HWAddr() net.HardwareAddr
	Features() Feature
}

var (
	ErrUnsupported = errors.New("interface type not supported on this platform")
	ErrBadDevice   = errors.New("invalid device name")

	regMtx sync.Mutex
	opener = map[Type]func(Config) (Handle, error){}
)

// register installs a back end constructor; called from platform init
func register(t Type, fn func(Config) (Handle, error)) {
	regMtx.Lock()
	opener[t] = fn
	regMtx.Unlock()
}

// Open attaches a device through the back end named by cfg.Type
func Open(cfg Config) (Handle, error) {
	if cfg.Device == `` {
		return nil, ErrBadDevice
	}
	regMtx.Lock()
	fn, ok := opener[cfg.Type]
	regMtx.Unlock()
	if !ok {
		return nil, ErrUnsupported
	}
	return fn(cfg)
}
