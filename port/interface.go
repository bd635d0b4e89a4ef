/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package port implements the port, interface and bridge lifecycle: NIC
// attach and detach, queue and policer binding, MTU and promiscuous
// configuration and link state supervision.
package port

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gravwell/ofswitch/driver"
	"github.com/gravwell/ofswitch/mbuf"
)

const (
	MinMTU = 64
	MaxMTU = mbuf.MaxPacketSize
)

var (
	ErrMTUOutOfRange = errors.New("mtu out of range")
	ErrInUse         = errors.New("object is in use")
	ErrNotAttached   = errors.New("interface is not attached")
	ErrAttached      = errors.New("interface is already attached")
)

// InterfaceConfig mirrors the datastore interface object fields
type InterfaceConfig struct {
	Type    driver.Type
	Device  string
	MTU     int
	IPAddr  net.IP
	Promisc bool
}

// Interface is a driver-level device attachment. A port exclusively owns
// its interface; the interface keeps a non-owning back reference.
type Interface struct {
	Name string

	mtx     sync.Mutex
	cfg     InterfaceConfig
	handle  driver.Handle
	port    *Port
	enabled bool
}

// NewInterface validates the configuration; the device is not touched
// until Configure
func NewInterface(name string, cfg InterfaceConfig) (*Interface, error) {
	if cfg.MTU == 0 {
		cfg.MTU = 1500
	}
	if cfg.MTU < MinMTU || cfg.MTU > MaxMTU {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrMTUOutOfRange, cfg.MTU, MinMTU, MaxMTU)
	}
	return &Interface{
		Name: name,
		cfg:  cfg,
	}, nil
}

// Configure attaches the device through its back end. The link change
// callback drives the owning port's state when the back end supports it.
func (i *Interface) Configure(pool *mbuf.Pool) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.handle != nil {
		return ErrAttached
	}
	h, err := driver.Open(driver.Config{
		Type:    i.cfg.Type,
		Device:  i.cfg.Device,
		MTU:     i.cfg.MTU,
		Promisc: i.cfg.Promisc,
		Pool:    pool,
		OnLinkChange: func(up bool) {
			if p := i.Port(); p != nil {
				p.LinkChanged(up)
			}
		},
	})
	if err != nil {
		return err
	}
	i.handle = h
	return nil
}

// Unconfigure stops and releases the device
func (i *Interface) Unconfigure() error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.handle == nil {
		return nil
	}
	err := i.handle.Close()
	i.handle = nil
	i.enabled = false
	return err
}

// Enable starts device I/O
func (i *Interface) Enable() error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.handle == nil {
		return ErrNotAttached
	}
	if err := i.handle.Start(); err != nil {
		return err
	}
	i.enabled = true
	return nil
}

// Disable stops device I/O
func (i *Interface) Disable() error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.handle == nil {
		return ErrNotAttached
	}
	if err := i.handle.Stop(); err != nil {
		return err
	}
	i.enabled = false
	return nil
}

// SetMTU validates and applies an MTU change; an unsupported driver
// reports the error to the caller who warns only
func (i *Interface) SetMTU(mtu int) error {
	if mtu < MinMTU || mtu > MaxMTU {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrMTUOutOfRange, mtu, MinMTU, MaxMTU)
	}
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.cfg.MTU = mtu
	if i.handle != nil {
		return i.handle.SetMTU(mtu)
	}
	return nil
}

// MTU returns the configured MTU
func (i *Interface) MTU() int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.cfg.MTU
}

// Config returns a copy of the interface configuration
func (i *Interface) Config() InterfaceConfig {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.cfg
}

// Handle returns the driver handle, nil when unconfigured
func (i *Interface) Handle() driver.Handle {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.handle
}

// Port returns the owning port, nil when detached
func (i *Interface) Port() *Port {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.port
}

func (i *Interface) setPort(p *Port) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if p != nil && i.port != nil {
		return ErrInUse
	}
	i.port = p
	return nil
}

// InUse reports whether a port owns this interface
func (i *Interface) InUse() bool {
	return i.Port() != nil
}
