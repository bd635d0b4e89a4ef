/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the switch daemon configuration: pipeline
// tunables, lcore layout and the statically configured interfaces,
// ports and bridges.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/gravwell/gcfg"
	"github.com/gravwell/ofswitch/dataplane"
	"github.com/gravwell/ofswitch/driver"
	"github.com/inhies/go-bytesize"
)

const (
	kb = 1024
	mb = 1024 * kb

	maxConfigSize int64 = 4 * mb

	defaultLogLevel = `INFO`
)

const (
	envLogLevel string = `OFSWITCH_LOG_LEVEL`
	envDataDir  string = `OFSWITCH_DATA_DIR`
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrInvalidLogLevel    = errors.New("Invalid Log Level")
	ErrNoInterfaces       = errors.New("No interfaces specified")
	ErrMissingDevice      = errors.New("Interface is missing a device")
)

type global struct {
	Log_Level       string
	Log_File        string
	Data_Dir        string
	Fifoness        string
	Mempool_Buffers int
	Ring_Rx_Size    int
	Ring_Tx_Size    int
	Burst_Size      int
	Lcore_Roles     []string
	No_Flow_Cache   bool
	ChannelQ_Size   int
}

type ifaceCfg struct {
	Type        string
	Device      string
	MTU         int
	IP_Addr     string
	Promisc     bool
	Bridge      string
	Port_Number uint
}

type queueCfg struct {
	Type                       string
	Priority                   uint
	Color                      string
	Committed_Information_Rate string
	Committed_Burst_Size       string
	Excess_Burst_Size          string
	Peak_Information_Rate      string
	Peak_Burst_Size            string
}

type policerCfg struct {
	Bandwidth_Limit  string
	Burst_Size_Limit string
	Action           []string
}

// Config is the daemon configuration as parsed from the gcfg file
type Config struct {
	Global global
	Bridge map[string]*struct {
		DPID uint64
	}
	Interface map[string]*ifaceCfg
	Queue     map[string]*queueCfg
	Policer   map[string]*policerCfg
}

// LoadConfigFile parses the configuration file
func LoadConfigFile(p string) (*Config, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var c Config
	if err = gcfg.ReadStringInto(&c, string(b)); err != nil {
		return nil, err
	}
	if err = c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) loadDefaults() error {
	if err := LoadEnvVar(&c.Global.Log_Level, envLogLevel, defaultLogLevel); err != nil {
		return err
	}
	return LoadEnvVar(&c.Global.Data_Dir, envDataDir, ``)
}

// Verify validates the configuration and fills defaults
func (c *Config) Verify() error {
	if err := c.loadDefaults(); err != nil {
		return err
	}
	c.Global.Log_Level = strings.ToUpper(strings.TrimSpace(c.Global.Log_Level))
	switch c.Global.Log_Level {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`:
	default:
		return ErrInvalidLogLevel
	}
	if _, err := c.Fifoness(); err != nil {
		return err
	}
	if _, err := c.LcoreRoles(); err != nil {
		return err
	}
	for _, ic := range c.Interface {
		if ic == nil || ic.Device == `` {
			return ErrMissingDevice
		}
		if _, err := driver.ParseType(c.ifaceType(ic)); err != nil {
			return err
		}
	}
	for _, qc := range c.Queue {
		if qc == nil {
			continue
		}
		if _, err := ParseSize(qc.Committed_Information_Rate); err != nil {
			return err
		}
		if _, err := ParseSize(qc.Committed_Burst_Size); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) ifaceType(ic *ifaceCfg) string {
	if ic.Type == `` {
		return `ethernet-rawsock`
	}
	return ic.Type
}

// Fifoness resolves the worker selection policy
func (c *Config) Fifoness() (dataplane.Fifoness, error) {
	return dataplane.ParseFifoness(strings.ToLower(strings.TrimSpace(c.Global.Fifoness)))
}

// LcoreRoles resolves the per-core role list
func (c *Config) LcoreRoles() ([]dataplane.Role, error) {
	var out []dataplane.Role
	for _, s := range c.Global.Lcore_Roles {
		r, err := dataplane.ParseRole(strings.ToLower(strings.TrimSpace(s)))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Dataplane renders the pipeline tunables
func (c *Config) Dataplane() (dc dataplane.Config, err error) {
	if dc.Fifoness, err = c.Fifoness(); err != nil {
		return
	}
	if dc.Roles, err = c.LcoreRoles(); err != nil {
		return
	}
	dc.RingRxSize = c.Global.Ring_Rx_Size
	dc.RingTxSize = c.Global.Ring_Tx_Size
	dc.BurstIORxRead = c.Global.Burst_Size
	dc.BurstIORxWrite = c.Global.Burst_Size
	dc.BurstWorkerRead = c.Global.Burst_Size
	dc.BurstWorkerWrite = c.Global.Burst_Size
	dc.BurstIOTxRead = c.Global.Burst_Size
	dc.BurstIOTxWrite = c.Global.Burst_Size
	dc.NoCache = c.Global.No_Flow_Cache
	dc.ChannelQSize = c.Global.ChannelQ_Size
	return
}

// MempoolBuffers returns the packet pool sizing
func (c *Config) MempoolBuffers() int {
	return c.Global.Mempool_Buffers
}

// ParseSize accepts human friendly rate and size values such as "1MB"
// or a bare byte count
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == `` {
		return 0, nil
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	v, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}
