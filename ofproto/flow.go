/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ofproto

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
)

const (
	// MaxTables is the number of flowtables a bridge carries
	MaxTables = 255
)

var (
	ErrNoTable      = errors.New("no such table")
	ErrNoGroup      = errors.New("no such group")
	ErrNoMeter      = errors.New("no such meter")
	ErrGroupExists  = errors.New("group already exists")
	ErrMeterExists  = errors.New("meter already exists")
	ErrBadGoto      = errors.New("goto table must move forward")
	ErrFlowNotFound = errors.New("flow entry not found")
)

// SwitchMode selects how the bridge behaves when no controller drives it
type SwitchMode int32

const (
	// ModeOpenFlow runs the flowtable pipeline
	ModeOpenFlow SwitchMode = iota
	// ModeStandalone forwards every packet with learning bridge
	// semantics, used when the controller connection is lost
	ModeStandalone
)

// WriteMetadata carries the write-metadata instruction operands
type WriteMetadata struct {
	Metadata uint64
	Mask     uint64
}

// Instructions is the instruction set of one flow entry. Order of
// execution follows OpenFlow 1.3: meter, apply-actions, clear-actions,
// write-actions, write-metadata, goto-table.
type Instructions struct {
	Meter         uint32 // 0 = none
	ApplyActions  []Action
	ClearActions  bool
	WriteActions  []Action
	WriteMetadata *WriteMetadata
	GotoTable     *uint8
}

// Flow is one flow entry. Entries are immutable once inserted; a
// modification replaces the entry. Counters are atomic because cached
// plans execute entries from multiple workers.
type Flow struct {
	Priority uint16
	Cookie   uint64
	Match    Match
	Instr    Instructions

	packetCount uint64
	byteCount   uint64
}

func (f *Flow) account(n int) {
	atomic.AddUint64(&f.packetCount, 1)
	atomic.AddUint64(&f.byteCount, uint64(n))
}

// Counters returns the packet and byte counts for the entry
func (f *Flow) Counters() (packets, bytes uint64) {
	return atomic.LoadUint64(&f.packetCount), atomic.LoadUint64(&f.byteCount)
}

// Table is one flowtable: entries sorted by descending priority
type Table struct {
	id      uint8
	flows   []*Flow
	lookups uint64
	matched uint64
}

func (t *Table) lookup(m matchArgs) *Flow {
	atomic.AddUint64(&t.lookups, 1)
	for _, f := range t.flows {
		if f.Match.Matches(m.m, m.metadata, m.tunnelID) {
			atomic.AddUint64(&t.matched, 1)
			return f
		}
	}
	return nil
}

// FlowDB holds the flowtables, groups and meters of one bridge. Readers
// are the workers, taking the read lock for the duration of one packet's
// resolution; writers are configuration plane only. Every mutation bumps
// the generation counter so workers purge their caches.
type FlowDB struct {
	mtx    sync.RWMutex
	gen    atomic.Uint64
	mode   atomic.Int32
	tables [MaxTables + 1]*Table
	groups map[uint32]*Group
	meters map[uint32]*meter.Meter
}

func NewFlowDB() *FlowDB {
	db := &FlowDB{
		groups: make(map[uint32]*Group),
		meters: make(map[uint32]*meter.Meter),
	}
	db.tables[0] = &Table{id: 0}
	return db
}

// RLock takes the flowtable read lock for one packet resolution
func (db *FlowDB) RLock() {
	db.mtx.RLock()
}

func (db *FlowDB) RUnlock() {
	db.mtx.RUnlock()
}

// Generation returns the current flowtable revision; workers compare it
// against their cache generation at flush ticks
func (db *FlowDB) Generation() uint64 {
	return db.gen.Load()
}

func (db *FlowDB) bump() {
	db.gen.Add(1)
}

// Mode returns the current switch mode
func (db *FlowDB) Mode() SwitchMode {
	return SwitchMode(db.mode.Load())
}

// SetMode switches between OpenFlow and standalone forwarding
func (db *FlowDB) SetMode(m SwitchMode) {
	db.mode.Store(int32(m))
	db.bump()
}

// AddFlow inserts an entry into the given table, keeping entries sorted
// by descending priority; equal priorities keep insertion order
func (db *FlowDB) AddFlow(tableID uint8, f *Flow) error {
	if f.Instr.GotoTable != nil && *f.Instr.GotoTable <= tableID {
		return ErrBadGoto
	}
	db.mtx.Lock()
	defer db.mtx.Unlock()
	t := db.tables[tableID]
	if t == nil {
		t = &Table{id: tableID}
		db.tables[tableID] = t
	}
	t.flows = append(t.flows, f)
	sort.SliceStable(t.flows, func(i, j int) bool {
		return t.flows[i].Priority > t.flows[j].Priority
	})
	db.bump()
	return nil
}

// DeleteFlow removes an exact entry
func (db *FlowDB) DeleteFlow(tableID uint8, f *Flow) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	t := db.tables[tableID]
	if t == nil {
		return ErrNoTable
	}
	for i := range t.flows {
		if t.flows[i] == f {
			t.flows = append(t.flows[:i], t.flows[i+1:]...)
			db.bump()
			return nil
		}
	}
	return ErrFlowNotFound
}

// FlushTable drops every entry of a table
func (db *FlowDB) FlushTable(tableID uint8) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	t := db.tables[tableID]
	if t == nil {
		return ErrNoTable
	}
	t.flows = nil
	db.bump()
	return nil
}

// AddGroup registers a group entry
func (db *FlowDB) AddGroup(g *Group) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.groups[g.ID]; ok {
		return ErrGroupExists
	}
	db.groups[g.ID] = g
	db.bump()
	return nil
}

// DeleteGroup removes a group entry
func (db *FlowDB) DeleteGroup(id uint32) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.groups[id]; !ok {
		return ErrNoGroup
	}
	delete(db.groups, id)
	db.bump()
	return nil
}

func (db *FlowDB) group(id uint32) *Group {
	return db.groups[id]
}

// AddMeter registers a meter; flow entries reference it by id
func (db *FlowDB) AddMeter(m *meter.Meter) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.meters[m.ID]; ok {
		return ErrMeterExists
	}
	db.meters[m.ID] = m
	db.bump()
	return nil
}

// DeleteMeter removes a meter
func (db *FlowDB) DeleteMeter(id uint32) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.meters[id]; !ok {
		return ErrNoMeter
	}
	delete(db.meters, id)
	db.bump()
	return nil
}

// Meter returns a registered meter for stats reporting
func (db *FlowDB) Meter(id uint32) (*meter.Meter, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	m, ok := db.meters[id]
	if !ok {
		return nil, ErrNoMeter
	}
	return m, nil
}

// TableStats reports lookup and match counters for one table
func (db *FlowDB) TableStats(tableID uint8) (lookups, matched uint64, flows int, err error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	t := db.tables[tableID]
	if t == nil {
		err = ErrNoTable
		return
	}
	return atomic.LoadUint64(&t.lookups), atomic.LoadUint64(&t.matched), len(t.flows), nil
}

type matchArgs struct {
	m        *mbuf.Mbuf
	metadata uint64
	tunnelID uint64
}
