/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ofproto

import (
	"sync/atomic"

	"github.com/gravwell/ofswitch/flowcache"
	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/packet"
	"github.com/netrack/openflow/ofp"
)

// Context is the execution environment a worker provides to the
// pipeline: egress, flood expansion, controller punt and normal (learning
// bridge) forwarding. Every consuming method takes ownership of the mbuf.
type Context interface {
	// Output enqueues the packet toward the egress port's TX ring
	Output(m *mbuf.Mbuf, port uint32)

	// FloodPorts returns the egress candidates for flood and all,
	// excluding the input port and ports configured NO_FWD
	FloodPorts(inPort uint32) []uint32

	// PortAlive reports liveness for fast failover watch ports
	PortAlive(port uint32) bool

	// ToController punts the packet to the OpenFlow agent channel
	ToController(m *mbuf.Mbuf)

	// Normal forwards with learning bridge semantics
	Normal(m *mbuf.Mbuf)

	// Now is the meter clock
	Now() int64
}

// Plan is a materialized resolution: the flow entries matched across the
// table chain, executed in order on cache hits without further lookups
type Plan struct {
	Flows []*Flow
}

// Cache is the per-worker flow cache instantiation
type Cache = flowcache.Cache[*Plan]

// NewCache builds a per-worker cache
func NewCache() *Cache {
	return flowcache.New[*Plan]()
}

// Pipeline binds one bridge's flowtables to a worker execution
// environment
type Pipeline struct {
	db  *FlowDB
	env Context

	drops  uint64
	misses uint64
}

func NewPipeline(db *FlowDB, env Context) *Pipeline {
	return &Pipeline{
		db:  db,
		env: env,
	}
}

func (p *Pipeline) FlowDB() *FlowDB {
	return p.db
}

// Drops returns packets dropped by table miss; drops by a TTL action or
// a meter band are not counted here
func (p *Pipeline) Drops() uint64 {
	return atomic.LoadUint64(&p.drops)
}

type execCtx struct {
	db       *FlowDB
	env      Context
	now      int64
	metadata uint64
	tunnelID uint64
	set      actionSet
}

// Process runs match-and-action for one packet. The packet descriptor
// must already be initialized. The flowtable read lock is held only for
// the duration of this packet's resolution and execution, so cache reads
// never delay a flowtable update for long.
func (p *Pipeline) Process(m *mbuf.Mbuf, cache *Cache) {
	if p.db.Mode() == ModeStandalone {
		p.env.Normal(m)
		return
	}
	p.db.RLock()
	defer p.db.RUnlock()

	e := execCtx{db: p.db, env: p.env, now: p.env.Now()}

	var fp uint64
	var havefp bool
	if cache != nil {
		if b := m.Data(); len(b) >= flowcache.FingerprintLen {
			fp = flowcache.Fingerprint(b[:flowcache.FingerprintLen], m.Desc.InPort)
			havefp = true
			if plan, ok := cache.Get(fp); ok {
				e.run(plan, m)
				return
			}
		}
	}
	plan := e.resolve(m)
	if plan == nil {
		atomic.AddUint64(&p.drops, 1)
		atomic.AddUint64(&p.misses, 1)
		m.Free()
		return
	}
	if havefp {
		cache.Put(fp, plan)
	}
	e.run(plan, m)
}

const maxTableChain = 64

// resolve walks the table chain for the packet and materializes the plan
func (e *execCtx) resolve(m *mbuf.Mbuf) *Plan {
	var flows []*Flow
	var metadata uint64
	table := uint8(0)
	for i := 0; i < maxTableChain; i++ {
		t := e.db.tables[table]
		if t == nil {
			break
		}
		f := t.lookup(matchArgs{m: m, metadata: metadata, tunnelID: e.tunnelID})
		if f == nil {
			break
		}
		flows = append(flows, f)
		if wm := f.Instr.WriteMetadata; wm != nil {
			metadata = metadata&^wm.Mask | wm.Metadata&wm.Mask
		}
		if f.Instr.GotoTable == nil {
			break
		}
		table = *f.Instr.GotoTable
	}
	if len(flows) == 0 {
		return nil
	}
	return &Plan{Flows: flows}
}

// run executes a plan against the packet, consuming it
func (e *execCtx) run(plan *Plan, m *mbuf.Mbuf) {
	e.set.clear()
	e.metadata = 0
	for i, f := range plan.Flows {
		f.account(m.Len())
		if !e.instructions(f, m, i == len(plan.Flows)-1) {
			return
		}
	}
	e.finish(m)
}

// instructions executes one entry's instruction set; false means the
// packet was consumed or dropped
func (e *execCtx) instructions(f *Flow, m *mbuf.Mbuf, last bool) bool {
	ins := &f.Instr
	if ins.Meter != 0 {
		if mt := e.db.meters[ins.Meter]; mt != nil {
			bt, prec := mt.Packet(uint32(m.Len()), e.now)
			switch bt {
			case ofp.MeterBandTypeDrop:
				m.Free()
				return false
			case ofp.MeterBandTypeDSCPRemark:
				remarkDSCP(m, prec)
			}
		}
	}
	for i, a := range ins.ApplyActions {
		switch act := a.(type) {
		case ActionOutput:
			// the final output of the pipeline takes the packet
			// itself, earlier outputs forward a copy
			if last && i == len(ins.ApplyActions)-1 && e.set.empty() {
				e.output(m, act.Port, true)
				return false
			}
			e.output(m, act.Port, false)
		case ActionGroup:
			if g := e.db.group(act.ID); g != nil {
				if last && i == len(ins.ApplyActions)-1 && e.set.empty() {
					e.executeGroup(g, m)
					return false
				}
				if c := m.Copy(); c != nil {
					e.executeGroup(g, c)
				}
			}
		default:
			e.execute(a, m)
			if m.Desc.Drop {
				m.Free()
				return false
			}
		}
	}
	if ins.ClearActions {
		e.set.clear()
	}
	for _, a := range ins.WriteActions {
		e.set.write(a)
	}
	if wm := ins.WriteMetadata; wm != nil {
		e.metadata = e.metadata&^wm.Mask | wm.Metadata&wm.Mask
	}
	return true
}

// finish applies the accumulated action set in the OpenFlow 1.3 order
// and consumes the packet
func (e *execCtx) finish(m *mbuf.Mbuf) {
	s := &e.set
	if s.empty() {
		m.Free()
		return
	}
	for _, a := range s.ordered() {
		switch act := a.(type) {
		case ActionGroup:
			if g := e.db.group(act.ID); g != nil {
				e.executeGroup(g, m)
				return
			}
			m.Free()
			return
		case ActionOutput:
			e.output(m, act.Port, true)
			return
		default:
			e.execute(a, m)
			if m.Desc.Drop {
				m.Free()
				return
			}
		}
	}
	// action set had no consuming action
	m.Free()
}

// output dispatches the packet toward a port, expanding the reserved
// ports. When consume is false the original continues through the
// pipeline and a copy is forwarded instead.
func (e *execCtx) output(m *mbuf.Mbuf, port ofp.PortNo, consume bool) {
	switch port {
	case ofp.PortFlood, ofp.PortAll:
		for _, p := range e.env.FloodPorts(m.Desc.InPort) {
			if c := m.Copy(); c != nil {
				e.env.Output(c, p)
			}
		}
		if consume {
			m.Free()
		}
	case ofp.PortController:
		if consume {
			e.env.ToController(m)
		} else if c := m.Copy(); c != nil {
			e.env.ToController(c)
		}
	case ofp.PortNormal:
		if consume {
			e.env.Normal(m)
		} else if c := m.Copy(); c != nil {
			e.env.Normal(c)
		}
	case ofp.PortIn:
		e.forward(m, m.Desc.InPort, consume)
	case ofp.PortTable, ofp.PortAny, ofp.PortLocal:
		// not meaningful from the pipeline
		if consume {
			m.Free()
		}
	default:
		e.forward(m, uint32(port), consume)
	}
}

func (e *execCtx) forward(m *mbuf.Mbuf, port uint32, consume bool) {
	if consume {
		e.env.Output(m, port)
		return
	}
	if c := m.Copy(); c != nil {
		e.env.Output(c, port)
	}
}

// remarkDSCP raises the drop precedence bits of the DSCP field as
// directed by a dscp-remark meter band
func remarkDSCP(m *mbuf.Mbuf, prec uint8) {
	b := m.Data()
	if dscp, ok := dscpOf(&m.Desc, b); ok {
		packet.SetDSCP(m, dscp&^0x07|prec&0x07)
	}
}

// actionSet is the write-actions accumulator: at most one action per
// type, applied in the OpenFlow 1.3 5.10 order at the end of the
// pipeline
type actionSet struct {
	copyTTLIn  Action
	popVlan    Action
	popMPLS    Action
	popPBB     Action
	pushMPLS   Action
	pushPBB    Action
	pushVlan   Action
	copyTTLOut Action
	decMPLSTTL Action
	decNwTTL   Action
	setMPLSTTL Action
	setNwTTL   Action
	fields     []Action
	setQueue   Action
	group      Action
	output     Action
}

func (s *actionSet) clear() {
	*s = actionSet{}
}

func (s *actionSet) empty() bool {
	return s.group == nil && s.output == nil && s.copyTTLIn == nil &&
		s.popVlan == nil && s.popMPLS == nil && s.popPBB == nil &&
		s.pushMPLS == nil && s.pushPBB == nil && s.pushVlan == nil &&
		s.copyTTLOut == nil && s.decMPLSTTL == nil && s.decNwTTL == nil &&
		s.setMPLSTTL == nil && s.setNwTTL == nil && s.setQueue == nil &&
		len(s.fields) == 0
}

// write stores an action, overwriting a previous action of the same type
func (s *actionSet) write(a Action) {
	switch act := a.(type) {
	case ActionCopyTTLIn:
		s.copyTTLIn = a
	case ActionPopVlan:
		s.popVlan = a
	case ActionPopMPLS:
		s.popMPLS = a
	case ActionPopPBB:
		s.popPBB = a
	case ActionPushMPLS:
		s.pushMPLS = a
	case ActionPushPBB:
		s.pushPBB = a
	case ActionPushVlan:
		s.pushVlan = a
	case ActionCopyTTLOut:
		s.copyTTLOut = a
	case ActionDecMPLSTTL:
		s.decMPLSTTL = a
	case ActionDecNwTTL:
		s.decNwTTL = a
	case ActionSetMPLSTTL:
		s.setMPLSTTL = a
	case ActionSetNwTTL:
		s.setNwTTL = a
	case ActionSetField:
		for i := range s.fields {
			if s.fields[i].(ActionSetField).Field == act.Field {
				s.fields[i] = a
				return
			}
		}
		s.fields = append(s.fields, a)
	case ActionSetQueue:
		s.setQueue = a
	case ActionGroup:
		s.group = a
	case ActionOutput:
		s.output = a
	}
}

// ordered renders the set in the 5.10 execution order; group suppresses
// output
func (s *actionSet) ordered() (out []Action) {
	add := func(a Action) {
		if a != nil {
			out = append(out, a)
		}
	}
	add(s.copyTTLIn)
	add(s.popVlan)
	add(s.popMPLS)
	add(s.popPBB)
	add(s.pushMPLS)
	add(s.pushPBB)
	add(s.pushVlan)
	add(s.copyTTLOut)
	add(s.decMPLSTTL)
	add(s.decNwTTL)
	add(s.setMPLSTTL)
	add(s.setNwTTL)
	out = append(out, s.fields...)
	add(s.setQueue)
	if s.group != nil {
		add(s.group)
		return
	}
	add(s.output)
	return
}

// MeterCheck exposes the per-flow meter path for a packet length without
// running the pipeline; used by stats and tests
func (p *Pipeline) MeterCheck(id uint32, length uint32) (ofp.MeterBandType, uint8, error) {
	p.db.RLock()
	defer p.db.RUnlock()
	mt, ok := p.db.meters[id]
	if !ok {
		return 0, 0, ErrNoMeter
	}
	bt, prec := mt.Packet(length, p.env.Now())
	return bt, prec, nil
}
