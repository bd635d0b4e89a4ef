/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"fmt"
	"sync"

	"github.com/gravwell/ofswitch/dataplane"
	"github.com/gravwell/ofswitch/datastore"
	"github.com/gravwell/ofswitch/driver"
	"github.com/gravwell/ofswitch/log"
	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
	"github.com/gravwell/ofswitch/policer"
	"github.com/gravwell/ofswitch/port"
)

// applier realizes committed datastore objects in the live core. It
// keeps the desired attribute sets and reconciles after every change so
// objects may be committed in any order.
type applier struct {
	lg    *log.Logger
	pool  *mbuf.Pool
	ports *port.Table
	dp    *dataplane.Dataplane

	mtx sync.Mutex

	ifaceDesired map[string]datastore.Attrs
	ifaceUp      map[string]bool
	ifaces       map[string]*port.Interface

	portDesired map[string]datastore.Attrs
	portUp      map[string]bool
	portObjs    map[string]*port.Port
	attached    map[string]bool

	queueDesired  map[string]datastore.Attrs
	policerDes    map[string]datastore.Attrs
	actionDesired map[string]string

	bridgeDesired map[string]datastore.Attrs
	bridges       map[string]*port.Bridge
}

func newApplier(lg *log.Logger, pool *mbuf.Pool, ports *port.Table, dp *dataplane.Dataplane) *applier {
	return &applier{
		lg:            lg,
		pool:          pool,
		ports:         ports,
		dp:            dp,
		ifaceDesired:  make(map[string]datastore.Attrs),
		ifaceUp:       make(map[string]bool),
		ifaces:        make(map[string]*port.Interface),
		portDesired:   make(map[string]datastore.Attrs),
		portUp:        make(map[string]bool),
		portObjs:      make(map[string]*port.Port),
		attached:      make(map[string]bool),
		queueDesired:  make(map[string]datastore.Attrs),
		policerDes:    make(map[string]datastore.Attrs),
		actionDesired: make(map[string]string),
		bridgeDesired: make(map[string]datastore.Attrs),
		bridges:       make(map[string]*port.Bridge),
	}
}

// Bridge exposes a realized bridge to the rest of the daemon
func (a *applier) Bridge(name string) *port.Bridge {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.bridges[name]
}

func (a *applier) Apply(kind datastore.Kind, name string, attrs datastore.Attrs, enabled bool) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	switch kind {
	case datastore.KindInterface:
		a.ifaceDesired[name] = attrs
		a.ifaceUp[name] = enabled
	case datastore.KindPort:
		a.portDesired[name] = attrs
		a.portUp[name] = enabled
	case datastore.KindQueue:
		a.queueDesired[name] = attrs
	case datastore.KindPolicer:
		a.policerDes[name] = attrs
	case datastore.KindPolicerAction:
		a.actionDesired[name] = attrs.String(`type`)
	case datastore.KindBridge:
		a.bridgeDesired[name] = attrs
	case datastore.KindAgent:
		// channel queue sizing is fixed at daemon start
		return nil
	default:
		return fmt.Errorf("unknown object kind %s", kind)
	}
	return a.reconcile()
}

func (a *applier) Remove(kind datastore.Kind, name string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	switch kind {
	case datastore.KindInterface:
		delete(a.ifaceDesired, name)
		delete(a.ifaceUp, name)
		if ifp := a.ifaces[name]; ifp != nil {
			ifp.Unconfigure()
			delete(a.ifaces, name)
		}
	case datastore.KindPort:
		delete(a.portDesired, name)
		delete(a.portUp, name)
		if p := a.portObjs[name]; p != nil {
			if a.attached[name] {
				a.dp.DetachPort(p)
			}
			if br := p.Bridge(); br != nil {
				br.DeletePort(p)
			}
			p.DetachInterface()
			a.ports.Remove(p.ID())
			delete(a.portObjs, name)
			delete(a.attached, name)
		}
	case datastore.KindQueue:
		delete(a.queueDesired, name)
	case datastore.KindPolicer:
		delete(a.policerDes, name)
	case datastore.KindPolicerAction:
		delete(a.actionDesired, name)
	case datastore.KindBridge:
		delete(a.bridgeDesired, name)
		delete(a.bridges, name)
	}
	return a.reconcile()
}

// reconcile links whatever became resolvable: interfaces to drivers,
// ports to interfaces, bridges and the dataplane
func (a *applier) reconcile() error {
	for name, attrs := range a.bridgeDesired {
		if a.bridges[name] == nil {
			a.bridges[name] = port.NewBridge(name, attrs.Uint(`dpid`))
		}
	}
	for name, attrs := range a.ifaceDesired {
		if err := a.reconcileInterface(name, attrs); err != nil {
			return err
		}
	}
	for name, attrs := range a.portDesired {
		if err := a.reconcilePort(name, attrs); err != nil {
			return err
		}
	}
	for name, attrs := range a.bridgeDesired {
		br := a.bridges[name]
		for _, pname := range attrs.Strings(`ports`) {
			p := a.portObjs[pname]
			if p == nil || p.Bridge() == br {
				continue
			}
			ofport := a.portDesired[pname].Uint(`port-number`)
			if err := br.AddPort(p, uint32(ofport)); err != nil {
				return err
			}
		}
	}
	// dataplane attachment happens last, once a port has its interface
	// and bridge
	for name, p := range a.portObjs {
		if a.attached[name] || p.Interface() == nil || p.Bridge() == nil {
			continue
		}
		if !a.portUp[name] {
			continue
		}
		if err := a.dp.AttachPort(p); err != nil {
			return err
		}
		a.attached[name] = true
	}
	return nil
}

func (a *applier) reconcileInterface(name string, attrs datastore.Attrs) error {
	ifp := a.ifaces[name]
	if ifp == nil {
		t, err := driver.ParseType(attrs.String(`type`))
		if err != nil {
			return err
		}
		cfg := port.InterfaceConfig{
			Type:    t,
			Device:  attrs.String(`device`),
			MTU:     int(attrs.Uint(`mtu`)),
			Promisc: true,
		}
		if ifp, err = port.NewInterface(name, cfg); err != nil {
			return err
		}
		a.ifaces[name] = ifp
	} else if mtu := int(attrs.Uint(`mtu`)); mtu != 0 && mtu != ifp.MTU() {
		if err := ifp.SetMTU(mtu); err != nil {
			// unsupported MTU changes warn only
			a.lg.Warn("failed to set mtu", log.KV("interface", name), log.KVErr(err))
		}
	}
	if a.ifaceUp[name] && ifp.Handle() == nil {
		if err := ifp.Configure(a.pool); err != nil {
			return err
		}
		if err := ifp.Enable(); err != nil {
			return err
		}
		if p := ifp.Port(); p != nil {
			p.LinkChanged(true)
		}
	}
	return nil
}

func (a *applier) reconcilePort(name string, attrs datastore.Attrs) error {
	p := a.portObjs[name]
	if p == nil {
		p = port.NewPort(name, uint32(attrs.Uint(`port-number`)))
		if _, err := a.ports.Insert(p); err != nil {
			return err
		}
		a.portObjs[name] = p
	}
	if iname := attrs.String(`interface`); iname != `` {
		if ifp := a.ifaces[iname]; ifp != nil && p.Interface() != ifp {
			if err := p.AttachInterface(ifp); err != nil {
				return err
			}
			if ifp.Handle() != nil {
				p.LinkChanged(true)
			}
		}
	}
	if pname := attrs.String(`policer`); pname != `` {
		pol, err := a.buildPolicer(pname)
		if err != nil {
			return err
		}
		p.SetPolicer(pol)
	} else {
		p.SetPolicer(nil)
	}
	qs, err := a.buildQueues(attrs.Strings(`queues`))
	if err != nil {
		return err
	}
	return p.SetQueues(qs)
}

func (a *applier) buildPolicer(name string) (*policer.Policer, error) {
	attrs, ok := a.policerDes[name]
	if !ok {
		return nil, fmt.Errorf("policer %s is not defined", name)
	}
	var acts []policer.ActionType
	for _, an := range attrs.Strings(`actions`) {
		switch a.actionDesired[an] {
		case `discard`:
			acts = append(acts, policer.ActionDiscard)
		default:
			return nil, fmt.Errorf("policer-action %s is not defined", an)
		}
	}
	return policer.New(policer.Params{
		BandwidthLimit: attrs.Uint(`bandwidth-limit`),
		BurstSizeLimit: attrs.Uint(`burst-size-limit`),
		Actions:        acts,
	}, meter.Now())
}

func (a *applier) buildQueues(names []string) ([]policer.QueueParams, error) {
	var out []policer.QueueParams
	for i, qn := range names {
		attrs, ok := a.queueDesired[qn]
		if !ok {
			return nil, fmt.Errorf("queue %s is not defined", qn)
		}
		qp := policer.QueueParams{
			ID:         uint32(i + 1),
			Priority:   uint16(attrs.Uint(`priority`)),
			ColorAware: attrs.String(`color`) == `color-aware`,
			CIR:        attrs.Uint(`committed-information-rate`),
			CBS:        attrs.Uint(`committed-burst-size`),
		}
		if attrs.String(`type`) == `two-rate` {
			qp.Type = policer.TwoRate
			qp.PIR = attrs.Uint(`peak-information-rate`)
			qp.PBS = attrs.Uint(`peak-burst-size`)
		} else {
			qp.Type = policer.SingleRate
			qp.EBS = attrs.Uint(`excess-burst-size`)
		}
		out = append(out, qp)
	}
	return out, nil
}
