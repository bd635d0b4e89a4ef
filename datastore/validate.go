/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datastore

import (
	"github.com/gravwell/ofswitch/port"
)

type fieldSpec struct {
	str  bool
	enum []string
	min  uint64
	max  uint64
}

func numSpec(min, max uint64) fieldSpec {
	return fieldSpec{min: min, max: max}
}

func strSpec(enum ...string) fieldSpec {
	return fieldSpec{str: true, enum: enum}
}

// schema is the accepted field set per object kind; reference fields are
// validated separately
var schema = map[Kind]map[string]fieldSpec{
	KindInterface: {
		`type`:    strSpec(`ethernet-dpdk-phy`, `ethernet-rawsock`, `ethernet-bpf`),
		`device`:  strSpec(),
		`mtu`:     numSpec(port.MinMTU, port.MaxMTU),
		`ip-addr`: strSpec(),
	},
	KindPort: {
		`port-number`: numSpec(0, 0xffffff00),
		`interface`:   strSpec(),
		`policer`:     strSpec(),
		`queues`:      strSpec(),
	},
	KindQueue: {
		`type`:                       strSpec(`single-rate`, `two-rate`),
		`priority`:                   numSpec(0, 0xffff),
		`color`:                      strSpec(`color-aware`, `color-blind`),
		`committed-burst-size`:       numSpec(1, 0xffffffff),
		`committed-information-rate`: numSpec(1, 0xffffffff),
		`excess-burst-size`:          numSpec(0, 0xffffffff),
		`peak-burst-size`:            numSpec(0, 0xffffffff),
		`peak-information-rate`:      numSpec(0, 0xffffffff),
	},
	KindPolicer: {
		`actions`:           strSpec(),
		`bandwidth-limit`:   numSpec(1, ^uint64(0)>>1),
		`burst-size-limit`:  numSpec(1, ^uint64(0)>>1),
		`bandwidth-percent`: numSpec(0, 100),
	},
	KindPolicerAction: {
		`type`: strSpec(`discard`),
	},
	KindBridge: {
		`dpid`:  numSpec(0, ^uint64(0)>>1),
		`ports`: strSpec(),
	},
	KindAgent: {
		`channelq-size`:        numSpec(0, 0xffff),
		`channelq-max-batches`: numSpec(0, 0xffff),
	},
}

// validateField rejects unknown fields, wrong types and out of range
// values
func validateField(kind Kind, field string, v interface{}) error {
	kf, ok := schema[kind]
	if !ok {
		return newErr(InvalidArgs, "unknown object kind %s", kind)
	}
	spec, ok := kf[field]
	if !ok {
		return newErr(InvalidArgs, "unknown option -%s", field)
	}
	if spec.str {
		sv, ok := v.(string)
		if !ok {
			return newErr(InvalidArgs, "option -%s wants a string", field)
		}
		if len(spec.enum) == 0 {
			return nil
		}
		// ref edit prefixes are not enum values
		if r, _ := isRefField(kind, field); r {
			return nil
		}
		for _, e := range spec.enum {
			if sv == e {
				return nil
			}
		}
		return newErr(InvalidArgs, "option -%s has invalid value %q", field, sv)
	}
	nv, ok := v.(uint64)
	if !ok {
		return newErr(InvalidArgs, "option -%s wants a number", field)
	}
	if nv < spec.min || nv > spec.max {
		return newErr(OutOfRange, "option -%s value %d is out of range [%d, %d]",
			field, nv, spec.min, spec.max)
	}
	return nil
}
