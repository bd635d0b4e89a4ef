/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package driver

import (
	"testing"
)

func TestParseType(t *testing.T) {
	cases := []struct {
		in   string
		want Type
		ok   bool
	}{
		{`ethernet-dpdk-phy`, TypeEthernetPhy, true},
		{`ethernet-rawsock`, TypeEthernetRawsock, true},
		{`ethernet-bpf`, TypeEthernetBPF, true},
		{`token-ring`, TypeUnknown, false},
		{``, TypeUnknown, false},
	}
	for _, c := range cases {
		got, err := ParseType(c.in)
		if (err == nil) != c.ok {
			t.Fatalf("%q: err %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("%q: got %v", c.in, got)
		}
	}
}

func TestTypeRoundTrip(t *testing.T) {
	for _, ty := range []Type{TypeEthernetPhy, TypeEthernetRawsock, TypeEthernetBPF} {
		got, err := ParseType(ty.String())
		if err != nil || got != ty {
			t.Fatalf("%v round trip gave %v, %v", ty, got, err)
		}
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(Config{Type: TypeEthernetRawsock}); err != ErrBadDevice {
		t.Fatalf("empty device gave %v", err)
	}
	if _, err := Open(Config{Type: Type(99), Device: `eth0`}); err != ErrUnsupported {
		t.Fatalf("unknown backend gave %v", err)
	}
}

func TestUnsupportedCounter(t *testing.T) {
	if Unsupported != ^uint64(0) {
		t.Fatal("unsupported marker must be UINT64_MAX")
	}
}
