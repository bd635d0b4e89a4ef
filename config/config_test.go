/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravwell/ofswitch/dataplane"
)

const testConfig = `
[Global]
	Log-Level = INFO
	Fifoness = flow
	Burst-Size = 32
	Ring-Rx-Size = 1024
	Ring-Tx-Size = 1024
	Lcore-Roles = io
	Lcore-Roles = worker
	Lcore-Roles = worker

[Bridge "br0"]
	DPID = 1

[Interface "if0"]
	Type = ethernet-rawsock
	Device = veth0
	MTU = 1500
	Bridge = br0

[Queue "q-hi"]
	Type = single-rate
	Priority = 7
	Color = color-blind
	Committed-Information-Rate = 1MB
	Committed-Burst-Size = 64KB

[Policer "pol0"]
	Bandwidth-Limit = 1MB
	Burst-Size-Limit = 64KB
	Action = discard
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), `ofswitch.conf`)
	if err := os.WriteFile(p, []byte(body), 0660); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigFile(t *testing.T) {
	c, err := LoadConfigFile(writeConfig(t, testConfig))
	if err != nil {
		t.Fatal(err)
	}
	f, err := c.Fifoness()
	if err != nil || f != dataplane.FifonessFlow {
		t.Fatalf("fifoness %v err %v", f, err)
	}
	roles, err := c.LcoreRoles()
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 3 || roles[0] != dataplane.RoleIO || roles[1] != dataplane.RoleWorker {
		t.Fatalf("roles %v", roles)
	}
	ic := c.Interface[`if0`]
	if ic == nil || ic.Device != `veth0` || ic.MTU != 1500 || ic.Bridge != `br0` {
		t.Fatalf("interface %+v", ic)
	}
	if c.Bridge[`br0`] == nil || c.Bridge[`br0`].DPID != 1 {
		t.Fatal("bridge not parsed")
	}
	dc, err := c.Dataplane()
	if err != nil {
		t.Fatal(err)
	}
	if dc.RingRxSize != 1024 || dc.BurstWorkerRead != 32 {
		t.Fatalf("dataplane config %+v", dc)
	}
}

func TestVerifyRejectsBadLevel(t *testing.T) {
	bad := `
[Global]
	Log-Level = NOISY
`
	if _, err := LoadConfigFile(writeConfig(t, bad)); err != ErrInvalidLogLevel {
		t.Fatalf("expected ErrInvalidLogLevel, got %v", err)
	}
}

func TestVerifyRejectsMissingDevice(t *testing.T) {
	bad := `
[Interface "if0"]
	Type = ethernet-rawsock
`
	if _, err := LoadConfigFile(writeConfig(t, bad)); err != ErrMissingDevice {
		t.Fatalf("expected ErrMissingDevice, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{`1500`, 1500},
		{`1KB`, 1024},
		{``, 0},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("%q: got %d", c.in, got)
		}
	}
	if _, err := ParseSize(`garbage`); err == nil {
		t.Fatal("garbage size accepted")
	}
}
