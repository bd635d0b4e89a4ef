/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datastore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil, filepath.Join(t.TempDir(), `datastore.db`))
}

func TestCreateGetDestroy(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(KindInterface, `if0`, Attrs{
		`type`:   `ethernet-rawsock`,
		`device`: `eth0`,
		`mtu`:    uint64(1500),
	})
	require.NoError(t, err)
	cur, err := s.Get(KindInterface, `if0`, Current)
	require.NoError(t, err)
	require.Equal(t, `eth0`, cur.String(`device`))
	require.Equal(t, uint64(1500), cur.Uint(`mtu`))

	// duplicate names collide
	err = s.Create(KindInterface, `if0`, nil)
	require.Equal(t, AlreadyExists, KindOf(err))

	require.NoError(t, s.Destroy(KindInterface, `if0`))
	_, err = s.Get(KindInterface, `if0`, Current)
	require.Equal(t, NotFound, KindOf(err))

	// create; destroy; create yields a working object again
	require.NoError(t, s.Create(KindInterface, `if0`, Attrs{
		`type`:   `ethernet-rawsock`,
		`device`: `eth0`,
	}))
}

func TestConfigIdempotence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindInterface, `if0`, Attrs{
		`type`: `ethernet-rawsock`, `device`: `eth0`,
	}))
	require.NoError(t, s.Config(KindInterface, `if0`, Attrs{`mtu`: uint64(9000)}))
	a1, err := s.Get(KindInterface, `if0`, Current)
	require.NoError(t, err)
	require.NoError(t, s.Config(KindInterface, `if0`, Attrs{`mtu`: uint64(9000)}))
	a2, err := s.Get(KindInterface, `if0`, Current)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

// transaction abort restores the pre-transaction view exactly
func TestAtomicAbort(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindPort, `p1`, Attrs{`interface`: `eth0`}))

	require.NoError(t, s.Begin())
	require.Equal(t, StateAtomic, s.State())
	require.NoError(t, s.Config(KindPort, `p1`, Attrs{`interface`: `eth1`}))

	mod, err := s.Get(KindPort, `p1`, Modified)
	require.NoError(t, err)
	require.Equal(t, `eth1`, mod.String(`interface`))

	// current is unreadable while the transaction holds edits
	_, err = s.Get(KindPort, `p1`, Current)
	require.Error(t, err)
	require.Contains(t, err.Error(), `Not set current.`)

	require.NoError(t, s.Abort())
	cur, err := s.Get(KindPort, `p1`, Current)
	require.NoError(t, err)
	require.Equal(t, `eth0`, cur.String(`interface`))
}

func TestAtomicCommit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindPort, `p1`, Attrs{`interface`: `eth0`}))
	require.NoError(t, s.Begin())
	require.NoError(t, s.Config(KindPort, `p1`, Attrs{`interface`: `eth1`}))
	require.NoError(t, s.Commit())
	require.Equal(t, StateAutoCommit, s.State())
	cur, err := s.Get(KindPort, `p1`, Current)
	require.NoError(t, err)
	require.Equal(t, `eth1`, cur.String(`interface`))
}

// objects created inside an aborted transaction disappear
func TestAbortRemovesCreated(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Begin())
	require.NoError(t, s.Create(KindBridge, `b0`, nil))
	require.NoError(t, s.Abort())
	_, err := s.Get(KindBridge, `b0`, Current)
	require.Equal(t, NotFound, KindOf(err))
}

func TestDestroyInUseRefused(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindInterface, `i`, Attrs{
		`type`: `ethernet-rawsock`, `device`: `eth0`,
	}))
	require.NoError(t, s.Create(KindPort, `p`, Attrs{`interface`: `i`}))
	require.NoError(t, s.Create(KindBridge, `b`, Attrs{`ports`: `+p`}))

	err := s.Destroy(KindPort, `p`)
	require.Equal(t, NotOperational, KindOf(err))
	de := err.(*Error)
	require.Equal(t, `name = :p: is used.`, de.Msg)

	// interface is held by the port the same way
	err = s.Destroy(KindInterface, `i`)
	require.Equal(t, NotOperational, KindOf(err))

	// release the chain top down
	require.NoError(t, s.Destroy(KindBridge, `b`))
	require.NoError(t, s.Destroy(KindPort, `p`))
	require.NoError(t, s.Destroy(KindInterface, `i`))
}

func TestDryrunIsolation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindInterface, `if0`, Attrs{
		`type`: `ethernet-rawsock`, `device`: `eth0`, `mtu`: uint64(1500),
	}))
	require.NoError(t, s.EnterDryrun())
	require.NoError(t, s.Config(KindInterface, `if0`, Attrs{`mtu`: uint64(9000)}))

	// the edit is visible on modified
	mod, err := s.Get(KindInterface, `if0`, Modified)
	require.NoError(t, err)
	require.Equal(t, uint64(9000), mod.Uint(`mtu`))

	// the live view still reports the committed value
	cur, err := s.Get(KindInterface, `if0`, Current)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), cur.Uint(`mtu`))

	require.NoError(t, s.ExitDryrun())
	_, err = s.Get(KindInterface, `if0`, Modified)
	require.Error(t, err)
}

func TestMTUBounds(t *testing.T) {
	s := newTestStore(t)
	mk := func(mtu uint64) error {
		defer s.Destroy(KindInterface, `x`)
		return s.Create(KindInterface, `x`, Attrs{
			`type`: `ethernet-rawsock`, `device`: `eth0`, `mtu`: mtu,
		})
	}
	require.Equal(t, OutOfRange, KindOf(mk(63)))
	require.NoError(t, mk(64))
	require.NoError(t, mk(9216))
	require.Equal(t, OutOfRange, KindOf(mk(9217)))
}

func TestRefListEdits(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindBridge, `b`, Attrs{`ports`: `+p1`}))
	require.NoError(t, s.Config(KindBridge, `b`, Attrs{`ports`: `+p2`}))
	cur, err := s.Get(KindBridge, `b`, Current)
	require.NoError(t, err)
	require.Equal(t, []string{`p1`, `p2`}, cur.Strings(`ports`))

	// duplicate add is rejected
	err = s.Config(KindBridge, `b`, Attrs{`ports`: `+p1`})
	require.Equal(t, AlreadyExists, KindOf(err))

	require.NoError(t, s.Config(KindBridge, `b`, Attrs{`ports`: `~p1`}))
	cur, err = s.Get(KindBridge, `b`, Current)
	require.NoError(t, err)
	require.Equal(t, []string{`p2`}, cur.Strings(`ports`))

	// removing a missing entry fails
	err = s.Config(KindBridge, `b`, Attrs{`ports`: `~zz`})
	require.Equal(t, NotFound, KindOf(err))
}

func TestValidation(t *testing.T) {
	s := newTestStore(t)
	// unknown option
	err := s.Create(KindQueue, `q`, Attrs{`bogus`: uint64(1)})
	require.Equal(t, InvalidArgs, KindOf(err))
	// bad enum
	err = s.Create(KindQueue, `q`, Attrs{`type`: `three-rate`})
	require.Equal(t, InvalidArgs, KindOf(err))
	// priority out of range
	err = s.Create(KindQueue, `q`, Attrs{`priority`: uint64(70000)})
	require.Equal(t, OutOfRange, KindOf(err))
	// empty and oversized names
	require.Equal(t, TooShort, KindOf(s.Create(KindQueue, ``, nil)))
	require.Equal(t, TooLong, KindOf(s.Create(KindQueue, strings.Repeat(`q`, 300), nil)))
}

func TestSaveRollback(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindInterface, `if0`, Attrs{
		`type`: `ethernet-rawsock`, `device`: `eth0`, `mtu`: uint64(1500),
	}))
	require.NoError(t, s.Save())
	// drift the live config, then force a rollback to the snapshot
	require.NoError(t, s.Config(KindInterface, `if0`, Attrs{`mtu`: uint64(9000)}))
	require.NoError(t, s.Rollback(true))
	cur, err := s.Get(KindInterface, `if0`, Current)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), cur.Uint(`mtu`))
	require.Equal(t, `eth0`, cur.String(`device`))
}

func TestResponseEnvelope(t *testing.T) {
	b := MarshalResponse(nil, `done`)
	require.Equal(t, `{"ret":"OK","data":"done"}`, string(b))
	b = MarshalResponse(newErr(NotOperational, "name = :p: is used."), nil)
	require.Equal(t, `{"ret":"NOT_OPERATIONAL","data":"name = :p: is used."}`, string(b))
}

func TestEscapeName(t *testing.T) {
	require.Equal(t, `plain`, EscapeName(`plain`))
	require.Equal(t, `"with space"`, EscapeName(`with space`))
	require.Equal(t, `"say \"hi\""`, EscapeName(`say "hi"`))
}

func TestExport(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(KindInterface, `if0`, Attrs{
		`type`: `ethernet-rawsock`, `device`: `eth0`, `mtu`: uint64(1500),
	}))
	require.NoError(t, s.Enable(KindInterface, `if0`))
	require.NoError(t, s.Create(KindBridge, `br 0`, Attrs{`ports`: `+p1`}))
	out := filepath.Join(t.TempDir(), `export.conf`)
	require.NoError(t, s.Export(out))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(b)
	require.Contains(t, text, `interface if0 create -device eth0 -mtu 1500 -type ethernet-rawsock`)
	require.Contains(t, text, `interface if0 enable`)
	// names with whitespace serialize quoted
	require.Contains(t, text, `bridge "br 0" create -ports +p1`)
}
