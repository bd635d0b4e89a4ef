/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policer

import (
	"testing"
	"time"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/stretchr/testify/require"
)

func TestPolicerDiscard(t *testing.T) {
	now := int64(0)
	// 1500 bytes of burst at 1000 bytes per second: the first packet
	// fits, the second colors red and discards
	p, err := New(Params{
		BandwidthLimit: 1000,
		BurstSizeLimit: 1500,
		Actions:        []ActionType{ActionDiscard},
	}, now)
	require.NoError(t, err)
	require.True(t, p.Police(1500, now))
	require.False(t, p.Police(1500, now))
	require.Equal(t, uint64(1), p.Passed())
	require.Equal(t, uint64(1), p.Dropped())
}

// every packet offered to the policer is either passed or dropped,
// never both, never neither
func TestPolicerConservation(t *testing.T) {
	now := int64(0)
	p, err := New(Params{
		BandwidthLimit: 1000,
		BurstSizeLimit: 3000,
		Actions:        []ActionType{ActionDiscard},
	}, now)
	require.NoError(t, err)
	const total = 100
	for i := 0; i < total; i++ {
		p.Police(1500, now)
		now += int64(500 * time.Millisecond)
	}
	require.Equal(t, uint64(total), p.Passed()+p.Dropped())
}

func TestPolicerNoActions(t *testing.T) {
	_, err := New(Params{BandwidthLimit: 1, BurstSizeLimit: 1}, 0)
	require.Equal(t, ErrNoActions, err)
}

func mkpkt(t *testing.T, pool *mbuf.Pool, qid uint32, size int) *mbuf.Mbuf {
	t.Helper()
	m := pool.Get()
	require.NotNil(t, m)
	require.NoError(t, m.SetData(make([]byte, size)))
	m.Desc.Reset(1)
	m.Desc.QueueID = qid
	return m
}

func TestSchedulerStrictPriority(t *testing.T) {
	pool, err := mbuf.NewPool(`t`, 64)
	require.NoError(t, err)
	now := int64(0)
	s, err := NewScheduler([]QueueParams{
		{ID: 1, Priority: 0, Type: SingleRate, CIR: 1 << 30, CBS: 1 << 30, EBS: 1 << 30},
		{ID: 2, Priority: 7, Type: SingleRate, CIR: 1 << 30, CBS: 1 << 30, EBS: 1 << 30},
	}, now)
	require.NoError(t, err)

	var in []*mbuf.Mbuf
	// interleave low and high priority traffic
	for i := 0; i < 4; i++ {
		in = append(in, mkpkt(t, pool, 1, 100))
		in = append(in, mkpkt(t, pool, 2, 100))
	}
	require.Equal(t, 8, s.Enqueue(in, now))

	out := make([]*mbuf.Mbuf, 16)
	n := s.Dequeue(out)
	require.Equal(t, 8, n)
	// every high priority packet releases before any low priority one
	for i := 0; i < 4; i++ {
		require.Equal(t, uint32(2), out[i].Desc.QueueID, "position %d", i)
	}
	for i := 4; i < 8; i++ {
		require.Equal(t, uint32(1), out[i].Desc.QueueID, "position %d", i)
	}
	for i := 0; i < n; i++ {
		out[i].Free()
	}
}

func TestSchedulerRedDrops(t *testing.T) {
	pool, err := mbuf.NewPool(`t`, 64)
	require.NoError(t, err)
	now := int64(0)
	// tiny committed bucket, no excess: the second packet is red
	s, err := NewScheduler([]QueueParams{
		{ID: 1, Priority: 0, Type: SingleRate, CIR: 100, CBS: 150},
	}, now)
	require.NoError(t, err)
	in := []*mbuf.Mbuf{
		mkpkt(t, pool, 1, 100),
		mkpkt(t, pool, 1, 100),
	}
	accepted := s.Enqueue(in, now)
	require.Equal(t, 1, accepted)
	d, err := s.QueueDropped(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), d)
	out := make([]*mbuf.Mbuf, 4)
	n := s.Dequeue(out)
	require.Equal(t, 1, n)
	out[0].Free()
	require.Equal(t, 64, pool.Available())
}

func TestSchedulerDefaultQueue(t *testing.T) {
	pool, err := mbuf.NewPool(`t`, 16)
	require.NoError(t, err)
	now := int64(0)
	s, err := NewScheduler([]QueueParams{
		{ID: 1, Priority: 3, Type: SingleRate, CIR: 10, CBS: 10},
	}, now)
	require.NoError(t, err)
	// queue id zero bypasses the marker entirely
	m := mkpkt(t, pool, 0, 1000)
	require.Equal(t, 1, s.Enqueue([]*mbuf.Mbuf{m}, now))
	out := make([]*mbuf.Mbuf, 4)
	require.Equal(t, 1, s.Dequeue(out))
	out[0].Free()
}

func TestSchedulerDupQueue(t *testing.T) {
	_, err := NewScheduler([]QueueParams{
		{ID: 1, Priority: 0, CIR: 1, CBS: 1},
		{ID: 1, Priority: 1, CIR: 1, CBS: 1},
	}, 0)
	require.Equal(t, ErrDupQueueID, err)
}
