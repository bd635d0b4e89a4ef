/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policer

import (
	"errors"
	"sort"

	"github.com/gravwell/ofswitch/mbuf"
	"github.com/gravwell/ofswitch/meter"
)

const (
	// depth of each scheduler queue in packets
	defaultQueueDepth = 256
)

var (
	ErrDupQueueID = errors.New("duplicate queue id")
	ErrNoQueue    = errors.New("no such queue")
)

// RateType selects the marker model for a shaping queue
type RateType uint8

const (
	SingleRate RateType = iota
	TwoRate
)

// QueueParams configure one egress shaping queue. Rates are bytes per
// second, bursts bytes. EBS applies to single-rate queues, PIR/PBS to
// two-rate queues.
type QueueParams struct {
	ID         uint32
	Priority   uint16
	ColorAware bool
	Type       RateType

	CIR uint64
	CBS uint64
	EBS uint64
	PIR uint64
	PBS uint64
}

type queue struct {
	id       uint32
	priority uint16
	aware    bool

	sr *meter.SrTCM
	tr *meter.TrTCM

	fifo    []*mbuf.Mbuf
	head    int
	deficit int

	dropped uint64
}

func (q *queue) count() int {
	return len(q.fifo) - q.head
}

func (q *queue) color(length uint32, now int64, in meter.Color) meter.Color {
	if q.tr != nil {
		if q.aware {
			return q.tr.ColorAwareCheck(now, length, in)
		}
		return q.tr.ColorBlindCheck(now, length)
	}
	if q.aware {
		return q.sr.ColorAwareCheck(now, length, in)
	}
	return q.sr.ColorBlindCheck(now, length)
}

// Scheduler provides strict priority between levels and deficit round
// robin within a level across a port's shaping queues. It is owned by
// the port's TX thread; no internal locking.
type Scheduler struct {
	queues  []*queue          // sorted by descending priority
	byID    map[uint32]*queue
	quantum int
}

// NewScheduler builds a scheduler over the given queues. Queue id 0 is
// reserved for the default (unshaped) traffic class; packets with queue
// id 0 skip the markers and are queued on the lowest priority queue.
func NewScheduler(params []QueueParams, now int64) (*Scheduler, error) {
	s := &Scheduler{
		byID:    make(map[uint32]*queue, len(params)),
		quantum: mbuf.MaxPacketSize,
	}
	for _, p := range params {
		if _, ok := s.byID[p.ID]; ok {
			return nil, ErrDupQueueID
		}
		q := &queue{
			id:       p.ID,
			priority: p.Priority,
			aware:    p.ColorAware,
			fifo:     make([]*mbuf.Mbuf, 0, defaultQueueDepth),
		}
		var err error
		if p.Type == TwoRate {
			q.tr, err = meter.NewTrTCM(meter.TrTCMParams{
				CIR: p.CIR, CBS: p.CBS, PIR: p.PIR, PBS: p.PBS,
			}, now)
		} else {
			q.sr, err = meter.NewSrTCM(meter.SrTCMParams{
				CIR: p.CIR, CBS: p.CBS, EBS: p.EBS,
			}, now)
		}
		if err != nil {
			return nil, err
		}
		s.queues = append(s.queues, q)
		s.byID[p.ID] = q
	}
	sort.SliceStable(s.queues, func(i, j int) bool {
		return s.queues[i].priority > s.queues[j].priority
	})
	return s, nil
}

// HasQueue reports whether the scheduler shapes the given queue id
func (s *Scheduler) HasQueue(id uint32) bool {
	_, ok := s.byID[id]
	return ok
}

// Enqueue colors each packet against its queue's marker and inserts it.
// Red packets and packets overflowing their queue are freed. Returns the
// number of packets accepted.
func (s *Scheduler) Enqueue(ms []*mbuf.Mbuf, now int64) (accepted int) {
	for _, m := range ms {
		var q *queue
		if m.Desc.QueueID != 0 {
			var ok bool
			if q, ok = s.byID[m.Desc.QueueID]; ok {
				c := q.color(uint32(m.Len()), now, meter.Color(m.Desc.Color))
				if c == meter.Red {
					q.dropped++
					m.Free()
					continue
				}
				m.Desc.Color = uint8(c)
			}
		}
		if q == nil {
			// default traffic class rides the lowest priority
			// queue without coloring
			if len(s.queues) == 0 {
				m.Free()
				continue
			}
			q = s.queues[len(s.queues)-1]
		}
		if q.count() >= defaultQueueDepth {
			q.dropped++
			m.Free()
			continue
		}
		q.fifo = append(q.fifo, m)
		accepted++
	}
	return
}

// Dequeue releases up to len(out) packets: strictly higher priority
// levels drain first, equal priority queues share by deficit round robin
// in quantum bytes.
func (s *Scheduler) Dequeue(out []*mbuf.Mbuf) (n int) {
	i := 0
	for i < len(s.queues) && n < len(out) {
		// gather the run of queues at this priority level
		j := i
		for j < len(s.queues) && s.queues[j].priority == s.queues[i].priority {
			j++
		}
		n += s.drainLevel(s.queues[i:j], out[n:])
		i = j
	}
	return
}

func (s *Scheduler) drainLevel(level []*queue, out []*mbuf.Mbuf) (n int) {
	pending := 0
	for _, q := range level {
		pending += q.count()
	}
	for pending > 0 && n < len(out) {
		progress := false
		for _, q := range level {
			if q.count() == 0 {
				continue
			}
			q.deficit += s.quantum
			for q.count() > 0 && n < len(out) {
				m := q.fifo[q.head]
				if m.Len() > q.deficit {
					break
				}
				q.deficit -= m.Len()
				q.fifo[q.head] = nil
				q.head++
				out[n] = m
				n++
				pending--
				progress = true
			}
			if q.count() == 0 {
				q.fifo = q.fifo[:0]
				q.head = 0
				q.deficit = 0
			}
		}
		if !progress {
			break
		}
	}
	return
}

// QueueDropped returns the drop counter for a queue id
func (s *Scheduler) QueueDropped(id uint32) (uint64, error) {
	q, ok := s.byID[id]
	if !ok {
		return 0, ErrNoQueue
	}
	return q.dropped, nil
}

// Backlog returns the total number of packets waiting in all queues
func (s *Scheduler) Backlog() (n int) {
	for _, q := range s.queues {
		n += q.count()
	}
	return
}
