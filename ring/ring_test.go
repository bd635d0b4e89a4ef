/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ring

import (
	"testing"

	"github.com/gravwell/ofswitch/mbuf"
)

func mkbufs(t *testing.T, p *mbuf.Pool, n int) []*mbuf.Mbuf {
	t.Helper()
	out := make([]*mbuf.Mbuf, n)
	for i := range out {
		if out[i] = p.Get(); out[i] == nil {
			t.Fatal("pool exhausted building test buffers")
		}
	}
	return out
}

func TestSizeRounding(t *testing.T) {
	r, err := New(`t`, 100)
	if err != nil {
		t.Fatal(err)
	}
	if r.Size() != 128 {
		t.Fatalf("expected 128, got %d", r.Size())
	}
	if _, err = New(`t`, 0); err == nil {
		t.Fatal("zero size accepted")
	}
}

func TestPartialEnqueue(t *testing.T) {
	p, err := mbuf.NewPool(`t`, 16)
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(`t`, 4)
	if err != nil {
		t.Fatal(err)
	}
	ms := mkbufs(t, p, 6)
	n := r.Enqueue(ms)
	if n != 4 {
		t.Fatalf("expected partial enqueue of 4, got %d", n)
	}
	// producer keeps ownership of the overflow
	mbuf.FreeAll(ms, n, len(ms))
	out := make([]*mbuf.Mbuf, 8)
	if got := r.Dequeue(out); got != 4 {
		t.Fatalf("expected 4 dequeued, got %d", got)
	}
	mbuf.FreeAll(out, 0, 4)
	if p.Available() != 16 {
		t.Fatalf("leaked buffers, %d free", p.Available())
	}
}

func TestEnqueueBulkAllOrNothing(t *testing.T) {
	p, err := mbuf.NewPool(`t`, 16)
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(`t`, 4)
	if err != nil {
		t.Fatal(err)
	}
	a := mkbufs(t, p, 3)
	if !r.EnqueueBulk(a) {
		t.Fatal("bulk enqueue failed with room available")
	}
	b := mkbufs(t, p, 2)
	if r.EnqueueBulk(b) {
		t.Fatal("bulk enqueue succeeded past capacity")
	}
	if r.Count() != 3 {
		t.Fatalf("count %d", r.Count())
	}
	mbuf.FreeAll(b, 0, len(b))
	out := make([]*mbuf.Mbuf, 4)
	n := r.Dequeue(out)
	mbuf.FreeAll(out, 0, n)
}

func TestSPSCTransfer(t *testing.T) {
	const total = 100000
	p, err := mbuf.NewPool(`t`, 512)
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(`t`, 256)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan int)
	go func() {
		// consumer
		var got int
		buf := make([]*mbuf.Mbuf, 32)
		for got < total {
			n := r.Dequeue(buf)
			for i := 0; i < n; i++ {
				buf[i].Free()
			}
			got += n
		}
		done <- got
	}()
	var sent int
	for sent < total {
		m := p.Get()
		if m == nil {
			continue
		}
		one := []*mbuf.Mbuf{m}
		for r.Enqueue(one) == 0 {
		}
		sent++
	}
	if got := <-done; got != total {
		t.Fatalf("consumer saw %d of %d", got, total)
	}
	if p.Available() != 512 {
		t.Fatalf("leaked buffers, %d free", p.Available())
	}
}
