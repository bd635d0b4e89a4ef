/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package driver

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/gravwell/ofswitch/mbuf"
	"golang.org/x/sys/unix"
)

func init() {
	register(TypeEthernetRawsock, openRawsock)
}

// rsHandle is the raw socket back end: a non-blocking AF_PACKET SOCK_RAW
// socket bound to one device. No mmap ring and no link callbacks; link
// state is not polled either.
type rsHandle struct {
	name string
	pool *mbuf.Pool
	idx  int
	hw   net.HardwareAddr

	mtx     sync.Mutex
	fd      int
	running bool

	rxPackets uint64
	rxBytes   uint64
	rxDropped uint64
	txPackets uint64
	txBytes   uint64
	txErrors  uint64
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func openRawsock(cfg Config) (Handle, error) {
	ifc, err := net.InterfaceByName(cfg.Device)
	if err != nil {
		return nil, err
	}
	h := &rsHandle{
		name: cfg.Device,
		pool: cfg.Pool,
		idx:  ifc.Index,
		hw:   ifc.HardwareAddr,
		fd:   -1,
	}
	if cfg.MTU > 0 {
		if err = h.SetMTU(cfg.MTU); err != nil {
			return nil, err
		}
	}
	if cfg.Promisc {
		if err = h.SetPromisc(true); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *rsHandle) Start() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.running {
		return nil
	}
	fd, err := unix.Socket(unix.AF_PACKET,
		unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return err
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  h.idx,
	}
	if err = unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return err
	}
	h.fd = fd
	h.running = true
	return nil
}

func (h *rsHandle) Stop() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.running {
		return nil
	}
	h.running = false
	unix.Close(h.fd)
	h.fd = -1
	return nil
}

func (h *rsHandle) Close() error {
	return h.Stop()
}

func (h *rsHandle) RxBurst(ms []*mbuf.Mbuf) (n int) {
	fd := h.fd
	if fd < 0 {
		return 0
	}
	for n < len(ms) {
		m := h.pool.Get()
		if m == nil {
			atomic.AddUint64(&h.rxDropped, 1)
			break
		}
		sz, _, err := unix.Recvfrom(fd, m.Buffer(), unix.MSG_DONTWAIT)
		if err != nil || sz <= 0 {
			m.Free()
			break
		}
		if err = m.SetLen(sz); err != nil {
			m.Free()
			atomic.AddUint64(&h.rxDropped, 1)
			continue
		}
		atomic.AddUint64(&h.rxPackets, 1)
		atomic.AddUint64(&h.rxBytes, uint64(sz))
		ms[n] = m
		n++
	}
	return
}

func (h *rsHandle) TxBurst(ms []*mbuf.Mbuf) (sent int) {
	fd := h.fd
	if fd < 0 {
		return 0
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  h.idx,
	}
	for _, m := range ms {
		if err := unix.Sendto(fd, m.Data(), unix.MSG_DONTWAIT, sll); err != nil {
			atomic.AddUint64(&h.txErrors, 1)
			break
		}
		atomic.AddUint64(&h.txPackets, 1)
		atomic.AddUint64(&h.txBytes, uint64(m.Len()))
		m.Free()
		sent++
	}
	return
}

func (h *rsHandle) LinkStatus() Link {
	return linkStatus(h.name)
}

func (h *rsHandle) Stats() (Stats, error) {
	return Stats{
		RxPackets: atomic.LoadUint64(&h.rxPackets),
		TxPackets: atomic.LoadUint64(&h.txPackets),
		RxBytes:   atomic.LoadUint64(&h.rxBytes),
		TxBytes:   atomic.LoadUint64(&h.txBytes),
		RxDropped: atomic.LoadUint64(&h.rxDropped),
		TxDropped: Unsupported,
		RxErrors:  Unsupported,
		TxErrors:  atomic.LoadUint64(&h.txErrors),
	}, nil
}

func (h *rsHandle) SetMTU(mtu int) error {
	return setIfMTU(h.name, mtu)
}

func (h *rsHandle) SetPromisc(on bool) error {
	return setIfPromisc(h.name, on)
}

func (h *rsHandle) HWAddr() net.HardwareAddr {
	return h.hw
}

func (h *rsHandle) Features() Feature {
	return 0
}
