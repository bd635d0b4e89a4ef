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
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/gravwell/ofswitch/mbuf"
	"golang.org/x/sys/unix"
)

const (
	// frame size must divide the block size and cover a jumbo frame
	afFrameSize = 1 << 14
	afBlockSize = 1 << 20
	afNumBlocks = 8
	afPollWait  = time.Millisecond
)

func init() {
	register(TypeEthernetPhy, openAfpacket)
}

// afHandle is the physical back end: an AF_PACKET v3 mmap ring per
// device. It is the only back end delivering link change callbacks,
// driven by a netlink watcher.
type afHandle struct {
	name string
	pool *mbuf.Pool
	idx  int
	hw   net.HardwareAddr

	mtx     sync.Mutex
	tp      *afpacket.TPacket
	running bool

	rxPackets uint64
	rxBytes   uint64
	rxDropped uint64
	txPackets uint64
	txBytes   uint64
	txErrors  uint64

	watch *linkWatcher
}

func openAfpacket(cfg Config) (Handle, error) {
	ifc, err := net.InterfaceByName(cfg.Device)
	if err != nil {
		return nil, err
	}
	h := &afHandle{
		name: cfg.Device,
		pool: cfg.Pool,
		idx:  ifc.Index,
		hw:   ifc.HardwareAddr,
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
	if cfg.OnLinkChange != nil {
		if h.watch, err = newLinkWatcher(ifc.Index, cfg.OnLinkChange); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *afHandle) Start() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.running {
		return nil
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(h.name),
		afpacket.OptFrameSize(afFrameSize),
		afpacket.OptBlockSize(afBlockSize),
		afpacket.OptNumBlocks(afNumBlocks),
		afpacket.OptPollTimeout(afPollWait),
	)
	if err != nil {
		return err
	}
	h.tp = tp
	h.running = true
	return nil
}

func (h *afHandle) Stop() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.running {
		return nil
	}
	h.running = false
	h.tp.Close()
	h.tp = nil
	return nil
}

func (h *afHandle) Close() error {
	h.Stop()
	if h.watch != nil {
		h.watch.close()
		h.watch = nil
	}
	return nil
}

func (h *afHandle) RxBurst(ms []*mbuf.Mbuf) (n int) {
	tp := h.tp
	if tp == nil {
		return 0
	}
	for n < len(ms) {
		data, _, err := tp.ZeroCopyReadPacketData()
		if err != nil {
			break
		}
		m := h.pool.Get()
		if m == nil {
			atomic.AddUint64(&h.rxDropped, 1)
			break
		}
		if err = m.SetData(data); err != nil {
			m.Free()
			atomic.AddUint64(&h.rxDropped, 1)
			continue
		}
		atomic.AddUint64(&h.rxPackets, 1)
		atomic.AddUint64(&h.rxBytes, uint64(len(data)))
		ms[n] = m
		n++
	}
	return
}

func (h *afHandle) TxBurst(ms []*mbuf.Mbuf) (sent int) {
	tp := h.tp
	if tp == nil {
		return 0
	}
	for _, m := range ms {
		if err := tp.WritePacketData(m.Data()); err != nil {
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

func (h *afHandle) LinkStatus() Link {
	return linkStatus(h.name)
}

func (h *afHandle) Stats() (s Stats, err error) {
	s = Stats{
		RxPackets: atomic.LoadUint64(&h.rxPackets),
		TxPackets: atomic.LoadUint64(&h.txPackets),
		RxBytes:   atomic.LoadUint64(&h.rxBytes),
		TxBytes:   atomic.LoadUint64(&h.txBytes),
		RxDropped: atomic.LoadUint64(&h.rxDropped),
		TxDropped: Unsupported,
		RxErrors:  Unsupported,
		TxErrors:  atomic.LoadUint64(&h.txErrors),
	}
	h.mtx.Lock()
	tp := h.tp
	h.mtx.Unlock()
	if tp != nil {
		if _, v3, serr := tp.SocketStats(); serr == nil {
			s.RxDropped += uint64(v3.Drops())
		}
	}
	return
}

func (h *afHandle) SetMTU(mtu int) error {
	return setIfMTU(h.name, mtu)
}

func (h *afHandle) SetPromisc(on bool) error {
	return setIfPromisc(h.name, on)
}

func (h *afHandle) HWAddr() net.HardwareAddr {
	return h.hw
}

func (h *afHandle) Features() Feature {
	return FeatureLinkEvents
}

// ioctl helpers shared by the linux back ends

func ifReqSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
}

func setIfMTU(name string, mtu int) error {
	fd, err := ifReqSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	return unix.IoctlIfreq(fd, unix.SIOCSIFMTU, ifr)
}

func setIfPromisc(name string, on bool) error {
	fd, err := ifReqSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	if on {
		flags |= unix.IFF_PROMISC
	} else {
		flags &^= unix.IFF_PROMISC
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

func linkStatus(name string) (l Link) {
	fd, err := ifReqSocket()
	if err != nil {
		return
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return
	}
	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return
	}
	flags := ifr.Uint16()
	l.Up = flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0
	return
}
