/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build darwin || freebsd || netbsd || openbsd

package driver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gravwell/ofswitch/mbuf"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

func init() {
	register(TypeEthernetBPF, openBpf)
}

const (
	bpfBufLen    = 1 << 20
	bpfAlignment = 4
)

func bpfWordAlign(n int) int {
	return (n + bpfAlignment - 1) &^ (bpfAlignment - 1)
}

type ifreqName struct {
	Name [unix.IFNAMSIZ]byte
	pad  [64]byte
}

type bpfProgram struct {
	Len   uint32
	Insns *bpf.RawInstruction
}

// bpfHandle is the BPF back end used on the BSDs: one /dev/bpf clone per
// device with immediate mode and header-complete writes. Link state is
// not polled; a classic BPF filter may be installed for ingress selection.
type bpfHandle struct {
	name    string
	pool    *mbuf.Pool
	hw      net.HardwareAddr
	promisc bool

	mtx     sync.Mutex
	fd      int
	running bool

	rbuf []byte
	roff int
	rlen int

	rxPackets uint64
	rxBytes   uint64
	rxDropped uint64
	txPackets uint64
	txBytes   uint64
	txErrors  uint64
}

func openBpf(cfg Config) (Handle, error) {
	ifc, err := net.InterfaceByName(cfg.Device)
	if err != nil {
		return nil, err
	}
	h := &bpfHandle{
		name:    cfg.Device,
		pool:    cfg.Pool,
		hw:      ifc.HardwareAddr,
		promisc: cfg.Promisc,
		fd:      -1,
		rbuf:    make([]byte, bpfBufLen),
	}
	return h, nil
}

func openBpfDevice() (int, error) {
	// modern BSDs clone on /dev/bpf, fall back to numbered nodes
	if fd, err := unix.Open(`/dev/bpf`, unix.O_RDWR, 0); err == nil {
		return fd, nil
	}
	for i := 0; i < 256; i++ {
		fd, err := unix.Open(fmt.Sprintf(`/dev/bpf%d`, i), unix.O_RDWR, 0)
		if err == nil {
			return fd, nil
		}
		if err == unix.EBUSY {
			continue
		}
		return -1, err
	}
	return -1, unix.ENOENT
}

func (h *bpfHandle) ioctlPtr(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (h *bpfHandle) Start() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.running {
		return nil
	}
	fd, err := openBpfDevice()
	if err != nil {
		return err
	}
	h.fd = fd
	blen := bpfBufLen
	if err = h.ioctlPtr(unix.BIOCSBLEN, unsafe.Pointer(&blen)); err != nil {
		unix.Close(fd)
		h.fd = -1
		return err
	}
	var ifr ifreqName
	copy(ifr.Name[:], h.name)
	if err = h.ioctlPtr(unix.BIOCSETIF, unsafe.Pointer(&ifr)); err != nil {
		unix.Close(fd)
		h.fd = -1
		return err
	}
	one := 1
	if err = h.ioctlPtr(unix.BIOCIMMEDIATE, unsafe.Pointer(&one)); err != nil {
		unix.Close(fd)
		h.fd = -1
		return err
	}
	// we supply complete ethernet headers on write
	if err = h.ioctlPtr(unix.BIOCSHDRCMPLT, unsafe.Pointer(&one)); err != nil {
		unix.Close(fd)
		h.fd = -1
		return err
	}
	if h.promisc {
		if err = h.ioctlPtr(unix.BIOCPROMISC, nil); err != nil {
			unix.Close(fd)
			h.fd = -1
			return err
		}
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		h.fd = -1
		return err
	}
	h.roff = 0
	h.rlen = 0
	h.running = true
	return nil
}

// SetFilter installs a classic BPF program selecting ingress traffic
func (h *bpfHandle) SetFilter(prog []bpf.Instruction) error {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return err
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.running {
		return ErrUnsupported
	}
	bp := bpfProgram{
		Len:   uint32(len(raw)),
		Insns: &raw[0],
	}
	return h.ioctlPtr(unix.BIOCSETF, unsafe.Pointer(&bp))
}

func (h *bpfHandle) Stop() error {
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

func (h *bpfHandle) Close() error {
	return h.Stop()
}

func (h *bpfHandle) RxBurst(ms []*mbuf.Mbuf) (n int) {
	if h.fd < 0 {
		return 0
	}
	for n < len(ms) {
		if h.roff >= h.rlen {
			sz, err := unix.Read(h.fd, h.rbuf)
			if err != nil || sz <= 0 {
				break
			}
			h.roff = 0
			h.rlen = sz
		}
		// parse one bpf record
		if h.rlen-h.roff < int(unsafe.Sizeof(unix.BpfHdr{})) {
			h.roff = h.rlen
			continue
		}
		bh := (*unix.BpfHdr)(unsafe.Pointer(&h.rbuf[h.roff]))
		frame := h.rbuf[h.roff+int(bh.Hdrlen) : h.roff+int(bh.Hdrlen)+int(bh.Caplen)]
		h.roff += bpfWordAlign(int(bh.Hdrlen) + int(bh.Caplen))
		m := h.pool.Get()
		if m == nil {
			atomic.AddUint64(&h.rxDropped, 1)
			break
		}
		if err := m.SetData(frame); err != nil {
			m.Free()
			atomic.AddUint64(&h.rxDropped, 1)
			continue
		}
		atomic.AddUint64(&h.rxPackets, 1)
		atomic.AddUint64(&h.rxBytes, uint64(len(frame)))
		ms[n] = m
		n++
	}
	return
}

func (h *bpfHandle) TxBurst(ms []*mbuf.Mbuf) (sent int) {
	if h.fd < 0 {
		return 0
	}
	for _, m := range ms {
		if _, err := unix.Write(h.fd, m.Data()); err != nil {
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

func (h *bpfHandle) LinkStatus() (l Link) {
	ifc, err := net.InterfaceByName(h.name)
	if err != nil {
		return
	}
	l.Up = ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagRunning != 0
	return
}

func (h *bpfHandle) Stats() (Stats, error) {
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

func (h *bpfHandle) SetMTU(mtu int) error {
	// MTU is administered through the system interface configuration
	// on the BSDs; report unsupported so the port layer warns only
	return ErrUnsupported
}

func (h *bpfHandle) SetPromisc(on bool) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.promisc = on
	if h.running && on {
		return h.ioctlPtr(unix.BIOCPROMISC, nil)
	}
	return nil
}

func (h *bpfHandle) HWAddr() net.HardwareAddr {
	return h.hw
}

func (h *bpfHandle) Features() Feature {
	return 0
}
