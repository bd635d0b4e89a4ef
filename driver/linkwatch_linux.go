/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package driver

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linkWatcher subscribes to the rtnetlink link group and reports RUNNING
// transitions for one interface index. Drives the physical back end's
// OFPPS_LIVE / OFPPS_LINK_DOWN handling.
type linkWatcher struct {
	fd   int
	idx  int
	cb   LinkCallback
	done chan struct{}
}

func newLinkWatcher(idx int, cb LinkCallback) (*linkWatcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK,
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	w := &linkWatcher{
		fd:   fd,
		idx:  idx,
		cb:   cb,
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *linkWatcher) close() {
	close(w.done)
	unix.Close(w.fd)
}

func (w *linkWatcher) run() {
	buf := make([]byte, 64*1024)
	var lastUp, have bool
	for {
		n, _, err := unix.Recvfrom(w.fd, buf, 0)
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			if err == unix.EINTR || err == unix.ENOBUFS {
				continue
			}
			return
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			if msg.Header.Type != unix.RTM_NEWLINK && msg.Header.Type != unix.RTM_DELLINK {
				continue
			}
			if len(msg.Data) < unix.SizeofIfInfomsg {
				continue
			}
			ifi := (*unix.IfInfomsg)(unsafe.Pointer(&msg.Data[0]))
			if int(ifi.Index) != w.idx {
				continue
			}
			up := msg.Header.Type == unix.RTM_NEWLINK &&
				ifi.Flags&unix.IFF_UP != 0 &&
				ifi.Flags&unix.IFF_RUNNING != 0
			if !have || up != lastUp {
				have = true
				lastUp = up
				w.cb(up)
			}
		}
	}
}
