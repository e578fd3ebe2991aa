//go:build linux

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/robomesh/meshbus/cmn/nlog"
)

// keepaliveIdle is deliberately short: RFCOMM/TCP links to a robotic
// node are assumed to be cheap and flaky, so a dead peer should be
// noticed well before SFRP's own HELLO validity window lapses.
const keepaliveIdle = 15 * time.Second

func setKeepAlivePeriod(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	idle := int(keepaliveIdle / time.Second)
	err = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idle)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, idle/3+1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	})
	if err != nil {
		nlog.Warningf("tcp: keepalive tuning failed: %v", err)
	}
}
