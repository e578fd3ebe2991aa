//go:build !linux

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import "net"

func setKeepAlivePeriod(*net.TCPConn) {}
