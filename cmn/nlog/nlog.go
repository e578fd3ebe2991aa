// Package nlog is meshbus's logger: buffered, severity-leveled,
// source-location-tagged lines, flushed by hk instead of the
// teacher's byte-budget/file-rotation trigger — a resource-constrained
// node doesn't run a multi-megabyte rotating log.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

type nlog struct {
	mu  sync.Mutex
	buf bytes.Buffer
	out *os.File
}

var (
	nlogs = [...]*nlog{
		sevInfo: {out: os.Stdout},
		sevWarn: {out: os.Stdout},
		sevErr:  {out: os.Stderr},
	}
	title string
)

func log(sev severity, depth int, format string, args ...any) {
	n := nlogs[sev]
	n.mu.Lock()
	formatHdr(sev, depth+1, &n.buf)
	if format == "" {
		fmt.Fprintln(&n.buf, args...)
	} else {
		fmt.Fprintf(&n.buf, format, args...)
		n.buf.WriteByte('\n')
	}
	if sev >= sevWarn {
		// warnings and errors are visible immediately; info lines wait
		// for the next hk flush tick, same "fast path vs. immediate
		// out-of-band flush" split the teacher's log() makes.
		n.buf.WriteTo(n.out)
	}
	n.mu.Unlock()
}

func formatHdr(sev severity, depth int, buf *bytes.Buffer) {
	buf.WriteByte(sevChar[sev])
	buf.WriteByte(' ')
	buf.WriteString(time.Now().Format("15:04:05.000000"))
	buf.WriteByte(' ')
	_, fn, ln, ok := runtime.Caller(2 + depth)
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
		fn = fn[idx+1:]
	}
	buf.WriteString(fn)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(ln))
	buf.WriteByte(' ')
}

func SetTitle(s string) { title = s }

// Flush is wired into hk as an ambient housekeeping callback; exit
// paths also call it directly with exit=true.
func Flush(exit ...bool) {
	for _, n := range nlogs {
		n.mu.Lock()
		if n.buf.Len() > 0 {
			n.buf.WriteTo(n.out)
		}
		n.mu.Unlock()
	}
	_ = exit
}
