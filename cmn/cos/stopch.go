/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "sync"

// StopCh is a close-once cancellation channel. Every long-lived
// meshbus daemon (sfrp, clocksync, bundleagent, the per-connection bus
// worker) is handed one at construction and selects on Listen() inside
// its run loop, exactly as transport/collect.go's stream collector
// selects on its own stopCh.
type StopCh struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

// Listen returns the channel to select on; it is closed exactly once.
func (s *StopCh) Listen() <-chan struct{} { return s.ch }

// Close is idempotent.
func (s *StopCh) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *StopCh) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
