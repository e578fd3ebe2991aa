/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/robomesh/meshbus/hk"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("invokes a registered callback at least twice within a second", func() {
		var n int64
		hk.DefaultHK.Reg("counter", func() { atomic.AddInt64(&n, 1) }, 20*time.Millisecond)
		defer hk.DefaultHK.Unreg("counter")

		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second, 10*time.Millisecond).
			Should(BeNumerically(">=", 2))
	})

	It("does not invoke an unregistered callback again", func() {
		var n int64
		hk.DefaultHK.Reg("transient", func() { atomic.AddInt64(&n, 1) }, 20*time.Millisecond)
		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second, 10*time.Millisecond).
			Should(BeNumerically(">=", 1))
		hk.DefaultHK.Unreg("transient")
		cur := atomic.LoadInt64(&n)
		Consistently(func() int64 { return atomic.LoadInt64(&n) }, 100*time.Millisecond, 10*time.Millisecond).
			Should(Equal(cur))
	})
})
