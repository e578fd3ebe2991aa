package stats_test

import (
	"github.com/robomesh/meshbus/stats"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registry", func() {
	It("registers all metrics under the given namespace without collision", func() {
		r := stats.New("meshbus_test")
		families, err := r.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).NotTo(BeEmpty())
	})

	It("reflects counter increments in the gathered output", func() {
		r := stats.New("meshbus_test2")
		r.DatagramsSent.Add(3)
		r.ClockOffsetMs.Set(42)

		families, err := r.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())

		var sawCounter, sawGauge bool
		for _, fam := range families {
			for _, m := range fam.GetMetric() {
				if c := m.GetCounter(); c != nil && c.GetValue() == 3 {
					sawCounter = true
				}
				if g := m.GetGauge(); g != nil && g.GetValue() == 42 {
					sawGauge = true
				}
			}
		}
		Expect(sawCounter).To(BeTrue())
		Expect(sawGauge).To(BeTrue())
	})

	It("produces a distinct registry per call, isolating two instances", func() {
		r1 := stats.New("meshbus_iso")
		r2 := stats.New("meshbus_iso")
		r1.BundlesDelivered.Inc()

		f2, err := r2.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		for _, fam := range f2 {
			for _, m := range fam.GetMetric() {
				if c := m.GetCounter(); c != nil {
					Expect(c.GetValue()).To(Equal(float64(0)))
				}
			}
		}
	})
})
