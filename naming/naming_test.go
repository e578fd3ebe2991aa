package naming_test

import (
	"sync"

	"github.com/robomesh/meshbus/naming"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Literal", func() {
	It("parses a bracketed literal address out of the SSP", func() {
		l := naming.NewLiteral()
		a, err := l.Resolve("ipn:[fd00:0:0:0:0:0:0:1]")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.String()).To(Equal("fd00:0:0:0:0:0:0:1"))
	})

	It("parses the standard dtn://[address]/path form", func() {
		l := naming.NewLiteral()
		a, err := l.Resolve("dtn://[fd00:0:0:0:0:0:0:1]/echo")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.String()).To(Equal("fd00:0:0:0:0:0:0:1"))
	})

	It("fails resolution for a non-literal SSP", func() {
		l := naming.NewLiteral()
		_, err := l.Resolve("dtn:some-hostname")
		Expect(err).To(HaveOccurred())
	})

	It("fails resolution for dtn:none", func() {
		l := naming.NewLiteral()
		_, err := l.Resolve("dtn:none")
		Expect(err).To(HaveOccurred())
	})

	It("coalesces concurrent identical resolutions", func() {
		l := naming.NewLiteral()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Resolve("ipn:[fd00:0:0:0:0:0:0:1]")
				Expect(err).NotTo(HaveOccurred())
			}()
		}
		wg.Wait()
	})
})
