package addr_test

import (
	"testing/quick"

	"github.com/robomesh/meshbus/addr"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("InterfaceAddress", func() {
	It("formats the literal example from §8 scenario 2", func() {
		b := []byte{0xfd, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
		a, err := addr.FromBytes(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.String()).To(Equal("fd00:0:0:0:0:0:0:1"))

		back, err := addr.Parse(a.String())
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Bytes()).To(Equal(b))
	})

	It("round-trips parse(format(x)) for arbitrary 16-octet values", func() {
		f := func(raw [16]byte) bool {
			a, err := addr.FromBytes(raw[:])
			if err != nil {
				return false
			}
			back, err := addr.Parse(a.String())
			if err != nil {
				return false
			}
			return back.Equal(a)
		}
		Expect(quick.Check(f, nil)).To(Succeed())
	})

	It("rejects a malformed byte length", func() {
		_, err := addr.FromBytes([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a malformed string (wrong word count)", func() {
		_, err := addr.Parse("fd00:0:0:0:0:0:1")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a malformed string (bad hex)", func() {
		_, err := addr.Parse("fd00:0:0:0:0:0:0:zzzz")
		Expect(err).To(HaveOccurred())
	})

	It("derives a 16-octet fd00::/8 address from a 6-octet MAC", func() {
		mac := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
		a, err := addr.FromMAC(mac)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Bytes()).To(HaveLen(16))
		Expect(a.Bytes()[0]).To(Equal(byte(0xfd)))
		Expect(a.Bytes()[6]).To(Equal(byte(0)))
		Expect(a.Bytes()[7]).To(Equal(byte(0)))
	})

	It("derives a 16-octet address from an 8-octet MAC", func() {
		mac := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
		a, err := addr.FromMAC(mac)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Bytes()[0]).To(Equal(byte(0xfd)))
	})

	It("rejects a MAC of the wrong length", func() {
		_, err := addr.FromMAC([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})

	It("hashes equal addresses identically", func() {
		b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
		a1, _ := addr.FromBytes(b)
		a2, _ := addr.FromBytes(b)
		Expect(a1.Hash()).To(Equal(a2.Hash()))
		Expect(a1.Equal(a2)).To(BeTrue())
	})
})
