package alloc_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/ergoterr"
	"github.com/jamesmunns/ergot/pna"
)

// fakeUpstream is a hand-written test double for alloc.UpstreamRequester;
// the escalation path only needs a handful of canned responses, not the full
// mockgen machinery the link suite reaches for.
type fakeUpstream struct {
	calls     int
	failCount int
	grant     alloc.Info
	err       error
}

func (f *fakeUpstream) RequestUpstream(ctx context.Context, req alloc.Request) (alloc.Info, error) {
	f.calls++
	if f.calls <= f.failCount {
		return alloc.Info{}, ergoterr.New(ergoterr.Timeout, "upstream busy")
	}
	if f.err != nil {
		return alloc.Info{}, f.err
	}

	return f.grant, nil
}

var _ = Describe("Allocator", func() {
	var a *alloc.Allocator

	BeforeEach(func() {
		a = alloc.New(8, alloc.Range{Base: 0, Len: 8}, nil)
	})

	Describe("AllocMany", func() {
		It("grants disjoint ranges for multiple requests", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2}, {Len: 3}})
			Expect(err).NotTo(HaveOccurred())
			Expect(infos).To(HaveLen(2))
			Expect(infos[0].Address.Scope).To(Equal(uint8(8)))

			r1 := alloc.Range{Base: infos[0].Address.Bits, Len: infos[0].Len}
			r2 := alloc.Range{Base: infos[1].Address.Bits, Len: infos[1].Len}
			Expect(r1.End() <= r2.Base || r2.End() <= r1.Base).To(BeTrue())
		})

		It("grants nothing at all if any one request cannot be satisfied", func() {
			_, err := a.AllocMany([]alloc.Request{{Len: 2}, {Len: 9}})
			Expect(err).To(HaveOccurred())

			infos, err := a.AllocMany([]alloc.Request{{Len: 8}})
			Expect(err).NotTo(HaveOccurred())
			Expect(infos[0].Address.Bits).To(Equal(uint32(0)))
		})

		It("aligns bases to the requested length by default", func() {
			_, err := a.AllocMany([]alloc.Request{{Len: 1}})
			Expect(err).NotTo(HaveOccurred())

			infos, err := a.AllocMany([]alloc.Request{{Len: 2}})
			Expect(err).NotTo(HaveOccurred())
			Expect(infos[0].Address.Bits % 4).To(Equal(uint32(0)))
		})
	})

	Describe("Free", func() {
		It("restores capacity so a later request of the same size succeeds", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 8}})
			Expect(err).NotTo(HaveOccurred())

			_, err = a.AllocMany([]alloc.Request{{Len: 1}})
			Expect(err).To(HaveOccurred())

			Expect(a.Free(infos[0].Address, infos[0].Len)).To(Succeed())

			_, err = a.AllocMany([]alloc.Request{{Len: 8}})
			Expect(err).NotTo(HaveOccurred())
		})

		It("coalesces adjacent freed ranges back into one", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2}, {Len: 2}})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.Free(infos[0].Address, infos[0].Len)).To(Succeed())
			Expect(a.Free(infos[1].Address, infos[1].Len)).To(Succeed())

			_, err = a.AllocMany([]alloc.Request{{Len: 3}})
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects freeing a range that is not live", func() {
			err := a.Free(pna.MustMake(200, 8), 2)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SubscribeMulticast", func() {
		It("rejects subscription to a non-multicast allocation", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2}})
			Expect(err).NotTo(HaveOccurred())

			err = a.SubscribeMulticast(infos[0].Address)
			Expect(err).To(HaveOccurred())
		})

		It("accepts subscription to an ALLOW_MULTICAST allocation", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2, Flags: alloc.AllowMulticast}})
			Expect(err).NotTo(HaveOccurred())

			Expect(a.SubscribeMulticast(infos[0].Address)).To(Succeed())
			Expect(a.IsMulticastSubscribed(infos[0].Address)).To(BeTrue())
		})

		It("drops the subscription once the range is freed", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2, Flags: alloc.AllowMulticast}})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.SubscribeMulticast(infos[0].Address)).To(Succeed())

			Expect(a.Free(infos[0].Address, infos[0].Len)).To(Succeed())
			Expect(a.IsMulticastSubscribed(infos[0].Address)).To(BeFalse())
		})
	})

	Describe("Rebase", func() {
		It("leaves local addresses untouched but updates the global view", func() {
			infos, err := a.AllocMany([]alloc.Request{{Len: 2}})
			Expect(err).NotTo(HaveOccurred())
			local := infos[0].Address

			a.Rebase(pna.MustMake(0x500, 12), 8)

			g1, err := a.GlobalAddress(local)
			Expect(err).NotTo(HaveOccurred())

			a.Rebase(pna.MustMake(0x900, 12), 8)
			g2, err := a.GlobalAddress(local)
			Expect(err).NotTo(HaveOccurred())

			Expect(g1.Bits).NotTo(Equal(g2.Bits))
			// Local address itself never changes across rebases.
			Expect(local.Scope).To(Equal(uint8(8)))
		})
	})

	Describe("Escalate", func() {
		It("fails immediately with no upstream configured", func() {
			err := a.Escalate(context.Background(), 4, 0)
			Expect(err).To(HaveOccurred())
		})

		It("adds the granted range to the pool on success", func() {
			up := &fakeUpstream{grant: alloc.Info{Address: pna.MustMake(128, 8), Len: 4}}
			a2 := alloc.New(8, alloc.Range{Base: 0, Len: 0}, up)

			Expect(a2.Escalate(context.Background(), 4, 0)).To(Succeed())

			_, err := a2.AllocMany([]alloc.Request{{Len: 4}})
			Expect(err).NotTo(HaveOccurred())
			Expect(up.calls).To(Equal(1))
		})

		It("retries transient upstream failures before succeeding", func() {
			up := &fakeUpstream{failCount: 2, grant: alloc.Info{Address: pna.MustMake(128, 8), Len: 4}}
			a2 := alloc.New(8, alloc.Range{Base: 0, Len: 0}, up)

			Expect(a2.Escalate(context.Background(), 4, 0)).To(Succeed())
			Expect(up.calls).To(Equal(3))
		})

		It("gives up immediately on a non-transient refusal", func() {
			up := &fakeUpstream{err: ergoterr.New(ergoterr.Conflict, "address space exhausted upstream")}
			a2 := alloc.New(8, alloc.Range{Base: 0, Len: 0}, up)

			err := a2.Escalate(context.Background(), 4, 0)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ergoterr.ErrConflict)).To(BeTrue())
			Expect(up.calls).To(Equal(1))
		})
	})
})
