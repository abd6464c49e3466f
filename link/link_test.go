package link_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/jamesmunns/ergot/link"
	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
)

var _ = Describe("Link", func() {
	var a, b *link.Link
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		a, b = link.NewMemoryPair("a", "b")
		ctx, cancel = context.WithCancel(context.Background())
		go a.RunReadPump(ctx)
		go b.RunReadPump(ctx)
	})

	AfterEach(func() {
		cancel()
	})

	It("delivers a packet sent from one side to the other", func() {
		p := packet.Packet{
			Header: packet.Header{
				Src:     pna.MustMake(1, 8),
				Dst:     pna.MustMake(2, 8),
				TTL:     4,
				BodyLen: 2,
			},
			Body: []byte("hi"),
		}

		Expect(a.SendPacket(p)).To(Succeed())

		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		got, err := b.RecvPacket(rctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Body).To(Equal(p.Body))
	})

	It("reports itself down after enough consecutive frame errors", func() {
		l := link.New("solo", discardTransport{}, 0, 2)

		dctx, dcancel := context.WithCancel(context.Background())
		defer dcancel()
		go l.RunReadPump(dctx)

		select {
		case <-l.Down():
		case <-time.After(time.Second):
			Fail("link never reported itself down")
		}
	})

	It("reports itself down on a hard transport read failure, not just garbage frames", func() {
		ctrl := gomock.NewController(GinkgoT())
		transport := NewMockTransport(ctrl)

		readErr := errors.New("connection reset by peer")
		transport.EXPECT().Read(gomock.Any()).Return(0, readErr).AnyTimes()

		l := link.New("flaky", transport, 0, 0)

		dctx, dcancel := context.WithCancel(context.Background())
		defer dcancel()
		go l.RunReadPump(dctx)

		select {
		case <-l.Down():
		case <-time.After(time.Second):
			Fail("link never reported itself down after its transport failed")
		}
	})
})

// discardTransport feeds garbage bytes that always fail CRC, to exercise
// the error-threshold path without needing a real flaky transport.
type discardTransport struct{}

func (discardTransport) Read(p []byte) (int, error) {
	n := copy(p, []byte{0x01, 0x02, 0x03, 0x00})
	return n, nil
}
func (discardTransport) Write(p []byte) (int, error) { return len(p), nil }
func (discardTransport) Close() error                { return nil }
