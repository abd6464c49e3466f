package socket_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/packet"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/socket"
)

var _ = Describe("Table", func() {
	var tbl *socket.Table

	BeforeEach(func() {
		tbl = socket.NewTable()
	})

	It("delivers a packet to the socket registered at its destination", func() {
		addr := pna.MustMake(0x10, 8)
		s, err := tbl.Register(addr, socket.Endpoint, 4)
		Expect(err).NotTo(HaveOccurred())

		p := packet.Packet{Header: packet.Header{Dst: addr}}
		Expect(tbl.Dispatch(p)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := s.Recv(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Header.Dst).To(Equal(addr))
	})

	It("rejects a second endpoint registered at the same address", func() {
		addr := pna.MustMake(0x10, 8)
		_, err := tbl.Register(addr, socket.Endpoint, 4)
		Expect(err).NotTo(HaveOccurred())

		_, err = tbl.Register(addr, socket.Endpoint, 4)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an endpoint outside the wired ownership check", func() {
		tbl.SetOwnershipCheck(func(addr pna.Address) bool {
			return addr == pna.MustMake(0x10, 8)
		})

		_, err := tbl.Register(pna.MustMake(0x20, 8), socket.Endpoint, 4)
		Expect(err).To(HaveOccurred())

		_, err = tbl.Register(pna.MustMake(0x10, 8), socket.Endpoint, 4)
		Expect(err).NotTo(HaveOccurred())
	})

	It("exempts any-listener and topic sockets from the ownership check", func() {
		tbl.SetOwnershipCheck(func(addr pna.Address) bool { return false })

		_, err := tbl.Register(pna.MustMake(0, 1), socket.AnyListener, 4)
		Expect(err).NotTo(HaveOccurred())

		_, err = tbl.Register(pna.MustMake(0x30, 8), socket.Topic, 4)
		Expect(err).NotTo(HaveOccurred())
	})

	It("falls back to the any-listener when no exact socket matches", func() {
		any, err := tbl.Register(pna.MustMake(0, 1), socket.AnyListener, 4)
		Expect(err).NotTo(HaveOccurred())

		p := packet.Packet{Header: packet.Header{Dst: pna.MustMake(0x99, 8)}}
		Expect(tbl.Dispatch(p)).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err = any.Recv(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails with NoSocket when nothing matches and there is no any-listener", func() {
		p := packet.Packet{Header: packet.Header{Dst: pna.MustMake(0x99, 8)}}
		Expect(tbl.Dispatch(p)).To(HaveOccurred())
	})

	It("applies backpressure once a mailbox reaches capacity", func() {
		addr := pna.MustMake(0x10, 8)
		_, err := tbl.Register(addr, socket.Endpoint, 1)
		Expect(err).NotTo(HaveOccurred())

		p := packet.Packet{Header: packet.Header{Dst: addr}}
		Expect(tbl.Dispatch(p)).To(Succeed())
		Expect(tbl.Dispatch(p)).To(HaveOccurred())
	})

	It("routes a response back to the waiter matching its correlation id", func() {
		correlation, await := tbl.BeginRequest()

		go func() {
			resp := packet.Packet{
				Header: packet.Header{
					Flags:       packet.FlagResponse,
					Correlation: correlation,
				},
			}
			_ = tbl.Dispatch(resp)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := await(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Header.Correlation).To(Equal(correlation))
	})

	It("times out a waiter whose response never arrives", func() {
		_, await := tbl.BeginRequest()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := await(ctx)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Socket suspension", func() {
	It("holds back delivery until resumed", func() {
		tbl := socket.NewTable()
		addr := pna.MustMake(0x10, 8)
		s, err := tbl.Register(addr, socket.Endpoint, 4)
		Expect(err).NotTo(HaveOccurred())

		s.Suspend()
		Expect(tbl.Dispatch(packet.Packet{Header: packet.Header{Dst: addr}})).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = s.Recv(ctx)
		Expect(err).To(HaveOccurred())

		s.Resume()

		ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
		defer cancel2()
		_, err = s.Recv(ctx2)
		Expect(err).NotTo(HaveOccurred())
	})
})
