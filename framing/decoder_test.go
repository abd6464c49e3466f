package framing_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/framing"
)

var _ = Describe("Decoder", func() {
	var dec *framing.Decoder

	BeforeEach(func() {
		dec = framing.NewDecoder(framing.DefaultMaxFrame)
	})

	It("round-trips an arbitrary payload", func() {
		payload := []byte("hello ergot")
		wire := framing.EncodeFrame(payload)

		Expect(bytes.Contains(wire, []byte{0x00})).To(BeTrue())
		Expect(wire[len(wire)-1]).To(Equal(byte(0x00)))

		frames := dec.Feed(wire)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0]).To(Equal(payload))
	})

	It("round-trips many frames fed byte by byte", func() {
		payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}

		var got [][]byte
		for _, p := range payloads {
			wire := framing.EncodeFrame(p)
			for _, b := range wire {
				got = append(got, dec.Feed([]byte{b})...)
			}
		}

		Expect(got).To(Equal(payloads))
	})

	It("never contains a zero byte inside the encoded frame", func() {
		payload := []byte{0x00, 0x01, 0x00, 0x00, 0xFF}
		wire := framing.EncodeFrame(payload)

		Expect(bytes.Count(wire[:len(wire)-1], []byte{0x00})).To(Equal(0))

		frames := dec.Feed(wire)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0]).To(Equal(payload))
	})

	It("drops exactly one frame when a stray zero byte is inserted", func() {
		p1 := []byte("first-frame-payload")
		p2 := []byte("second-frame-payload")
		wire := append(framing.EncodeFrame(p1), framing.EncodeFrame(p2)...)

		// Insert a stray zero in the middle of the first frame's encoding.
		corrupt := make([]byte, 0, len(wire)+1)
		corrupt = append(corrupt, wire[:5]...)
		corrupt = append(corrupt, 0x00)
		corrupt = append(corrupt, wire[5:]...)

		frames := dec.Feed(corrupt)

		// The stray zero prematurely terminates frame 1 (dropped, too
		// short or CRC mismatch) but resync lets frame 2 decode cleanly.
		var found2 bool
		for _, f := range frames {
			if bytes.Equal(f, p2) {
				found2 = true
			}
		}
		Expect(found2).To(BeTrue())
		Expect(dec.Dropped()).To(BeNumerically(">=", uint64(1)))
	})

	It("discards an over-long frame and resyncs at the next zero", func() {
		huge := bytes.Repeat([]byte{0x41}, framing.DefaultMaxFrame*2)
		wire := append(huge, 0x00)
		wire = append(wire, framing.EncodeFrame([]byte("ok"))...)

		frames := dec.Feed(wire)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0]).To(Equal([]byte("ok")))
		Expect(dec.Dropped()).To(BeNumerically(">=", uint64(1)))
	})

	It("drops a frame whose CRC does not match", func() {
		payload := []byte("tampered")
		wire := framing.EncodeFrame(payload)
		// Flip a body bit without fixing the CRC trailer.
		decoded, err := framing.Decode(wire[:len(wire)-1])
		Expect(err).NotTo(HaveOccurred())
		decoded[0] ^= 0xFF
		reencoded := framing.Encode(decoded)

		frames := dec.Feed(reencoded)
		Expect(frames).To(BeEmpty())
		Expect(dec.Dropped()).To(Equal(uint64(1)))
	})
})

var _ = Describe("CRC16", func() {
	It("is deterministic", func() {
		Expect(framing.CRC16([]byte("abc"))).To(Equal(framing.CRC16([]byte("abc"))))
	})

	It("changes when input changes", func() {
		Expect(framing.CRC16([]byte("abc"))).NotTo(Equal(framing.CRC16([]byte("abd"))))
	})
})
