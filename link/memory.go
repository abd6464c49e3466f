package link

import "io"

// memTransport is an io.Pipe-backed Transport, used to build a zero-loss,
// zero-latency pair of connected links for tests — the real-time analogue
// of sarchlab/akita/v4/sim.DirectConnection ("connects two components
// without latency").
type memTransport struct {
	io.Reader
	io.Writer
}

func (memTransport) Close() error { return nil }

// NewMemoryPair returns two Links, a and b, wired together with io.Pipe so
// that anything a sends arrives on b and vice versa. Callers must run
// RunReadPump for both in their own goroutines.
func NewMemoryPair(idA, idB string) (a, b *Link) {
	arA, awB := io.Pipe()
	arB, awA := io.Pipe()

	a = New(idA, memTransport{Reader: arA, Writer: awA}, 0, 0)
	b = New(idB, memTransport{Reader: arB, Writer: awB}, 0, 0)

	return a, b
}
