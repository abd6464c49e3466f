// Package idgen hands out process-unique string identifiers for things that
// need a stable handle but no particular numeric meaning (socket handles,
// pending-request tokens).
//
// Grounded on sarchlab/akita/v4/sim/idgenerator.go: a package-level
// generator selectable between a deterministic sequential mode (useful for
// reproducible test output) and a globally-unique parallel mode backed by
// github.com/rs/xid, locked in on first use.
package idgen

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator produces unique string IDs.
type Generator interface {
	Generate() string
}

var (
	mu          sync.Mutex
	instantiated bool
	generator   Generator
)

// UseSequential configures the generator to hand out "1", "2", "3", ...
// Must be called before the first Generate call.
func UseSequential() {
	lockAndSet(&sequentialGenerator{})
}

// UseXID configures the generator to hand out globally unique xid strings
// (github.com/rs/xid), the right choice once more than one goroutine or
// process may be generating IDs concurrently.
func UseXID() {
	lockAndSet(xidGenerator{})
}

func lockAndSet(g Generator) {
	mu.Lock()
	defer mu.Unlock()

	if instantiated {
		log.Panic("cannot change id generator mode after it has been used")
	}

	generator = g
	instantiated = true
}

// Get returns the current generator, defaulting to UseXID if nothing has
// configured one yet.
func Get() Generator {
	mu.Lock()
	defer mu.Unlock()

	if !instantiated {
		generator = xidGenerator{}
		instantiated = true
	}

	return generator
}

type sequentialGenerator struct {
	next uint64
}

func (g *sequentialGenerator) Generate() string {
	n := atomic.AddUint64(&g.next, 1)
	return strconv.FormatUint(n, 10)
}

type xidGenerator struct{}

func (xidGenerator) Generate() string {
	return xid.New().String()
}
