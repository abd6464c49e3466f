package e2e_test

import (
	"context"
	"time"

	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/link"
	"github.com/jamesmunns/ergot/node"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/routing"
)

// starScope is the flat scope every node in these scenarios shares. A real
// deployment narrows scope with each hop down the tree (spec.md §6's
// A^10/B^8/... notation, exercised by buildBranchingTree below); the flat
// star keeps the single-hop scenarios focused on their own concern.
const starScope = uint8(8)

// buildStar attaches one node per name in childNames directly under a fresh
// root, each via its own in-memory link pair and a Len==0 parent request.
// It returns the root, the children keyed by name, and each child's granted
// address as the root sees it.
func buildStar(childNames ...string) (root *node.Node, children map[string]*node.Node, granted map[string]pna.Address) {
	root = node.New(node.Config{
		Name:       "root",
		LocalScope: starScope,
		LocalSeed:  alloc.Range{Base: 0, Len: 8},
	})

	children = make(map[string]*node.Node, len(childNames))
	granted = make(map[string]pna.Address, len(childNames))

	for _, name := range childNames {
		child := node.New(node.Config{
			Name:       name,
			LocalScope: starScope,
			LocalSeed:  alloc.Range{Base: 0, Len: 0},
		})

		linkID := routing.LinkID("to-" + name)
		rootSide, childSide := link.NewMemoryPair(string(linkID), "to-root")
		root.AttachChildLink(linkID, rootSide)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := child.AttachParentLink(ctx, "to-root", childSide, 0)
		cancel()
		Expect(err).NotTo(HaveOccurred())

		children[name] = child

		local, _, _, _, _, _ := child.Routing().Snapshot()
		granted[name] = local
	}

	return root, children, granted
}

// attachChild attaches child to parent over a fresh in-memory link pair,
// requesting a range of 2^requestLen addresses from parent's pool, and
// returns the address the child was granted (at parent's own scope).
func attachChild(parent, child *node.Node, linkName string, requestLen uint8) pna.Address {
	linkID := routing.LinkID(linkName)
	parentSide, childSide := link.NewMemoryPair(string(linkID), "to-"+parent.Name())
	parent.AttachChildLink(linkID, parentSide)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	err := child.AttachParentLink(ctx, routing.LinkID("to-"+parent.Name()), childSide, requestLen)
	cancel()
	Expect(err).NotTo(HaveOccurred())

	local, _, _, _, _, _ := child.Routing().Snapshot()
	return local
}

// buildBranchingTree wires up spec.md §6's three-level worked example:
//
//	A(^10) -> { B(^8), C(^9) -> { D(^8), E(^6) }, F(^7) }
//
// A is the root; B, C and F attach directly to A; D and E attach to the
// intermediate router C. C requests and is granted a subdivided (Len>0)
// range from A, which it further subdivides among D and E — the exact
// shape the routing fix (routing.Table/pna.ContainsRange) exists for.
func buildBranchingTree() (a, b, c, d, e, f *node.Node, addrs map[string]pna.Address) {
	a = node.New(node.Config{
		Name:       "A",
		LocalScope: 10,
		LocalSeed:  alloc.Range{Base: 0, Len: 10},
	})
	b = node.New(node.Config{Name: "B", LocalScope: 8, LocalSeed: alloc.Range{Base: 0, Len: 0}})
	// C subdivides its own granted range among D and E, so unlike a pure leaf
	// it needs local pool room beyond its own self-identity reservation.
	c = node.New(node.Config{Name: "C", LocalScope: 9, LocalSeed: alloc.Range{Base: 0, Len: 4}})
	d = node.New(node.Config{Name: "D", LocalScope: 8, LocalSeed: alloc.Range{Base: 0, Len: 0}})
	e = node.New(node.Config{Name: "E", LocalScope: 6, LocalSeed: alloc.Range{Base: 0, Len: 0}})
	f = node.New(node.Config{Name: "F", LocalScope: 7, LocalSeed: alloc.Range{Base: 0, Len: 0}})

	addrs = make(map[string]pna.Address, 5)
	addrs["B"] = attachChild(a, b, "a-to-b", 0)
	addrs["C"] = attachChild(a, c, "a-to-c", 9)
	addrs["F"] = attachChild(a, f, "a-to-f", 0)
	addrs["D"] = attachChild(c, d, "c-to-d", 0)
	addrs["E"] = attachChild(c, e, "c-to-e", 0)

	return a, b, c, d, e, f, addrs
}
