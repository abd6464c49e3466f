package introspect_test

import (
	"encoding/json"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/internal/introspect"
	"github.com/jamesmunns/ergot/link"
	"github.com/jamesmunns/ergot/node"
	"github.com/jamesmunns/ergot/pna"
	"github.com/jamesmunns/ergot/socket"
)

var _ = Describe("Server", func() {
	var (
		n  *node.Node
		ts *httptest.Server
	)

	BeforeEach(func() {
		n = node.New(node.Config{
			Name:       "root",
			LocalScope: 8,
			LocalSeed:  alloc.Range{Base: 0, Len: 8},
		})

		rootSide, _ := link.NewMemoryPair("to-child", "to-root")
		n.AttachChildLink("to-child", rootSide)

		// The root's only local address is its identity address 0, which
		// node.New reserves for it.
		_, err := n.Sockets().Register(pna.MustMake(0, 8), socket.Endpoint, 4)
		Expect(err).NotTo(HaveOccurred())

		srv := introspect.NewServer(n)
		ts = httptest.NewServer(srv.Handler())
	})

	AfterEach(func() {
		ts.Close()
	})

	It("reports the local range on /api/routes", func() {
		resp, err := ts.Client().Get(ts.URL + "/api/routes")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body struct {
			HaveLocal bool   `json:"have_local"`
			Local     string `json:"local"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.HaveLocal).To(BeTrue())
	})

	It("reports free and live spans on /api/pool", func() {
		resp, err := ts.Client().Get(ts.URL + "/api/pool")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body struct {
			Free []struct {
				Base uint32 `json:"base"`
				Len  uint8  `json:"len"`
			} `json:"free"`
			Live []struct {
				Base uint32 `json:"base"`
				Len  uint8  `json:"len"`
			} `json:"live"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.Live).NotTo(BeEmpty())
	})

	It("lists the registered endpoint socket on /api/sockets", func() {
		resp, err := ts.Client().Get(ts.URL + "/api/sockets")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body []struct {
			Address string `json:"address"`
			Kind    string `json:"kind"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())

		var found bool
		for _, s := range body {
			if s.Kind == "endpoint" {
				found = true
			}
		}
		Expect(found).To(BeTrue())
	})

	It("lists the attached link on /api/links", func() {
		resp, err := ts.Client().Get(ts.URL + "/api/links")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body).To(HaveLen(1))
		Expect(body[0].ID).To(Equal("to-child"))
		Expect(body[0].State).To(Equal("bound"))
	})

	It("reports process resource usage on /api/resource", func() {
		resp, err := ts.Client().Get(ts.URL + "/api/resource")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body struct {
			MemoryRSS uint64 `json:"memory_rss"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.MemoryRSS).To(BeNumerically(">", 0))
	})
})
