// Package introspect exposes a node's internal state over a read-only HTTP
// API: routing table, address pool, socket fabric, link set and host
// process metrics as JSON.
//
// Grounded on sarchlab/akita/v4/monitoring.Monitor: a gorilla/mux router
// serving a fixed set of /api/* JSON endpoints over a net.Listen'd port,
// plus a shirou/gopsutil-backed /api/resource handler
// (monitoring/monitor.go's listResources). ergot swaps the teacher's
// simulation-control endpoints (pause/continue/tick) for read-only
// snapshots of a running node's protocol state, since a live node has no
// equivalent of a paused discrete-event engine to step.
package introspect

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"

	"github.com/jamesmunns/ergot/node"
	"github.com/jamesmunns/ergot/socket"
)

// Server serves a single node's diagnostic state over HTTP.
type Server struct {
	node     *node.Node
	router   *mux.Router
	listener net.Listener
}

// NewServer builds a Server wired to n. Call ListenAndServe to start it.
func NewServer(n *node.Node) *Server {
	s := &Server{node: n, router: mux.NewRouter()}

	s.router.HandleFunc("/api/routes", s.routes).Methods(http.MethodGet)
	s.router.HandleFunc("/api/pool", s.pool).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sockets", s.sockets).Methods(http.MethodGet)
	s.router.HandleFunc("/api/links", s.links).Methods(http.MethodGet)
	s.router.HandleFunc("/api/resource", s.resource).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)

	return s
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, []string{"/api/routes", "/api/pool", "/api/sockets", "/api/links", "/api/resource"})
}

// Handler returns the underlying http.Handler, for tests that want to drive
// it with httptest.Server without binding a real port.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe binds addr (":0" for a random port) and serves until the
// process exits or Close is called. It returns once the listener is bound;
// serving happens in its own goroutine, mirroring the teacher's own
// StartServer (monitoring/monitor.go), which returns as soon as the
// listener exists rather than blocking on http.Serve.
func (s *Server) ListenAndServe(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("introspect: listen failed: %w", err)
	}
	s.listener = listener

	go func() {
		_ = http.Serve(listener, s.router)
	}()

	return listener.Addr().String(), nil
}

// Close stops the listener, if one was started.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Open launches the local system's default browser at this server's root,
// for `ergotd run --open`. The dashboard itself (static assets behind "/")
// is not yet built; this only targets the JSON API root for now.
func (s *Server) Open() error {
	if s.listener == nil {
		return fmt.Errorf("introspect: server is not listening")
	}
	return browser.OpenURL("http://" + s.listener.Addr().String() + "/")
}

type routeEntryView struct {
	Prefix string `json:"prefix"`
	Free   uint8  `json:"free"`
	Link   string `json:"link"`
}

type routesView struct {
	Local      string           `json:"local,omitempty"`
	LocalFree  uint8            `json:"local_free"`
	Parent     string           `json:"parent,omitempty"`
	HaveLocal  bool             `json:"have_local"`
	HaveParent bool             `json:"have_parent"`
	Routes     []routeEntryView `json:"routes"`
}

func (s *Server) routes(w http.ResponseWriter, _ *http.Request) {
	local, localFree, haveLocal, parent, haveParent, entries := s.node.Routing().Snapshot()

	view := routesView{
		LocalFree:  localFree,
		HaveLocal:  haveLocal,
		HaveParent: haveParent,
		Routes:     make([]routeEntryView, len(entries)),
	}
	if haveLocal {
		view.Local = local.String()
	}
	if haveParent {
		view.Parent = string(parent)
	}
	for i, e := range entries {
		view.Routes[i] = routeEntryView{Prefix: e.Prefix.String(), Free: e.Free, Link: string(e.Link)}
	}

	writeJSON(w, view)
}

type rangeView struct {
	Base uint32 `json:"base"`
	Len  uint8  `json:"len"`
}

type poolView struct {
	Free []rangeView `json:"free"`
	Live []rangeView `json:"live"`
}

func (s *Server) pool(w http.ResponseWriter, _ *http.Request) {
	alloc := s.node.Allocator()
	free := alloc.FreeSpans()
	live := alloc.LiveAllocs()

	view := poolView{
		Free: make([]rangeView, len(free)),
		Live: make([]rangeView, len(live)),
	}
	for i, r := range free {
		view.Free[i] = rangeView{Base: r.Base, Len: r.Len}
	}
	for i, r := range live {
		view.Live[i] = rangeView{Base: r.Base, Len: r.Len}
	}

	writeJSON(w, view)
}

type socketView struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Kind     string `json:"kind"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Suspended bool  `json:"suspended"`
}

func (s *Server) sockets(w http.ResponseWriter, _ *http.Request) {
	socks := s.node.Sockets().Sockets()

	view := make([]socketView, len(socks))
	for i, sock := range socks {
		view[i] = socketView{
			ID:        sock.ID(),
			Address:   sock.Address().String(),
			Kind:      socketKindName(sock.Kind()),
			QueueLen:  sock.QueueLen(),
			QueueCap:  sock.QueueCap(),
			Suspended: sock.IsSuspended(),
		}
	}

	writeJSON(w, view)
}

type linkView struct {
	ID                   string `json:"id"`
	State                string `json:"state"`
	IsParentFacing       bool   `json:"is_parent_facing"`
	ConsecutiveBadFrames int    `json:"consecutive_bad_frames"`
	Threshold            int    `json:"threshold"`
}

func (s *Server) links(w http.ResponseWriter, _ *http.Request) {
	summaries := s.node.Links()

	view := make([]linkView, len(summaries))
	for i, l := range summaries {
		view[i] = linkView{
			ID:                   string(l.ID),
			State:                l.State.String(),
			IsParentFacing:       l.IsParentFacing,
			ConsecutiveBadFrames: l.Stats.ConsecutiveBadFrames,
			Threshold:            l.Stats.Threshold,
		}
	}

	writeJSON(w, view)
}

type resourceView struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
}

// resource reports this process's own CPU/memory usage, mirroring
// monitoring/monitor.go's listResources: a node has no simulated
// components to report on, but the host-mode deployment shape still wants
// to know what the node process itself is costing.
func (s *Server) resource(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resourceView{CPUPercent: cpuPercent, MemoryRSS: memInfo.RSS})
}

func socketKindName(k socket.Kind) string {
	switch k {
	case socket.Endpoint:
		return "endpoint"
	case socket.Topic:
		return "topic"
	case socket.AnyListener:
		return "any-listener"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
