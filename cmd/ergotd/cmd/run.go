package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	// registers /debug/pprof/* on http.DefaultServeMux, exposed over
	// --pprof the way a node's own diagnostics dashboard exposes routes.
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/jamesmunns/ergot/alloc"
	"github.com/jamesmunns/ergot/internal/config"
	"github.com/jamesmunns/ergot/internal/introspect"
	"github.com/jamesmunns/ergot/link"
	"github.com/jamesmunns/ergot/node"
	"github.com/jamesmunns/ergot/routing"
)

var (
	configPath   string
	dotenvPath   string
	introspectOn bool
	introspectAt string
	openBrowser  bool
	pprofAddr    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a NodeConfig and run a node until interrupted.",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&configPath, "config", "ergotd.toml", "path to the NodeConfig TOML file")
	runCmd.Flags().StringVar(&dotenvPath, "env", ".env", "path to a .env file with NodeConfig overrides")
	runCmd.Flags().BoolVar(&introspectOn, "introspect", true, "serve the read-only diagnostics HTTP API")
	runCmd.Flags().StringVar(&introspectAt, "introspect-addr", ":0", "address the diagnostics HTTP API listens on")
	runCmd.Flags().BoolVar(&openBrowser, "open", false, "open the diagnostics API in a browser once it is listening")
	runCmd.Flags().StringVar(&pprofAddr, "pprof", "", "address to expose /debug/pprof/* on (empty disables it)")
}

func runNode(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(dotenvPath); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	config.ApplyEnvOverrides(&cfg)

	n := node.New(node.Config{
		Name:       cfg.Name,
		LocalScope: cfg.LocalScope,
		LocalSeed:  alloc.Range{Base: cfg.LocalSeedBase, Len: cfg.LocalSeedLen},
	})

	if pprofAddr != "" {
		listener, err := net.Listen("tcp", pprofAddr)
		if err != nil {
			return fmt.Errorf("ergotd: pprof listen failed: %w", err)
		}
		go func() { _ = http.Serve(listener, nil) }()
		atexit.Register(func() { listener.Close() })
	}

	if err := attachLinks(cmd.Context(), n, cfg); err != nil {
		return err
	}

	if introspectOn {
		srv := introspect.NewServer(n)
		addr, err := srv.ListenAndServe(introspectAt)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "ergotd: diagnostics API listening on %s\n", addr)
		atexit.Register(func() { srv.Close() })

		if openBrowser {
			if err := srv.Open(); err != nil {
				fmt.Fprintf(os.Stderr, "ergotd: could not open browser: %v\n", err)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "ergotd: node %q running\n", cfg.Name)

	waitForShutdown()
	atexit.Exit(0)

	return nil
}

// attachLinks dials every link.Transport config.Load validated and attaches
// it to n, driving the parent handshake (if any) with cfg.Deadline().
func attachLinks(ctx context.Context, n *node.Node, cfg config.NodeConfig) error {
	for _, lc := range cfg.Links {
		// net.Dial's network strings ("tcp", "unix", ...) happen to match
		// the transport names a NodeConfig names its links with; a
		// transport this process has no dialer for (e.g. "serial") simply
		// fails here with net.Dial's own "unknown network" error.
		conn, err := net.Dial(lc.Transport, lc.Address)
		if err != nil {
			return fmt.Errorf("ergotd: dial link %s (%s): %w", lc.ID, lc.Address, err)
		}

		l := link.New(lc.ID, conn, cfg.MaxFrame, cfg.LinkErrorThreshold)

		if lc.Parent {
			deadlineCtx, cancel := context.WithTimeout(ctx, cfg.Deadline())
			err := n.AttachParentLink(deadlineCtx, routing.LinkID(lc.ID), l, 0)
			cancel()
			if err != nil {
				return fmt.Errorf("ergotd: parent handshake on link %s: %w", lc.ID, err)
			}
			continue
		}

		n.AttachChildLink(routing.LinkID(lc.ID), l)
	}

	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
