// Package config loads the boot configuration a standalone ergot node
// process needs: its local address pool seed, frame and retry tuning, and
// the set of links it should attach on startup.
//
// No repo in the pack defines a networked-node config loader, so the
// closest analogue wins: danmuck-edgectl's internal/config loads daemon
// configuration from a TOML file with validation and environment
// overrides (internal/logging/config.go's applyEnvOverrides). ergot
// keeps that shape: Load reads NodeConfig from TOML via
// github.com/BurntSushi/toml, ApplyEnvOverrides lets a handful of fields
// be overridden from the process environment the way EDGECTL_LOG_LEVEL
// overrides edgectl's logging profile, and LoadDotEnv wraps
// github.com/joho/godotenv the way the teacher loads .env files ahead of
// its own environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvName               = "ERGOT_NAME"
	EnvLocalScope         = "ERGOT_LOCAL_SCOPE"
	EnvUpstreamDeadline   = "ERGOT_UPSTREAM_DEADLINE"
	EnvMaxFrame           = "ERGOT_MAX_FRAME"
	EnvLinkErrorThreshold = "ERGOT_LINK_ERROR_THRESHOLD"
)

// LinkConfig describes one transport this node should attach on startup.
// Transport is a driver name ("tcp", "unix", "serial", "memory"); Address
// is interpreted by that driver (host:port, a socket path, a device path).
// A node has at most one Parent link; every other entry is a child link.
type LinkConfig struct {
	ID        string `toml:"id"`
	Transport string `toml:"transport"`
	Address   string `toml:"address"`
	Parent    bool   `toml:"parent"`
}

// NodeConfig is the TOML-file shape a standalone ergot node process loads
// at startup (spec.md §4.7's Config plus the link set and tuning the
// library-level node.Config leaves to its caller).
type NodeConfig struct {
	Name          string `toml:"name"`
	LocalScope    uint8  `toml:"local_scope"`
	LocalSeedBase uint32 `toml:"local_seed_base"`
	LocalSeedLen  uint8  `toml:"local_seed_len"`

	// MaxFrame overrides framing.DefaultMaxFrame when non-zero.
	MaxFrame int `toml:"max_frame"`
	// LinkErrorThreshold overrides link.DefaultErrorThreshold when non-zero.
	LinkErrorThreshold int `toml:"link_error_threshold"`
	// UpstreamDeadline bounds a parent-facing AttachParentLink handshake
	// attempt; parsed with time.ParseDuration ("5s", "250ms", ...).
	UpstreamDeadline string `toml:"upstream_deadline"`

	Links []LinkConfig `toml:"links"`
}

// Load reads and validates a NodeConfig from a TOML file at path.
func Load(path string) (NodeConfig, error) {
	var cfg NodeConfig

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if cfg.UpstreamDeadline == "" {
		cfg.UpstreamDeadline = "5s"
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}

	return cfg, nil
}

// LoadDotEnv loads environment overrides from a .env file at path, the way
// an ergotd process loads CI-provided overrides before parsing its TOML
// config. A missing file is not an error: godotenv.Load reports it, and
// this function discards that error when os.IsNotExist matches it, since
// callers often run without a .env present at all.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf(".env load failed (%s): %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides mutates cfg in place with any of the ERGOT_* variables
// present in the process environment, leaving fields whose variable is
// unset or unparseable untouched.
func ApplyEnvOverrides(cfg *NodeConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvName)); v != "" {
		cfg.Name = v
	}
	if v, ok := parseUint8(os.Getenv(EnvLocalScope)); ok {
		cfg.LocalScope = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamDeadline)); v != "" {
		cfg.UpstreamDeadline = v
	}
	if v, ok := parseInt(os.Getenv(EnvMaxFrame)); ok {
		cfg.MaxFrame = v
	}
	if v, ok := parseInt(os.Getenv(EnvLinkErrorThreshold)); ok {
		cfg.LinkErrorThreshold = v
	}
}

// Deadline parses cfg.UpstreamDeadline, defaulting to 5s if it is empty or
// malformed.
func (cfg NodeConfig) Deadline() time.Duration {
	d, err := time.ParseDuration(cfg.UpstreamDeadline)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Validate checks the structural requirements Load and a hand-built
// NodeConfig both need to satisfy before being handed to node.New.
func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	if cfg.LocalScope == 0 || cfg.LocalScope > 32 {
		return fmt.Errorf("node config local_scope must be in 1..32, got %d", cfg.LocalScope)
	}
	if cfg.LocalSeedLen > cfg.LocalScope {
		return fmt.Errorf("node config local_seed_len (%d) exceeds local_scope (%d)", cfg.LocalSeedLen, cfg.LocalScope)
	}
	if _, err := time.ParseDuration(cfg.UpstreamDeadline); err != nil {
		return fmt.Errorf("node config upstream_deadline invalid: %w", err)
	}

	seenParent := false
	for i, link := range cfg.Links {
		if strings.TrimSpace(link.ID) == "" {
			return fmt.Errorf("link[%d] missing id", i)
		}
		if strings.TrimSpace(link.Transport) == "" {
			return fmt.Errorf("link[%d] (%s) missing transport", i, link.ID)
		}
		if strings.TrimSpace(link.Address) == "" {
			return fmt.Errorf("link[%d] (%s) missing address", i, link.ID)
		}
		if link.Parent {
			if seenParent {
				return fmt.Errorf("link[%d] (%s) is a second parent link; a node may have only one", i, link.ID)
			}
			seenParent = true
		}
	}

	return nil
}

func parseUint8(raw string) (uint8, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

func parseInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
