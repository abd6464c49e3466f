package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesmunns/ergot/internal/config"
)

const sampleTOML = `
name = "edge-7"
local_scope = 16
local_seed_base = 0
local_seed_len = 8
max_frame = 512
link_error_threshold = 4
upstream_deadline = "2s"

[[links]]
id = "uplink"
transport = "tcp"
address = "10.0.0.1:7000"
parent = true

[[links]]
id = "sensor-0"
transport = "serial"
address = "/dev/ttyUSB0"
`

func writeTemp(contents string) string {
	dir, err := os.MkdirTemp("", "ergot-config-test")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "node.toml")
	Expect(os.WriteFile(path, []byte(contents), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Load", func() {
	It("parses a well-formed NodeConfig", func() {
		cfg, err := config.Load(writeTemp(sampleTOML))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Name).To(Equal("edge-7"))
		Expect(cfg.LocalScope).To(Equal(uint8(16)))
		Expect(cfg.LocalSeedLen).To(Equal(uint8(8)))
		Expect(cfg.MaxFrame).To(Equal(512))
		Expect(cfg.LinkErrorThreshold).To(Equal(4))
		Expect(cfg.Deadline()).To(Equal(2 * time.Second))
		Expect(cfg.Links).To(HaveLen(2))
		Expect(cfg.Links[0].Parent).To(BeTrue())
		Expect(cfg.Links[1].Parent).To(BeFalse())
	})

	It("defaults upstream_deadline to 5s when absent", func() {
		cfg, err := config.Load(writeTemp(`
name = "edge-7"
local_scope = 16
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Deadline()).To(Equal(5 * time.Second))
	})

	It("rejects a config with no name", func() {
		_, err := config.Load(writeTemp(`
local_scope = 16
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a local_scope out of range", func() {
		_, err := config.Load(writeTemp(`
name = "edge-7"
local_scope = 33
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects local_seed_len wider than local_scope", func() {
		_, err := config.Load(writeTemp(`
name = "edge-7"
local_scope = 8
local_seed_len = 9
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a second parent link", func() {
		_, err := config.Load(writeTemp(`
name = "edge-7"
local_scope = 16

[[links]]
id = "a"
transport = "tcp"
address = "10.0.0.1:7000"
parent = true

[[links]]
id = "b"
transport = "tcp"
address = "10.0.0.2:7000"
parent = true
`))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a link missing its transport", func() {
		_, err := config.Load(writeTemp(`
name = "edge-7"
local_scope = 16

[[links]]
id = "a"
address = "10.0.0.1:7000"
`))
		Expect(err).To(HaveOccurred())
	})

	It("returns an error for a missing file", func() {
		_, err := config.Load(filepath.Join(os.TempDir(), "does-not-exist-ergot.toml"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ApplyEnvOverrides", func() {
	AfterEach(func() {
		os.Unsetenv(config.EnvName)
		os.Unsetenv(config.EnvLocalScope)
		os.Unsetenv(config.EnvUpstreamDeadline)
		os.Unsetenv(config.EnvMaxFrame)
		os.Unsetenv(config.EnvLinkErrorThreshold)
	})

	It("overrides fields whose variable is set and leaves the rest alone", func() {
		cfg := config.NodeConfig{
			Name:               "base",
			LocalScope:         8,
			UpstreamDeadline:   "5s",
			MaxFrame:           1100,
			LinkErrorThreshold: 8,
		}

		os.Setenv(config.EnvName, "overridden")
		os.Setenv(config.EnvUpstreamDeadline, "750ms")

		config.ApplyEnvOverrides(&cfg)

		Expect(cfg.Name).To(Equal("overridden"))
		Expect(cfg.LocalScope).To(Equal(uint8(8)))
		Expect(cfg.UpstreamDeadline).To(Equal("750ms"))
		Expect(cfg.MaxFrame).To(Equal(1100))
		Expect(cfg.LinkErrorThreshold).To(Equal(8))
	})

	It("ignores an unparseable override", func() {
		cfg := config.NodeConfig{LocalScope: 8}

		os.Setenv(config.EnvLocalScope, "not-a-number")
		config.ApplyEnvOverrides(&cfg)

		Expect(cfg.LocalScope).To(Equal(uint8(8)))
	})
})

var _ = Describe("LoadDotEnv", func() {
	It("is not an error when the file does not exist", func() {
		err := config.LoadDotEnv(filepath.Join(os.TempDir(), "does-not-exist-ergot.env"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("loads variables from a .env file into the process environment", func() {
		dir, err := os.MkdirTemp("", "ergot-dotenv-test")
		Expect(err).NotTo(HaveOccurred())
		path := filepath.Join(dir, ".env")
		Expect(os.WriteFile(path, []byte("ERGOT_NAME=from-dotenv\n"), 0o644)).To(Succeed())
		defer os.Unsetenv("ERGOT_NAME")

		Expect(config.LoadDotEnv(path)).To(Succeed())
		Expect(os.Getenv("ERGOT_NAME")).To(Equal("from-dotenv"))
	})
})
