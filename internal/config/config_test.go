package config

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Defaults", func() {
		It("matches the Python original's Settings defaults", func() {
			cfg := Defaults()
			Expect(cfg.Server.Port).To(Equal(8000))
			Expect(cfg.Storage.DataDir).To(Equal("data"))
			Expect(cfg.Build.Backend).To(Equal("local"))
			Expect(cfg.IdleController.EnvironmentIdleTimeoutMinutes).To(Equal(60))
			Expect(cfg.IdleController.RunRetentionDays).To(Equal(7))
			Expect(cfg.Warmup.PoolSize).To(Equal(3))
			Expect(cfg.LLMMetrics.RetentionDays).To(Equal(90))
			Expect(cfg.Logging.Level).To(Equal("info"))
		})
	})

	Describe("Load", func() {
		Context("when no config file is given", func() {
			It("returns validated defaults", func() {
				cfg, err := Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Build.Backend).To(Equal("local"))
			})
		})

		Context("when the config file does not exist", func() {
			It("falls back to defaults rather than erroring", func() {
				cfg, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Storage.DataDir).To(Equal("data"))
			})
		})

		Context("when the config file overrides a subset of fields", func() {
			BeforeEach(func() {
				valid := `
storage:
  data_dir: /var/lib/mellea
redis:
  url: redis://cache:6379
build:
  backend: cluster
  namespace: mellea-builds
  timeout_seconds: 900
`
				Expect(os.WriteFile(configFile, []byte(valid), 0o644)).To(Succeed())
			})

			It("merges file values over the defaults", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Storage.DataDir).To(Equal("/var/lib/mellea"))
				Expect(cfg.Redis.URL).To(Equal("redis://cache:6379"))
				Expect(cfg.Build.Backend).To(Equal("cluster"))
				Expect(cfg.Build.TimeoutSeconds).To(Equal(900))
				// untouched sections keep their defaults
				Expect(cfg.Warmup.PoolSize).To(Equal(3))
			})
		})

		Context("when the file fails validation", func() {
			BeforeEach(func() {
				invalid := `
build:
  backend: not-a-real-backend
`
				Expect(os.WriteFile(configFile, []byte(invalid), 0o644)).To(Succeed())
			})

			It("returns a validation error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
			})
		})

		Context("when the file is malformed YAML", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("not: [valid: yaml"), 0o644)).To(Succeed())
			})

			It("returns a parse error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("applyEnvOverrides", func() {
		AfterEach(func() {
			for _, key := range []string{
				"MELLEA_DATA_DIR", "MELLEA_BUILD_BACKEND", "MELLEA_WARMUP_ENABLED",
				"MELLEA_WARMUP_POOL_SIZE", "MELLEA_IDLE_CONTROLLER_ENABLED",
			} {
				os.Unsetenv(key)
			}
		})

		It("lets MELLEA_-prefixed env vars override file and defaults", func() {
			os.Setenv("MELLEA_DATA_DIR", "/env/data")
			os.Setenv("MELLEA_BUILD_BACKEND", "cluster")
			os.Setenv("MELLEA_WARMUP_ENABLED", "false")
			os.Setenv("MELLEA_WARMUP_POOL_SIZE", "9")
			os.Setenv("MELLEA_IDLE_CONTROLLER_ENABLED", "1")

			cfg, err := Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Storage.DataDir).To(Equal("/env/data"))
			Expect(cfg.Build.Backend).To(Equal("cluster"))
			Expect(cfg.Warmup.Enabled).To(BeFalse())
			Expect(cfg.Warmup.PoolSize).To(Equal(9))
			Expect(cfg.IdleController.Enabled).To(BeTrue())
		})
	})

	Describe("EnsureDataDirs", func() {
		It("creates the metadata, workspaces, and artifacts subdirectories", func() {
			cfg := Defaults()
			cfg.Storage.DataDir = tempDir

			Expect(EnsureDataDirs(cfg)).To(Succeed())
			for _, sub := range []string{"metadata", "workspaces", "artifacts"} {
				info, err := os.Stat(filepath.Join(tempDir, sub))
				Expect(err).NotTo(HaveOccurred())
				Expect(info.IsDir()).To(BeTrue())
			}
		})
	})
})
