package config

import (
	"os"
	"path/filepath"
	"time"

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
		tempDir, err = os.MkdirTemp("", "handshake-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
workspace:
  root: "/var/lib/handshake/workspace"

database:
  url: "sqlite:///var/lib/handshake/core.db"
  max_open_conns: 10

llm:
  provider: "anthropic"
  model: "claude-sonnet-4-5"
  timeout: "30s"
  retry_count: 3
  temperature: 0.2

retrieval:
  cache_ttl: "5m"
  vector_weight: 0.6
  keyword_weight: 0.4
  top_k: 20

retention:
  event_ttl: "720h"
  diagnostics_ttl: "720h"
  bundle_ttl: "168h"

logging:
  level: "info"
  format: "json"

metrics:
  port: "9090"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())

				Expect(cfg.Workspace.Root).To(Equal("/var/lib/handshake/workspace"))

				Expect(cfg.Database.URL).To(Equal("sqlite:///var/lib/handshake/core.db"))
				Expect(cfg.Database.MaxOpenConns).To(Equal(10))

				Expect(cfg.LLM.Provider).To(Equal("anthropic"))
				Expect(cfg.LLM.Model).To(Equal("claude-sonnet-4-5"))
				Expect(cfg.LLM.Timeout).To(Equal(30 * time.Second))
				Expect(cfg.LLM.RetryCount).To(Equal(3))
				Expect(cfg.LLM.Temperature).To(Equal(float32(0.2)))

				Expect(cfg.Retrieval.CacheTTL).To(Equal(5 * time.Minute))
				Expect(cfg.Retrieval.VectorWeight).To(Equal(float32(0.6)))
				Expect(cfg.Retrieval.KeywordWeight).To(Equal(float32(0.4)))
				Expect(cfg.Retrieval.TopK).To(Equal(20))

				Expect(cfg.Retention.EventTTL).To(Equal(720 * time.Hour))
				Expect(cfg.Retention.DiagnosticsTTL).To(Equal(720 * time.Hour))
				Expect(cfg.Retention.BundleTTL).To(Equal(168 * time.Hour))

				Expect(cfg.Logging.Level).To(Equal("info"))
				Expect(cfg.Logging.Format).To(Equal("json"))

				Expect(cfg.Metrics.Port).To(Equal("9090"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
workspace:
  root: "/tmp/handshake"

llm:
  provider: "anthropic"
  model: "claude-sonnet-4-5"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Workspace.Root).To(Equal("/tmp/handshake"))
				Expect(cfg.LLM.Provider).To(Equal("anthropic"))

				Expect(cfg.Database.URL).To(Equal("sqlite://handshake.db"))
				Expect(cfg.Retrieval.TopK).To(Equal(20))
				Expect(cfg.Retention.EventTTL).To(Equal(720 * time.Hour))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
workspace:
  root: [
llm:
  provider: "anthropic"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
workspace:
  root: "/tmp/handshake"

llm:
  provider: "anthropic"
  model: "test"
  timeout: "invalid-duration"

retention:
  event_ttl: "not-a-duration"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = &Config{
				Workspace: WorkspaceConfig{Root: "/var/lib/handshake"},
				Database:  DatabaseConfig{URL: "sqlite://handshake.db", MaxOpenConns: 10},
				LLM: LLMConfig{
					Provider:    "anthropic",
					Model:       "claude-sonnet-4-5",
					Timeout:     30 * time.Second,
					RetryCount:  3,
					Temperature: 0.2,
				},
				Retrieval: RetrievalConfig{
					CacheTTL:      5 * time.Minute,
					VectorWeight:  0.6,
					KeywordWeight: 0.4,
					TopK:          20,
				},
				Retention: RetentionConfig{
					EventTTL:       720 * time.Hour,
					DiagnosticsTTL: 720 * time.Hour,
					BundleTTL:      168 * time.Hour,
				},
				Logging: LoggingConfig{Level: "info", Format: "json"},
			}
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(cfg)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when LLM provider is invalid", func() {
			BeforeEach(func() {
				cfg.LLM.Provider = "invalid"
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported LLM provider"))
			})
		})

		Context("when workspace root is missing", func() {
			BeforeEach(func() {
				cfg.Workspace.Root = ""
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("workspace root is required"))
			})
		})

		Context("when database URL is missing", func() {
			BeforeEach(func() {
				cfg.Database.URL = ""
			})

			It("should set default database URL", func() {
				err := validate(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Database.URL).To(Equal("sqlite://handshake.db"))
			})
		})

		Context("when LLM model is missing", func() {
			BeforeEach(func() {
				cfg.LLM.Model = ""
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("LLM model is required"))
			})
		})

		Context("when LLM temperature is out of range", func() {
			BeforeEach(func() {
				cfg.LLM.Temperature = 1.5
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("LLM temperature must be between 0.0 and 1.0"))
			})
		})

		Context("when retrieval weights don't sum to 1.0", func() {
			BeforeEach(func() {
				cfg.Retrieval.VectorWeight = 0.9
				cfg.Retrieval.KeywordWeight = 0.9
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("vector_weight and keyword_weight must sum to 1.0"))
			})
		})

		Context("when retrieval top_k is invalid", func() {
			BeforeEach(func() {
				cfg.Retrieval.TopK = -1
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("top_k must be greater than 0"))
			})
		})

		Context("when max open conns is negative", func() {
			BeforeEach(func() {
				cfg.Database.MaxOpenConns = -1
			})

			It("should return validation error", func() {
				err := validate(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_open_conns must be greater than 0"))
			})
		})

		Context("when LLM retry count is negative", func() {
			BeforeEach(func() {
				cfg.LLM.RetryCount = -1
			})

			It("should pass validation", func() {
				err := validate(cfg)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when LLM timeout is negative", func() {
			BeforeEach(func() {
				cfg.LLM.Timeout = -1 * time.Second
			})

			It("should pass validation", func() {
				err := validate(cfg)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("loadFromEnv", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = &Config{}
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("HANDSHAKE_WORKSPACE_ROOT", "/env/workspace")
				os.Setenv("DATABASE_URL", "postgres://localhost/handshake")
				os.Setenv("LOG_LEVEL", "debug")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Workspace.Root).To(Equal("/env/workspace"))
				Expect(cfg.Database.URL).To(Equal("postgres://localhost/handshake"))
				Expect(cfg.Logging.Level).To(Equal("debug"))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				original := *cfg
				err := loadFromEnv(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(*cfg).To(Equal(original))
			})
		})
	})
})
