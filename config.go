package grounding

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the grounding engine configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Index     IndexConfig     `yaml:"index"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Assembler AssemblerConfig `yaml:"assembler"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // local, dev, prod (default: local)
	Level string `yaml:"level"` // debug, info, warn, error
}

// EmbeddingConfig holds embedding provider settings. The model name is
// also the cache's model version: changing it invalidates every
// persisted embedding.
type EmbeddingConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
	MaxRetries  int    `yaml:"max_retries"`
	BackoffMSec int    `yaml:"backoff_msec"`
}

// CacheConfig holds embedding cache settings.
type CacheConfig struct {
	Driver   string   `yaml:"driver"` // memory, sqlite, redis (default: memory)
	Capacity int      `yaml:"capacity"`
	Path     string   `yaml:"path"`  // sqlite only
	Addrs    []string `yaml:"addrs"` // redis only
	Password string   `yaml:"password"`
}

// ChunkerConfig holds document chunking settings.
type ChunkerConfig struct {
	MaxChunkLen  int     `yaml:"max_chunk_len"`
	OverlapRatio float64 `yaml:"overlap_ratio"`
}

// IndexConfig holds HNSW index settings.
type IndexConfig struct {
	HNSWM           int     `yaml:"hnsw_m"`
	HNSWEFConstruct int     `yaml:"hnsw_ef_construction"`
	HNSWEFSearch    int     `yaml:"hnsw_ef_search"`
	CompactRatio    float64 `yaml:"compact_ratio"`
}

// RetrieverConfig holds retrieval and ranking settings. The similarity /
// recency balance is an exposed tunable.
type RetrieverConfig struct {
	Overfetch        int     `yaml:"overfetch"`
	SimilarityWeight float64 `yaml:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
}

// AssemblerConfig holds prompt assembly bounds.
type AssemblerConfig struct {
	MaxTurns         int `yaml:"max_turns"`
	BudgetChars      int `yaml:"budget_chars"`
	MinEvidenceChars int `yaml:"min_evidence_chars"`
}

// LoadConfig reads configuration from a YAML file, expanding ${VAR} and
// ${VAR:-default} references from the environment.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoadConfig loads configuration or panics.
func MustLoadConfig(path string) Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// DefaultConfig returns a configuration with all defaults applied and an
// in-memory cache driver.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Logging.Env == "" {
		c.Logging.Env = "local"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 3
	}
	if c.Embedding.BackoffMSec <= 0 {
		c.Embedding.BackoffMSec = 200
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 10000
	}
	if c.Chunker.MaxChunkLen <= 0 {
		c.Chunker.MaxChunkLen = 400
	}
	if c.Chunker.OverlapRatio <= 0 {
		c.Chunker.OverlapRatio = 0.2
	}
	if c.Index.HNSWM <= 0 {
		c.Index.HNSWM = 16
	}
	if c.Index.HNSWEFConstruct <= 0 {
		c.Index.HNSWEFConstruct = 200
	}
	if c.Index.HNSWEFSearch <= 0 {
		c.Index.HNSWEFSearch = 64
	}
	if c.Index.CompactRatio <= 0 {
		c.Index.CompactRatio = 0.3
	}
	if c.Retriever.Overfetch <= 0 {
		c.Retriever.Overfetch = 4
	}
	// Both weights zero means unset. A single explicit zero is a valid
	// pure-similarity or pure-recency ranking and is left alone.
	if c.Retriever.SimilarityWeight == 0 && c.Retriever.RecencyWeight == 0 {
		c.Retriever.SimilarityWeight = 0.8
		c.Retriever.RecencyWeight = 0.2
	}
	if c.Assembler.MaxTurns <= 0 {
		c.Assembler.MaxTurns = 10
	}
	if c.Assembler.BudgetChars <= 0 {
		c.Assembler.BudgetChars = 8000
	}
	if c.Assembler.MinEvidenceChars <= 0 {
		c.Assembler.MinEvidenceChars = 200
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite driver")
		}
	case "redis":
		if len(c.Cache.Addrs) == 0 {
			return fmt.Errorf("cache.addrs is required for the redis driver")
		}
	default:
		return fmt.Errorf("cache.driver must be memory, sqlite, or redis, got %q", c.Cache.Driver)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Chunker.OverlapRatio < 0 || c.Chunker.OverlapRatio >= 1 {
		return fmt.Errorf("chunker.overlap_ratio must be in [0, 1), got %g", c.Chunker.OverlapRatio)
	}
	if c.Retriever.SimilarityWeight < 0 || c.Retriever.RecencyWeight < 0 {
		return fmt.Errorf("retriever weights must not be negative")
	}
	if c.Retriever.SimilarityWeight+c.Retriever.RecencyWeight <= 0 {
		return fmt.Errorf("retriever weights must not both be zero")
	}
	if c.Assembler.MinEvidenceChars >= c.Assembler.BudgetChars {
		return fmt.Errorf("assembler.min_evidence_chars (%d) must be below budget_chars (%d)",
			c.Assembler.MinEvidenceChars, c.Assembler.BudgetChars)
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
