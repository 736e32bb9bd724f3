package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the closed set of engine settings. Every field has a default;
// a YAML file and CITEBASE_* environment variables may override.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Model      ModelConfig      `yaml:"model"`
	Chunk      ChunkConfig      `yaml:"chunk"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Context    ContextConfig    `yaml:"context"`
	Cache      CacheConfig      `yaml:"cache"`
	Quota      QuotaConfig      `yaml:"quota"`
	Rate       RateConfig       `yaml:"rate"`
	IndexCache IndexCacheConfig `yaml:"index_cache"`
	Confidence ConfidenceConfig `yaml:"confidence"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Greetings  []string         `yaml:"greetings"`
	Tenants    []TenantAuth     `yaml:"tenants"`
	Log        LogConfig        `yaml:"log"`
}

// TenantAuth maps a static bearer token to a tenant. Real deployments put
// an identity-aware proxy in front; this is the minimal resolver the
// engine needs to receive a tenant context.
type TenantAuth struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

type ServerConfig struct {
	Port    int    `yaml:"port"`
	MCPPort int    `yaml:"mcp_port"`
	Token   string `yaml:"token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type ModelConfig struct {
	BaseURL        string  `yaml:"base_url"`
	CompletionName string  `yaml:"completion_model"`
	EmbeddingName  string  `yaml:"embedding_model"`
	EmbeddingDim   int     `yaml:"embedding_dim"`
	MaxBatchSize   int     `yaml:"max_batch_size"`
	MaxBatchTokens int     `yaml:"max_batch_tokens"`
	MaxRetries     int     `yaml:"max_retries"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	MaxOutputTok   int     `yaml:"max_output_tokens"`
}

// Timeout returns the provider call timeout.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

type ChunkConfig struct {
	TargetTokens  int    `yaml:"target_tokens"`
	OverlapTokens int    `yaml:"overlap_tokens"`
	MinTokens     int    `yaml:"min_tokens"`
	TokenizerID   string `yaml:"tokenizer_id"`
}

type RetrievalConfig struct {
	KRetrieval     int     `yaml:"k_retrieval"`
	KFused         int     `yaml:"k_fused"`
	KRRF           int     `yaml:"k_rrf"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
}

type ContextConfig struct {
	BudgetTokens int `yaml:"budget_tokens"`
}

type CacheConfig struct {
	TTLSeconds    int  `yaml:"ttl_seconds"`
	EnablePersist bool `yaml:"enable_persist"`
}

// TTL returns the response cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type QuotaConfig struct {
	MaxDocuments    int   `yaml:"max_documents"`
	MaxStorageBytes int64 `yaml:"max_storage_bytes"`
	DailyQueries    int   `yaml:"daily_queries"`
	DailyTokens     int   `yaml:"daily_tokens"`
}

type RateConfig struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type IndexCacheConfig struct {
	Size                 int `yaml:"size"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

// FlushInterval returns the dirty-index flush cadence.
func (i IndexCacheConfig) FlushInterval() time.Duration {
	return time.Duration(i.FlushIntervalSeconds) * time.Second
}

type ConfidenceConfig struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`
}

type RerankerConfig struct {
	Enabled bool   `yaml:"enabled"`
	ModelID string `yaml:"model_id"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4800,
			MCPPort: 4801,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Model: ModelConfig{
			BaseURL:        "http://localhost:11434",
			CompletionName: "mistral-nemo",
			EmbeddingName:  "nomic-embed-text",
			EmbeddingDim:   768,
			MaxBatchSize:   32,
			MaxBatchTokens: 8192,
			MaxRetries:     3,
			TimeoutSeconds: 60,
			Temperature:    0.1,
			MaxOutputTok:   1024,
		},
		Chunk: ChunkConfig{
			TargetTokens:  450,
			OverlapTokens: 80,
			MinTokens:     100,
			TokenizerID:   "simple-v1",
		},
		Retrieval: RetrievalConfig{
			KRetrieval:     20,
			KFused:         10,
			KRRF:           60,
			SemanticWeight: 1.0,
			KeywordWeight:  1.0,
		},
		Context: ContextConfig{
			BudgetTokens: 2000,
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
		},
		Quota: QuotaConfig{
			MaxDocuments:    100,
			MaxStorageBytes: 256 << 20,
			DailyQueries:    1000,
			DailyTokens:     500_000,
		},
		Rate: RateConfig{
			RPM: 60,
			TPM: 60_000,
		},
		IndexCache: IndexCacheConfig{
			Size:                 10,
			FlushIntervalSeconds: 30,
		},
		Confidence: ConfidenceConfig{
			High:   0.75,
			Medium: 0.5,
			Low:    0.25,
		},
		Reranker: RerankerConfig{
			Enabled: true,
			ModelID: "lexical-overlap",
		},
		Greetings: []string{
			"hi", "hello", "hey", "hii", "hiii", "good morning",
			"good afternoon", "good evening", "good night", "howdy",
			"sup", "yo", "greetings",
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".citebase"
	}
	return filepath.Join(home, ".citebase")
}

// Load reads configuration from an optional YAML file (CITEBASE_CONFIG or
// ~/.citebase/config.yaml) with CITEBASE_* environment overrides on top.
func Load() (Config, error) {
	path := os.Getenv("CITEBASE_CONFIG")
	if path == "" {
		path = filepath.Join(defaultDataDir(), "config.yaml")
	}
	return LoadFrom(path)
}

// LoadFrom loads defaults, overlays the YAML file at path if it exists,
// then applies environment overrides and validates.
func LoadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CITEBASE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CITEBASE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CITEBASE_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("CITEBASE_COMPLETION_MODEL"); v != "" {
		cfg.Model.CompletionName = v
	}
	if v := os.Getenv("CITEBASE_EMBEDDING_MODEL"); v != "" {
		cfg.Model.EmbeddingName = v
	}
	if v := os.Getenv("CITEBASE_API_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("CITEBASE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations that would break chunking determinism or
// governor arithmetic.
func (c Config) Validate() error {
	if c.Chunk.TargetTokens <= 0 {
		return fmt.Errorf("chunk.target_tokens must be positive, got %d", c.Chunk.TargetTokens)
	}
	if c.Chunk.OverlapTokens < 0 || c.Chunk.OverlapTokens >= c.Chunk.TargetTokens {
		return fmt.Errorf("chunk.overlap_tokens must be in [0, target_tokens), got %d", c.Chunk.OverlapTokens)
	}
	if c.Chunk.MinTokens <= 0 || c.Chunk.MinTokens > c.Chunk.TargetTokens {
		return fmt.Errorf("chunk.min_tokens must be in (0, target_tokens], got %d", c.Chunk.MinTokens)
	}
	if c.Retrieval.KRetrieval <= 0 || c.Retrieval.KFused <= 0 || c.Retrieval.KRRF <= 0 {
		return fmt.Errorf("retrieval k values must be positive")
	}
	if c.Context.BudgetTokens <= 0 {
		return fmt.Errorf("context.budget_tokens must be positive, got %d", c.Context.BudgetTokens)
	}
	if c.IndexCache.Size <= 0 {
		return fmt.Errorf("index_cache.size must be positive, got %d", c.IndexCache.Size)
	}
	if c.Rate.RPM <= 0 || c.Rate.TPM <= 0 {
		return fmt.Errorf("rate.rpm and rate.tpm must be positive")
	}
	if !(c.Confidence.High > c.Confidence.Medium && c.Confidence.Medium > c.Confidence.Low && c.Confidence.Low > 0) {
		return fmt.Errorf("confidence thresholds must satisfy high > medium > low > 0")
	}
	if strings.TrimSpace(c.Chunk.TokenizerID) == "" {
		return fmt.Errorf("chunk.tokenizer_id is required")
	}
	return nil
}
