package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/agenthands/cardforge/internal/core/model"
)

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // memory or sqlite
	Path   string `toml:"path"`
}

type MemgraphConfig struct {
	Enabled  bool   `toml:"enabled"`
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type LLMConfig struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	MaxTokens      int    `toml:"max_tokens"`
}

type ProhibitedWordConfig struct {
	Word     string `toml:"word"`
	Category string `toml:"category"`
	Severity string `toml:"severity"`
}

// GuardrailConfig seeds the policy when the store holds none.
type GuardrailConfig struct {
	ConfidenceThreshold     float64                `toml:"confidence_threshold"`
	MinSourceCount          int                    `toml:"min_source_count"`
	AutoRejectFactMismatch  bool                   `toml:"auto_reject_fact_mismatch"`
	RequireApprovalHighRisk bool                   `toml:"require_approval_high_risk"`
	ProhibitedWords         []ProhibitedWordConfig `toml:"prohibited_words"`
}

type ConfidenceConfig struct {
	Aggregation string `toml:"aggregation"`
}

type ConflictConfig struct {
	// Similarity is bigram_dice or token_jaccard.
	Similarity         string  `toml:"similarity"`
	DuplicateThreshold float64 `toml:"duplicate_threshold"`
	OverlapThreshold   float64 `toml:"overlap_threshold"`
	// ScanInterval enables periodic scans; empty or "0" disables them.
	ScanInterval string `toml:"scan_interval"`
	ScanOnIngest bool   `toml:"scan_on_ingest"`
	UseLLMJudge  bool   `toml:"use_llm_judge"`
}

type MatcherConfig struct {
	MinScore      float64 `toml:"min_score"`
	MaxLinks      int     `toml:"max_links"`
	Concurrency   int     `toml:"concurrency"`
	UseEmbeddings bool    `toml:"use_embeddings"`
	UseReranker   bool    `toml:"use_reranker"`
}

type LocksConfig struct {
	Timeout string `toml:"timeout"`
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Store      StoreConfig      `toml:"store"`
	Memgraph   MemgraphConfig   `toml:"memgraph"`
	LLM        LLMConfig        `toml:"llm"`
	Guardrail  GuardrailConfig  `toml:"guardrail"`
	Confidence ConfidenceConfig `toml:"confidence"`
	Conflict   ConflictConfig   `toml:"conflict"`
	Matcher    MatcherConfig    `toml:"matcher"`
	Locks      LocksConfig      `toml:"locks"`
}

// Default is a self-contained configuration: in-memory store, no graph, no
// model assistance.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Driver: "memory", Path: "cardforge.db"},
		Memgraph: MemgraphConfig{
			URI: "bolt://localhost:7687",
		},
		Guardrail: GuardrailConfig{
			ConfidenceThreshold:     70,
			MinSourceCount:          1,
			AutoRejectFactMismatch:  true,
			RequireApprovalHighRisk: true,
			ProhibitedWords: []ProhibitedWordConfig{
				{Word: "guarantee", Category: "legal", Severity: "error"},
				{Word: "guaranteed", Category: "legal", Severity: "error"},
				{Word: "100%", Category: "marketing", Severity: "error"},
				{Word: "unlimited", Category: "legal", Severity: "warning"},
				{Word: "always", Category: "marketing", Severity: "warning"},
				{Word: "never", Category: "marketing", Severity: "warning"},
				{Word: "best-in-class", Category: "marketing", Severity: "warning"},
			},
		},
		Confidence: ConfidenceConfig{Aggregation: "weighted_mean"},
		Conflict: ConflictConfig{
			Similarity:         "bigram_dice",
			DuplicateThreshold: 0.6,
			OverlapThreshold:   0.3,
		},
		Matcher: MatcherConfig{
			MinScore:    0.3,
			MaxLinks:    3,
			Concurrency: 4,
		},
		Locks: LocksConfig{Timeout: "5s"},
	}
}

// Load reads a TOML file over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	set(&c.Server.Addr, "CARDFORGE_ADDR")
	set(&c.Store.Driver, "STORE_DRIVER")
	set(&c.Store.Path, "STORE_PATH")

	if uri := os.Getenv("MEMGRAPH_URI"); uri != "" {
		c.Memgraph.URI = uri
		c.Memgraph.Enabled = true
	}
	set(&c.Memgraph.User, "MEMGRAPH_USER")
	set(&c.Memgraph.Password, "MEMGRAPH_PASSWORD")

	set(&c.LLM.Provider, "LLM_PROVIDER")
	set(&c.LLM.Model, "LLM_MODEL")
	set(&c.LLM.EmbeddingModel, "LLM_EMBEDDING_MODEL")
	set(&c.LLM.APIKey, "LLM_API_KEY")
	set(&c.LLM.BaseURL, "LLM_BASE_URL")

	set(&c.Conflict.ScanInterval, "SCAN_INTERVAL")
	set(&c.Locks.Timeout, "LOCK_TIMEOUT")
	if v, err := strconv.ParseFloat(os.Getenv("GUARDRAIL_CONFIDENCE_THRESHOLD"), 64); err == nil {
		c.Guardrail.ConfidenceThreshold = v
	}
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, s)
	}
	return d, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Memgraph.Enabled && c.Memgraph.URI == "" {
		return fmt.Errorf("memgraph.uri is required when memgraph is enabled")
	}
	switch c.Confidence.Aggregation {
	case "", "weighted_mean", "minimum":
	default:
		return fmt.Errorf("confidence.aggregation: unknown strategy %q", c.Confidence.Aggregation)
	}
	cf := c.Conflict
	switch cf.Similarity {
	case "", "bigram_dice", "token_jaccard":
	default:
		return fmt.Errorf("conflict.similarity: unknown measure %q", cf.Similarity)
	}
	if cf.OverlapThreshold <= 0 || cf.DuplicateThreshold > 1 || cf.OverlapThreshold >= cf.DuplicateThreshold {
		return fmt.Errorf("conflict thresholds: need 0 < overlap (%v) < duplicate (%v) <= 1", cf.OverlapThreshold, cf.DuplicateThreshold)
	}
	if c.Matcher.MinScore < 0 || c.Matcher.MinScore > 1 {
		return fmt.Errorf("matcher.min_score %v outside [0,1]", c.Matcher.MinScore)
	}
	if c.Matcher.MaxLinks < 1 {
		return fmt.Errorf("matcher.max_links must be at least 1")
	}
	if c.Matcher.Concurrency < 1 {
		return fmt.Errorf("matcher.concurrency must be at least 1")
	}
	if (c.Conflict.UseLLMJudge || c.Matcher.UseEmbeddings || c.Matcher.UseReranker) && c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required by the enabled llm features")
	}
	if _, err := parseDuration("conflict.scan_interval", c.Conflict.ScanInterval); err != nil {
		return err
	}
	if _, err := parseDuration("locks.timeout", c.Locks.Timeout); err != nil {
		return err
	}
	return nil
}

// ScanEvery is the periodic scan interval, zero when disabled.
func (c *Config) ScanEvery() time.Duration {
	d, _ := parseDuration("conflict.scan_interval", c.Conflict.ScanInterval)
	return d
}

// LockTimeout is zero when unset, which keeps the locker default.
func (c *Config) LockTimeout() time.Duration {
	d, _ := parseDuration("locks.timeout", c.Locks.Timeout)
	return d
}

// Policy is the seed guardrail policy. It is checked by the guardrail
// package when stored.
func (c *Config) Policy() model.GuardrailPolicy {
	g := c.Guardrail
	words := make([]model.ProhibitedWord, len(g.ProhibitedWords))
	for i, w := range g.ProhibitedWords {
		words[i] = model.ProhibitedWord{Word: w.Word, Category: w.Category, Severity: model.WordSeverity(w.Severity)}
	}
	return model.GuardrailPolicy{
		ProhibitedWords:         words,
		ConfidenceThreshold:     g.ConfidenceThreshold,
		MinSourceCount:          g.MinSourceCount,
		AutoRejectFactMismatch:  g.AutoRejectFactMismatch,
		RequireApprovalHighRisk: g.RequireApprovalHighRisk,
	}
}
