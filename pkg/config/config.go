// Package config loads and validates application configuration from a YAML
// file with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Corpus, Match, Scoring, Rerank, Redis, Kafka,
// Postgres, Logging, Metrics). The Config is built once at startup and
// passed by reference; it is never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Corpus   CorpusConfig   `yaml:"corpus"`
	Match    MatchConfig    `yaml:"match"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Rerank   RerankConfig   `yaml:"rerank"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// CorpusConfig controls where the bug-report mirror is loaded from and
// which records are admitted into the index.
type CorpusConfig struct {
	// Source selects the corpus backend: "file" (newline-delimited JSON,
	// the reference deployment) or "postgres".
	Source string `yaml:"source"`
	// Path is the JSONL mirror file used by the file source.
	Path string `yaml:"path"`
	// Table is the mirror table read by the postgres source.
	Table string `yaml:"table"`
	// MaxAgeDays drops records whose parsed update time is older than
	// now minus this many days. 0 disables the cutoff. Records with an
	// unparseable timestamp are never dropped by this rule.
	MaxAgeDays int `yaml:"maxAgeDays"`
	// ExcludeStatuses lists statuses rejected at ingestion
	// (case-insensitive exact match).
	ExcludeStatuses []string `yaml:"excludeStatuses"`
}

// MatchConfig controls result sizing and match execution.
type MatchConfig struct {
	// TopK is the default number of matches returned.
	TopK int `yaml:"topK"`
	// CandidateLimit bounds the cheap-scored shortlist promoted to full
	// scoring.
	CandidateLimit int `yaml:"candidateLimit"`
	// RerankPoolFloor is the minimum pool handed to the reranker.
	RerankPoolFloor int `yaml:"rerankPoolFloor"`
	// Explain attaches per-match score breakdowns to responses.
	Explain bool `yaml:"explain"`
	// ScoreWorkers bounds concurrent full scoring of the shortlist.
	ScoreWorkers int `yaml:"scoreWorkers"`
}

// StatusMultiplier applies Mult when Contains is found in a document's
// status (case-insensitive substring). The first match wins.
type StatusMultiplier struct {
	Contains string  `yaml:"contains"`
	Mult     float64 `yaml:"mult"`
}

// ScoringConfig holds every tunable constant of the relevance formula.
type ScoringConfig struct {
	WeightCap               float64            `yaml:"weightCap"`
	UsePhrases              bool               `yaml:"usePhrases"`
	PhraseBoost             float64            `yaml:"phraseBoost"`
	PhraseMaxMatches        int                `yaml:"phraseMaxMatches"`
	SummaryMult             float64            `yaml:"summaryMult"`
	TagsMult                float64            `yaml:"tagsMult"`
	RawMult                 float64            `yaml:"rawMult"`
	PerTermCap              float64            `yaml:"perTermCap"`
	MultifieldBonusPerExtra float64            `yaml:"multifieldBonusPerExtra"`
	MultifieldBonusCap      float64            `yaml:"multifieldBonusCap"`
	ShipMatchBoost          float64            `yaml:"shipMatchBoost"`
	LocationMatchBoost      float64            `yaml:"locationMatchBoost"`
	LabelMatchBoost         float64            `yaml:"labelMatchBoost"`
	ShipMissMult            float64            `yaml:"shipMissMult"`
	ScenarioMissMult        float64            `yaml:"scenarioMissMult"`
	GenericOnlyMult         float64            `yaml:"genericOnlyMult"`
	GenericOnlyPenalty      bool               `yaml:"genericOnlyPenalty"`
	LengthNorm              bool               `yaml:"lengthNorm"`
	MainMult                float64            `yaml:"mainMult"`
	StatusMult              []StatusMultiplier `yaml:"statusMult"`
}

// RerankConfig controls the optional LLM reranking step.
type RerankConfig struct {
	Enabled bool `yaml:"enabled"`
	// BaseURL is an OpenAI-compatible chat completions endpoint. Empty
	// means the provider default.
	BaseURL string        `yaml:"baseUrl"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	// Candidates bounds the pool sent to the reranker.
	Candidates      int `yaml:"candidates"`
	MaxOutputTokens int `yaml:"maxOutputTokens"`
}

// RedisConfig holds Redis connection and match-cache parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker
// list disables eventing entirely.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MatchEvents   string `yaml:"matchEvents"`
	CorpusUpdated string `yaml:"corpusUpdated"`
}

// PostgresConfig holds PostgreSQL connection parameters for the
// postgres corpus source.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment
// variable overrides. It returns a Config populated with the reference
// defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the reference configuration without touching the
// filesystem or environment. Used by tests.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Corpus: CorpusConfig{
			Source: "file",
			Path:   "bugmirror_structured.jsonl",
			Table:  "bugmirror",
		},
		Match: MatchConfig{
			TopK:            10,
			CandidateLimit:  800,
			RerankPoolFloor: 60,
			Explain:         true,
			ScoreWorkers:    4,
		},
		Scoring: ScoringConfig{
			WeightCap:               4.0,
			UsePhrases:              true,
			PhraseBoost:             2.2,
			PhraseMaxMatches:        8,
			SummaryMult:             2.6,
			TagsMult:                4.2,
			RawMult:                 1.8,
			PerTermCap:              120.0,
			MultifieldBonusPerExtra: 0.09,
			MultifieldBonusCap:      0.18,
			ShipMatchBoost:          14.0,
			LocationMatchBoost:      6.0,
			LabelMatchBoost:         3.0,
			ShipMissMult:            0.28,
			ScenarioMissMult:        0.55,
			GenericOnlyMult:         0.35,
			GenericOnlyPenalty:      true,
			LengthNorm:              true,
			MainMult:                1.08,
			StatusMult: []StatusMultiplier{
				{Contains: "open", Mult: 1.10},
				{Contains: "confirmed", Mult: 1.08},
				{Contains: "under", Mult: 1.06},
				{Contains: "devs investigating", Mult: 1.12},
				{Contains: "handed off to devs", Mult: 1.12},
				{Contains: "qa investigating", Mult: 1.10},
				{Contains: "unable to reproduce", Mult: 1.08},
			},
		},
		Rerank: RerankConfig{
			Enabled:         true,
			Model:           "gpt-4.1-mini",
			Timeout:         20 * time.Second,
			Candidates:      60,
			MaxOutputTokens: 420,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "bugmirror-matcher",
			Topics: KafkaTopics{
				MatchEvents:   "bugmirror.match-events",
				CorpusUpdated: "bugmirror.corpus-updated",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "bugmirror",
			User:            "bugmirror",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func validate(cfg *Config) error {
	switch cfg.Corpus.Source {
	case "file", "postgres":
	default:
		return fmt.Errorf("corpus.source must be \"file\" or \"postgres\", got %q", cfg.Corpus.Source)
	}
	if cfg.Match.TopK < 1 {
		return fmt.Errorf("match.topK must be positive, got %d", cfg.Match.TopK)
	}
	if cfg.Match.CandidateLimit < cfg.Match.TopK {
		return fmt.Errorf("match.candidateLimit (%d) must be at least match.topK (%d)",
			cfg.Match.CandidateLimit, cfg.Match.TopK)
	}
	return nil
}

// applyEnvOverrides reads BM_* environment variables and overrides the
// corresponding config fields. OPENAI_API_KEY is honoured as well so
// the reranker picks up the conventional variable name.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BM_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BM_CORPUS_SOURCE"); v != "" {
		cfg.Corpus.Source = v
	}
	if v := os.Getenv("BM_CORPUS_PATH"); v != "" {
		cfg.Corpus.Path = v
	}
	if v := os.Getenv("BM_CORPUS_MAX_AGE_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Corpus.MaxAgeDays = days
		}
	}
	if v := os.Getenv("BM_CORPUS_EXCLUDE_STATUSES"); v != "" {
		cfg.Corpus.ExcludeStatuses = splitCSV(v)
	}
	if v := os.Getenv("BM_MATCH_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Match.TopK = k
		}
	}
	if v := os.Getenv("BM_MATCH_CANDIDATE_LIMIT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil {
			cfg.Match.CandidateLimit = k
		}
	}
	if v := os.Getenv("BM_MATCH_EXPLAIN"); v != "" {
		cfg.Match.Explain = parseBool(v)
	}
	if v := os.Getenv("BM_RERANK_ENABLED"); v != "" {
		cfg.Rerank.Enabled = parseBool(v)
	}
	if v := os.Getenv("BM_RERANK_BASE_URL"); v != "" {
		cfg.Rerank.BaseURL = v
	}
	if v := os.Getenv("BM_RERANK_MODEL"); v != "" {
		cfg.Rerank.Model = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Rerank.APIKey == "" {
		cfg.Rerank.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	if v := os.Getenv("BM_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("BM_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("BM_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BM_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// RerankReady reports whether the LLM reranker is both enabled and
// supplied with an API key.
func (c *Config) RerankReady() bool {
	return c.Rerank.Enabled && c.Rerank.APIKey != ""
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
