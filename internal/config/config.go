package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"MoltbookWatch/internal/aggregate"
	"MoltbookWatch/internal/governor"
)

const (
	configPathEnv     = "MOLTBOOK_WATCH_CONFIG"
	apiKeyEnv         = "MOLTBOOK_API_KEY"
	databasePathEnv   = "DATABASE_PATH"
	postgresDSNEnv    = "POSTGRES_DSN"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	logLevelEnv       = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database      DatabaseConfig     `yaml:"database"`
	Upstream      UpstreamConfig     `yaml:"upstream"`
	Acquisition   AcquisitionConfig  `yaml:"acquisition"`
	Detection     DetectionConfig    `yaml:"detection"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
	ML            MLConfig           `yaml:"ml"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Export        ExportConfig       `yaml:"export"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig locates the local SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig describes the platform API.
type UpstreamConfig struct {
	BaseURL   string           `yaml:"baseUrl"`
	APIKey    string           `yaml:"apiKey"`
	UserAgent string           `yaml:"userAgent"`
	PageSize  int              `yaml:"pageSize"`
	Timeout   time.Duration    `yaml:"timeout"`
	Limits    []governor.Limit `yaml:"limits"`
}

// AcquisitionConfig tunes the harvester.
type AcquisitionConfig struct {
	Workers     int           `yaml:"workers"`
	BatchSize   int           `yaml:"batchSize"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
}

// DetectionConfig selects extractors and tunes aggregation.
type DetectionConfig struct {
	// TaxonomyPath overrides the built-in taxonomy.
	TaxonomyPath string             `yaml:"taxonomyPath"`
	Extractors   []string           `yaml:"extractors"`
	Semantic     SemanticConfig     `yaml:"semantic"`
	Relationship RelationshipConfig `yaml:"relationship"`
	Temporal     TemporalConfig     `yaml:"temporal"`
	Outlier      OutlierConfig      `yaml:"outlier"`
	Aggregate    aggregate.Config   `yaml:"aggregate"`
}

// SemanticConfig caps load on the scoring service.
type SemanticConfig struct {
	// Backend is "ml", "chatgpt" or empty to disable semantic scoring.
	Backend    string        `yaml:"backend"`
	BatchSize  int           `yaml:"batchSize"`
	MaxRecords int           `yaml:"maxRecords"`
	Timeout    time.Duration `yaml:"timeout"`
	MinScore   float64       `yaml:"minScore"`
}

// RelationshipConfig tunes the interaction graph. Zero values keep the
// extractor defaults.
type RelationshipConfig struct {
	Window       time.Duration `yaml:"window"`
	HalfLife     time.Duration `yaml:"halfLife"`
	MinWeight    float64       `yaml:"minWeight"`
	MinGroupSize int           `yaml:"minGroupSize"`
}

// TemporalConfig tunes burst and synchrony detection.
type TemporalConfig struct {
	Bucket           time.Duration `yaml:"bucket"`
	Baseline         int           `yaml:"baseline"`
	BurstZ           float64       `yaml:"burstZ"`
	MinBurst         int           `yaml:"minBurst"`
	SyncCorrelation  float64       `yaml:"syncCorrelation"`
	MinActiveBuckets int           `yaml:"minActiveBuckets"`
	MaxAgents        int           `yaml:"maxAgents"`
	Window           time.Duration `yaml:"window"`
}

// OutlierConfig tunes the population outlier test.
type OutlierConfig struct {
	Threshold     float64 `yaml:"threshold"`
	MinPopulation int     `yaml:"minPopulation"`
}

// SchedulerConfig defines how often watch mode runs a cycle.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// MLConfig describes the classification service.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// ExportConfig names the finding sinks.
type ExportConfig struct {
	JSONLPath   string `yaml:"jsonlPath"`
	PostgresDSN string `yaml:"postgresDsn"`
}

// LoggingConfig selects level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(apiKeyEnv); v != "" {
		c.Upstream.APIKey = v
	}

	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv(postgresDSNEnv); v != "" {
		c.Export.PostgresDSN = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Database.Path != "" {
		base.Database = override.Database
	}

	if override.Upstream.BaseURL != "" {
		base.Upstream.BaseURL = override.Upstream.BaseURL
	}
	if override.Upstream.APIKey != "" {
		base.Upstream.APIKey = override.Upstream.APIKey
	}
	if override.Upstream.UserAgent != "" {
		base.Upstream.UserAgent = override.Upstream.UserAgent
	}
	if override.Upstream.PageSize > 0 {
		base.Upstream.PageSize = override.Upstream.PageSize
	}
	if override.Upstream.Timeout > 0 {
		base.Upstream.Timeout = override.Upstream.Timeout
	}
	if len(override.Upstream.Limits) > 0 {
		base.Upstream.Limits = override.Upstream.Limits
	}

	if override.Acquisition.Workers > 0 {
		base.Acquisition.Workers = override.Acquisition.Workers
	}
	if override.Acquisition.BatchSize > 0 {
		base.Acquisition.BatchSize = override.Acquisition.BatchSize
	}
	if override.Acquisition.MaxRetries > 0 {
		base.Acquisition.MaxRetries = override.Acquisition.MaxRetries
	}
	if override.Acquisition.BackoffBase > 0 {
		base.Acquisition.BackoffBase = override.Acquisition.BackoffBase
	}
	if override.Acquisition.BackoffMax > 0 {
		base.Acquisition.BackoffMax = override.Acquisition.BackoffMax
	}

	if override.Detection.TaxonomyPath != "" {
		base.Detection.TaxonomyPath = override.Detection.TaxonomyPath
	}
	if len(override.Detection.Extractors) > 0 {
		base.Detection.Extractors = override.Detection.Extractors
	}
	if override.Detection.Semantic.Backend != "" {
		base.Detection.Semantic.Backend = override.Detection.Semantic.Backend
	}
	if override.Detection.Semantic.BatchSize > 0 {
		base.Detection.Semantic.BatchSize = override.Detection.Semantic.BatchSize
	}
	if override.Detection.Semantic.MaxRecords > 0 {
		base.Detection.Semantic.MaxRecords = override.Detection.Semantic.MaxRecords
	}
	if override.Detection.Semantic.Timeout > 0 {
		base.Detection.Semantic.Timeout = override.Detection.Semantic.Timeout
	}
	if override.Detection.Semantic.MinScore > 0 {
		base.Detection.Semantic.MinScore = override.Detection.Semantic.MinScore
	}
	base.Detection.Relationship = mergeRelationship(base.Detection.Relationship, override.Detection.Relationship)
	base.Detection.Temporal = mergeTemporal(base.Detection.Temporal, override.Detection.Temporal)
	if override.Detection.Outlier.Threshold > 0 {
		base.Detection.Outlier.Threshold = override.Detection.Outlier.Threshold
	}
	if override.Detection.Outlier.MinPopulation > 0 {
		base.Detection.Outlier.MinPopulation = override.Detection.Outlier.MinPopulation
	}
	base.Detection.Aggregate = mergeAggregate(base.Detection.Aggregate, override.Detection.Aggregate)

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if override.ML.InferenceURL != "" {
		base.ML.InferenceURL = override.ML.InferenceURL
	}
	if override.ML.APIKey != "" {
		base.ML.APIKey = override.ML.APIKey
	}

	if override.ChatGPT.Endpoint != "" {
		base.ChatGPT.Endpoint = override.ChatGPT.Endpoint
	}
	if override.ChatGPT.Model != "" {
		base.ChatGPT.Model = override.ChatGPT.Model
	}
	if override.ChatGPT.APIKey != "" {
		base.ChatGPT.APIKey = override.ChatGPT.APIKey
	}
	if override.ChatGPT.SystemPrompt != "" {
		base.ChatGPT.SystemPrompt = override.ChatGPT.SystemPrompt
	}

	if override.Export.JSONLPath != "" {
		base.Export.JSONLPath = override.Export.JSONLPath
	}
	if override.Export.PostgresDSN != "" {
		base.Export.PostgresDSN = override.Export.PostgresDSN
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	return base
}

func mergeRelationship(base, override RelationshipConfig) RelationshipConfig {
	if override.Window > 0 {
		base.Window = override.Window
	}
	if override.HalfLife > 0 {
		base.HalfLife = override.HalfLife
	}
	if override.MinWeight > 0 {
		base.MinWeight = override.MinWeight
	}
	if override.MinGroupSize > 0 {
		base.MinGroupSize = override.MinGroupSize
	}
	return base
}

func mergeTemporal(base, override TemporalConfig) TemporalConfig {
	if override.Bucket > 0 {
		base.Bucket = override.Bucket
	}
	if override.Baseline > 0 {
		base.Baseline = override.Baseline
	}
	if override.BurstZ > 0 {
		base.BurstZ = override.BurstZ
	}
	if override.MinBurst > 0 {
		base.MinBurst = override.MinBurst
	}
	if override.SyncCorrelation > 0 {
		base.SyncCorrelation = override.SyncCorrelation
	}
	if override.MinActiveBuckets > 0 {
		base.MinActiveBuckets = override.MinActiveBuckets
	}
	if override.MaxAgents > 0 {
		base.MaxAgents = override.MaxAgents
	}
	if override.Window > 0 {
		base.Window = override.Window
	}
	return base
}

func mergeAggregate(base, override aggregate.Config) aggregate.Config {
	if override.AgreeThreshold > 0 {
		base.AgreeThreshold = override.AgreeThreshold
	}
	if override.CorroborationBonus > 0 {
		base.CorroborationBonus = override.CorroborationBonus
	}
	if override.LexicalSoloDiscount > 0 {
		base.LexicalSoloDiscount = override.LexicalSoloDiscount
	}
	if override.HighThreshold > 0 {
		base.HighThreshold = override.HighThreshold
	}
	if override.LowThreshold > 0 {
		base.LowThreshold = override.LowThreshold
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "moltbook.db"},
		Upstream: UpstreamConfig{
			BaseURL:   "https://www.moltbook.com/api/v1",
			UserAgent: "MoltbookResearch/1.0",
			PageSize:  100,
			Timeout:   30 * time.Second,
			Limits:    governor.DefaultLimits(),
		},
		Acquisition: AcquisitionConfig{
			Workers:     10,
			BatchSize:   50,
			MaxRetries:  4,
			BackoffBase: time.Second,
			BackoffMax:  time.Minute,
		},
		Detection: DetectionConfig{
			Extractors: []string{"lexical", "semantic", "relationship", "temporal", "outlier"},
			Semantic:   SemanticConfig{BatchSize: 16, MaxRecords: 2000, Timeout: 30 * time.Second, MinScore: 0.3},
			Temporal:   TemporalConfig{Window: 30 * 24 * time.Hour},
			Aggregate:  aggregate.DefaultConfig(),
		},
		Scheduler: SchedulerConfig{Interval: 6 * time.Hour},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{BotToken: "", ChatID: ""},
		},
		ML: MLConfig{InferenceURL: "", APIKey: ""},
		ChatGPT: ChatGPTConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
		},
		Export:  ExportConfig{JSONLPath: "findings.jsonl"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
