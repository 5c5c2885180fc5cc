package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the fitplan services
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	RAG       RAGConfig       `mapstructure:"rag"`
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Client    ClientConfig    `mapstructure:"client"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen      string   `mapstructure:"listen"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	LogLevel    string   `mapstructure:"log_level"`
	Env         string   `mapstructure:"env"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

func (g GeneralConfig) Validate() error {
	if strings.TrimSpace(g.Listen) == "" {
		return fmt.Errorf("general.listen required")
	}
	return nil
}

// ProvidersConfig lists the completion service providers.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the chat and vision completion client
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	VisionModel     string        `mapstructure:"vision_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (o OpenAIConfig) Validate() error {
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("providers.openai.temperature must be within [0,2]")
	}
	if o.MaxTokens < 0 {
		return fmt.Errorf("providers.openai.max_tokens cannot be negative")
	}
	return nil
}

// AgentsConfig contains orchestrator and agent settings
type AgentsConfig struct {
	DefaultMaxIterations   int           `mapstructure:"default_max_iterations"`
	MaxIterationsCap       int           `mapstructure:"max_iterations_cap"`
	RetrievalTopK          int           `mapstructure:"retrieval_top_k"`
	GenerationTimeout      time.Duration `mapstructure:"generation_timeout"`
	MotivationTemperature  float64       `mapstructure:"motivation_model_temperature"`
	StreamHeartbeatSeconds int           `mapstructure:"stream_heartbeat_seconds"`
}

// Normalize applies defaults for unset agent values.
func (a AgentsConfig) Normalize() AgentsConfig {
	if a.DefaultMaxIterations <= 0 {
		a.DefaultMaxIterations = 3
	}
	if a.MaxIterationsCap <= 0 {
		a.MaxIterationsCap = 10
	}
	if a.DefaultMaxIterations > a.MaxIterationsCap {
		a.DefaultMaxIterations = a.MaxIterationsCap
	}
	if a.RetrievalTopK <= 0 {
		a.RetrievalTopK = 5
	}
	if a.GenerationTimeout <= 0 {
		a.GenerationTimeout = 2 * time.Minute
	}
	return a
}

// RAGConfig contains document corpus settings
type RAGConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	DietDocuments     string `mapstructure:"diet_documents"`
	ExerciseDocuments string `mapstructure:"exercise_documents"`
	ChunkSize         int    `mapstructure:"chunk_size"`
	ChunkOverlap      int    `mapstructure:"chunk_overlap"`
	ReindexCron       string `mapstructure:"reindex_cron"`
}

func (r RAGConfig) Validate() error {
	if strings.TrimSpace(r.DataDir) == "" {
		return fmt.Errorf("rag.data_dir required")
	}
	if r.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be > 0")
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be within [0, chunk_size)")
	}
	return nil
}

// WebSearchConfig contains the fallback web search settings
type WebSearchConfig struct {
	Provider   string        `mapstructure:"provider"` // brave or serper
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (w WebSearchConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(w.Provider)) {
	case "", "brave", "serper":
		return nil
	default:
		return fmt.Errorf("web_search.provider must be brave or serper, got %q", w.Provider)
	}
}

// DatabasesConfig groups the backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("databases.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("databases.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN constructs a connection string, preferring the explicit url.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host    string        `mapstructure:"host"`
	Port    string        `mapstructure:"port"`
	Pass    string        `mapstructure:"pass"`
	DB      int           `mapstructure:"db"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a redis host was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// ClientConfig configures the command line stream consumer.
type ClientConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	CachePath     string        `mapstructure:"cache_path"`
	Token         string        `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	// keys without a default are invisible to env overrides on Unmarshal
	for _, key := range []string{
		"general.jwt_secret", "providers.openai.api_key", "providers.openai.base_url",
		"web_search.api_key", "databases.postgres.url", "databases.postgres.user",
		"databases.postgres.password", "databases.redis.host", "databases.redis.port",
		"databases.redis.pass", "client.token",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("databases.redis.db", 0)
	v.SetDefault("general.listen", ":8080")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.env", "development")
	v.SetDefault("general.cors_origins", []string{"*"})
	v.SetDefault("providers.openai.completion_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.vision_model", "gpt-4o")
	v.SetDefault("providers.openai.temperature", 0.7)
	v.SetDefault("providers.openai.max_tokens", 4000)
	v.SetDefault("providers.openai.timeout", 90*time.Second)
	v.SetDefault("agents.default_max_iterations", 3)
	v.SetDefault("agents.max_iterations_cap", 10)
	v.SetDefault("agents.retrieval_top_k", 5)
	v.SetDefault("agents.generation_timeout", 2*time.Minute)
	v.SetDefault("agents.motivation_model_temperature", 0.9)
	v.SetDefault("agents.stream_heartbeat_seconds", 15)
	v.SetDefault("rag.data_dir", "./data/rag")
	v.SetDefault("rag.diet_documents", "./documents/diet")
	v.SetDefault("rag.exercise_documents", "./documents/exercise")
	v.SetDefault("rag.chunk_size", 1000)
	v.SetDefault("rag.chunk_overlap", 200)
	v.SetDefault("rag.reindex_cron", "")
	v.SetDefault("web_search.provider", "brave")
	v.SetDefault("web_search.max_results", 5)
	v.SetDefault("web_search.timeout", 15*time.Second)
	v.SetDefault("databases.postgres.host", "localhost")
	v.SetDefault("databases.postgres.port", "5432")
	v.SetDefault("databases.postgres.dbname", "fitplan")
	v.SetDefault("databases.postgres.sslmode", "disable")
	v.SetDefault("databases.redis.timeout", 5*time.Second)
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.stream_timeout", 5*time.Minute)
	v.SetDefault("client.cache_path", "fitplan-cache.db")
}

// LoadConfig loads config from path, or searches the usual locations when
// path is empty. Environment variables (FITPLAN_*) override file values. A
// missing file is not an error when searching.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("FITPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Agents = cfg.Agents.Normalize()

	for _, validate := range []func() error{
		cfg.General.Validate,
		cfg.Providers.OpenAI.Validate,
		cfg.RAG.Validate,
		cfg.WebSearch.Validate,
		cfg.Databases.Postgres.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
