package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Inference   InferenceConfig           `mapstructure:"inference"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Speech      SpeechConfig              `mapstructure:"speech"`
	TTS         TTSConfig                 `mapstructure:"tts"`
	Report      ReportConfig              `mapstructure:"report"`
	Workers     WorkerConfig              `mapstructure:"workers"`
	Session     SessionConfig             `mapstructure:"session"`
	Database    string                    `mapstructure:"database"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Logging     LoggingConfig             `mapstructure:"logging"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	DataDir           string `mapstructure:"data_dir"`
	MaxUploadMB       int    `mapstructure:"max_upload_mb"`
	TempFileTTLMin    int    `mapstructure:"temp_file_ttl_min"`
	TempCleanInterval int    `mapstructure:"temp_clean_interval_min"`
	SecureCookies     bool   `mapstructure:"secure_cookies"`
}

// InferenceConfig selects the model backend. Provider names a key of Providers.
type InferenceConfig struct {
	Provider string `mapstructure:"provider"` // gemini, openai, claude
	Client   string `mapstructure:"client"`   // genai, eino
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type SpeechConfig struct {
	Model            string  `mapstructure:"model"`
	Language         string  `mapstructure:"language"`
	Input            string  `mapstructure:"input"`
	Fallback         string  `mapstructure:"fallback"`
	SampleRate       int     `mapstructure:"sample_rate"`
	Threshold        float64 `mapstructure:"threshold"`
	PhraseTimeoutSec int     `mapstructure:"phrase_timeout_sec"`
	SilenceMS        int     `mapstructure:"silence_ms"`
	MaxDurationSec   int     `mapstructure:"max_duration_sec"`
}

type TTSConfig struct {
	Backend  string      `mapstructure:"backend"` // gtts, gemini, piper
	Language string      `mapstructure:"language"`
	GTTS     GTTSConfig  `mapstructure:"gtts"`
	Gemini   GeminiTTS   `mapstructure:"gemini"`
	Piper    PiperConfig `mapstructure:"piper"`
}

type GTTSConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type GeminiTTS struct {
	Model string `mapstructure:"model"`
	Voice string `mapstructure:"voice"`
}

type PiperConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Voice    string `mapstructure:"voice"`
}

type ReportConfig struct {
	Title      string  `mapstructure:"title"`
	ImageWidth float64 `mapstructure:"image_width"`
	Compress   bool    `mapstructure:"compress"`
}

type WorkerConfig struct {
	MinWorkers     int `mapstructure:"min_workers"`
	MaxWorkers     int `mapstructure:"max_workers"`
	QueueSize      int `mapstructure:"queue_size"`
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec"`
	JobTimeoutSec  int `mapstructure:"job_timeout_sec"`
}

type SessionConfig struct {
	Store  string `mapstructure:"store"` // memory, redis
	TTLMin int    `mapstructure:"ttl_min"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// credentialEnv names the environment variable each provider's key falls back to.
var credentialEnv = map[string]string{
	"gemini": "GOOGLE_API_KEY",
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

// MissingCredentialError reports a provider selected without an API key.
type MissingCredentialError struct {
	Provider string
	EnvVar   string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("missing credential for provider %q: set %s or providers.%s.api_key", e.Provider, e.EnvVar, e.Provider)
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error; defaults and VISIONCHAT_* variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	v.SetConfigFile(absPath)

	v.SetEnvPrefix("VISIONCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		slog.Info("no config file found, using defaults and environment variables", "path", absPath)
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	for name, provider := range cfg.Providers {
		provider.APIKey = resolveEnvRef(provider.APIKey)
		if provider.APIKey == "" {
			if env, ok := credentialEnv[name]; ok {
				provider.APIKey = os.Getenv(env)
			}
		}
		cfg.Providers[name] = provider
	}
	cfg.Redis.Password = resolveEnvRef(cfg.Redis.Password)
	for name, db := range cfg.Databases {
		db.Password = resolveEnvRef(db.Password)
		cfg.Databases[name] = db
	}

	if cfg.BasicConfig.DataDir == "" {
		return nil, fmt.Errorf("data_dir must be configured")
	}
	if !filepath.IsAbs(cfg.BasicConfig.DataDir) {
		cfg.BasicConfig.DataDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.DataDir)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8080")
	v.SetDefault("basic_config.data_dir", "data")
	v.SetDefault("basic_config.max_upload_mb", 10)
	v.SetDefault("basic_config.temp_file_ttl_min", 30)
	v.SetDefault("basic_config.temp_clean_interval_min", 5)
	v.SetDefault("inference.provider", "gemini")
	v.SetDefault("inference.client", "genai")
	v.SetDefault("providers.gemini.model", "gemini-1.5-flash")
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.claude.model", "claude-3-5-sonnet-latest")
	v.SetDefault("speech.model", "gemini-1.5-flash")
	v.SetDefault("speech.language", "en-US")
	v.SetDefault("speech.input", "default")
	v.SetDefault("speech.sample_rate", 16000)
	v.SetDefault("speech.threshold", 0.02)
	v.SetDefault("speech.phrase_timeout_sec", 10)
	v.SetDefault("speech.silence_ms", 800)
	v.SetDefault("speech.max_duration_sec", 30)
	v.SetDefault("tts.backend", "gtts")
	v.SetDefault("tts.language", "en")
	v.SetDefault("tts.gtts.base_url", "https://translate.google.com")
	v.SetDefault("tts.gemini.model", "gemini-2.5-flash-preview-tts")
	v.SetDefault("tts.gemini.voice", "Kore")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")
	v.SetDefault("report.title", "Conversational Image Recognition Chatbot Report")
	v.SetDefault("report.image_width", 180)
	v.SetDefault("report.compress", true)
	v.SetDefault("workers.min_workers", 2)
	v.SetDefault("workers.max_workers", 16)
	v.SetDefault("workers.queue_size", 64)
	v.SetDefault("workers.idle_timeout_sec", 30)
	v.SetDefault("workers.job_timeout_sec", 120)
	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl_min", 240)
	v.SetDefault("database", "sqlite3")
	v.SetDefault("databases.sqlite3.dsn", "visionchat.db")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that every backend the configuration selects has its
// credentials. It is meant to run once at startup.
func (c *Config) Validate() error {
	provider := c.Inference.Provider
	if _, ok := credentialEnv[provider]; !ok {
		return fmt.Errorf("unsupported inference provider %q", provider)
	}
	switch c.Inference.Client {
	case "genai":
		if provider != "gemini" {
			return fmt.Errorf("inference client genai only serves the gemini provider, got %q", provider)
		}
	case "eino":
	default:
		return fmt.Errorf("unsupported inference client %q", c.Inference.Client)
	}
	if c.Providers[provider].APIKey == "" {
		return &MissingCredentialError{Provider: provider, EnvVar: credentialEnv[provider]}
	}
	// speech recognition and gemini TTS share the gemini key
	needGemini := c.Speech.Model != "" || c.TTS.Backend == "gemini"
	if needGemini && c.GeminiAPIKey() == "" {
		return &MissingCredentialError{Provider: "gemini", EnvVar: credentialEnv["gemini"]}
	}
	switch c.TTS.Backend {
	case "gtts", "gemini", "piper":
	default:
		return fmt.Errorf("unsupported tts backend %q", c.TTS.Backend)
	}
	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported session store %q", c.Session.Store)
	}
	if _, ok := c.Databases[c.Database]; !ok {
		return fmt.Errorf("database %q has no entry under databases", c.Database)
	}
	return nil
}

// GeminiAPIKey returns the key of the gemini provider, if configured.
func (c *Config) GeminiAPIKey() string {
	return c.Providers["gemini"].APIKey
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.BasicConfig.MaxUploadMB) << 20
}

func (c *Config) TempFileTTL() time.Duration {
	return time.Duration(c.BasicConfig.TempFileTTLMin) * time.Minute
}

func (c *Config) TempCleanInterval() time.Duration {
	return time.Duration(c.BasicConfig.TempCleanInterval) * time.Minute
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Workers.JobTimeoutSec) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMin) * time.Minute
}

// resolveEnvRef replaces "${VAR_NAME}" with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
