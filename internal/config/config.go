package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mymydata/internal/logger"
)

const DefaultPath = "config/chat.yaml"

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
// Ищет файл в текущей директории и до четырёх уровней выше. Уже заданные
// переменные окружения не перезаписываются.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				logger.Errorf("config: ошибка чтения %s: %v", path, err)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// LLMConfig — модель, отвечающая на сообщения пользователя.
type LLMConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// RedisConfig — Redis для памяти диалогов. Пустой URL — память в процессе.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	MaxTurns int           `yaml:"max_turns"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// RateLimitConfig — ограничение запросов к API на один IP.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config содержит настройки сервиса чата.
// Приоритет: переменные окружения (.env) > YAML-файл > значения по умолчанию.
type Config struct {
	// Сервер
	ServerAddr   string        `yaml:"server_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level"`

	// WebSocket
	MaxWSConnections int           `yaml:"max_ws_connections"`
	WSSendBufferSize int           `yaml:"ws_send_buffer_size"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout    time.Duration `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int64         `yaml:"ws_max_message_size"`

	// Чат
	HistorySize          int           `yaml:"history_size"`
	CoalesceWindow       time.Duration `yaml:"coalesce_window"`
	SubscriberBuffer     int           `yaml:"subscriber_buffer"`
	AnswerContextSize    int           `yaml:"answer_context_size"`
	AnswerTimeout        time.Duration `yaml:"answer_timeout"`
	MaxConcurrentAnswers int           `yaml:"max_concurrent_answers"`
	// DefaultChannels создаются при старте, если ещё не существуют.
	DefaultChannels []string `yaml:"default_channels"`

	LLM       LLMConfig       `yaml:"llm"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

func Default() *Config {
	return &Config{
		ServerAddr:           ":8080",
		ReadTimeout:          15 * time.Second,
		WriteTimeout:         3 * time.Minute,
		IdleTimeout:          60 * time.Second,
		CORSAllowedOrigins:   "*",
		LogLevel:             "info",
		MaxWSConnections:     10000,
		WSSendBufferSize:     256,
		WSWriteTimeout:       10 * time.Second,
		WSPongTimeout:        60 * time.Second,
		WSMaxMessageSize:     8 << 20,
		HistorySize:          20,
		CoalesceWindow:       500 * time.Millisecond,
		SubscriberBuffer:     256,
		AnswerContextSize:    100,
		AnswerTimeout:        2 * time.Minute,
		MaxConcurrentAnswers: 16,
		DefaultChannels:      []string{"general"},
		LLM: LLMConfig{
			BaseURL:    "http://127.0.0.1:11434",
			Model:      "llama3.2-vision",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
		Redis:     RedisConfig{MaxTurns: 200, MaxWait: 30 * time.Second},
		RateLimit: RateLimitConfig{RPS: 10, Burst: 20},
	}
}

// Load собирает конфиг: значения по умолчанию, затем YAML (path, CONFIG_PATH или
// config/chat.yaml; отсутствие файла не ошибка), затем .env и переменные окружения.
func Load(path string) (*Config, error) {
	loadEnv()
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = envStr("CONFIG_PATH", DefaultPath)
		explicit = os.Getenv("CONFIG_PATH") != ""
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
		logger.Infof("config: загружен %s", path)
	case explicit || !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "config: read %s", path)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if os.Getenv("APP_ENV") == "production" && (cfg.CORSAllowedOrigins == "" || cfg.CORSAllowedOrigins == "*") {
		logger.Errorf("config: в production задайте CORS_ALLOWED_ORIGINS (явный список origins, не *)")
	}
	return cfg, nil
}

// Переменные окружения имеют наивысший приоритет.
func applyEnv(cfg *Config) {
	cfg.ServerAddr = envStr("SERVER_ADDR", cfg.ServerAddr)
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = envDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.CORSAllowedOrigins = envStr("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)

	cfg.MaxWSConnections = envInt("MAX_WS_CONNECTIONS", cfg.MaxWSConnections)
	cfg.WSSendBufferSize = envInt("WS_SEND_BUFFER_SIZE", cfg.WSSendBufferSize)
	cfg.WSWriteTimeout = envDuration("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSPongTimeout = envDuration("WS_PONG_TIMEOUT", cfg.WSPongTimeout)
	cfg.WSMaxMessageSize = int64(envInt("WS_MAX_MESSAGE_SIZE", int(cfg.WSMaxMessageSize)))

	cfg.HistorySize = envInt("HISTORY_SIZE", cfg.HistorySize)
	cfg.CoalesceWindow = envDuration("COALESCE_WINDOW", cfg.CoalesceWindow)
	cfg.SubscriberBuffer = envInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.AnswerContextSize = envInt("ANSWER_CONTEXT_SIZE", cfg.AnswerContextSize)
	cfg.AnswerTimeout = envDuration("ANSWER_TIMEOUT", cfg.AnswerTimeout)
	cfg.MaxConcurrentAnswers = envInt("MAX_CONCURRENT_ANSWERS", cfg.MaxConcurrentAnswers)
	if raw := os.Getenv("DEFAULT_CHANNELS"); raw != "" {
		cfg.DefaultChannels = splitList(raw)
	}

	cfg.LLM.BaseURL = envStr("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = envStr("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.SystemPrompt = envStr("LLM_SYSTEM_PROMPT", cfg.LLM.SystemPrompt)
	cfg.LLM.Timeout = envDuration("LLM_TIMEOUT", cfg.LLM.Timeout)
	cfg.LLM.MaxRetries = envInt("LLM_MAX_RETRIES", cfg.LLM.MaxRetries)
	cfg.LLM.RetryDelay = envDuration("LLM_RETRY_DELAY", cfg.LLM.RetryDelay)

	cfg.Redis.URL = envStr("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.MaxTurns = envInt("REDIS_MAX_TURNS", cfg.Redis.MaxTurns)

	cfg.RateLimit.RPS = envFloat("RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = envInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
}

// Validate отклоняет значения, с которыми сервис не может работать.
func (c *Config) Validate() error {
	switch {
	case c.ServerAddr == "":
		return errors.New("config: server_addr is empty")
	case c.HistorySize <= 0:
		return errors.Errorf("config: history_size must be positive, got %d", c.HistorySize)
	case c.CoalesceWindow <= 0:
		return errors.Errorf("config: coalesce_window must be positive, got %v", c.CoalesceWindow)
	case c.AnswerContextSize <= 0:
		return errors.Errorf("config: answer_context_size must be positive, got %d", c.AnswerContextSize)
	case c.MaxConcurrentAnswers <= 0:
		return errors.Errorf("config: max_concurrent_answers must be positive, got %d", c.MaxConcurrentAnswers)
	}
	return nil
}

// AllowedOrigins разбирает CORS_ALLOWED_ORIGINS (через запятую).
func (c *Config) AllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return []string{"*"}
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration принимает "500ms", "2m" или целое число секунд.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
