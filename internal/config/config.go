package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/podchat/internal/model/chat"
)

const (
	DefaultTextModel    = "mistralai/Mistral-7B-Instruct-v0.3"
	DefaultVisionModel  = "gpt-4-vision-preview"
	DefaultSystemPrompt = "You are Mistral-7B-Instruct-v0.3, a helpful AI assistant."
	DefaultGreeting     = "Hello! I'm your AI assistant. I can help with text responses and analyze images. How can I help you today?"
	DefaultRunPodHost   = "api.runpod.ai"
)

var (
	ErrMissingAPIKey       = errors.New("RUNPOD_API_KEY is required")
	ErrMissingServerlessID = errors.New("RUNPOD_SERVERLESS_ID is required")
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Session SessionConfig
	Debug   bool
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	debug, err := parseBoolEnv("LOG_DEBUG", false)
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Session: session, Debug: debug}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	MaxUploadBytes int64
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	maxUpload := int64(20 << 20)
	if override, err := parseOptionalIntEnv("MAX_UPLOAD_BYTES"); err != nil {
		return ServerConfig{}, err
	} else if override != nil && *override > 0 {
		maxUpload = int64(*override)
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	addr := port
	if !strings.Contains(port, ":") {
		addr = ":" + port
	}

	return ServerConfig{Addr: addr, MaxUploadBytes: maxUpload}, nil
}

// AIConfig 描述上游推理端点与模型参数。
type AIConfig struct {
	APIKey       string
	ServerlessID string
	Host         string
	BaseURL      string
	TextModel    string
	VisionModel  string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
	Greeting     string
}

// EndpointURL 返回 OpenAI 兼容端点地址 https://<host>/v2/<id>/openai/v1。
func (c AIConfig) EndpointURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	host := c.Host
	if host == "" {
		host = DefaultRunPodHost
	}
	return fmt.Sprintf("https://%s/v2/%s/openai/v1", host, url.PathEscape(c.ServerlessID))
}

// TextParams 返回纯文本请求使用的默认模型参数。
func (c AIConfig) TextParams() chat.Params {
	return chat.Params{Model: c.TextModel, Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if c.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	temperature := c.Temperature
	maxTokens := c.MaxTokens
	retries := 0

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.EndpointURL(),
		APIKey:      c.APIKey,
		Model:       c.TextModel,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		RetryTimes:  &retries,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature := float32(0.3)
	if override, err := parseOptionalFloatEnv("TEMPERATURE"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		temperature = float32(*override)
	}

	maxTokens := 500
	if override, err := parseOptionalIntEnv("MAX_TOKENS"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AIConfig{}, fmt.Errorf("invalid MAX_TOKENS value %d: must be positive", *override)
		}
		maxTokens = *override
	}

	cfg := AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("RUNPOD_API_KEY")),
		ServerlessID: strings.TrimSpace(os.Getenv("RUNPOD_SERVERLESS_ID")),
		Host:         getEnvOrDefault("RUNPOD_HOST", DefaultRunPodHost),
		BaseURL:      strings.TrimSpace(os.Getenv("RUNPOD_BASE_URL")),
		TextModel:    getEnvOrDefault("MODEL", DefaultTextModel),
		VisionModel:  getEnvOrDefault("VISION_MODEL", DefaultVisionModel),
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		SystemPrompt: getEnvOrDefault("SYSTEM_PROMPT", DefaultSystemPrompt),
		Greeting:     getEnvOrDefault("GREETING", DefaultGreeting),
	}

	switch {
	case cfg.APIKey == "":
		return AIConfig{}, ErrMissingAPIKey
	case cfg.ServerlessID == "" && cfg.BaseURL == "":
		return AIConfig{}, ErrMissingServerlessID
	}

	return cfg, nil
}

// SessionConfig 描述会话生命周期与历史窗口。
type SessionConfig struct {
	IdleTimeout  time.Duration
	HistoryLimit int
}

func loadSessionConfig() (SessionConfig, error) {
	idle := 30 * time.Minute
	if raw := strings.TrimSpace(os.Getenv("SESSION_IDLE_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return SessionConfig{}, fmt.Errorf("invalid SESSION_IDLE_TIMEOUT value %q: %w", raw, err)
		}
		idle = d
	}

	limit := 0
	if override, err := parseOptionalIntEnv("MAX_HISTORY_TURNS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		limit = *override
	}

	return SessionConfig{IdleTimeout: idle, HistoryLimit: limit}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
