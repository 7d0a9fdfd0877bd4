// Package config 提供配置加载和管理功能
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用程序配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Relay      RelayConfig      `yaml:"relay"`
	Qwen       QwenConfig       `yaml:"qwen"`
	Volcengine VolcengineConfig `yaml:"volcengine"`
	Chat       ChatConfig       `yaml:"chat"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
}

// ServerConfig 对话API服务器配置
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`                  // 服务器监听地址
	Port            int           `yaml:"port" env:"SERVER_PORT"`                  // 服务器监听端口
	RateLimit       float64       `yaml:"rate_limit"`                              // 每个IP每秒请求数，0表示不限制
	RateBurst       int           `yaml:"rate_burst"`                              // 突发请求数
	SessionTTL      time.Duration `yaml:"session_ttl"`                             // 会话空闲过期时间
	CleanupInterval time.Duration `yaml:"cleanup_interval"`                        // 过期会话清理间隔
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"` // 优雅关闭超时
}

// RelayConfig 本地代理配置
type RelayConfig struct {
	Enabled      bool          `yaml:"enabled" env:"PROXY_ENABLED"`                              // 是否启动代理服务器
	Host         string        `yaml:"host"`                                                     // 代理监听地址
	Port         int           `yaml:"port" env:"PROXY_PORT"`                                    // 代理监听端口
	Timeout      time.Duration `yaml:"timeout" env:"PROXY_TIMEOUT"`                              // 转发超时
	MaxBodySize  int64         `yaml:"max_body_size"`                                            // 请求体大小上限（字节）
	AllowedHosts []string      `yaml:"allowed_hosts" env:"PROXY_ALLOWED_HOSTS" envSeparator:","` // 允许转发的目标主机，为空表示不限制
	RateLimit    float64       `yaml:"rate_limit"`                                               // 每个IP每秒请求数，0表示不限制
	RateBurst    int           `yaml:"rate_burst"`                                               // 突发请求数
	UseProxy     bool          `yaml:"use_proxy" env:"USE_PROXY"`                                // 服务调用是否经代理转发
	URL          string        `yaml:"url" env:"PROXY_URL"`                                      // 服务调用使用的代理地址
}

// QwenConfig 通义千问配置
type QwenConfig struct {
	APIKey       string  `yaml:"api_key" env:"DASHSCOPE_API_KEY"` // API密钥
	Endpoint     string  `yaml:"endpoint"`                        // 兼容模式接口地址
	Model        string  `yaml:"model" env:"QWEN_MODEL"`          // 模型名称
	SystemPrompt string  `yaml:"system_prompt"`                   // 系统提示词
	Temperature  float64 `yaml:"temperature"`                     // 温度参数
	MaxTokens    int     `yaml:"max_tokens"`                      // 最大生成token数
}

// VolcengineConfig 火山方舟配置
type VolcengineConfig struct {
	APIKey       string  `yaml:"api_key" env:"VOLCENGINE_API_KEY"` // API密钥
	Endpoint     string  `yaml:"endpoint"`                         // 接口地址
	Model        string  `yaml:"model" env:"VOLCENGINE_MODEL"`     // 模型或接入点ID
	SystemPrompt string  `yaml:"system_prompt"`                    // 系统提示词
	Temperature  float64 `yaml:"temperature"`                      // 温度参数
	TopP         float64 `yaml:"top_p"`                            // Top-p采样
	MaxTokens    int     `yaml:"max_tokens"`                       // 最大生成token数
}

// ChatConfig 对话编排配置
type ChatConfig struct {
	AutoSwitchByRound         bool          `yaml:"auto_switch_by_round"`        // 首轮后切换到火山方舟
	AutoFailover              bool          `yaml:"auto_failover"`               // 失败时切换备选服务
	SecondaryFailureThreshold *int          `yaml:"secondary_failure_threshold"` // 火山方舟连续失败次数阈值，0表示不禁用
	RequestTimeout            time.Duration `yaml:"request_timeout"`             // 单次调用超时
	SystemPrompt              string        `yaml:"system_prompt"`               // 会话默认系统提示词
	IncludeSubtitles          bool          `yaml:"include_subtitles"`           // 附带字幕
	Stream                    bool          `yaml:"stream"`                      // 默认流式输出
	BufferedStream            bool          `yaml:"buffered_stream"`             // 一次性读取流式响应
	Reasoning                 bool          `yaml:"reasoning"`                   // 火山方舟深度思考
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
}

// Load 从文件加载配置，.env和环境变量中的值覆盖文件中的值
func Load(filename string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		setBehaviorDefaults(&config)
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// .env不存在时忽略
	_ = godotenv.Load()
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	setDefaults(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setBehaviorDefaults 没有配置文件时开启的开关
func setBehaviorDefaults(config *Config) {
	config.Chat.AutoSwitchByRound = true
	config.Chat.AutoFailover = true
	config.Chat.Stream = true
	config.Relay.Enabled = true
}

// setDefaults 设置默认值
func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.RateBurst == 0 {
		config.Server.RateBurst = 20
	}
	if config.Server.SessionTTL == 0 {
		config.Server.SessionTTL = 2 * time.Hour
	}
	if config.Server.CleanupInterval == 0 {
		config.Server.CleanupInterval = 5 * time.Minute
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 10 * time.Second
	}

	if config.Relay.Host == "" {
		config.Relay.Host = "0.0.0.0"
	}
	if config.Relay.Port == 0 {
		config.Relay.Port = 8766
	}
	if config.Relay.Timeout == 0 {
		config.Relay.Timeout = 30 * time.Second
	}
	if config.Relay.MaxBodySize == 0 {
		config.Relay.MaxBodySize = 50 << 20
	}
	if config.Relay.RateBurst == 0 {
		config.Relay.RateBurst = 20
	}
	if config.Relay.URL == "" {
		config.Relay.URL = fmt.Sprintf("http://localhost:%d/proxy", config.Relay.Port)
	}

	if config.Chat.SecondaryFailureThreshold == nil {
		n := 2
		config.Chat.SecondaryFailureThreshold = &n
	}
	if config.Chat.RequestTimeout == 0 {
		config.Chat.RequestTimeout = 120 * time.Second
	}

	if config.WebSocket.ReadBufferSize == 0 {
		config.WebSocket.ReadBufferSize = 1024
	}
	if config.WebSocket.WriteBufferSize == 0 {
		config.WebSocket.WriteBufferSize = 1024
	}
	if config.WebSocket.PingPeriod == 0 {
		config.WebSocket.PingPeriod = 30 * time.Second
	}
	if config.WebSocket.PongWait == 0 {
		config.WebSocket.PongWait = 60 * time.Second
	}
}

// validateConfig 验证配置是否有效
func validateConfig(config *Config) error {
	// 验证服务器配置
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if config.Server.RateLimit < 0 || config.Relay.RateLimit < 0 {
		return ErrInvalidRateLimit
	}

	// 验证代理配置
	if config.Relay.Enabled {
		if config.Relay.Port <= 0 || config.Relay.Port > 65535 {
			return ErrInvalidPort
		}
		if config.Relay.Port == config.Server.Port && config.Relay.Host == config.Server.Host {
			return ErrPortConflict
		}
	}
	if config.Relay.UseProxy && config.Relay.URL == "" {
		return ErrEmptyProxyURL
	}

	// 验证对话配置
	if *config.Chat.SecondaryFailureThreshold < 0 {
		return ErrInvalidThreshold
	}
	if config.Chat.RequestTimeout < 0 {
		return ErrInvalidTimeout
	}

	// 两个服务都没有密钥时无法对话
	if config.Qwen.APIKey == "" && config.Volcengine.APIKey == "" {
		return ErrNoAPIKey
	}

	if config.WebSocket.PongWait <= config.WebSocket.PingPeriod {
		return ErrInvalidPongWait
	}

	return nil
}

// FailureThreshold 火山方舟连续失败次数阈值
func (c ChatConfig) FailureThreshold() int {
	if c.SecondaryFailureThreshold == nil {
		return 2
	}
	return *c.SecondaryFailureThreshold
}
