// Package volcengine 火山方舟纯文本对话客户端
package volcengine

import (
	"context"
	"errors"
	"log"
	"sync"

	"video_chat_mini/internal/clients/transport"
	"video_chat_mini/internal/models"
)

// 默认配置
const (
	DefaultEndpoint     = "https://ark.cn-beijing.volces.com/api/v3/chat/completions"
	DefaultSystemPrompt = "你是人工智能助手."
	DefaultTemperature  = 0.7
	DefaultTopP         = 0.95
)

// 初始化错误
var (
	ErrMissingAPIKey = errors.New("火山方舟API密钥不能为空")
	ErrMissingModel  = errors.New("火山方舟模型（接入点）不能为空")
)

// Config 火山方舟客户端配置
type Config struct {
	APIKey       string  // API密钥
	Endpoint     string  // 接口地址
	Model        string  // 模型或接入点ID
	SystemPrompt string  // 默认系统提示词
	Temperature  float64 // 温度参数
	TopP         float64 // Top-p采样
	MaxTokens    int     // 最大生成token数
}

// Message 火山方舟消息，仅支持文本
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Thinking 深度思考开关
type Thinking struct {
	Type string `json:"type"` // enabled / disabled
}

// ChatRequest 请求体
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
}

// Client 火山方舟客户端，实现models.ProviderAdapter
type Client struct {
	config    Config
	transport *transport.Client

	mu      sync.Mutex
	history []Message
}

// NewClient 创建火山方舟客户端
func NewClient(config Config, tr *transport.Client) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}
	if config.TopP == 0 {
		config.TopP = DefaultTopP
	}
	if tr == nil {
		tr = transport.NewClient(transport.Config{}, nil)
	}
	return &Client{
		config:    config,
		transport: tr,
	}
}

// Name 服务名称
func (c *Client) Name() string { return "volcengine" }

// Kind 服务类别
func (c *Client) Kind() models.ProviderKind { return models.ProviderSecondary }

// SupportsMedia 仅支持文本
func (c *Client) SupportsMedia() bool { return false }

// Init 检查配置
func (c *Client) Init() error {
	if c.config.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.config.Model == "" {
		return ErrMissingModel
	}
	log.Printf("[INFO] 火山方舟API服务初始化成功，使用模型: %s", c.config.Model)
	return nil
}

// SetHistory 用共享历史替换内部历史，只保留文本
func (c *Client) SetHistory(history []models.Message) {
	native := make([]Message, 0, len(history))
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		native = append(native, Message{Role: string(m.Role), Content: text})
	}
	c.mu.Lock()
	c.history = native
	c.mu.Unlock()
}

// History 将内部历史转换为共享格式
func (c *Client) History() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, 0, len(c.history))
	for _, m := range c.history {
		msg := models.NewTextMessage(models.Role(m.Role), m.Content)
		if msg.Role == models.RoleAssistant {
			msg.Provider = models.ProviderSecondary
		}
		out = append(out, msg)
	}
	return out
}

// ClearHistory 清除内部历史
func (c *Client) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// Chat 发送对话请求，携带媒体时返回ErrMediaUnsupported
func (c *Client) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	if req.HasMedia() {
		return nil, models.ErrMediaUnsupported
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	body := ChatRequest{
		Model:       model,
		Stream:      req.Stream,
		Temperature: c.config.Temperature,
		TopP:        c.config.TopP,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Reasoning {
		body.Thinking = &Thinking{Type: "enabled"}
	}

	user := Message{Role: "user", Content: req.Prompt}

	c.mu.Lock()
	body.Messages = c.requestMessages(req.SystemPrompt, user)
	c.mu.Unlock()

	log.Printf("[INFO] 发送火山方舟请求，模型: %s, 流式输出: %v, 深度思考: %v, 消息数: %d", model, req.Stream, req.Reasoning, len(body.Messages))

	resp, err := c.transport.Post(ctx, transport.Request{
		Provider: c.Name(),
		URL:      c.config.Endpoint,
		Headers:  map[string]string{"Authorization": "Bearer " + c.config.APIKey},
		Body:     body,
		Stream:   req.Stream,
	})
	if err != nil {
		return nil, err
	}

	result, err := c.transport.ReadCompletion(ctx, c.Name(), resp, req.Stream, func(chunk models.StreamChunk) {
		if req.OnDelta != nil {
			chunk.Provider = models.ProviderSecondary
			req.OnDelta(chunk)
		}
	})
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = model
	}

	c.mu.Lock()
	c.history = append(c.history, user, Message{Role: "assistant", Content: result.Text})
	c.mu.Unlock()

	return result, nil
}

// requestMessages 历史中没有系统消息时在最前面补上，调用方持有锁
func (c *Client) requestMessages(systemPrompt string, user Message) []Message {
	messages := make([]Message, 0, len(c.history)+2)
	hasSystem := len(c.history) > 0 && c.history[0].Role == "system"
	switch {
	case systemPrompt != "":
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
		if hasSystem {
			messages = append(messages, c.history[1:]...)
		} else {
			messages = append(messages, c.history...)
		}
	case hasSystem:
		messages = append(messages, c.history...)
	default:
		messages = append(messages, Message{Role: "system", Content: c.config.SystemPrompt})
		messages = append(messages, c.history...)
	}
	return append(messages, user)
}
