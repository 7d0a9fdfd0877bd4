// Package qwen 通义千问（DashScope OpenAI兼容模式）多模态客户端
package qwen

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"video_chat_mini/internal/clients/transport"
	"video_chat_mini/internal/models"
)

// 默认配置
const (
	DefaultEndpoint    = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	DefaultModel       = "qwen-omni-turbo-2025-01-19"
	DefaultTemperature = 0.7

	// MinVideoFrames 视频理解所需的最少关键帧数
	MinVideoFrames = 4
)

// 初始化错误
var (
	ErrMissingAPIKey = errors.New("通义千问API密钥不能为空")
	ErrMissingModel  = errors.New("通义千问模型名称不能为空")
)

// Config 通义千问客户端配置
type Config struct {
	APIKey       string  // API密钥
	Endpoint     string  // 兼容模式接口地址
	Model        string  // 默认模型
	SystemPrompt string  // 默认系统提示词
	Temperature  float64 // 温度参数
	MaxTokens    int     // 最大生成token数
}

// Client 通义千问客户端，实现models.ProviderAdapter
type Client struct {
	config    Config
	transport *transport.Client

	mu      sync.Mutex
	history []Message
}

// IsOmniModel 是否为Omni模型（只支持流式输出）
func IsOmniModel(model string) bool {
	return strings.HasPrefix(model, "qwen-omni")
}

// NewClient 创建通义千问客户端
func NewClient(config Config, tr *transport.Client) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
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
func (c *Client) Name() string { return "qwen" }

// Kind 服务类别
func (c *Client) Kind() models.ProviderKind { return models.ProviderPrimary }

// SupportsMedia 支持图片和视频
func (c *Client) SupportsMedia() bool { return true }

// Init 检查配置
func (c *Client) Init() error {
	if c.config.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.config.Model == "" {
		return ErrMissingModel
	}
	log.Printf("[INFO] 通义千问服务初始化成功，使用模型: %s", c.config.Model)
	return nil
}

// SetHistory 用共享历史替换内部历史
func (c *Client) SetHistory(history []models.Message) {
	native := make([]Message, 0, len(history))
	for _, m := range history {
		if msg, ok := toNative(m); ok {
			native = append(native, msg)
		}
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
		out = append(out, fromNative(m))
	}
	return out
}

// ClearHistory 清除内部历史
func (c *Client) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// Chat 发送对话请求
func (c *Client) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	if n := len(req.Frames); n > 0 && n < MinVideoFrames {
		return nil, &models.InsufficientFramesError{Got: n, Want: MinVideoFrames}
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	stream := req.Stream
	body := ChatRequest{
		Model:       model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}
	if IsOmniModel(model) {
		stream = true
		body.Modalities = []string{"text"}
	}
	body.Stream = stream
	if stream {
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	user := buildUserMessage(req)

	c.mu.Lock()
	body.Messages = c.requestMessages(req.SystemPrompt, user)
	c.mu.Unlock()

	log.Printf("[INFO] 发送通义千问请求，模型: %s, 流式输出: %v, 历史消息: %d条, 关键帧: %d", model, stream, len(body.Messages)-1, len(req.Frames))

	resp, err := c.transport.Post(ctx, transport.Request{
		Provider: c.Name(),
		URL:      c.config.Endpoint,
		Headers:  map[string]string{"Authorization": "Bearer " + c.config.APIKey},
		Body:     body,
		Stream:   stream,
	})
	if err != nil {
		return nil, err
	}

	result, err := c.transport.ReadCompletion(ctx, c.Name(), resp, stream, func(chunk models.StreamChunk) {
		if req.OnDelta != nil {
			chunk.Provider = models.ProviderPrimary
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
	c.history = append(c.history, user, Message{Role: "assistant", Content: []ContentPart{{Type: "text", Text: result.Text}}})
	c.mu.Unlock()

	return result, nil
}

// requestMessages 拼接系统提示、历史和本轮用户消息，调用方持有锁
func (c *Client) requestMessages(systemPrompt string, user Message) []Message {
	if systemPrompt == "" {
		systemPrompt = c.config.SystemPrompt
	}
	messages := make([]Message, 0, len(c.history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: []ContentPart{{Type: "text", Text: systemPrompt}}})
	}
	for _, m := range c.history {
		if m.Role == "system" {
			if systemPrompt == "" {
				messages = append(messages, m)
			}
			continue
		}
		messages = append(messages, m)
	}
	return append(messages, user)
}

// buildUserMessage 媒体片段在前，文本在后
func buildUserMessage(req models.ChatRequest) Message {
	var parts []ContentPart
	if len(req.Frames) > 0 {
		urls := make([]string, 0, len(req.Frames))
		for _, f := range req.Frames {
			urls = append(urls, f.String())
		}
		parts = append(parts, ContentPart{Type: "video", Video: urls})
	}
	if req.Video != nil && !req.Video.IsZero() {
		parts = append(parts, ContentPart{Type: "video_url", VideoURL: &URLRef{URL: req.Video.String()}})
	}
	for _, img := range req.Images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &URLRef{URL: img.String()}})
	}
	parts = append(parts, ContentPart{Type: "text", Text: req.Prompt})
	return Message{Role: "user", Content: parts}
}

// toNative 共享消息转换为兼容模式消息
func toNative(m models.Message) (Message, bool) {
	msg := Message{Role: string(m.Role)}
	var text []ContentPart
	for _, p := range m.Parts {
		switch p.Type {
		case models.PartText:
			if p.Text != "" {
				text = append(text, ContentPart{Type: "text", Text: p.Text})
			}
		case models.PartImage:
			if p.Image != nil {
				msg.Content = append(msg.Content, ContentPart{Type: "image_url", ImageURL: &URLRef{URL: p.Image.String()}})
			}
		case models.PartVideo:
			switch len(p.Video) {
			case 0:
			case 1:
				msg.Content = append(msg.Content, ContentPart{Type: "video_url", VideoURL: &URLRef{URL: p.Video[0].String()}})
			default:
				urls := make([]string, 0, len(p.Video))
				for _, v := range p.Video {
					urls = append(urls, v.String())
				}
				msg.Content = append(msg.Content, ContentPart{Type: "video", Video: urls})
			}
		}
	}
	msg.Content = append(msg.Content, text...)
	return msg, len(msg.Content) > 0
}

// fromNative 兼容模式消息转换为共享消息，文本片段始终保留
func fromNative(m Message) models.Message {
	var parts []models.ContentPart
	for _, p := range m.Content {
		switch p.Type {
		case "text":
			parts = append(parts, models.TextPart(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				parts = append(parts, models.ImagePart(models.SourceRef{URL: p.ImageURL.URL}))
			}
		case "video_url":
			if p.VideoURL != nil {
				parts = append(parts, models.VideoPart(models.SourceRef{URL: p.VideoURL.URL}))
			}
		case "video":
			refs := make([]models.SourceRef, 0, len(p.Video))
			for _, v := range p.Video {
				refs = append(refs, models.SourceRef{URL: v})
			}
			parts = append(parts, models.VideoPart(refs...))
		}
	}
	msg := models.NewMessage(models.Role(m.Role), parts...)
	if msg.Role == models.RoleAssistant {
		msg.Provider = models.ProviderPrimary
	}
	return msg
}
