// Package transport 封装对大模型API的HTTP调用，支持直连和经本地代理转发
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"video_chat_mini/internal/clients/sse"
	"video_chat_mini/internal/models"
)

// maxErrorBody 错误响应体保留的最大长度
const maxErrorBody = 4096

// Config 传输配置
type Config struct {
	UseProxy       bool   // 是否经代理转发
	ProxyURL       string // 代理地址，如 http://localhost:8767/proxy
	BufferedStream bool   // 流式请求时一次性读取响应再解码
}

// Client HTTP传输客户端
type Client struct {
	config Config
	client *http.Client
}

// Request 单次请求参数
type Request struct {
	Provider string            // 服务名称，用于错误信息
	URL      string            // 目标API地址
	Headers  map[string]string // 请求头
	Body     interface{}       // 请求体，序列化为JSON
	Stream   bool              // 是否流式
}

// Envelope 代理请求信封
type Envelope struct {
	URL     string            `json:"url"`
	Data    json.RawMessage   `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
	Stream  bool              `json:"stream"`
}

// NewClient 创建传输客户端，httpClient为空时使用默认客户端
func NewClient(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		config: config,
		client: httpClient,
	}
}

// Config 返回传输配置
func (c *Client) Config() Config {
	return c.config
}

// Post 发送请求，返回2xx响应；网络错误返回TransportError，非2xx返回APIError
func (c *Client) Post(ctx context.Context, r Request) (*http.Response, error) {
	jsonData, err := json.Marshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	url := r.URL
	headers := r.Headers
	if c.config.UseProxy && c.config.ProxyURL != "" {
		jsonData, err = json.Marshal(Envelope{
			URL:     r.URL,
			Data:    jsonData,
			Headers: r.Headers,
			Stream:  r.Stream,
		})
		if err != nil {
			return nil, fmt.Errorf("序列化代理请求失败: %w", err)
		}
		url = c.config.ProxyURL
		headers = nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.TransportError{Provider: r.Provider, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &models.APIError{Provider: r.Provider, Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// completion 非流式响应
type completion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          json.RawMessage `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// ParseCompletion 解析非流式响应
func ParseCompletion(provider string, body []byte) (*models.ChatResult, error) {
	var resp completion
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: "响应不是有效的JSON: " + err.Error(), Body: string(body)}
	}
	if len(resp.Choices) == 0 {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: "响应中没有choices", Body: string(body)}
	}
	msg := resp.Choices[0].Message
	text, err := sse.ContentText(msg.Content)
	if err != nil {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: err.Error(), Body: string(body)}
	}
	if text == "" {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: "响应内容为空", Body: string(body)}
	}
	return &models.ChatResult{
		Text:      text,
		Reasoning: msg.ReasoningContent,
		Model:     resp.Model,
		Raw:       body,
	}, nil
}

// ReadCompletion 读取响应并提取回答
// 流式请求按Content-Type选择SSE解码或JSON解析，onDelta在当前goroutine中同步调用
func (c *Client) ReadCompletion(ctx context.Context, provider string, resp *http.Response, stream bool, onDelta func(models.StreamChunk)) (*models.ChatResult, error) {
	defer resp.Body.Close()

	isSSE := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if !stream || !isSSE || c.config.BufferedStream {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &models.TransportError{Provider: provider, Err: err}
		}
		if stream && sse.LooksLikeEventStream(body) {
			return decodeBuffered(provider, body, onDelta)
		}
		return ParseCompletion(provider, body)
	}

	var raw bytes.Buffer
	var last models.StreamChunk
	var reasoning strings.Builder
	for chunk := range sse.Stream(ctx, io.TeeReader(resp.Body, &raw), nil) {
		if chunk.Err != nil {
			return nil, &models.TransportError{Provider: provider, Err: unwrapTransport(chunk.Err)}
		}
		reasoning.WriteString(chunk.Reasoning)
		last = chunk
		if onDelta != nil && (chunk.Delta != "" || chunk.Reasoning != "") {
			onDelta(chunk)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &models.TransportError{Provider: provider, Err: err}
	}
	if last.Cumulative == "" {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: "流式响应未包含文本", Body: raw.String()}
	}
	return &models.ChatResult{Text: last.Cumulative, Reasoning: reasoning.String(), Raw: raw.Bytes()}, nil
}

// decodeBuffered 一次性解码完整的SSE响应
func decodeBuffered(provider string, body []byte, onDelta func(models.StreamChunk)) (*models.ChatResult, error) {
	text, reasoning, chunks := sse.DecodeString(string(body), nil)
	if onDelta != nil {
		for _, chunk := range chunks {
			if chunk.Delta != "" || chunk.Reasoning != "" {
				onDelta(chunk)
			}
		}
	}
	if text == "" {
		return nil, &models.ResponseShapeError{Provider: provider, Reason: "流式响应未包含文本", Body: string(body)}
	}
	return &models.ChatResult{Text: text, Reasoning: reasoning, Raw: body}, nil
}

func unwrapTransport(err error) error {
	if te, ok := err.(*models.TransportError); ok {
		return te.Err
	}
	return err
}
