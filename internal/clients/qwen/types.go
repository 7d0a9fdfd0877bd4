package qwen

import (
	"encoding/json"
)

// URLRef 图片/视频地址
type URLRef struct {
	URL string `json:"url"`
}

// ContentPart OpenAI兼容模式的内容片段
type ContentPart struct {
	Type     string   `json:"type"`                // text / image_url / video_url / video
	Text     string   `json:"text,omitempty"`      // 文本
	ImageURL *URLRef  `json:"image_url,omitempty"` // 图片地址
	VideoURL *URLRef  `json:"video_url,omitempty"` // 视频地址
	Video    []string `json:"video,omitempty"`     // 关键帧序列
}

// Message 兼容模式消息，仅含单个文本片段时序列化为字符串
type Message struct {
	Role    string
	Content []ContentPart
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// MarshalJSON 实现json.Marshaler
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Content) == 1 && m.Content[0].Type == "text" {
		return json.Marshal(wireMessage{Role: m.Role, Content: m.Content[0].Text})
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: m.Content})
}

// UnmarshalJSON 实现json.Unmarshaler
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = []ContentPart{{Type: "text", Text: s}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// StreamOptions 流式选项
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest 兼容模式请求体
type ChatRequest struct {
	Model         string         `json:"model"`                    // 模型名称
	Messages      []Message      `json:"messages"`                 // 消息列表
	Stream        bool           `json:"stream"`                   // 是否流式输出
	Temperature   float64        `json:"temperature,omitempty"`    // 温度参数
	MaxTokens     int            `json:"max_tokens,omitempty"`     // 最大生成token数
	Modalities    []string       `json:"modalities,omitempty"`     // 输出模态，Omni模型仅支持text
	StreamOptions *StreamOptions `json:"stream_options,omitempty"` // 流式选项
}
