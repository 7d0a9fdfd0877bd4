package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role 消息角色
type Role string

// 消息角色常量
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType 内容片段类型
type PartType string

// 内容片段类型常量
const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartVideo PartType = "video"
)

// SourceRef 媒体来源，URL或内联base64数据二选一
type SourceRef struct {
	URL      string `json:"url,omitempty"`       // 远程地址或data URI
	Data     string `json:"data,omitempty"`      // base64数据（不含data:前缀）
	MIMEType string `json:"mime_type,omitempty"` // MIME类型，默认image/jpeg
}

// String 返回可直接放入请求的地址（URL或data URI）
func (s SourceRef) String() string {
	if s.URL != "" {
		return s.URL
	}
	if strings.HasPrefix(s.Data, "data:") {
		return s.Data
	}
	mime := s.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + s.Data
}

// IsZero 是否为空来源
func (s SourceRef) IsZero() bool {
	return s.URL == "" && s.Data == ""
}

// ParseSourceRef 将前端传入的字符串解析为媒体来源，支持http(s)地址、data URI和裸base64
func ParseSourceRef(raw string) SourceRef {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "data:"):
		return SourceRef{URL: raw}
	default:
		return SourceRef{Data: raw, MIMEType: "image/jpeg"}
	}
}

// ContentPart 消息内容片段
type ContentPart struct {
	Type  PartType    `json:"type"`
	Text  string      `json:"text,omitempty"`
	Image *SourceRef  `json:"image,omitempty"`
	Video []SourceRef `json:"video,omitempty"` // 单个视频地址或关键帧序列
}

// TextPart 创建文本片段
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart 创建图片片段
func ImagePart(src SourceRef) ContentPart {
	return ContentPart{Type: PartImage, Image: &src}
}

// VideoPart 创建视频片段
func VideoPart(sources ...SourceRef) ContentPart {
	return ContentPart{Type: PartVideo, Video: sources}
}

// Message 对话消息
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []ContentPart `json:"parts"`
	Provider  ProviderKind  `json:"provider,omitempty"` // 生成该消息的服务，仅助手消息
	CreatedAt time.Time     `json:"created_at"`
}

// NewMessage 创建消息
func NewMessage(role Role, parts ...ContentPart) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

// NewTextMessage 创建纯文本消息
func NewTextMessage(role Role, text string) Message {
	return NewMessage(role, TextPart(text))
}

// Text 拼接所有文本片段
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasMedia 是否包含图片或视频
func (m Message) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != PartText {
			return true
		}
	}
	return false
}

// TextOnly 返回去掉媒体片段后的副本
func (m Message) TextOnly() Message {
	out := m
	out.Parts = nil
	for _, p := range m.Parts {
		if p.Type == PartText {
			out.Parts = append(out.Parts, p)
		}
	}
	return out
}

// Subtitle 字幕条目，时间单位为秒
type Subtitle struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

// StreamChunk 流式输出的一个片段
type StreamChunk struct {
	Delta      string       `json:"delta,omitempty"`
	Cumulative string       `json:"cumulative"`
	Reasoning  string       `json:"reasoning,omitempty"` // 推理过程增量
	Done       bool         `json:"done"`
	Reset      bool         `json:"reset,omitempty"` // 切换备选服务，之前输出的内容作废
	Err        error        `json:"-"`
	Provider   ProviderKind `json:"provider,omitempty"`
}
