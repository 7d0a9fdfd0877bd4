package models

import "context"

// ProviderKind 服务类别
type ProviderKind string

// 服务类别常量
const (
	ProviderAuto      ProviderKind = ""          // 未手动指定，按轮次策略选择
	ProviderPrimary   ProviderKind = "primary"   // 多模态服务（通义千问）
	ProviderSecondary ProviderKind = "secondary" // 纯文本服务（火山方舟）
)

// Alternate 返回备选服务
func (k ProviderKind) Alternate() ProviderKind {
	if k == ProviderSecondary {
		return ProviderPrimary
	}
	return ProviderSecondary
}

// ParseProviderKind 解析服务名称，兼容qwen/volcengine旧名称
func ParseProviderKind(name string) (ProviderKind, bool) {
	switch name {
	case "primary", "qwen":
		return ProviderPrimary, true
	case "secondary", "volcengine":
		return ProviderSecondary, true
	case "", "auto":
		return ProviderAuto, true
	}
	return ProviderAuto, false
}

// ChatRequest 单次服务调用参数
type ChatRequest struct {
	Prompt       string
	Images       []SourceRef
	Frames       []SourceRef // 视频关键帧
	Video        *SourceRef  // 视频地址
	SystemPrompt string
	Model        string // 为空时使用服务默认模型
	Stream       bool
	Reasoning    bool // 仅纯文本服务支持
	OnDelta      func(StreamChunk)
}

// HasMedia 是否携带媒体
func (r ChatRequest) HasMedia() bool {
	return len(r.Images) > 0 || len(r.Frames) > 0 || r.Video != nil
}

// HasVideo 是否需要视频理解
func (r ChatRequest) HasVideo() bool {
	return len(r.Frames) > 0 || r.Video != nil
}

// ChatResult 服务调用结果
type ChatResult struct {
	Text      string
	Reasoning string
	Model     string
	Raw       []byte // 原始响应（流式时为拼接后的SSE文本）
}

// ProviderAdapter 屏蔽各厂商请求/响应格式的统一接口
type ProviderAdapter interface {
	// Name 服务名称，用于日志
	Name() string

	// Kind 服务类别
	Kind() ProviderKind

	// Init 检查凭证与模型配置，失败表示该服务不可用
	Init() error

	// SupportsMedia 是否支持图片/视频输入
	SupportsMedia() bool

	// SetHistory 用共享历史替换服务内部历史
	SetHistory(history []Message)

	// History 将服务内部历史转换为共享格式
	History() []Message

	// ClearHistory 清除服务内部历史
	ClearHistory()

	// Chat 发送一次对话请求，成功时服务内部历史追加本轮问答
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}
