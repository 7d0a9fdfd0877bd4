package services

import (
	"sync"

	"video_chat_mini/internal/models"
)

// HistoryStore 会话共享历史，首条消息为可选的系统消息
type HistoryStore struct {
	mu       sync.RWMutex
	messages []models.Message
	pending  *models.Message // 正在流式生成的助手消息
}

// NewHistoryStore 创建历史存储
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		messages: make([]models.Message, 0),
	}
}

// Append 追加消息，系统消息替换已有的系统消息
func (h *HistoryStore) Append(msg models.Message) {
	if msg.Role == models.RoleSystem {
		h.SetSystem(msg.Text())
		return
	}
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

// SetSystem 设置系统提示，空字符串表示移除
func (h *HistoryStore) SetSystem(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hasSystem := len(h.messages) > 0 && h.messages[0].Role == models.RoleSystem
	switch {
	case prompt == "" && hasSystem:
		h.messages = h.messages[1:]
	case prompt == "":
	case hasSystem:
		h.messages[0] = models.NewTextMessage(models.RoleSystem, prompt)
	default:
		h.messages = append([]models.Message{models.NewTextMessage(models.RoleSystem, prompt)}, h.messages...)
	}
}

// System 当前系统提示
func (h *HistoryStore) System() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) > 0 && h.messages[0].Role == models.RoleSystem {
		return h.messages[0].Text()
	}
	return ""
}

// Snapshot 返回全部消息的副本
func (h *HistoryStore) Snapshot() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Turns 返回不含系统消息的副本
func (h *HistoryStore) Turns() []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if len(h.messages) > 0 && h.messages[0].Role == models.RoleSystem {
		start = 1
	}
	out := make([]models.Message, len(h.messages)-start)
	copy(out, h.messages[start:])
	return out
}

// Len 不含系统消息的消息数
func (h *HistoryStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) > 0 && h.messages[0].Role == models.RoleSystem {
		return len(h.messages) - 1
	}
	return len(h.messages)
}

// Clear 清除全部消息，保留系统提示
func (h *HistoryStore) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == models.RoleSystem {
		h.messages = h.messages[:1]
	} else {
		h.messages = make([]models.Message, 0)
	}
	h.pending = nil
}

// BeginPending 开始一条流式助手消息
func (h *HistoryStore) BeginPending(provider models.ProviderKind) {
	h.mu.Lock()
	msg := models.NewTextMessage(models.RoleAssistant, "")
	msg.Provider = provider
	h.pending = &msg
	h.mu.Unlock()
}

// GrowPending 更新流式消息的累计文本
func (h *HistoryStore) GrowPending(provider models.ProviderKind, cumulative string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return
	}
	h.pending.Provider = provider
	h.pending.Parts = []models.ContentPart{models.TextPart(cumulative)}
}

// Pending 返回流式消息副本
func (h *HistoryStore) Pending() (models.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.pending == nil {
		return models.Message{}, false
	}
	return *h.pending, true
}

// CommitPending 以最终文本冻结流式消息并追加到历史
func (h *HistoryStore) CommitPending(provider models.ProviderKind, text string) models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msg models.Message
	if h.pending != nil {
		msg = *h.pending
	} else {
		msg = models.NewTextMessage(models.RoleAssistant, "")
	}
	msg.Provider = provider
	msg.Parts = []models.ContentPart{models.TextPart(text)}
	h.messages = append(h.messages, msg)
	h.pending = nil
	return msg
}

// DiscardPending 丢弃流式消息
func (h *HistoryStore) DiscardPending() {
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()
}
