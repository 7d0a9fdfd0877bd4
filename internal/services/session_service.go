package services

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"video_chat_mini/internal/clients/qwen"
	"video_chat_mini/internal/clients/transport"
	"video_chat_mini/internal/clients/volcengine"
	"video_chat_mini/internal/config"
	"video_chat_mini/internal/models"
)

// AdapterFactory 为新会话创建一组服务实例
type AdapterFactory func() map[models.ProviderKind]models.ProviderAdapter

// Session 对话会话
type Session struct {
	ID           string
	Orchestrator *Orchestrator
	CreatedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch 更新最后活动时间
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity 最后活动时间
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SessionOptions 创建会话参数
type SessionOptions struct {
	SystemPrompt string            `json:"system_prompt"`
	Subtitles    []models.Subtitle `json:"subtitles"`
	Provider     string            `json:"provider"` // 初始手动指定的服务
}

// SessionService 管理会话及其对话编排器
type SessionService struct {
	factory AdapterFactory
	config  OrchestratorConfig
	ttl     time.Duration

	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewSessionService 按配置创建会话服务
func NewSessionService(cfg *config.Config) *SessionService {
	tr := transport.NewClient(transport.Config{
		UseProxy:       cfg.Relay.UseProxy,
		ProxyURL:       cfg.Relay.URL,
		BufferedStream: cfg.Chat.BufferedStream,
	}, &http.Client{})

	factory := func() map[models.ProviderKind]models.ProviderAdapter {
		return map[models.ProviderKind]models.ProviderAdapter{
			models.ProviderPrimary: qwen.NewClient(qwen.Config{
				APIKey:       cfg.Qwen.APIKey,
				Endpoint:     cfg.Qwen.Endpoint,
				Model:        cfg.Qwen.Model,
				SystemPrompt: cfg.Qwen.SystemPrompt,
				Temperature:  cfg.Qwen.Temperature,
				MaxTokens:    cfg.Qwen.MaxTokens,
			}, tr),
			models.ProviderSecondary: volcengine.NewClient(volcengine.Config{
				APIKey:       cfg.Volcengine.APIKey,
				Endpoint:     cfg.Volcengine.Endpoint,
				Model:        cfg.Volcengine.Model,
				SystemPrompt: cfg.Volcengine.SystemPrompt,
				Temperature:  cfg.Volcengine.Temperature,
				TopP:         cfg.Volcengine.TopP,
				MaxTokens:    cfg.Volcengine.MaxTokens,
			}, tr),
		}
	}

	return NewSessionServiceWithFactory(factory, OrchestratorConfig{
		AutoSwitchByRound:         cfg.Chat.AutoSwitchByRound,
		AutoFailover:              cfg.Chat.AutoFailover,
		SecondaryFailureThreshold: cfg.Chat.FailureThreshold(),
		RequestTimeout:            cfg.Chat.RequestTimeout,
		SystemPrompt:              cfg.Chat.SystemPrompt,
		IncludeSubtitles:          cfg.Chat.IncludeSubtitles,
		Stream:                    cfg.Chat.Stream,
		Reasoning:                 cfg.Chat.Reasoning,
	}, cfg.Server.SessionTTL)
}

// NewSessionServiceWithFactory 使用自定义服务工厂创建会话服务
func NewSessionServiceWithFactory(factory AdapterFactory, oc OrchestratorConfig, ttl time.Duration) *SessionService {
	return &SessionService{
		factory:  factory,
		config:   oc,
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Create 创建会话
func (s *SessionService) Create(opts SessionOptions) (*Session, error) {
	oc := s.config
	if opts.SystemPrompt != "" {
		oc.SystemPrompt = opts.SystemPrompt
	}
	orch, err := NewOrchestrator(&OrchestratorContext{
		Adapters: s.factory(),
		History:  NewHistoryStore(),
		Config:   oc,
	})
	if err != nil {
		return nil, err
	}
	if len(opts.Subtitles) > 0 {
		orch.SetSubtitles(opts.Subtitles)
	}
	if opts.Provider != "" {
		kind, ok := models.ParseProviderKind(opts.Provider)
		if !ok {
			return nil, &models.ProviderUnavailableError{Provider: models.ProviderKind(opts.Provider)}
		}
		if err := orch.SetActiveProvider(kind); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.New().String(),
		Orchestrator: orch,
		CreatedAt:    now,
		lastActivity: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Printf("[INFO] 创建会话: %s", session.ID)
	return session, nil
}

// Get 获取会话并更新活动时间
func (s *SessionService) Get(id string) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	session.Touch()
	return session, nil
}

// Delete 删除会话并中止进行中的请求
func (s *SessionService) Delete(id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return models.ErrSessionNotFound
	}
	session.Orchestrator.Abort()
	log.Printf("[INFO] 删除会话: %s", id)
	return nil
}

// Count 当前会话数
func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run 定期清理过期会话，直到ctx结束
func (s *SessionService) Run(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				log.Printf("[INFO] 清理过期会话%d个，剩余%d个", n, s.Count())
			}
		}
	}
}

// CleanupExpired 删除空闲超过ttl且没有进行中轮次的会话，返回删除数量
func (s *SessionService) CleanupExpired() int {
	now := time.Now()
	var expired []*Session

	s.mu.Lock()
	for id, session := range s.sessions {
		// 进行中的轮次不受过期影响
		if session.Orchestrator.Busy() {
			continue
		}
		if now.Sub(session.LastActivity()) > s.ttl {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		session.Orchestrator.Abort()
	}
	return len(expired)
}
