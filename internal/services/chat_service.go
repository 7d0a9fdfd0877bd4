package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"video_chat_mini/internal/clients/qwen"
	"video_chat_mini/internal/models"
)

// 默认配置
const (
	DefaultRequestTimeout            = 120 * time.Second
	DefaultSecondaryFailureThreshold = 2

	minVideoFrames = qwen.MinVideoFrames
)

// TurnState 对话轮次状态
type TurnState int

// 轮次状态常量
const (
	TurnIdle TurnState = iota
	TurnAwaitingResponse
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnAwaitingResponse:
		return "awaiting_response"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	default:
		return "idle"
	}
}

// OrchestratorConfig 对话编排配置
type OrchestratorConfig struct {
	AutoSwitchByRound         bool          // 首轮用Primary，后续轮次切换到Secondary
	AutoFailover              bool          // 调用失败时切换备选服务重试一次
	SecondaryFailureThreshold int           // Secondary连续失败多少次后标记为不可用，0表示不标记
	RequestTimeout            time.Duration // 单次调用超时
	SystemPrompt              string        // 默认系统提示词
	IncludeSubtitles          bool          // 系统提示词中附带字幕
	Stream                    bool          // 默认是否流式输出
	Reasoning                 bool          // Secondary默认开启深度思考
}

// OrchestratorContext 会话级依赖，在会话创建时构造
type OrchestratorContext struct {
	Adapters map[models.ProviderKind]models.ProviderAdapter
	History  *HistoryStore
	Config   OrchestratorConfig
}

// TurnInput 单轮输入
type TurnInput struct {
	Prompt           string
	Images           []models.SourceRef
	Frames           []models.SourceRef
	Video            *models.SourceRef
	Subtitles        []models.Subtitle // 为空时使用会话字幕
	IncludeSubtitles bool
	VideoTime        *float64 // 当前播放时间（秒）
	SystemPrompt     string   // 非空时替换会话系统提示词
	Model            string   // 仅对Primary生效
	Stream           bool
	Reasoning        bool
}

// HasMedia 是否携带媒体
func (in TurnInput) HasMedia() bool {
	return len(in.Images) > 0 || in.HasVideo()
}

// HasVideo 是否为视频理解请求
func (in TurnInput) HasVideo() bool {
	return len(in.Frames) > 0 || (in.Video != nil && !in.Video.IsZero())
}

// TurnResult 单轮结果
type TurnResult struct {
	Text       string               `json:"text"`
	Reasoning  string               `json:"reasoning,omitempty"`
	Provider   models.ProviderKind  `json:"provider"`
	Model      string               `json:"model,omitempty"`
	Round      int                  `json:"round"`
	Degraded   bool                 `json:"degraded"`    // 媒体被丢弃，以纯文本发送
	FailedOver bool                 `json:"failed_over"` // 由备选服务完成
	Message    models.Message       `json:"message"`
}

// ProviderStatus 服务状态
type ProviderStatus struct {
	Round              int                 `json:"round"`
	Active             models.ProviderKind `json:"active"`
	Override           models.ProviderKind `json:"override"`
	PrimaryAvailable   bool                `json:"primary_available"`
	SecondaryAvailable bool                `json:"secondary_available"`
	SecondaryFailures  int                 `json:"secondary_failures"`
	State              string              `json:"state"`
	HistoryLen         int                 `json:"history_len"`
}

// Orchestrator 对话编排：选择服务、失败切换、同步历史
type Orchestrator struct {
	octx *OrchestratorContext

	busy atomic.Bool

	mu                 sync.Mutex
	round              int
	active             models.ProviderKind
	override           models.ProviderKind
	primaryAvailable   bool
	secondaryAvailable bool
	secondaryFailures  int
	state              TurnState
	lastSynced         map[models.ProviderKind]int // 上次推送给服务时的历史长度，-1表示需要同步
	subtitles          []models.Subtitle
	cancel             context.CancelFunc
	generation         int // ClearHistory时递增，使进行中的轮次结果作废
}

// NewOrchestrator 初始化两个服务，均不可用时返回NoProviderAvailableError
func NewOrchestrator(octx *OrchestratorContext) (*Orchestrator, error) {
	if octx.History == nil {
		octx.History = NewHistoryStore()
	}
	if octx.Config.RequestTimeout <= 0 {
		octx.Config.RequestTimeout = DefaultRequestTimeout
	}
	if octx.Config.SecondaryFailureThreshold < 0 {
		octx.Config.SecondaryFailureThreshold = 0
	}

	o := &Orchestrator{
		octx:       octx,
		lastSynced: map[models.ProviderKind]int{models.ProviderPrimary: -1, models.ProviderSecondary: -1},
	}

	primaryErr := o.initAdapter(models.ProviderPrimary)
	secondaryErr := o.initAdapter(models.ProviderSecondary)
	o.primaryAvailable = primaryErr == nil
	o.secondaryAvailable = secondaryErr == nil

	switch {
	case o.primaryAvailable:
		o.active = models.ProviderPrimary
	case o.secondaryAvailable:
		log.Printf("[WARN] 通义千问服务不可用，将使用火山方舟服务: %v", primaryErr)
		o.active = models.ProviderSecondary
	default:
		return nil, &models.NoProviderAvailableError{PrimaryErr: primaryErr, SecondaryErr: secondaryErr}
	}
	if !o.secondaryAvailable {
		log.Printf("[WARN] 火山方舟服务不可用: %v", secondaryErr)
	}

	if octx.Config.SystemPrompt != "" && octx.History.System() == "" {
		octx.History.SetSystem(octx.Config.SystemPrompt)
	}
	return o, nil
}

func (o *Orchestrator) initAdapter(kind models.ProviderKind) error {
	adapter, ok := o.octx.Adapters[kind]
	if !ok || adapter == nil {
		return fmt.Errorf("未配置服务: %s", kind)
	}
	if err := adapter.Init(); err != nil {
		return fmt.Errorf("%s 初始化失败: %w", adapter.Name(), err)
	}
	return nil
}

// History 返回共享历史
func (o *Orchestrator) History() *HistoryStore {
	return o.octx.History
}

// SetSubtitles 设置会话字幕
func (o *Orchestrator) SetSubtitles(subs []models.Subtitle) {
	o.mu.Lock()
	o.subtitles = append([]models.Subtitle(nil), subs...)
	o.mu.Unlock()
}

// Status 返回当前服务状态
func (o *Orchestrator) Status() ProviderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ProviderStatus{
		Round:              o.round,
		Active:             o.active,
		Override:           o.override,
		PrimaryAvailable:   o.primaryAvailable,
		SecondaryAvailable: o.secondaryAvailable,
		SecondaryFailures:  o.secondaryFailures,
		State:              o.state.String(),
		HistoryLen:         o.octx.History.Len(),
	}
}

// SetActiveProvider 手动指定服务，ProviderAuto恢复按轮次选择；指定后一直生效直到再次修改
func (o *Orchestrator) SetActiveProvider(kind models.ProviderKind) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if kind != models.ProviderAuto && !o.availableLocked(kind) {
		return &models.ProviderUnavailableError{Provider: kind}
	}
	o.override = kind
	if kind != models.ProviderAuto {
		o.active = kind
	}
	log.Printf("[INFO] 手动切换服务: %q", kind)
	return nil
}

// Busy 是否有进行中的轮次
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Abort 中止进行中的请求
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		log.Printf("[INFO] 中止进行中的对话请求")
		cancel()
	}
}

// ClearHistory 中止进行中的请求，清除共享历史和各服务历史，轮次归零
func (o *Orchestrator) ClearHistory() {
	o.Abort()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	o.octx.History.Clear()
	for kind, adapter := range o.octx.Adapters {
		adapter.ClearHistory()
		o.lastSynced[kind] = o.octx.History.Len()
	}
	o.round = 0
	o.state = TurnIdle
	if o.primaryAvailable {
		o.active = models.ProviderPrimary
	}
	log.Printf("[INFO] 已清除对话历史")
}

// Chat 发送纯文本对话
func (o *Orchestrator) Chat(ctx context.Context, prompt string, onChunk func(models.StreamChunk)) (*TurnResult, error) {
	return o.Send(ctx, TurnInput{Prompt: prompt, Stream: onChunk != nil}, onChunk)
}

// UnderstandVideoFrames 基于关键帧的视频理解，至少需要minVideoFrames帧
func (o *Orchestrator) UnderstandVideoFrames(ctx context.Context, frames []models.SourceRef, prompt string, onChunk func(models.StreamChunk)) (*TurnResult, error) {
	if len(frames) < minVideoFrames {
		return nil, &models.InsufficientFramesError{Got: len(frames), Want: minVideoFrames}
	}
	return o.Send(ctx, TurnInput{Prompt: prompt, Frames: frames, Stream: true}, onChunk)
}

// Stream 以通道形式输出本轮片段，最后一个片段Done为true或Err非空
// 调用方取消ctx时不再输出
func (o *Orchestrator) Stream(ctx context.Context, in TurnInput) <-chan models.StreamChunk {
	out := make(chan models.StreamChunk, 16)
	go func() {
		defer close(out)
		in.Stream = true
		_, err := o.Send(ctx, in, func(c models.StreamChunk) {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		})
		if err == nil {
			return
		}
		select {
		case out <- models.StreamChunk{Err: err}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Send 执行一轮对话
func (o *Orchestrator) Send(ctx context.Context, in TurnInput, onChunk func(models.StreamChunk)) (*TurnResult, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, models.ErrTurnInProgress
	}
	defer o.busy.Store(false)

	if in.Prompt == "" && !in.HasMedia() {
		return nil, models.ErrEmptyPrompt
	}
	if n := len(in.Frames); n > 0 && n < minVideoFrames {
		return nil, &models.InsufficientFramesError{Got: n, Want: minVideoFrames}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if in.SystemPrompt != "" {
		o.octx.History.SetSystem(in.SystemPrompt)
	}

	o.mu.Lock()
	o.cancel = cancel
	o.state = TurnAwaitingResponse
	gen := o.generation
	round := o.round
	subtitles := o.subtitles
	kind, err := o.selectLocked(in)
	o.mu.Unlock()

	if len(in.Subtitles) == 0 {
		in.Subtitles = subtitles
	}
	userMsg := buildUserMessage(in)

	if err != nil {
		o.fail(gen, userMsg)
		return nil, err
	}

	var closed, emitted atomic.Bool
	defer closed.Store(true)
	emit := func(c models.StreamChunk) {
		if closed.Load() || turnCtx.Err() != nil {
			return
		}
		o.octx.History.GrowPending(c.Provider, c.Cumulative)
		if onChunk != nil {
			emitted.Store(true)
			onChunk(c)
		}
	}

	log.Printf("[INFO] 第%d轮对话，使用服务: %s，视频: %v", round+1, kind, in.HasVideo())

	result, degraded, err := o.attempt(turnCtx, kind, in, emit)
	failedOver := false
	if err != nil && ctx.Err() == nil && turnCtx.Err() == nil {
		alt := kind.Alternate()
		if o.octx.Config.AutoFailover && o.available(alt) {
			log.Printf("[WARN] %s 调用失败，切换到 %s 重试: %v", kind, alt, err)
			firstErr := err
			if emitted.Swap(false) {
				onChunk(models.StreamChunk{Reset: true, Provider: alt})
			}
			var altDegraded bool
			result, altDegraded, err = o.attempt(turnCtx, alt, in, emit)
			if err == nil {
				kind, degraded, failedOver = alt, altDegraded, true
			} else if turnCtx.Err() == nil {
				err = &models.FailoverError{First: kind, FirstErr: firstErr, Fallback: alt, Err: err}
			}
		}
	}

	if err != nil {
		o.fail(gen, userMsg)
		if cerr := turnCtx.Err(); cerr != nil {
			log.Printf("[INFO] 对话已取消: %v", cerr)
			return nil, cerr
		}
		log.Printf("[ERROR] 第%d轮对话失败: %v", round+1, err)
		return nil, err
	}

	closed.Store(true)
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return nil, context.Canceled
	}
	o.octx.History.Append(userMsg)
	assistant := o.octx.History.CommitPending(kind, result.Text)
	o.lastSynced[kind] = o.octx.History.Len()
	o.round++
	o.active = kind
	o.state = TurnCompleted
	o.cancel = nil
	turn := &TurnResult{
		Text:       result.Text,
		Reasoning:  result.Reasoning,
		Provider:   kind,
		Model:      result.Model,
		Round:      o.round,
		Degraded:   degraded,
		FailedOver: failedOver,
		Message:    assistant,
	}
	o.mu.Unlock()

	if onChunk != nil {
		onChunk(models.StreamChunk{Cumulative: result.Text, Done: true, Provider: kind})
	}
	return turn, nil
}

// attempt 调用一次指定服务
func (o *Orchestrator) attempt(ctx context.Context, kind models.ProviderKind, in TurnInput, emit func(models.StreamChunk)) (*models.ChatResult, bool, error) {
	adapter := o.octx.Adapters[kind]
	req, degraded := o.buildRequest(kind, adapter.SupportsMedia(), in)
	req.OnDelta = emit
	if degraded {
		log.Printf("[INFO] %s 不支持媒体输入，以纯文本方式继续对话", adapter.Name())
	}

	o.syncHistory(kind, adapter)
	o.octx.History.BeginPending(kind)

	attemptCtx, cancel := context.WithTimeout(ctx, o.octx.Config.RequestTimeout)
	defer cancel()

	result, err := adapter.Chat(attemptCtx, req)
	if err != nil {
		o.octx.History.DiscardPending()
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			var te *models.TransportError
			if !errors.As(err, &te) {
				err = &models.TransportError{Provider: adapter.Name(), Err: context.DeadlineExceeded}
			}
		}
		if ctx.Err() == nil {
			o.recordFailure(kind)
		}
		o.mu.Lock()
		o.lastSynced[kind] = -1
		o.mu.Unlock()
		return nil, degraded, err
	}
	o.recordSuccess(kind)
	return result, degraded, nil
}

// syncHistory 服务历史落后于共享历史时重新推送
func (o *Orchestrator) syncHistory(kind models.ProviderKind, adapter models.ProviderAdapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.octx.History.Len()
	if o.lastSynced[kind] == n {
		return
	}
	adapter.SetHistory(o.octx.History.Turns())
	o.lastSynced[kind] = n
	log.Printf("[INFO] 已同步%d条历史消息到 %s", n, adapter.Name())
}

// buildRequest 组装服务请求，不支持媒体的服务去掉媒体并追加后续讨论说明
func (o *Orchestrator) buildRequest(kind models.ProviderKind, supportsMedia bool, in TurnInput) (models.ChatRequest, bool) {
	cfg := o.octx.Config
	base := o.octx.History.System()
	if base == "" && in.HasVideo() {
		base = DefaultVideoSystemPrompt
	}
	degraded := !supportsMedia && in.HasMedia()

	req := models.ChatRequest{
		Prompt: in.Prompt,
		SystemPrompt: BuildSystemPrompt(PromptOptions{
			Base:             base,
			Subtitles:        in.Subtitles,
			IncludeSubtitles: in.IncludeSubtitles || cfg.IncludeSubtitles,
			VideoTime:        in.VideoTime,
			Continuation:     degraded && in.HasVideo(),
		}),
		Stream:    in.Stream || cfg.Stream,
		Reasoning: in.Reasoning || cfg.Reasoning,
	}
	if kind == models.ProviderPrimary {
		req.Model = in.Model
	}
	if !degraded {
		req.Images = in.Images
		req.Frames = in.Frames
		req.Video = in.Video
	}
	return req, degraded
}

// selectLocked 选择本轮服务，调用方持有锁
func (o *Orchestrator) selectLocked(in TurnInput) (models.ProviderKind, error) {
	if in.HasVideo() && o.round == 0 {
		if !o.primaryAvailable {
			return "", &models.ProviderUnavailableError{Provider: models.ProviderPrimary}
		}
		return models.ProviderPrimary, nil
	}
	if o.override != models.ProviderAuto {
		if !o.availableLocked(o.override) {
			return "", &models.ProviderUnavailableError{Provider: o.override}
		}
		return o.override, nil
	}

	preferred := o.active
	if o.octx.Config.AutoSwitchByRound {
		preferred = models.ProviderSecondary
		if o.round == 0 {
			preferred = models.ProviderPrimary
		}
	}
	if o.availableLocked(preferred) {
		return preferred, nil
	}
	if alt := preferred.Alternate(); o.availableLocked(alt) {
		return alt, nil
	}
	return "", &models.ProviderUnavailableError{Provider: preferred}
}

func (o *Orchestrator) available(kind models.ProviderKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.availableLocked(kind)
}

func (o *Orchestrator) availableLocked(kind models.ProviderKind) bool {
	switch kind {
	case models.ProviderPrimary:
		return o.primaryAvailable
	case models.ProviderSecondary:
		return o.secondaryAvailable
	}
	return false
}

func (o *Orchestrator) recordFailure(kind models.ProviderKind) {
	if kind != models.ProviderSecondary {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.secondaryFailures++
	threshold := o.octx.Config.SecondaryFailureThreshold
	if threshold > 0 && o.secondaryFailures >= threshold && o.secondaryAvailable {
		o.secondaryAvailable = false
		log.Printf("[WARN] 火山方舟服务连续失败%d次，本会话内不再使用", o.secondaryFailures)
	}
}

func (o *Orchestrator) recordSuccess(kind models.ProviderKind) {
	if kind != models.ProviderSecondary {
		return
	}
	o.mu.Lock()
	o.secondaryFailures = 0
	o.mu.Unlock()
}

// fail 轮次失败：保留用户消息，丢弃未完成的助手消息
func (o *Orchestrator) fail(gen int, userMsg models.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel = nil
	if gen != o.generation {
		return
	}
	o.octx.History.DiscardPending()
	o.octx.History.Append(userMsg)
	o.state = TurnFailed
}

// buildUserMessage 媒体片段在前，文本在后
func buildUserMessage(in TurnInput) models.Message {
	var parts []models.ContentPart
	if len(in.Frames) > 0 {
		parts = append(parts, models.VideoPart(in.Frames...))
	}
	if in.Video != nil && !in.Video.IsZero() {
		parts = append(parts, models.VideoPart(*in.Video))
	}
	for _, img := range in.Images {
		parts = append(parts, models.ImagePart(img))
	}
	if in.Prompt != "" {
		parts = append(parts, models.TextPart(in.Prompt))
	}
	return models.NewMessage(models.RoleUser, parts...)
}
