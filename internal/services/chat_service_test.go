package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video_chat_mini/internal/models"
)

// stubAdapter 可编排返回结果的测试服务
type stubAdapter struct {
	kind    models.ProviderKind
	media   bool
	initErr error

	mu       sync.Mutex
	replies  []stubReply
	requests []models.ChatRequest
	synced   [][]models.Message
	history  []models.Message
	block    chan struct{} // 非空时Chat阻塞直到ctx结束或通道关闭
}

type stubReply struct {
	text    string
	partial string // 失败前已输出的内容
	err     error
}

func newStub(kind models.ProviderKind) *stubAdapter {
	return &stubAdapter{kind: kind, media: kind == models.ProviderPrimary}
}

func (s *stubAdapter) reply(text string) *stubAdapter {
	s.replies = append(s.replies, stubReply{text: text})
	return s
}

func (s *stubAdapter) fail(err error) *stubAdapter {
	s.replies = append(s.replies, stubReply{err: err})
	return s
}

func (s *stubAdapter) failAfter(partial string, err error) *stubAdapter {
	s.replies = append(s.replies, stubReply{partial: partial, err: err})
	return s
}

func (s *stubAdapter) Name() string              { return string(s.kind) }
func (s *stubAdapter) Kind() models.ProviderKind { return s.kind }
func (s *stubAdapter) Init() error               { return s.initErr }
func (s *stubAdapter) SupportsMedia() bool       { return s.media }
func (s *stubAdapter) ClearHistory()             { s.mu.Lock(); s.history = nil; s.mu.Unlock() }

func (s *stubAdapter) SetHistory(h []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]models.Message(nil), h...)
	s.synced = append(s.synced, s.history)
}

func (s *stubAdapter) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.history...)
}

func (s *stubAdapter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubAdapter) lastRequest() models.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *stubAdapter) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	block := s.block
	var r stubReply
	if len(s.replies) > 0 {
		r = s.replies[0]
		s.replies = s.replies[1:]
	} else {
		r = stubReply{text: fmt.Sprintf("%s-reply-%d", s.kind, len(s.requests))}
	}
	s.mu.Unlock()

	if req.OnDelta != nil && r.err == nil {
		half := len(r.text) / 2
		req.OnDelta(models.StreamChunk{Delta: r.text[:half], Cumulative: r.text[:half], Provider: s.kind})
	}
	if req.OnDelta != nil && r.partial != "" {
		req.OnDelta(models.StreamChunk{Delta: r.partial, Cumulative: r.partial, Provider: s.kind})
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, &models.TransportError{Provider: s.Name(), Err: ctx.Err()}
		case <-block:
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if req.OnDelta != nil {
		req.OnDelta(models.StreamChunk{Delta: r.text[len(r.text)/2:], Cumulative: r.text, Provider: s.kind})
	}

	s.mu.Lock()
	s.history = append(s.history, models.NewTextMessage(models.RoleUser, req.Prompt), models.NewTextMessage(models.RoleAssistant, r.text))
	s.mu.Unlock()
	return &models.ChatResult{Text: r.text}, nil
}

func newTestOrchestrator(t *testing.T, primary, secondary *stubAdapter, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(&OrchestratorContext{
		Adapters: map[models.ProviderKind]models.ProviderAdapter{
			models.ProviderPrimary:   primary,
			models.ProviderSecondary: secondary,
		},
		Config: cfg,
	})
	require.NoError(t, err)
	return o
}

func defaultConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AutoSwitchByRound:         true,
		AutoFailover:              true,
		SecondaryFailureThreshold: 2,
		RequestTimeout:            time.Second,
	}
}

func testFrames(n int) []models.SourceRef {
	out := make([]models.SourceRef, n)
	for i := range out {
		out[i] = models.SourceRef{Data: fmt.Sprintf("f%d", i)}
	}
	return out
}

func TestOrchestrator_VideoTurnUsesPrimary(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	result, err := o.UnderstandVideoFrames(context.Background(), testFrames(5), "What happens in this clip?", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, primary.calls())
	assert.Equal(t, 0, secondary.calls())
	assert.Equal(t, models.ProviderPrimary, result.Provider)
	assert.Equal(t, 2, o.History().Len())
	assert.Len(t, primary.lastRequest().Frames, 5)
	assert.Equal(t, DefaultVideoSystemPrompt, primary.lastRequest().SystemPrompt)

	status := o.Status()
	assert.Equal(t, 1, status.Round)
	assert.Equal(t, "completed", status.State)
}

func TestOrchestrator_VideoAtRoundZeroIgnoresActive(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, OrchestratorConfig{AutoFailover: true})
	o.mu.Lock()
	o.active = models.ProviderSecondary
	o.mu.Unlock()

	result, err := o.UnderstandVideoFrames(context.Background(), testFrames(4), "看看", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPrimary, result.Provider)
	assert.Equal(t, 0, secondary.calls())
}

func TestOrchestrator_SecondaryInitFailed(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	secondary.initErr = errors.New("no key")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())
	assert.False(t, o.Status().SecondaryAvailable)

	for i := 0; i < 2; i++ {
		result, err := o.Chat(context.Background(), fmt.Sprintf("问题%d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, models.ProviderPrimary, result.Provider)
		assert.Equal(t, models.ProviderPrimary, o.Status().Active)
	}
	assert.Equal(t, 2, primary.calls())
	assert.Equal(t, 0, secondary.calls())
}

func TestOrchestrator_NoProviderAvailable(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.initErr = errors.New("no key")
	secondary.initErr = errors.New("no key")

	_, err := NewOrchestrator(&OrchestratorContext{
		Adapters: map[models.ProviderKind]models.ProviderAdapter{
			models.ProviderPrimary:   primary,
			models.ProviderSecondary: secondary,
		},
	})
	var npe *models.NoProviderAvailableError
	require.ErrorAs(t, err, &npe)
}

func TestOrchestrator_PrimaryInitFailed(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.initErr = errors.New("no key")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())
	assert.Equal(t, models.ProviderSecondary, o.Status().Active)

	_, err := o.UnderstandVideoFrames(context.Background(), testFrames(4), "看看", nil)
	var pue *models.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, models.ProviderPrimary, pue.Provider)

	result, err := o.Send(context.Background(), TurnInput{Prompt: "这张图", Images: []models.SourceRef{{URL: "https://example.com/a.png"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSecondary, result.Provider)
	assert.True(t, result.Degraded)
	assert.Empty(t, secondary.lastRequest().Images)
	// 只有图片时不追加视频后续讨论说明
	assert.NotContains(t, secondary.lastRequest().SystemPrompt, ContinuationAddendum)
}

func TestOrchestrator_FailoverToSecondary(t *testing.T) {
	primary := newStub(models.ProviderPrimary).fail(&models.APIError{Provider: "primary", Status: 500, Body: "boom"})
	secondary := newStub(models.ProviderSecondary).reply("备选回答")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var chunks []models.StreamChunk
	result, err := o.Chat(context.Background(), "你好", func(c models.StreamChunk) { chunks = append(chunks, c) })
	require.NoError(t, err)

	assert.Equal(t, "备选回答", result.Text)
	assert.True(t, result.FailedOver)
	assert.Equal(t, models.ProviderSecondary, o.Status().Active)
	assert.Equal(t, "completed", o.Status().State)

	turns := o.History().Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "备选回答", turns[1].Text())
	assert.Equal(t, models.ProviderSecondary, turns[1].Provider)

	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "备选回答", last.Cumulative)
}

func TestOrchestrator_FailoverAfterPartialOutput(t *testing.T) {
	primary := newStub(models.ProviderPrimary).failAfter("半截", &models.TransportError{Provider: "primary", Err: errors.New("connection reset")})
	secondary := newStub(models.ProviderSecondary).reply("完整回答")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var chunks []models.StreamChunk
	result, err := o.Chat(context.Background(), "你好", func(c models.StreamChunk) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, "完整回答", result.Text)

	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, "半截", chunks[0].Delta)
	assert.Equal(t, models.ProviderPrimary, chunks[0].Provider)

	reset := chunks[1]
	assert.True(t, reset.Reset)
	assert.Empty(t, reset.Cumulative)
	assert.Equal(t, models.ProviderSecondary, reset.Provider)

	// 重置之后拼接的增量只包含备选服务的回答
	var joined string
	for _, c := range chunks[2:] {
		joined += c.Delta
	}
	assert.Equal(t, "完整回答", joined)
	assert.Equal(t, "完整回答", o.History().Turns()[1].Text())
}

func TestOrchestrator_FailoverWithoutOutputSkipsReset(t *testing.T) {
	primary := newStub(models.ProviderPrimary).fail(&models.APIError{Provider: "primary", Status: 500})
	secondary := newStub(models.ProviderSecondary).reply("备选回答")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var chunks []models.StreamChunk
	_, err := o.Chat(context.Background(), "你好", func(c models.StreamChunk) { chunks = append(chunks, c) })
	require.NoError(t, err)
	for _, c := range chunks {
		assert.False(t, c.Reset)
	}
}

func TestOrchestrator_BothFail(t *testing.T) {
	primaryErr := &models.APIError{Provider: "primary", Status: 500}
	secondaryErr := &models.TransportError{Provider: "secondary", Err: errors.New("dial tcp: refused")}
	primary := newStub(models.ProviderPrimary).fail(primaryErr)
	secondary := newStub(models.ProviderSecondary).fail(secondaryErr)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	_, err := o.Chat(context.Background(), "你好", nil)

	var fe *models.FailoverError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, models.ProviderPrimary, fe.First)
	assert.Equal(t, models.ProviderSecondary, fe.Fallback)
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, secondaryErr)

	// 用户消息保留，不生成助手消息，轮次不变
	turns := o.History().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	_, pending := o.History().Pending()
	assert.False(t, pending)
	assert.Equal(t, 0, o.Status().Round)
	assert.Equal(t, "failed", o.Status().State)
}

func TestOrchestrator_FailoverDisabled(t *testing.T) {
	primary := newStub(models.ProviderPrimary).fail(&models.APIError{Status: 400})
	secondary := newStub(models.ProviderSecondary)
	cfg := defaultConfig()
	cfg.AutoFailover = false
	o := newTestOrchestrator(t, primary, secondary, cfg)

	_, err := o.Chat(context.Background(), "你好", nil)
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, secondary.calls())
}

func TestOrchestrator_RoundBasedSwitchAndDegrade(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	_, err := o.UnderstandVideoFrames(context.Background(), testFrames(4), "第一轮", nil)
	require.NoError(t, err)
	_, err = o.Chat(context.Background(), "第二轮", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSecondary, o.Status().Active)

	// 第三轮携带视频帧发往Secondary：降级为纯文本而不是失败
	result, err := o.UnderstandVideoFrames(context.Background(), testFrames(4), "第三轮", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSecondary, result.Provider)
	assert.True(t, result.Degraded)

	req := secondary.lastRequest()
	assert.False(t, req.HasMedia())
	assert.Contains(t, req.SystemPrompt, ContinuationAddendum)
	assert.Equal(t, 6, o.History().Len())
}

func TestOrchestrator_HistorySyncOnSwitch(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	_, err := o.Chat(context.Background(), "第一轮", nil)
	require.NoError(t, err)
	_, err = o.Chat(context.Background(), "第二轮", nil)
	require.NoError(t, err)

	// 切换到Secondary前推送了第一轮的两条消息
	require.NotEmpty(t, secondary.synced)
	last := secondary.synced[len(secondary.synced)-1]
	require.Len(t, last, 2)
	assert.Equal(t, "第一轮", last[0].Text())

	// Secondary刚完成一轮，历史已是最新，不再推送
	syncs := len(secondary.synced)
	_, err = o.Chat(context.Background(), "第三轮", nil)
	require.NoError(t, err)
	assert.Equal(t, syncs, len(secondary.synced))

	// 切回Primary时推送完整的六条消息
	require.NoError(t, o.SetActiveProvider(models.ProviderPrimary))
	_, err = o.Chat(context.Background(), "第四轮", nil)
	require.NoError(t, err)
	lastPrimary := primary.synced[len(primary.synced)-1]
	assert.Len(t, lastPrimary, 6)
}

func TestOrchestrator_OverridePersists(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	require.NoError(t, o.SetActiveProvider(models.ProviderPrimary))
	for i := 0; i < 3; i++ {
		result, err := o.Chat(context.Background(), "问题", nil)
		require.NoError(t, err)
		assert.Equal(t, models.ProviderPrimary, result.Provider)
	}
	assert.Equal(t, 0, secondary.calls())

	require.NoError(t, o.SetActiveProvider(models.ProviderAuto))
	result, err := o.Chat(context.Background(), "问题", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSecondary, result.Provider)
}

func TestOrchestrator_OverrideRejected(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	secondary.initErr = errors.New("no key")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	err := o.SetActiveProvider(models.ProviderSecondary)
	var pue *models.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, models.ProviderAuto, o.Status().Override)
}

func TestOrchestrator_SecondaryInvalidation(t *testing.T) {
	boom := &models.APIError{Status: 503}
	primary := newStub(models.ProviderPrimary)
	secondary := newStub(models.ProviderSecondary).fail(boom).fail(boom)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	_, err := o.Chat(context.Background(), "第一轮", nil)
	require.NoError(t, err)

	// 两次Secondary失败均由Primary兜底
	for i := 0; i < 2; i++ {
		result, err := o.Chat(context.Background(), "后续", nil)
		require.NoError(t, err)
		assert.True(t, result.FailedOver)
	}
	status := o.Status()
	assert.False(t, status.SecondaryAvailable)
	assert.Equal(t, models.ProviderPrimary, status.Active)

	_, err = o.Chat(context.Background(), "之后", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, secondary.calls())
}

func TestOrchestrator_SecondarySuccessResetsFailures(t *testing.T) {
	boom := &models.APIError{Status: 503}
	primary := newStub(models.ProviderPrimary)
	secondary := newStub(models.ProviderSecondary).fail(boom).reply("好").fail(boom)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	for i := 0; i < 4; i++ {
		_, err := o.Chat(context.Background(), "问题", nil)
		require.NoError(t, err)
	}
	status := o.Status()
	assert.True(t, status.SecondaryAvailable)
	assert.Equal(t, 1, status.SecondaryFailures)
}

func TestOrchestrator_PinnedSecondaryInvalidated(t *testing.T) {
	boom := &models.APIError{Status: 503}
	primary := newStub(models.ProviderPrimary)
	secondary := newStub(models.ProviderSecondary).fail(boom).fail(boom)
	cfg := defaultConfig()
	cfg.AutoFailover = false
	o := newTestOrchestrator(t, primary, secondary, cfg)
	require.NoError(t, o.SetActiveProvider(models.ProviderSecondary))

	for i := 0; i < 2; i++ {
		_, err := o.Chat(context.Background(), "问题", nil)
		require.Error(t, err)
	}
	_, err := o.Chat(context.Background(), "问题", nil)
	var pue *models.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, models.ProviderSecondary, o.Status().Override)
}

func TestOrchestrator_InsufficientFrames(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	_, err := o.UnderstandVideoFrames(context.Background(), testFrames(3), "看看", nil)
	var fe *models.InsufficientFramesError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Got)
	assert.Equal(t, 0, primary.calls())
	assert.Equal(t, 0, o.History().Len())

	_, err = o.UnderstandVideoFrames(context.Background(), nil, "看看", nil)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 0, fe.Got)
	assert.Equal(t, 4, fe.Want)
	assert.Equal(t, 0, primary.calls())

	_, err = o.UnderstandVideoFrames(context.Background(), testFrames(4), "看看", nil)
	assert.NoError(t, err)
}

func TestOrchestrator_TurnInProgress(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.block = make(chan struct{})
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), "第一轮", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return primary.calls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := o.Chat(context.Background(), "插队", nil)
	assert.ErrorIs(t, err, models.ErrTurnInProgress)
	assert.Equal(t, "awaiting_response", o.Status().State)

	close(primary.block)
	require.NoError(t, <-done)
}

func TestOrchestrator_AbortDiscardsPartial(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.block = make(chan struct{})
	primary.reply("一段很长的回答")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var mu sync.Mutex
	var chunks []models.StreamChunk
	done := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), "问题", func(c models.StreamChunk) {
			mu.Lock()
			chunks = append(chunks, c)
			mu.Unlock()
		})
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := o.History().Pending()
		return ok && primary.calls() == 1
	}, time.Second, 5*time.Millisecond)

	o.Abort()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// 取消后不切换备选服务，部分回答被丢弃，用户消息保留
	assert.Equal(t, 0, secondary.calls())
	turns := o.History().Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	_, pending := o.History().Pending()
	assert.False(t, pending)

	mu.Lock()
	for _, c := range chunks {
		assert.False(t, c.Done)
	}
	mu.Unlock()
}

func TestOrchestrator_TimeoutFailsOver(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.block = make(chan struct{})
	cfg := defaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	o := newTestOrchestrator(t, primary, secondary, cfg)

	result, err := o.Chat(context.Background(), "问题", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSecondary, result.Provider)
	assert.True(t, result.FailedOver)
}

func TestOrchestrator_ClearHistory(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	cfg := defaultConfig()
	cfg.SystemPrompt = "你是助手"
	o := newTestOrchestrator(t, primary, secondary, cfg)

	_, err := o.Chat(context.Background(), "第一轮", nil)
	require.NoError(t, err)
	_, err = o.Chat(context.Background(), "第二轮", nil)
	require.NoError(t, err)

	o.ClearHistory()
	status := o.Status()
	assert.Equal(t, 0, status.Round)
	assert.Equal(t, 0, status.HistoryLen)
	assert.Equal(t, models.ProviderPrimary, status.Active)
	assert.Empty(t, primary.History())
	assert.Empty(t, secondary.History())
	assert.Equal(t, "你是助手", o.History().System())
}

func TestOrchestrator_Stream(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	primary.reply("你好世界")
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var chunks []models.StreamChunk
	for c := range o.Stream(context.Background(), TurnInput{Prompt: "你好"}) {
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "你好世界", last.Cumulative)
	assert.True(t, primary.lastRequest().Stream)
}

func TestOrchestrator_StreamError(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())

	var last models.StreamChunk
	for c := range o.Stream(context.Background(), TurnInput{}) {
		last = c
	}
	assert.ErrorIs(t, last.Err, models.ErrEmptyPrompt)
}

func TestOrchestrator_SubtitlesInSystemPrompt(t *testing.T) {
	primary, secondary := newStub(models.ProviderPrimary), newStub(models.ProviderSecondary)
	o := newTestOrchestrator(t, primary, secondary, defaultConfig())
	o.SetSubtitles([]models.Subtitle{{StartTime: 1, EndTime: 3, Text: "大家好"}})

	vt := 2.0
	_, err := o.Send(context.Background(), TurnInput{
		Prompt:           "他说了什么",
		Frames:           testFrames(4),
		IncludeSubtitles: true,
		VideoTime:        &vt,
	}, nil)
	require.NoError(t, err)

	prompt := primary.lastRequest().SystemPrompt
	assert.Contains(t, prompt, "以下是视频的字幕内容：")
	assert.Contains(t, prompt, "[00:01 -> 00:03] 大家好")
	assert.Contains(t, prompt, "当前视频时间: 00:02")
}
