package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"video_chat_mini/internal/config"
	"video_chat_mini/internal/models"
	"video_chat_mini/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// MessageRequest 单轮对话请求
type MessageRequest struct {
	Prompt           string            `json:"prompt"`
	Images           []string          `json:"images"`
	Frames           []string          `json:"frames"`    // 关键帧，base64或data URI
	VideoURL         string            `json:"video_url"` // 视频地址，仅通义千问支持
	Subtitles        []models.Subtitle `json:"subtitles"`
	IncludeSubtitles bool              `json:"include_subtitles"`
	VideoTime        *float64          `json:"video_time"`
	SystemPrompt     string            `json:"system_prompt"`
	Model            string            `json:"model"`
	Stream           bool              `json:"stream"`
	Reasoning        bool              `json:"reasoning"`
}

// TurnInput 转换为编排器输入
func (r MessageRequest) TurnInput() services.TurnInput {
	in := services.TurnInput{
		Prompt:           r.Prompt,
		Images:           parseSources(r.Images),
		Frames:           parseSources(r.Frames),
		Subtitles:        r.Subtitles,
		IncludeSubtitles: r.IncludeSubtitles,
		VideoTime:        r.VideoTime,
		SystemPrompt:     r.SystemPrompt,
		Model:            r.Model,
		Stream:           r.Stream,
		Reasoning:        r.Reasoning,
	}
	if r.VideoURL != "" {
		video := models.ParseSourceRef(r.VideoURL)
		in.Video = &video
	}
	return in
}

func parseSources(raw []string) []models.SourceRef {
	if len(raw) == 0 {
		return nil
	}
	refs := make([]models.SourceRef, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		refs = append(refs, models.ParseSourceRef(s))
	}
	return refs
}

// ProviderRequest 手动切换服务请求，provider为空或auto表示恢复自动选择
type ProviderRequest struct {
	Provider string `json:"provider"`
}

// wsMessage WebSocket客户端消息
type wsMessage struct {
	Type string `json:"type"` // chat、abort、clear，默认chat
	MessageRequest
}

// ChatHandler 对话API处理器
type ChatHandler struct {
	sessions   *services.SessionService
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewChatHandler 创建对话处理器
func NewChatHandler(sessions *services.SessionService, wsConfig config.WebSocketConfig) *ChatHandler {
	return &ChatHandler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsConfig.ReadBufferSize,
			WriteBufferSize: wsConfig.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingPeriod: wsConfig.PingPeriod,
		pongWait:   wsConfig.PongWait,
	}
}

// RegisterRoutes 注册路由
func (h *ChatHandler) RegisterRoutes(r gin.IRouter) {
	api := r.Group("/api/sessions")
	api.POST("", h.CreateSession)
	api.GET("/:id", h.GetSession)
	api.DELETE("/:id", h.DeleteSession)
	api.POST("/:id/messages", h.SendMessage)
	api.PUT("/:id/provider", h.SetProvider)
	api.DELETE("/:id/history", h.ClearHistory)
	api.POST("/:id/abort", h.Abort)

	r.GET("/ws/chat", h.HandleWebSocket)
}

// CreateSession 创建会话
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var opts services.SessionOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误", "message": err.Error()})
			return
		}
	}

	session, err := h.sessions.Create(opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"status":     session.Orchestrator.Status(),
	})
}

// GetSession 返回服务状态和对话历史
func (h *ChatHandler) GetSession(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	history := session.Orchestrator.History()
	resp := gin.H{
		"session_id":    session.ID,
		"created_at":    session.CreatedAt,
		"status":        session.Orchestrator.Status(),
		"system_prompt": history.System(),
		"history":       history.Turns(),
	}
	// 流式输出中的回答
	if pending, ok := history.Pending(); ok {
		resp["pending"] = pending
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteSession 删除会话
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SendMessage 发送一轮对话，stream为true时以SSE输出
func (h *ChatHandler) SendMessage(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误", "message": err.Error()})
		return
	}
	in := req.TurnInput()
	defer session.Touch()

	if !req.Stream {
		result, err := session.Orchestrator.Send(c.Request.Context(), in, nil)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	chunks := session.Orchestrator.Stream(c.Request.Context(), in)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}
		switch {
		case chunk.Err != nil:
			c.SSEvent("error", gin.H{"error": errorText(chunk.Err)})
			return false
		case chunk.Done:
			c.SSEvent("done", chunk)
			return false
		default:
			c.SSEvent("delta", chunk)
			return true
		}
	})
}

// SetProvider 手动指定服务
func (h *ChatHandler) SetProvider(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}

	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误", "message": err.Error()})
		return
	}
	kind, valid := models.ParseProviderKind(req.Provider)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未知的服务: " + req.Provider})
		return
	}
	if err := session.Orchestrator.SetActiveProvider(kind); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Orchestrator.Status())
}

// ClearHistory 清除对话历史
func (h *ChatHandler) ClearHistory(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Orchestrator.ClearHistory()
	c.JSON(http.StatusOK, session.Orchestrator.Status())
}

// Abort 中止进行中的请求
func (h *ChatHandler) Abort(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Orchestrator.Abort()
	c.JSON(http.StatusOK, session.Orchestrator.Status())
}

// HandleWebSocket 以WebSocket流式对话，session_id为空时创建新会话
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	var session *services.Session
	var err error
	if id := c.Query("session_id"); id != "" {
		session, err = h.sessions.Get(id)
	} else {
		session, err = h.sessions.Create(services.SessionOptions{})
	}
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ERROR] 升级WebSocket连接失败: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	// 连接关闭时取消进行中的轮次
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if h.pongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(h.pongWait))
			return nil
		})
	}
	if h.pingPeriod > 0 {
		go client.ping(ctx, h.pingPeriod)
	}

	if err := client.write(gin.H{"type": "session", "session_id": session.ID}); err != nil {
		return
	}
	log.Printf("[INFO] WebSocket连接建立: session=%s", session.ID)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] 读取WebSocket消息错误: %v", err)
			}
			return
		}
		session.Touch()

		switch msg.Type {
		case "abort":
			session.Orchestrator.Abort()
		case "clear":
			session.Orchestrator.ClearHistory()
			client.write(gin.H{"type": "cleared", "status": session.Orchestrator.Status()})
		case "", "chat":
			wg.Add(1)
			go func(in services.TurnInput) {
				defer wg.Done()
				h.runTurn(ctx, client, session, in)
			}(msg.TurnInput())
		default:
			client.write(gin.H{"type": "error", "error": "未知的消息类型: " + msg.Type})
		}
	}
}

// runTurn 执行一轮对话并推送片段
func (h *ChatHandler) runTurn(ctx context.Context, client *wsClient, session *services.Session, in services.TurnInput) {
	defer session.Touch()
	in.Stream = true
	result, err := session.Orchestrator.Send(ctx, in, func(chunk models.StreamChunk) {
		if chunk.Done {
			return
		}
		client.write(gin.H{
			"type":       "delta",
			"delta":      chunk.Delta,
			"cumulative": chunk.Cumulative,
			"reasoning":  chunk.Reasoning,
			"provider":   chunk.Provider,
			"reset":      chunk.Reset,
		})
	})
	if err != nil {
		client.write(gin.H{"type": "error", "error": errorText(err)})
		return
	}
	client.write(gin.H{"type": "done", "result": result})
}

// wsClient 串行化WebSocket写操作
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		log.Printf("[WARN] 发送WebSocket消息失败: %v", err)
		return err
	}
	return nil
}

func (w *wsClient) ping(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// session 按路径参数获取会话，不存在时写入404
func (h *ChatHandler) session(c *gin.Context) (*services.Session, bool) {
	session, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return session, true
}

// errorText 返回给用户的错误说明
func errorText(err error) string {
	return "出错了: " + err.Error()
}

// statusFor 错误对应的HTTP状态码
func statusFor(err error) int {
	var (
		framesErr      *models.InsufficientFramesError
		unavailableErr *models.ProviderUnavailableError
		noProviderErr  *models.NoProviderAvailableError
	)
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyPrompt),
		errors.Is(err, models.ErrMediaUnsupported),
		errors.As(err, &framesErr):
		return http.StatusBadRequest
	case errors.As(err, &unavailableErr), errors.As(err, &noProviderErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case models.IsProviderError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": errorText(err)})
}
