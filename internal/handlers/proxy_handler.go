package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"video_chat_mini/internal/clients/transport"
	"video_chat_mini/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ProxyHandler 本地代理，转发浏览器无法直接发起的跨域请求
type ProxyHandler struct {
	client       *http.Client
	timeout      time.Duration
	allowedHosts map[string]bool
	upgrader     websocket.Upgrader
}

// NewProxyHandler 创建代理处理器，httpClient为空时使用默认客户端
func NewProxyHandler(cfg config.RelayConfig, httpClient *http.Client) *ProxyHandler {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	h := &ProxyHandler{
		client:  httpClient,
		timeout: cfg.Timeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if len(cfg.AllowedHosts) > 0 {
		h.allowedHosts = make(map[string]bool, len(cfg.AllowedHosts))
		for _, host := range cfg.AllowedHosts {
			h.allowedHosts[strings.ToLower(strings.TrimSpace(host))] = true
		}
	}
	return h
}

// RegisterRoutes 注册路由
func (h *ProxyHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/proxy", h.Proxy)
	r.GET("/status", h.Status)
	r.GET("/ws", h.HandleWebSocket)
}

// Status 代理状态
func (h *ProxyHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Proxy 转发请求，流式请求逐块写回
func (h *ProxyHandler) Proxy(c *gin.Context) {
	var env transport.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "请求体过大"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误", "message": err.Error()})
		return
	}

	if env.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少目标URL参数"})
		return
	}
	target, err := url.Parse(env.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "目标URL无效", "message": env.URL})
		return
	}
	if h.allowedHosts != nil && !h.allowedHosts[strings.ToLower(target.Hostname())] {
		c.JSON(http.StatusForbidden, gin.H{"error": "目标地址不在允许列表中", "message": target.Hostname()})
		return
	}
	if isEmptyData(env.Data) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":        "请求数据为空或缺失",
			"proxyMessage": "请求体必须包含data字段，且不能为空",
		})
		return
	}
	if isDashScopeCompatible(target) {
		if resp, ok := checkChatMessages(env.Data); !ok {
			c.JSON(http.StatusBadRequest, resp)
			return
		}
	}

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(env.Data))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "目标URL无效", "message": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range env.Headers {
		req.Header.Set(k, v)
	}
	if env.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	log.Printf("[INFO] 代理请求: %s, 流式: %v", target.Host, env.Stream)
	resp, err := h.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Printf("[ERROR] 代理请求失败: %v", err)
		c.JSON(status, gin.H{"error": "代理请求失败", "message": err.Error()})
		return
	}
	defer resp.Body.Close()

	// 按上游实际返回的类型决定是否逐块转发
	if strings.Contains(resp.Header.Get("Content-Type"), "event-stream") {
		h.relayStream(c, resp)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[ERROR] 读取目标响应失败: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "代理请求失败", "message": err.Error()})
		return
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if resp.StatusCode >= 300 {
		log.Printf("[WARN] 目标返回错误状态: %d", resp.StatusCode)
	}
	c.Data(resp.StatusCode, contentType, body)
}

// relayStream 按上游读取节奏写回并立即刷新
func (h *ProxyHandler) relayStream(c *gin.Context, resp *http.Response) {
	c.Header("Content-Type", resp.Header.Get("Content-Type"))
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(resp.StatusCode)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				log.Printf("[WARN] 写回流式数据失败: %v", werr)
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[WARN] 读取流式响应中断: %v", err)
			}
			return
		}
	}
}

// HandleWebSocket 回显收到的消息
func (h *ProxyHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ERROR] 升级WebSocket连接失败: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("[INFO] 代理WebSocket连接建立: %s", conn.RemoteAddr())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WARN] 读取WebSocket消息错误: %v", err)
			}
			return
		}

		var data interface{} = string(message)
		if json.Valid(message) {
			data = json.RawMessage(message)
		}
		if err := conn.WriteJSON(gin.H{"status": "received", "data": data}); err != nil {
			log.Printf("[WARN] 发送WebSocket消息失败: %v", err)
			return
		}
	}
}

// isEmptyData 缺失、null、空字符串或空对象
func isEmptyData(data json.RawMessage) bool {
	switch strings.TrimSpace(string(data)) {
	case "", "null", "{}", `""`, "[]":
		return true
	}
	return false
}

func isDashScopeCompatible(u *url.URL) bool {
	return strings.Contains(u.Host, "dashscope.aliyuncs.com") && strings.Contains(u.Path, "compatible-mode")
}

// checkChatMessages 兼容模式请求必须包含至少一条用户消息
func checkChatMessages(data json.RawMessage) (gin.H, bool) {
	var body struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Messages == nil {
		return gin.H{"error": "messages字段缺失", "proxyMessage": "请求体必须包含messages字段"}, false
	}
	for _, m := range body.Messages {
		if m.Role == "user" {
			return nil, true
		}
	}
	return gin.H{"error": "用户消息缺失", "proxyMessage": "请求中必须包含至少一条用户消息"}, false
}
