// Package middleware 提供HTTP中间件
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Logger 日志中间件
func Logger() gin.HandlerFunc {
	return gin.Logger()
}

// Recovery 恢复中间件
func Recovery() gin.HandlerFunc {
	return gin.Recovery()
}

// CORS CORS中间件
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// BodyLimit 限制请求体大小
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			if c.Request.ContentLength > maxBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "请求体过大"})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// ipLimiter 按客户端IP限流
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
}

// get 获取IP对应的限流器，不存在时创建
func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		l.lastAccess[ip] = time.Now()
		l.mu.Unlock()
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// 双重检查
	if limiter, ok = l.limiters[ip]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = limiter
	l.lastAccess[ip] = time.Now()
	return limiter
}

// cleanup 清理长时间未访问的限流器
func (l *ipLimiter) cleanup(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, t := range l.lastAccess {
		if time.Since(t) > idle {
			delete(l.limiters, ip)
			delete(l.lastAccess, ip)
		}
	}
}

// RateLimit 按客户端IP限流，rps<=0表示不限制
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	l := &ipLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
	}
	var lastCleanup time.Time
	var cleanupMu sync.Mutex

	return func(c *gin.Context) {
		cleanupMu.Lock()
		if time.Since(lastCleanup) > 10*time.Minute {
			lastCleanup = time.Now()
			go l.cleanup(30 * time.Minute)
		}
		cleanupMu.Unlock()

		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
			return
		}
		c.Next()
	}
}

// Setup 设置中间件
func Setup(r *gin.Engine) {
	r.Use(Logger())
	r.Use(Recovery())
	r.Use(CORS())
}
