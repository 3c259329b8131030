package handlers

import (
	"net/http"
	"sync"
	"time"

	"fedpi/logs"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// accessLog 请求日志走 logs，不用 gin 自带的 stdout logger
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logs.Debug("[API] %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// writeError 统一的错误响应
func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// 最多跟踪的客户端 IP 数，超出后淘汰最久未访问的
const maxTrackedIPs = 10000

// rateLimiter 每个客户端 IP 一个令牌桶
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache
	now      func() time.Time
}

func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	limiters, _ := lru.New(maxTrackedIPs)
	return &rateLimiter{limit: limit, burst: burst, limiters: limiters, now: time.Now}
}

func (rl *rateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.limiters.Get(ip); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Add(ip, l)
	return l
}

func (rl *rateLimiter) allow(ip string) bool {
	return rl.limiterFor(ip).AllowN(rl.now(), 1)
}

// middleware 超过阈值返回 429
func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.allow(ip) {
			logs.Verbose("[API] rate limited %s", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
