// Package handlers 只读查询接口（gin）。
// 任何响应都不包含份额或标量，只有公开的承诺、主公钥和审计记录。
package handlers

import (
	"context"
	"iter"

	"fedpi/audit"
	"fedpi/pb"
	"fedpi/registry"
	"fedpi/vm"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Querier 已提交状态的读取入口（*vm.Executor）
type Querier interface {
	Subject(id string) (registry.Subject, error)
	History(subjectID string) iter.Seq[audit.Record]
	VerifyChain() error
	Status() (vm.Status, error)
}

// Submitter 交易提交入口（*consensus.Adapter），可以为 nil
type Submitter interface {
	Submit(ctx context.Context, tx *pb.AnyTx) error
}

// HandlerManager 管理所有HTTP处理器及其依赖
type HandlerManager struct {
	query  Querier
	submit Submitter
	nodeID string

	limiter *rateLimiter
}

// NewHandlerManager 创建新的处理器管理器
func NewHandlerManager(nodeID string, query Querier, submit Submitter) *HandlerManager {
	return &HandlerManager{query: query, submit: submit, nodeID: nodeID}
}

// WithRateLimit 每个客户端 IP 每秒补充 perSecond 个请求额度，突发上限同为 perSecond，0 表示不限
func (hm *HandlerManager) WithRateLimit(perSecond int) *HandlerManager {
	if perSecond > 0 {
		hm.limiter = newRateLimiter(rate.Limit(perSecond), perSecond)
	}
	return hm
}

// RegisterRoutes 注册所有路由
func (hm *HandlerManager) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/subjects/:id", hm.HandleGetSubject)
	v1.POST("/pseudonyms", hm.HandleDerivePseudonym)
	v1.GET("/audit/verify", hm.HandleVerifyAudit)
	v1.GET("/audit/:id", hm.HandleGetHistory)
	v1.GET("/status", hm.HandleStatus)
	if hm.submit != nil {
		v1.POST("/txs", hm.HandleSubmitTx)
	}
}

// SetupRouter gin.New + 恢复中间件 + 访问日志
func SetupRouter(hm *HandlerManager) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), accessLog())
	if hm.limiter != nil {
		router.Use(hm.limiter.middleware())
	}
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	hm.RegisterRoutes(router)
	return router
}
