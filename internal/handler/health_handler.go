package handler

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	ready atomic.Bool
	deps  *HealthDeps
}

// HealthDeps 健康检查依赖
type HealthDeps struct {
	Postgres interface{ Ping() error }
	Redis    interface{ Ping() error }
	RPC      interface{ Ping() error }
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(deps *HealthDeps) *HealthHandler {
	h := &HealthHandler{deps: deps}
	h.ready.Store(false)
	return h
}

// SetReady 设置就绪状态
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RegisterRoutes wires the health probes onto the router.
func (h *HealthHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live 存活探针
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready 就绪探针
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "service initializing",
		})
		return
	}

	checks := make(map[string]string)
	allOK := true

	if h.deps != nil {
		check := func(name string, dep interface{ Ping() error }) {
			if dep == nil {
				return
			}
			if err := dep.Ping(); err != nil {
				checks[name] = err.Error()
				allOK = false
			} else {
				checks[name] = "ok"
			}
		}
		check("postgres", h.deps.Postgres)
		check("redis", h.deps.Redis)
		check("rpc", h.deps.RPC)
	}

	if !allOK {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"checks": checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": checks,
	})
}
