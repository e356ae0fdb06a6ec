package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mattiacalastri/btc-predictions/internal/cache"
	"github.com/mattiacalastri/btc-predictions/internal/model"
	"github.com/mattiacalastri/btc-predictions/internal/repository"
	"github.com/mattiacalastri/btc-predictions/internal/service"
	"github.com/mattiacalastri/btc-predictions/pkg/logger"
)

// AuditService 审计服务接口
type AuditService interface {
	CommitPrediction(ctx context.Context, msg *model.PredictionMessage) (*service.AuditResult, error)
	ResolvePrediction(ctx context.Context, msg *model.OutcomeMessage) (*service.AuditResult, error)
	GetAuditStatus(ctx context.Context, betID uint64) (*model.AuditRecord, error)
	GetCachedStatus(ctx context.Context, betID uint64) (*cache.BetAuditStatus, error)
	VerifyOnChain(ctx context.Context, record *model.AuditRecord) (commitMatch, resolveMatch bool, err error)
	ListAudits(ctx context.Context, pagination *repository.Pagination) ([]*model.AuditRecord, error)
}

// AuditHandler 审计处理器
type AuditHandler struct {
	svc AuditService
}

// NewAuditHandler 创建审计处理器
func NewAuditHandler(svc AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// RegisterRoutes wires the audit endpoints onto the router group.
func (h *AuditHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/commit-prediction", h.CommitPrediction)
	rg.POST("/resolve-prediction", h.ResolvePrediction)
	rg.GET("/audit/:bet_id", h.GetAudit)
	rg.GET("/audit", h.ListAudits)
}

// CommitPrediction 提交预测承诺
// POST /commit-prediction
func (h *AuditHandler) CommitPrediction(c *gin.Context) {
	var msg model.PredictionMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.svc.CommitPrediction(c.Request.Context(), &msg)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPrediction) {
			BadRequest(c, err.Error())
			return
		}
		logger.Error("commit prediction failed",
			zap.Uint64("bet_id", msg.BetID),
			zap.Error(err))
		InternalError(c)
		return
	}

	Success(c, result)
}

// ResolvePrediction 提交结果承诺
// POST /resolve-prediction
func (h *AuditHandler) ResolvePrediction(c *gin.Context) {
	var msg model.OutcomeMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.svc.ResolvePrediction(c.Request.Context(), &msg)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOutcome) {
			BadRequest(c, err.Error())
			return
		}
		logger.Error("resolve prediction failed",
			zap.Uint64("bet_id", msg.BetID),
			zap.Error(err))
		InternalError(c)
		return
	}

	Success(c, result)
}

// AuditResponse 单个审计记录响应
type AuditResponse struct {
	Record       *model.AuditRecord    `json:"record"`
	CachedStatus *cache.BetAuditStatus `json:"cached_status,omitempty"`
	CommitMatch  *bool                 `json:"commit_match,omitempty"`
	ResolveMatch *bool                 `json:"resolve_match,omitempty"`
}

// GetAudit 查询单个 bet 的审计状态
// GET /audit/:bet_id?verify=true
func (h *AuditHandler) GetAudit(c *gin.Context) {
	betID, err := strconv.ParseUint(c.Param("bet_id"), 10, 64)
	if err != nil || betID == 0 {
		BadRequest(c, "invalid bet_id")
		return
	}

	record, err := h.svc.GetAuditStatus(c.Request.Context(), betID)
	if err != nil {
		if errors.Is(err, repository.ErrAuditRecordNotFound) {
			NotFound(c, "audit record not found")
			return
		}
		logger.Error("failed to load audit record",
			zap.Uint64("bet_id", betID),
			zap.Error(err))
		InternalError(c)
		return
	}

	resp := &AuditResponse{Record: record}

	if cached, err := h.svc.GetCachedStatus(c.Request.Context(), betID); err == nil {
		resp.CachedStatus = cached
	}

	if c.Query("verify") == "true" {
		commitMatch, resolveMatch, err := h.svc.VerifyOnChain(c.Request.Context(), record)
		if err != nil {
			logger.Warn("on-chain verification failed",
				zap.Uint64("bet_id", betID),
				zap.Error(err))
		} else {
			resp.CommitMatch = &commitMatch
			resp.ResolveMatch = &resolveMatch
		}
	}

	Success(c, resp)
}

// ListAudits 分页查询审计记录
// GET /audit?page=1&page_size=20
func (h *AuditHandler) ListAudits(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	pagination := &repository.Pagination{Page: page, PageSize: pageSize}
	records, err := h.svc.ListAudits(c.Request.Context(), pagination)
	if err != nil {
		logger.Error("failed to list audit records", zap.Error(err))
		InternalError(c)
		return
	}

	Success(c, gin.H{
		"items":     records,
		"total":     pagination.Total,
		"page":      pagination.Page,
		"page_size": pagination.PageSize,
	})
}
