package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/lvdashuaibi/littlewatch/internal/service"
	"github.com/sirupsen/logrus"
)

// EarnAPI 由 service.EarnService 实现
type EarnAPI interface {
	Heartbeat(ctx context.Context, userID, streamID string) (*model.HeartbeatResult, error)
	ResolveAttentionCheck(ctx context.Context, userID, streamID string, passed bool) (*model.AttentionResult, error)
	Claim(ctx context.Context, userID string, rewardIDs []string) (*model.ClaimResult, error)
	GetStatus(ctx context.Context, userID string) (*model.Status, error)
}

// ViewerAPI 由 service.ViewerService 实现
type ViewerAPI interface {
	Join(ctx context.Context, streamID, userID string) (*model.ViewerCounterState, error)
	Leave(ctx context.Context, streamID, userID string) (*model.ViewerCounterState, error)
}

type Handler struct {
	earn    EarnAPI
	viewers ViewerAPI
	logger  logrus.FieldLogger
}

func NewHandler(earn EarnAPI, viewers ViewerAPI, logger logrus.FieldLogger) *Handler {
	return &Handler{earn: earn, viewers: viewers, logger: logger}
}

type heartbeatRequest struct {
	StreamID    string `json:"streamId" binding:"required"`
	UserAddress string `json:"userAddress" binding:"required"`
}

type attentionRequest struct {
	StreamID    string `json:"streamId" binding:"required"`
	UserAddress string `json:"userAddress" binding:"required"`
	Passed      *bool  `json:"passed" binding:"required"`
}

type claimRequest struct {
	UserAddress string   `json:"userAddress" binding:"required"`
	RewardIDs   []string `json:"rewardIds"`
}

type viewerRequest struct {
	UserAddress string `json:"userAddress"`
}

// Heartbeat POST /earn/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, service.ErrInvalidRequest)
		return
	}

	result, err := h.earn.Heartbeat(c.Request.Context(), req.UserAddress, req.StreamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Attention POST /earn/attention
func (h *Handler) Attention(c *gin.Context) {
	var req attentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, service.ErrInvalidRequest)
		return
	}

	result, err := h.earn.ResolveAttentionCheck(c.Request.Context(), req.UserAddress, req.StreamID, *req.Passed)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "continue": result.Continue})
}

// Claim POST /earn/claim
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failClaim(c, service.ErrInvalidRequest)
		return
	}

	result, err := h.earn.Claim(c.Request.Context(), req.UserAddress, req.RewardIDs)
	if err != nil {
		h.failClaim(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"claimedAmount": result.ClaimedAmount,
		"claimedCount":  result.ClaimedCount,
		"txHash":        result.SettlementHandle,
		"rewardIds":     result.RewardIDs,
	})
}

// Status GET /earn/status?userAddress=
func (h *Handler) Status(c *gin.Context) {
	status, err := h.earn.GetStatus(c.Request.Context(), c.Query("userAddress"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// JoinOrLeave POST /streams/:id/viewers，?_method=DELETE 视为离开（页面卸载时的 sendBeacon）
func (h *Handler) JoinOrLeave(c *gin.Context) {
	if c.Query("_method") == http.MethodDelete {
		h.Leave(c)
		return
	}
	h.Join(c)
}

// Join 进入直播间
func (h *Handler) Join(c *gin.Context) {
	state, err := h.viewers.Join(c.Request.Context(), c.Param("id"), viewerUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "viewerCount": state.ViewerCount})
}

// Leave DELETE /streams/:id/viewers
func (h *Handler) Leave(c *gin.Context) {
	state, err := h.viewers.Leave(c.Request.Context(), c.Param("id"), viewerUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "viewerCount": state.ViewerCount})
}

// viewerUser 用户地址可选，来自查询参数或请求体；sendBeacon 的请求体可能不是JSON，解析失败时忽略
func viewerUser(c *gin.Context) string {
	if addr := c.Query("userAddress"); addr != "" {
		return addr
	}
	if c.Request.ContentLength == 0 {
		return ""
	}
	var req viewerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return ""
	}
	return req.UserAddress
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrStreamNotLive):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrStreamNotFound),
		errors.Is(err, service.ErrNoUnclaimedRewards):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("请求处理失败")
		msg = "内部错误"
	}
	c.JSON(code, gin.H{"success": false, "error": msg})
}

// failClaim 领取失败同样返回领取数量0和原因
func (h *Handler) failClaim(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.WithError(err).Error("领取奖励失败")
		msg = "内部错误"
	}
	c.JSON(code, gin.H{
		"success":       false,
		"claimedAmount": "0",
		"claimedCount":  0,
		"error":         msg,
	})
}
