package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicerunnerpro/devicerunnerpro/internal/service"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
)

// SessionHandler 会话处理器
type SessionHandler struct {
	runnerService *service.RunnerService
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(runnerService *service.RunnerService) *SessionHandler {
	return &SessionHandler{
		runnerService: runnerService,
	}
}

// Execute 同步执行会话
// @Summary 在目标设备上执行命令序列
// @Description 按通道策略连接设备并顺序执行命令，阻塞直至完成
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body service.RunRequest true "执行请求"
// @Success 200 {object} service.RunResponse "执行结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 500 {object} ErrorResponse "服务器内部错误"
// @Router /api/v1/sessions/execute [post]
func (h *SessionHandler) Execute(c *gin.Context) {
	var request service.RunRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.WithField("error", err.Error()).Error("Invalid request parameters")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}

	if err := h.validateRunRequest(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: err.Error(),
		})
		return
	}

	// 会话超时由引擎的预算机制控制，这里直接透传请求上下文
	response, err := h.runnerService.Execute(c.Request.Context(), &request)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"host":  request.Host,
			"error": err.Error(),
		}).Error("Failed to execute session")
	}
	// 连接层失败也返回200，由 return_code 表达结果
	c.JSON(http.StatusOK, response)
}

// ExecuteAsync 异步执行会话
// @Summary 异步提交命令执行会话
// @Description 立即返回会话ID，通过状态接口查询进度与结果
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body service.RunRequest true "执行请求"
// @Success 202 {object} SuccessResponse "已受理"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/sessions/execute/async [post]
func (h *SessionHandler) ExecuteAsync(c *gin.Context) {
	var request service.RunRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数无效: " + err.Error(),
		})
		return
	}

	if err := h.validateRunRequest(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: err.Error(),
		})
		return
	}

	sessionID := h.runnerService.ExecuteAsync(&request)
	c.JSON(http.StatusAccepted, SuccessResponse{
		Code:    "ACCEPTED",
		Message: "会话已受理",
		Data:    gin.H{"session_id": sessionID},
	})
}

// BatchExecute 批量执行会话
// @Summary 并行执行多个目标的命令会话
// @Description 不同目标并行执行，单目标内命令保持串行
// @Tags sessions
// @Accept json
// @Produce json
// @Param requests body []service.RunRequest true "批量执行请求"
// @Success 200 {object} []service.RunResponse "批量执行结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/sessions/batch [post]
func (h *SessionHandler) BatchExecute(c *gin.Context) {
	var requests []*service.RunRequest
	if err := c.ShouldBindJSON(&requests); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "批量请求参数无效: " + err.Error(),
		})
		return
	}

	if len(requests) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "EMPTY_REQUESTS",
			Message: "请求列表不能为空",
		})
		return
	}

	if len(requests) > 100 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "TOO_MANY_REQUESTS",
			Message: fmt.Sprintf("单批最多100个目标，当前%d个", len(requests)),
		})
		return
	}

	for i, req := range requests {
		if err := h.validateRunRequest(req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "VALIDATION_FAILED",
				Message: fmt.Sprintf("第%d个请求无效: %s", i, err.Error()),
			})
			return
		}
	}

	responses := h.runnerService.ExecuteBatch(c.Request.Context(), requests)
	c.JSON(http.StatusOK, responses)
}

// GetSessionStatus 获取会话状态
// @Summary 查询会话执行状态
// @Description 根据会话ID查询状态、进度与结果摘要
// @Tags sessions
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} service.SessionContext "会话状态"
// @Failure 404 {object} ErrorResponse "会话不存在"
// @Router /api/v1/sessions/{session_id} [get]
func (h *SessionHandler) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("session_id")
	sessionContext, ok := h.runnerService.Registry().Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "SESSION_NOT_FOUND",
			Message: "会话不存在: " + sessionID,
		})
		return
	}

	c.JSON(http.StatusOK, sessionContext)
}

// CancelSession 取消会话
// @Summary 取消正在执行的会话
// @Description 取消后当前命令以 aborted 终止，后续命令不再执行
// @Tags sessions
// @Produce json
// @Param session_id path string true "会话ID"
// @Success 200 {object} SuccessResponse "取消成功"
// @Failure 404 {object} ErrorResponse "会话不存在或已结束"
// @Router /api/v1/sessions/{session_id}/cancel [post]
func (h *SessionHandler) CancelSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.runnerService.Registry().Cancel(sessionID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CANCEL_FAILED",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "会话已取消",
		Data:    gin.H{"session_id": sessionID},
	})
}

// Health 健康检查
// @Summary 健康检查
// @Description 返回服务运行状态与当前活跃会话数
// @Tags system
// @Produce json
// @Success 200 {object} SuccessResponse "服务正常"
// @Router /api/v1/health [get]
func (h *SessionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "服务正常",
		Data: gin.H{
			"running_sessions": h.runnerService.Registry().Running(),
			"time":             time.Now().Format(time.RFC3339),
		},
	})
}

// validateRunRequest 校验执行请求
func (h *SessionHandler) validateRunRequest(request *service.RunRequest) error {
	if len(request.Commands) == 0 {
		return fmt.Errorf("命令列表不能为空")
	}
	for i, cmd := range request.Commands {
		if strings.TrimSpace(cmd.Text) == "" {
			return fmt.Errorf("第%d条命令为空", i)
		}
		if cmd.TimeoutSec < 0 {
			return fmt.Errorf("第%d条命令超时为负", i)
		}
	}
	if request.CommandTimeoutSec != nil && *request.CommandTimeoutSec < 0 {
		return fmt.Errorf("命令超时为负")
	}
	if request.OverallTimeoutSec != nil && *request.OverallTimeoutSec < 0 {
		return fmt.Errorf("会话超时为负")
	}
	switch strings.ToLower(strings.TrimSpace(request.TransportPolicy)) {
	case "", "auto", "network-only", "network", "ssh", "serial-only", "serial":
	default:
		return fmt.Errorf("未知通道策略: %s", request.TransportPolicy)
	}
	return nil
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
