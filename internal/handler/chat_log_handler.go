// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// ChatLogHandler 负责处理所有与聊天日志相关的 API 请求。
type ChatLogHandler struct {
	chatLogService service.ChatLogService
}

// NewChatLogHandler 创建一个新的 ChatLogHandler 实例。
func NewChatLogHandler(chatLogService service.ChatLogService) *ChatLogHandler {
	return &ChatLogHandler{chatLogService: chatLogService}
}

// tenantFromContext 取出认证中间件写入的租户标识。
func tenantFromContext(c *gin.Context) string {
	return c.GetString("tenant_id")
}

// intQuery 解析整型查询参数，缺失或非法时返回默认值。
func intQuery(c *gin.Context, key string, defaultValue int) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// clientError 以 4xx 级别的信封返回客户端输入错误。
func clientError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    http.StatusBadRequest,
		"message": message,
	})
}

// isClientError 判断是否属于客户端输入类错误。
func isClientError(err error) bool {
	return errors.Is(err, service.ErrInvalidStartDate) ||
		errors.Is(err, service.ErrInvalidEndDate) ||
		errors.Is(err, service.ErrInvalidExportFormat)
}

// List 处理日志列表查询请求。
func (h *ChatLogHandler) List(c *gin.Context) {
	result, err := h.chatLogService.List(service.ListParams{
		TenantID:  tenantFromContext(c),
		Page:      intQuery(c, "page", 1),
		Limit:     intQuery(c, "limit", 50),
		UserID:    c.Query("user_id"),
		Flag:      c.DefaultQuery("flag", "all"),
		Search:    c.Query("search"),
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
	})
	if err != nil {
		if isClientError(err) {
			clientError(c, err.Error())
			return
		}
		log.Error("查询聊天日志列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to list chat logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    result,
	})
}

// Flagged 返回最近的被标记日志。
func (h *ChatLogHandler) Flagged(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	logs, err := h.chatLogService.GetFlaggedLogs(tenantFromContext(c), limit)
	if err != nil {
		log.Error("查询被标记日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to get flagged logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"flagged_logs": logs,
			"count":        len(logs),
		},
	})
}

// Statistics 返回最近 days 天的日志统计。
func (h *ChatLogHandler) Statistics(c *gin.Context) {
	days := intQuery(c, "days", 30)
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	stats, err := h.chatLogService.GetStatistics(tenantFromContext(c), &start, &end)
	if err != nil {
		log.Error("统计聊天日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to get statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    stats,
	})
}

// UserLogs 返回某个用户最近的日志。
func (h *ChatLogHandler) UserLogs(c *gin.Context) {
	userID := c.Param("user_id")
	limit := intQuery(c, "limit", 100)

	logs, err := h.chatLogService.GetLogsByUser(userID, tenantFromContext(c), limit)
	if err != nil {
		log.Error("查询用户日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to get user logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"user_logs": logs,
			"user_id":   userID,
			"count":     len(logs),
		},
	})
}

// ConversationLogs 按时间升序返回某会话的日志，供前端回放。
func (h *ChatLogHandler) ConversationLogs(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	logs, err := h.chatLogService.GetLogsByConversation(conversationID, tenantFromContext(c))
	if err != nil {
		if errors.Is(err, service.ErrAccessDenied) {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    http.StatusForbidden,
				"message": err.Error(),
			})
			return
		}
		log.Error("查询会话日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to get conversation logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversation_logs": logs,
			"conversation_id":   conversationID,
			"count":             len(logs),
		},
	})
}

// Export 导出日志为 CSV 附件或 JSON 载荷。
func (h *ChatLogHandler) Export(c *gin.Context) {
	result, err := h.chatLogService.Export(
		tenantFromContext(c),
		c.Query("log_type"),
		c.Query("start_date"),
		c.Query("end_date"),
		c.DefaultQuery("format", "csv"),
	)
	if err != nil {
		if isClientError(err) {
			clientError(c, err.Error())
			return
		}
		log.Error("导出聊天日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to export chat logs",
		})
		return
	}

	if result.Format == "json" {
		c.JSON(http.StatusOK, gin.H{
			"code":    http.StatusOK,
			"message": "success",
			"data": gin.H{
				"export":      result.JSON,
				"archive_url": result.ArchiveURL,
			},
		})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", result.Filename))
	if result.ArchiveURL != "" {
		c.Header("X-Archive-Url", result.ArchiveURL)
	}
	c.Data(http.StatusOK, "text/csv", result.CSV)
}

// DeleteAll 删除当前租户的全部聊天日志。
func (h *ChatLogHandler) DeleteAll(c *gin.Context) {
	count, err := h.chatLogService.DeleteAllLogs(tenantFromContext(c))
	if err != nil {
		log.Error("删除聊天日志失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Failed to delete chat logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "All chat logs deleted successfully",
		"data": gin.H{
			"deleted_count": count,
		},
	})
}
