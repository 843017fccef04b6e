package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat-go/internal/model"
	"ragchat-go/internal/service"
	"ragchat-go/pkg/log"
)

// ConversationHandler 负责处理所有与会话相关的 API 请求。
type ConversationHandler struct {
	conversationService service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(conversationService service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService}
}

// respondConversationError 把会话类错误映射为对应的 HTTP 响应。
// 归属校验失败与"不存在"是两类错误，分别返回 403 与 404。
func respondConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound), errors.Is(err, service.ErrDialogNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    http.StatusNotFound,
			"message": err.Error(),
		})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"code":    http.StatusForbidden,
			"message": err.Error(),
			"data":    false,
		})
	default:
		log.Error("会话操作失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    http.StatusInternalServerError,
			"message": "Internal server error",
		})
	}
}

// SetConversationRequest 定义了创建或更新会话 API 的请求体结构。
type SetConversationRequest struct {
	ConversationID string          `json:"conversation_id"`
	IsNew          bool            `json:"is_new"`
	DialogID       string          `json:"dialog_id"`
	Name           string          `json:"name"`
	Message        []model.Message `json:"message"`
}

// Set 创建或更新一个会话。
func (h *ConversationHandler) Set(c *gin.Context) {
	var req SetConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "Invalid request payload")
		return
	}

	conv, err := h.conversationService.SetConversation(c.GetString("user_id"), service.SetConversationParams{
		ConversationID: req.ConversationID,
		IsNew:          req.IsNew,
		DialogID:       req.DialogID,
		Name:           req.Name,
		Message:        req.Message,
	})
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    conv,
	})
}

// Get 返回一个会话及所属对话应用的头像。
func (h *ConversationHandler) Get(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		clientError(c, "conversation_id is required")
		return
	}

	conv, avatar, err := h.conversationService.GetConversation(conversationID, tenantFromContext(c))
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"conversation": conv,
			"avatar":       avatar,
		},
	})
}

// RemoveRequest 定义了批量删除会话 API 的请求体结构。
type RemoveRequest struct {
	ConversationIDs []string `json:"conversation_ids" binding:"required"`
}

// Remove 批量删除会话。
func (h *ConversationHandler) Remove(c *gin.Context) {
	var req RemoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "conversation_ids is required")
		return
	}

	if err := h.conversationService.RemoveConversations(req.ConversationIDs, tenantFromContext(c)); err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    true,
	})
}

// List 列出某对话应用下的全部会话。
func (h *ConversationHandler) List(c *gin.Context) {
	dialogID := c.Query("dialog_id")
	if dialogID == "" {
		clientError(c, "dialog_id is required")
		return
	}

	convs, err := h.conversationService.ListConversations(dialogID, tenantFromContext(c))
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    convs,
	})
}

// DeleteMessageRequest 定义了删除消息 API 的请求体结构。
type DeleteMessageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id" binding:"required"`
}

// DeleteMessage 删除会话中的一轮问答。
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	var req DeleteMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "conversation_id and message_id are required")
		return
	}

	conv, err := h.conversationService.DeleteMessage(req.ConversationID, req.MessageID)
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    conv,
	})
}

// ThumbupRequest 定义了消息点赞 API 的请求体结构。
type ThumbupRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id" binding:"required"`
	Thumbup        bool   `json:"thumbup"`
	Feedback       string `json:"feedback"`
}

// Thumbup 给某条助手消息点赞或点踩。
func (h *ConversationHandler) Thumbup(c *gin.Context) {
	var req ThumbupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "conversation_id and message_id are required")
		return
	}

	conv, err := h.conversationService.Thumbup(req.ConversationID, req.MessageID, req.Thumbup, req.Feedback)
	if err != nil {
		respondConversationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    conv,
	})
}

// CompletionRequest 定义了多轮补全 API 的请求体结构。
type CompletionRequest struct {
	ConversationID string          `json:"conversation_id" binding:"required"`
	Messages       []model.Message `json:"messages" binding:"required"`
}

// Completion 处理多轮补全请求，逐帧转发引擎的流式回答。
func (h *ConversationHandler) Completion(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "conversation_id and messages are required")
		return
	}

	stream, err := h.conversationService.Completion(c.Request.Context(), service.CompletionParams{
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
		UserID:         c.GetString("user_id"),
	})
	if err != nil {
		respondConversationError(c, err)
		return
	}

	writeSSE(c, stream)
}

// AskRequest 定义了知识库独立问答 API 的请求体结构。
type AskRequest struct {
	Question string   `json:"question" binding:"required"`
	KbIDs    []string `json:"kb_ids" binding:"required"`
}

// Ask 处理知识库独立问答请求。
func (h *ConversationHandler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		clientError(c, "question and kb_ids are required")
		return
	}

	stream, err := h.conversationService.Ask(c.Request.Context(), service.AskParams{
		Question: req.Question,
		KbIDs:    req.KbIDs,
		UserID:   c.GetString("user_id"),
	})
	if err != nil {
		respondConversationError(c, err)
		return
	}

	writeSSE(c, stream)
}

// writeSSE 把帧流写成 SSE 响应。传输层按自己的节奏拉帧：
// 每拉到一帧就写出并刷新，写失败说明客户端断开，停止拉取即可。
func writeSSE(c *gin.Context, stream *service.ChatStream) {
	defer stream.Close()

	c.Header("Cache-control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)

	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Warnf("读取回答流失败: %v", err)
			return
		}

		payload, err := json.Marshal(frame)
		if err != nil {
			log.Warnf("序列化回答帧失败: %v", err)
			return
		}
		if _, err := c.Writer.Write(append(append([]byte("data:"), payload...), '\n', '\n')); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
