package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/kafka"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDialogNotFound       = errors.New("dialog not found")
	// ErrNotOwner 表示记录存在但不属于调用方租户，与"不存在"区分返回。
	ErrNotOwner = errors.New("only owner of conversation authorized for this operation")
)

// SetConversationParams 是创建或更新会话的入参。
type SetConversationParams struct {
	ConversationID string
	IsNew          bool
	DialogID       string
	Name           string
	Message        []model.Message
}

// CompletionParams 是多轮补全的入参。
type CompletionParams struct {
	ConversationID string
	Messages       []model.Message
	UserID         string
}

// AskParams 是知识库独立问答的入参。
type AskParams struct {
	Question string
	KbIDs    []string
	UserID   string
}

// ConversationService 管理会话的增删改查并编排流式问答。
type ConversationService interface {
	SetConversation(userID string, params SetConversationParams) (*model.Conversation, error)
	GetConversation(conversationID, tenantID string) (*model.Conversation, string, error)
	RemoveConversations(conversationIDs []string, tenantID string) error
	ListConversations(dialogID, tenantID string) ([]model.Conversation, error)
	DeleteMessage(conversationID, messageID string) (*model.Conversation, error)
	Thumbup(conversationID, messageID string, up bool, feedback string) (*model.Conversation, error)
	Completion(ctx context.Context, params CompletionParams) (*ChatStream, error)
	Ask(ctx context.Context, params AskParams) (*ChatStream, error)
}

// conversationService 是 ConversationService 接口的实现。
type conversationService struct {
	convRepo   repository.ConversationRepository
	dialogRepo repository.DialogRepository
	chatLogs   ChatLogService
	engine     ChatEngine
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(
	convRepo repository.ConversationRepository,
	dialogRepo repository.DialogRepository,
	chatLogs ChatLogService,
	engine ChatEngine,
) ConversationService {
	return &conversationService{
		convRepo:   convRepo,
		dialogRepo: dialogRepo,
		chatLogs:   chatLogs,
		engine:     engine,
	}
}

// SetConversation 创建新会话（开场白作为首条助手消息）或更新已有会话。
func (s *conversationService) SetConversation(userID string, params SetConversationParams) (*model.Conversation, error) {
	name := params.Name
	if name == "" {
		name = "New conversation"
	}
	if len(name) > 255 {
		name = name[:255]
	}

	if !params.IsNew {
		conv, err := s.convRepo.GetByID(params.ConversationID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, err
		}
		conv.Name = name
		if params.Message != nil {
			conv.Message = params.Message
		}
		if err := s.convRepo.Save(conv); err != nil {
			return nil, err
		}
		return conv, nil
	}

	dialog, err := s.dialogRepo.GetByID(params.DialogID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDialogNotFound
	}
	if err != nil {
		return nil, err
	}

	conv := &model.Conversation{
		ID:       params.ConversationID,
		DialogID: dialog.ID,
		UserID:   userID,
		Name:     name,
		Message: []model.Message{
			{Role: "assistant", Content: dialog.Prologue},
		},
		Reference: model.ReferenceList{},
	}
	if err := s.convRepo.Create(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation 返回会话及所属对话应用的头像。
// 会话存在但其对话应用不属于调用方租户时返回 ErrNotOwner。
func (s *conversationService) GetConversation(conversationID, tenantID string) (*model.Conversation, string, error) {
	conv, err := s.convRepo.GetByID(conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", ErrConversationNotFound
	}
	if err != nil {
		return nil, "", err
	}

	dialog, err := s.dialogRepo.GetByIDAndTenant(conv.DialogID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, "", ErrNotOwner
	}
	if err != nil {
		return nil, "", err
	}
	return conv, dialog.Icon, nil
}

// RemoveConversations 批量删除会话，逐一校验租户归属。
func (s *conversationService) RemoveConversations(conversationIDs []string, tenantID string) error {
	for _, id := range conversationIDs {
		conv, err := s.convRepo.GetByID(id)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		if _, err := s.dialogRepo.GetByIDAndTenant(conv.DialogID, tenantID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotOwner
			}
			return err
		}
	}
	_, err := s.convRepo.DeleteByIDs(conversationIDs)
	return err
}

// ListConversations 列出某对话应用下的全部会话。
func (s *conversationService) ListConversations(dialogID, tenantID string) ([]model.Conversation, error) {
	if _, err := s.dialogRepo.GetByIDAndTenant(dialogID, tenantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotOwner
		}
		return nil, err
	}
	return s.convRepo.ListByDialog(dialogID)
}

// DeleteMessage 删除一轮问答：共享同一 message_id 的用户消息与
// 助手消息一起移除，并删掉该轮对应的引用块。
func (s *conversationService) DeleteMessage(conversationID, messageID string) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	for i := 0; i < len(conv.Message); i++ {
		if conv.Message[i].ID != messageID {
			continue
		}
		if i+1 < len(conv.Message) && conv.Message[i+1].ID == messageID {
			conv.Message = append(conv.Message[:i], conv.Message[i+2:]...)
		} else {
			conv.Message = append(conv.Message[:i], conv.Message[i+1:]...)
		}
		refIdx := i/2 - 1
		if refIdx < 0 {
			refIdx = 0
		}
		if refIdx < len(conv.Reference) {
			conv.Reference = append(conv.Reference[:refIdx], conv.Reference[refIdx+1:]...)
		}
		break
	}

	if err := s.convRepo.Save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Thumbup 给某条助手消息点赞或点踩，点踩时可附带反馈。
func (s *conversationService) Thumbup(conversationID, messageID string, up bool, feedback string) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	for i := range conv.Message {
		msg := &conv.Message[i]
		if msg.ID != messageID || msg.Role != "assistant" {
			continue
		}
		thumb := up
		msg.Thumbup = &thumb
		if up {
			msg.Feedback = ""
		} else if feedback != "" {
			msg.Feedback = feedback
		}
		break
	}

	if err := s.convRepo.Save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Completion 编排一轮多轮补全：建立待定日志、启动引擎流，
// 返回可供传输层逐帧拉取的流。
func (s *conversationService) Completion(ctx context.Context, params CompletionParams) (*ChatStream, error) {
	// 去掉 system 消息和开头的助手开场白
	messages := make([]model.Message, 0, len(params.Messages))
	for _, m := range params.Messages {
		if m.Role == "system" {
			continue
		}
		if m.Role == "assistant" && len(messages) == 0 {
			continue
		}
		messages = append(messages, m)
	}
	var messageID, question string
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		messageID = last.ID
		if last.Role == "user" {
			question = last.Content
		}
	}

	conv, err := s.convRepo.GetByID(params.ConversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	dialog, err := s.dialogRepo.GetByID(conv.DialogID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDialogNotFound
	}
	if err != nil {
		return nil, err
	}

	conv.Message = params.Messages
	conv.Reference = append(conv.Reference, model.Reference{
		Chunks:  []model.JSONMap{},
		DocAggs: []model.JSONMap{},
	})

	// 日志创建是尽力而为的：失败不阻断问答
	var logID string
	if question != "" {
		logID, err = s.chatLogs.LogChatMessage(LogEntryParams{
			TenantID:       dialog.TenantID,
			UserID:         params.UserID,
			Question:       question,
			DialogID:       &dialog.ID,
			ConversationID: &conv.ID,
			KbIDs:          dialog.KbIDs,
			Source:         model.SourceCompletion,
			Metadata: map[string]interface{}{
				"message_id": messageID,
				"kb_ids":     dialog.KbIDs,
			},
		})
		if err != nil {
			log.Warnf("创建聊天日志失败: %v", err)
			logID = ""
		}
	}

	llmMessages := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		llmMessages = append(llmMessages, llm.Message{Role: m.Role, Content: m.Content})
	}
	answers, err := s.engine.Chat(ctx, dialog, llmMessages)
	if err != nil {
		return nil, err
	}

	return &ChatStream{
		answers:   answers,
		conv:      conv,
		convRepo:  s.convRepo,
		chatLogs:  s.chatLogs,
		logID:     logID,
		messageID: messageID,
		startTime: time.Now(),
		tenantID:  dialog.TenantID,
		userID:    params.UserID,
		question:  question,
		source:    model.SourceCompletion,
	}, nil
}

// Ask 编排一次知识库独立问答。提问者自身即租户。
func (s *conversationService) Ask(ctx context.Context, params AskParams) (*ChatStream, error) {
	logID, err := s.chatLogs.LogChatMessage(LogEntryParams{
		TenantID: params.UserID,
		UserID:   params.UserID,
		Question: params.Question,
		KbIDs:    params.KbIDs,
		Source:   model.SourceAsk,
	})
	if err != nil {
		log.Warnf("创建聊天日志失败: %v", err)
		logID = ""
	}

	answers, err := s.engine.Ask(ctx, params.Question, params.KbIDs)
	if err != nil {
		return nil, err
	}

	return &ChatStream{
		answers:   answers,
		chatLogs:  s.chatLogs,
		logID:     logID,
		startTime: time.Now(),
		tenantID:  params.UserID,
		userID:    params.UserID,
		question:  params.Question,
		source:    model.SourceAsk,
	}, nil
}

// Frame 是发往客户端的一帧 SSE 载荷。
type Frame struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// ChatStream 把引擎的答案流包装成逐帧的 SSE 载荷流。
// 副作用（中途标记更新、收尾响应更新、会话落库）都在 Recv 内部
// 按拉取节奏执行；读到 io.EOF 前的最后一帧固定是 data=true 的终止帧。
type ChatStream struct {
	answers   AnswerStream
	conv      *model.Conversation // 为 nil 时不落库会话（ask 路径）
	convRepo  repository.ConversationRepository
	chatLogs  ChatLogService
	logID     string
	messageID string
	startTime time.Time

	tenantID string
	userID   string
	question string
	source   string

	finalAnswer     string
	flagUpdated     bool
	finalized       bool
	terminalPending bool
	done            bool
}

// Recv 返回下一帧。终止帧之后返回 io.EOF。
func (s *ChatStream) Recv() (*Frame, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.terminalPending {
		s.terminalPending = false
		s.done = true
		return &Frame{Code: 0, Message: "", Data: true}, nil
	}

	event, err := s.answers.Recv()
	if err == io.EOF {
		s.finalize()
		s.done = true
		return &Frame{Code: 0, Message: "", Data: true}, nil
	}
	if err != nil {
		// 引擎故障：发出带内错误帧，已提交的更新不回滚，
		// 未观察到的字段也不再补写
		s.finalized = true
		s.terminalPending = true
		return &Frame{
			Code:    500,
			Message: err.Error(),
			Data: map[string]interface{}{
				"answer":    "**ERROR**: " + err.Error(),
				"reference": []interface{}{},
			},
		}, nil
	}

	s.structureAnswer(event)

	// 被标记的答案在观察到的那一刻就落库，不等流结束
	if event.IsFlagged && !s.flagUpdated && s.logID != "" {
		s.flagUpdated = true
		reason := event.FlagReason
		if reason == "" {
			reason = "No relevant knowledge found"
		}
		answer := event.Answer
		if answer == "" {
			answer = "I can't answer that"
		}
		s.chatLogs.UpdateWithFlagging(s.logID, stripThinkContent(answer), true, reason,
			time.Since(s.startTime).Seconds(), 0)
		if err := kafka.ProduceFlagEvent(kafka.FlagEvent{
			LogID:      s.logID,
			TenantID:   s.tenantID,
			UserID:     s.userID,
			Question:   s.question,
			FlagReason: reason,
			Source:     s.source,
		}); err != nil {
			log.Warnf("发送标记事件失败 log_id=%s: %v", s.logID, err)
		}
	}

	if event.Answer != "" {
		s.finalAnswer = event.Answer
	}
	return &Frame{Code: 0, Message: "", Data: event}, nil
}

// Close 释放底层流。客户端提前断开时尽力完成收尾落库。
func (s *ChatStream) Close() error {
	err := s.answers.Close()
	s.finalize()
	s.done = true
	return err
}

// finalize 提交最后一个非空答案与会话转录，只执行一次。
func (s *ChatStream) finalize() {
	if s.finalized {
		return
	}
	s.finalized = true

	if s.finalAnswer != "" && s.logID != "" {
		s.chatLogs.UpdateResponse(s.logID, stripThinkContent(s.finalAnswer), 0,
			time.Since(s.startTime).Seconds())
	}
	if s.conv != nil {
		if err := s.convRepo.Save(s.conv); err != nil {
			log.Warnf("保存会话失败 conversation_id=%s: %v", s.conv.ID, err)
		}
	}
}

// structureAnswer 给事件补上消息与会话标识，并把累积答案
// 同步进会话转录：覆盖（或追加）最后一条助手消息和本轮引用块。
func (s *ChatStream) structureAnswer(event *AnswerEvent) {
	event.ID = s.messageID
	if s.conv == nil {
		return
	}
	event.SessionID = s.conv.ID

	assistant := model.Message{
		Role:      "assistant",
		Content:   event.Answer,
		CreatedAt: float64(time.Now().UnixMilli()) / 1000,
		ID:        s.messageID,
	}
	if n := len(s.conv.Message); n == 0 || s.conv.Message[n-1].Role != "assistant" {
		s.conv.Message = append(s.conv.Message, assistant)
	} else {
		s.conv.Message[n-1] = assistant
	}
	if n := len(s.conv.Reference); n > 0 {
		s.conv.Reference[n-1] = event.Reference
	}
}

// stripThinkContent 移除推理标记之间的内容。
// 每次删除最内层的 <think>...</think> 配对，循环直到没有完整配对，
// 嵌套的标记因此被自外而内彻底清掉，最后裁剪首尾空白。
func stripThinkContent(text string) string {
	const openTag = "<think>"
	const closeTag = "</think>"
	for {
		start := strings.LastIndex(text, openTag)
		if start < 0 {
			break
		}
		rel := strings.Index(text[start+len(openTag):], closeTag)
		if rel < 0 {
			break
		}
		end := start + len(openTag) + rel + len(closeTag)
		text = text[:start] + text[end:]
	}
	return strings.TrimSpace(text)
}
