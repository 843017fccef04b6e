package service

import (
	"context"
	"io"

	"ragchat-go/internal/model"
	"ragchat-go/pkg/llm"
)

// AnswerEvent 是聊天引擎产出的一个增量答案。
// Answer 是到目前为止的累积文本，每个事件都携带完整前缀，
// 因此最后一个非空事件就是最终答案。
type AnswerEvent struct {
	Answer     string          `json:"answer"`
	Reference  model.Reference `json:"reference"`
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	IsFlagged  bool            `json:"is_flagged,omitempty"`
	FlagReason string          `json:"flag_reason,omitempty"`
}

// AnswerStream 是拉取式的答案事件流，流结束时 Recv 返回 io.EOF。
// 编排层在两次 Recv 之间保有控制权，不需要额外的 goroutine。
type AnswerStream interface {
	Recv() (*AnswerEvent, error)
	Close() error
}

// ChatEngine 把一个问题变成一串增量答案。
// 标记判定发生在引擎内部：被标记的问题产出单个带标记的事件。
type ChatEngine interface {
	Chat(ctx context.Context, dialog *model.Dialog, messages []llm.Message) (AnswerStream, error)
	Ask(ctx context.Context, question string, kbIDs []string) (AnswerStream, error)
}

// ragChatEngine 是默认引擎：先走标记判定，再走 LLM 流式补全。
type ragChatEngine struct {
	llmClient llm.Client
	flagger   FlaggerService
}

// NewChatEngine 创建一个新的 ChatEngine 实例。
func NewChatEngine(llmClient llm.Client, flagger FlaggerService) ChatEngine {
	return &ragChatEngine{llmClient: llmClient, flagger: flagger}
}

// Chat 基于对话应用配置回答多轮消息的最后一个用户问题。
func (e *ragChatEngine) Chat(ctx context.Context, dialog *model.Dialog, messages []llm.Message) (AnswerStream, error) {
	question := lastUserQuestion(messages)
	if question != "" {
		check := e.flagger.CheckQuestion(ctx, question, dialog.KbIDs)
		if check.IsFlagged {
			return newFlaggedStream(check), nil
		}
	}

	stream, err := e.llmClient.StreamChat(ctx, messages, nil)
	if err != nil {
		return nil, err
	}
	return &llmAnswerStream{stream: stream}, nil
}

// Ask 回答一个基于知识库的独立问题。
func (e *ragChatEngine) Ask(ctx context.Context, question string, kbIDs []string) (AnswerStream, error) {
	check := e.flagger.CheckQuestion(ctx, question, kbIDs)
	if check.IsFlagged {
		return newFlaggedStream(check), nil
	}

	stream, err := e.llmClient.StreamChat(ctx, []llm.Message{{Role: "user", Content: question}}, nil)
	if err != nil {
		return nil, err
	}
	return &llmAnswerStream{stream: stream}, nil
}

func lastUserQuestion(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// flaggedStream 只产出一个带标记的事件。
type flaggedStream struct {
	event *AnswerEvent
	done  bool
}

func newFlaggedStream(check *FlagCheckResult) *flaggedStream {
	return &flaggedStream{
		event: &AnswerEvent{
			Answer:     "I can't answer this",
			IsFlagged:  true,
			FlagReason: check.Reason,
		},
	}
}

func (s *flaggedStream) Recv() (*AnswerEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.event, nil
}

func (s *flaggedStream) Close() error { return nil }

// llmAnswerStream 把 LLM 的增量分片累积为完整前缀事件。
type llmAnswerStream struct {
	stream *llm.Stream
	answer string
}

func (s *llmAnswerStream) Recv() (*AnswerEvent, error) {
	delta, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	s.answer += delta
	return &AnswerEvent{Answer: s.answer}, nil
}

func (s *llmAnswerStream) Close() error {
	return s.stream.Close()
}
