package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/llm"
)

// fakeLLM 返回固定的回复或错误。
type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (*llm.Stream, error) {
	return nil, errors.New("not supported in fake")
}

func newFlagger(client llm.Client) FlaggerService {
	return NewFlaggerService(client, nil, config.FlaggerConfig{
		DomainContext: "- Revenue & Receivables Accounting",
	})
}

func TestCheckQuestionDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("ALLOW前缀放行", func(t *testing.T) {
		result := newFlagger(&fakeLLM{reply: "ALLOW: in scope"}).CheckQuestion(ctx, "折旧方法", nil)
		assert.True(t, result.IsRelated)
		assert.False(t, result.IsFlagged)
		assert.Equal(t, "Answerable from KB: in scope", result.Reason)
		assert.Equal(t, "llm_only", result.Method)
		assert.Empty(t, result.ResponseMessage)
	})

	t.Run("FLAG前缀标记", func(t *testing.T) {
		result := newFlagger(&fakeLLM{reply: "FLAG: about weather"}).CheckQuestion(ctx, "明天天气", nil)
		assert.False(t, result.IsRelated)
		assert.True(t, result.IsFlagged)
		assert.Equal(t, "Not answerable from KB: about weather", result.Reason)
		assert.Equal(t, "Your answer has been flagged", result.ResponseMessage)
	})

	t.Run("前缀匹配大小写不敏感", func(t *testing.T) {
		result := newFlagger(&fakeLLM{reply: "allow: fine"}).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsRelated)
		assert.Equal(t, "Answerable from KB: fine", result.Reason)

		result = newFlagger(&fakeLLM{reply: "Flag: nope"}).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsFlagged)
	})
}

func TestCheckQuestionFallbackToAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("LLM不可用时默认放行", func(t *testing.T) {
		result := newFlagger(nil).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsRelated)
		assert.Equal(t, "Answerable from KB: LLM unavailable; default allow", result.Reason)
	})

	t.Run("调用失败放行并带诊断原因", func(t *testing.T) {
		result := newFlagger(&fakeLLM{err: errors.New("连接超时")}).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsRelated)
		assert.Contains(t, result.Reason, "LLM failure, allowing question")
	})

	t.Run("空回复放行", func(t *testing.T) {
		result := newFlagger(&fakeLLM{reply: "   "}).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsRelated)
		assert.Contains(t, result.Reason, "Empty LLM response")
	})

	t.Run("无法解析的回复放行", func(t *testing.T) {
		result := newFlagger(&fakeLLM{reply: "我觉得可以回答"}).CheckQuestion(ctx, "q", nil)
		assert.True(t, result.IsRelated)
		assert.Contains(t, result.Reason, "Unrecognized LLM response format")
	})
}

func TestGetFlagReason(t *testing.T) {
	ctx := context.Background()

	t.Run("被标记时返回落库理由", func(t *testing.T) {
		reason := newFlagger(&fakeLLM{reply: "FLAG: sports"}).GetFlagReason(ctx, "比赛结果", nil)
		assert.Equal(t, "Question flagged: Not answerable from KB: sports (method: llm_only)", reason)
	})

	t.Run("放行时返回空串", func(t *testing.T) {
		reason := newFlagger(&fakeLLM{reply: "ALLOW: ok"}).GetFlagReason(ctx, "折旧", nil)
		assert.Empty(t, reason)
	})
}
