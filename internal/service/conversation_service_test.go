package service

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/llm"
)

// scriptedStream 按脚本产出事件，然后产出错误或 io.EOF。
type scriptedStream struct {
	events []*AnswerEvent
	err    error
	i      int
	closed bool
}

func (s *scriptedStream) Recv() (*AnswerEvent, error) {
	if s.i < len(s.events) {
		event := s.events[s.i]
		s.i++
		return event, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, err
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// fakeEngine 总是返回预设的事件流。
type fakeEngine struct {
	stream AnswerStream
}

func (e *fakeEngine) Chat(ctx context.Context, dialog *model.Dialog, messages []llm.Message) (AnswerStream, error) {
	return e.stream, nil
}

func (e *fakeEngine) Ask(ctx context.Context, question string, kbIDs []string) (AnswerStream, error) {
	return e.stream, nil
}

type convFixture struct {
	svc      ConversationService
	chatLogs ChatLogService
	convRepo repository.ConversationRepository
}

func newConvFixture(t *testing.T, stream AnswerStream) *convFixture {
	t.Helper()
	db := newTestDB(t)
	convRepo := repository.NewConversationRepository(db)
	dialogRepo := repository.NewDialogRepository(db)
	chatLogs := NewChatLogService(repository.NewChatLogRepository(db))

	require.NoError(t, dialogRepo.Create(&model.Dialog{
		ID:       "d1",
		TenantID: "t1",
		Name:     "资产助手",
		Icon:     "icon.png",
		Prologue: "你好！有什么可以帮你？",
		KbIDs:    model.StringList{"kb1"},
	}))
	require.NoError(t, convRepo.Create(&model.Conversation{
		ID:       "c1",
		DialogID: "d1",
		UserID:   "alice",
		Name:     "会话",
	}))

	svc := NewConversationService(convRepo, dialogRepo, chatLogs, &fakeEngine{stream: stream})
	return &convFixture{svc: svc, chatLogs: chatLogs, convRepo: convRepo}
}

func TestStripThinkContent(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"嵌套标记迭代清除", "<think>x<think>y</think>z</think>done", "done"},
		{"单层标记", "前<think>推理</think>后", "前后"},
		{"无标记原样裁剪", "  普通回答  ", "普通回答"},
		{"未闭合标记保留", "<think>没有闭合 done", "<think>没有闭合 done"},
		{"多个独立标记", "<think>a</think>答案<think>b</think>", "答案"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripThinkContent(tc.input))
		})
	}
}

func TestSetConversation(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{})

	t.Run("新建会话以开场白开头", func(t *testing.T) {
		conv, err := f.svc.SetConversation("alice", SetConversationParams{
			IsNew:    true,
			DialogID: "d1",
			Name:     "新会话",
		})
		require.NoError(t, err)
		require.Len(t, conv.Message, 1)
		assert.Equal(t, "assistant", conv.Message[0].Role)
		assert.Equal(t, "你好！有什么可以帮你？", conv.Message[0].Content)
		assert.NotEmpty(t, conv.ID)
	})

	t.Run("名称超长截断到255", func(t *testing.T) {
		conv, err := f.svc.SetConversation("alice", SetConversationParams{
			IsNew:    true,
			DialogID: "d1",
			Name:     strings.Repeat("a", 300),
		})
		require.NoError(t, err)
		assert.Len(t, conv.Name, 255)
	})

	t.Run("更新已有会话", func(t *testing.T) {
		conv, err := f.svc.SetConversation("alice", SetConversationParams{
			ConversationID: "c1",
			Name:           "改名了",
		})
		require.NoError(t, err)
		assert.Equal(t, "改名了", conv.Name)
	})

	t.Run("更新不存在的会话", func(t *testing.T) {
		_, err := f.svc.SetConversation("alice", SetConversationParams{ConversationID: "missing"})
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})

	t.Run("新建时对话应用不存在", func(t *testing.T) {
		_, err := f.svc.SetConversation("alice", SetConversationParams{IsNew: true, DialogID: "missing"})
		assert.ErrorIs(t, err, ErrDialogNotFound)
	})
}

func TestGetConversationOwnership(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{})

	t.Run("归属租户可读并带头像", func(t *testing.T) {
		conv, avatar, err := f.svc.GetConversation("c1", "t1")
		require.NoError(t, err)
		assert.Equal(t, "c1", conv.ID)
		assert.Equal(t, "icon.png", avatar)
	})

	t.Run("非归属租户返回拒绝", func(t *testing.T) {
		_, _, err := f.svc.GetConversation("c1", "t-other")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("不存在返回未找到", func(t *testing.T) {
		_, _, err := f.svc.GetConversation("missing", "t1")
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestRemoveAndListConversations(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{})

	t.Run("非归属租户不能删除", func(t *testing.T) {
		err := f.svc.RemoveConversations([]string{"c1"}, "t-other")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("非归属租户不能列出", func(t *testing.T) {
		_, err := f.svc.ListConversations("d1", "t-other")
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("归属租户列出后删除", func(t *testing.T) {
		convs, err := f.svc.ListConversations("d1", "t1")
		require.NoError(t, err)
		assert.Len(t, convs, 1)

		require.NoError(t, f.svc.RemoveConversations([]string{"c1"}, "t1"))

		convs, err = f.svc.ListConversations("d1", "t1")
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func TestDeleteMessageAndThumbup(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{})
	conv, err := f.convRepo.GetByID("c1")
	require.NoError(t, err)
	conv.Message = []model.Message{
		{ID: "", Role: "assistant", Content: "开场白"},
		{ID: "m1", Role: "user", Content: "问题一"},
		{ID: "m1", Role: "assistant", Content: "回答一"},
		{ID: "m2", Role: "user", Content: "问题二"},
		{ID: "m2", Role: "assistant", Content: "回答二"},
	}
	conv.Reference = model.ReferenceList{{}, {}}
	require.NoError(t, f.convRepo.Save(conv))

	t.Run("删除一轮问答连同引用块", func(t *testing.T) {
		updated, err := f.svc.DeleteMessage("c1", "m1")
		require.NoError(t, err)
		require.Len(t, updated.Message, 3)
		assert.Equal(t, "问题二", updated.Message[1].Content)
		assert.Len(t, updated.Reference, 1)
	})

	t.Run("点踩记录反馈", func(t *testing.T) {
		updated, err := f.svc.Thumbup("c1", "m2", false, "答非所问")
		require.NoError(t, err)
		last := updated.Message[len(updated.Message)-1]
		require.NotNil(t, last.Thumbup)
		assert.False(t, *last.Thumbup)
		assert.Equal(t, "答非所问", last.Feedback)
	})

	t.Run("点赞清除反馈", func(t *testing.T) {
		updated, err := f.svc.Thumbup("c1", "m2", true, "")
		require.NoError(t, err)
		last := updated.Message[len(updated.Message)-1]
		require.NotNil(t, last.Thumbup)
		assert.True(t, *last.Thumbup)
		assert.Empty(t, last.Feedback)
	})
}

// drain 拉完整个帧流并返回所有帧。
func drain(t *testing.T, stream *ChatStream) []*Frame {
	t.Helper()
	var frames []*Frame
	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestCompletionStreamFinalizes(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{events: []*AnswerEvent{
		{Answer: "折旧"},
		{Answer: "折旧采用<think>想一想</think>直线法"},
	}})

	stream, err := f.svc.Completion(context.Background(), CompletionParams{
		ConversationID: "c1",
		Messages: []model.Message{
			{ID: "m1", Role: "user", Content: "折旧方法是什么"},
		},
		UserID: "alice",
	})
	require.NoError(t, err)

	frames := drain(t, stream)
	require.Len(t, frames, 3)

	// 增量帧携带事件，末帧固定为 data=true 的终止帧
	for _, frame := range frames[:2] {
		assert.Equal(t, 0, frame.Code)
		event, ok := frame.Data.(*AnswerEvent)
		require.True(t, ok)
		assert.Equal(t, "m1", event.ID)
		assert.Equal(t, "c1", event.SessionID)
	}
	assert.Equal(t, true, frames[2].Data)

	// 收尾：最后一个非空答案剥离推理标记后落库
	logs, err := f.chatLogs.GetLogsByUser("alice", "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "折旧方法是什么", logs[0].Question)
	assert.Equal(t, "折旧采用直线法", *logs[0].Response)
	assert.False(t, logs[0].IsFlagged)
	assert.Greater(t, logs[0].ResponseTime, float64(0))

	// 会话转录同步保存
	conv, err := f.convRepo.GetByID("c1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.Message)
	assert.Equal(t, "折旧采用<think>想一想</think>直线法", conv.Message[len(conv.Message)-1].Content)
}

func TestCompletionMidStreamFlagging(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{events: []*AnswerEvent{
		{Answer: "I can't answer this", IsFlagged: true, FlagReason: "out of scope"},
	}})

	stream, err := f.svc.Completion(context.Background(), CompletionParams{
		ConversationID: "c1",
		Messages: []model.Message{
			{ID: "m1", Role: "user", Content: "明天天气如何"},
		},
		UserID: "alice",
	})
	require.NoError(t, err)
	drain(t, stream)

	// 标记更新与收尾响应更新都生效：字段按写入者合并，互不覆盖
	logs, err := f.chatLogs.GetLogsByUser("alice", "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.True(t, entry.IsFlagged)
	assert.Equal(t, "out of scope", *entry.FlagReason)
	assert.Equal(t, model.LogTypeFlagged, entry.LogType)
	assert.Equal(t, "I can't answer this", *entry.Response)
}

func TestCompletionEngineFailure(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{
		events: []*AnswerEvent{{Answer: "部分回答"}},
		err:    io.ErrUnexpectedEOF,
	})

	stream, err := f.svc.Completion(context.Background(), CompletionParams{
		ConversationID: "c1",
		Messages: []model.Message{
			{ID: "m1", Role: "user", Content: "资产盘点流程"},
		},
		UserID: "alice",
	})
	require.NoError(t, err)

	frames := drain(t, stream)
	require.Len(t, frames, 3)

	// 错误以带内错误帧下发，随后仍有终止帧
	assert.Equal(t, 500, frames[1].Code)
	data, ok := frames[1].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data["answer"], "**ERROR**")
	assert.Equal(t, true, frames[2].Data)

	// 故障后不再补写收尾响应
	logs, err := f.chatLogs.GetLogsByUser("alice", "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].Response)
}

func TestCompletionDisconnectFinalizesOnClose(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{events: []*AnswerEvent{
		{Answer: "第一段"},
		{Answer: "第一段第二段"},
	}})

	stream, err := f.svc.Completion(context.Background(), CompletionParams{
		ConversationID: "c1",
		Messages: []model.Message{
			{ID: "m1", Role: "user", Content: "资本化标准"},
		},
		UserID: "alice",
	})
	require.NoError(t, err)

	// 只拉一帧就断开
	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	// 断开时尽力收尾：已观察到的最后答案落库
	logs, err := f.chatLogs.GetLogsByUser("alice", "t1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Response)
	assert.Equal(t, "第一段", *logs[0].Response)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAskCreatesLogUnderCallerTenant(t *testing.T) {
	f := newConvFixture(t, &scriptedStream{events: []*AnswerEvent{
		{Answer: "答案"},
	}})

	stream, err := f.svc.Ask(context.Background(), AskParams{
		Question: "ECL 怎么算",
		KbIDs:    []string{"kb1"},
		UserID:   "alice",
	})
	require.NoError(t, err)
	drain(t, stream)

	// ask 路径下提问者自身即租户
	logs, err := f.chatLogs.GetLogsByUser("alice", "alice", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.SourceAsk, logs[0].Source)
	assert.Equal(t, "答案", *logs[0].Response)
}

func TestChatEngineFlaggedPath(t *testing.T) {
	flagger := newFlagger(&fakeLLM{reply: "FLAG: off topic"})
	engine := NewChatEngine(nil, flagger)

	stream, err := engine.Ask(context.Background(), "比赛结果", []string{"kb1"})
	require.NoError(t, err)

	event, err := stream.Recv()
	require.NoError(t, err)
	assert.True(t, event.IsFlagged)
	assert.Equal(t, "I can't answer this", event.Answer)
	assert.Contains(t, event.FlagReason, "Not answerable from KB")

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}
