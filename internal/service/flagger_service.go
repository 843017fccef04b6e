package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/es"
	"ragchat-go/pkg/kafka"
	"ragchat-go/pkg/llm"
	"ragchat-go/pkg/log"
)

// FlagCheckResult 是一次标记判定的结果。
type FlagCheckResult struct {
	IsRelated       bool   `json:"is_related"`
	IsFlagged       bool   `json:"is_flagged"`
	Reason          string `json:"reason"`
	Method          string `json:"method"`
	Question        string `json:"question"`
	ResponseMessage string `json:"response_message,omitempty"`
}

// FlaggerService 判定一个问题能否由知识库回答。
// 判定完全交给 LLM（ALLOW / FLAG 二选一），没有关键词启发式。
// 所有失败路径都回退为放行：分类器宁可漏标，也不误拦正常提问。
type FlaggerService interface {
	CheckQuestion(ctx context.Context, question string, kbIDs []string) *FlagCheckResult
	GetFlagReason(ctx context.Context, question string, kbIDs []string) string
}

// flaggerService 是 FlaggerService 接口的实现。
type flaggerService struct {
	llmClient llm.Client // 为 nil 时所有问题默认放行
	rdb       *redis.Client
	cfg       config.FlaggerConfig
}

// NewFlaggerService 创建一个新的 FlaggerService 实例。
// llmClient 和 rdb 都允许为 nil，缺失时对应能力降级。
func NewFlaggerService(llmClient llm.Client, rdb *redis.Client, cfg config.FlaggerConfig) FlaggerService {
	return &flaggerService{llmClient: llmClient, rdb: rdb, cfg: cfg}
}

const (
	// flaggedResponseMessage 是问题被标记时返回给前端的固定话术。
	flaggedResponseMessage = "Your answer has been flagged"

	// maxDocNames 限制提示词中携带的文档名数量。
	maxDocNames = 12

	decisionCacheTTL  = 10 * time.Minute
	decisionCacheKey  = "flagger:decision:"
	fallbackStreakKey = "flagger:fallback_allow_streak"
)

// CheckQuestion 判定问题是否在知识库范围内，并组装结果对象。
func (s *flaggerService) CheckQuestion(ctx context.Context, question string, kbIDs []string) *FlagCheckResult {
	answerable, reason := s.decide(ctx, question, kbIDs)

	result := &FlagCheckResult{
		IsRelated: answerable,
		IsFlagged: !answerable,
		Method:    "llm_only",
		Question:  question,
	}
	if answerable {
		result.Reason = "Answerable from KB: " + reason
	} else {
		result.Reason = "Not answerable from KB: " + reason
		result.ResponseMessage = flaggedResponseMessage
	}
	return result
}

// GetFlagReason 返回问题被标记时的落库理由，未标记返回空串。
func (s *flaggerService) GetFlagReason(ctx context.Context, question string, kbIDs []string) string {
	result := s.CheckQuestion(ctx, question, kbIDs)
	if result.IsFlagged {
		return fmt.Sprintf("Question flagged: %s (method: %s)", result.Reason, result.Method)
	}
	return ""
}

// decide 是核心判定逻辑，返回 (是否可回答, 理由)。
func (s *flaggerService) decide(ctx context.Context, question string, kbIDs []string) (bool, string) {
	if s.llmClient == nil {
		s.recordFallback(ctx, question, "LLM unavailable")
		return true, "LLM unavailable; default allow"
	}

	cacheKey := decisionCacheKey + hashDecisionKey(question, kbIDs)
	if answerable, reason, ok := s.cachedDecision(ctx, cacheKey); ok {
		return answerable, reason
	}

	prompt := s.buildPrompt(ctx, question, kbIDs)

	temperature := s.cfg.Temperature
	if temperature == 0 {
		temperature = 0.3
	}
	maxTokens := s.cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 200
	}

	raw, err := s.llmClient.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}},
		&llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		log.Warnf("标记器 LLM 调用失败: %v", err)
		s.recordFallback(ctx, question, err.Error())
		return true, fmt.Sprintf("LLM failure, allowing question: %v", err)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		s.recordFallback(ctx, question, "empty response")
		return true, "Empty LLM response, allowing question"
	}

	upper := strings.ToUpper(raw)
	switch {
	case strings.HasPrefix(upper, "ALLOW:"):
		reason := strings.TrimSpace(raw[len("ALLOW:"):])
		s.cacheDecision(ctx, cacheKey, true, reason)
		s.resetFallbackStreak(ctx)
		return true, reason
	case strings.HasPrefix(upper, "FLAG:"):
		reason := strings.TrimSpace(raw[len("FLAG:"):])
		s.cacheDecision(ctx, cacheKey, false, reason)
		s.resetFallbackStreak(ctx)
		return false, reason
	}

	// 无法解析的回复同样放行
	s.recordFallback(ctx, question, "unparseable response")
	return true, fmt.Sprintf("Unrecognized LLM response format, allowing: %s", raw)
}

// buildPrompt 组装判定提示词，文档名来自 ES 的尽力检索。
func (s *flaggerService) buildPrompt(ctx context.Context, question string, kbIDs []string) string {
	docContext := "(No document names retrieved)"
	if len(kbIDs) > 0 {
		names, err := es.SearchDocumentNames(ctx, kbIDs, maxDocNames)
		if err != nil {
			log.Warnf("检索文档名失败: %v", err)
		} else if len(names) > 0 {
			docContext = "Available documents: " + strings.Join(names, ", ")
		}
	}

	return fmt.Sprintf(`You are reviewing a question for the knowledge base described below.

Question: %s

Available documents: %s

The knowledge base covers:
%s

Respond with exactly one of these formats:
ALLOW: reason
FLAG: reason

ALLOW if the question can be answered from the knowledge base scope above.
FLAG if the question is about other topics like people, weather, sports, or unrelated subjects.`,
		question, docContext, s.cfg.DomainContext)
}

// hashDecisionKey 把问题与 kb 集合压缩成缓存键。
func hashDecisionKey(question string, kbIDs []string) string {
	h := sha256.New()
	h.Write([]byte(question))
	for _, id := range kbIDs {
		h.Write([]byte("|"))
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cachedDecision 读取缓存过的判定结果。只有明确的 LLM 判定会被缓存。
func (s *flaggerService) cachedDecision(ctx context.Context, key string) (bool, string, bool) {
	if s.rdb == nil {
		return false, "", false
	}
	value, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return false, "", false
	}
	verdict, reason, found := strings.Cut(value, "|")
	if !found {
		return false, "", false
	}
	return verdict == "ALLOW", reason, true
}

func (s *flaggerService) cacheDecision(ctx context.Context, key string, answerable bool, reason string) {
	if s.rdb == nil {
		return
	}
	verdict := "FLAG"
	if answerable {
		verdict = "ALLOW"
	}
	if err := s.rdb.Set(ctx, key, verdict+"|"+reason, decisionCacheTTL).Err(); err != nil {
		log.Warnf("写入标记判定缓存失败: %v", err)
	}
}

// recordFallback 记录一次回退放行。连续回退次数达到阈值时发出
// 降级告警事件：持续故障的分类器会悄无声息地永不标记，必须有人看到。
func (s *flaggerService) recordFallback(ctx context.Context, question, cause string) {
	if s.rdb == nil {
		return
	}
	streak, err := s.rdb.Incr(ctx, fallbackStreakKey).Result()
	if err != nil {
		log.Warnf("更新回退计数失败: %v", err)
		return
	}
	threshold := int64(s.cfg.AlertThreshold)
	if threshold <= 0 {
		threshold = 10
	}
	if streak == threshold {
		if err := kafka.ProduceFlagEvent(kafka.FlagEvent{
			Question:   question,
			FlagReason: fmt.Sprintf("flagger degraded: %d consecutive fallback allows, last cause: %s", streak, cause),
			Degraded:   true,
		}); err != nil {
			log.Warnf("发送标记器降级告警失败: %v", err)
		}
	}
}

func (s *flaggerService) resetFallbackStreak(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, fallbackStreakKey).Err(); err != nil {
		log.Warnf("重置回退计数失败: %v", err)
	}
}
