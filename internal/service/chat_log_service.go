// Package service 实现了应用的核心业务逻辑。
package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ragchat-go/internal/model"
	"ragchat-go/internal/repository"
	"ragchat-go/pkg/log"
	"ragchat-go/pkg/storage"
)

// 客户端输入类错误，由 handler 映射为 4xx 级别的响应。
var (
	ErrInvalidStartDate    = errors.New("invalid start_date format. Use YYYY-MM-DD")
	ErrInvalidEndDate      = errors.New("invalid end_date format. Use YYYY-MM-DD")
	ErrInvalidExportFormat = errors.New("invalid format. Must be 'csv' or 'json'")
	ErrAccessDenied        = errors.New("access denied to conversation logs")
)

const dateLayout = "2006-01-02"

// maxPageLimit 是单次查询允许返回的最大条数。
const maxPageLimit = 200

// archiveURLExpiry 是归档导出下载链接的有效期。
const archiveURLExpiry = 24 * time.Hour

// ListParams 是日志列表查询的入参。
type ListParams struct {
	TenantID  string
	Page      int
	Limit     int
	UserID    string // 为空或 "all" 表示不按用户过滤
	Flag      string // all|flagged|unflagged|inappropriate|out-of-scope
	Search    string
	StartDate string // YYYY-MM-DD，可为空
	EndDate   string
}

// Pagination 描述分页元信息。
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// ListTotals 是列表接口返回的全局统计。
// 它只受租户和用户过滤影响，不随 flag/search/日期筛选变化。
type ListTotals struct {
	TotalChats    int `json:"total_chats"`
	TotalFlagged  int `json:"total_flagged"`
	TotalOutScope int `json:"total_out_scope"`
}

// ListResult 是日志列表查询的出参。
type ListResult struct {
	Logs       []model.ChatLog `json:"logs"`
	Pagination Pagination      `json:"pagination"`
	Totals     ListTotals      `json:"totals"`
}

// Statistics 是日志统计的出参。
type Statistics struct {
	TotalLogs           int     `json:"total_logs"`
	NormalLogs          int     `json:"normal_logs"`
	FlaggedLogs         int     `json:"flagged_logs"`
	FlaggedPercentage   float64 `json:"flagged_percentage"`
	TotalTokensUsed     int     `json:"total_tokens_used"`
	AverageResponseTime float64 `json:"average_response_time"`
}

// JSONExport 是 JSON 格式导出的载荷。
type JSONExport struct {
	Logs            []model.ChatLog `json:"logs"`
	ExportTimestamp string          `json:"export_timestamp"`
	TotalCount      int             `json:"total_count"`
}

// ExportResult 是一次导出的结果，CSV 与 JSON 二选一。
// ArchiveURL 是归档副本的限时下载链接，归档失败时为空。
type ExportResult struct {
	Format     string
	Filename   string
	CSV        []byte
	JSON       *JSONExport
	ArchiveURL string
}

// LogEntryParams 是创建一条聊天日志的入参。
type LogEntryParams struct {
	TenantID       string
	UserID         string
	Question       string
	Response       *string
	DialogID       *string
	ConversationID *string
	IsFlagged      bool
	FlagReason     *string
	KbIDs          []string
	TokensUsed     int
	ResponseTime   float64
	Source         string
	Metadata       map[string]interface{}
}

// ChatLogService 定义了聊天日志的查询、导出与写入操作。
type ChatLogService interface {
	List(params ListParams) (*ListResult, error)
	GetFlaggedLogs(tenantID string, limit int) ([]model.ChatLog, error)
	GetStatistics(tenantID string, startDate, endDate *time.Time) (*Statistics, error)
	GetLogsByUser(userID, tenantID string, limit int) ([]model.ChatLog, error)
	GetLogsByConversation(conversationID, tenantID string) ([]model.ChatLog, error)
	Export(tenantID, logType, startDate, endDate, format string) (*ExportResult, error)
	LogChatMessage(params LogEntryParams) (string, error)
	FlagUnrelatedQuestion(params LogEntryParams) (string, error)
	UpdateResponse(logID, response string, tokensUsed int, responseTime float64) bool
	UpdateWithFlagging(logID, response string, isFlagged bool, flagReason string, responseTime float64, tokensUsed int) bool
	DeleteAllLogs(tenantID string) (int64, error)
}

// chatLogService 是 ChatLogService 接口的实现。
type chatLogService struct {
	repo repository.ChatLogRepository
}

// NewChatLogService 创建一个新的 ChatLogService 实例。
func NewChatLogService(repo repository.ChatLogRepository) ChatLogService {
	return &chatLogService{repo: repo}
}

// parseDateFilter 解析 YYYY-MM-DD 的日期筛选参数。
func parseDateFilter(value string, invalidErr error) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, invalidErr
	}
	return &t, nil
}

// inDateRange 按日历日比较日志时间是否落在 [start, end] 内。
// 只比较各自时区下的日期分量，不转换为同一时刻，避免时区偏移把边界日挤出范围。
func inDateRange(createTime time.Time, start, end *time.Time) bool {
	day := createTime.Format(dateLayout)
	if start != nil && day < start.Format(dateLayout) {
		return false
	}
	if end != nil && day > end.Format(dateLayout) {
		return false
	}
	return true
}

// List 返回分页、筛选后的日志页以及全局统计。
// 统计只在租户（和可选的用户）范围上计算，在 flag/搜索/日期筛选之前，
// 因此切换视图筛选不会改变统计数字。
func (s *chatLogService) List(params ListParams) (*ListResult, error) {
	page := params.Page
	limit := params.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	// 日期参数先行校验，错误立即反馈给客户端
	startDate, err := parseDateFilter(params.StartDate, ErrInvalidStartDate)
	if err != nil {
		return nil, err
	}
	endDate, err := parseDateFilter(params.EndDate, ErrInvalidEndDate)
	if err != nil {
		return nil, err
	}

	totalsFilter := repository.ChatLogFilter{TenantID: params.TenantID}
	filterByUser := params.UserID != "" && params.UserID != "all"
	if filterByUser {
		userID := params.UserID
		totalsFilter.UserID = &userID
	}

	scopeLogs, err := s.repo.Scan(totalsFilter)
	if err != nil {
		return nil, err
	}

	totals := ListTotals{TotalChats: len(scopeLogs)}
	for _, entry := range scopeLogs {
		if entry.IsFlagged {
			totals.TotalFlagged++
		}
		if entry.FlagReason != nil && *entry.FlagReason == model.FlagReasonOutOfScope {
			totals.TotalOutScope++
		}
	}

	// flag 筛选下推到存储层的等值条件
	queryFilter := totalsFilter
	flagged := true
	unflagged := false
	switch params.Flag {
	case "flagged":
		queryFilter.IsFlagged = &flagged
	case "unflagged":
		queryFilter.IsFlagged = &unflagged
	case "inappropriate":
		reason := model.FlagReasonInappropriate
		queryFilter.FlagReason = &reason
	case "out-of-scope":
		reason := model.FlagReasonOutOfScope
		queryFilter.FlagReason = &reason
	}

	logs, err := s.repo.Scan(queryFilter)
	if err != nil {
		return nil, err
	}

	// 搜索在 flag 筛选之后、日期筛选之前应用
	if params.Search != "" {
		searchLower := strings.ToLower(params.Search)
		filtered := logs[:0]
		for _, entry := range logs {
			if strings.Contains(strings.ToLower(entry.Question), searchLower) ||
				(entry.Response != nil && strings.Contains(strings.ToLower(*entry.Response), searchLower)) ||
				strings.Contains(strings.ToLower(entry.UserID), searchLower) {
				filtered = append(filtered, entry)
			}
		}
		logs = filtered
	}

	if startDate != nil || endDate != nil {
		filtered := logs[:0]
		for _, entry := range logs {
			if inDateRange(entry.CreateTime, startDate, endDate) {
				filtered = append(filtered, entry)
			}
		}
		logs = filtered
	}

	total := len(logs)
	offset := (page - 1) * limit
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &ListResult{
		Logs: logs[offset:end],
		Pagination: Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
		Totals: totals,
	}, nil
}

// GetFlaggedLogs 返回最近的被标记日志，最多 limit 条。
func (s *chatLogService) GetFlaggedLogs(tenantID string, limit int) ([]model.ChatLog, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	flagged := true
	return s.repo.Scan(repository.ChatLogFilter{
		TenantID:  tenantID,
		IsFlagged: &flagged,
		Limit:     limit,
	})
}

// GetStatistics 计算指定时间范围内的日志统计，零日志时各比率为 0。
func (s *chatLogService) GetStatistics(tenantID string, startDate, endDate *time.Time) (*Statistics, error) {
	logs, err := s.repo.Scan(repository.ChatLogFilter{TenantID: tenantID})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{}
	var totalResponseTime float64
	for _, entry := range logs {
		if startDate != nil && entry.CreateTime.Before(*startDate) {
			continue
		}
		if endDate != nil && entry.CreateTime.After(*endDate) {
			continue
		}
		stats.TotalLogs++
		if entry.IsFlagged {
			stats.FlaggedLogs++
		}
		stats.TotalTokensUsed += entry.TokensUsed
		totalResponseTime += entry.ResponseTime
	}

	stats.NormalLogs = stats.TotalLogs - stats.FlaggedLogs
	if stats.TotalLogs > 0 {
		stats.FlaggedPercentage = float64(stats.FlaggedLogs) / float64(stats.TotalLogs) * 100
		stats.AverageResponseTime = totalResponseTime / float64(stats.TotalLogs)
	}
	return stats, nil
}

// GetLogsByUser 返回某用户最近的日志，最多 limit 条。
func (s *chatLogService) GetLogsByUser(userID, tenantID string, limit int) ([]model.ChatLog, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return s.repo.Scan(repository.ChatLogFilter{
		TenantID: tenantID,
		UserID:   &userID,
		Limit:    limit,
	})
}

// GetLogsByConversation 返回某会话的日志，按时间升序供回放使用。
// 会话存在但不属于调用方租户时返回 ErrAccessDenied。
func (s *chatLogService) GetLogsByConversation(conversationID, tenantID string) ([]model.ChatLog, error) {
	logs, err := s.repo.Scan(repository.ChatLogFilter{
		ConversationID: &conversationID,
		Ascending:      true,
	})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return logs, nil
	}

	tenantLogs := make([]model.ChatLog, 0, len(logs))
	for _, entry := range logs {
		if entry.TenantID == tenantID {
			tenantLogs = append(tenantLogs, entry)
		}
	}
	if len(tenantLogs) == 0 {
		return nil, ErrAccessDenied
	}
	return tenantLogs, nil
}

// csvColumns 是导出 CSV 的固定列序，消费方按位置解析。
var csvColumns = []string{
	"id", "create_time", "user_id", "question", "response",
	"is_flagged", "log_type", "flag_reason", "source",
	"tokens_used", "response_time", "dialog_id", "conversation_id",
}

// csvRow 将一条日志渲染为一行 CSV，缺失字段渲染为空字符串。
func csvRow(entry model.ChatLog) []string {
	return []string{
		entry.ID,
		model.LocalTime(entry.CreateTime).String(),
		entry.UserID,
		entry.Question,
		entry.ResponseText(),
		strconv.FormatBool(entry.IsFlagged),
		entry.LogType,
		entry.FlagReasonText(),
		entry.Source,
		strconv.Itoa(entry.TokensUsed),
		strconv.FormatFloat(entry.ResponseTime, 'g', -1, 64),
		stringOrEmpty(entry.DialogID),
		stringOrEmpty(entry.ConversationID),
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Export 导出租户日志为 CSV 或 JSON，并尽力归档一份到对象存储。
func (s *chatLogService) Export(tenantID, logType, startDate, endDate, format string) (*ExportResult, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return nil, ErrInvalidExportFormat
	}

	start, err := parseDateFilter(startDate, ErrInvalidStartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDateFilter(endDate, ErrInvalidEndDate)
	if err != nil {
		return nil, err
	}

	filter := repository.ChatLogFilter{TenantID: tenantID}
	if logType != "" {
		filter.LogType = &logType
	}
	logs, err := s.repo.Scan(filter)
	if err != nil {
		return nil, err
	}

	if start != nil || end != nil {
		filtered := logs[:0]
		for _, entry := range logs {
			if inDateRange(entry.CreateTime, start, end) {
				filtered = append(filtered, entry)
			}
		}
		logs = filtered
	}

	now := time.Now()
	if format == "json" {
		payload := &JSONExport{
			Logs:            logs,
			ExportTimestamp: now.Format(time.RFC3339),
			TotalCount:      len(logs),
		}
		objectName := fmt.Sprintf("exports/chat_logs_export_%s.json", now.Format("20060102_150405"))
		result := &ExportResult{Format: "json", JSON: payload}
		if data, err := json.Marshal(payload); err == nil {
			result.ArchiveURL = s.archiveExport(objectName, data, "application/json")
		}
		return result, nil
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvColumns); err != nil {
		return nil, err
	}
	for _, entry := range logs {
		if err := writer.Write(csvRow(entry)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("chat_logs_export_%s.csv", now.Format("20060102_150405"))
	archiveURL := s.archiveExport("exports/"+filename, buf.Bytes(), "text/csv")

	return &ExportResult{
		Format:     "csv",
		Filename:   filename,
		CSV:        buf.Bytes(),
		ArchiveURL: archiveURL,
	}, nil
}

// archiveExport 尽力把导出文件归档到对象存储并返回限时下载链接。
// 失败只记日志并返回空串，不影响本次下载。
func (s *chatLogService) archiveExport(objectName string, data []byte, contentType string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name, err := storage.ArchiveExport(ctx, objectName, data, contentType)
	if err != nil {
		log.Warnf("归档导出文件失败 object=%s: %v", objectName, err)
		return ""
	}
	url, err := storage.PresignedArchiveURL(ctx, name, archiveURLExpiry)
	if err != nil {
		log.Warnf("生成归档下载链接失败 object=%s: %v", name, err)
		return ""
	}
	return url
}

// LogChatMessage 创建一条聊天日志，返回日志 ID。
func (s *chatLogService) LogChatMessage(params LogEntryParams) (string, error) {
	source := params.Source
	if source == "" {
		source = model.SourceCompletion
	}
	entry := &model.ChatLog{
		TenantID:       params.TenantID,
		UserID:         params.UserID,
		Question:       params.Question,
		Response:       params.Response,
		DialogID:       params.DialogID,
		ConversationID: params.ConversationID,
		IsFlagged:      params.IsFlagged,
		FlagReason:     params.FlagReason,
		KbIDs:          params.KbIDs,
		TokensUsed:     params.TokensUsed,
		ResponseTime:   params.ResponseTime,
		Source:         source,
		Metadata:       model.JSONMap(params.Metadata),
	}
	return s.repo.Create(entry)
}

// FlagUnrelatedQuestion 直接记录一条被标记的问题。
// 未给出响应文本时使用固定的拒答话术。
func (s *chatLogService) FlagUnrelatedQuestion(params LogEntryParams) (string, error) {
	if params.Response == nil {
		defaultResponse := "I can't answer this"
		params.Response = &defaultResponse
	}
	params.IsFlagged = true
	params.Source = model.SourceFlagged
	return s.LogChatMessage(params)
}

// UpdateResponse 为已有日志补写响应，不触碰标记字段。
// 返回是否更新成功；失败只记日志，调用方可以继续主流程。
func (s *chatLogService) UpdateResponse(logID, response string, tokensUsed int, responseTime float64) bool {
	ok, err := s.repo.Update(logID, map[string]interface{}{
		"response":      response,
		"tokens_used":   tokensUsed,
		"response_time": responseTime,
	})
	if err != nil {
		log.Warnf("更新日志响应失败 log_id=%s: %v", logID, err)
		return false
	}
	return ok
}

// UpdateWithFlagging 为已有日志写入标记结果与响应。
func (s *chatLogService) UpdateWithFlagging(logID, response string, isFlagged bool, flagReason string, responseTime float64, tokensUsed int) bool {
	fields := map[string]interface{}{
		"response":      response,
		"is_flagged":    isFlagged,
		"response_time": responseTime,
		"tokens_used":   tokensUsed,
	}
	if flagReason != "" {
		fields["flag_reason"] = flagReason
	}
	ok, err := s.repo.Update(logID, fields)
	if err != nil {
		log.Warnf("更新日志标记失败 log_id=%s: %v", logID, err)
		return false
	}
	return ok
}

// DeleteAllLogs 删除租户的全部日志，返回删除条数。
func (s *chatLogService) DeleteAllLogs(tenantID string) (int64, error) {
	return s.repo.DeleteByTenant(tenantID)
}
