package logging

import "time"

// AuditEntry 被动认证审计条目
// 每个验证步骤无论结果如何都会写入一条
type AuditEntry struct {
	ID             string                 `json:"id"`
	PassportDataID string                 `json:"passport_data_id"`
	Step           string                 `json:"step"`   // "RECEIVED", "CHAIN_VALIDATION", "SOD_SIGNATURE", "DATA_GROUPS", "COMPLETED"
	Status         string                 `json:"status"` // 步骤结束时的 PassportData 状态
	Timestamp      time.Time              `json:"timestamp"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
}

// AuditFilter 审计日志查询过滤器
type AuditFilter struct {
	PassportDataID string    `json:"passport_data_id,omitempty"`
	Step           string    `json:"step,omitempty"`
	Status         string    `json:"status,omitempty"`
	StartTime      time.Time `json:"start_time,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// Match 检查条目是否匹配过滤条件
func (f *AuditFilter) Match(e *AuditEntry) bool {
	if f == nil {
		return true
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.PassportDataID != "" && e.PassportDataID != f.PassportDataID {
		return false
	}
	if f.Step != "" && e.Step != f.Step {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Page 应用 Offset 与 Limit
func Page[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	if start < 0 {
		start = 0
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
