package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAuditClosed 审计文件已关闭
var ErrAuditClosed = errors.New("audit sink closed")

// FileAuditSink 基于文件的追加式审计记录（JSONL）
type FileAuditSink struct {
	outputPath string
	logger     Logger
	file       *os.File
	mu         sync.Mutex
	entries    []*AuditEntry // 内存索引，用于 Query
}

// NewFileAuditSink 创建文件审计记录器
func NewFileAuditSink(outputPath string, logger Logger) (*FileAuditSink, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log file: %w", err)
	}

	return &FileAuditSink{
		outputPath: outputPath,
		logger:     OrNop(logger),
		file:       f,
		entries:    make([]*AuditEntry, 0),
	}, nil
}

// Append 追加一条审计记录
func (a *FileAuditSink) Append(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.PassportDataID == "" {
		return fmt.Errorf("audit entry requires a passport data id")
	}

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return ErrAuditClosed
	}
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	a.entries = append(a.entries, &stored)

	if stored.Status == "ERROR" || stored.Status == "INVALID" {
		a.logger.Warn("Passive authentication audit",
			"passport_data_id", stored.PassportDataID,
			"step", stored.Step,
			"status", stored.Status,
		)
	}
	return nil
}

// Query 查询审计记录（按写入顺序）
func (a *FileAuditSink) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var results []*AuditEntry
	for _, e := range a.entries {
		if filter.Match(e) {
			results = append(results, e)
		}
	}
	return Page(results, filter.Offset, filter.Limit), nil
}

// Trail 返回某次验证的完整审计轨迹
func (a *FileAuditSink) Trail(ctx context.Context, passportDataID string) ([]*AuditEntry, error) {
	return a.Query(ctx, &AuditFilter{PassportDataID: passportDataID})
}

// Close 关闭审计文件
func (a *FileAuditSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
