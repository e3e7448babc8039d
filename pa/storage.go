package pa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// PassportDataRecord 被动认证结果记录
type PassportDataRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	IssuingCountry string `gorm:"index"`
	DocumentNumber string `gorm:"index"`
	Status         string `gorm:"index;not null"`
	SOD            []byte
	Result         []byte // JSON 编码的 Result
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// TableName 指定表名
func (PassportDataRecord) TableName() string {
	return "passport_data"
}

// AuditRecord 审计记录（只追加）
type AuditRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	PassportDataID string    `gorm:"index;not null"`
	Step           string    `gorm:"index;not null"`
	Status         string    `gorm:"not null"`
	Timestamp      time.Time `gorm:"index"`
	Detail         []byte
	Seq            int64     `gorm:"index"`
}

// TableName 指定表名
func (AuditRecord) TableName() string {
	return "pa_audit"
}

// Store 数据库存储，实现 AuditSink 与 ResultStore
type Store struct {
	db  *gorm.DB
	seq atomic.Int64
}

// NewStore 创建存储并迁移表结构
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := db.AutoMigrate(&PassportDataRecord{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate passive authentication tables: %w", err)
	}
	s := &Store{db: db}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// Append 追加审计条目
func (s *Store) Append(ctx context.Context, entry *logging.AuditEntry) error {
	if entry == nil || entry.PassportDataID == "" {
		return errors.New("audit entry requires a passport data id")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var detail []byte
	if len(entry.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(entry.Detail); err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}

	rec := &AuditRecord{
		ID:             id,
		PassportDataID: entry.PassportDataID,
		Step:           entry.Step,
		Status:         entry.Status,
		Timestamp:      ts,
		Detail:         detail,
		Seq:            s.seq.Add(1),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return protocol.NewInfrastructureError("append audit entry", err)
	}
	return nil
}

func fromAuditRecord(r *AuditRecord) (*logging.AuditEntry, error) {
	e := &logging.AuditEntry{
		ID:             r.ID,
		PassportDataID: r.PassportDataID,
		Step:           r.Step,
		Status:         r.Status,
		Timestamp:      r.Timestamp,
	}
	if len(r.Detail) > 0 {
		if err := json.Unmarshal(r.Detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return e, nil
}

// Query 按过滤条件查询审计条目（按写入顺序）
func (s *Store) Query(ctx context.Context, filter *logging.AuditFilter) ([]*logging.AuditEntry, error) {
	q := s.db.WithContext(ctx).Model(&AuditRecord{})
	if filter != nil {
		if filter.PassportDataID != "" {
			q = q.Where("passport_data_id = ?", filter.PassportDataID)
		}
		if filter.Step != "" {
			q = q.Where("step = ?", filter.Step)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if !filter.StartTime.IsZero() {
			q = q.Where("timestamp >= ?", filter.StartTime)
		}
		if !filter.EndTime.IsZero() {
			q = q.Where("timestamp <= ?", filter.EndTime)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
	}

	var records []AuditRecord
	if err := q.Order("seq ASC").Find(&records).Error; err != nil {
		return nil, protocol.NewInfrastructureError("query audit entries", err)
	}
	out := make([]*logging.AuditEntry, 0, len(records))
	for i := range records {
		e, err := fromAuditRecord(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Trail 返回一次验证的全部审计条目
func (s *Store) Trail(ctx context.Context, passportDataID string) ([]*logging.AuditEntry, error) {
	return s.Query(ctx, &logging.AuditFilter{PassportDataID: passportDataID})
}

// SavePassportData 保存（或更新）验证结果
func (s *Store) SavePassportData(ctx context.Context, pd *PassportData) error {
	if pd == nil {
		return errors.New("passport data is required")
	}
	result, err := json.Marshal(pd.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	rec := &PassportDataRecord{
		ID:             pd.ID,
		IssuingCountry: pd.IssuingCountry,
		DocumentNumber: pd.DocumentNumber,
		Status:         string(pd.Status),
		SOD:            pd.SOD,
		Result:         result,
		StartedAt:      pd.StartedAt,
		CompletedAt:    pd.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return protocol.NewInfrastructureError("store passport data", err)
	}
	return nil
}

// FindByID 查询验证结果，未找到时返回 nil, nil
func (s *Store) FindByID(ctx context.Context, id string) (*PassportData, error) {
	var rec PassportDataRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, protocol.NewInfrastructureError("query passport data", err)
	}

	pd := &PassportData{
		ID:             rec.ID,
		IssuingCountry: rec.IssuingCountry,
		DocumentNumber: rec.DocumentNumber,
		SOD:            rec.SOD,
		Status:         Status(rec.Status),
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
	}
	if len(rec.Result) > 0 {
		pd.Result = &Result{}
		if err := json.Unmarshal(rec.Result, pd.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return pd, nil
}
