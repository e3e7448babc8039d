package cert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// Registry 证书注册表（数据库支持），实现 Lookup
type Registry struct {
	db     *gorm.DB
	logger logging.Logger
	mu     sync.RWMutex
}

// CertRecord 数据库证书记录
type CertRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Type         string    `gorm:"index;not null"`
	SubjectDN    string    `gorm:"index;not null"`
	IssuerDN     string    `gorm:"index;not null"`
	SerialNumber string    `gorm:"index;not null"`
	Fingerprint  string    `gorm:"uniqueIndex;not null"`
	CountryCode  string    `gorm:"index"`
	NotBefore    time.Time `gorm:"not null"`
	NotAfter     time.Time `gorm:"not null"`
	RawDER       []byte    `gorm:"not null"`
	CreatedAt    time.Time
}

// TableName 指定表名
func (CertRecord) TableName() string {
	return "certificates"
}

// NewRegistry 创建证书注册表
func NewRegistry(db *gorm.DB, logger logging.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}

	// 自动迁移表结构
	if err := db.AutoMigrate(&CertRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate certificates table: %w", err)
	}

	return &Registry{db: db, logger: logging.OrNop(logger)}, nil
}

func toRecord(c *Certificate) *CertRecord {
	return &CertRecord{
		ID:           c.ID,
		Type:         string(c.Type),
		SubjectDN:    c.SubjectDN,
		IssuerDN:     c.IssuerDN,
		SerialNumber: c.SerialNumber,
		Fingerprint:  c.FingerprintSHA256,
		CountryCode:  c.CountryCode,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		RawDER:       c.RawDER,
	}
}

func fromRecord(r *CertRecord) *Certificate {
	return &Certificate{
		ID:                r.ID,
		Type:              ParseCertType(r.Type),
		SubjectDN:         r.SubjectDN,
		IssuerDN:          r.IssuerDN,
		SerialNumber:      r.SerialNumber,
		FingerprintSHA256: r.Fingerprint,
		CountryCode:       r.CountryCode,
		NotBefore:         r.NotBefore,
		NotAfter:          r.NotAfter,
		RawDER:            r.RawDER,
	}
}

// Save 保存证书；相同指纹已存在时返回已有记录
func (r *Registry) Save(ctx context.Context, c *Certificate) (*Certificate, bool, error) {
	if c == nil {
		return nil, false, errors.New("certificate is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var existing CertRecord
	err := r.db.WithContext(ctx).Where("fingerprint = ?", c.FingerprintSHA256).First(&existing).Error
	if err == nil {
		return fromRecord(&existing), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, protocol.NewInfrastructureError("query certificate", err)
	}

	record := toRecord(c)
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		r.logger.Error("Failed to store certificate", "fingerprint", c.FingerprintSHA256, "error", err)
		return nil, false, protocol.NewInfrastructureError("store certificate", err)
	}

	r.logger.Info("Certificate stored",
		"id", c.ID, "type", c.Type, "subject", c.SubjectDN, "country", c.CountryCode)
	return c, true, nil
}

// Import 解析 DER/PEM 数据并保存全部证书，返回新增数量
func (r *Registry) Import(ctx context.Context, data []byte, role string) ([]*Certificate, int, error) {
	certs, err := ParseAll(data, role)
	if err != nil {
		return nil, 0, err
	}

	stored := make([]*Certificate, 0, len(certs))
	added := 0
	for _, c := range certs {
		saved, created, err := r.Save(ctx, c)
		if err != nil {
			return stored, added, err
		}
		if created {
			added++
		}
		stored = append(stored, saved)
	}
	return stored, added, nil
}

func (r *Registry) first(ctx context.Context, query string, args ...interface{}) (*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var record CertRecord
	err := r.db.WithContext(ctx).Where(query, args...).Order("not_before DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, protocol.NewInfrastructureError("query certificate", err)
	}
	return fromRecord(&record), nil
}

func (r *Registry) find(ctx context.Context, query string, args ...interface{}) ([]*Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []CertRecord
	if err := r.db.WithContext(ctx).Where(query, args...).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, protocol.NewInfrastructureError("query certificates", err)
	}
	out := make([]*Certificate, len(records))
	for i := range records {
		out[i] = fromRecord(&records[i])
	}
	return out, nil
}

// FindByID 按 ID 查询
func (r *Registry) FindByID(ctx context.Context, id string) (*Certificate, error) {
	return r.first(ctx, "id = ?", id)
}

// FindBySubjectAndSerial 按主题与序列号查询
func (r *Registry) FindBySubjectAndSerial(ctx context.Context, subjectDN, serialHex string) (*Certificate, error) {
	return r.first(ctx, "subject_dn = ? AND serial_number = ?", subjectDN, normalizeSerial(serialHex))
}

// FindByIssuerAndSerial 按签发者与序列号查询
func (r *Registry) FindByIssuerAndSerial(ctx context.Context, issuerDN, serialHex string) (*Certificate, error) {
	return r.first(ctx, "issuer_dn = ? AND serial_number = ?", issuerDN, normalizeSerial(serialHex))
}

// FindCscaCandidates 查询候选 CSCA（按入库顺序）
// 未能归类的证书也作为候选返回，由链校验器拒绝
func (r *Registry) FindCscaCandidates(ctx context.Context, issuerDN, country string) ([]*Certificate, error) {
	types := []string{string(TypeCSCA), string(TypeUnknown)}
	if country == "" {
		return r.find(ctx, "type IN ? AND subject_dn = ?", types, issuerDN)
	}
	return r.find(ctx, "type IN ? AND subject_dn = ? AND country_code = ?", types, issuerDN, strings.ToUpper(country))
}

// FindBySubject 按主题查询全部证书
func (r *Registry) FindBySubject(ctx context.Context, subjectDN string) ([]*Certificate, error) {
	return r.find(ctx, "subject_dn = ?", subjectDN)
}

// List 分页列出证书
func (r *Registry) List(ctx context.Context, page, pageSize int, certType CertType) ([]*Certificate, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	scope := func() *gorm.DB {
		q := r.db.WithContext(ctx).Model(&CertRecord{})
		if certType != "" {
			q = q.Where("type = ?", string(certType))
		}
		return q
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count certificates: %w", err)
	}

	var records []CertRecord
	if err := scope().Order("created_at ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list certificates: %w", err)
	}

	out := make([]*Certificate, len(records))
	for i := range records {
		out[i] = fromRecord(&records[i])
	}
	return out, total, nil
}

// normalizeSerial 统一序列号格式（大写、无前导零、无分隔符）
func normalizeSerial(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	s = strings.TrimPrefix(s, "0X")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
