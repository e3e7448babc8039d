package crl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// CRLRecord 目录中的 CRL（每个签发者仅保留最新一份）
type CRLRecord struct {
	IssuerDN    string `gorm:"primaryKey;size:512"`
	CountryCode string `gorm:"index"`
	ThisUpdate  time.Time
	NextUpdate  *time.Time
	RawDER      []byte `gorm:"not null"`
	UpdatedAt   time.Time
}

// TableName 指定表名
func (CRLRecord) TableName() string {
	return "crls"
}

// Registry 数据库支持的 CRL 目录，实现 Lookup
type Registry struct {
	db       *gorm.DB
	logger   logging.Logger
	verifier IssuerVerifier
}

// RegistryOption 配置 Registry
type RegistryOption func(*Registry)

// VerifyIssuerWith 保存前要求 CRL 签名可由目录中的 CSCA 验证
func VerifyIssuerWith(v IssuerVerifier) RegistryOption {
	return func(r *Registry) { r.verifier = v }
}

// NewRegistry 创建 CRL 目录
func NewRegistry(db *gorm.DB, logger logging.Logger, opts ...RegistryOption) (*Registry, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := db.AutoMigrate(&CRLRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate crls table: %w", err)
	}
	r := &Registry{db: db, logger: logging.OrNop(logger)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Save 保存 CRL；已有更新（thisUpdate 更晚）的 CRL 时忽略并返回 false
func (r *Registry) Save(ctx context.Context, list *CertificateRevocationList) (bool, error) {
	if list == nil || len(list.RawDER) == 0 {
		return false, errors.New("CRL with DER encoding is required")
	}
	if r.verifier != nil {
		if err := r.verifier.VerifyCRLIssuer(ctx, list); err != nil {
			r.logger.Warn("CRL rejected", "issuer", list.IssuerDN, "error", err)
			return false, err
		}
	}

	var saved bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing CRLRecord
		err := tx.Where("issuer_dn = ?", list.IssuerDN).First(&existing).Error
		switch {
		case err == nil:
			if !list.ThisUpdate.After(existing.ThisUpdate) {
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		record := &CRLRecord{
			IssuerDN:    list.IssuerDN,
			CountryCode: list.CountryCode,
			ThisUpdate:  list.ThisUpdate,
			NextUpdate:  list.NextUpdate,
			RawDER:      list.RawDER,
		}
		saved = true
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
	})
	if err != nil {
		return false, protocol.NewInfrastructureError("store CRL", err)
	}

	if saved {
		r.logger.Info("CRL stored",
			"issuer", list.IssuerDN, "entries", len(list.Entries), "this_update", list.ThisUpdate)
	}
	return saved, nil
}

// Import 解析并保存 DER/PEM 编码的 CRL
func (r *Registry) Import(ctx context.Context, data []byte) (*CertificateRevocationList, bool, error) {
	list, err := Parse(data)
	if err != nil {
		return nil, false, err
	}
	saved, err := r.Save(ctx, list)
	return list, saved, err
}

// FindByCsca 查询 CSCA 的当前 CRL，未找到时返回 nil, nil
func (r *Registry) FindByCsca(ctx context.Context, cscaSubjectDN, countryCode string) (*CertificateRevocationList, error) {
	query := r.db.WithContext(ctx).Where("issuer_dn = ?", cscaSubjectDN)
	if countryCode != "" {
		query = query.Where("country_code = ?", strings.ToUpper(countryCode))
	}

	var record CRLRecord
	if err := query.First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, protocol.NewInfrastructureError("query CRL", err)
	}
	return Parse(record.RawDER)
}

// CacheRecord 持久化缓存层的一条记录
type CacheRecord struct {
	CacheKey  string `gorm:"primaryKey;size:600"`
	Payload   []byte `gorm:"not null"`
	FetchedAt time.Time
}

// TableName 指定表名
func (CacheRecord) TableName() string {
	return "crl_cache"
}

// DBStore 数据库持久化缓存层，实现 PersistentStore
type DBStore struct {
	db *gorm.DB
}

// NewDBStore 创建数据库缓存层
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if err := db.AutoMigrate(&CacheRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate crl_cache table: %w", err)
	}
	return &DBStore{db: db}, nil
}

// Get 读取缓存条目，未命中返回 nil, nil
func (s *DBStore) Get(ctx context.Context, key Key) (*CacheEntry, error) {
	var record CacheRecord
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key.String()).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, protocol.NewInfrastructureError("read CRL cache", err)
	}
	return UnmarshalEntry(record.Payload)
}

// Put 整体替换缓存条目
func (s *DBStore) Put(ctx context.Context, entry *CacheEntry) error {
	payload, err := MarshalEntry(entry)
	if err != nil {
		return err
	}
	record := &CacheRecord{CacheKey: entry.Key.String(), Payload: payload, FetchedAt: entry.FetchedAt}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error; err != nil {
		return protocol.NewInfrastructureError("write CRL cache", err)
	}
	return nil
}

// Close 无操作；数据库连接由调用方管理
func (s *DBStore) Close() error { return nil }
