package cert

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/pkd-trust/protocol"
)

// Lookup 证书查询端口
// 单值查询在未找到时返回 nil, nil
type Lookup interface {
	FindByID(ctx context.Context, id string) (*Certificate, error)
	FindBySubjectAndSerial(ctx context.Context, subjectDN, serialHex string) (*Certificate, error)
	FindByIssuerAndSerial(ctx context.Context, issuerDN, serialHex string) (*Certificate, error)
	// FindCscaCandidates 返回 subjectDN 等于 issuerDN 的 CSCA；country 为空时不过滤
	FindCscaCandidates(ctx context.Context, issuerDN, country string) ([]*Certificate, error)
	// FindBySubject 返回 subjectDN 匹配的全部证书（用于 DS→DSC 查找）
	FindBySubject(ctx context.Context, subjectDN string) ([]*Certificate, error)
}

// BoundedLookup 限制并发目录查询数，使目录延迟不占用请求准入槽位
type BoundedLookup struct {
	next Lookup
	sem  *semaphore.Weighted
}

// NewBoundedLookup 包装 next，最多 limit 个并发查询
func NewBoundedLookup(next Lookup, limit int) *BoundedLookup {
	if limit <= 0 {
		limit = 1
	}
	return &BoundedLookup{next: next, sem: semaphore.NewWeighted(int64(limit))}
}

func (b *BoundedLookup) acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return protocol.NewInfrastructureError("certificate lookup", err)
	}
	return nil
}

func (b *BoundedLookup) FindByID(ctx context.Context, id string) (*Certificate, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.FindByID(ctx, id)
}

func (b *BoundedLookup) FindBySubjectAndSerial(ctx context.Context, subjectDN, serialHex string) (*Certificate, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.FindBySubjectAndSerial(ctx, subjectDN, serialHex)
}

func (b *BoundedLookup) FindByIssuerAndSerial(ctx context.Context, issuerDN, serialHex string) (*Certificate, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.FindByIssuerAndSerial(ctx, issuerDN, serialHex)
}

func (b *BoundedLookup) FindCscaCandidates(ctx context.Context, issuerDN, country string) ([]*Certificate, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.FindCscaCandidates(ctx, issuerDN, country)
}

func (b *BoundedLookup) FindBySubject(ctx context.Context, subjectDN string) ([]*Certificate, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.next.FindBySubject(ctx, subjectDN)
}
