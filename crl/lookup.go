package crl

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/pkd-trust/protocol"
)

// BoundedLookup caps concurrent directory fetches so that slow CRL
// downloads cannot consume the verification admission pool.
type BoundedLookup struct {
	next Lookup
	sem  *semaphore.Weighted
}

// NewBoundedLookup wraps next with at most limit concurrent fetches.
func NewBoundedLookup(next Lookup, limit int) *BoundedLookup {
	if limit <= 0 {
		limit = 1
	}
	return &BoundedLookup{next: next, sem: semaphore.NewWeighted(int64(limit))}
}

func (b *BoundedLookup) FindByCsca(ctx context.Context, cscaSubjectDN, countryCode string) (*CertificateRevocationList, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, protocol.NewInfrastructureError("crl lookup", err)
	}
	defer b.sem.Release(1)
	return b.next.FindByCsca(ctx, cscaSubjectDN, countryCode)
}
