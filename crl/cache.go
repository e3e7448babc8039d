package crl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// ErrNotFound means the directory holds no CRL for the requested CSCA.
var ErrNotFound = errors.New("crl not found")

// ErrFetchTimeout means the live fetch did not finish within its timeout.
var ErrFetchTimeout = errors.New("crl fetch timed out")

// Lookup is the directory port CRLs are fetched from live.
// A nil list with a nil error means not found.
type Lookup interface {
	FindByCsca(ctx context.Context, cscaSubjectDN, countryCode string) (*CertificateRevocationList, error)
}

// PersistentStore is the second cache tier. Get returns nil, nil on a miss.
type PersistentStore interface {
	Get(ctx context.Context, key Key) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
}

// Origin is the tier a cache entry was served from.
type Origin string

const (
	OriginMemory Origin = "memory"
	OriginDB     Origin = "db"
	OriginLDAP   Origin = "ldap"
)

// Key identifies a cache entry.
type Key struct {
	IssuerDN    string `json:"issuerDn"`
	CountryCode string `json:"countryCode"`
}

// KeyFor builds the key for an issuer DN, deriving the country from the DN.
func KeyFor(issuerDN string) Key {
	return Key{IssuerDN: issuerDN, CountryCode: CountryFromDN(issuerDN)}
}

func (k Key) String() string {
	return strings.ToUpper(k.CountryCode) + "|" + k.IssuerDN
}

// CacheEntry is replaced wholesale on refresh.
type CacheEntry struct {
	Key       Key                        `json:"key"`
	CRL       *CertificateRevocationList `json:"crl"`
	FetchedAt time.Time                  `json:"fetchedAt"`
	Origin    Origin                     `json:"origin"`
	Stale     bool                       `json:"stale"`
}

func (e *CacheEntry) servedFrom(origin Origin, now time.Time) *CacheEntry {
	out := *e
	out.Origin = origin
	out.Stale = e.CRL.IsStale(now)
	return &out
}

// Cache is the memory -> persistent -> live lookup chain.
type Cache struct {
	memory     *cache.Cache
	persistent PersistentStore
	source     Lookup
	group      singleflight.Group
	verifier   IssuerVerifier
	logger     logging.Logger
	now        func() time.Time
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithIssuerVerifier rejects live-fetched CRLs whose signature v cannot
// verify. A rejected CRL is never cached.
func WithIssuerVerifier(v IssuerVerifier) CacheOption {
	return func(c *Cache) { c.verifier = v }
}

// NewCache builds a cache. persistent may be nil.
func NewCache(source Lookup, persistent PersistentStore, logger logging.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		memory:     cache.New(cache.NoExpiration, 0),
		persistent: persistent,
		source:     source,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get resolves the CRL for key. A stale entry triggers a refresh; if the
// refresh fails the stale entry is returned with Stale set.
func (c *Cache) Get(ctx context.Context, key Key, forceFresh bool, timeout time.Duration) (*CacheEntry, error) {
	now := c.now()
	var stale *CacheEntry

	if !forceFresh {
		if v, ok := c.memory.Get(key.String()); ok {
			entry := v.(*CacheEntry).servedFrom(OriginMemory, now)
			recordLookup(OriginMemory, entry.Stale)
			if !entry.Stale {
				return entry, nil
			}
			stale = entry
		} else if c.persistent != nil {
			entry, err := c.persistent.Get(ctx, key)
			switch {
			case err != nil:
				c.logger.Warn("CRL persistent cache read failed", "issuer", key.IssuerDN, "error", err)
			case entry != nil && entry.CRL != nil:
				c.memory.Set(key.String(), entry, cache.NoExpiration)
				served := entry.servedFrom(OriginDB, now)
				recordLookup(OriginDB, served.Stale)
				if !served.Stale {
					return served, nil
				}
				stale = served
			}
		}
	}

	fresh, err := c.fetch(ctx, key, timeout)
	if err != nil {
		if stale != nil {
			c.logger.Warn("CRL refresh failed, serving stale entry",
				"issuer", key.IssuerDN, "next_update", stale.CRL.NextUpdate, "error", err)
			return stale, nil
		}
		return nil, err
	}
	return fresh.servedFrom(OriginLDAP, c.now()), nil
}

// fetch coalesces concurrent misses for key into one directory read. The
// shared read is detached from the caller that started it and bounded by
// MaxTimeoutSeconds; each caller waits only for its own timeout.
func (c *Cache) fetch(ctx context.Context, key Key, timeout time.Duration) (*CacheEntry, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		start := time.Now()
		list, err := c.fetchWithTimeout(shared, key, MaxTimeoutSeconds*time.Second)
		if err == nil && c.verifier != nil {
			if verr := c.verifier.VerifyCRLIssuer(shared, list); verr != nil {
				err = protocol.NewInfrastructureError("crl fetch", verr)
			}
		}
		observeFetch(time.Since(start), err)
		if err != nil {
			return nil, err
		}

		entry := &CacheEntry{Key: key, CRL: list, FetchedAt: c.now(), Origin: OriginLDAP}
		if c.persistent != nil {
			if err := c.persistent.Put(shared, entry); err != nil {
				c.logger.Warn("CRL persistent cache write failed", "issuer", key.IssuerDN, "error", err)
			}
		}
		c.memory.Set(key.String(), entry, cache.NoExpiration)
		c.logger.Debug("CRL fetched", "issuer", key.IssuerDN, "entries", len(list.Entries))
		return entry, nil
	})

	wait := time.NewTimer(timeout)
	defer wait.Stop()
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*CacheEntry), nil
	case <-wait.C:
		return nil, protocol.NewInfrastructureError("crl fetch", fmt.Errorf("%w after %s", ErrFetchTimeout, timeout))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewInfrastructureError("crl fetch", fmt.Errorf("%w: %v", ErrFetchTimeout, ctx.Err()))
		}
		return nil, protocol.NewInfrastructureError("crl fetch", ctx.Err())
	}
}

func (c *Cache) fetchWithTimeout(ctx context.Context, key Key, timeout time.Duration) (*CertificateRevocationList, error) {
	if c.source == nil {
		return nil, protocol.NewInfrastructureError("crl fetch", errors.New("no CRL source configured"))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		list *CertificateRevocationList
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		list, err := c.source.FindByCsca(fetchCtx, key.IssuerDN, key.CountryCode)
		ch <- result{list, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && fetchCtx.Err() != nil {
				return nil, protocol.NewInfrastructureError("crl fetch", fmt.Errorf("%w after %s: %v", ErrFetchTimeout, timeout, r.err))
			}
			return nil, protocol.NewInfrastructureError("crl fetch", r.err)
		}
		if r.list == nil {
			return nil, protocol.NewInfrastructureError("crl fetch", fmt.Errorf("%w: %s", ErrNotFound, key.IssuerDN))
		}
		return r.list, nil
	case <-fetchCtx.Done():
		return nil, protocol.NewInfrastructureError("crl fetch", fmt.Errorf("%w after %s: %v", ErrFetchTimeout, timeout, fetchCtx.Err()))
	}
}

// ClearMemoryCache drops every memory-tier entry. The persistent tier is
// left untouched.
func (c *Cache) ClearMemoryCache() {
	c.memory.Flush()
	c.logger.Info("CRL memory cache cleared")
}

// Len is the number of memory-tier entries.
func (c *Cache) Len() int {
	return c.memory.ItemCount()
}
