// Package crltest is a conformance suite for crl.PersistentStore
// implementations.
package crltest

import (
	"context"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/houzhh15/pkd-trust/cert/certtest"
	"github.com/houzhh15/pkd-trust/crl"
)

// DefaultTimeout bounds each subtest.
var DefaultTimeout = 5 * time.Second

// TestableStore extends crl.PersistentStore with what the suite needs.
type TestableStore interface {
	crl.PersistentStore
	// Prepare resets the store so that it is empty.
	Prepare(*testing.T, context.Context)
	Close() error
}

// Config holds the suite configuration.
type Config struct {
	Timeout time.Duration
}

// InitDefaults initializes the default values for the config.
func (cfg *Config) InitDefaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
}

// Run exercises store. Every implementation should have one test calling it.
func Run(t *testing.T, store TestableStore, cfg Config) {
	cfg.InitDefaults()
	tests := map[string]func(*testing.T, context.Context, crl.PersistentStore){
		"miss":          testMiss,
		"round trip":    testRoundTrip,
		"replace":       testReplace,
		"key isolation": testKeyIsolation,
		"reject empty":  testRejectEmpty,
	}
	for name, test := range tests {
		t.Run("Store: "+name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancel()
			store.Prepare(t, ctx)
			test(t, ctx, store)
			store.Close()
		})
	}
}

func revoked(at time.Time, serials ...int64) []x509.RevocationListEntry {
	out := make([]x509.RevocationListEntry, len(serials))
	for i, n := range serials {
		out[i] = certtest.Revoked(big.NewInt(n), at.Add(-time.Hour), 1)
	}
	return out
}

func entryFor(t *testing.T, der []byte, fetchedAt time.Time) *crl.CacheEntry {
	t.Helper()
	list, err := crl.Parse(der)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return &crl.CacheEntry{
		Key:       crl.KeyFor(list.IssuerDN),
		CRL:       list,
		FetchedAt: fetchedAt,
		Origin:    crl.OriginLDAP,
	}
}

func fixture(t *testing.T, country string, serials ...int64) (*crl.CacheEntry, *certtest.Authority) {
	t.Helper()
	csca := certtest.NewCSCA(t, country, "CSCA-"+country)
	now := time.Now().UTC().Truncate(time.Second)
	der := csca.IssueCRL(t, 1, now, time.Time{}, revoked(now, serials...)...)
	return entryFor(t, der, now), csca
}

func testMiss(t *testing.T, ctx context.Context, store crl.PersistentStore) {
	got, err := store.Get(ctx, crl.Key{IssuerDN: "CN=nobody,C=ZZ", CountryCode: "ZZ"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get should return nil on a miss, got %v", got)
	}
}

func testRoundTrip(t *testing.T, ctx context.Context, store crl.PersistentStore) {
	in, _ := fixture(t, "KR", 0x10, 0x20)
	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	out, err := store.Get(ctx, in.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out == nil {
		t.Fatal("Get should return the stored entry")
	}
	if diff := cmp.Diff(in.Key, out.Key); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}
	if !out.FetchedAt.Equal(in.FetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", out.FetchedAt, in.FetchedAt)
	}
	if diff := cmp.Diff(in.CRL.Entries, out.CRL.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if _, ok := out.CRL.Find(big.NewInt(0x20)); !ok {
		t.Error("restored CRL should index serial 20")
	}
}

func testReplace(t *testing.T, ctx context.Context, store crl.PersistentStore) {
	first, csca := fixture(t, "KR", 0x10)
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	later := first.FetchedAt.Add(time.Hour)
	second := entryFor(t, csca.IssueCRL(t, 2, later, time.Time{}, revoked(later, 0x30)...), later)
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	out, err := store.Get(ctx, first.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := out.CRL.Find(big.NewInt(0x10)); ok {
		t.Error("replaced entry should not contain serial 10")
	}
	if _, ok := out.CRL.Find(big.NewInt(0x30)); !ok {
		t.Error("replaced entry should contain serial 30")
	}
}

func testKeyIsolation(t *testing.T, ctx context.Context, store crl.PersistentStore) {
	kr, _ := fixture(t, "KR", 0x10)
	de, _ := fixture(t, "DE", 0x11)
	for _, e := range []*crl.CacheEntry{kr, de} {
		if err := store.Put(ctx, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	other := kr.Key
	other.CountryCode = "DE"
	got, err := store.Get(ctx, other)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("country is part of the key")
	}

	got, err = store.Get(ctx, de.Key)
	if err != nil || got == nil {
		t.Fatalf("Get(%v) = %v, %v", de.Key, got, err)
	}
	if _, ok := got.CRL.Find(big.NewInt(0x11)); !ok {
		t.Error("DE entry should contain serial 11")
	}
}

func testRejectEmpty(t *testing.T, ctx context.Context, store crl.PersistentStore) {
	e, _ := fixture(t, "KR")
	e.CRL = &crl.CertificateRevocationList{IssuerDN: e.Key.IssuerDN}
	if err := store.Put(ctx, e); err == nil {
		t.Error("Put should reject a CRL without DER")
	}
}
