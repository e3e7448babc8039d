package bolt_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/houzhh15/pkd-trust/cert/certtest"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/crl/bolt"
	"github.com/houzhh15/pkd-trust/crl/crltest"
)

type testStore struct {
	*bolt.Store
}

func (s *testStore) Prepare(t *testing.T, ctx context.Context) {
	b, err := bolt.New(filepath.Join(t.TempDir(), "crl.db"), &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	s.Store = b
}

func TestStore(t *testing.T) {
	crltest.Run(t, &testStore{}, crltest.Config{})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crl.db")
	csca := certtest.NewCSCA(t, "KR", "CSCA-KR")
	list, err := crl.Parse(csca.IssueCRL(t, 1, time.Now(), time.Time{}))
	require.NoError(t, err)

	s, err := bolt.New(path, nil)
	require.NoError(t, err)
	entry := &crl.CacheEntry{Key: crl.KeyFor(list.IssuerDN), CRL: list, FetchedAt: time.Now()}
	require.NoError(t, s.Put(ctx, entry))
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Close())

	s, err = bolt.New(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, crl.OriginDB, got.Origin)
	assert.Equal(t, list.RawDER, got.CRL.RawDER)
}

func TestStore_BacksCache(t *testing.T) {
	ctx := context.Background()
	s, err := bolt.New(filepath.Join(t.TempDir(), "crl.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	csca := certtest.NewCSCA(t, "KR", "CSCA-KR")
	list, err := crl.Parse(csca.IssueCRL(t, 1, time.Now(), time.Time{}))
	require.NoError(t, err)
	key := crl.KeyFor(list.IssuerDN)
	require.NoError(t, s.Put(ctx, &crl.CacheEntry{Key: key, CRL: list, FetchedAt: time.Now()}))

	c := crl.NewCache(nil, s, nil)
	entry, err := c.Get(ctx, key, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, crl.OriginDB, entry.Origin)
	assert.False(t, entry.Stale)
}
