package cert_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/pkd-trust/cert"
)

// memLookup is an in-memory Lookup in insertion order.
type memLookup struct {
	mu    sync.Mutex
	certs []*cert.Certificate
	err   error
	calls int
}

func newMemLookup(certs ...*cert.Certificate) *memLookup {
	return &memLookup{certs: certs}
}

func (m *memLookup) record() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *memLookup) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memLookup) FindByID(ctx context.Context, id string) (*cert.Certificate, error) {
	if err := m.record(); err != nil {
		return nil, err
	}
	for _, c := range m.certs {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memLookup) FindBySubjectAndSerial(ctx context.Context, subjectDN, serial string) (*cert.Certificate, error) {
	if err := m.record(); err != nil {
		return nil, err
	}
	for _, c := range m.certs {
		if c.SubjectDN == subjectDN && strings.EqualFold(c.SerialNumber, serial) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memLookup) FindByIssuerAndSerial(ctx context.Context, issuerDN, serial string) (*cert.Certificate, error) {
	if err := m.record(); err != nil {
		return nil, err
	}
	for _, c := range m.certs {
		if c.IssuerDN == issuerDN && strings.EqualFold(c.SerialNumber, serial) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memLookup) FindCscaCandidates(ctx context.Context, issuerDN, country string) ([]*cert.Certificate, error) {
	if err := m.record(); err != nil {
		return nil, err
	}
	var out []*cert.Certificate
	for _, c := range m.certs {
		if c.Type != cert.TypeCSCA && c.Type != cert.TypeUnknown {
			continue
		}
		if c.SubjectDN == issuerDN && (country == "" || c.CountryCode == country) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memLookup) FindBySubject(ctx context.Context, subjectDN string) ([]*cert.Certificate, error) {
	if err := m.record(); err != nil {
		return nil, err
	}
	var out []*cert.Certificate
	for _, c := range m.certs {
		if c.SubjectDN == subjectDN {
			out = append(out, c)
		}
	}
	return out, nil
}

// blockingLookup tracks the peak number of concurrent calls.
type blockingLookup struct {
	memLookup
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func (b *blockingLookup) FindByID(ctx context.Context, id string) (*cert.Certificate, error) {
	n := b.active.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-b.release
	b.active.Add(-1)
	return nil, nil
}

func TestBoundedLookup_LimitsConcurrency(t *testing.T) {
	inner := &blockingLookup{release: make(chan struct{})}
	bounded := cert.NewBoundedLookup(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = bounded.FindByID(context.Background(), "x")
		}()
	}

	require.Eventually(t, func() bool { return inner.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(inner.release)
	wg.Wait()
	assert.Equal(t, int32(2), inner.peak.Load())
}

func TestBoundedLookup_ContextCancelled(t *testing.T) {
	inner := &blockingLookup{release: make(chan struct{})}
	bounded := cert.NewBoundedLookup(inner, 1)

	go func() { _, _ = bounded.FindByID(context.Background(), "held") }()
	require.Eventually(t, func() bool { return inner.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := bounded.FindCscaCandidates(ctx, "CN=CSCA-KR,C=KR", "KR")
	assert.Error(t, err)
	close(inner.release)
}
