package engine

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/pkd-trust/cert/certtest"
	"github.com/houzhh15/pkd-trust/config"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/sod/sodtest"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewLoader().Default()
	cfg.Database.DSN = filepath.Join(dir, "trust.db")
	cfg.CRLCache.Backend = backend
	cfg.CRLCache.BoltPath = filepath.Join(dir, "crl.bolt")
	cfg.Logging.Output = "file"
	cfg.Logging.File = filepath.Join(dir, "engine.log")
	cfg.Logging.AuditFile = filepath.Join(dir, "audit.jsonl")
	cfg.Transport.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func newEngine(t *testing.T, backend string) *Engine {
	t.Helper()
	e, err := New(testConfig(t, backend))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_Backends(t *testing.T) {
	for _, backend := range []string{"db", "bolt", "none"} {
		t.Run(backend, func(t *testing.T) {
			e := newEngine(t, backend)
			assert.Equal(t, backend == "none", e.persistent == nil)
			assert.Equal(t, 8, e.Verifier().Size())
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "db")
	cfg.Verification.MaxChainDepth = 11
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, "db")
	cfg.TLS.MinVersion = "TLS1.0"
	cfg.TLS.CertFile = cfg.Logging.File
	cfg.TLS.KeyFile = cfg.Logging.File
	require.NoError(t, os.WriteFile(cfg.Logging.File, nil, 0600))
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestEngine_VerifyPassport(t *testing.T) {
	e := newEngine(t, "bolt")
	ctx := context.Background()

	csca := certtest.NewCSCA(t, "KR", "CSCA-KR")
	dsc := csca.IssueDSC(t, "DSC-KR-01")
	_, added, err := e.Certificates().Import(ctx, csca.PEM(), "csca")
	require.NoError(t, err)
	require.Equal(t, 1, added)
	_, _, err = e.Certificates().Import(ctx, dsc.PEM(), "dsc")
	require.NoError(t, err)
	_, _, err = e.CRLs().Import(ctx, csca.IssueCRL(t, 1, time.Now().Add(-time.Hour), time.Time{}))
	require.NoError(t, err)

	dgs := map[int][]byte{1: []byte("P<KOR"), 2: []byte{0xFF, 0xD8}}
	built := sodtest.Build(t, sodtest.Options{DataGroups: dgs, Signer: dsc.Key, Certificate: dsc.Cert})

	pd, err := e.Verifier().Verify(ctx, &pa.Request{
		IssuingCountry:  "KOR",
		DocumentNumber:  "M12345678",
		SOD:             built.Bytes,
		DataGroups:      dgs,
		CheckRevocation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, pa.StatusValid, pd.Status)
	require.NotNil(t, pd.Result.Revocation)
	assert.True(t, pd.Result.Revocation.CrlChecked)

	stored, err := e.Passports().FindByID(ctx, pd.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pa.StatusValid, stored.Status)

	trail, err := e.Passports().Trail(ctx, pd.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 5)

	f, err := os.Open(e.config.Logging.AuditFile)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	assert.Equal(t, 5, lines)
}

func TestEngine_CRLImportRequiresIssuer(t *testing.T) {
	e := newEngine(t, "db")
	ctx := context.Background()
	csca := certtest.NewCSCA(t, "KR", "CSCA-KR")
	now := time.Now()

	_, _, err := e.Certificates().Import(ctx, csca.PEM(), "csca")
	require.NoError(t, err)

	forged := certtest.NewCSCA(t, "KR", "CSCA-KR").IssueCRL(t, 1, now, time.Time{})
	_, saved, err := e.CRLs().Import(ctx, forged)
	assert.ErrorIs(t, err, crl.ErrUntrustedIssuer)
	assert.False(t, saved)

	_, saved, err = e.CRLs().Import(ctx, csca.IssueCRL(t, 1, now, time.Time{}))
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestEngine_Handler(t *testing.T) {
	e := newEngine(t, "db")
	rec := httptest.NewRecorder()
	e.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := newEngine(t, "none")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
