package pa_test

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/cert/certtest"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/protocol"
	"github.com/houzhh15/pkd-trust/sod"
	"github.com/houzhh15/pkd-trust/sod/sodtest"
)

var (
	dg1 = []byte("P<KORHONG<<GILDONG<<<<<<<<<<<<<<<<<<<<<<<<<<M123456784KOR8001014M3001012<<<<<<<<<<<<<<06")
	dg2 = bytes.Repeat([]byte{0xFF, 0xD8, 0xFF, 0xE0}, 256)
)

func dataGroups() map[int][]byte {
	return map[int][]byte{1: dg1, 2: dg2}
}

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type harness struct {
	certs *cert.Registry
	crls  *crl.Registry
	store *pa.Store
	orch  *pa.Orchestrator

	csca *certtest.Authority
	dsc  *certtest.Authority
}

// newHarness wires an orchestrator over sqlite with a KR CSCA and DSC,
// importing each into the registry on request.
func newHarness(t *testing.T, opts pa.Options, importCSCA, importDSC bool) *harness {
	t.Helper()
	ctx := context.Background()
	db := setupTestDB(t)

	certs, err := cert.NewRegistry(db, nil)
	require.NoError(t, err)
	crls, err := crl.NewRegistry(db, nil)
	require.NoError(t, err)
	cacheStore, err := crl.NewDBStore(db)
	require.NoError(t, err)
	store, err := pa.NewStore(db)
	require.NoError(t, err)

	checker := crl.NewChecker(crl.NewCache(crls, cacheStore, nil), nil)
	chain := cert.NewChainVerifier(certs, checker, nil)
	orch := pa.NewOrchestrator(certs, chain, sod.NewProcessor(nil), store, nil, opts, pa.WithResultStore(store))

	h := &harness{certs: certs, crls: crls, store: store, orch: orch}
	h.csca = certtest.NewCSCA(t, "KR", "CSCA-KR")
	h.dsc = h.csca.IssueDSC(t, "DSC-KR-01")
	if importCSCA {
		_, _, err = certs.Import(ctx, h.csca.PEM(), "csca")
		require.NoError(t, err)
	}
	if importDSC {
		_, _, err = certs.Import(ctx, h.dsc.PEM(), "dsc")
		require.NoError(t, err)
	}
	return h
}

func (h *harness) sod(t *testing.T, mutate ...func(*sodtest.Options)) *sodtest.SOD {
	o := sodtest.Options{
		DataGroups:  dataGroups(),
		Signer:      h.dsc.Key,
		Certificate: h.dsc.Cert,
	}
	for _, fn := range mutate {
		fn(&o)
	}
	return sodtest.Build(t, o)
}

func request(sodBytes []byte, dgs map[int][]byte) *pa.Request {
	return &pa.Request{
		IssuingCountry: "KOR",
		DocumentNumber: "M12345678",
		SOD:            sodBytes,
		DataGroups:     dgs,
	}
}

func codes(res *pa.Result) []protocol.ErrorCode {
	out := make([]protocol.ErrorCode, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestOrchestrator_ValidPassport(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)
	ctx := context.Background()

	var events []pa.Status
	req := request(h.sod(t).Bytes, dataGroups())
	req.OnProgress = func(e pa.Event) { events = append(events, e.Status) }

	pd, err := h.orch.Verify(ctx, req)
	require.NoError(t, err)

	res := pd.Result
	assert.Equal(t, pa.StatusValid, pd.Status)
	assert.Equal(t, pa.StatusValid, res.Status)
	assert.Empty(t, res.Errors)
	assert.True(t, res.CertificateChainValid)
	assert.True(t, res.SodSignatureValid)
	assert.Equal(t, 2, res.TotalDataGroups)
	assert.Equal(t, 2, res.ValidDataGroups)
	assert.Equal(t, 0, res.InvalidDataGroups)
	assert.Equal(t, pa.DscFromSigner, res.DscSource)
	assert.Equal(t, "SHA-256", res.HashAlgorithm)
	require.NotNil(t, pd.CompletedAt)

	require.Len(t, res.DataGroups, 2)
	assert.Equal(t, 1, res.DataGroups[0].Number)
	assert.Equal(t, res.DataGroups[0].ExpectedHash, res.DataGroups[0].ActualHash)

	assert.Equal(t, []pa.Status{
		pa.StatusReceived, pa.StatusChainValidating, pa.StatusSodVerifying, pa.StatusDgVerifying, pa.StatusValid,
	}, events)

	trail, err := h.store.Trail(ctx, pd.ID)
	require.NoError(t, err)
	steps := make([]string, len(trail))
	for i, e := range trail {
		steps[i] = e.Step
	}
	assert.Equal(t, []string{
		pa.StepReceived, pa.StepChainValidation, pa.StepSodSignature, pa.StepDataGroups, pa.StepCompleted,
	}, steps)
	assert.Equal(t, string(pa.StatusValid), trail[len(trail)-1].Status)

	saved, err := h.store.FindByID(ctx, pd.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, pa.StatusValid, saved.Status)
	assert.Equal(t, 2, saved.Result.ValidDataGroups)
}

func TestOrchestrator_TamperedDataGroup(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)

	tampered := dataGroups()
	tampered[2] = append([]byte{0x00}, dg2[1:]...)

	pd, err := h.orch.Verify(context.Background(), request(h.sod(t).Bytes, tampered))
	require.NoError(t, err)

	res := pd.Result
	assert.Equal(t, pa.StatusInvalid, pd.Status)
	assert.True(t, res.CertificateChainValid)
	assert.True(t, res.SodSignatureValid)
	assert.Equal(t, 1, res.ValidDataGroups)
	assert.Equal(t, 1, res.InvalidDataGroups)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, protocol.CodeDgHashMismatch, res.Errors[0].Code)
	assert.Equal(t, "DG2", res.Errors[0].Context["dataGroup"])
	assert.NotEqual(t, res.DataGroups[1].ExpectedHash, res.DataGroups[1].ActualHash)
}

func TestOrchestrator_UnknownCSCA(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), false, false)

	pd, err := h.orch.Verify(context.Background(), request(h.sod(t).Bytes, dataGroups()))
	require.NoError(t, err)

	res := pd.Result
	assert.Equal(t, pa.StatusInvalid, pd.Status)
	assert.False(t, res.CertificateChainValid)
	assert.Contains(t, codes(res), protocol.CodeChainNotFound)
	// the embedded DSC still verifies the SOD and the data groups
	assert.Equal(t, pa.DscFromEmbedded, res.DscSource)
	assert.True(t, res.SodSignatureValid)
	assert.Equal(t, 2, res.ValidDataGroups)
}

func TestOrchestrator_NoDSCAvailable(t *testing.T) {
	opts := pa.DefaultOptions()
	opts.AllowEmbeddedDSC = false
	h := newHarness(t, opts, true, false)

	pd, err := h.orch.Verify(context.Background(), request(h.sod(t).Bytes, dataGroups()))
	require.NoError(t, err)

	res := pd.Result
	assert.Equal(t, pa.StatusInvalid, pd.Status)
	assert.False(t, res.CertificateChainValid)
	assert.False(t, res.SodSignatureValid)
	assert.Equal(t, []protocol.ErrorCode{protocol.CodeChainNotFound, protocol.CodeSodSignatureInvalid}, codes(res))
	// data groups are still checked against the SOD
	assert.Equal(t, 2, res.TotalDataGroups)
	assert.Equal(t, 2, res.ValidDataGroups)
}

func TestOrchestrator_RequestedDSC(t *testing.T) {
	t.Run("resolved from the request", func(t *testing.T) {
		h := newHarness(t, pa.DefaultOptions(), true, true)
		req := request(h.sod(t).Bytes, dataGroups())
		req.DscSubjectDN = h.dsc.Cert.Subject.String()
		req.DscSerialNumber = crl.SerialHex(h.dsc.Cert.SerialNumber)

		pd, err := h.orch.Verify(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pa.StatusValid, pd.Status)
		assert.Equal(t, pa.DscFromRequest, pd.Result.DscSource)
	})

	t.Run("embedded signer differs", func(t *testing.T) {
		h := newHarness(t, pa.DefaultOptions(), true, false)
		req := request(h.sod(t).Bytes, dataGroups())
		req.DscSubjectDN = "CN=Other DSC,C=KR"
		req.DscSerialNumber = "01"

		pd, err := h.orch.Verify(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pa.StatusInvalid, pd.Status)
		assert.Contains(t, codes(pd.Result), protocol.CodeDscMismatch)
		assert.Contains(t, codes(pd.Result), protocol.CodeChainNotFound)
	})

	t.Run("stored signer differs", func(t *testing.T) {
		h := newHarness(t, pa.DefaultOptions(), true, true)
		req := request(h.sod(t).Bytes, dataGroups())
		req.DscSubjectDN = "CN=Other DSC,C=KR"
		req.DscSerialNumber = "01"

		pd, err := h.orch.Verify(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, pa.StatusInvalid, pd.Status)
		assert.Empty(t, pd.Result.DscSource, "the SOD signer is not the requested DSC")

		var mismatches int
		for _, code := range codes(pd.Result) {
			if code == protocol.CodeDscMismatch {
				mismatches++
			}
		}
		assert.Equal(t, 1, mismatches)
		assert.Contains(t, codes(pd.Result), protocol.CodeChainNotFound)
	})
}

func TestOrchestrator_RevokedDSC(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)
	ctx := context.Background()

	now := time.Now()
	_, _, err := h.crls.Import(ctx, h.csca.IssueCRL(t, 1, now.Add(-time.Hour), time.Time{},
		certtest.Revoked(h.dsc.Cert.SerialNumber, now.Add(-30*time.Minute), 1)))
	require.NoError(t, err)

	req := request(h.sod(t).Bytes, dataGroups())
	req.CheckRevocation = true
	pd, err := h.orch.Verify(ctx, req)
	require.NoError(t, err)

	res := pd.Result
	assert.Equal(t, pa.StatusInvalid, pd.Status)
	assert.False(t, res.CertificateChainValid)
	assert.True(t, res.SodSignatureValid)
	assert.Contains(t, codes(res), protocol.CodeCertificateRevoked)
	require.NotNil(t, res.Revocation)
	assert.True(t, res.Revocation.Revoked)
	assert.True(t, res.Revocation.CrlChecked)
}

func TestOrchestrator_NotRevoked(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)

	// another serial on the CRL
	now := time.Now()
	_, _, err := h.crls.Import(context.Background(), h.csca.IssueCRL(t, 1, now.Add(-time.Hour), time.Time{},
		certtest.Revoked(big.NewInt(0x7777), now.Add(-30*time.Minute), 1)))
	require.NoError(t, err)

	req := request(h.sod(t).Bytes, dataGroups())
	req.CheckRevocation = true
	pd, err := h.orch.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, pa.StatusValid, pd.Status)
	assert.True(t, pd.Result.Revocation.CrlChecked)
	assert.False(t, pd.Result.Revocation.Revoked)
}

func TestOrchestrator_FlippedSignature(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)

	built := h.sod(t)
	start, _ := built.SignatureRange()
	corrupt := append([]byte(nil), built.Bytes...)
	corrupt[start] ^= 0xFF

	pd, err := h.orch.Verify(context.Background(), request(corrupt, dataGroups()))
	require.NoError(t, err)

	res := pd.Result
	assert.NotEqual(t, pa.StatusValid, pd.Status)
	assert.False(t, res.SodSignatureValid)
	assert.True(t, res.CertificateChainValid)
	assert.Contains(t, codes(res), protocol.CodeSodSignatureInvalid)
}

func TestOrchestrator_MalformedSOD(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)
	ctx := context.Background()

	var events []pa.Status
	req := request([]byte{0x77, 0x03, 0x04, 0x01, 0x00}, dataGroups())
	req.OnProgress = func(e pa.Event) { events = append(events, e.Status) }

	pd, err := h.orch.Verify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, pa.StatusError, pd.Status)
	assert.Equal(t, []protocol.ErrorCode{protocol.CodeSodParseError}, codes(pd.Result))
	assert.NotNil(t, pd.CompletedAt)
	assert.Equal(t, pa.StatusError, events[len(events)-1])

	trail, err := h.store.Trail(ctx, pd.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, pa.StepChainValidation, trail[1].Step)
	assert.Equal(t, string(pa.StatusError), trail[1].Status)
}

func TestOrchestrator_DataGroupEdgeCases(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)
	built := h.sod(t)

	t.Run("no data groups supplied", func(t *testing.T) {
		pd, err := h.orch.Verify(context.Background(), request(built.Bytes, nil))
		require.NoError(t, err)
		assert.Equal(t, pa.StatusInvalid, pd.Status)
		assert.Equal(t, 0, pd.Result.TotalDataGroups)
		assert.Equal(t, []protocol.ErrorCode{protocol.CodeInvalidRequest}, codes(pd.Result))
	})

	t.Run("data group absent from SOD", func(t *testing.T) {
		dgs := dataGroups()
		dgs[3] = []byte("fingerprints")
		pd, err := h.orch.Verify(context.Background(), request(built.Bytes, dgs))
		require.NoError(t, err)
		assert.Equal(t, pa.StatusInvalid, pd.Status)
		assert.Equal(t, 3, pd.Result.TotalDataGroups)
		assert.Equal(t, 1, pd.Result.InvalidDataGroups)
		assert.Equal(t, []protocol.ErrorCode{protocol.CodeDgHashMissing}, codes(pd.Result))
		assert.Equal(t, "DG3", pd.Result.Errors[0].Context["dataGroup"])
	})

	t.Run("subset of data groups", func(t *testing.T) {
		pd, err := h.orch.Verify(context.Background(), request(built.Bytes, map[int][]byte{1: dg1}))
		require.NoError(t, err)
		assert.Equal(t, pa.StatusValid, pd.Status)
		assert.Equal(t, 1, pd.Result.TotalDataGroups)
	})
}

func TestOrchestrator_NilRequest(t *testing.T) {
	h := newHarness(t, pa.DefaultOptions(), true, true)
	_, err := h.orch.Verify(context.Background(), nil)
	assert.Error(t, err)
}
