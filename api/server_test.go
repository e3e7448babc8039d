package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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
	"github.com/houzhh15/pkd-trust/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *Server
	certs  *cert.Registry
	cache  *crl.Cache
	events transport.EventStream
	csca   *certtest.Authority
	dsc    *certtest.Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	certs, err := cert.NewRegistry(db, nil)
	require.NoError(t, err)
	crls, err := crl.NewRegistry(db, nil, crl.VerifyIssuerWith(cert.NewCRLIssuerVerifier(certs)))
	require.NoError(t, err)
	passports, err := pa.NewStore(db)
	require.NoError(t, err)

	cache := crl.NewCache(crls, nil, nil)
	chain := cert.NewChainVerifier(certs, crl.NewChecker(cache, nil), nil)
	orch := pa.NewOrchestrator(certs, chain, sod.NewProcessor(nil), passports, nil, pa.DefaultOptions(),
		pa.WithResultStore(passports))
	events := transport.NewSSEServer(nil, time.Second)
	t.Cleanup(func() { _ = events.Stop() })

	server := NewServer(&Config{Addr: "127.0.0.1:0"}, Deps{
		Certificates: certs,
		CRLs:         crls,
		Chain:        chain,
		Verifier:     pa.NewPool(orch, 2, nil),
		Passports:    passports,
		CRLCache:     cache,
		Events:       events,
	}, nil)

	f := &fixture{server: server, certs: certs, cache: cache, events: events}
	f.csca = certtest.NewCSCA(t, "KR", "CSCA-KR")
	f.dsc = f.csca.IssueDSC(t, "DSC-KR-01")
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(body) > 0 && body[0] == '{' {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) importPEM(t *testing.T, a *certtest.Authority, role string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/certificates?role="+role, a.PEM())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Added        int                 `json:"added"`
		Certificates []*cert.Certificate `json:"certificates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Certificates, 1)
	return out.Certificates[0].ID
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *protocol.Error {
	t.Helper()
	var out protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, out.Error)
	return out.Error
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pkd_http_requests_total")
}

func TestCertificates(t *testing.T) {
	f := newFixture(t)
	cscaID := f.importPEM(t, f.csca, "csca")
	f.importPEM(t, f.dsc, "dsc")

	rec := f.do(t, http.MethodGet, "/api/v1/certificates/"+cscaID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got cert.Certificate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cert.TypeCSCA, got.Type)
	assert.Equal(t, "KR", got.CountryCode)

	rec = f.do(t, http.MethodGet, "/api/v1/certificates?type=DSC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = f.do(t, http.MethodGet, "/api/v1/certificates/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, protocol.ErrCodeCertificateNotFound, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/certificates", []byte("garbage"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.ErrCodeMalformedInput, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/certificates", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyTrustChain(t *testing.T) {
	f := newFixture(t)
	f.importPEM(t, f.csca, "csca")
	dscID := f.importPEM(t, f.dsc, "dsc")

	post := func(req protocol.TrustChainVerifyRequest) *httptest.ResponseRecorder {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		return f.do(t, http.MethodPost, "/api/v1/trust-chain/verify", body)
	}

	rec := post(protocol.TrustChainVerifyRequest{CertificateID: dscID, TrustAnchorCountryCode: "KR"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res cert.ChainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.True(t, res.ChainValid)
	assert.Equal(t, 2, res.ChainDepth)

	rec = post(protocol.TrustChainVerifyRequest{CertificateID: dscID, TrustAnchorCountryCode: "DE"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeChainNotFound, res.ErrorCode)

	for _, depth := range []int{0, -1, 11} {
		rec = post(protocol.TrustChainVerifyRequest{CertificateID: dscID, MaxChainDepth: &depth})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "maxChainDepth %d", depth)
		assert.Equal(t, protocol.ErrCodeInvalidDepth, decodeError(t, rec).Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/trust-chain/verify",
		[]byte(`{"certificateId":"`+dscID+`","maxChainDepth":0}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "explicit zero is not the default")

	one := 1
	rec = post(protocol.TrustChainVerifyRequest{CertificateID: dscID, MaxChainDepth: &one})
	require.Equal(t, http.StatusOK, rec.Code)
	var shallow cert.ChainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shallow))
	assert.True(t, shallow.ChainValid, "one hop reaches the CSCA")

	rec = post(protocol.TrustChainVerifyRequest{CertificateID: "unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(protocol.TrustChainVerifyRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPassiveAuthentication(t *testing.T) {
	f := newFixture(t)
	f.importPEM(t, f.csca, "csca")
	f.importPEM(t, f.dsc, "dsc")

	dg1 := []byte("P<KORHONG<<GILDONG<<<<<<<<<<<<<<<<<<<<<<<<<<M123456784KOR8001014M3001012<<<<<<<<<<<<<<06")
	dg2 := bytes.Repeat([]byte{0xFF, 0xD8}, 64)
	built := sodtest.Build(t, sodtest.Options{
		DataGroups:  map[int][]byte{1: dg1, 2: dg2},
		Signer:      f.dsc.Key,
		Certificate: f.dsc.Cert,
	})

	enc := base64.StdEncoding.EncodeToString
	body, err := json.Marshal(protocol.PassiveAuthenticationRequest{
		IssuingCountry: "kor",
		DocumentNumber: "M12345678",
		SodBytes:       enc(built.Bytes),
		DataGroups:     map[string]string{"DG1": enc(dg1), "2": enc(dg2)},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/passive-authentication/verify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pd pa.PassportData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pd))
	assert.Equal(t, pa.StatusValid, pd.Status)
	assert.Equal(t, "KOR", pd.IssuingCountry)
	require.NotNil(t, pd.Result)
	assert.Equal(t, 2, pd.Result.ValidDataGroups)

	var stages struct {
		Chain struct {
			Valid      bool `json:"valid"`
			ChainDepth int  `json:"chainDepth"`
		} `json:"certificateChainValidation"`
		Sod struct {
			Valid bool `json:"valid"`
		} `json:"sodSignatureValidation"`
		DataGroups struct {
			Total   int                  `json:"total"`
			Valid   int                  `json:"valid"`
			Details []pa.DataGroupResult `json:"details"`
		} `json:"dataGroupValidation"`
		Errors []protocol.ValidationError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stages))
	assert.True(t, stages.Chain.Valid)
	assert.Equal(t, 2, stages.Chain.ChainDepth)
	assert.True(t, stages.Sod.Valid)
	assert.Equal(t, 2, stages.DataGroups.Total)
	assert.Equal(t, 2, stages.DataGroups.Valid)
	assert.Len(t, stages.DataGroups.Details, 2)
	assert.NotNil(t, stages.Errors)
	assert.Empty(t, stages.Errors)

	rec = f.do(t, http.MethodGet, "/api/v1/passive-authentication/"+pd.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"VALID"`)
	assert.Contains(t, rec.Body.String(), `"certificateChainValidation"`)

	rec = f.do(t, http.MethodGet, "/api/v1/passive-authentication/"+pd.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.Len(t, trail.Entries, 5)

	rec = f.do(t, http.MethodGet, "/api/v1/passive-authentication/unknown/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPassiveAuthentication_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := map[string]string{
		"missing sod":             `{"documentNumber":"M1","dataGroups":{"DG1":"AA=="}}`,
		"sod not base64":          `{"sodBytes":"!!!","dataGroups":{"DG1":"AA=="}}`,
		"data group out of range": `{"sodBytes":"dwA=","dataGroups":{"DG17":"AA=="}}`,
		"data group key":          `{"sodBytes":"dwA=","dataGroups":{"photo":"AA=="}}`,
		"duplicate key":           `{"sodBytes":"dwA=","dataGroups":{"DG1":"AA==","1":"AA=="}}`,
		"not json":                `{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/passive-authentication/verify", []byte(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestClearCRLCache(t *testing.T) {
	f := newFixture(t)
	f.importPEM(t, f.csca, "csca")

	rec := f.do(t, http.MethodPost, "/api/v1/crls", f.csca.IssueCRL(t, 1, time.Now().Add(-time.Hour), time.Time{}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"saved":true`)

	_, err := f.cache.Get(context.Background(), crl.KeyFor(f.csca.Cert.Subject.String()), false, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())

	rec = f.do(t, http.MethodDelete, "/api/v1/crl-cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":true}`, rec.Body.String())
	assert.Equal(t, 0, f.cache.Len())
}

func TestImportCRL_UntrustedIssuer(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	rec := f.do(t, http.MethodPost, "/api/v1/crls", f.csca.IssueCRL(t, 1, now.Add(-time.Hour), time.Time{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no CSCA imported yet")
	assert.Equal(t, protocol.ErrCodeInvalidRequest, decodeError(t, rec).Code)

	f.importPEM(t, f.csca, "csca")
	impostor := certtest.NewCSCA(t, "KR", "CSCA-KR")
	rec = f.do(t, http.MethodPost, "/api/v1/crls", impostor.IssueCRL(t, 2, now, time.Time{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "same DN, different key")

	rec = f.do(t, http.MethodPost, "/api/v1/crls", f.csca.IssueCRL(t, 1, now.Add(-time.Hour), time.Time{}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"saved":true`)
}

func TestParseDataGroupKey(t *testing.T) {
	for key, want := range map[string]int{"DG1": 1, "dg16": 16, "2": 2, " DG3 ": 3} {
		got, err := parseDataGroupKey(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
	for _, key := range []string{"DG0", "DG17", "x", ""} {
		_, err := parseDataGroupKey(key)
		assert.Error(t, err, key)
	}
}

func TestProgressEvents(t *testing.T) {
	f := newFixture(t)
	f.importPEM(t, f.csca, "csca")
	f.importPEM(t, f.dsc, "dsc")

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/passive-authentication/events?documentNumber=M1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	var stream strings.Builder
	waitFor := func(substr string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for !strings.Contains(stream.String(), substr) {
			select {
			case chunk, ok := <-lines:
				require.True(t, ok, "stream closed before %q", substr)
				stream.WriteString(chunk)
			case <-deadline:
				t.Fatalf("timed out waiting for %q in %q", substr, stream.String())
			}
		}
	}
	waitFor("event: connected")

	built := sodtest.Build(t, sodtest.Options{
		DataGroups:  map[int][]byte{1: []byte("mrz")},
		Signer:      f.dsc.Key,
		Certificate: f.dsc.Cert,
	})
	enc := base64.StdEncoding.EncodeToString
	body, err := json.Marshal(protocol.PassiveAuthenticationRequest{
		DocumentNumber: "M1",
		SodBytes:       enc(built.Bytes),
		DataGroups:     map[string]string{"DG1": enc([]byte("mrz"))},
	})
	require.NoError(t, err)
	post, err := http.Post(srv.URL+"/api/v1/passive-authentication/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	waitFor("event: pa.progress")
	waitFor(`"status":"VALID"`)
	assert.Contains(t, stream.String(), "event: pa.completed")
}
