// Package certtest builds throwaway CSCA, DSC and CRL fixtures for tests.
package certtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/houzhh15/pkd-trust/cert"
)

var serialCounter atomic.Int64

func init() {
	serialCounter.Store(0x1000)
}

// Authority is a certificate together with its private key.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// Entity converts the certificate into the domain model.
func (a *Authority) Entity(role string) *cert.Certificate {
	return cert.NewCertificate(a.Cert, role)
}

// PEM encodes the certificate.
func (a *Authority) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Cert.Raw})
}

type settings struct {
	tmpl    *x509.Certificate
	rsaBits int
}

// Option adjusts a fixture before it is signed.
type Option func(*settings)

// Validity sets the validity interval.
func Validity(notBefore, notAfter time.Time) Option {
	return func(s *settings) {
		s.tmpl.NotBefore = notBefore
		s.tmpl.NotAfter = notAfter
	}
}

// Serial sets the serial number.
func Serial(n int64) Option {
	return func(s *settings) { s.tmpl.SerialNumber = big.NewInt(n) }
}

// KeyUsage overrides the key usage bits.
func KeyUsage(ku x509.KeyUsage) Option {
	return func(s *settings) { s.tmpl.KeyUsage = ku }
}

// NotCA clears the CA basic constraint.
func NotCA() Option {
	return func(s *settings) { s.tmpl.IsCA = false }
}

// Organization sets the subject O attribute.
func Organization(o string) Option {
	return func(s *settings) { s.tmpl.Subject.Organization = []string{o} }
}

// NoCountry drops the subject C attribute.
func NoCountry() Option {
	return func(s *settings) { s.tmpl.Subject.Country = nil }
}

// RSA uses an RSA key of the given size instead of ECDSA P-256.
func RSA(bits int) Option {
	return func(s *settings) { s.rsaBits = bits }
}

func newSettings(cn, country string) *settings {
	now := time.Now()
	s := &settings{tmpl: &x509.Certificate{
		SerialNumber: big.NewInt(serialCounter.Add(1)),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-24 * time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
	}}
	if country != "" {
		s.tmpl.Subject.Country = []string{country}
	}
	return s
}

func (s *settings) key(t testing.TB) crypto.Signer {
	t.Helper()
	if s.rsaBits > 0 {
		k, err := rsa.GenerateKey(rand.Reader, s.rsaBits)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		return k
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return k
}

func subjectKeyID(t testing.TB, pub crypto.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	sum := sha1.Sum(der)
	return sum[:]
}

func sign(t testing.TB, s *settings, parent *Authority) *Authority {
	t.Helper()
	key := s.key(t)
	s.tmpl.SubjectKeyId = subjectKeyID(t, key.Public())

	parentCert, parentKey := s.tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, s.tmpl, parentCert, key.Public(), parentKey)
	if err != nil {
		t.Fatalf("create certificate %s: %v", s.tmpl.Subject.CommonName, err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Authority{Cert: c, Key: key}
}

// NewCSCA creates a self-signed country signing CA.
func NewCSCA(t testing.TB, country, cn string, opts ...Option) *Authority {
	t.Helper()
	s := newSettings(cn, country)
	s.tmpl.IsCA = true
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	for _, opt := range opts {
		opt(s)
	}
	return sign(t, s, nil)
}

// IssueDSC creates a document signer certificate signed by a.
func (a *Authority) IssueDSC(t testing.TB, cn string, opts ...Option) *Authority {
	t.Helper()
	country := ""
	if len(a.Cert.Subject.Country) > 0 {
		country = a.Cert.Subject.Country[0]
	}
	s := newSettings(cn, country)
	s.tmpl.BasicConstraintsValid = true
	s.tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	for _, opt := range opts {
		opt(s)
	}
	return sign(t, s, a)
}

// Revoked builds a CRL entry for serial.
func Revoked(serial *big.Int, at time.Time, reasonCode int) x509.RevocationListEntry {
	return x509.RevocationListEntry{SerialNumber: serial, RevocationTime: at, ReasonCode: reasonCode}
}

// IssueCRL signs a CRL listing entries. A zero nextUpdate defaults to a
// week after thisUpdate.
func (a *Authority) IssueCRL(t testing.TB, number int64, thisUpdate, nextUpdate time.Time, entries ...x509.RevocationListEntry) []byte {
	t.Helper()
	if nextUpdate.IsZero() {
		nextUpdate = thisUpdate.Add(7 * 24 * time.Hour)
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, a.Cert, a.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return der
}
