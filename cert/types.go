package cert

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/protocol"
)

// CertType 证书角色（封闭枚举）
type CertType string

const (
	TypeCSCA    CertType = "CSCA"    // 国家签名 CA，自签名信任锚
	TypeDSC     CertType = "DSC"     // 文档签名证书
	TypeDS      CertType = "DS"      // 由 DSC 签发的下级签名证书
	TypeUnknown CertType = "UNKNOWN" // 无法归类
)

// ParseCertType 解析持久化的类型字符串
func ParseCertType(s string) CertType {
	switch CertType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeCSCA:
		return TypeCSCA
	case TypeDSC:
		return TypeDSC
	case TypeDS:
		return TypeDS
	default:
		return TypeUnknown
	}
}

// Classify derives the role of a certificate. It is the only place roles
// are decided. role is the directory role recorded at ingestion ("csca",
// "dsc", "ds"), or empty; the certificate's own extensions take priority.
func Classify(x *x509.Certificate, role string) CertType {
	if x == nil {
		return TypeUnknown
	}
	certSign := x.KeyUsage&x509.KeyUsageCertSign != 0
	switch {
	case x.IsCA && certSign:
		return TypeCSCA
	case x.IsCA:
		return TypeUnknown
	case x.KeyUsage != 0 && x.KeyUsage&x509.KeyUsageDigitalSignature == 0 && !certSign:
		return TypeUnknown
	}

	switch strings.ToLower(strings.TrimSpace(role)) {
	case "ds":
		return TypeDS
	case "csca":
		// a CSCA entry without CA extensions
		return TypeUnknown
	default:
		return TypeDSC
	}
}

// Certificate 证书实体
type Certificate struct {
	ID                string    `json:"id"`
	Type              CertType  `json:"type"`
	SubjectDN         string    `json:"subjectDn"`
	IssuerDN          string    `json:"issuerDn"`
	SerialNumber      string    `json:"serialNumber"`      // 十六进制大写
	FingerprintSHA256 string    `json:"fingerprintSha256"` // 十六进制小写
	NotBefore         time.Time `json:"notBefore"`
	NotAfter          time.Time `json:"notAfter"`
	CountryCode       string    `json:"countryCode"`
	RawDER            []byte    `json:"-"`

	parseOnce sync.Once
	parsed    *x509.Certificate
	parseErr  error
}

// NewCertificate builds the entity from a parsed certificate.
func NewCertificate(x *x509.Certificate, role string) *Certificate {
	sum := sha256.Sum256(x.Raw)
	c := &Certificate{
		ID:                uuid.NewString(),
		Type:              Classify(x, role),
		SubjectDN:         x.Subject.String(),
		IssuerDN:          x.Issuer.String(),
		SerialNumber:      crl.SerialHex(x.SerialNumber),
		FingerprintSHA256: hex.EncodeToString(sum[:]),
		NotBefore:         x.NotBefore,
		NotAfter:          x.NotAfter,
		CountryCode:       countryOf(x),
		RawDER:            x.Raw,
		parsed:            x,
	}
	c.parseOnce.Do(func() {})
	return c
}

// ParseDER parses one DER certificate.
func ParseDER(der []byte, role string) (*Certificate, error) {
	x, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &protocol.ParseError{Structure: "certificate", Err: err}
	}
	return NewCertificate(x, role), nil
}

// ParseAll parses every certificate in data, which is either a single DER
// certificate or a sequence of PEM blocks.
func ParseAll(data []byte, role string) ([]*Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		c, err := ParseDER(data, role)
		if err != nil {
			return nil, err
		}
		return []*Certificate{c}, nil
	}

	var out []*Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := ParseDER(block.Bytes, role)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, protocol.NewParseError("certificate", "no CERTIFICATE PEM block found")
	}
	return out, nil
}

// X509 returns the parsed certificate, decoding RawDER on first use.
func (c *Certificate) X509() (*x509.Certificate, error) {
	c.parseOnce.Do(func() {
		c.parsed, c.parseErr = x509.ParseCertificate(c.RawDER)
		if c.parseErr != nil {
			c.parseErr = &protocol.ParseError{Structure: "certificate", Err: c.parseErr}
		}
	})
	return c.parsed, c.parseErr
}

// Serial returns the serial number as an integer.
func (c *Certificate) Serial() *big.Int {
	n, ok := new(big.Int).SetString(c.SerialNumber, 16)
	if !ok {
		return nil
	}
	return n
}

// ValidAt reports whether t falls inside the validity interval.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

func (c *Certificate) String() string {
	return fmt.Sprintf("%s[%s serial=%s]", c.Type, c.SubjectDN, c.SerialNumber)
}

func countryOf(x *x509.Certificate) string {
	if len(x.Subject.Country) > 0 && x.Subject.Country[0] != "" {
		return strings.ToUpper(x.Subject.Country[0])
	}
	if len(x.Issuer.Country) > 0 {
		return strings.ToUpper(x.Issuer.Country[0])
	}
	return ""
}

// IsTrustAnchor checks the CSCA invariants: self-signed, CA, keyCertSign
// and a subject country.
func IsTrustAnchor(x *x509.Certificate) error {
	switch {
	case !bytes.Equal(x.RawSubject, x.RawIssuer):
		return fmt.Errorf("not self-signed")
	case !x.BasicConstraintsValid || !x.IsCA:
		return fmt.Errorf("basicConstraints CA flag not set")
	case x.KeyUsage&x509.KeyUsageCertSign == 0:
		return fmt.Errorf("keyUsage keyCertSign missing")
	case len(x.Subject.Country) == 0 || x.Subject.Country[0] == "":
		return fmt.Errorf("subject country missing")
	}
	if err := x.CheckSignature(x.SignatureAlgorithm, x.RawTBSCertificate, x.Signature); err != nil {
		return fmt.Errorf("self-signature invalid: %w", err)
	}
	return nil
}
