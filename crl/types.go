package crl

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/pkd-trust/protocol"
)

// RevocationReason is the reason code persisted and reported for a revoked
// certificate. Only 0 through 6 are representable.
type RevocationReason int

const (
	ReasonUnspecified RevocationReason = iota
	ReasonKeyCompromise
	ReasonCACompromise
	ReasonSuperseded
	ReasonCessationOfOperation
	ReasonCertificateHold
	ReasonRemoveFromCRL
)

var reasonNames = [...]string{
	"unspecified",
	"keyCompromise",
	"cACompromise",
	"superseded",
	"cessationOfOperation",
	"certificateHold",
	"removeFromCRL",
}

// NewRevocationReason range-checks code.
func NewRevocationReason(code int) (RevocationReason, error) {
	if code < int(ReasonUnspecified) || code > int(ReasonRemoveFromCRL) {
		return 0, fmt.Errorf("revocation reason %d out of range 0-6", code)
	}
	return RevocationReason(code), nil
}

// ReasonFromRFC5280 maps a CRLReason extension value onto the reported
// subset. Codes without a counterpart become unspecified.
func ReasonFromRFC5280(code int) RevocationReason {
	switch code {
	case 1:
		return ReasonKeyCompromise
	case 2:
		return ReasonCACompromise
	case 4:
		return ReasonSuperseded
	case 5:
		return ReasonCessationOfOperation
	case 6:
		return ReasonCertificateHold
	case 8:
		return ReasonRemoveFromCRL
	default:
		return ReasonUnspecified
	}
}

func (r RevocationReason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("RevocationReason(%d)", int(r))
	}
	return reasonNames[r]
}

// RevokedEntry is one revokedCertificates element.
type RevokedEntry struct {
	SerialNumber   string           `json:"serialNumber"`
	RevocationDate time.Time        `json:"revocationDate"`
	Reason         RevocationReason `json:"reasonCode"`
}

// CertificateRevocationList is a parsed CRL issued by a CSCA.
type CertificateRevocationList struct {
	IssuerDN    string         `json:"issuerDn"`
	CountryCode string         `json:"countryCode"`
	ThisUpdate  time.Time      `json:"thisUpdate"`
	NextUpdate  *time.Time     `json:"nextUpdate,omitempty"`
	Entries     []RevokedEntry `json:"revokedEntries"`
	RawDER      []byte         `json:"-"`

	indexOnce sync.Once
	index     map[string]int
}

// IsStale reports whether nextUpdate has passed. A CRL without nextUpdate
// never goes stale.
func (c *CertificateRevocationList) IsStale(now time.Time) bool {
	return c.NextUpdate != nil && now.After(*c.NextUpdate)
}

// Find returns the revoked entry for serial, if any.
func (c *CertificateRevocationList) Find(serial *big.Int) (RevokedEntry, bool) {
	if serial == nil {
		return RevokedEntry{}, false
	}
	c.indexOnce.Do(func() {
		c.index = make(map[string]int, len(c.Entries))
		for i, e := range c.Entries {
			c.index[strings.ToUpper(e.SerialNumber)] = i
		}
	})
	i, ok := c.index[SerialHex(serial)]
	if !ok {
		return RevokedEntry{}, false
	}
	return c.Entries[i], true
}

// Parse decodes a CRL in DER or PEM form.
func Parse(data []byte) (*CertificateRevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	rl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, &protocol.ParseError{Structure: "CRL", Err: err}
	}
	return FromX509(rl), nil
}

// FromX509 converts a parsed revocation list.
func FromX509(rl *x509.RevocationList) *CertificateRevocationList {
	out := &CertificateRevocationList{
		IssuerDN:   rl.Issuer.String(),
		ThisUpdate: rl.ThisUpdate,
		RawDER:     rl.Raw,
		Entries:    make([]RevokedEntry, 0, len(rl.RevokedCertificateEntries)),
	}
	if len(rl.Issuer.Country) > 0 {
		out.CountryCode = strings.ToUpper(rl.Issuer.Country[0])
	}
	if !rl.NextUpdate.IsZero() {
		next := rl.NextUpdate
		out.NextUpdate = &next
	}
	for _, e := range rl.RevokedCertificateEntries {
		out.Entries = append(out.Entries, RevokedEntry{
			SerialNumber:   SerialHex(e.SerialNumber),
			RevocationDate: e.RevocationTime,
			Reason:         ReasonFromRFC5280(e.ReasonCode),
		})
	}
	return out
}

// SerialHex renders a serial number as upper-case hex without leading zeros.
func SerialHex(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return strings.ToUpper(serial.Text(16))
}

// CountryFromDN extracts the C attribute from a DN string such as
// "CN=CSCA-KR,O=Gov,C=KR". Escaped separators are honoured.
func CountryFromDN(dn string) string {
	for _, rdn := range splitDN(dn) {
		k, v, ok := strings.Cut(rdn, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if strings.EqualFold(k, "C") || strings.EqualFold(k, "countryName") || k == "2.5.4.6" {
			return strings.ToUpper(strings.TrimSpace(v))
		}
	}
	return ""
}

func splitDN(dn string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',' || r == '+' || r == ';':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
