package cert

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/protocol"
)

// CRLIssuerVerifier 要求 CRL 签名可由同名 CSCA 验证，实现 crl.IssuerVerifier
type CRLIssuerVerifier struct {
	lookup Lookup
}

// NewCRLIssuerVerifier 基于证书目录创建 CRL 签发者校验器
func NewCRLIssuerVerifier(lookup Lookup) *CRLIssuerVerifier {
	return &CRLIssuerVerifier{lookup: lookup}
}

// VerifyCRLIssuer 逐个尝试 issuerDN 对应的 CSCA 候选
func (v *CRLIssuerVerifier) VerifyCRLIssuer(ctx context.Context, list *crl.CertificateRevocationList) error {
	rl, err := x509.ParseRevocationList(list.RawDER)
	if err != nil {
		return protocol.NewParseError("crl", "invalid CRL: %v", err)
	}

	candidates, err := v.lookup.FindCscaCandidates(ctx, list.IssuerDN, list.CountryCode)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		x, err := c.X509()
		if err != nil || IsTrustAnchor(x) != nil {
			continue
		}
		if rl.CheckSignatureFrom(x) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (%d candidate(s))", crl.ErrUntrustedIssuer, list.IssuerDN, len(candidates))
}
