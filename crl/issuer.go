package crl

import (
	"context"
	"errors"
)

// ErrUntrustedIssuer means no CSCA in the directory verifies the CRL signature.
var ErrUntrustedIssuer = errors.New("crl signature not verifiable by any known CSCA")

// IssuerVerifier checks that a CRL was signed by a CSCA bearing its issuer DN.
// Implementations return an error wrapping ErrUntrustedIssuer on mismatch.
type IssuerVerifier interface {
	VerifyCRLIssuer(ctx context.Context, list *CertificateRevocationList) error
}
