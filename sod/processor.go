// Package sod parses and verifies the ePassport Document Security Object:
// the 0x77 envelope, the CMS SignedData it carries and the LDS security
// object listing the data group hashes.
package sod

import (
	"crypto/x509"

	"github.com/houzhh15/pkd-trust/logging"
)

// Processor parses and verifies SODs. It is stateless and safe for
// concurrent use.
type Processor struct {
	logger logging.Logger
}

// NewProcessor creates a processor.
func NewProcessor(logger logging.Logger) *Processor {
	return &Processor{logger: logging.OrNop(logger)}
}

// Parse decodes sodBytes. Malformed input yields a *protocol.ParseError.
func (p *Processor) Parse(sodBytes []byte) (*Descriptor, error) {
	d, err := parse(sodBytes)
	if err != nil {
		p.logger.Debug("SOD parse failed", "size", len(sodBytes), "error", err)
		return nil, err
	}
	p.logger.Debug("SOD parsed",
		"signer_issuer", d.DscIssuerDN, "signer_serial", d.DscSerialNumber,
		"hash", d.HashAlgorithm, "signature", d.SignatureAlgorithm, "data_groups", len(d.DataGroupHashes))
	return d, nil
}

// VerifySignature parses sodBytes and verifies it against dsc. A nil error
// means the signature is valid.
func (p *Processor) VerifySignature(sodBytes []byte, dsc *x509.Certificate) error {
	d, err := p.Parse(sodBytes)
	if err != nil {
		return err
	}
	return p.Verify(d, dsc)
}

// Verify checks an already parsed descriptor against dsc.
func (p *Processor) Verify(d *Descriptor, dsc *x509.Certificate) error {
	if err := verify(d, dsc); err != nil {
		p.logger.Warn("SOD signature verification failed", "signer_serial", d.DscSerialNumber, "error", err)
		return err
	}
	return nil
}
