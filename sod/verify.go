package sod

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid means the SignerInfo signature does not verify
	// under the DSC public key.
	ErrSignatureInvalid = errors.New("SOD signature invalid")
	// ErrSignerMismatch means the SOD names or embeds a signer other than
	// the supplied DSC.
	ErrSignerMismatch = errors.New("SOD signer does not match DSC")
	// ErrDigestMismatch means the messageDigest attribute does not match
	// the encapsulated LDS security object.
	ErrDigestMismatch = errors.New("SOD messageDigest mismatch")
	// ErrUnsupportedAlgorithm is returned for unknown digest or signature OIDs.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrDataGroupHashMissing means the SOD declares no hash for a DG.
	ErrDataGroupHashMissing = errors.New("data group hash missing from SOD")
	// ErrDataGroupHashMismatch means the computed DG hash differs from the SOD.
	ErrDataGroupHashMismatch = errors.New("data group hash mismatch")
)

// verify checks the signer identity, signed attributes and signature of d
// against dsc.
func verify(d *Descriptor, dsc *x509.Certificate) error {
	if dsc == nil {
		return fmt.Errorf("%w: no DSC supplied", ErrSignerMismatch)
	}
	sd := d.signed
	si := sd.signer

	if !si.sid.matches(dsc) {
		return fmt.Errorf("%w: SignerIdentifier does not name %s", ErrSignerMismatch, dsc.Subject)
	}
	if embedded := d.SignerCertificate(); embedded != nil && !embedded.Equal(dsc) {
		return fmt.Errorf("%w: embedded certificate %s differs from DSC", ErrSignerMismatch, embedded.Subject)
	}

	message := sd.eContent
	if si.signedAttrs != nil {
		if si.contentType != nil && !si.contentType.Equal(sd.eContentType) {
			return fmt.Errorf("%w: contentType attribute %s", ErrDigestMismatch, si.contentType)
		}
		h := si.digest.hash.New()
		h.Write(sd.eContent)
		if !bytes.Equal(h.Sum(nil), si.messageDgst) {
			return ErrDigestMismatch
		}
		message = si.signedAttrs
	}

	hash := si.signature.hash
	if hash == 0 {
		hash = si.digest.hash
	}
	if !hash.Available() {
		return fmt.Errorf("%w: hash %v not linked", ErrUnsupportedAlgorithm, hash)
	}
	h := hash.New()
	h.Write(message)
	digest := h.Sum(nil)

	switch pub := dsc.PublicKey.(type) {
	case *rsa.PublicKey:
		if si.signature.key != keyRSA {
			return fmt.Errorf("%w: %s with RSA key", ErrSignatureInvalid, si.signature.name)
		}
		var err error
		if si.signature.pss {
			err = rsa.VerifyPSS(pub, hash, digest, si.signatureVal, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: hash})
		} else {
			err = rsa.VerifyPKCS1v15(pub, hash, digest, si.signatureVal)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	case *ecdsa.PublicKey:
		if si.signature.key != keyECDSA {
			return fmt.Errorf("%w: %s with ECDSA key", ErrSignatureInvalid, si.signature.name)
		}
		if !ecdsa.VerifyASN1(pub, digest, si.signatureVal) {
			return ErrSignatureInvalid
		}
	default:
		return fmt.Errorf("%w: DSC key type %T", ErrUnsupportedAlgorithm, dsc.PublicKey)
	}
	return nil
}

// hashDataGroup hashes content with the LDS security object algorithm.
func (d *Descriptor) hashDataGroup(content []byte) []byte {
	h := d.dgHash.hash.New()
	h.Write(content)
	return h.Sum(nil)
}

// HashAlgorithmHash is the crypto.Hash used for data group hashes.
func (d *Descriptor) HashAlgorithmHash() crypto.Hash {
	return d.dgHash.hash
}

// VerifyDataGroup compares the hash of content with the hash the SOD declares
// for dg. It returns the declared and computed hashes alongside the outcome.
func (d *Descriptor) VerifyDataGroup(dg int, content []byte) (expected, actual []byte, err error) {
	actual = d.hashDataGroup(content)
	expected, ok := d.DataGroupHashes[dg]
	if !ok {
		return nil, actual, fmt.Errorf("%w: DG%d", ErrDataGroupHashMissing, dg)
	}
	if !bytes.Equal(expected, actual) {
		return expected, actual, fmt.Errorf("%w: DG%d", ErrDataGroupHashMismatch, dg)
	}
	return expected, actual, nil
}
