package sod

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"fmt"
)

var (
	oidSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	oidAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidRSAEncryption     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidRSASSAPSS         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	oidECPublicKey       = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

type digestAlgorithm struct {
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
	name string
}

var digestAlgorithms = []digestAlgorithm{
	{asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, crypto.SHA1, "SHA-1"},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}, crypto.SHA224, "SHA-224"},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, crypto.SHA256, "SHA-256"},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}, crypto.SHA384, "SHA-384"},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}, crypto.SHA512, "SHA-512"},
}

func digestByOID(oid asn1.ObjectIdentifier) (digestAlgorithm, error) {
	for _, d := range digestAlgorithms {
		if d.oid.Equal(oid) {
			return d, nil
		}
	}
	return digestAlgorithm{}, fmt.Errorf("%w: digest %s", ErrUnsupportedAlgorithm, oid)
}

type keyKind int

const (
	keyRSA keyKind = iota + 1
	keyECDSA
)

// signatureAlgorithm.hash is zero for bare key OIDs, in which case the
// SignerInfo digest algorithm applies.
type signatureAlgorithm struct {
	oid  asn1.ObjectIdentifier
	name string
	key  keyKind
	hash crypto.Hash
	pss  bool
}

var signatureAlgorithms = []signatureAlgorithm{
	{oidRSAEncryption, "rsaEncryption", keyRSA, 0, false},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}, "sha1WithRSAEncryption", keyRSA, crypto.SHA1, false},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}, "sha224WithRSAEncryption", keyRSA, crypto.SHA224, false},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, "sha256WithRSAEncryption", keyRSA, crypto.SHA256, false},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, "sha384WithRSAEncryption", keyRSA, crypto.SHA384, false},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, "sha512WithRSAEncryption", keyRSA, crypto.SHA512, false},
	{oidRSASSAPSS, "RSASSA-PSS", keyRSA, 0, true},
	{oidECPublicKey, "ecPublicKey", keyECDSA, 0, false},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}, "ecdsa-with-SHA1", keyECDSA, crypto.SHA1, false},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}, "ecdsa-with-SHA224", keyECDSA, crypto.SHA224, false},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, "ecdsa-with-SHA256", keyECDSA, crypto.SHA256, false},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, "ecdsa-with-SHA384", keyECDSA, crypto.SHA384, false},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, "ecdsa-with-SHA512", keyECDSA, crypto.SHA512, false},
}

func signatureByOID(oid asn1.ObjectIdentifier) (signatureAlgorithm, error) {
	for _, s := range signatureAlgorithms {
		if s.oid.Equal(oid) {
			return s, nil
		}
	}
	return signatureAlgorithm{}, fmt.Errorf("%w: signature %s", ErrUnsupportedAlgorithm, oid)
}

// HashByName resolves names such as "SHA-256" as reported in a Descriptor.
func HashByName(name string) (crypto.Hash, bool) {
	for _, d := range digestAlgorithms {
		if d.name == name {
			return d.hash, true
		}
	}
	return 0, false
}
