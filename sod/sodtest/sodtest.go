// Package sodtest builds signed SODs for tests.
package sodtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"sort"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	oidAttrContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidMGF1              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	oidRSASSAPSS         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}

	digestOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
		crypto.SHA1:   {1, 3, 14, 3, 2, 26},
		crypto.SHA224: {2, 16, 840, 1, 101, 3, 4, 2, 4},
		crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
		crypto.SHA384: {2, 16, 840, 1, 101, 3, 4, 2, 2},
		crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
	}
	rsaOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
		crypto.SHA1:   {1, 2, 840, 113549, 1, 1, 5},
		crypto.SHA224: {1, 2, 840, 113549, 1, 1, 14},
		crypto.SHA256: {1, 2, 840, 113549, 1, 1, 11},
		crypto.SHA384: {1, 2, 840, 113549, 1, 1, 12},
		crypto.SHA512: {1, 2, 840, 113549, 1, 1, 13},
	}
	ecdsaOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
		crypto.SHA1:   {1, 2, 840, 10045, 4, 1},
		crypto.SHA224: {1, 2, 840, 10045, 4, 3, 1},
		crypto.SHA256: {1, 2, 840, 10045, 4, 3, 2},
		crypto.SHA384: {1, 2, 840, 10045, 4, 3, 3},
		crypto.SHA512: {1, 2, 840, 10045, 4, 3, 4},
	}
)

// Options describes the SOD to build. Signer and Certificate are required.
type Options struct {
	DataGroups  map[int][]byte
	Hash        crypto.Hash // SHA-256 when zero
	Signer      crypto.Signer
	Certificate *x509.Certificate

	OmitCertificate    bool // leave the certificates field out
	ExtraCertificates  []*x509.Certificate
	UseSubjectKeyID    bool // identify the signer by SKI instead of issuer and serial
	OmitSignedAttrs    bool // sign the eContent directly
	OmitEnvelope       bool // return the bare ContentInfo
	PSS                bool // RSASSA-PSS instead of PKCS #1 v1.5
	WrongMessageDigest bool // sign a messageDigest that does not match eContent
	LDSVersion         string
}

// SOD is a built document security object.
type SOD struct {
	Bytes     []byte
	Signature []byte
	LDS       []byte
}

// SignatureRange returns the [start, end) offsets of the signature value
// inside Bytes.
func (s *SOD) SignatureRange() (int, int) {
	return len(s.Bytes) - len(s.Signature), len(s.Bytes)
}

// Hash hashes content the way the SOD lists data groups.
func Hash(h crypto.Hash, content []byte) []byte {
	if h == 0 {
		h = crypto.SHA256
	}
	d := h.New()
	d.Write(content)
	return d.Sum(nil)
}

func addOID(b *cryptobyte.Builder, oid asn1.ObjectIdentifier) {
	b.AddASN1ObjectIdentifier(oid)
}

func addAlgorithm(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, params func(*cryptobyte.Builder)) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, oid)
		if params != nil {
			params(b)
		}
	})
}

func addNull(b *cryptobyte.Builder) {
	b.AddASN1NULL()
}

func must(t testing.TB, b *cryptobyte.Builder) []byte {
	t.Helper()
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("build SOD: %v", err)
	}
	return out
}

// LDSSecurityObject encodes the DG hash list.
func LDSSecurityObject(t testing.TB, h crypto.Hash, dataGroups map[int][]byte, ldsVersion string) []byte {
	t.Helper()
	numbers := make([]int, 0, len(dataGroups))
	for dg := range dataGroups {
		numbers = append(numbers, dg)
	}
	sort.Ints(numbers)

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		version := int64(0)
		if ldsVersion != "" {
			version = 1
		}
		b.AddASN1Int64(version)
		addAlgorithm(b, digestOIDs[h], nil)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, dg := range numbers {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(int64(dg))
					b.AddASN1OctetString(Hash(h, dataGroups[dg]))
				})
			}
		})
		if ldsVersion != "" {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.PrintableString, func(b *cryptobyte.Builder) { b.AddBytes([]byte(ldsVersion)) })
				b.AddASN1(cryptobyte_asn1.PrintableString, func(b *cryptobyte.Builder) { b.AddBytes([]byte("040000")) })
			})
		}
	})
	return must(t, b)
}

// Build encodes and signs an SOD.
func Build(t testing.TB, o Options) *SOD {
	t.Helper()
	if o.Signer == nil || o.Certificate == nil {
		t.Fatal("sodtest: Signer and Certificate are required")
	}
	h := o.Hash
	if h == 0 {
		h = crypto.SHA256
	}

	lds := LDSSecurityObject(t, h, o.DataGroups, o.LDSVersion)
	md := Hash(h, lds)
	if o.WrongMessageDigest {
		md[0] ^= 0xFF
	}

	attrs := cryptobyte.NewBuilder(nil)
	attrs.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, oidAttrContentType)
		b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) { addOID(b, oidLDSSecurityObject) })
	})
	attrs.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addOID(b, oidAttrMessageDigest)
		b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) { b.AddASN1OctetString(md) })
	})
	attrContent := must(t, attrs)

	message := lds
	if !o.OmitSignedAttrs {
		set := cryptobyte.NewBuilder(nil)
		set.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) { b.AddBytes(attrContent) })
		message = must(t, set)
	}

	var signerOpts crypto.SignerOpts = h
	if o.PSS {
		signerOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	sig, err := o.Signer.Sign(rand.Reader, Hash(h, message), signerOpts)
	if err != nil {
		t.Fatalf("sign SOD: %v", err)
	}

	b := cryptobyte.NewBuilder(nil)
	contentInfo := func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addOID(b, oidSignedData)
			b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(3)
					b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) { addAlgorithm(b, digestOIDs[h], nil) })
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						addOID(b, oidLDSSecurityObject)
						b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
							b.AddASN1OctetString(lds)
						})
					})
					if !o.OmitCertificate {
						b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
							b.AddBytes(o.Certificate.Raw)
							for _, c := range o.ExtraCertificates {
								b.AddBytes(c.Raw)
							}
						})
					}
					b.AddASN1(cryptobyte_asn1.SET, func(b *cryptobyte.Builder) {
						b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							addSignerInfo(b, o, h, attrContent, sig)
						})
					})
				})
			})
		})
	}

	if o.OmitEnvelope {
		contentInfo(b)
	} else {
		b.AddASN1(cryptobyte_asn1.Tag(0x77), contentInfo)
	}
	return &SOD{Bytes: must(t, b), Signature: sig, LDS: lds}
}

func addSignerInfo(b *cryptobyte.Builder, o Options, h crypto.Hash, attrContent, sig []byte) {
	if o.UseSubjectKeyID {
		b.AddASN1Int64(3)
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(o.Certificate.SubjectKeyId)
		})
	} else {
		b.AddASN1Int64(1)
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddBytes(o.Certificate.RawIssuer)
			b.AddASN1BigInt(o.Certificate.SerialNumber)
		})
	}
	addAlgorithm(b, digestOIDs[h], nil)
	if !o.OmitSignedAttrs {
		b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddBytes(attrContent)
		})
	}

	switch {
	case o.PSS:
		addAlgorithm(b, oidRSASSAPSS, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					addAlgorithm(b, digestOIDs[h], nil)
				})
				b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					addAlgorithm(b, oidMGF1, func(b *cryptobyte.Builder) { addAlgorithm(b, digestOIDs[h], nil) })
				})
				b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1Int64(int64(h.Size()))
				})
			})
		})
	default:
		switch o.Signer.Public().(type) {
		case *ecdsa.PublicKey:
			addAlgorithm(b, ecdsaOIDs[h], nil)
		default:
			addAlgorithm(b, rsaOIDs[h], addNull)
		}
	}
	b.AddASN1OctetString(sig)
}
