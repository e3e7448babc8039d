package sod

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/protocol"
)

// DataGroup numbers an LDS security object may list.
const (
	MinDataGroup = 1
	MaxDataGroup = 16
)

var (
	tagExplicit0 = cryptobyte_asn1.Tag(0).ContextSpecific().Constructed()
	tagExplicit1 = cryptobyte_asn1.Tag(1).ContextSpecific().Constructed()
	tagImplicit0 = cryptobyte_asn1.Tag(0).ContextSpecific()
)

// signerIdentifier is the CMS SignerIdentifier CHOICE.
type signerIdentifier struct {
	rawIssuer    []byte
	issuerDN     string
	serial       *big.Int
	subjectKeyID []byte
}

func (s signerIdentifier) matches(c *x509.Certificate) bool {
	if s.subjectKeyID != nil {
		return len(c.SubjectKeyId) > 0 && string(c.SubjectKeyId) == string(s.subjectKeyID)
	}
	return string(c.RawIssuer) == string(s.rawIssuer) && c.SerialNumber.Cmp(s.serial) == 0
}

type signerInfo struct {
	sid          signerIdentifier
	digest       digestAlgorithm
	signature    signatureAlgorithm
	signedAttrs  []byte // DER with the SET OF tag, as signed
	contentType  asn1.ObjectIdentifier
	messageDgst  []byte
	signatureVal []byte
}

type signedData struct {
	eContentType asn1.ObjectIdentifier
	eContent     []byte
	certificates []*x509.Certificate
	signer       signerInfo
}

// Descriptor is the parsed view of an SOD.
type Descriptor struct {
	DscSubjectDN           string              `json:"dscSubjectDn,omitempty"`
	DscIssuerDN            string              `json:"dscIssuerDn,omitempty"`
	DscSerialNumber        string              `json:"dscSerialNumber,omitempty"`
	SignerKeyID            []byte              `json:"signerKeyId,omitempty"`
	HashAlgorithm          string              `json:"hashAlgorithm"`
	SignatureAlgorithm     string              `json:"signatureAlgorithm"`
	DataGroupHashAlgorithm string              `json:"dataGroupHashAlgorithm"`
	DataGroupHashes        map[int][]byte      `json:"dataGroupHashes"`
	LDSVersion             string              `json:"ldsVersion,omitempty"`
	UnicodeVersion         string              `json:"unicodeVersion,omitempty"`
	EmbeddedCertificates   []*x509.Certificate `json:"-"`

	dgHash digestAlgorithm
	signed *signedData
}

// SignerCertificate returns the embedded certificate named by the
// SignerIdentifier, if present.
func (d *Descriptor) SignerCertificate() *x509.Certificate {
	for _, c := range d.EmbeddedCertificates {
		if d.signed.signer.sid.matches(c) {
			return c
		}
	}
	return nil
}

// DataGroupNumbers lists the DGs with a declared hash in ascending order.
func (d *Descriptor) DataGroupNumbers() []int {
	out := make([]int, 0, len(d.DataGroupHashes))
	for dg := range d.DataGroupHashes {
		out = append(out, dg)
	}
	sort.Ints(out)
	return out
}

// parse decodes the SOD into a Descriptor. Every failure is a *ParseError.
func parse(sodBytes []byte) (*Descriptor, error) {
	der, err := Unwrap(sodBytes)
	if err != nil {
		return nil, err
	}
	sd, err := parseSignedData(der)
	if err != nil {
		var pe *protocol.ParseError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &protocol.ParseError{Structure: "CMS SignedData", Err: err}
	}
	if !sd.eContentType.Equal(oidLDSSecurityObject) {
		return nil, protocol.NewParseError("CMS SignedData", "eContentType %s is not an LDS security object", sd.eContentType)
	}

	d := &Descriptor{
		HashAlgorithm:        sd.signer.digest.name,
		SignatureAlgorithm:   sd.signer.signature.name,
		EmbeddedCertificates: sd.certificates,
		signed:               sd,
	}
	if err := parseLDSSecurityObject(sd.eContent, d); err != nil {
		return nil, err
	}

	sid := sd.signer.sid
	d.SignerKeyID = sid.subjectKeyID
	if sid.serial != nil {
		d.DscIssuerDN = sid.issuerDN
		d.DscSerialNumber = crl.SerialHex(sid.serial)
	}
	if c := d.SignerCertificate(); c != nil {
		d.DscSubjectDN = c.Subject.String()
		d.DscIssuerDN = c.Issuer.String()
		d.DscSerialNumber = crl.SerialHex(c.SerialNumber)
	}
	return d, nil
}

func parseSignedData(der []byte) (*signedData, error) {
	input := cryptobyte.String(der)
	var contentInfo, explicit, body cryptobyte.String
	var contentType asn1.ObjectIdentifier
	if !input.ReadASN1(&contentInfo, cryptobyte_asn1.SEQUENCE) ||
		!contentInfo.ReadASN1ObjectIdentifier(&contentType) {
		return nil, protocol.NewParseError("CMS ContentInfo", "malformed header")
	}
	if !contentType.Equal(oidSignedData) {
		return nil, protocol.NewParseError("CMS ContentInfo", "content type %s is not signedData", contentType)
	}
	if !contentInfo.ReadASN1(&explicit, tagExplicit0) ||
		!explicit.ReadASN1(&body, cryptobyte_asn1.SEQUENCE) {
		return nil, protocol.NewParseError("CMS SignedData", "missing content")
	}

	var version int64
	var digestAlgs cryptobyte.String
	if !body.ReadASN1Integer(&version) || !body.ReadASN1(&digestAlgs, cryptobyte_asn1.SET) {
		return nil, protocol.NewParseError("CMS SignedData", "malformed version or digestAlgorithms")
	}

	sd := &signedData{}
	var eci, eExplicit, eContent cryptobyte.String
	if !body.ReadASN1(&eci, cryptobyte_asn1.SEQUENCE) ||
		!eci.ReadASN1ObjectIdentifier(&sd.eContentType) ||
		!eci.ReadASN1(&eExplicit, tagExplicit0) ||
		!eExplicit.ReadASN1(&eContent, cryptobyte_asn1.OCTET_STRING) {
		return nil, protocol.NewParseError("CMS EncapsulatedContentInfo", "missing eContent")
	}
	sd.eContent = []byte(eContent)

	var certs cryptobyte.String
	var hasCerts bool
	if !body.ReadOptionalASN1(&certs, &hasCerts, tagExplicit0) {
		return nil, protocol.NewParseError("CMS SignedData", "malformed certificates")
	}
	for !certs.Empty() {
		var raw cryptobyte.String
		if !certs.ReadASN1Element(&raw, cryptobyte_asn1.SEQUENCE) {
			return nil, protocol.NewParseError("CMS SignedData", "malformed certificate entry")
		}
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, &protocol.ParseError{Structure: "embedded certificate", Err: err}
		}
		sd.certificates = append(sd.certificates, c)
	}
	if !body.SkipOptionalASN1(tagExplicit1) {
		return nil, protocol.NewParseError("CMS SignedData", "malformed crls")
	}

	var signerInfos cryptobyte.String
	if !body.ReadASN1(&signerInfos, cryptobyte_asn1.SET) || signerInfos.Empty() {
		return nil, protocol.NewParseError("CMS SignedData", "no signerInfos")
	}
	signer, err := parseSignerInfo(&signerInfos)
	if err != nil {
		return nil, err
	}
	sd.signer = *signer
	return sd, nil
}

func parseSignerInfo(in *cryptobyte.String) (*signerInfo, error) {
	var si cryptobyte.String
	var version int64
	if !in.ReadASN1(&si, cryptobyte_asn1.SEQUENCE) || !si.ReadASN1Integer(&version) {
		return nil, protocol.NewParseError("CMS SignerInfo", "malformed header")
	}

	out := &signerInfo{}
	switch {
	case si.PeekASN1Tag(cryptobyte_asn1.SEQUENCE):
		var ias, rawIssuer cryptobyte.String
		out.sid.serial = new(big.Int)
		if !si.ReadASN1(&ias, cryptobyte_asn1.SEQUENCE) ||
			!ias.ReadASN1Element(&rawIssuer, cryptobyte_asn1.SEQUENCE) ||
			!ias.ReadASN1Integer(out.sid.serial) {
			return nil, protocol.NewParseError("CMS SignerInfo", "malformed issuerAndSerialNumber")
		}
		out.sid.rawIssuer = []byte(rawIssuer)
		dn, err := distinguishedName(rawIssuer)
		if err != nil {
			return nil, err
		}
		out.sid.issuerDN = dn
	case si.PeekASN1Tag(tagImplicit0):
		var ski cryptobyte.String
		if !si.ReadASN1(&ski, tagImplicit0) {
			return nil, protocol.NewParseError("CMS SignerInfo", "malformed subjectKeyIdentifier")
		}
		out.sid.subjectKeyID = []byte(ski)
	default:
		return nil, protocol.NewParseError("CMS SignerInfo", "unknown SignerIdentifier")
	}

	digestOID, err := readAlgorithm(&si)
	if err != nil {
		return nil, err
	}
	if out.digest, err = digestByOID(digestOID); err != nil {
		return nil, &protocol.ParseError{Structure: "CMS SignerInfo", Err: err}
	}

	if si.PeekASN1Tag(tagExplicit0) {
		var element cryptobyte.String
		if !si.ReadASN1Element(&element, tagExplicit0) {
			return nil, protocol.NewParseError("CMS SignerInfo", "malformed signedAttrs")
		}
		// the signature covers the attributes under the universal SET tag
		out.signedAttrs = append([]byte(nil), element...)
		out.signedAttrs[0] = 0x31
		if err := parseSignedAttributes(element, out); err != nil {
			return nil, err
		}
	}

	sigOID, err := readAlgorithm(&si)
	if err != nil {
		return nil, err
	}
	if out.signature, err = signatureByOID(sigOID); err != nil {
		return nil, &protocol.ParseError{Structure: "CMS SignerInfo", Err: err}
	}

	var sig cryptobyte.String
	if !si.ReadASN1(&sig, cryptobyte_asn1.OCTET_STRING) {
		return nil, protocol.NewParseError("CMS SignerInfo", "missing signature")
	}
	out.signatureVal = []byte(sig)
	return out, nil
}

func parseSignedAttributes(element cryptobyte.String, out *signerInfo) error {
	var attrs cryptobyte.String
	if !element.ReadASN1(&attrs, tagExplicit0) {
		return protocol.NewParseError("CMS signedAttrs", "malformed SET")
	}
	for !attrs.Empty() {
		var attr, values cryptobyte.String
		var attrType asn1.ObjectIdentifier
		if !attrs.ReadASN1(&attr, cryptobyte_asn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&attrType) ||
			!attr.ReadASN1(&values, cryptobyte_asn1.SET) {
			return protocol.NewParseError("CMS signedAttrs", "malformed attribute")
		}
		switch {
		case attrType.Equal(oidAttrContentType):
			if !values.ReadASN1ObjectIdentifier(&out.contentType) {
				return protocol.NewParseError("CMS signedAttrs", "malformed contentType")
			}
		case attrType.Equal(oidAttrMessageDigest):
			var md cryptobyte.String
			if !values.ReadASN1(&md, cryptobyte_asn1.OCTET_STRING) {
				return protocol.NewParseError("CMS signedAttrs", "malformed messageDigest")
			}
			out.messageDgst = []byte(md)
		}
	}
	if out.messageDgst == nil {
		return protocol.NewParseError("CMS signedAttrs", "messageDigest attribute missing")
	}
	return nil
}

// readAlgorithm reads an AlgorithmIdentifier and returns its OID; the
// parameters are skipped.
func readAlgorithm(in *cryptobyte.String) (asn1.ObjectIdentifier, error) {
	var alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !in.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) || !alg.ReadASN1ObjectIdentifier(&oid) {
		return nil, protocol.NewParseError("AlgorithmIdentifier", "malformed")
	}
	return oid, nil
}

func distinguishedName(raw []byte) (string, error) {
	var rdn pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &rdn); err != nil || len(rest) > 0 {
		return "", protocol.NewParseError("issuer name", "malformed RDNSequence")
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name.String(), nil
}

// parseLDSSecurityObject fills the DG hash fields of d.
func parseLDSSecurityObject(content []byte, d *Descriptor) error {
	input := cryptobyte.String(content)
	var lds, hashes cryptobyte.String
	var version int64
	if !input.ReadASN1(&lds, cryptobyte_asn1.SEQUENCE) || !lds.ReadASN1Integer(&version) {
		return protocol.NewParseError("LDS security object", "malformed header")
	}
	hashOID, err := readAlgorithm(&lds)
	if err != nil {
		return err
	}
	if d.dgHash, err = digestByOID(hashOID); err != nil {
		return &protocol.ParseError{Structure: "LDS security object", Err: err}
	}
	d.DataGroupHashAlgorithm = d.dgHash.name

	if !lds.ReadASN1(&hashes, cryptobyte_asn1.SEQUENCE) {
		return protocol.NewParseError("LDS security object", "missing dataGroupHashValues")
	}
	d.DataGroupHashes = make(map[int][]byte)
	for !hashes.Empty() {
		var entry, value cryptobyte.String
		var dg int
		if !hashes.ReadASN1(&entry, cryptobyte_asn1.SEQUENCE) ||
			!entry.ReadASN1Integer(&dg) ||
			!entry.ReadASN1(&value, cryptobyte_asn1.OCTET_STRING) {
			return protocol.NewParseError("LDS security object", "malformed DataGroupHash")
		}
		if dg < MinDataGroup || dg > MaxDataGroup {
			return protocol.NewParseError("LDS security object", "data group number %d out of range", dg)
		}
		if _, dup := d.DataGroupHashes[dg]; dup {
			return protocol.NewParseError("LDS security object", "duplicate hash for DG%d", dg)
		}
		if len(value) != d.dgHash.hash.Size() {
			return protocol.NewParseError("LDS security object", "DG%d hash has %d bytes, want %d", dg, len(value), d.dgHash.hash.Size())
		}
		d.DataGroupHashes[dg] = []byte(value)
	}

	if lds.PeekASN1Tag(cryptobyte_asn1.SEQUENCE) {
		var info, ldsVersion, unicodeVersion cryptobyte.String
		if !lds.ReadASN1(&info, cryptobyte_asn1.SEQUENCE) ||
			!info.ReadASN1(&ldsVersion, cryptobyte_asn1.PrintableString) ||
			!info.ReadASN1(&unicodeVersion, cryptobyte_asn1.PrintableString) {
			return protocol.NewParseError("LDS security object", "malformed ldsVersionInfo")
		}
		d.LDSVersion = string(ldsVersion)
		d.UnicodeVersion = string(unicodeVersion)
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("SOD[signer=%s serial=%s dgs=%v %s/%s]",
		d.DscIssuerDN, d.DscSerialNumber, d.DataGroupNumbers(), d.HashAlgorithm, d.SignatureAlgorithm)
}
