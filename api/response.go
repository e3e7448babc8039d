package api

import (
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/protocol"
)

// passportResponse 在 PassportData 之上按校验阶段给出摘要
type passportResponse struct {
	*pa.PassportData
	CertificateChainValidation chainValidation            `json:"certificateChainValidation"`
	SodSignatureValidation     sodValidation              `json:"sodSignatureValidation"`
	DataGroupValidation        dataGroupValidation        `json:"dataGroupValidation"`
	Errors                     []protocol.ValidationError `json:"errors"`
}

type chainValidation struct {
	Valid      bool                  `json:"valid"`
	ChainDepth int                   `json:"chainDepth"`
	DscID      string                `json:"dscId,omitempty"`
	DscSource  string                `json:"dscSource,omitempty"`
	Revocation *crl.RevocationResult `json:"revocation,omitempty"`
}

type sodValidation struct {
	Valid              bool   `json:"valid"`
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"`
	HashAlgorithm      string `json:"hashAlgorithm,omitempty"`
}

type dataGroupValidation struct {
	Total   int                  `json:"total"`
	Valid   int                  `json:"valid"`
	Invalid int                  `json:"invalid"`
	Details []pa.DataGroupResult `json:"details"`
}

func newPassportResponse(pd *pa.PassportData) *passportResponse {
	out := &passportResponse{PassportData: pd, Errors: []protocol.ValidationError{}}
	r := pd.Result
	if r == nil {
		return out
	}
	out.CertificateChainValidation = chainValidation{
		Valid:      r.CertificateChainValid,
		DscID:      r.DscID,
		DscSource:  r.DscSource,
		Revocation: r.Revocation,
	}
	if r.Chain != nil {
		out.CertificateChainValidation.ChainDepth = r.Chain.ChainDepth
	}
	out.SodSignatureValidation = sodValidation{
		Valid:              r.SodSignatureValid,
		SignatureAlgorithm: r.SignatureAlgorithm,
		HashAlgorithm:      r.HashAlgorithm,
	}
	out.DataGroupValidation = dataGroupValidation{
		Total:   r.TotalDataGroups,
		Valid:   r.ValidDataGroups,
		Invalid: r.InvalidDataGroups,
		Details: r.DataGroups,
	}
	if out.DataGroupValidation.Details == nil {
		out.DataGroupValidation.Details = []pa.DataGroupResult{}
	}
	if r.Errors != nil {
		out.Errors = r.Errors
	}
	return out
}
