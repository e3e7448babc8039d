// Package pa runs ICAO 9303 Part 11 Passive Authentication: trust chain,
// SOD signature and data group hashes, with an audit trail per run.
package pa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// Status is the lifecycle state of one PassportData.
type Status string

const (
	StatusReceived        Status = "RECEIVED"
	StatusChainValidating Status = "CHAIN_VALIDATING"
	StatusSodVerifying    Status = "SOD_VERIFYING"
	StatusDgVerifying     Status = "DG_VERIFYING"
	StatusValid           Status = "VALID"
	StatusInvalid         Status = "INVALID"
	StatusError           Status = "ERROR"
)

// order ranks the non-terminal states; terminal states share the top rank.
var order = map[Status]int{
	StatusReceived:        0,
	StatusChainValidating: 1,
	StatusSodVerifying:    2,
	StatusDgVerifying:     3,
	StatusValid:           4,
	StatusInvalid:         4,
	StatusError:           4,
}

// Terminal reports whether s is VALID, INVALID or ERROR.
func (s Status) Terminal() bool {
	return s == StatusValid || s == StatusInvalid || s == StatusError
}

// ErrIllegalTransition is returned for backward moves or moves out of a
// terminal state.
var ErrIllegalTransition = errors.New("illegal passport data state transition")

// Audit step names.
const (
	StepReceived        = "RECEIVED"
	StepChainValidation = "CHAIN_VALIDATION"
	StepSodSignature    = "SOD_SIGNATURE"
	StepDataGroups      = "DATA_GROUPS"
	StepCompleted       = "COMPLETED"
)

// AuditSink receives one entry per step. logging.FileAuditSink and Store
// implement it.
type AuditSink interface {
	Append(ctx context.Context, entry *logging.AuditEntry) error
}

// ResultStore persists finished verifications.
type ResultStore interface {
	SavePassportData(ctx context.Context, pd *PassportData) error
}

// Request is one Passive Authentication call.
type Request struct {
	IssuingCountry     string
	DocumentNumber     string
	SOD                []byte
	DscSubjectDN       string
	DscSerialNumber    string
	DataGroups         map[int][]byte
	CheckRevocation    bool
	TrustAnchorCountry string
	// OnProgress, when set, is called synchronously on every state change.
	OnProgress func(Event)
}

// Event reports a state change of a running verification.
type Event struct {
	PassportDataID string    `json:"passportDataId"`
	Step           string    `json:"step"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// DataGroupResult is the outcome for one supplied data group.
type DataGroupResult struct {
	Number       int                `json:"dataGroup"`
	Valid        bool               `json:"valid"`
	ExpectedHash string             `json:"expectedHash,omitempty"`
	ActualHash   string             `json:"actualHash"`
	ErrorCode    protocol.ErrorCode `json:"errorCode,omitempty"`
}

// Result is the verdict of one run.
type Result struct {
	Status                Status                     `json:"status"`
	CertificateChainValid bool                       `json:"certificateChainValid"`
	SodSignatureValid     bool                       `json:"sodSignatureValid"`
	TotalDataGroups       int                        `json:"totalDataGroups"`
	ValidDataGroups       int                        `json:"validDataGroups"`
	InvalidDataGroups     int                        `json:"invalidDataGroups"`
	Errors                []protocol.ValidationError `json:"errors"`

	DscID              string                `json:"dscId,omitempty"`
	DscSource          string                `json:"dscSource,omitempty"`
	Chain              *cert.ChainResult     `json:"chain,omitempty"`
	Revocation         *crl.RevocationResult `json:"revocation,omitempty"`
	DataGroups         []DataGroupResult     `json:"dataGroups,omitempty"`
	HashAlgorithm      string                `json:"hashAlgorithm,omitempty"`
	SignatureAlgorithm string                `json:"signatureAlgorithm,omitempty"`
}

func (r *Result) addError(code protocol.ErrorCode, msg string, kv ...interface{}) {
	r.Errors = append(r.Errors, protocol.NewValidationError(code, msg, kv...))
}

// HasError reports whether an error with code was recorded.
func (r *Result) HasError(code protocol.ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// verdict applies the VALID invariant.
func (r *Result) verdict() Status {
	if r.CertificateChainValid && r.SodSignatureValid && r.InvalidDataGroups == 0 && r.TotalDataGroups > 0 {
		return StatusValid
	}
	return StatusInvalid
}

// PassportData is one verification record. It is created per call and
// never re-opened once terminal.
type PassportData struct {
	ID             string         `json:"id"`
	IssuingCountry string         `json:"issuingCountry"`
	DocumentNumber string         `json:"documentNumber"`
	SOD            []byte         `json:"-"`
	DataGroups     map[int][]byte `json:"-"`
	Status         Status         `json:"status"`
	Result         *Result        `json:"result,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

func newPassportData(req *Request, now time.Time) *PassportData {
	return &PassportData{
		ID:             uuid.NewString(),
		IssuingCountry: req.IssuingCountry,
		DocumentNumber: req.DocumentNumber,
		SOD:            req.SOD,
		DataGroups:     req.DataGroups,
		Status:         StatusReceived,
		Result:         &Result{Errors: []protocol.ValidationError{}},
		StartedAt:      now,
	}
}

// advance moves to next. Moves are strictly forward; ERROR is reachable
// from every non-terminal state.
func (p *PassportData) advance(next Status, now time.Time) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, p.Status)
	}
	if next != StatusError && order[next] != order[p.Status]+1 {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.Status, next)
	}
	p.Status = next
	if next.Terminal() {
		p.Result.Status = next
		p.CompletedAt = &now
	}
	return nil
}
