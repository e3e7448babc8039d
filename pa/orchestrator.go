package pa

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
	"github.com/houzhh15/pkd-trust/sod"
)

// DSC sources reported in Result.DscSource.
const (
	DscFromRequest  = "request"
	DscFromSigner   = "sod_signer_identifier"
	DscFromEmbedded = "sod_embedded"
)

// Options are the per-deployment verification settings.
type Options struct {
	MaxChainDepth     int  // 0 selects cert.DefaultMaxDepth
	ValidateValidity  bool // check certificate validity periods
	AllowEmbeddedDSC  bool // fall back to the certificate carried in the SOD
	CRLTimeoutSeconds int  // 0 selects crl.DefaultTimeoutSeconds
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxChainDepth:    cert.DefaultMaxDepth,
		ValidateValidity: true,
		AllowEmbeddedDSC: true,
	}
}

// Orchestrator runs the three Passive Authentication steps.
type Orchestrator struct {
	lookup    cert.Lookup
	chain     *cert.ChainVerifier
	processor *sod.Processor
	audit     AuditSink
	results   ResultStore
	logger    logging.Logger
	opts      Options
	now       func() time.Time
}

// OrchestratorOption customises an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithResultStore persists every finished PassportData.
func WithResultStore(s ResultStore) OrchestratorOption {
	return func(o *Orchestrator) { o.results = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the collaborators. audit may be nil.
func NewOrchestrator(lookup cert.Lookup, chain *cert.ChainVerifier, processor *sod.Processor, audit AuditSink, logger logging.Logger, opts Options, extra ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		lookup:    lookup,
		chain:     chain,
		processor: processor,
		audit:     audit,
		logger:    logging.OrNop(logger),
		opts:      opts,
		now:       time.Now,
	}
	for _, fn := range extra {
		fn(o)
	}
	return o
}

// run carries the state of one verification through the steps.
type run struct {
	o    *Orchestrator
	ctx  context.Context
	req  *Request
	pd   *PassportData
	desc *sod.Descriptor
	dsc  *cert.Certificate
}

// Verify runs Passive Authentication for req. Business failures are
// reported through the returned PassportData; the error is non-nil only for
// a request that cannot be started.
func (o *Orchestrator) Verify(ctx context.Context, req *Request) (*PassportData, error) {
	if req == nil {
		return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, "request is required")
	}

	start := o.now()
	r := &run{o: o, ctx: ctx, req: req, pd: newPassportData(req, start)}
	r.audit(StepReceived, map[string]interface{}{
		"issuingCountry": req.IssuingCountry,
		"documentNumber": req.DocumentNumber,
		"dataGroups":     len(req.DataGroups),
		"sodSize":        len(req.SOD),
	})
	r.progress(StepReceived)

	if r.validateChain() {
		r.verifySignature()
		r.verifyDataGroups()
		r.complete()
	}

	observeVerification(r.pd.Status, o.now().Sub(start))
	if o.results != nil {
		if err := o.results.SavePassportData(ctx, r.pd); err != nil {
			o.logger.Warn("Failed to persist passive authentication result", "id", r.pd.ID, "error", err)
		}
	}

	o.logger.Info("Passive authentication completed",
		"id", r.pd.ID,
		"document", req.DocumentNumber,
		"status", r.pd.Status,
		"errors", len(r.pd.Result.Errors),
	)
	return r.pd, nil
}

func (r *run) advance(next Status) {
	if err := r.pd.advance(next, r.o.now()); err != nil {
		// programming error; record it rather than panic inside a request
		r.o.logger.Error("State transition rejected", "id", r.pd.ID, "error", err)
	}
}

func (r *run) progress(step string) {
	if r.req.OnProgress == nil {
		return
	}
	r.req.OnProgress(Event{
		PassportDataID: r.pd.ID,
		Step:           step,
		Status:         r.pd.Status,
		Timestamp:      r.o.now(),
	})
}

// audit appends a step entry. Sink failures are logged only.
func (r *run) audit(step string, detail map[string]interface{}) {
	if r.o.audit == nil {
		return
	}
	err := r.o.audit.Append(r.ctx, &logging.AuditEntry{
		PassportDataID: r.pd.ID,
		Step:           step,
		Status:         string(r.pd.Status),
		Timestamp:      r.o.now(),
		Detail:         detail,
	})
	if err != nil {
		r.o.logger.Warn("Audit append failed", "id", r.pd.ID, "step", step, "error", err)
	}
}

// terminate moves to ERROR after a fault that stops the run.
func (r *run) terminate(step string, code protocol.ErrorCode, err error) {
	r.pd.Result.addError(code, err.Error(), "step", step)
	r.advance(StatusError)
	r.audit(step, map[string]interface{}{"error": err.Error(), "class": protocol.Classify(err).String()})
	r.progress(step)
}

// validateChain is step 1. It returns false when the run was terminated.
func (r *run) validateChain() bool {
	r.advance(StatusChainValidating)
	r.progress(StepChainValidation)
	res := r.pd.Result

	desc, err := r.o.processor.Parse(r.req.SOD)
	if err != nil {
		r.terminate(StepChainValidation, protocol.CodeSodParseError, err)
		return false
	}
	r.desc = desc
	res.HashAlgorithm = desc.HashAlgorithm
	res.SignatureAlgorithm = desc.SignatureAlgorithm

	dsc, source := r.resolveDSC()
	if dsc == nil {
		r.audit(StepChainValidation, map[string]interface{}{
			"chainValid": false,
			"errorCode":  protocol.CodeChainNotFound,
		})
		return true
	}
	r.dsc = dsc
	res.DscID = dsc.ID
	res.DscSource = source

	chain, err := r.o.chain.Verify(r.ctx, dsc, cert.ChainOptions{
		TrustAnchorCountry: r.req.TrustAnchorCountry,
		MaxDepth:           r.o.opts.MaxChainDepth,
		ValidateValidity:   r.o.opts.ValidateValidity,
		CheckRevocation:    r.req.CheckRevocation,
		CRLTimeoutSeconds:  r.o.opts.CRLTimeoutSeconds,
	})
	if err != nil {
		r.terminate(StepChainValidation, protocol.CodeInternalError, err)
		return false
	}

	res.Chain = chain
	res.Revocation = chain.Revocation
	res.CertificateChainValid = chain.ChainValid
	res.Errors = append(res.Errors, chain.Errors...)

	detail := map[string]interface{}{
		"chainValid": chain.ChainValid,
		"chainDepth": chain.ChainDepth,
		"dscId":      dsc.ID,
		"dscSource":  source,
	}
	if chain.ErrorCode != "" {
		detail["errorCode"] = chain.ErrorCode
	}
	if chain.Revocation != nil {
		detail["crlChecked"] = chain.Revocation.CrlChecked
		detail["revoked"] = chain.Revocation.Revoked
	}
	r.audit(StepChainValidation, detail)
	return true
}

// resolveDSC finds the signer: the DSC named by the request, then the one
// named by the SOD, then the certificate embedded in the SOD. Lookup
// failures are fail-closed and end as CHAIN_NOT_FOUND.
func (r *run) resolveDSC() (*cert.Certificate, string) {
	res := r.pd.Result
	var cause error
	remember := func(err error) {
		if err != nil && cause == nil {
			cause = err
			r.o.logger.Warn("DSC lookup failed", "id", r.pd.ID, "error", err)
		}
	}

	if r.req.DscSubjectDN != "" && r.req.DscSerialNumber != "" {
		c, err := r.o.lookup.FindBySubjectAndSerial(r.ctx, r.req.DscSubjectDN, r.req.DscSerialNumber)
		remember(err)
		if c != nil {
			return c, DscFromRequest
		}
	}
	// a request naming its DSC only accepts that DSC
	var mismatched bool
	accept := func(c *cert.Certificate, source string) bool {
		if r.req.DscSubjectDN == "" || namesSame(r.req, c) {
			return true
		}
		if !mismatched {
			mismatched = true
			res.addError(protocol.CodeDscMismatch,
				fmt.Sprintf("%s signer %s does not match requested DSC %s", source, c.SubjectDN, r.req.DscSubjectDN),
				"signerSubjectDn", c.SubjectDN, "signerSerialNumber", c.SerialNumber,
				"requestedSubjectDn", r.req.DscSubjectDN, "requestedSerialNumber", r.req.DscSerialNumber)
		}
		return false
	}

	if r.desc.DscIssuerDN != "" && r.desc.DscSerialNumber != "" {
		c, err := r.o.lookup.FindByIssuerAndSerial(r.ctx, r.desc.DscIssuerDN, r.desc.DscSerialNumber)
		remember(err)
		if c != nil && accept(c, "stored") {
			return c, DscFromSigner
		}
	}

	if r.o.opts.AllowEmbeddedDSC {
		if x := r.desc.SignerCertificate(); x != nil {
			if c := cert.NewCertificate(x, "dsc"); accept(c, "embedded") {
				return c, DscFromEmbedded
			}
		}
	}

	policy := protocol.PolicyFor(protocol.StageCertResolution, cause)
	kv := []interface{}{
		"dscSubjectDn", firstNonEmpty(r.req.DscSubjectDN, r.desc.DscSubjectDN),
		"dscIssuerDn", r.desc.DscIssuerDN,
		"dscSerialNumber", firstNonEmpty(r.req.DscSerialNumber, r.desc.DscSerialNumber),
	}
	if cause != nil && policy == protocol.PolicyFailClosed {
		kv = append(kv, "cause", cause.Error())
	}
	res.addError(protocol.CodeChainNotFound, "document signer certificate not resolvable", kv...)
	return nil, ""
}

func namesSame(req *Request, c *cert.Certificate) bool {
	if req.DscSubjectDN != c.SubjectDN {
		return false
	}
	return req.DscSerialNumber == "" || strings.EqualFold(strings.TrimLeft(req.DscSerialNumber, "0"), c.SerialNumber)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// verifySignature is step 2.
func (r *run) verifySignature() {
	r.advance(StatusSodVerifying)
	r.progress(StepSodSignature)
	res := r.pd.Result

	if r.dsc == nil {
		res.addError(protocol.CodeSodSignatureInvalid, "no document signer certificate to verify the SOD against")
		r.audit(StepSodSignature, map[string]interface{}{"sodSignatureValid": false, "reason": "dsc unresolved"})
		return
	}

	x, err := r.dsc.X509()
	if err == nil {
		err = r.o.processor.Verify(r.desc, x)
	}
	if err != nil {
		code := protocol.CodeSodSignatureInvalid
		if errors.Is(err, sod.ErrSignerMismatch) {
			code = protocol.CodeDscMismatch
		}
		res.addError(code, err.Error(), "dscId", r.dsc.ID, "signatureAlgorithm", r.desc.SignatureAlgorithm)
		r.audit(StepSodSignature, map[string]interface{}{"sodSignatureValid": false, "errorCode": code, "error": err.Error()})
		return
	}

	res.SodSignatureValid = true
	r.audit(StepSodSignature, map[string]interface{}{
		"sodSignatureValid":  true,
		"signatureAlgorithm": r.desc.SignatureAlgorithm,
		"hashAlgorithm":      r.desc.HashAlgorithm,
	})
}

// verifyDataGroups is step 3. Every supplied DG is checked, in ascending
// order, whatever the outcome of the others.
func (r *run) verifyDataGroups() {
	r.advance(StatusDgVerifying)
	r.progress(StepDataGroups)
	res := r.pd.Result

	numbers := make([]int, 0, len(r.req.DataGroups))
	for dg := range r.req.DataGroups {
		numbers = append(numbers, dg)
	}
	sort.Ints(numbers)

	if len(numbers) == 0 {
		res.addError(protocol.CodeInvalidRequest, "no data groups supplied")
	}

	for _, dg := range numbers {
		expected, actual, err := r.desc.VerifyDataGroup(dg, r.req.DataGroups[dg])
		out := DataGroupResult{
			Number:       dg,
			Valid:        err == nil,
			ExpectedHash: hex.EncodeToString(expected),
			ActualHash:   hex.EncodeToString(actual),
		}
		res.TotalDataGroups++
		switch {
		case err == nil:
			res.ValidDataGroups++
		case errors.Is(err, sod.ErrDataGroupHashMissing):
			out.ErrorCode = protocol.CodeDgHashMissing
		default:
			out.ErrorCode = protocol.CodeDgHashMismatch
		}
		if err != nil {
			res.InvalidDataGroups++
			res.addError(out.ErrorCode, err.Error(),
				"dataGroup", fmt.Sprintf("DG%d", dg),
				"expectedHash", out.ExpectedHash,
				"actualHash", out.ActualHash)
		}
		res.DataGroups = append(res.DataGroups, out)
	}

	r.audit(StepDataGroups, map[string]interface{}{
		"total":         res.TotalDataGroups,
		"valid":         res.ValidDataGroups,
		"invalid":       res.InvalidDataGroups,
		"hashAlgorithm": r.desc.DataGroupHashAlgorithm,
	})
}

func (r *run) complete() {
	r.advance(r.pd.Result.verdict())
	r.audit(StepCompleted, map[string]interface{}{
		"certificateChainValid": r.pd.Result.CertificateChainValid,
		"sodSignatureValid":     r.pd.Result.SodSignatureValid,
		"errors":                len(r.pd.Result.Errors),
	})
	r.progress(StepCompleted)
}
