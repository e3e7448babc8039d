package cert

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/protocol"
)

// 链深度范围
const (
	DefaultMaxDepth = 5
	MinDepth        = 1
	MaxDepth        = 10
)

// ErrInvalidDepth maxDepth 越界，在任何查找之前拒绝
var ErrInvalidDepth = errors.New("maxDepth must be between 1 and 10")

// RevocationChecker 吊销检查端口（crl.Checker 实现）
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, issuerDN string, serial *big.Int, forceFresh bool, timeoutSeconds int) *crl.RevocationResult
}

// ChainOptions 链校验参数
type ChainOptions struct {
	TrustAnchorCountry string    // 为空时不过滤
	MaxDepth           int       // 0 表示默认值 5
	ValidateValidity   bool      // 检查有效期
	CheckRevocation    bool      // 对非锚点证书做 CRL 检查
	ForceFreshCRL      bool      // 跳过缓存层
	CRLTimeoutSeconds  int       // 0 表示默认值 30
	Now                time.Time // 为零时使用当前时间
}

// Depth 返回生效的最大深度
func (o ChainOptions) Depth() (int, error) {
	d := o.MaxDepth
	if d == 0 {
		d = DefaultMaxDepth
	}
	if d < MinDepth || d > MaxDepth {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDepth, o.MaxDepth)
	}
	return d, nil
}

// 链中每一级的状态
const (
	LevelValid       = "VALID"
	LevelTrustAnchor = "TRUST_ANCHOR"
	LevelUnresolved  = "UNRESOLVED"
	LevelRevoked     = "REVOKED"
)

// ChainLevel 链中一级证书的校验记录（0 为叶子）
type ChainLevel struct {
	Level          int                   `json:"level"`
	CertificateID  string                `json:"certificateId"`
	SubjectDN      string                `json:"subjectDn"`
	IssuerDN       string                `json:"issuerDn"`
	Type           CertType              `json:"type"`
	Status         string                `json:"status"`
	SignatureValid bool                  `json:"signatureValid"`
	Revocation     *crl.RevocationResult `json:"revocation,omitempty"`
}

// ChainResult 链校验结果
// Success=false 仅表示找不到任何候选 CSCA
type ChainResult struct {
	Success    bool                       `json:"success"`
	ChainValid bool                       `json:"chainValid"`
	ChainDepth int                        `json:"chainDepth"`
	ErrorCode  protocol.ErrorCode         `json:"errorCode,omitempty"`
	Chain      []ChainLevel               `json:"certificateChain"`
	Errors     []protocol.ValidationError `json:"errors,omitempty"`
	Revocation *crl.RevocationResult      `json:"revocation,omitempty"`
	Anchor     *Certificate               `json:"-"`
}

func (r *ChainResult) addError(ve protocol.ValidationError) {
	r.Errors = append(r.Errors, ve)
}

// ChainVerifier 校验 DSC（及可选 DS）到 CSCA 的信任链
type ChainVerifier struct {
	lookup     Lookup
	revocation RevocationChecker
	logger     logging.Logger
	now        func() time.Time
}

// NewChainVerifier 创建链校验器；revocation 可为 nil
func NewChainVerifier(lookup Lookup, revocation RevocationChecker, logger logging.Logger) *ChainVerifier {
	return &ChainVerifier{
		lookup:     lookup,
		revocation: revocation,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// Verify 构建并校验 leaf 的信任链
func (v *ChainVerifier) Verify(ctx context.Context, leaf *Certificate, opts ChainOptions) (*ChainResult, error) {
	maxDepth, err := opts.Depth()
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, errors.New("certificate is nil")
	}
	leafX, err := leaf.X509()
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = v.now()
	}
	country := strings.ToUpper(strings.TrimSpace(opts.TrustAnchorCountry))

	res := &ChainResult{Success: true}
	res.Chain = append(res.Chain, newLevel(0, leaf))
	path := []*Certificate{leaf}
	visited := map[string]bool{leaf.FingerprintSHA256: true}

	cur, curX := leaf, leafX
	for hop := 1; ; hop++ {
		if hop > maxDepth {
			v.fail(res, protocol.NewValidationError(protocol.CodeChainDepthExceeded,
				fmt.Sprintf("no trust anchor within %d levels", maxDepth), "maxDepth", maxDepth))
			return res, nil
		}

		candidates, err := v.lookup.FindCscaCandidates(ctx, cur.IssuerDN, country)
		if err != nil {
			v.logger.Warn("CSCA lookup failed", "issuer", cur.IssuerDN, "error", err)
			v.notFound(res, cur, country, err)
			return res, nil
		}

		if len(candidates) > 0 {
			anchor, ve := v.selectIssuer(cur, curX, candidates, true, opts.ValidateValidity, now)
			if anchor == nil {
				res.Chain[len(res.Chain)-1].Status = string(ve.Code)
				v.fail(res, ve)
				return res, nil
			}
			res.Chain[len(res.Chain)-1].SignatureValid = true
			res.Chain[len(res.Chain)-1].Status = LevelValid
			top := newLevel(len(res.Chain), anchor)
			top.SignatureValid = true
			top.Status = LevelTrustAnchor
			res.Chain = append(res.Chain, top)
			path = append(path, anchor)
			break
		}

		// only a DS may chain through a DSC
		if cur.Type != TypeDS {
			v.notFound(res, cur, country, nil)
			return res, nil
		}
		issuers, err := v.lookup.FindBySubject(ctx, cur.IssuerDN)
		if err != nil {
			v.logger.Warn("DSC lookup failed", "issuer", cur.IssuerDN, "error", err)
			v.notFound(res, cur, country, err)
			return res, nil
		}
		var dscs []*Certificate
		for _, c := range issuers {
			if c.Type == TypeDSC && !visited[c.FingerprintSHA256] {
				dscs = append(dscs, c)
			}
		}
		if len(dscs) == 0 {
			v.notFound(res, cur, country, nil)
			return res, nil
		}

		next, ve := v.selectIssuer(cur, curX, dscs, false, opts.ValidateValidity, now)
		if next == nil {
			res.Chain[len(res.Chain)-1].Status = string(ve.Code)
			v.fail(res, ve)
			return res, nil
		}
		res.Chain[len(res.Chain)-1].SignatureValid = true
		res.Chain[len(res.Chain)-1].Status = LevelValid
		res.Chain = append(res.Chain, newLevel(len(res.Chain), next))
		path = append(path, next)
		visited[next.FingerprintSHA256] = true

		cur = next
		if curX, err = next.X509(); err != nil {
			return nil, err
		}
	}

	res.ChainValid = true
	res.ChainDepth = len(res.Chain)
	res.Anchor = path[len(path)-1]

	if opts.CheckRevocation && v.revocation != nil {
		for i, c := range path[:len(path)-1] {
			r := v.revocation.CheckRevocation(ctx, c.IssuerDN, c.Serial(), opts.ForceFreshCRL, opts.CRLTimeoutSeconds)
			res.Chain[i].Revocation = r
			if i == 0 {
				res.Revocation = r
			}
			if r.Revoked {
				res.Chain[i].Status = LevelRevoked
				ve := protocol.NewValidationError(protocol.CodeCertificateRevoked,
					fmt.Sprintf("certificate %s revoked", c.SerialNumber),
					"certificateId", c.ID, "serialNumber", c.SerialNumber, "issuerDn", c.IssuerDN)
				if r.Revocation != nil {
					ve.Context["reasonCode"] = int(r.Revocation.Reason)
					ve.Context["revocationDate"] = r.Revocation.RevocationDate
				}
				res.ChainValid = false
				res.ErrorCode = protocol.CodeCertificateRevoked
				res.addError(ve)
			}
		}
	}

	v.logger.Debug("Trust chain verified",
		"subject", leaf.SubjectDN, "anchor", res.Anchor.SubjectDN, "chain_valid", res.ChainValid)
	return res, nil
}

func (v *ChainVerifier) fail(res *ChainResult, ve protocol.ValidationError) {
	res.ChainValid = false
	res.ErrorCode = ve.Code
	res.ChainDepth = len(res.Chain)
	res.addError(ve)
}

func (v *ChainVerifier) notFound(res *ChainResult, cur *Certificate, country string, cause error) {
	ve := protocol.NewValidationError(protocol.CodeChainNotFound,
		fmt.Sprintf("no issuer found for %s", cur.IssuerDN),
		"issuerDn", cur.IssuerDN)
	if country != "" {
		ve.Context["trustAnchorCountry"] = country
	}
	if cause != nil {
		ve.Context["cause"] = cause.Error()
	}
	res.Chain[len(res.Chain)-1].Status = LevelUnresolved
	res.Success = false
	v.fail(res, ve)
}

// selectIssuer 按顺序评估候选，返回第一个通过全部检查的证书；
// 全部失败时返回优先级最高的错误
func (v *ChainVerifier) selectIssuer(child *Certificate, childX *x509.Certificate, candidates []*Certificate, anchor, checkValidity bool, now time.Time) (*Certificate, protocol.ValidationError) {
	var best protocol.ValidationError
	for _, cand := range orderCandidates(candidates, child.NotBefore) {
		code, msg := evaluate(child, childX, cand, anchor, checkValidity, now)
		if code == "" {
			return cand, protocol.ValidationError{}
		}
		v.logger.Debug("Issuer candidate rejected", "candidate", cand.ID, "code", code, "reason", msg)
		if best.Code == "" || rank(code) > rank(best.Code) {
			best = protocol.NewValidationError(code, msg,
				"certificateId", child.ID, "candidateId", cand.ID, "candidateSubjectDn", cand.SubjectDN)
		}
	}
	return nil, best
}

func evaluate(child *Certificate, childX *x509.Certificate, cand *Certificate, anchor, checkValidity bool, now time.Time) (protocol.ErrorCode, string) {
	cx, err := cand.X509()
	if err != nil {
		return protocol.CodeNotCA, err.Error()
	}
	if anchor {
		if err := IsTrustAnchor(cx); err != nil {
			return protocol.CodeNotCA, fmt.Sprintf("candidate %s is not a trust anchor: %v", cand.SubjectDN, err)
		}
	} else if cand.Type != TypeDSC {
		return protocol.CodeNotCA, fmt.Sprintf("candidate %s is %s, not DSC", cand.SubjectDN, cand.Type)
	}

	// CheckSignature (not CheckSignatureFrom) keeps SHA-1 signed DSCs verifiable
	if err := cx.CheckSignature(childX.SignatureAlgorithm, childX.RawTBSCertificate, childX.Signature); err != nil {
		return protocol.CodeSignatureInvalid, fmt.Sprintf("signature of %s does not verify under %s: %v", child.SubjectDN, cand.SubjectDN, err)
	}

	if checkValidity {
		for _, c := range []*Certificate{child, cand} {
			switch {
			case now.Before(c.NotBefore):
				return protocol.CodeNotYetValid, fmt.Sprintf("%s not valid before %s", c.SubjectDN, c.NotBefore.Format(time.RFC3339))
			case now.After(c.NotAfter):
				return protocol.CodeExpired, fmt.Sprintf("%s expired at %s", c.SubjectDN, c.NotAfter.Format(time.RFC3339))
			}
		}
	}
	return "", ""
}

// rank SIGNATURE_INVALID > EXPIRED > NOT_CA
func rank(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeSignatureInvalid:
		return 3
	case protocol.CodeExpired, protocol.CodeNotYetValid:
		return 2
	case protocol.CodeNotCA:
		return 1
	default:
		return 0
	}
}

// orderCandidates 优先选择有效期覆盖子证书 notBefore 的候选，其余保持查询顺序
func orderCandidates(candidates []*Certificate, childNotBefore time.Time) []*Certificate {
	ordered := make([]*Certificate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ValidAt(childNotBefore) && !ordered[j].ValidAt(childNotBefore)
	})
	return ordered
}

func newLevel(level int, c *Certificate) ChainLevel {
	return ChainLevel{
		Level:         level,
		CertificateID: c.ID,
		SubjectDN:     c.SubjectDN,
		IssuerDN:      c.IssuerDN,
		Type:          c.Type,
	}
}
