package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/protocol"
	"github.com/houzhh15/pkd-trust/sod"
	"github.com/houzhh15/pkd-trust/transport"
)

// httpStatus 将 API 错误码映射为 HTTP 状态码
func httpStatus(code int) int {
	switch {
	case code >= 50300:
		return http.StatusServiceUnavailable
	case code >= 50000:
		return http.StatusInternalServerError
	case code >= 40400:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func abort(c *gin.Context, err *protocol.Error) {
	c.AbortWithStatusJSON(httpStatus(err.Code), protocol.ErrorResponse{Error: err})
}

// abort500 存储故障返回 503，其余 500
func abort500(c *gin.Context, err error) {
	code := protocol.ErrCodeInternal
	var ie *protocol.InfrastructureError
	if errors.As(err, &ie) {
		code = protocol.ErrCodeStoreUnavailable
	}
	abort(c, protocol.WrapError(code, err))
}

func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes))
	if err != nil {
		abort(c, protocol.NewError(protocol.ErrCodeInvalidRequest, "failed to read request body: "+err.Error()))
		return nil, false
	}
	if len(body) == 0 {
		abort(c, protocol.NewError(protocol.ErrCodeInvalidRequest, "request body is empty"))
		return nil, false
	}
	return body, true
}

func (s *Server) listCertificates(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))
	var certType cert.CertType
	if t := c.Query("type"); t != "" {
		certType = cert.ParseCertType(t)
	}

	certs, total, err := s.deps.Certificates.List(c.Request.Context(), page, pageSize, certType)
	if err != nil {
		abort500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "page": page, "certificates": certs})
}

func (s *Server) importCertificates(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	certs, added, err := s.deps.Certificates.Import(c.Request.Context(), body, c.Query("role"))
	if err != nil {
		if protocol.Classify(err) == protocol.ClassInfrastructure {
			abort500(c, err)
			return
		}
		abort(c, protocol.WrapError(protocol.ErrCodeMalformedInput, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "certificates": certs})
}

func (s *Server) getCertificate(c *gin.Context) {
	found, err := s.deps.Certificates.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort500(c, err)
		return
	}
	if found == nil {
		abort(c, protocol.NewError(protocol.ErrCodeCertificateNotFound, "certificate not found").
			WithDetails("id", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) importCRL(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	list, saved, err := s.deps.CRLs.Import(c.Request.Context(), body)
	if err != nil {
		if protocol.Classify(err) == protocol.ClassInfrastructure {
			abort500(c, err)
			return
		}
		if errors.Is(err, crl.ErrUntrustedIssuer) {
			abort(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
			return
		}
		abort(c, protocol.WrapError(protocol.ErrCodeMalformedInput, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"saved":       saved,
		"issuerDn":    list.IssuerDN,
		"countryCode": list.CountryCode,
		"thisUpdate":  list.ThisUpdate,
		"nextUpdate":  list.NextUpdate,
		"entries":     len(list.Entries),
	})
}

func (s *Server) clearCRLCache(c *gin.Context) {
	s.deps.CRLCache.ClearMemoryCache()
	s.logger.Info("CRL memory cache cleared")
	c.JSON(http.StatusOK, protocol.CacheClearResponse{Cleared: true})
}

func (s *Server) verifyTrustChain(c *gin.Context) {
	var req protocol.TrustChainVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
		return
	}
	if req.CertificateID == "" {
		abort(c, protocol.NewError(protocol.ErrCodeInvalidRequest, "certificateId is required"))
		return
	}
	depth := s.config.MaxChainDepth
	if req.MaxChainDepth != nil {
		depth = *req.MaxChainDepth
		if depth < 1 || depth > 10 {
			abort(c, protocol.NewError(protocol.ErrCodeInvalidDepth, "maxChainDepth must be between 1 and 10").
				WithDetails("maxChainDepth", depth))
			return
		}
	}

	ctx := c.Request.Context()
	leaf, err := s.deps.Certificates.FindByID(ctx, req.CertificateID)
	if err != nil {
		abort500(c, err)
		return
	}
	if leaf == nil {
		abort(c, protocol.NewError(protocol.ErrCodeCertificateNotFound, "certificate not found").
			WithDetails("certificateId", req.CertificateID))
		return
	}

	validity := true
	if req.ValidateValidity != nil {
		validity = *req.ValidateValidity
	}
	res, err := s.deps.Chain.Verify(ctx, leaf, cert.ChainOptions{
		TrustAnchorCountry: req.TrustAnchorCountryCode,
		MaxDepth:           depth,
		ValidateValidity:   validity,
		CheckRevocation:    req.CheckRevocation,
		CRLTimeoutSeconds:  s.config.CRLTimeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, cert.ErrInvalidDepth) {
			abort(c, protocol.WrapError(protocol.ErrCodeInvalidDepth, err))
			return
		}
		abort500(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// parseDataGroupKey 接受 "DG2"、"dg2" 或 "2"
func parseDataGroupKey(key string) (int, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(key)), "DG")
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < sod.MinDataGroup || n > sod.MaxDataGroup {
		return 0, fmt.Errorf("invalid data group %q", key)
	}
	return n, nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// toRequest 解码被动认证请求
func (s *Server) toRequest(in *protocol.PassiveAuthenticationRequest) (*pa.Request, *protocol.Error) {
	if in.SodBytes == "" {
		return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, "sodBytes is required")
	}
	sodBytes, err := decodeBase64(in.SodBytes)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, "sodBytes is not valid base64")
	}

	dgs := make(map[int][]byte, len(in.DataGroups))
	for key, value := range in.DataGroups {
		n, err := parseDataGroupKey(key)
		if err != nil {
			return nil, protocol.WrapError(protocol.ErrCodeInvalidRequest, err)
		}
		if _, dup := dgs[n]; dup {
			return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, fmt.Sprintf("data group DG%d supplied twice", n))
		}
		content, err := decodeBase64(value)
		if err != nil {
			return nil, protocol.NewError(protocol.ErrCodeInvalidRequest, fmt.Sprintf("DG%d is not valid base64", n))
		}
		dgs[n] = content
	}

	checkRevocation := s.config.CheckRevocation
	if in.CheckRevocation != nil {
		checkRevocation = *in.CheckRevocation
	}

	return &pa.Request{
		IssuingCountry:  strings.ToUpper(in.IssuingCountry),
		DocumentNumber:  in.DocumentNumber,
		SOD:             sodBytes,
		DscSubjectDN:    in.DscSubjectDN,
		DscSerialNumber: in.DscSerialNumber,
		DataGroups:      dgs,
		CheckRevocation: checkRevocation,

		TrustAnchorCountry: strings.ToUpper(in.TrustAnchorCountryCode),
	}, nil
}

func (s *Server) verifyPassport(c *gin.Context) {
	var in protocol.PassiveAuthenticationRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, protocol.WrapError(protocol.ErrCodeInvalidRequest, err))
		return
	}
	req, perr := s.toRequest(&in)
	if perr != nil {
		abort(c, perr)
		return
	}

	if events := s.deps.Events; events != nil {
		topic := req.DocumentNumber
		req.OnProgress = func(e pa.Event) {
			kind := transport.EventProgress
			if e.Status.Terminal() {
				kind = transport.EventCompleted
			}
			events.Publish(topic, transport.NewEvent(kind, e))
		}
	}

	pd, err := s.deps.Verifier.Verify(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, pa.ErrPoolClosed) {
			abort(c, protocol.WrapError(protocol.ErrCodeServiceUnavail, err))
			return
		}
		var apiErr *protocol.Error
		if errors.As(err, &apiErr) {
			abort(c, apiErr)
			return
		}
		abort(c, protocol.WrapError(protocol.ErrCodeServiceUnavail, err))
		return
	}
	c.JSON(http.StatusOK, newPassportResponse(pd))
}

// subscribeEvents SSE 订阅；documentNumber 为空时接收全部事件
func (s *Server) subscribeEvents(c *gin.Context) {
	if s.deps.Events == nil {
		abort(c, protocol.NewError(protocol.ErrCodeServiceUnavail, "event stream disabled"))
		return
	}
	clientID := uuid.NewString()
	if err := s.deps.Events.Subscribe(c.Request.Context(), clientID, c.Query("documentNumber"), c.Writer); err != nil {
		s.logger.Warn("Event subscription ended", "client_id", clientID, "error", err)
	}
}

func (s *Server) getPassportData(c *gin.Context) {
	pd, err := s.deps.Passports.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort500(c, err)
		return
	}
	if pd == nil {
		abort(c, protocol.NewError(protocol.ErrCodeNotFound, "passport data not found").WithDetails("id", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, newPassportResponse(pd))
}

func (s *Server) getAuditTrail(c *gin.Context) {
	id := c.Param("id")
	trail, err := s.deps.Passports.Trail(c.Request.Context(), id)
	if err != nil {
		abort500(c, err)
		return
	}
	if len(trail) == 0 {
		abort(c, protocol.NewError(protocol.ErrCodeNotFound, "no audit entries").WithDetails("id", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"passportDataId": id, "entries": trail})
}
