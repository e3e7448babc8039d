package protocol

import (
	"errors"
	"fmt"
)

// API 错误码常量
const (
	ErrCodeSuccess = 0

	// 请求错误 (400xx)
	ErrCodeInvalidRequest = 40000 // 无效请求
	ErrCodeInvalidDepth   = 40001 // 链深度越界
	ErrCodeMalformedInput = 40002 // SOD/证书无法解析

	// 资源错误 (404xx)
	ErrCodeNotFound            = 40400 // 资源不存在
	ErrCodeCertificateNotFound = 40401 // 证书不存在

	// 服务错误 (500xx / 503xx)
	ErrCodeInternal         = 50000 // 内部错误
	ErrCodeServiceUnavail   = 50301 // 服务不可用
	ErrCodeStoreUnavailable = 50302 // 存储不可用
)

// Error API 层错误
type Error struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NewError 创建新错误
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError 包装已有错误
func WrapError(code int, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		Details: make(map[string]interface{}),
	}
}

// WithDetails 添加详细信息
func (e *Error) WithDetails(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ErrorCode identifies one failed verification check.
type ErrorCode string

const (
	CodeChainNotFound       ErrorCode = "CHAIN_NOT_FOUND"
	CodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	CodeExpired             ErrorCode = "EXPIRED"
	CodeNotYetValid         ErrorCode = "NOT_YET_VALID"
	CodeNotCA               ErrorCode = "NOT_CA"
	CodeCertificateRevoked  ErrorCode = "CERTIFICATE_REVOKED"
	CodeChainDepthExceeded  ErrorCode = "CHAIN_DEPTH_EXCEEDED"
	CodeSodSignatureInvalid ErrorCode = "SOD_SIGNATURE_INVALID"
	CodeDscMismatch         ErrorCode = "DSC_MISMATCH"
	CodeDgHashMismatch      ErrorCode = "DG_HASH_MISMATCH"
	CodeDgHashMissing       ErrorCode = "DG_HASH_MISSING"
	CodeSodParseError       ErrorCode = "SOD_PARSE_ERROR"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
)

// ValidationError is a business-rule violation. Values are appended to
// result error lists and never mutated afterwards.
type ValidationError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError from alternating key/value pairs.
func NewValidationError(code ErrorCode, message string, kv ...interface{}) ValidationError {
	ve := ValidationError{Code: code, Message: message}
	if len(kv) > 1 {
		ve.Context = make(map[string]interface{}, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ve.Context[fmt.Sprint(kv[i])] = kv[i+1]
		}
	}
	return ve
}

// InfrastructureError wraps a failure of a collaborator (directory, store,
// timeout) rather than of the verified data.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// NewInfrastructureError wraps err; it returns nil when err is nil.
func NewInfrastructureError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// ParseError reports malformed TLV, CMS, ASN.1 or DER input.
type ParseError struct {
	Structure string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed %s", e.Structure)
	}
	return fmt.Sprintf("malformed %s: %v", e.Structure, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError with a formatted cause.
func NewParseError(structure, format string, args ...interface{}) *ParseError {
	return &ParseError{Structure: structure, Err: fmt.Errorf(format, args...)}
}

// ErrorClass is the propagation category of an error.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassValidation
	ClassInfrastructure
	ClassParse
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassInfrastructure:
		return "infrastructure"
	case ClassParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Policy is what a caller does with an error of a given class.
type Policy int

const (
	// PolicyAccumulate records the error and continues with the remaining checks.
	PolicyAccumulate Policy = iota
	// PolicyFailOpen treats the check as not performed and continues.
	PolicyFailOpen
	// PolicyFailClosed records a CHAIN_NOT_FOUND-style validation error.
	PolicyFailClosed
	// PolicyTerminate ends the verification with status ERROR.
	PolicyTerminate
)

// Stage names the check an error was raised from.
type Stage string

const (
	StageRevocation     Stage = "revocation"
	StageCertResolution Stage = "certificate_resolution"
	StageSodParse       Stage = "sod_parse"
	StageDataGroups     Stage = "data_groups"
)

// Classify returns the class of err.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return ClassParse
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}
	var vp *ValidationError
	if errors.As(err, &vp) {
		return ClassValidation
	}
	return ClassInfrastructure
}

// PolicyFor is the single fail-open / fail-closed table used by every
// verification stage.
func PolicyFor(stage Stage, err error) Policy {
	switch stage {
	case StageRevocation:
		return PolicyFailOpen
	case StageCertResolution:
		return PolicyFailClosed
	case StageSodParse:
		return PolicyTerminate
	}
	if Classify(err) == ClassParse {
		return PolicyTerminate
	}
	return PolicyAccumulate
}
