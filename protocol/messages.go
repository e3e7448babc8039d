package protocol

// TrustChainVerifyRequest 信任链校验请求
type TrustChainVerifyRequest struct {
	CertificateID          string `json:"certificateId"`
	TrustAnchorCountryCode string `json:"trustAnchorCountryCode,omitempty"`
	CheckRevocation        bool   `json:"checkRevocation"`
	ValidateValidity       *bool  `json:"validateValidity,omitempty"` // 缺省为 true
	MaxChainDepth          *int   `json:"maxChainDepth,omitempty"`    // 1..10，缺省取服务配置
}

// PassiveAuthenticationRequest 被动认证请求
// 二进制字段为 base64 编码；dataGroups 的键为 "DG1" 或 "1"
type PassiveAuthenticationRequest struct {
	IssuingCountry  string            `json:"issuingCountry"`
	DocumentNumber  string            `json:"documentNumber"`
	SodBytes        string            `json:"sodBytes"`
	DscSubjectDN    string            `json:"dscSubjectDn,omitempty"`
	DscSerialNumber string            `json:"dscSerialNumber,omitempty"`
	DataGroups      map[string]string `json:"dataGroups"`
	CheckRevocation *bool             `json:"checkRevocation,omitempty"`

	// TrustAnchorCountryCode 为空时不限制信任锚国家
	TrustAnchorCountryCode string `json:"trustAnchorCountryCode,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// CacheClearResponse CRL 缓存清理响应
type CacheClearResponse struct {
	Cleared bool `json:"cleared"`
}
