// Package api exposes the trust engine over HTTP with gin.
package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/transport"
)

// CertificateStore 证书目录（cert.Registry 实现）
type CertificateStore interface {
	cert.Lookup
	Import(ctx context.Context, data []byte, role string) ([]*cert.Certificate, int, error)
	List(ctx context.Context, page, pageSize int, certType cert.CertType) ([]*cert.Certificate, int64, error)
}

// CRLStore CRL 目录（crl.Registry 实现）
type CRLStore interface {
	Import(ctx context.Context, data []byte) (*crl.CertificateRevocationList, bool, error)
}

// PassportStore 被动认证结果与审计读取（pa.Store 实现）
type PassportStore interface {
	FindByID(ctx context.Context, id string) (*pa.PassportData, error)
	Trail(ctx context.Context, passportDataID string) ([]*logging.AuditEntry, error)
}

// CacheClearer 清理 CRL 内存缓存（crl.Cache 实现）
type CacheClearer interface {
	ClearMemoryCache()
}

// Deps 业务依赖
type Deps struct {
	Certificates CertificateStore
	CRLs         CRLStore
	Chain        *cert.ChainVerifier
	Verifier     pa.Verifier // 通常为 *pa.Pool
	Passports    PassportStore
	CRLCache     CacheClearer
	Events       transport.EventStream // 可为 nil
}

// Config 服务器配置
type Config struct {
	Addr              string
	TLSConfig         *tls.Config
	Transport         transport.Options
	MaxBodyBytes      int64
	CheckRevocation   bool // 请求未指定时的默认值
	MaxChainDepth     int
	CRLTimeoutSeconds int
}

// Server 信任验证 HTTP 服务器
type Server struct {
	config *Config
	deps   Deps
	logger logging.Logger
	router *gin.Engine
	http   transport.HTTPServer
}

// NewServer 创建服务器并注册路由
func NewServer(config *Config, deps Deps, logger logging.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 8 << 20
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: config,
		deps:   deps,
		logger: logging.OrNop(logger),
		router: router,
		http:   transport.NewHTTPServer(config.TLSConfig, &config.Transport),
	}
	s.http.RegisterMiddleware(transport.MetricsMiddleware)
	s.setupRoutes()
	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 请求日志中间件
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("API request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(transport.MetricsHandler()))

	v1 := s.router.Group("/api/v1")

	certs := v1.Group("/certificates")
	{
		certs.GET("", s.listCertificates)
		certs.POST("", s.importCertificates)
		certs.GET("/:id", s.getCertificate)
	}
	v1.POST("/crls", s.importCRL)
	v1.DELETE("/crl-cache", s.clearCRLCache)

	v1.POST("/trust-chain/verify", s.verifyTrustChain)

	passive := v1.Group("/passive-authentication")
	{
		passive.POST("/verify", s.verifyPassport)
		passive.GET("/events", s.subscribeEvents)
		passive.GET("/:id", s.getPassportData)
		passive.GET("/:id/audit", s.getAuditTrail)
	}
}

// Handler 返回完整处理链（含传输层中间件），用于测试
func (s *Server) Handler() http.Handler {
	return transport.MetricsMiddleware(s.router)
}

// Start 启动服务器（阻塞）
func (s *Server) Start() error {
	s.logger.Info("Starting trust API server", "addr", s.config.Addr, "tls", s.config.TLSConfig != nil)
	return s.http.Start(s.config.Addr, s.router)
}

// Serve 在 l 上启动服务器（阻塞）
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting trust API server", "addr", l.Addr().String(), "tls", s.config.TLSConfig != nil)
	return s.http.Serve(l, s.router)
}

// Stop 停止服务器并断开事件订阅
func (s *Server) Stop() error {
	s.logger.Info("Stopping trust API server...")
	if s.deps.Events != nil {
		_ = s.deps.Events.Stop()
	}
	return s.http.Stop()
}
