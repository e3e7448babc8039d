package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Options HTTP 服务器超时设置，零值使用默认值
type Options struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 15 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 60 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// httpServer HTTP/REST API 服务器实现
// 支持 TLS、中间件链、优雅关闭
type httpServer struct {
	server      *http.Server
	tlsConfig   *tls.Config
	opts        Options
	middlewares []func(http.Handler) http.Handler
	mu          sync.RWMutex
}

// NewHTTPServer 创建 HTTP 服务器
// tlsConfig 为 nil 则使用普通 HTTP
func NewHTTPServer(tlsConfig *tls.Config, opts *Options) HTTPServer {
	return &httpServer{
		tlsConfig:   tlsConfig,
		opts:        opts.withDefaults(),
		middlewares: make([]func(http.Handler) http.Handler, 0),
	}
}

// RegisterMiddleware 注册中间件（先注册的在外层）
func (s *httpServer) RegisterMiddleware(mw func(http.Handler) http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// chain 应用中间件链（反向顺序）
func (s *httpServer) chain(handler http.Handler) http.Handler {
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		handler = s.middlewares[i](handler)
	}
	return handler
}

func (s *httpServer) prepare(addr string, handler http.Handler) *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.chain(handler),
		TLSConfig:    s.tlsConfig,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
	return s.server
}

// Start 启动 HTTP 服务器
func (s *httpServer) Start(addr string, handler http.Handler) error {
	srv := s.prepare(addr, handler)

	var err error
	if s.tlsConfig != nil {
		err = srv.ListenAndServeTLS("", "") // 证书已在 tlsConfig 中配置
	} else {
		err = srv.ListenAndServe()
	}
	return ignoreClosed(err)
}

// Serve 在 l 上启动服务器
func (s *httpServer) Serve(l net.Listener, handler http.Handler) error {
	srv := s.prepare(l.Addr().String(), handler)

	var err error
	if s.tlsConfig != nil {
		err = srv.ServeTLS(l, "", "")
	} else {
		err = srv.Serve(l)
	}
	return ignoreClosed(err)
}

// ErrServerClosed 不是错误（正常关闭）
func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop 优雅关闭服务器（等待现有请求完成）
func (s *httpServer) Stop() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}
