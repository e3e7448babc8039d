// Package engine assembles the trust verification components into a
// ready-to-run service.
//
// Example usage:
//
//	e, err := engine.New(config.NewLoader().Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer e.Close()
//
//	// Start (blocks until interrupted)
//	e.Start()
package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/houzhh15/pkd-trust/api"
	"github.com/houzhh15/pkd-trust/cert"
	"github.com/houzhh15/pkd-trust/config"
	"github.com/houzhh15/pkd-trust/crl"
	"github.com/houzhh15/pkd-trust/crl/bolt"
	"github.com/houzhh15/pkd-trust/logging"
	"github.com/houzhh15/pkd-trust/pa"
	"github.com/houzhh15/pkd-trust/sod"
	"github.com/houzhh15/pkd-trust/transport"
)

// persistentTier 可关闭的 CRL 持久缓存层
type persistentTier interface {
	crl.PersistentStore
	Close() error
}

// Engine 完整的信任验证服务实例
type Engine struct {
	config *config.Config
	logger *logging.DefaultLogger

	// 目录与缓存
	db           *gorm.DB
	certRegistry *cert.Registry
	crlRegistry  *crl.Registry
	persistent   persistentTier
	crlCache     *crl.Cache

	// 验证组件
	chain        *cert.ChainVerifier
	orchestrator *pa.Orchestrator
	pool         *pa.Pool
	store        *pa.Store
	auditFile    *logging.FileAuditSink

	// 对外服务
	events transport.EventStream
	server *api.Server
}

// New 根据配置创建 Engine
func New(cfg *config.Config) (*Engine, error) {
	loader := config.NewLoader()
	if err := loader.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loader.SetDefaults(cfg)

	logger, err := newLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	e := &Engine{config: cfg, logger: logger}
	if err := e.init(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func newLogger(cfg *config.LoggingConfig) (*logging.DefaultLogger, error) {
	output := cfg.Output
	if output == "file" {
		output = cfg.File
	}
	return logging.NewLogger(&logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: output,
	})
}

func (e *Engine) init() error {
	cfg := e.config

	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	e.db = db

	if e.certRegistry, err = cert.NewRegistry(db, e.logger.Named("cert")); err != nil {
		return fmt.Errorf("failed to initialize cert registry: %w", err)
	}
	limit := cfg.Verification.LookupConcurrency
	certLookup := cert.NewBoundedLookup(e.certRegistry, limit)
	issuers := cert.NewCRLIssuerVerifier(certLookup)

	if e.crlRegistry, err = crl.NewRegistry(db, e.logger.Named("crl"), crl.VerifyIssuerWith(issuers)); err != nil {
		return fmt.Errorf("failed to initialize crl registry: %w", err)
	}

	if e.persistent, err = openTier(db, &cfg.CRLCache); err != nil {
		return fmt.Errorf("failed to open crl cache backend %s: %w", cfg.CRLCache.Backend, err)
	}

	var tier crl.PersistentStore
	if e.persistent != nil {
		tier = e.persistent
	}
	e.crlCache = crl.NewCache(crl.NewBoundedLookup(e.crlRegistry, limit), tier, e.logger.Named("crl-cache"),
		crl.WithIssuerVerifier(issuers))
	checker := crl.NewChecker(e.crlCache, e.logger.Named("revocation"))
	e.chain = cert.NewChainVerifier(certLookup, checker, e.logger.Named("chain"))

	if e.store, err = pa.NewStore(db); err != nil {
		return fmt.Errorf("failed to initialize passport store: %w", err)
	}
	var audit pa.AuditSink = e.store
	if cfg.Logging.AuditFile != "" {
		if e.auditFile, err = logging.NewFileAuditSink(cfg.Logging.AuditFile, e.logger); err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		audit = fanout{e.store, e.auditFile}
	}

	e.orchestrator = pa.NewOrchestrator(certLookup, e.chain, sod.NewProcessor(e.logger.Named("sod")), audit,
		e.logger.Named("pa"), e.paOptions(), pa.WithResultStore(e.store))
	e.pool = pa.NewPool(e.orchestrator, cfg.Verification.WorkerPoolSize, e.logger.Named("pool"))

	return e.initServer()
}

// openTier 按 backend 打开持久缓存层，"none" 时返回 nil
func openTier(db *gorm.DB, cfg *config.CRLCacheConfig) (persistentTier, error) {
	switch cfg.Backend {
	case "db":
		store, err := crl.NewDBStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "bolt":
		store, err := bolt.New(cfg.BoltPath, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (e *Engine) paOptions() pa.Options {
	v := e.config.Verification
	return pa.Options{
		MaxChainDepth:     v.MaxChainDepth,
		ValidateValidity:  !v.DisableValidityCheck,
		AllowEmbeddedDSC:  !v.DisableEmbeddedDSC,
		CRLTimeoutSeconds: e.config.CRLCache.DefaultTimeoutSeconds,
	}
}

func (e *Engine) initServer() error {
	cfg := e.config

	tlsConfig, err := e.loadTLS()
	if err != nil {
		return err
	}

	e.events = transport.NewSSEServer(e.logger.Named("events"), 0)
	e.server = api.NewServer(&api.Config{
		Addr:      cfg.Transport.HTTPAddr,
		TLSConfig: tlsConfig,
		Transport: transport.Options{
			ReadTimeout:     cfg.Transport.ReadTimeout,
			WriteTimeout:    cfg.Transport.WriteTimeout,
			IdleTimeout:     cfg.Transport.IdleTimeout,
			ShutdownTimeout: cfg.Transport.ShutdownTimeout,
		},
		MaxBodyBytes:      cfg.Transport.MaxBodyBytes,
		CheckRevocation:   cfg.Verification.CheckRevocation,
		MaxChainDepth:     cfg.Verification.MaxChainDepth,
		CRLTimeoutSeconds: cfg.CRLCache.DefaultTimeoutSeconds,
	}, api.Deps{
		Certificates: e.certRegistry,
		CRLs:         e.crlRegistry,
		Chain:        e.chain,
		Verifier:     e.pool,
		Passports:    e.store,
		CRLCache:     e.crlCache,
		Events:       e.events,
	}, e.logger.Named("api"))
	return nil
}

// loadTLS 未配置证书时返回 nil（普通 HTTP）
func (e *Engine) loadTLS() (*tls.Config, error) {
	t := e.config.TLS
	if !t.Enabled() {
		return nil, nil
	}
	minVersion, err := transport.ParseTLSVersion(t.MinVersion)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := transport.LoadTLSConfig(&transport.TLSConfig{
		CertFile:   t.CertFile,
		KeyFile:    t.KeyFile,
		CAFile:     t.CAFile,
		MinVersion: minVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS config: %w", err)
	}
	return tlsConfig, nil
}

// Logger 返回根日志记录器
func (e *Engine) Logger() logging.Logger { return e.logger }

// Certificates 返回证书目录
func (e *Engine) Certificates() *cert.Registry { return e.certRegistry }

// CRLs 返回 CRL 目录
func (e *Engine) CRLs() *crl.Registry { return e.crlRegistry }

// Chain 返回信任链校验器
func (e *Engine) Chain() *cert.ChainVerifier { return e.chain }

// Verifier 返回有界的被动认证执行池
func (e *Engine) Verifier() *pa.Pool { return e.pool }

// Passports 返回结果与审计存储
func (e *Engine) Passports() *pa.Store { return e.store }

// Server 返回 HTTP API 服务器
func (e *Engine) Server() *api.Server { return e.server }

// Start 启动 HTTP 服务并阻塞直到收到中断信号
func (e *Engine) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.Run(ctx)
}

// Run 启动 HTTP 服务并阻塞直到 ctx 结束或服务出错
func (e *Engine) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", e.config.Transport.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.Transport.HTTPAddr, err)
	}

	e.logger.Info("Trust engine starting",
		"service", e.config.Service.ID,
		"version", e.config.Service.Version,
		"addr", l.Addr().String(),
		"crl_backend", e.config.CRLCache.Backend,
		"workers", e.pool.Size())

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Serve(l) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.logger.Info("Shutting down trust engine...")
	stopErr := e.server.Stop()
	// Serve 可能尚未注册服务器，关闭监听器保证其返回
	_ = l.Close()
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if stopErr != nil {
		e.logger.Error("Failed to stop HTTP server", "error", stopErr)
	}
	return stopErr
}

// Close 释放执行池、缓存后端、审计文件与数据库连接
func (e *Engine) Close() error {
	var errs []error
	if e.pool != nil {
		e.pool.Close()
	}
	if e.persistent != nil {
		errs = append(errs, e.persistent.Close())
	}
	if e.auditFile != nil {
		errs = append(errs, e.auditFile.Close())
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	e.logger.Info("Trust engine stopped")
	errs = append(errs, e.logger.Close())
	return errors.Join(errs...)
}

// fanout 将审计条目写入多个 sink，全部尝试后返回合并错误
type fanout []pa.AuditSink

func (f fanout) Append(ctx context.Context, entry *logging.AuditEntry) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
