// Package gantry composes the session lifecycle coordinator with its
// transports: the HTTP workspace and the SSH console.
package gantry

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/httpapi"
	"pkt.systems/gantry/internal/appconfig"
	"pkt.systems/gantry/internal/auth"
	"pkt.systems/gantry/internal/eventbus"
	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/gantry/schema"
	"pkt.systems/gantry/sshconsole"
	"pkt.systems/pslog"
)

// Server composes the HTTP and SSH console services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service      schema.ServiceConfig
	HTTP         httpapi.Config
	Console      sshconsole.Config
	Auth         AuthConfig
	HubHistory   int
	ProbeTimeout time.Duration
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial user record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableConsole bool
}

// WithHTTP enables the HTTP API/UI server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithConsole enables the SSH console server.
func WithConsole() ServerOption {
	return func(o *serverOptions) { o.enableConsole = true }
}

// New constructs a composable gantry server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableConsole {
		return nil, errors.New("no services enabled")
	}

	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	logger := deps.ServiceDeps.Logger

	var hub *httpapi.Hub
	var bus *eventbus.Bus
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HubHistory)
	}
	if options.enableConsole {
		bus = eventbus.New(logger)
	}

	serviceDeps := deps.ServiceDeps
	sinks := make([]core.EventSink, 0, 3)
	if serviceDeps.EventSink != nil {
		sinks = append(sinks, serviceDeps.EventSink)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if bus != nil {
		sinks = append(sinks, bus)
	}
	switch len(sinks) {
	case 0:
	case 1:
		serviceDeps.EventSink = sinks[0]
	default:
		serviceDeps.EventSink = eventFanout{sinks: sinks}
	}

	service, err := core.NewService(cfg.Service, serviceDeps)
	if err != nil {
		return nil, err
	}

	seeds := toSeedUsers(cfg.Auth.SeedUsers)
	authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, seeds, logger)
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		prober := netprobe.New(netprobe.Options{Timeout: cfg.ProbeTimeout, Logger: logger})
		httpSrv = httpapi.NewServer(cfg.HTTP, service, authStore, prober, hub)
	}

	var consoleSrv *sshconsole.Server
	if options.enableConsole {
		consoleSrv = &sshconsole.Server{
			Config:    cfg.Console,
			Service:   service,
			AuthStore: authStore,
			EventBus:  bus,
		}
	}

	return &compositeServer{
		cfg:        cfg,
		options:    options,
		httpSrv:    httpSrv,
		consoleSrv: consoleSrv,
	}, nil
}

type compositeServer struct {
	cfg        ServerConfig
	options    serverOptions
	httpSrv    *httpapi.Server
	consoleSrv *sshconsole.Server
	logger     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"console", s.options.enableConsole,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"console_addr", s.cfg.Console.Addr,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableConsole && s.consoleSrv != nil {
		go func() {
			if err := s.consoleSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("console server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
		})
	}
	return out
}
