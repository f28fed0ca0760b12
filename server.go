package tpcd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/svcfields"
)

// Server runs a Coordinator behind the JSON/HTTP API.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	coord        *Coordinator
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetry
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewServer validates cfg, installs telemetry, opens the decision log and
// runs recovery. The server accepts requests only after Start.
//
//	cfg := tpcd.DefaultConfig()
//	cfg.Store = "disk:///var/lib/tpcd"
//	srv, err := tpcd.NewServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	logger := o.Logger
	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	coord, err := Open(ctx, cfg, opts...)
	if err != nil {
		if tel != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = tel.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}
	mux := http.NewServeMux()
	NewHandler(coord, logger, !cfg.DisableHTTPTracing).Register(mux)
	serverLogger := svcfields.WithSubsystem(logger, svcfields.Server)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return pslog.ContextWithLogger(context.Background(), logger)
		},
		ErrorLog: log.New(httpErrorWriter{logger: serverLogger}, "", 0),
	}
	return &Server{
		cfg:       cfg,
		logger:    serverLogger,
		coord:     coord,
		httpSrv:   httpSrv,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

// Coordinator returns the coordinator the server drives.
func (s *Server) Coordinator() *Coordinator {
	return s.coord
}

// Handler exposes the HTTP handler (useful for httptest).
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.signalReady()
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "store", s.cfg.Store)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then closes
// the coordinator and telemetry. Transactions left mid-protocol are
// finished by recovery on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.coord.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("coordinator close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = multierr.Append(errs, s.telemetry.Shutdown(telemetryCtx))
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		s.logger.Info("server.shutdown.complete")
	}
	return errs
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until Start has bound (or failed to bind) its
// listener.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start is listening.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve exited with, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer builds and starts a server, returning once it listens. The
// returned stop function shuts it down and waits for Start to return.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if err := srv.WaitUntilReady(ctx); err != nil {
		_ = srv.Close()
		<-errCh
		return nil, nil, err
	}
	if srv.ListenerAddr() == nil {
		startErr := <-errCh
		return nil, nil, multierr.Append(startErr, srv.Close())
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil {
				stopErr = multierr.Append(stopErr, err)
			}
		})
		return stopErr
	}
	return srv, stop, nil
}

// httpErrorWriter routes net/http server errors into the structured logger.
type httpErrorWriter struct {
	logger pslog.Logger
}

func (w httpErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("server.http.error", "message", string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
