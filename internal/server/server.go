// Package server exposes pipeline ingestion, status and metrics over HTTP,
// and pushes status snapshots to websocket clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/pipeline"
	"github.com/scrypster/anchorflow/pkg/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"gte=0,lte=65535"`
	APIToken       string        `koanf:"api_token"`
	RateLimit      float64       `koanf:"rate_limit" validate:"gt=0"`
	RateBurst      int           `koanf:"rate_burst" validate:"gte=1"`
	PushInterval   time.Duration `koanf:"push_interval" validate:"gt=0"`
	MaxBatch       int           `koanf:"max_batch" validate:"gte=1"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// DefaultConfig returns a server bound to localhost:6464.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           6464,
		RateLimit:      50,
		RateBurst:      100,
		PushInterval:   5 * time.Second,
		MaxBatch:       500,
		AllowedOrigins: []string{"localhost:*", "127.0.0.1:*"},
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// Server is the HTTP front of a pipeline.
type Server struct {
	cfg      Config
	pipeline *pipeline.Orchestrator
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	validate *validator.Validate
	hub      *Hub
	router   chi.Router

	mu       sync.Mutex
	httpSrv  *http.Server
	addr     string
	stopPush context.CancelFunc
	pushDone chan struct{}
}

// New builds the router. gatherer serves /metrics; nil uses the default
// Prometheus registry.
func New(cfg Config, p *pipeline.Orchestrator, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		pipeline: p,
		gatherer: gatherer,
		logger:   logger,
		validate: validator.New(),
		hub:      NewHub(logger, cfg.AllowedOrigins),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Handle("/ws", s.hub)

	limiter := NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
	r.Route("/api", func(r chi.Router) {
		r.Use(requireToken(s.cfg.APIToken))

		r.Get("/status", s.handleStatus)
		r.Get("/engine", s.handleEngine)
		r.Get("/thresholds", s.handleThresholds)
		r.Get("/events/{id}", s.handleGetEvent)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/events", s.handleSubmitEvents)
			r.Post("/feedback", s.handleFeedback)
			r.Post("/learning/flush", s.handleFlushLearning)
		})
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on the configured address, starts the websocket hub and
// the periodic status push, and returns the bound address.
func (s *Server) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return "", errors.New("server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.addr = ln.Addr().String()

	go s.hub.Run()
	s.pipeline.SetOnAnchorCreated(func(a *types.MemoryAnchor) {
		s.hub.Broadcast("anchor_created", a)
	})
	s.pipeline.SetOnProgress(func(p types.PipelineEvent) {
		if p.Stage.IsTerminal() && s.hub.Clients() > 0 {
			s.hub.Broadcast("pipeline_event", p)
		}
	})

	pushCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPush = cancel
	s.pushDone = make(chan struct{})
	go s.pushStatus(pushCtx)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))
	return s.addr, nil
}

// pushStatus broadcasts a pipeline status snapshot every PushInterval.
func (s *Server) pushStatus(ctx context.Context) {
	defer close(s.pushDone)
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Clients() > 0 {
				s.hub.Broadcast("status", s.pipeline.Status())
			}
		}
	}
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return errors.New("server not started")
	}

	s.stopPush()
	<-s.pushDone
	s.pipeline.SetOnAnchorCreated(nil)
	s.pipeline.SetOnProgress(nil)

	err := s.httpSrv.Shutdown(ctx)
	s.hub.Stop()
	s.httpSrv = nil
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
