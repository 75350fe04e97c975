// Package opshttp serves the operational HTTP surface: /healthz and
// /metrics. It is optional and binds to localhost by default; it carries no
// auth, so do not expose it publicly.
package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "mealbot/internal/runtime/supervisor"
	logx "mealbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:9090"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Health is the /healthz body. Checks map component names to "ok" or an
// error string.
type Health struct {
	Status string            `json:"status"`
	Tasks  int               `json:"armed_tasks"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthFunc snapshots current process health. It must be cheap; it runs on
// every probe.
type HealthFunc func(ctx context.Context) Health

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	registry *prometheus.Registry
	health   HealthFunc

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, registry *prometheus.Registry, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Service{cfg: cfg, registry: registry, health: health, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	srv := s.srv
	s.sup.Go("serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	sup := s.sup
	s.srv = nil
	s.ln = nil
	s.sup = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		_ = sup.Wait(ctx)
	}
}

// Addr reports the bound listen address (useful when Addr had port 0).
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, req *http.Request) {
	h := Health{Status: "ok"}
	if s.health != nil {
		h = s.health(req.Context())
	}
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}
