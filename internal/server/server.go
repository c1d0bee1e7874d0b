// Package server exposes Voxline's HTTP and WebSocket surface: carrier media
// streams, campaign controls, carrier webhooks, and the operational endpoints
// (/healthz, /readyz, /metrics).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxline/voxline/internal/agent"
	"github.com/voxline/voxline/internal/campaign"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/health"
	"github.com/voxline/voxline/internal/hedge"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/ratelimit"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/model"
)

const shutdownGrace = 10 * time.Second

// Deps carries the subsystems the server routes requests into. All fields
// except Fillers are required.
type Deps struct {
	Store      store.Store
	Gateway    model.Gateway
	Dispatcher *campaign.Dispatcher
	Limiter    *ratelimit.Limiter
	Metrics    *observe.Metrics
	Health     *health.Handler

	// Fillers is the hedge clip library shared by all sessions. May be nil
	// when no filler audio is bundled.
	Fillers *hedge.Library
}

// Server wires HTTP routes to the call runtime.
type Server struct {
	cfg    *config.Config
	deps   Deps
	agents map[string]agent.Config

	// defaultAgent handles streams that do not name an agent.
	defaultAgent string

	// resolveTimeout bounds how long a media stream waits for its call
	// session document. Shortened in tests.
	resolveTimeout time.Duration
}

// New builds a Server from validated configuration.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Dispatcher == nil || deps.Limiter == nil {
		return nil, errors.New("server: store, gateway, dispatcher, and limiter are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}

	s := &Server{
		cfg:            cfg,
		deps:           deps,
		agents:         make(map[string]agent.Config, len(cfg.Agents)),
		resolveTimeout: callResolveTimeout,
	}
	for i, a := range cfg.Agents {
		s.agents[a.ID] = a
		if i == 0 {
			s.defaultAgent = a.ID
		}
	}
	return s, nil
}

// Handler returns the full route table wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Carrier media streams.
	mux.HandleFunc("GET /media-stream/{callSid}", s.handleTwilioMedia)
	mux.HandleFunc("GET /media-stream", s.handleExotelMedia)

	// Campaign controls.
	mux.HandleFunc("POST /campaigns", s.handleCampaignCreate)
	mux.HandleFunc("POST /campaigns/{id}/pause", s.campaignControl("pause"))
	mux.HandleFunc("POST /campaigns/{id}/resume", s.campaignControl("resume"))
	mux.HandleFunc("POST /campaigns/{id}/stop", s.campaignControl("stop"))
	mux.HandleFunc("GET /campaigns/{id}", s.handleCampaignGet)

	// Carrier webhooks.
	mux.HandleFunc("POST /twilio/voice", s.handleTwilioVoice)
	mux.HandleFunc("POST /twilio/status", s.handleTwilioStatus)

	// Operational endpoints.
	s.deps.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.deps.Metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then drains with a grace period.
// The campaign dispatcher loop runs in the same group.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.deps.Dispatcher.Run(ctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("http server listening", "addr", s.cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// agentFor resolves the agent configuration for a stream, falling back to
// the first configured agent.
func (s *Server) agentFor(id string) (agent.Config, bool) {
	if id == "" {
		id = s.defaultAgent
	}
	a, ok := s.agents[id]
	return a, ok
}
