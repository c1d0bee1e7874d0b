// Command voxline is the main entry point for the Voxline voice agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voxline/voxline/internal/campaign"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/health"
	"github.com/voxline/voxline/internal/hedge"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/ratelimit"
	"github.com/voxline/voxline/internal/server"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/internal/store/memstore"
	"github.com/voxline/voxline/internal/store/postgres"
	"github.com/voxline/voxline/pkg/model/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	fillerDir := flag.String("fillers", "fillers", "directory of per-language filler PCM clips")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		st       store.Store
		checkers []health.Checker
	)
	if cfg.Database.DSN != "" {
		pg, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("migration failed", "err", err)
			return 1
		}
		st = pg
		checkers = append(checkers, health.Checker{Name: "database", Check: pg.Ping})
	} else {
		slog.Warn("no database configured; using in-memory store (transcripts will not survive restarts)")
		st = memstore.New()
	}

	// ── Model gateway ─────────────────────────────────────────────────────────
	var modelOpts []gemini.Option
	if cfg.Model.Name != "" {
		modelOpts = append(modelOpts, gemini.WithModel(cfg.Model.Name))
	}
	if cfg.Model.BaseURL != "" {
		modelOpts = append(modelOpts, gemini.WithBaseURL(cfg.Model.BaseURL))
	}
	gateway := gemini.New(cfg.Model.APIKey, modelOpts...)

	// ── Campaign dispatcher ───────────────────────────────────────────────────
	limiter := ratelimit.New(cfg.RateLimit.CallsPerMinute,
		time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond)

	var dialer campaign.Dialer
	switch {
	case cfg.Carriers.Twilio.Enabled():
		dialer = server.NewTwilioDialer(cfg.Carriers.Twilio, cfg.Server.PublicBaseURL)
	case cfg.Carriers.Exotel.Enabled():
		dialer = server.NewExotelDialer(cfg.Carriers.Exotel, cfg.Server.PublicBaseURL)
	default:
		slog.Warn("no carrier credentials configured; outbound campaigns are disabled")
		dialer = noDialer{}
	}
	dispatcher := campaign.New(st, limiter, dialer)

	// ── Fillers ───────────────────────────────────────────────────────────────
	fillers, err := loadFillers(*fillerDir)
	if err != nil {
		slog.Warn("filler library unavailable; sessions run without latency masking", "dir", *fillerDir, "err", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv, err := server.New(cfg, server.Deps{
		Store:      st,
		Gateway:    gateway,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Metrics:    observe.DefaultMetrics(),
		Health:     health.New(checkers...),
		Fillers:    fillers,
	})
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	printStartupSummary(cfg, fillers)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Fillers ───────────────────────────────────────────────────────────────────

// loadFillers builds the hedge library from dir, which holds one
// subdirectory per language containing raw PCM16 clips at the egress rate
// (e.g., fillers/english/hmm.pcm).
func loadFillers(dir string) (*hedge.Library, error) {
	langs, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	clips := make(map[string][]hedge.Clip)
	for _, lang := range langs {
		if !lang.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, lang.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".pcm" {
				continue
			}
			pcm, err := os.ReadFile(filepath.Join(dir, lang.Name(), f.Name()))
			if err != nil {
				return nil, err
			}
			clips[lang.Name()] = append(clips[lang.Name()], hedge.Clip{
				Name: f.Name(),
				PCM:  pcm,
			})
		}
	}
	return hedge.NewLibrary(clips)
}

// noDialer rejects every dial; installed when no carrier is configured.
type noDialer struct{}

func (noDialer) Dial(context.Context, string, string, string) (string, error) {
	return "", errors.New("no carrier configured")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, fillers *hedge.Library) {
	carrier := "(none)"
	switch {
	case cfg.Carriers.Twilio.Enabled() && cfg.Carriers.Exotel.Enabled():
		carrier = "twilio+exotel"
	case cfg.Carriers.Twilio.Enabled():
		carrier = "twilio"
	case cfg.Carriers.Exotel.Enabled():
		carrier = "exotel"
	}
	database := "in-memory"
	if cfg.Database.DSN != "" {
		database = "postgres"
	}
	fillerLangs := 0
	if fillers != nil {
		fillerLangs = len(fillers.Languages())
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Model           : %-19s║\n", cfg.Model.Provider)
	fmt.Printf("║  Carriers        : %-19s║\n", carrier)
	fmt.Printf("║  Database        : %-19s║\n", database)
	fmt.Printf("║  Agents          : %-19d║\n", len(cfg.Agents))
	fmt.Printf("║  Filler languages: %-19d║\n", fillerLangs)
	fmt.Printf("║  Listen addr     : %-19s║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
