// Command pingpong is the Archipelago demo process: one ponger isle, one
// paced pinger client, a Prometheus metrics listener, and a bbolt export of
// the audit trail. It exists to show the full stack wired together and to
// give the config watcher something to reload against.
//
// Usage:
//
//	pingpong [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/archipelago/internal/auditlog/boltsink"
	"github.com/snehjoshi/archipelago/internal/config"
	"github.com/snehjoshi/archipelago/internal/types"
	"github.com/snehjoshi/archipelago/pkg/isles"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pingpong: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := new(slog.LevelVar)
	lvl, err := cfg.Log.SlogLevel()
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	level.Set(lvl)

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// ── 3. Watch the config file for live changes ────────────────────────────
	// Defaults-only runs have no file to watch.
	if _, statErr := os.Stat(*configPath); statErr == nil {
		w, err := config.Watch(*configPath, logger)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer w.Close()

		w.OnChange(func(old, next *config.Config) {
			if l, err := next.Log.SlogLevel(); err == nil && l != level.Level() {
				slog.Info("log level changed", "from", level.Level(), "to", l)
				level.Set(l)
			}
			if next.Pacing != old.Pacing {
				slog.Warn("pacing changed in config; restart to apply",
					"rate", next.Pacing.Rate, "burst", next.Pacing.Burst)
			}
		})
	} else {
		slog.Info("no config file, running on defaults", "path", *configPath)
	}

	// ── 4. Metrics registry ──────────────────────────────────────────────────
	reg := &isles.Metrics{}

	// ── 5. Manager: router, registry, audit log ──────────────────────────────
	defaults, err := isleDefaults(cfg.Router)
	if err != nil {
		return fmt.Errorf("router defaults: %w", err)
	}

	m, err := isles.New(
		isles.WithLogger(logger),
		isles.WithMetrics(reg),
		isles.WithIsleDefaults(defaults),
	)
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	// ── 6. Signal-aware root context ─────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 7. Audit-trail export sink ───────────────────────────────────────────
	var sink *boltsink.Sink
	if cfg.Export.Enabled {
		interval, err := cfg.Export.FlushInterval()
		if err != nil {
			return fmt.Errorf("export interval: %w", err)
		}
		s, err := boltsink.Open(cfg.Export.Path, m.AuditLog(), boltsink.Options{
			Owner:    m.ID(),
			Interval: interval,
			Batch:    cfg.Export.Batch,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("open audit export: %w", err)
		}
		sink = s
		go sink.Run(ctx)
	}

	// ── 8. Spawn the ponger isle ─────────────────────────────────────────────
	pongAddr, err := m.Spawn(&ponger{}, isles.WithName("ponger"))
	if err != nil {
		return fmt.Errorf("spawn ponger: %w", err)
	}

	// ── 9. Paced pinger client ───────────────────────────────────────────────
	pinger, err := m.NewClient("pinger",
		isles.WithSendPacing(rate.Limit(cfg.Pacing.Rate), cfg.Pacing.Burst))
	if err != nil {
		return fmt.Errorf("new pinger: %w", err)
	}
	go pingLoop(ctx, pinger, pongAddr)

	// ── 10. Prometheus metrics listener ──────────────────────────────────────
	if cfg.Metrics.Enabled {
		go func() {
			slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, reg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	slog.Info("pingpong ready",
		"manager", m.ID(),
		"ponger", pongAddr,
		"rate", cfg.Pacing.Rate,
		"export", cfg.Export.Enabled,
	)

	// ── 11. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	<-ctx.Done()
	slog.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutCtx); err != nil {
		slog.Warn("manager shutdown error", "err", err)
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			slog.Warn("audit export close error", "err", err)
		}
	}

	// ── 12. Final trail statistics ───────────────────────────────────────────
	st := m.LogStats()
	slog.Info("audit trail final",
		"total", st.Total,
		"delivered", st.Delivered,
		"dropped", st.Dropped,
		"undeliverable", st.Undeliverable,
		"errors", st.Errors,
	)

	slog.Info("pingpong stopped")
	return nil
}

// isleDefaults converts the config's policy strings into typed registration
// defaults. Validate has already vetted the strings; errors here mean the
// config changed under us.
func isleDefaults(rc config.RouterConfig) (isles.IsleDefaults, error) {
	overflow, err := types.ParseOverflowPolicy(rc.DefaultOverflow)
	if err != nil {
		return isles.IsleDefaults{}, err
	}
	unhandled, err := types.ParseUnhandledPolicy(rc.DefaultUnhandled)
	if err != nil {
		return isles.IsleDefaults{}, err
	}
	failure, err := types.ParseFailurePolicy(rc.DefaultFailure)
	if err != nil {
		return isles.IsleDefaults{}, err
	}
	return isles.IsleDefaults{
		Capacity:  rc.DefaultCapacity,
		Overflow:  overflow,
		Unhandled: unhandled,
		Failure:   failure,
	}, nil
}

// pingLoop calls the ponger until ctx ends, throttled by the client's pacing
// limiter. Each round trip gets its own deadline so a wedged receiver cannot
// hang the loop for longer than one interval.
func pingLoop(ctx context.Context, c *isles.Client, target isles.Address) {
	for n := 1; ; n++ {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		reply, err := c.Call(callCtx, target, "ping", n)
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("ping failed", "n", n, "err", err)
		default:
			slog.Info("round trip", "n", n, "reply", reply)
		}
	}
}

// ─── The ponger ───────────────────────────────────────────────────────────────

// reportEvery is how often the ponger logs its running tally, via a
// timer-driven self-send.
const reportEvery = 30 * time.Second

// ponger answers every ping with a running tally. count needs no lock:
// handlers for one isle never run concurrently.
type ponger struct {
	count int
}

func (p *ponger) Routes() map[string]isles.Handler {
	return map[string]isles.Handler{
		"ping":   p.handlePing,
		"report": p.handleReport,
	}
}

func (p *ponger) Setup(ctx context.Context, env *isles.Env) error {
	env.Logger().Info("ponger ready")
	env.SendAfter(reportEvery, "report", nil)
	return nil
}

func (p *ponger) Teardown(ctx context.Context) {
	slog.Info("ponger retiring", "answered", p.count)
}

func (p *ponger) handlePing(ctx context.Context, d *isles.Delivery) error {
	p.count++
	return d.Reply(fmt.Sprintf("pong %d", p.count))
}

func (p *ponger) handleReport(ctx context.Context, d *isles.Delivery) error {
	d.Env().Logger().Info("tally", "answered", p.count)
	d.Env().SendAfter(reportEvery, "report", nil)
	return nil
}
