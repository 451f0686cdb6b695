package isles

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/archipelago/internal/router"
)

// ─── Manager options ──────────────────────────────────────────────────────────

// Option configures a Manager at construction.
type Option = router.Option

// IsleDefaults are the mailbox and policy defaults applied to isles that do
// not override them at registration.
type IsleDefaults = router.IsleDefaults

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return router.WithLogger(l) }

// WithMetrics installs a metrics registry. The manager counts sends,
// deliveries, drops, errors, and call outcomes into it and feeds its mailbox
// depth gauge.
func WithMetrics(reg *Metrics) Option { return router.WithMetrics(reg) }

// WithIsleDefaults overrides the built-in defaults (unbounded mailbox,
// block on overflow, ignore unhandled topics, fail fast on handler error).
func WithIsleDefaults(d IsleDefaults) Option { return router.WithIsleDefaults(d) }

// ─── Registration options ─────────────────────────────────────────────────────

// IsleOption configures one registration.
type IsleOption = router.IsleOption

// WithName sets the isle's human-readable label, carried in log lines and
// IsleInfo. The address stays the ULID; names need not be unique.
func WithName(name string) IsleOption { return router.WithName(name) }

// WithMailbox bounds the isle's mailbox and selects its overflow policy.
// Capacity 0 means unbounded, which never consults the policy.
func WithMailbox(capacity int, overflow OverflowPolicy) IsleOption {
	return router.WithMailbox(capacity, overflow)
}

// WithFailurePolicy selects FailFast or Restart for handler errors on plain
// sends. Handler errors on requests are answered with a fault reply and do
// not consult this policy.
func WithFailurePolicy(p FailurePolicy) IsleOption { return router.WithFailurePolicy(p) }

// WithUnhandledPolicy selects what an isle without a Default handler does
// with topics that match no route.
func WithUnhandledPolicy(p UnhandledPolicy) IsleOption { return router.WithUnhandledPolicy(p) }

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a NewClient call.
type ClientOption func(*Client)

// WithSendPacing rate-limits the client's outbound Send and Call with a
// token bucket: limit tokens per second, burst capacity. The wait honors
// the context passed to Send/Call.
//
//	c, err := m.NewClient("producer", isles.WithSendPacing(rate.Limit(5), 1))
func WithSendPacing(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.pace = rate.NewLimiter(limit, burst) }
}

// WithRecvBuffer bounds the client's own inbox. Useful for clients that
// Recv slowly or not at all: OverflowDrop sheds load instead of growing
// without bound, and the sender sees Receipt.Dropped.
func WithRecvBuffer(capacity int, overflow OverflowPolicy) ClientOption {
	return func(c *Client) {
		c.regOpts = append(c.regOpts, router.WithMailbox(capacity, overflow))
	}
}
