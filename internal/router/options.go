package router

import (
	"fmt"
	"log/slog"

	"github.com/snehjoshi/archipelago/internal/isle"
	"github.com/snehjoshi/archipelago/internal/metrics"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── Router options ───────────────────────────────────────────────────────────

// IsleDefaults are the per-isle settings used when Register is given no
// overriding IsleOptions. The zero value means unbounded mailboxes, blocking
// overflow, ignored unhandled topics, and fail-fast on handler errors.
type IsleDefaults struct {
	Capacity  int
	Overflow  types.OverflowPolicy
	Unhandled types.UnhandledPolicy
	Failure   types.FailurePolicy
}

// Option customizes a Router at construction time.
type Option func(*Router)

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches a metrics registry. The router bumps its counters on
// every send, delivery, drop, error, and call, and registers a mailbox depth
// gauge over the live isles.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithIsleDefaults replaces the defaults applied to every Register call.
func WithIsleDefaults(d IsleDefaults) Option {
	return func(r *Router) {
		r.defaults = d
	}
}

// ─── Per-isle options ─────────────────────────────────────────────────────────

// isleSettings is the resolved configuration for one registration: router
// defaults first, then IsleOptions on top.
type isleSettings struct {
	name      string
	capacity  int
	overflow  types.OverflowPolicy
	unhandled types.UnhandledPolicy
	failure   types.FailurePolicy
}

// IsleOption customizes one isle at registration time.
type IsleOption func(*isleSettings)

// WithName sets the isle's display name for logs and inspection. Without it
// the dynamic type of the isle value is used.
func WithName(name string) IsleOption {
	return func(s *isleSettings) {
		if name != "" {
			s.name = name
		}
	}
}

// WithMailbox bounds the isle's mailbox and picks its overflow policy.
// capacity 0 means unbounded and the policy is never consulted.
func WithMailbox(capacity int, overflow types.OverflowPolicy) IsleOption {
	return func(s *isleSettings) {
		s.capacity = capacity
		s.overflow = overflow
	}
}

// WithFailurePolicy overrides the router default for this isle.
func WithFailurePolicy(p types.FailurePolicy) IsleOption {
	return func(s *isleSettings) {
		s.failure = p
	}
}

// WithUnhandledPolicy overrides the router default for this isle.
func WithUnhandledPolicy(p types.UnhandledPolicy) IsleOption {
	return func(s *isleSettings) {
		s.unhandled = p
	}
}

// resolveSettings folds the router defaults and the per-isle options.
func (r *Router) resolveSettings(i isle.Isle, opts []IsleOption) isleSettings {
	s := isleSettings{
		capacity:  r.defaults.Capacity,
		overflow:  r.defaults.Overflow,
		unhandled: r.defaults.Unhandled,
		failure:   r.defaults.Failure,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.name == "" {
		s.name = fmt.Sprintf("%T", i)
	}
	return s
}
