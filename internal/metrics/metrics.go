// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for Archipelago. It deliberately avoids the
// prometheus/client_golang package so embedding the router adds no
// additional dependencies.
//
// # Counter naming convention
//
// Every counter is keyed by a single label value:
//
//	Sent / Delivered  →  key = topic
//	Dropped           →  key = reason ("capacity", "shutdown")
//	Errors            →  key = error kind ("unknown_receiver", "handler", ...)
//	Calls             →  key = outcome ("ok", "fault", "timeout", ...)
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all
// counters, plus the mailbox depth gauge, in the Prometheus exposition
// format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key without creating it.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// DepthFunc samples the live mailbox depths: isle name → queued messages.
// The router installs one; the handler calls it per scrape.
type DepthFunc func() map[string]int64

// Registry holds all Archipelago application metrics.
type Registry struct {
	// Message-level counters. key = topic
	Sent      labelCounter
	Delivered labelCounter

	// Dropped counts discarded messages. key = reason
	Dropped labelCounter

	// Errors counts boundary and dispatch failures. key = error kind
	Errors labelCounter

	// Calls counts request/reply round trips. key = outcome
	Calls labelCounter

	depthFn atomic.Value // DepthFunc
}

// SetMailboxDepthFunc installs the gauge sampler. Passing nil removes it.
func (r *Registry) SetMailboxDepthFunc(fn DepthFunc) {
	r.depthFn.Store(fn)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── message counters ──────────────────────────────────────────────────
		writeFamily(&b, "archipelago_messages_sent_total",
			"Total send attempts by topic", "counter",
			func(fn func(labels, val string)) {
				r.Sent.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`topic=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "archipelago_messages_delivered_total",
			"Total messages accepted into a mailbox or answered to a caller", "counter",
			func(fn func(labels, val string)) {
				r.Delivered.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`topic=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "archipelago_messages_dropped_total",
			"Total messages discarded, by reason", "counter",
			func(fn func(labels, val string)) {
				r.Dropped.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`reason=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "archipelago_errors_total",
			"Total router-boundary and dispatch errors, by kind", "counter",
			func(fn func(labels, val string)) {
				r.Errors.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`kind=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "archipelago_calls_total",
			"Total request/reply calls, by outcome", "counter",
			func(fn func(labels, val string)) {
				r.Calls.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`outcome=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── mailbox depth gauge ───────────────────────────────────────────────
		if fn, ok := r.depthFn.Load().(DepthFunc); ok && fn != nil {
			depths := fn()
			names := make([]string, 0, len(depths))
			for name := range depths {
				names = append(names, name)
			}
			sort.Strings(names)

			writeFamily(&b, "archipelago_mailbox_depth",
				"Messages currently queued per live isle", "gauge",
				func(emit func(labels, val string)) {
					for _, name := range names {
						emit(fmt.Sprintf(`isle=%q`, name), fmt.Sprintf("%d", depths[name]))
					}
				})
		}

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
