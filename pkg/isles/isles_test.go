package isles_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/snehjoshi/archipelago/pkg/isles"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// newManager returns a manager with a discarded logger, shut down in cleanup.
func newManager(t *testing.T, opts ...isles.Option) *isles.Manager {
	t.Helper()

	opts = append([]isles.Option{
		isles.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	m, err := isles.New(opts...)
	if err != nil {
		t.Fatalf("isles.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// callCtx returns a context generous enough for any in-process round trip.
func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pongIsle answers pings, bounces payloads back to their sender, swallows
// events, and rejects everything sent to "reject".
type pongIsle struct{}

func (pongIsle) Routes() map[string]isles.Handler {
	return map[string]isles.Handler{
		"ping": func(ctx context.Context, d *isles.Delivery) error {
			return d.Reply(fmt.Sprintf("pong:%v", d.Payload()))
		},
		"bounce": func(ctx context.Context, d *isles.Delivery) error {
			_, err := d.Env().Send(d.Sender(), "bounced", d.Payload())
			return err
		},
		"evt": func(ctx context.Context, d *isles.Delivery) error {
			return nil
		},
		"reject": func(ctx context.Context, d *isles.Delivery) error {
			return errors.New("nope")
		},
	}
}

// ─── Manager ──────────────────────────────────────────────────────────────────

func TestManager_SpawnAndCallRoundTrip(t *testing.T) {
	m := newManager(t)

	addr, err := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	c, err := m.NewClient("main")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got, err := c.Call(callCtx(t), addr, "ping", "marco")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "pong:marco" {
		t.Fatalf("want pong:marco, got %v", got)
	}
}

func TestManager_SendToUnknownReceiver(t *testing.T) {
	m := newManager(t)

	c, err := m.NewClient("main")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Send(callCtx(t), isles.Address("01HNOSUCHADDRESS0000000000"), "evt", nil)
	if !errors.Is(err, isles.ErrUnknownReceiver) {
		t.Fatalf("want ErrUnknownReceiver, got %v", err)
	}
}

func TestManager_CallFaultSurfacesRemoteError(t *testing.T) {
	m := newManager(t)

	addr, _ := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	_, err := c.Call(callCtx(t), addr, "reject", nil)
	if !errors.Is(err, isles.ErrRemoteFault) {
		t.Fatalf("want ErrRemoteFault, got %v", err)
	}
}

func TestManager_AuditTrailAccessors(t *testing.T) {
	m := newManager(t)

	addr, _ := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	for i := 0; i < 3; i++ {
		if _, err := c.Send(callCtx(t), addr, "evt", i); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	trail := m.QueryLog(isles.Filter{Topic: "evt"})
	if len(trail) != 3 {
		t.Fatalf("want 3 evt entries, got %d", len(trail))
	}
	for i := 1; i < len(trail); i++ {
		if trail[i].Seq <= trail[i-1].Seq {
			t.Fatalf("entries out of seq order: %d then %d", trail[i-1].Seq, trail[i].Seq)
		}
	}

	streamed := 0
	err := m.EachLogEntry(isles.Filter{Topic: "evt"}, func(e isles.Entry) error {
		streamed++
		return nil
	})
	if err != nil {
		t.Fatalf("EachLogEntry: %v", err)
	}
	if streamed != len(trail) {
		t.Fatalf("streamed %d entries, query returned %d", streamed, len(trail))
	}

	if st := m.LogStats(); st.Delivered < 3 {
		t.Fatalf("want at least 3 delivered, got %+v", st)
	}
}

func TestManager_ListIslesIncludesClients(t *testing.T) {
	m := newManager(t)

	m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	var ponger, client isles.IsleInfo
	var foundPonger, foundClient bool
	for _, info := range m.ListIsles() {
		switch info.Name {
		case "ponger":
			ponger, foundPonger = info, true
		case "main":
			client, foundClient = info, true
		}
	}
	if !foundPonger || !foundClient {
		t.Fatalf("missing isles in list: %+v", m.ListIsles())
	}
	if ponger.Status != isles.StatusRunning {
		t.Fatalf("want ponger running, got %s", ponger.Status)
	}
	// Clients never start a loop; their mailbox stays manually drained.
	if client.Status != isles.StatusRegistered {
		t.Fatalf("want client registered, got %s", client.Status)
	}
	if client.Addr != c.Addr() {
		t.Fatalf("listed client addr %s, handle says %s", client.Addr, c.Addr())
	}
}

func TestManager_InspectClientInbox(t *testing.T) {
	m := newManager(t)

	addr, _ := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	if _, err := c.Send(callCtx(t), addr, "bounce", "boomerang"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "bounced message to queue", func() bool {
		depth, _, err := m.InspectMailbox(c.Addr(), 0)
		return err == nil && depth == 1
	})

	depth, head, err := m.InspectMailbox(c.Addr(), 1)
	if err != nil {
		t.Fatalf("InspectMailbox: %v", err)
	}
	if depth != 1 || len(head) != 1 {
		t.Fatalf("want depth 1 with 1 head message, got depth %d len %d", depth, len(head))
	}
	if head[0].Topic != "bounced" || head[0].Payload != "boomerang" {
		t.Fatalf("unexpected head message: %+v", head[0])
	}

	// Inspection must not consume: Recv still sees the message.
	msg, err := c.Recv(callCtx(t))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Payload != "boomerang" {
		t.Fatalf("want boomerang, got %v", msg.Payload)
	}
}

func TestManager_ShutdownRefusesNewTraffic(t *testing.T) {
	m := newManager(t)

	addr, _ := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := c.Send(callCtx(t), addr, "evt", nil); !errors.Is(err, isles.ErrRouterClosed) {
		t.Fatalf("want ErrRouterClosed from Send, got %v", err)
	}
	if _, err := m.Spawn(&pongIsle{}); !errors.Is(err, isles.ErrRouterClosed) {
		t.Fatalf("want ErrRouterClosed from Spawn, got %v", err)
	}
}

func TestManager_MetricsWired(t *testing.T) {
	reg := &isles.Metrics{}
	m := newManager(t, isles.WithMetrics(reg))

	addr, _ := m.Spawn(&pongIsle{}, isles.WithName("ponger"))
	c, _ := m.NewClient("main")

	if _, err := c.Send(callCtx(t), addr, "evt", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := reg.Sent.Value("evt"); got != 1 {
		t.Fatalf("want 1 sent, got %d", got)
	}
	if got := reg.Delivered.Value("evt"); got != 1 {
		t.Fatalf("want 1 delivered, got %d", got)
	}
}
