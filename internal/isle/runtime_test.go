package isle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/archipelago/internal/isle"
	"github.com/snehjoshi/archipelago/internal/mailbox"
	"github.com/snehjoshi/archipelago/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const testAddr = types.Address("01TESTISLE")

type reply struct {
	payload any
	fault   string
}

// recorder captures what the runtime reports back through its hooks.
type recorder struct {
	mu      sync.Mutex
	replies []reply
	errs    []error
	retires []error
}

func (r *recorder) reply(_ *types.Message, payload any, fault string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{payload: payload, fault: fault})
}

func (r *recorder) logError(_ *types.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() (replies []reply, errs []error, retires []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.replies...),
		append([]error(nil), r.errs...),
		append([]error(nil), r.retires...)
}

type nopTransport struct{}

func (nopTransport) Send(_, _ types.Address, _ string, _ any) (types.Receipt, error) {
	return types.Receipt{}, nil
}

func (nopTransport) Call(_ context.Context, _, _ types.Address, _ string, _ any) (any, error) {
	return nil, nil
}

// harness wires a runtime to a recorder, emulating the router side: the
// retire hook drains the runtime and retires the mailbox the way
// Router.Unregister does.
func harness(t *testing.T, i isle.Isle, cfg isle.Config) (*isle.Runtime, *mailbox.Mailbox, *recorder) {
	t.Helper()

	mbox := mailbox.New(mailbox.Config{})
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := isle.NewEnv(testAddr, cfg.Name, nopTransport{}, logger)

	var rt *isle.Runtime
	hooks := isle.Hooks{
		Reply:    rec.reply,
		LogError: rec.logError,
		Retire: func(cause error) {
			rec.mu.Lock()
			rec.retires = append(rec.retires, cause)
			rec.mu.Unlock()
			rt.Drain()
			mbox.Retire()
		},
	}
	rt = isle.NewRuntime(testAddr, i, mbox, env, hooks, cfg)
	t.Cleanup(func() {
		rt.Drain()
		mbox.Retire()
	})
	return rt, mbox, rec
}

func enqueue(t *testing.T, mbox *mailbox.Mailbox, msg *types.Message) {
	t.Helper()
	if _, err := mbox.Enqueue(msg, nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func sendMsg(topic string, seq uint64) *types.Message {
	return &types.Message{Seq: seq, Sender: "01SENDER", Receiver: testAddr, Topic: topic, Kind: types.KindSend}
}

func requestMsg(topic string, corr string) *types.Message {
	return &types.Message{Seq: 1, Sender: "01SENDER", Receiver: testAddr, Topic: topic, Kind: types.KindRequest, Corr: corr}
}

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

// ─── fixtures ────────────────────────────────────────────────────────────────

// scriptIsle dispatches every route through one scripted handler.
type scriptIsle struct {
	topics  []string
	handler isle.Handler

	mu   sync.Mutex
	seen []uint64

	setups    int
	teardowns int
}

func (s *scriptIsle) Routes() map[string]isle.Handler {
	routes := make(map[string]isle.Handler, len(s.topics))
	for _, topic := range s.topics {
		routes[topic] = func(ctx context.Context, d *isle.Delivery) error {
			s.mu.Lock()
			s.seen = append(s.seen, d.Seq())
			s.mu.Unlock()
			if s.handler != nil {
				return s.handler(ctx, d)
			}
			return nil
		}
	}
	return routes
}

func (s *scriptIsle) Setup(context.Context, *isle.Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups++
	return nil
}

func (s *scriptIsle) Teardown(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns++
}

func (s *scriptIsle) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seen...)
}

func (s *scriptIsle) counts() (setups, teardowns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setups, s.teardowns
}

// ─── lifecycle tests ─────────────────────────────────────────────────────────

func TestRuntime_DeliversInFIFOOrder(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	rt, mbox, _ := harness(t, fix, isle.Config{Name: "fifo"})

	// Queue before start: nothing may be processed until Start.
	for i := 1; i <= 50; i++ {
		enqueue(t, mbox, sendMsg("tick", uint64(i)))
	}
	if got := fix.seqs(); len(got) != 0 {
		t.Fatalf("processed before Start: %v", got)
	}

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "all deliveries", func() bool { return rt.Processed() == 50 })

	seqs := fix.seqs()
	for i, s := range seqs {
		if s != uint64(i)+1 {
			t.Fatalf("delivery order: position %d has seq %d", i, s)
		}
	}
}

func TestRuntime_StartRequiresRegisteredState(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	rt, _, _ := harness(t, fix, isle.Config{Name: "double"})

	if err := rt.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := rt.Start(); err == nil {
		t.Fatal("second Start: want error, got nil")
	}
}

func TestRuntime_SetupFailureAbortsStart(t *testing.T) {
	fix := &setupFailIsle{}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "badsetup"})

	enqueue(t, mbox, sendMsg("tick", 1))

	err := rt.Start()
	if err == nil {
		t.Fatal("Start: want setup error, got nil")
	}
	_, _, retires := rec.snapshot()
	if len(retires) != 1 {
		t.Fatalf("retire hook calls: want 1, got %d", len(retires))
	}
	if got := rt.Status(); got != types.StatusStopped {
		t.Errorf("status after failed setup: want %s, got %s", types.StatusStopped, got)
	}
	select {
	case <-rt.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed after failed setup")
	}
}

type setupFailIsle struct{}

func (*setupFailIsle) Routes() map[string]isle.Handler { return nil }

func (*setupFailIsle) Setup(context.Context, *isle.Env) error {
	return errors.New("no database")
}

func TestRuntime_DrainBeforeStartStopsDirectly(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	rt, _, _ := harness(t, fix, isle.Config{Name: "neverran"})

	rt.Drain()
	if got := rt.Status(); got != types.StatusStopped {
		t.Fatalf("status: want %s, got %s", types.StatusStopped, got)
	}
	select {
	case <-rt.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if err := rt.Start(); err == nil {
		t.Error("Start after Drain: want error, got nil")
	}
}

func TestRuntime_InFlightDeliveryCompletesBeforeStop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	fix := &scriptIsle{topics: []string{"slow"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	}
	rt, mbox, _ := harness(t, fix, isle.Config{Name: "atomic"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("slow", 1))
	<-entered

	// Unregister arrives mid-handler.
	rt.Drain()
	remainder := mbox.Retire()
	if len(remainder) != 0 {
		t.Fatalf("remainder: want 0 in-flight leftovers, got %d", len(remainder))
	}
	if got := rt.Status(); got != types.StatusDraining {
		t.Errorf("status mid-handler: want %s, got %s", types.StatusDraining, got)
	}

	close(release)
	select {
	case <-rt.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after handler finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("in-flight handler did not run to completion")
	}
	if got := rt.Status(); got != types.StatusStopped {
		t.Errorf("final status: want %s, got %s", types.StatusStopped, got)
	}
}

func TestRuntime_TeardownRunsOnStop(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	rt, mbox, _ := harness(t, fix, isle.Config{Name: "cleanup"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt.Drain()
	mbox.Retire()
	<-rt.Done()

	setups, teardowns := fix.counts()
	if setups != 1 || teardowns != 1 {
		t.Errorf("lifecycle counts: want setup=1 teardown=1, got setup=%d teardown=%d", setups, teardowns)
	}
}

// ─── request/reply tests ─────────────────────────────────────────────────────

func TestRuntime_RequestReply(t *testing.T) {
	fix := &scriptIsle{topics: []string{"ask"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		return d.Reply("pong")
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "replier"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, requestMsg("ask", "corr-1"))
	waitFor(t, "reply", func() bool { replies, _, _ := rec.snapshot(); return len(replies) == 1 })

	replies, _, _ := rec.snapshot()
	if replies[0].payload != "pong" || replies[0].fault != "" {
		t.Errorf("reply: want payload=pong fault=\"\", got %+v", replies[0])
	}
}

func TestRuntime_RequestHandlerErrorBecomesFault(t *testing.T) {
	fix := &scriptIsle{topics: []string{"ask"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		return errors.New("ledger unavailable")
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "faulty", Failure: types.FailFast})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, requestMsg("ask", "corr-1"))
	waitFor(t, "fault reply", func() bool { replies, _, _ := rec.snapshot(); return len(replies) == 1 })

	replies, _, retires := rec.snapshot()
	if replies[0].fault != "ledger unavailable" {
		t.Errorf("fault text: want %q, got %q", "ledger unavailable", replies[0].fault)
	}
	// Request failures answer the caller; they never trip the failure policy.
	if len(retires) != 0 {
		t.Errorf("retires after request fault: want 0, got %d", len(retires))
	}
	if got := rt.Status(); got != types.StatusRunning {
		t.Errorf("status: want %s, got %s", types.StatusRunning, got)
	}
}

func TestRuntime_RequestWithoutReplyAnswersNil(t *testing.T) {
	fix := &scriptIsle{topics: []string{"ask"}}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "silent"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, requestMsg("ask", "corr-1"))
	waitFor(t, "implicit reply", func() bool { replies, _, _ := rec.snapshot(); return len(replies) == 1 })

	replies, _, _ := rec.snapshot()
	if replies[0].payload != nil || replies[0].fault != "" {
		t.Errorf("implicit reply: want nil payload, got %+v", replies[0])
	}
}

func TestRuntime_ReplyIsOneShot(t *testing.T) {
	var second error
	var mu sync.Mutex

	fix := &scriptIsle{topics: []string{"ask"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		if err := d.Reply("first"); err != nil {
			return err
		}
		mu.Lock()
		second = d.Reply("second")
		mu.Unlock()
		return nil
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "oneshot"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, requestMsg("ask", "corr-1"))
	waitFor(t, "reply", func() bool { replies, _, _ := rec.snapshot(); return len(replies) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if second == nil {
		t.Error("second Reply: want error, got nil")
	}
	replies, _, _ := rec.snapshot()
	if len(replies) != 1 || replies[0].payload != "first" {
		t.Errorf("replies: want exactly the first, got %+v", replies)
	}
}

func TestRuntime_ReplyToPlainSendRejected(t *testing.T) {
	var replyErr error
	var mu sync.Mutex

	fix := &scriptIsle{topics: []string{"tick"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		mu.Lock()
		replyErr = d.Reply("nope")
		mu.Unlock()
		return nil
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "notrequest"})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("tick", 1))
	waitFor(t, "delivery", func() bool { return rt.Processed() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if replyErr == nil {
		t.Error("Reply on plain send: want error, got nil")
	}
	replies, _, _ := rec.snapshot()
	if len(replies) != 0 {
		t.Errorf("replies: want none, got %+v", replies)
	}
}

// ─── failure policy tests ────────────────────────────────────────────────────

func TestRuntime_FailFastDrainsIsle(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		if d.Seq() == 2 {
			return errors.New("corrupt state")
		}
		return nil
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "failfast", Failure: types.FailFast})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 1; i <= 5; i++ {
		enqueue(t, mbox, sendMsg("tick", uint64(i)))
	}
	<-rt.Done()

	_, errs, retires := rec.snapshot()
	if len(retires) != 1 {
		t.Fatalf("retires: want 1, got %d", len(retires))
	}
	if len(errs) != 1 {
		t.Fatalf("logged errors: want 1, got %d", len(errs))
	}
	// Seq 1 and 2 were consumed; 3..5 became the retire remainder.
	seqs := fix.seqs()
	if len(seqs) != 2 {
		t.Errorf("handler invocations: want 2, got %v", seqs)
	}
	if got := rt.Status(); got != types.StatusStopped {
		t.Errorf("status: want %s, got %s", types.StatusStopped, got)
	}
}

func TestRuntime_PanicIsContained(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		panic("boom")
	}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "panicky", Failure: types.FailFast})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("tick", 1))
	<-rt.Done()

	_, errs, retires := rec.snapshot()
	if len(retires) != 1 {
		t.Fatalf("retires: want 1, got %d", len(retires))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "panic") {
		t.Errorf("logged error: want panic text, got %v", errs)
	}
}

func TestRuntime_RestartPolicyRerunsSetup(t *testing.T) {
	fix := &scriptIsle{topics: []string{"tick"}}
	fix.handler = func(ctx context.Context, d *isle.Delivery) error {
		if d.Seq() == 1 {
			return errors.New("transient")
		}
		return nil
	}
	rt, mbox, _ := harness(t, fix, isle.Config{Name: "phoenix", Failure: types.Restart})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("tick", 1))
	enqueue(t, mbox, sendMsg("tick", 2))
	waitFor(t, "post-restart delivery", func() bool { return rt.Processed() == 2 })

	setups, _ := fix.counts()
	if setups != 2 {
		t.Errorf("setups: want 2 (start + restart), got %d", setups)
	}
	if got := rt.Restarts(); got != 1 {
		t.Errorf("restarts: want 1, got %d", got)
	}
	if got := rt.Status(); got != types.StatusRunning {
		t.Errorf("status after restart: want %s, got %s", types.StatusRunning, got)
	}
}

// ─── unhandled topic tests ───────────────────────────────────────────────────

func TestRuntime_UnhandledTopicIgnored(t *testing.T) {
	fix := &scriptIsle{topics: []string{"known"}}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "ignorer", Unhandled: types.UnhandledIgnore})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("mystery", 1))
	enqueue(t, mbox, sendMsg("known", 2))
	waitFor(t, "survivor delivery", func() bool { return rt.Processed() == 2 })

	_, errs, retires := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], types.ErrUnhandledTopic) {
		t.Errorf("logged errors: want one ErrUnhandledTopic, got %v", errs)
	}
	if len(retires) != 0 {
		t.Errorf("retires: want 0, got %d", len(retires))
	}
}

func TestRuntime_UnhandledTopicFailPolicy(t *testing.T) {
	fix := &scriptIsle{topics: []string{"known"}}
	rt, mbox, rec := harness(t, fix, isle.Config{
		Name:      "strict",
		Unhandled: types.UnhandledFail,
		Failure:   types.FailFast,
	})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("mystery", 1))
	<-rt.Done()

	_, _, retires := rec.snapshot()
	if len(retires) != 1 {
		t.Fatalf("retires: want 1, got %d", len(retires))
	}
}

func TestRuntime_UnhandledRequestFaultsCaller(t *testing.T) {
	fix := &scriptIsle{topics: []string{"known"}}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "faulter", Unhandled: types.UnhandledFail})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, requestMsg("mystery", "corr-9"))
	waitFor(t, "fault reply", func() bool { replies, _, _ := rec.snapshot(); return len(replies) == 1 })

	replies, _, retires := rec.snapshot()
	if replies[0].fault == "" {
		t.Error("want fault reply for unhandled request")
	}
	// The caller got an answer; the isle keeps running even under the fail
	// policy.
	if len(retires) != 0 {
		t.Errorf("retires: want 0, got %d", len(retires))
	}
}

func TestRuntime_DefaultRouteCatchesUnmatched(t *testing.T) {
	fix := &defaultedIsle{}
	rt, mbox, rec := harness(t, fix, isle.Config{Name: "wildcard", Unhandled: types.UnhandledFail})

	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	enqueue(t, mbox, sendMsg("anything-at-all", 1))
	waitFor(t, "default route", func() bool { return rt.Processed() == 1 })

	if got := fix.caught.Load(); got != 1 {
		t.Errorf("default route invocations: want 1, got %d", got)
	}
	_, errs, _ := rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("logged errors: want 0, got %v", errs)
	}
}

type defaultedIsle struct {
	caught atomic.Int64
}

func (d *defaultedIsle) Routes() map[string]isle.Handler { return nil }

func (d *defaultedIsle) DefaultRoute() isle.Handler {
	return func(ctx context.Context, _ *isle.Delivery) error {
		d.caught.Add(1)
		return nil
	}
}

