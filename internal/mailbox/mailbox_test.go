package mailbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

type received struct {
	mu   sync.Mutex
	envs []transport.Envelope
}

func (r *received) handle(_ context.Context, env transport.Envelope, _ transport.Message) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *received) snapshot() []transport.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Envelope(nil), r.envs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMailbox_SendAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	coord := New(dir, WithPollInterval(10*time.Millisecond))
	worker := New(dir, WithPollInterval(10*time.Millisecond), WithSender("w-1"))
	t.Cleanup(func() {
		_ = coord.Close()
		_ = worker.Close()
	})

	var got received
	if _, err := coord.Subscribe(transport.CoordinatorChannel, got.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	if err := worker.Send(ctx, transport.CoordinatorChannel, transport.Heartbeat{WorkerID: "w-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, func() bool { return got.len() == 1 })

	env := got.snapshot()[0]
	if env.From != "w-1" || env.To != transport.CoordinatorChannel {
		t.Errorf("envelope addressed %s -> %s", env.From, env.To)
	}
}

func TestMailbox_SubscribeSkipsHistory(t *testing.T) {
	dir := t.TempDir()
	mb := New(dir, WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = mb.Close() })

	ctx := context.Background()
	if err := mb.Send(ctx, "w-1", transport.CancelTask{TaskID: "old"}); err != nil {
		t.Fatal(err)
	}

	var got received
	if _, err := mb.Subscribe("w-1", got.handle); err != nil {
		t.Fatal(err)
	}
	if err := mb.Send(ctx, "w-1", transport.CancelTask{TaskID: "new"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return got.len() == 1 })
	time.Sleep(30 * time.Millisecond)

	envs := got.snapshot()
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	msg, _ := envs[0].Open()
	if msg.(transport.CancelTask).TaskID != "new" {
		t.Errorf("delivered %+v, want the post-subscribe message", msg)
	}
}

func TestMailbox_BroadcastReachesWorkersOnly(t *testing.T) {
	dir := t.TempDir()
	mb := New(dir, WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = mb.Close() })

	var coord, w1, w2 received
	for channel, r := range map[string]*received{
		transport.CoordinatorChannel: &coord,
		"w-1":                        &w1,
		"w-2":                        &w2,
	} {
		if _, err := mb.Subscribe(channel, r.handle); err != nil {
			t.Fatal(err)
		}
	}

	if err := mb.Broadcast(context.Background(), transport.SystemEvent{Type: "alert", Message: "disk"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w1.len() == 1 && w2.len() == 1 })
	time.Sleep(30 * time.Millisecond)
	if coord.len() != 0 {
		t.Errorf("coordinator received %d broadcasts", coord.len())
	}
}

func TestMailbox_BroadcastSkipsSender(t *testing.T) {
	dir := t.TempDir()
	w1 := New(dir, WithPollInterval(10*time.Millisecond), WithSender("w-1"))
	w2 := New(dir, WithPollInterval(10*time.Millisecond), WithSender("w-2"))
	t.Cleanup(func() {
		_ = w1.Close()
		_ = w2.Close()
	})

	var own, other received
	if _, err := w1.Subscribe("w-1", own.handle); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.Subscribe("w-2", other.handle); err != nil {
		t.Fatal(err)
	}
	if err := w1.Broadcast(context.Background(), transport.SystemEvent{Type: "hello"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return other.len() == 1 })
	time.Sleep(30 * time.Millisecond)
	if own.len() != 0 {
		t.Errorf("sender received its own broadcast")
	}
}

func TestMailbox_CancelStopsDelivery(t *testing.T) {
	mb := New(t.TempDir(), WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = mb.Close() })

	var got received
	cancel, err := mb.Subscribe("w-1", got.handle)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := mb.Send(context.Background(), "w-1", transport.Heartbeat{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if got.len() != 0 {
		t.Errorf("cancelled subscription received %d envelopes", got.len())
	}
}

func TestMailbox_Closed(t *testing.T) {
	mb := New(t.TempDir())
	if err := mb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := mb.Send(context.Background(), "w", transport.Heartbeat{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
	if _, err := mb.Subscribe("w", (&received{}).handle); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestMailbox_SendValidation(t *testing.T) {
	mb := New(t.TempDir())
	t.Cleanup(func() { _ = mb.Close() })

	if err := mb.Send(context.Background(), "", transport.Heartbeat{}); !errors.Is(err, transport.ErrUnknownTarget) {
		t.Errorf("Send(\"\") error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mb.Send(ctx, "w", transport.Heartbeat{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send(cancelled ctx) error = %v", err)
	}
	if _, err := mb.Subscribe("", (&received{}).handle); err == nil {
		t.Error("Subscribe(\"\") expected error")
	}
	if _, err := mb.Subscribe("w", nil); err == nil {
		t.Error("Subscribe(nil handler) expected error")
	}
}

func TestFilterAndFormat(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(from string, at time.Duration, msg transport.Message) transport.Envelope {
		env := seal(t, from, "coordinator", msg)
		env.SentAt = base.Add(at)
		return env
	}
	envs := []transport.Envelope{
		mk("w-1", 0, transport.Heartbeat{WorkerID: "w-1", CPU: 10}),
		mk("w-1", time.Minute, transport.StatusReport{TaskID: "t-1", Status: transport.ReportFailed, Error: "boom"}),
		mk("w-2", 2*time.Minute, transport.Heartbeat{WorkerID: "w-2"}),
		mk("w-2", 3*time.Minute, transport.StatusReport{TaskID: "t-2", Status: transport.ReportCompleted, Progress: 100}),
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"kind", Filter{Kinds: []transport.Kind{transport.KindHeartbeat}}, 2},
		{"since", Filter{Since: base.Add(time.Minute)}, 2},
		{"from", Filter{From: "w-2"}, 2},
		{"max keeps newest", Filter{Max: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Apply(envs); len(got) != tt.want {
				t.Errorf("Apply() = %d envelopes, want %d", len(got), tt.want)
			}
		})
	}
	if got := (Filter{Max: 1}).Apply(envs); got[0].From != "w-2" {
		t.Errorf("Max kept %s, want the newest", got[0].From)
	}

	out := Format(envs)
	for _, want := range []string{"[HEARTBEAT]", "[STATUS_REPORT]", "error=boom", "task=t-2 status=completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "[HEARTBEAT]") > strings.Index(out, "[STATUS_REPORT]") {
		t.Error("groups should follow first appearance order")
	}
	if Format(nil) != "" {
		t.Error("Format(nil) should be empty")
	}
}
