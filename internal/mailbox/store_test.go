package mailbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

func seal(t *testing.T, from, to string, msg transport.Message) transport.Envelope {
	t.Helper()
	env, err := transport.Seal(from, to, msg)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	return env
}

func TestStore_AppendAndRead(t *testing.T) {
	s := NewStore(t.TempDir())

	for i := range 3 {
		env := seal(t, "coordinator", "w-1", transport.StatusReport{TaskID: "t", Progress: i})
		if err := s.Append(env); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	envs, err := s.Read("w-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	for i, env := range envs {
		msg, err := env.Open()
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got := msg.(transport.StatusReport).Progress; got != i {
			t.Errorf("envelope %d progress = %d, want %d", i, got, i)
		}
	}
}

func TestStore_AppendValidation(t *testing.T) {
	s := NewStore(t.TempDir())
	valid := seal(t, "a", "b", transport.Heartbeat{})

	tests := []struct {
		name   string
		mutate func(*transport.Envelope)
	}{
		{"missing from", func(e *transport.Envelope) { e.From = "" }},
		{"missing to", func(e *transport.Envelope) { e.To = "" }},
		{"missing kind", func(e *transport.Envelope) { e.Kind = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid
			tt.mutate(&env)
			if err := s.Append(env); err == nil {
				t.Error("Append() expected error")
			}
		})
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	envs, err := s.Read("nobody")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if envs != nil {
		t.Errorf("Read() = %v, want nil", envs)
	}
	if s.Size("nobody") != 0 {
		t.Error("Size() of missing index should be zero")
	}
}

func TestStore_ReadFromResumes(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Append(seal(t, "a", "w", transport.Heartbeat{WorkerID: "first"})); err != nil {
		t.Fatal(err)
	}

	envs, offset, err := s.ReadFrom("w", 0)
	if err != nil || len(envs) != 1 {
		t.Fatalf("ReadFrom(0) = %d envelopes, err %v", len(envs), err)
	}
	if offset != s.Size("w") {
		t.Errorf("offset = %d, want %d", offset, s.Size("w"))
	}

	if err := s.Append(seal(t, "a", "w", transport.Heartbeat{WorkerID: "second"})); err != nil {
		t.Fatal(err)
	}
	envs, _, err = s.ReadFrom("w", offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	msg, _ := envs[0].Open()
	if msg.(transport.Heartbeat).WorkerID != "second" {
		t.Errorf("resumed at wrong envelope: %+v", msg)
	}
}

func TestStore_SkipsMalformedAndPartialLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Append(seal(t, "a", "w", transport.Heartbeat{})); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "w", indexFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{garbage\n{\"id\":\"partial"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	envs, offset, err := s.ReadFrom("w", 0)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if len(envs) != 1 {
		t.Errorf("got %d envelopes, want 1", len(envs))
	}
	if offset >= s.Size("w") {
		t.Errorf("offset %d should stop before the partial line (size %d)", offset, s.Size("w"))
	}
}

func TestStore_Recipients(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for _, to := range []string{"w-1", "coordinator"} {
		if err := s.Append(seal(t, "x", to, transport.Heartbeat{})); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recipients()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"w-1": true, "coordinator": true}
	if len(got) != len(want) {
		t.Fatalf("Recipients() = %v", got)
	}
	for _, r := range got {
		if !want[r] {
			t.Errorf("unexpected recipient %q", r)
		}
	}
}

func TestSortEnvelopes(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	envs := []transport.Envelope{
		{ID: "c", SentAt: base.Add(2 * time.Second)},
		{ID: "a", SentAt: base},
		{ID: "b1", SentAt: base.Add(time.Second)},
		{ID: "b2", SentAt: base.Add(time.Second)},
	}
	sortEnvelopes(envs)
	want := []string{"a", "b1", "b2", "c"}
	for i, env := range envs {
		if env.ID != want[i] {
			t.Errorf("position %d = %s, want %s", i, env.ID, want[i])
		}
	}
}
