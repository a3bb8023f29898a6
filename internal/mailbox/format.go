package mailbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// Filter selects envelopes for display.
type Filter struct {
	Kinds []transport.Kind // Only these kinds (empty = all)
	Since time.Time        // Only envelopes sent after this time (zero = all)
	From  string           // Only envelopes from this sender (empty = all)
	Max   int              // Keep at most the newest Max envelopes (0 = unlimited)
}

// Apply returns the envelopes matching f, in their original order.
func (f Filter) Apply(envs []transport.Envelope) []transport.Envelope {
	kinds := make(map[transport.Kind]bool, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds[k] = true
	}

	var out []transport.Envelope
	for _, env := range envs {
		if len(kinds) > 0 && !kinds[env.Kind] {
			continue
		}
		if !f.Since.IsZero() && !env.SentAt.After(f.Since) {
			continue
		}
		if f.From != "" && env.From != f.From {
			continue
		}
		out = append(out, env)
	}
	if f.Max > 0 && len(out) > f.Max {
		out = out[len(out)-f.Max:]
	}
	return out
}

// Format renders envelopes one per line, grouped under their kind in first
// appearance order. Returns an empty string if there are none.
func Format(envs []transport.Envelope) string {
	if len(envs) == 0 {
		return ""
	}

	groups := make(map[transport.Kind][]transport.Envelope)
	var order []transport.Kind
	for _, env := range envs {
		if _, ok := groups[env.Kind]; !ok {
			order = append(order, env.Kind)
		}
		groups[env.Kind] = append(groups[env.Kind], env)
	}

	var b strings.Builder
	for i, kind := range order {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", strings.ToUpper(string(kind)))
		for _, env := range groups[kind] {
			fmt.Fprintf(&b, "  %s %s -> %s %s\n",
				env.SentAt.Format(time.RFC3339), env.From, env.To, summarize(env))
		}
	}
	return b.String()
}

// summarize returns a short description of the envelope's payload.
func summarize(env transport.Envelope) string {
	msg, err := env.Open()
	if err != nil {
		return "(undecodable)"
	}
	switch m := msg.(type) {
	case transport.RegisterRequest:
		return fmt.Sprintf("worker=%s type=%s caps=%s", m.WorkerID, m.WorkerType, strings.Join(m.Capabilities, ","))
	case transport.RegisterAck:
		return fmt.Sprintf("worker=%s accepted=%t %s", m.WorkerID, m.Accepted, m.Reason)
	case transport.AssignTask:
		return fmt.Sprintf("task=%s %q priority=%s", m.TaskID, m.Title, m.Priority)
	case transport.CancelTask:
		return fmt.Sprintf("task=%s %s", m.TaskID, m.Reason)
	case transport.StatusReport:
		s := fmt.Sprintf("task=%s status=%s progress=%d", m.TaskID, m.Status, m.Progress)
		if m.Error != "" {
			s += " error=" + m.Error
		}
		return s
	case transport.Heartbeat:
		return fmt.Sprintf("worker=%s cpu=%.0f mem=%.0f", m.WorkerID, m.CPU, m.Memory)
	case transport.SystemEvent:
		return fmt.Sprintf("%s: %s", m.Type, m.Message)
	default:
		return string(env.Kind)
	}
}
