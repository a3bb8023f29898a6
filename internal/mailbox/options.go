package mailbox

import (
	"time"

	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithLogger sets the logger used for poll failures.
func WithLogger(l *logging.Logger) Option {
	return func(m *Mailbox) {
		if l != nil {
			m.logger = l.WithComponent("mailbox")
		}
	}
}

// WithPollInterval sets how often subscriptions check for new messages.
// Zero or negative values are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mailbox) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithSender sets the From field stamped on outgoing envelopes.
func WithSender(name string) Option {
	return func(m *Mailbox) {
		if name != "" {
			m.from = name
		}
	}
}
