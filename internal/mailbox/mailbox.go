package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

const (
	// defaultPollInterval is the default interval between subscription polls.
	defaultPollInterval = 500 * time.Millisecond

	// maxWatchErrors is the number of consecutive read failures before a
	// subscription logs at error level.
	maxWatchErrors = 5
)

// Mailbox is a file-backed transport.Transport. Every channel maps to a
// directory under the root holding an append-only JSONL index.
//
// Unlike the in-process hub, Send cannot tell whether anyone listens on the
// target; messages wait on disk until a subscriber polls them.
type Mailbox struct {
	store        *Store
	from         string
	pollInterval time.Duration
	logger       *logging.Logger

	mu     sync.Mutex
	subs   map[*watch]struct{}
	closed bool
}

var _ transport.Transport = (*Mailbox)(nil)

type watch struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Mailbox rooted at dir. Outgoing envelopes are stamped as
// coming from the coordinator unless WithSender says otherwise.
func New(dir string, opts ...Option) *Mailbox {
	m := &Mailbox{
		store:        NewStore(dir),
		from:         transport.CoordinatorChannel,
		pollInterval: defaultPollInterval,
		logger:       logging.NopLogger(),
		subs:         make(map[*watch]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Mailbox) Store() *Store {
	return m.store
}

// Send implements transport.Transport.
func (m *Mailbox) Send(ctx context.Context, target string, msg transport.Message) error {
	if target == "" {
		return fmt.Errorf("%w: empty target", transport.ErrUnknownTarget)
	}
	return m.append(ctx, target, msg)
}

// Broadcast implements transport.Transport.
func (m *Mailbox) Broadcast(ctx context.Context, msg transport.Message) error {
	return m.append(ctx, BroadcastRecipient, msg)
}

func (m *Mailbox) append(ctx context.Context, to string, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return transport.ErrClosed
	}
	env, err := transport.Seal(m.from, to, msg)
	if err != nil {
		return err
	}
	return m.store.Append(env)
}

// Subscribe implements transport.Transport. Only messages appended after
// Subscribe returns are delivered. Subscribers other than the coordinator
// also receive broadcasts, except their own.
func (m *Mailbox) Subscribe(channel string, h transport.Handler) (func(), error) {
	if channel == "" {
		return nil, fmt.Errorf("mailbox: empty channel")
	}
	if h == nil {
		return nil, fmt.Errorf("mailbox: nil handler")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, transport.ErrClosed
	}

	// Snapshot synchronously so any Send after Subscribe returns is seen.
	cursors := map[string]int64{channel: m.store.Size(channel)}
	if channel != transport.CoordinatorChannel {
		cursors[BroadcastRecipient] = m.store.Size(BroadcastRecipient)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel}
	m.subs[w] = struct{}{}
	w.wg.Go(func() { m.poll(ctx, channel, cursors, h) })

	return func() {
		m.mu.Lock()
		delete(m.subs, w)
		m.mu.Unlock()
		w.stop()
	}, nil
}

func (m *Mailbox) poll(ctx context.Context, channel string, cursors map[string]int64, h transport.Handler) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var batch []transport.Envelope
		failed := false
		for recipient, offset := range cursors {
			envs, next, err := m.store.ReadFrom(recipient, offset)
			if err != nil {
				failed = true
				continue
			}
			cursors[recipient] = next
			for _, env := range envs {
				if recipient == BroadcastRecipient && env.From == channel {
					continue
				}
				batch = append(batch, env)
			}
		}
		if failed {
			consecutiveErrors++
			if consecutiveErrors >= maxWatchErrors {
				m.logger.Error("mailbox poll keeps failing", "channel", channel, "attempts", consecutiveErrors)
				consecutiveErrors = 0
			}
		} else {
			consecutiveErrors = 0
		}

		sortEnvelopes(batch)
		for _, env := range batch {
			if ctx.Err() != nil {
				return
			}
			msg, err := env.Open()
			if err != nil {
				m.logger.Warn("dropping undecodable message", "channel", channel, "id", env.ID, "error", err)
				continue
			}
			h(ctx, env, msg)
		}
	}
}

// Close implements transport.Transport.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*watch]struct{})
	m.mu.Unlock()

	for w := range subs {
		w.stop()
	}
	return nil
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (w *watch) stop() {
	w.cancel()
	w.wg.Wait()
}
