package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/taskmesh/internal/logging"
)

const defaultBuffer = 256

// Hub is an in-process Transport. Each subscription owns a buffered queue
// drained by its own goroutine, so Send never blocks on a slow handler
// unless the buffer is full.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	from   string
	buffer int
	logger *logging.Logger
	closed bool
	root   *Hub
}

type subscription struct {
	channel string
	ch      chan Envelope
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscription queue size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the logger for dropped or undecodable messages.
func WithLogger(l *logging.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l.WithComponent("transport")
		}
	}
}

// NewHub creates an in-process hub. Messages sent directly through the hub
// are stamped as coming from the coordinator.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string][]*subscription),
		from:   CoordinatorChannel,
		buffer: defaultBuffer,
		logger: logging.NopLogger(),
	}
	h.root = h
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Endpoint returns a view of the hub that stamps outgoing messages with
// the given sender name. Closing an endpoint cancels only the
// subscriptions made through it.
func (h *Hub) Endpoint(name string) Transport {
	return &endpoint{hub: h.root, from: name}
}

// Send implements Transport.
func (h *Hub) Send(ctx context.Context, target string, msg Message) error {
	return h.root.send(ctx, h.from, target, msg)
}

// Broadcast implements Transport.
func (h *Hub) Broadcast(ctx context.Context, msg Message) error {
	return h.root.broadcast(ctx, h.from, msg)
}

func (h *Hub) send(ctx context.Context, from, target string, msg Message) error {
	env, err := Seal(from, target, msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*subscription(nil), h.subs[target]...)
	h.mu.RUnlock()
	if len(subs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	for _, s := range subs {
		if err := s.enqueue(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) broadcast(ctx context.Context, from string, msg Message) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var targets []*subscription
	for channel, subs := range h.subs {
		if channel == CoordinatorChannel || channel == from {
			continue
		}
		targets = append(targets, subs...)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		env, err := Seal(from, s.channel, msg)
		if err != nil {
			return err
		}
		if err := s.enqueue(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements Transport.
func (h *Hub) Subscribe(channel string, handler Handler) (func(), error) {
	return h.root.subscribe(channel, handler)
}

func (h *Hub) subscribe(channel string, handler Handler) (func(), error) {
	if channel == "" {
		return nil, fmt.Errorf("transport: empty channel")
	}
	if handler == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		channel: channel,
		ch:      make(chan Envelope, h.buffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.subs[channel] = append(h.subs[channel], s)
	h.mu.Unlock()

	s.wg.Go(func() { h.deliver(s, handler) })

	return func() {
		h.remove(s)
		s.stop()
	}, nil
}

func (h *Hub) deliver(s *subscription, handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			msg, err := env.Open()
			if err != nil {
				h.logger.Warn("dropping undecodable message",
					"channel", s.channel, "kind", string(env.Kind), "error", err)
				continue
			}
			handler(s.ctx, env, msg)
		}
	}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[s.channel]
	for i, existing := range subs {
		if existing == s {
			h.subs[s.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[s.channel]) == 0 {
		delete(h.subs, s.channel)
	}
}

// Close implements Transport. It stops every subscription.
func (h *Hub) Close() error {
	root := h.root
	root.mu.Lock()
	if root.closed {
		root.mu.Unlock()
		return nil
	}
	root.closed = true
	var all []*subscription
	for _, subs := range root.subs {
		all = append(all, subs...)
	}
	root.subs = make(map[string][]*subscription)
	root.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

// Channels returns the channels that currently have subscribers.
func (h *Hub) Channels() []string {
	h.root.mu.RLock()
	defer h.root.mu.RUnlock()
	out := make([]string, 0, len(h.root.subs))
	for c := range h.root.subs {
		out = append(out, c)
	}
	return out
}

func (s *subscription) enqueue(ctx context.Context, env Envelope) error {
	select {
	case s.ch <- env:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	s.wg.Wait()
}

type endpoint struct {
	hub  *Hub
	from string

	mu      sync.Mutex
	cancels []func()
}

func (e *endpoint) Send(ctx context.Context, target string, msg Message) error {
	return e.hub.send(ctx, e.from, target, msg)
}

func (e *endpoint) Broadcast(ctx context.Context, msg Message) error {
	return e.hub.broadcast(ctx, e.from, msg)
}

func (e *endpoint) Subscribe(channel string, h Handler) (func(), error) {
	cancel, err := e.hub.subscribe(channel, h)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()
	return cancel, nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
