// Package transport defines how the coordinator and workers exchange
// messages, independent of the medium.
//
// Messages are a closed set of variants (see [Message]). A [Transport]
// addresses them to named channels: every worker listens on its own ID and
// the coordinator listens on [CoordinatorChannel]. Broadcasts reach every
// channel except the coordinator's.
//
// [Hub] is the in-process implementation; package mailbox provides a
// file-backed one.
package transport

import (
	"context"
	"errors"
)

// CoordinatorChannel is the channel the coordinator subscribes to.
const CoordinatorChannel = "coordinator"

// ErrUnknownTarget is returned by Send when nobody listens on the target.
var ErrUnknownTarget = errors.New("transport: unknown target")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

// Handler receives a delivered message. Handlers run on a per-subscription
// goroutine, so messages to one subscriber are delivered in order.
type Handler func(ctx context.Context, env Envelope, msg Message)

// Transport sends and receives Messages.
type Transport interface {
	// Send delivers msg to target. It does not wait for the handler.
	Send(ctx context.Context, target string, msg Message) error
	// Broadcast delivers msg to every subscriber except the coordinator.
	Broadcast(ctx context.Context, msg Message) error
	// Subscribe registers h for messages addressed to channel. The returned
	// cancel function stops delivery and waits for the handler to return.
	Subscribe(channel string, h Handler) (cancel func(), err error)
	// Close stops all subscriptions.
	Close() error
}
