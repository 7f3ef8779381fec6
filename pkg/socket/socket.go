// Package socket provides message-oriented sockets exchanging multipart
// messages, modelled after the DEALER/ROUTER pair:
//
//   - a DEALER ([Dial]) is connected to a single peer, sends and receives
//     messages as they are.
//   - a ROUTER ([Listen]) accepts many peers. Every inbound message is
//     prefixed with a part holding the identity of the peer which sent it,
//     and every outbound message must start with the identity of its
//     destination, which is stripped before being written.
//
// Sockets run over tcp, ipc (unix sockets), inproc (in-memory pipes) or quic
// endpoints, see [endpoint.Kind].
package socket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

// Socket sends and receives multipart messages.
//
// Send and Recv may be called concurrently with each other, but Recv MUST
// NOT be called concurrently with itself.
type Socket interface {
	// Send queues parts for delivery without blocking. It fails with
	// [ErrWouldBlock] when the send queue is full and with [ErrClosed] once
	// the socket is closed.
	Send(parts [][]byte) error

	// Recv blocks until a message arrives. Once the socket is closed, or its
	// connection is lost, it returns an error wrapping [ErrClosed].
	Recv() ([][]byte, error)

	// Endpoint the socket is connected or bound to. For a bound socket, an
	// ephemeral port is resolved.
	Endpoint() endpoint.Endpoint

	// Done is closed once the socket can no longer send.
	Done() <-chan struct{}

	Close() error
}

// Options tune sockets. The zero value is usable for every transport but
// quic, which requires TLSConfig.
type Options struct {
	// TLSConfig used by quic endpoints.
	TLSConfig *tls.Config

	// SendQueue is how many messages can wait to be written per peer.
	SendQueue int

	// MaxMessageSize bounds the size of a single framed message.
	MaxMessageSize int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// Linger is how long Close waits for queued messages to be written.
	Linger time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 1024
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Linger <= 0 {
		opts.Linger = time.Second
	}
	return opts
}

// Dial connects a DEALER socket to ep.
func Dial(ctx context.Context, ep endpoint.Endpoint, o *Options) (Socket, error) {
	opts := o.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	rwc, err := dial(ctx, ep, &opts)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", ep, err)
	}
	return newDealer(ep, rwc, &opts), nil
}

// Listen binds a ROUTER socket on ep.
func Listen(ep endpoint.Endpoint, o *Options) (Socket, error) {
	opts := o.withDefaults()
	acc, err := listen(ep, &opts)
	if err != nil {
		return nil, fmt.Errorf("socket: listen %s: %w", ep, err)
	}
	return newRouter(acc, &opts), nil
}
