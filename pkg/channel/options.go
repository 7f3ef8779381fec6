package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/socket"
)

// Opener opens the socket backing a channel.
type Opener func(ctx context.Context, mode Mode, ep endpoint.Endpoint) (socket.Socket, error)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	sockOpts     socket.Options
	joinTimeout  time.Duration
	opener       Opener
}

// Option to pass to [New].
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.sockOpts.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the channel.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// channel.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithSocketOptions tunes the underlying socket. The log handler set with
// [WithLog] is kept when opts does not carry one.
func WithSocketOptions(opts socket.Options) Option {
	return func(c *config) error {
		if opts.LogHandler == nil {
			opts.LogHandler = c.sockOpts.LogHandler
		}
		c.sockOpts = opts
		return nil
	}
}

// WithJoinTimeout bounds how long Close waits for the receive loop.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.joinTimeout = timeout
		return nil
	}
}

// WithOpener replaces how the socket is opened, mostly useful to plug a
// fake socket.
func WithOpener(opener Opener) Option {
	return func(c *config) error {
		if opener == nil {
			return ErrInvalidCfg
		}
		c.opener = opener
		return nil
	}
}
