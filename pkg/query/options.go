package query

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/pkg/channel"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	chOpts       []channel.Option
}

// Option to pass to [NewEngine] or [Dial].
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.chOpts = append(c.chOpts, channel.WithLog(handler))
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the engine and its channel.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.chOpts = append(c.chOpts, channel.WithMetricSink(ms))
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.chOpts = append(c.chOpts, channel.WithMetricLabels(labels))
		return nil
	}
}

// WithChannelOptions tunes the channel opened by [Dial].
func WithChannelOptions(opts ...channel.Option) Option {
	return func(c *config) error {
		c.chOpts = append(c.chOpts, opts...)
		return nil
	}
}
