package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPacketInCount        = []string{"ruby", "packet", "in", "count"}
	MetricPacketInBytes        = []string{"ruby", "packet", "in", "bytes"}
	MetricPacketInErrorCount   = []string{"ruby", "packet", "in", "error", "count"}
	MetricPacketOutCount       = []string{"ruby", "packet", "out", "count"}
	MetricPacketOutBytes       = []string{"ruby", "packet", "out", "bytes"}
	MetricPacketOutErrorCount  = []string{"ruby", "packet", "out", "error", "count"}
	MetricListenerPanicCount   = []string{"ruby", "listener", "panic", "count"}
	MetricBeaconInCount        = []string{"ruby", "beacon", "in", "count"}
	MetricBeaconInErrorCount   = []string{"ruby", "beacon", "in", "error", "count"}
	MetricBeaconOutCount       = []string{"ruby", "beacon", "out", "count"}
	MetricBeaconOutErrorCount  = []string{"ruby", "beacon", "out", "error", "count"}
	MetricTrackerCount         = []string{"ruby", "tracker", "count"}
	MetricTrackerAddCount      = []string{"ruby", "tracker", "add", "count"}
	MetricTrackerReplaceCount  = []string{"ruby", "tracker", "replace", "count"}
	MetricTrackerEvictCount    = []string{"ruby", "tracker", "evict", "count"}
	MetricPendingQueries       = []string{"ruby", "query", "pending"}
	MetricQueryBroadcastCount  = []string{"ruby", "query", "broadcast", "count"}
	MetricQueryResolvedCount   = []string{"ruby", "query", "resolved", "count"}
	MetricQueryExpiredCount    = []string{"ruby", "query", "expired", "count"}
	MetricFuturePending        = []string{"ruby", "future", "pending"}
	MetricFutureCompletedCount = []string{"ruby", "future", "completed", "count"}
	MetricFutureTimeoutCount   = []string{"ruby", "future", "timeout", "count"}
	MetricFutureFailedCount    = []string{"ruby", "future", "failed", "count"}
	MetricRepositoryErrorCount = []string{"ruby", "repository", "error", "count"}
)

// Label is used both as a slog attribute key and as a metric label name,
// so logs and metrics of the same event can be correlated.
type Label string

var (
	LabelError        Label = "error"
	LabelDuration     Label = "duration"
	LabelEndpoint     Label = "endpoint"
	LabelPeerID       Label = "peer_id"
	LabelPeerAddr     Label = "peer_addr"
	LabelPeerName     Label = "peer_name"
	LabelMessageType  Label = "message_type"
	LabelToken        Label = "token"
	LabelCorrelation  Label = "correlation_id"
	LabelParts        Label = "parts"
	LabelChannelMode  Label = "channel_mode"
	LabelTransport    Label = "transport"
	LabelFacts        Label = "facts"
	LabelServiceCount Label = "services"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// Logger returns a logger from handler, or the default one.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

// Sink returns ms, or the global sink when ms is nil.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}

// With returns a new slice holding static labels followed by extra.
// It never aliases static, which is shared by every emitter.
func With(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
