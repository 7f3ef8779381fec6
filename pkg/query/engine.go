// Package query correlates requests sent over a channel with the
// responses they get.
//
// Every request is registered in a pending table, keyed by the base64 form
// of its id, before being sent. Whoever removes the entry first, the
// response handler or the timeout, completes the future, the other finds
// nothing and gives up.
package query

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	"github.com/nohros/nohrosruby-sub001/pkg/packet"
)

// Infinite disables the timeout of a request.
const Infinite time.Duration = -1

var (
	ErrTimeout      = errors.New("query: timed out waiting for a response")
	ErrNotDelivered = errors.New("query: request could not be sent")
	ErrDuplicateID  = errors.New("query: a request with the same id is pending")
	ErrEngineClosed = errors.New("query: engine closed")
	ErrPending      = errors.New("query: no response yet")
	ErrInvalidCfg   = errors.New("query: invalid options")
	ErrBadTimeout   = errors.New("query: timeout must be positive or Infinite")
)

// Sender delivers a packet, see [channel.Channel.Send].
type Sender interface {
	Send(pkt packet.Packet) (bool, error)
}

// Request to send. A random id is used when ID is empty.
type Request struct {
	ID      []byte
	Type    packet.MessageType
	Token   string
	Message []byte
	Facts   fact.Set
	// Sender is the return address carried by the request.
	Sender []byte
}

type pending struct {
	future *Future
	cb     Callback
	timer  *time.Timer
	start  time.Time
}

type Engine struct {
	sender Sender
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk      sync.Mutex
	pending map[string]*pending
	closed  bool
}

func NewEngine(sender Sender, opts ...Option) (*Engine, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return newEngine(sender, &cfg), nil
}

func newEngine(sender Sender, cfg *config) *Engine {
	return &Engine{
		sender:  sender,
		logger:  telemetry.Logger(cfg.logHandler),
		msink:   telemetry.Sink(cfg.msink),
		labels:  cfg.metricLabels,
		pending: make(map[string]*pending),
	}
}

// ExecuteQuery sends req and returns immediately. cb, when not nil, is
// invoked once the returned future completes.
//
// timeout must be positive or [Infinite]. Any other value completes the
// future with [ErrBadTimeout] and nothing is sent.
func (e *Engine) ExecuteQuery(req Request, timeout time.Duration, cb Callback, state any) *Future {
	id := req.ID
	if len(id) == 0 {
		uid := uuid.New()
		id = uid[:]
	}

	key := packet.Key(id)
	f := newFuture(key, state)

	if timeout <= 0 && timeout != Infinite {
		e.finish(&pending{future: f, cb: cb, start: time.Now()}, nil, fmt.Errorf("%w: %s", ErrBadTimeout, timeout))
		return f
	}

	pkt, err := packet.Create(id, req.Type, req.Message,
		packet.WithToken(req.Token),
		packet.WithFacts(req.Facts),
		packet.WithSender(req.Sender),
	)
	if err != nil {
		e.finish(&pending{future: f, cb: cb, start: time.Now()}, nil, err)
		return f
	}

	p := &pending{future: f, cb: cb, start: time.Now()}
	e.lk.Lock()
	if e.closed {
		e.lk.Unlock()
		e.finish(p, nil, ErrEngineClosed)
		return f
	}
	if _, dup := e.pending[key]; dup {
		e.lk.Unlock()
		e.finish(p, nil, fmt.Errorf("%w: %s", ErrDuplicateID, key))
		return f
	}
	e.pending[key] = p
	if timeout != Infinite {
		p.timer = time.AfterFunc(timeout, func() {
			e.expire(key, p)
		})
	}
	size := len(e.pending)
	e.lk.Unlock()
	e.msink.SetGaugeWithLabels(telemetry.MetricFuturePending, float32(size), e.labels)

	ok, err := e.sender.Send(pkt)
	if err != nil || !ok {
		if err == nil {
			err = ErrNotDelivered
		} else {
			err = fmt.Errorf("%w: %w", ErrNotDelivered, err)
		}
		if e.remove(key, p) {
			e.finish(p, nil, err)
		}
	}
	return f
}

// remove is the single arbitration point: only the caller it returns true
// to may complete the future.
func (e *Engine) remove(key string, p *pending) bool {
	e.lk.Lock()
	defer e.lk.Unlock()
	current, ok := e.pending[key]
	if !ok || current != p {
		return false
	}
	delete(e.pending, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	e.msink.SetGaugeWithLabels(telemetry.MetricFuturePending, float32(len(e.pending)), e.labels)
	return true
}

func (e *Engine) expire(key string, p *pending) {
	if !e.remove(key, p) {
		return
	}
	e.finish(p, nil, ErrTimeout)
}

// OnResponseReceived completes the future pkt answers, if still pending.
// Its signature matches [channel.Listener].
func (e *Engine) OnResponseReceived(_ []byte, pkt packet.Packet) {
	key := pkt.Key()

	e.lk.Lock()
	p, ok := e.pending[key]
	e.lk.Unlock()
	if !ok || !e.remove(key, p) {
		e.logger.Debug("discarding a response to no pending request", telemetry.LabelCorrelation.L(key))
		return
	}

	e.finish(p, pkt.Body.Message, nil)
}

func (e *Engine) finish(p *pending, result []byte, err error) {
	p.future.complete(result, err)

	labels := e.labels
	switch {
	case err == nil:
		e.msink.IncrCounterWithLabels(telemetry.MetricFutureCompletedCount, 1.0, labels)
	case errors.Is(err, ErrTimeout):
		e.msink.IncrCounterWithLabels(telemetry.MetricFutureTimeoutCount, 1.0, labels)
		e.logger.Debug("request timed out",
			telemetry.LabelCorrelation.L(p.future.key),
			telemetry.LabelDuration.L(time.Since(p.start)),
		)
	default:
		e.msink.IncrCounterWithLabels(telemetry.MetricFutureFailedCount, 1.0, labels)
		e.logger.Warn("request failed",
			telemetry.LabelCorrelation.L(p.future.key),
			telemetry.LabelError.L(err),
		)
	}

	if p.cb != nil {
		p.cb(p.future)
	}
}

// Pending is the number of requests waiting for an outcome.
func (e *Engine) Pending() int {
	e.lk.Lock()
	defer e.lk.Unlock()
	return len(e.pending)
}

// Close fails every pending request with [ErrEngineClosed] and rejects
// later ones.
func (e *Engine) Close() {
	e.lk.Lock()
	if e.closed {
		e.lk.Unlock()
		return
	}
	e.closed = true
	drained := e.pending
	e.pending = make(map[string]*pending)
	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	e.lk.Unlock()
	e.msink.SetGaugeWithLabels(telemetry.MetricFuturePending, 0, e.labels)

	for _, p := range drained {
		e.finish(p, nil, ErrEngineClosed)
	}
}
