// Package channel carries packets over a socket and dispatches inbound
// packets to listeners.
//
// A channel is opened once and closed once, it cannot be re-opened.
// Messages are framed in parts, with an empty delimiter in front of the
// packet:
//
//	dealer, link: [empty][packet]
//	router:       [sender][empty][packet]
//
// Messages with any other shape are logged and discarded.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/packet"
	"github.com/nohros/nohrosruby-sub001/pkg/socket"
)

// Mode selects the socket a channel runs on.
type Mode uint8

const (
	// ModeDealer connects to a single peer to exchange requests and
	// responses.
	ModeDealer Mode = iota + 1
	// ModeRouter binds an endpoint and serves many peers, every inbound
	// packet is delivered along with the route back to its sender.
	ModeRouter
	// ModeLink connects to a single peer and only sends. Anything received
	// is discarded, the connection is only watched for termination.
	ModeLink
)

func (m Mode) String() string {
	switch m {
	case ModeDealer:
		return "dealer"
	case ModeRouter:
		return "router"
	case ModeLink:
		return "link"
	default:
		return "unknown"
	}
}

func (m Mode) parts() int {
	if m == ModeRouter {
		return 3
	}
	return 2
}

// Listener is called for every packet received. route is the identity of
// the sender on router channels, nil otherwise.
type Listener func(route []byte, pkt packet.Packet)

type registration struct {
	fn Listener
	ex Executor
}

type state uint8

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

type Channel struct {
	mode   Mode
	ep     endpoint.Endpoint
	config config
	logger *slog.Logger
	labels []metrics.Label

	listeners atomic.Pointer[[]registration]

	lk       sync.Mutex
	state    state
	sock     socket.Socket
	reason   *ClosedError
	closeCh  chan struct{}
	loopDone chan struct{}
}

// New prepares a channel of the given mode on ep. Nothing is bound nor
// connected until [Channel.Open].
func New(mode Mode, ep endpoint.Endpoint, opts ...Option) (*Channel, error) {
	if mode < ModeDealer || mode > ModeLink {
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidCfg, mode)
	}
	if ep.IsZero() {
		return nil, fmt.Errorf("%w: an endpoint is required", ErrInvalidCfg)
	}

	ch := &Channel{
		mode:     mode,
		ep:       ep,
		closeCh:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	opts = append([]Option{WithJoinTimeout(0)}, opts...)
	for _, opt := range opts {
		if err := opt(&ch.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if ch.config.opener == nil {
		sockOpts := ch.config.sockOpts
		ch.config.opener = func(ctx context.Context, mode Mode, ep endpoint.Endpoint) (socket.Socket, error) {
			if mode == ModeRouter {
				return socket.Listen(ep, &sockOpts)
			}
			return socket.Dial(ctx, ep, &sockOpts)
		}
	}

	ch.config.msink = telemetry.Sink(ch.config.msink)
	ch.logger = telemetry.Logger(ch.config.logHandler).With(
		telemetry.LabelChannelMode.L(mode.String()),
		telemetry.LabelEndpoint.L(ep),
	)
	ch.labels = telemetry.With(ch.config.metricLabels, telemetry.LabelChannelMode.M(mode.String()))
	ch.listeners.Store(&[]registration{})
	return ch, nil
}

// Open binds or connects the socket and starts the receive loop.
func (ch *Channel) Open(ctx context.Context) error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	switch ch.state {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosed:
		return ch.reason
	}

	sock, err := ch.config.opener(ctx, ch.mode, ch.ep)
	if err != nil {
		return err
	}

	ch.sock = sock
	ch.state = stateOpen
	ch.logger.Debug("channel opened", "bound", sock.Endpoint())
	go ch.receive(sock)
	return nil
}

func (ch *Channel) Mode() Mode {
	return ch.mode
}

// Endpoint the channel is connected or bound to. Once a router channel is
// open, an ephemeral port is resolved.
func (ch *Channel) Endpoint() endpoint.Endpoint {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if ch.sock != nil {
		return ch.sock.Endpoint()
	}
	return ch.ep
}

// Done is closed once the channel is closed, whoever closed it.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closeCh
}

// Err returns why the channel was closed, nil while it is not.
func (ch *Channel) Err() error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if ch.reason == nil {
		return nil
	}
	return ch.reason
}

// AddListener registers l, invoked on ex for every packet received. A nil
// ex runs l on the receive loop. Listeners are invoked in registration
// order.
func (ch *Channel) AddListener(l Listener, ex Executor) {
	if ex == nil {
		ex = Inline
	}

	ch.lk.Lock()
	defer ch.lk.Unlock()
	current := *ch.listeners.Load()
	next := make([]registration, len(current), len(current)+1)
	copy(next, current)
	next = append(next, registration{fn: l, ex: ex})
	ch.listeners.Store(&next)
}

// Send writes pkt to the connected peer.
//
// It reports false without error when the packet definitely could not be
// queued, e.g. the send queue is full. It fails with an error matching
// [ErrChannelClosed] once the channel is closed.
func (ch *Channel) Send(pkt packet.Packet) (bool, error) {
	if ch.mode == ModeRouter {
		return false, ErrRouteRequired
	}
	return ch.send([][]byte{{}, pkt.Marshal()}, pkt)
}

// SendTo writes pkt to the peer identified by route. On channels which
// are not routers, route is ignored.
func (ch *Channel) SendTo(route []byte, pkt packet.Packet) (bool, error) {
	if ch.mode != ModeRouter {
		return ch.Send(pkt)
	}
	if len(route) == 0 {
		return false, ErrRouteRequired
	}
	return ch.send([][]byte{route, {}, pkt.Marshal()}, pkt)
}

func (ch *Channel) send(parts [][]byte, pkt packet.Packet) (bool, error) {
	ch.lk.Lock()
	st, sock, reason := ch.state, ch.sock, ch.reason
	ch.lk.Unlock()

	switch st {
	case stateNew:
		return false, ErrNotOpen
	case stateClosed:
		return false, reason
	}

	err := sock.Send(parts)
	switch {
	case err == nil:
		ch.config.msink.IncrCounterWithLabels(telemetry.MetricPacketOutCount, 1.0, ch.labels)
		ch.config.msink.IncrCounterWithLabels(telemetry.MetricPacketOutBytes, float32(pkt.TotalSize), ch.labels)
		return true, nil
	case errors.Is(err, socket.ErrWouldBlock), errors.Is(err, socket.ErrNoRoute):
		ch.countError(telemetry.MetricPacketOutErrorCount, "not_delivered")
		ch.logger.Debug(
			"packet not delivered",
			telemetry.LabelCorrelation.L(pkt.Key()),
			telemetry.LabelError.L(err),
		)
		return false, nil
	case errors.Is(err, socket.ErrClosed):
		ch.countError(telemetry.MetricPacketOutErrorCount, "closed")
		return false, Because(ClosedByRemote, err.Error())
	default:
		ch.countError(telemetry.MetricPacketOutErrorCount, "send_failed")
		return false, err
	}
}

func (ch *Channel) countError(key []string, reason string) {
	ch.config.msink.IncrCounterWithLabels(key, 1.0, telemetry.With(ch.labels, telemetry.LabelError.M(reason)))
}

func (ch *Channel) receive(sock socket.Socket) {
	defer close(ch.loopDone)
	for {
		parts, err := sock.Recv()
		if err != nil {
			select {
			case <-ch.closeCh:
				// closing, the socket was disposed under us.
				return
			default:
			}

			if errors.Is(err, socket.ErrClosed) {
				ch.logger.Debug("connection terminated", telemetry.LabelError.L(err))
				if sock, ok := ch.markClosed(Because(ClosedByRemote, err.Error())); ok {
					sock.Close()
				}
				return
			}

			ch.countError(telemetry.MetricPacketInErrorCount, "recv_failed")
			ch.logger.Warn("receive failed", telemetry.LabelError.L(err))
			continue
		}

		ch.handle(parts)
	}
}

func (ch *Channel) handle(parts [][]byte) {
	if ch.mode == ModeLink {
		ch.logger.Debug("discarding a message received on a link", telemetry.LabelParts.L(len(parts)))
		return
	}

	if len(parts) != ch.mode.parts() {
		ch.countError(telemetry.MetricPacketInErrorCount, "unexpected_parts")
		ch.logger.Warn("discarding message with unexpected part count", telemetry.LabelParts.L(len(parts)))
		return
	}

	var route []byte
	if ch.mode == ModeRouter {
		route, parts = parts[0], parts[1:]
	}
	if len(parts[0]) != 0 {
		ch.countError(telemetry.MetricPacketInErrorCount, "missing_delimiter")
		ch.logger.Warn("discarding message without delimiter")
		return
	}

	pkt, err := packet.Parse(parts[1])
	if err != nil {
		ch.countError(telemetry.MetricPacketInErrorCount, "malformed")
		ch.logger.Warn("discarding malformed packet", telemetry.LabelError.L(err))
		return
	}

	ch.config.msink.IncrCounterWithLabels(telemetry.MetricPacketInCount, 1.0, ch.labels)
	ch.config.msink.IncrCounterWithLabels(telemetry.MetricPacketInBytes, float32(pkt.TotalSize), ch.labels)

	for _, reg := range *ch.listeners.Load() {
		fn := reg.fn
		reg.ex.Execute(func() {
			ch.invoke(fn, route, pkt)
		})
	}
}

func (ch *Channel) invoke(fn Listener, route []byte, pkt packet.Packet) {
	defer func() {
		if r := recover(); r != nil {
			ch.config.msink.IncrCounterWithLabels(telemetry.MetricListenerPanicCount, 1.0, ch.labels)
			ch.logger.Error(
				"listener panicked",
				telemetry.LabelError.L(fmt.Sprint(r)),
				telemetry.LabelCorrelation.L(pkt.Key()),
			)
		}
	}()
	fn(route, pkt)
}

// markClosed transitions to the closed state and returns the socket to
// dispose, if any.
func (ch *Channel) markClosed(reason *ClosedError) (socket.Socket, bool) {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	if ch.state == stateClosed {
		return nil, false
	}
	prev := ch.state
	ch.state = stateClosed
	ch.reason = reason
	close(ch.closeCh)
	if prev == stateNew {
		close(ch.loopDone)
		return nil, false
	}
	return ch.sock, true
}

// Close is [Channel.CloseBecause] for an explicit user close.
func (ch *Channel) Close() error {
	return ch.CloseBecause(Because(ClosedByUser, ""))
}

// CloseBecause closes the socket and waits, up to the join timeout, for the
// receive loop to stop. Later calls are no-ops.
func (ch *Channel) CloseBecause(reason *ClosedError) error {
	if reason == nil {
		reason = Because(ClosedByUnknown, "")
	}
	sock, ok := ch.markClosed(reason)
	if !ok {
		return nil
	}

	start := time.Now()
	err := sock.Close()

	timer := time.NewTimer(ch.config.joinTimeout)
	defer timer.Stop()
	select {
	case <-ch.loopDone:
	case <-timer.C:
		// The socket is disposed, the loop will exit on its next receive.
		ch.logger.Error("receive loop did not stop in time", telemetry.LabelDuration.L(ch.config.joinTimeout))
		return ErrJoinTimeout
	}

	ch.logger.Debug("channel closed", telemetry.LabelDuration.L(time.Since(start)), "cause", reason.Cause.String())
	return err
}
