package beacon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
)

var ErrReceiverClosed = errors.New("beacon: receiver closed")

// Handler is called for every valid beacon received.
type Handler func(Beacon)

type ReceiverConfig struct {
	// BindAddr to listen on, every interface by default.
	BindAddr string
	// Port to listen on, usually [DefaultPort]. Zero picks an ephemeral
	// port.
	Port int

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Receiver listens for beacons. Several receivers of the same host may
// share the port.
type Receiver struct {
	conn   *net.UDPConn
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func Listen(cfg *ReceiverConfig) (*Receiver, error) {
	var c ReceiverConfig
	if cfg != nil {
		c = *cfg
	}
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port)))
	if err != nil {
		return nil, err
	}

	conn := pc.(*net.UDPConn)
	return &Receiver{
		conn:   conn,
		logger: telemetry.Logger(c.LogHandler).With(telemetry.LabelPeerAddr.L(conn.LocalAddr().String())),
		msink:  telemetry.Sink(c.MetricSink),
		labels: c.MetricLabels,
	}, nil
}

// Addr the receiver is bound to.
func (r *Receiver) Addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start receives beacons in the background and hands them to h. Datagrams
// which are not valid beacons are dropped.
func (r *Receiver) Start(h Handler) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed {
		return ErrReceiverClosed
	}
	if r.started {
		return nil
	}
	r.started = true
	r.wg.Add(1)
	go r.receive(h)
	return nil
}

func (r *Receiver) receive(h Handler) {
	defer r.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("failed to receive a datagram", telemetry.LabelError.L(err))
			continue
		}

		b, err := Parse(buf[:n], from)
		if err != nil {
			r.msink.IncrCounterWithLabels(telemetry.MetricBeaconInErrorCount, 1.0, r.labels)
			r.logger.Debug("dropping datagram", telemetry.LabelPeerAddr.L(from.String()), telemetry.LabelError.L(err))
			continue
		}

		r.msink.IncrCounterWithLabels(telemetry.MetricBeaconInCount, 1.0, r.labels)
		h(b)
	}
}

// Close stops receiving and waits for the handler to return.
func (r *Receiver) Close() error {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return nil
	}
	r.closed = true
	r.lk.Unlock()

	err := r.conn.Close()
	r.wg.Wait()
	return err
}
