package beacon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
)

var ErrInvalidCfg = errors.New("beacon: invalid config")

type BroadcasterConfig struct {
	// Beacon to emit.
	Beacon Beacon

	// Destination of the datagrams, the IPv4 broadcast address on
	// [DefaultPort] by default.
	Destination netip.AddrPort

	// Interval between two beacons, 1s by default.
	Interval time.Duration

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Broadcaster periodically emits a beacon.
type Broadcaster struct {
	cfg     BroadcasterConfig
	payload []byte
	conn    net.PacketConn
	dst     *net.UDPAddr
	logger  *slog.Logger
	msink   metrics.MetricSink

	lk      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewBroadcaster(cfg *BroadcasterConfig) (*Broadcaster, error) {
	if cfg == nil || cfg.Beacon.MailboxPort <= 0 {
		return nil, ErrInvalidCfg
	}

	c := *cfg
	if !c.Destination.IsValid() {
		c.Destination = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), DefaultPort)
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}

	lc := net.ListenConfig{Control: broadcastControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		cfg:     c,
		payload: c.Beacon.Marshal(),
		conn:    conn,
		dst:     net.UDPAddrFromAddrPort(c.Destination),
		logger: telemetry.Logger(c.LogHandler).With(
			telemetry.LabelPeerID.L(c.Beacon.PeerID.String()),
			telemetry.LabelPeerAddr.L(c.Destination.String()),
		),
		msink:  telemetry.Sink(c.MetricSink),
		stopCh: make(chan struct{}),
	}, nil
}

// Start emits a first beacon right away, then one every interval until
// Stop. Later calls are no-ops.
func (b *Broadcaster) Start() {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.run()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-timer.C:
		}

		b.emit()
		timer.Reset(b.cfg.Interval)
	}
}

func (b *Broadcaster) emit() {
	_, err := b.conn.WriteTo(b.payload, b.dst)
	if err != nil {
		b.msink.IncrCounterWithLabels(telemetry.MetricBeaconOutErrorCount, 1.0, b.cfg.MetricLabels)
		b.logger.Warn("failed to emit a beacon", telemetry.LabelError.L(err))
		return
	}
	b.msink.IncrCounterWithLabels(telemetry.MetricBeaconOutCount, 1.0, b.cfg.MetricLabels)
}

// Stop cancels the next beacon, a beacon being sent completes first.
func (b *Broadcaster) Stop() error {
	b.lk.Lock()
	if b.stopped {
		b.lk.Unlock()
		return nil
	}
	b.stopped = true
	close(b.stopCh)
	b.lk.Unlock()

	b.wg.Wait()
	return b.conn.Close()
}
