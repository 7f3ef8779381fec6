package ruby

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/nohros/nohrosruby-sub001/pkg/channel"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/repository"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	peerID        uuid.UUID
	mailbox       endpoint.Endpoint
	advertiseHost string
	tlsConf       *tls.Config
	joinTimeout   time.Duration
	linkOpts      []channel.Option

	beacon     beaconConfig
	mlCfg      *memberlist.Config
	gossip     bool
	neighbours []string

	repo    repository.Repository
	repoCfg *repository.Config

	trackerExpiry time.Duration
	queryTTL      time.Duration
}

type beaconConfig struct {
	enabled     bool
	bindAddr    string
	port        int
	destination netip.AddrPort
	interval    time.Duration
}

// Option to pass to `Create`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the engine and every channel it opens.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the engine.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithPeerID sets the identity advertised to other peers, a random one is
// generated otherwise.
func WithPeerID(id uuid.UUID) Option {
	return func(c *config) error {
		if id == uuid.Nil {
			return fmt.Errorf("peer id cannot be nil")
		}
		c.peerID = id
		return nil
	}
}

// WithMailbox specifies where the mailbox of the engine is bound, e.g.
// `tcp://*:0`. Responses to the queries of the engine are delivered there.
func WithMailbox(uri string) Option {
	return func(c *config) error {
		ep, err := endpoint.Parse(uri)
		if err != nil {
			return err
		}
		c.mailbox = ep
		return nil
	}
}

// WithAdvertiseAddr specifies the host peers must use to reach the mailbox.
// When the mailbox is bound on every interface, a private IP of the host
// is advertised by default.
func WithAdvertiseAddr(host string) Option {
	return func(c *config) error {
		c.advertiseHost = host
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by quic mailboxes and links.
// Peers should authenticate each other with mTLS.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithJoinTimeout bounds how long closing a channel waits for its receive
// loop.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.joinTimeout = timeout
		return nil
	}
}

// WithLinkOptions tunes the channels opened towards other trackers. They
// are applied after the engine own options.
func WithLinkOptions(opts ...channel.Option) Option {
	return func(c *config) error {
		c.linkOpts = append(c.linkOpts, opts...)
		return nil
	}
}

// WithBeacon enables UDP beacons: the engine listens for beacons on
// addr:port and broadcasts its own mailbox there.
func WithBeacon(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("beacon port %d out of range", port)
		}
		c.beacon.enabled = true
		c.beacon.bindAddr = addr
		c.beacon.port = port
		return nil
	}
}

// WithBeaconDestination overrides where beacons are sent, the IPv4
// broadcast address on the beacon port by default.
func WithBeaconDestination(dst netip.AddrPort) Option {
	return func(c *config) error {
		c.beacon.destination = dst
		return nil
	}
}

// WithBeaconInterval controls how often the mailbox is advertised.
func WithBeaconInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = time.Second
		}
		c.beacon.interval = interval
		return nil
	}
}

// WithGossip enables discovery through the memberlist gossip protocol,
// listening on addr:port.
func WithGossip(addr string, port int) Option {
	return func(c *config) error {
		c.gossip = true
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// gossip cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithRepository sets the repository services are stored in. The engine
// does not close it.
func WithRepository(repo repository.Repository) Option {
	return func(c *config) error {
		if repo == nil {
			return fmt.Errorf("repository cannot be nil")
		}
		c.repo = repo
		return nil
	}
}

// WithRepositoryConfig opens the repository backend cfg selects. The
// engine closes it on shutdown.
func WithRepositoryConfig(cfg repository.Config) Option {
	return func(c *config) error {
		c.repoCfg = &cfg
		return nil
	}
}

// WithTrackerExpiry evicts trackers not seen for expiry. Zero, the
// default, never evicts.
func WithTrackerExpiry(expiry time.Duration) Option {
	return func(c *config) error {
		if expiry < 0 {
			return fmt.Errorf("negative tracker expiry")
		}
		c.trackerExpiry = expiry
		return nil
	}
}

// WithQueryTTL forgets the queries still unanswered after ttl. Zero, the
// default, keeps them until shutdown.
func WithQueryTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl < 0 {
			return fmt.Errorf("negative query ttl")
		}
		c.queryTTL = ttl
		return nil
	}
}

func defaultOptions() []Option {
	return []Option{
		WithMailbox("tcp://*:0"),
		WithJoinTimeout(0),
		WithBeaconInterval(0),
	}
}
