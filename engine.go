package ruby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/beacon"
	"github.com/nohros/nohrosruby-sub001/pkg/channel"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	"github.com/nohros/nohrosruby-sub001/pkg/packet"
	"github.com/nohros/nohrosruby-sub001/pkg/repository"
	"github.com/nohros/nohrosruby-sub001/pkg/socket"
	"golang.org/x/sync/errgroup"
)

// Engine is a tracker: it discovers the other trackers of the network,
// answers their queries from its repository and forwards the queries it
// cannot answer to them.
type Engine struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	peerID   uuid.UUID
	repo     repository.Repository
	ownsRepo bool

	// mailbox
	mailbox    *channel.Channel
	mailboxEx  *channel.Background
	advertised endpoint.Endpoint

	// discovery
	discoveryEx *channel.Background
	receiver    *beacon.Receiver
	broadcaster *beacon.Broadcaster
	gossip      *gossip
	trackers    map[uuid.UUID]*tracker
	dialing     map[uuid.UUID]struct{}

	// pending queries
	qlk     sync.Mutex
	queries map[uint64]*pendingQuery
	nextKey atomic.Uint64

	// synchronisation
	startLk    sync.Mutex
	lk         sync.Mutex
	started    bool
	shutdown   bool
	shutdownCh chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type pendingQuery struct {
	cb      func(endpoint.Endpoint)
	created time.Time
}

// Create an engine. Nothing is bound until [Engine.Start].
func Create(opts ...Option) (*Engine, error) {
	e := &Engine{
		trackers:   make(map[uuid.UUID]*tracker),
		dialing:    make(map[uuid.UUID]struct{}),
		queries:    make(map[uint64]*pendingQuery),
		shutdownCh: make(chan struct{}),
	}

	e.config.mlCfg = memberlist.DefaultLANConfig()
	e.config.mlCfg.ProbeTimeout = 2 * time.Second

	opts = append(defaultOptions(), opts...)
	for _, opt := range opts {
		if err := opt(&e.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if e.config.peerID == uuid.Nil {
		e.config.peerID = uuid.New()
	}
	e.peerID = e.config.peerID

	e.logger = telemetry.Logger(e.config.logHandler).With(telemetry.LabelPeerID.L(e.peerID.String()))
	e.config.mlCfg.Logger = slog.NewLogLogger(e.logger.Handler(), slog.LevelDebug)
	e.msink = telemetry.Sink(e.config.msink)
	e.labels = e.config.metricLabels

	switch {
	case e.config.repo != nil:
		e.repo = e.config.repo
	default:
		cfg := repository.Config{}
		if e.config.repoCfg != nil {
			cfg = *e.config.repoCfg
		}
		if cfg.LogHandler == nil {
			cfg.LogHandler = e.config.logHandler
		}
		repo, err := repository.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		e.repo = repo
		e.ownsRepo = true
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start binds the mailbox, then starts discovering peers.
func (e *Engine) Start(ctx context.Context) (err error) {
	e.startLk.Lock()
	defer e.startLk.Unlock()

	e.lk.Lock()
	switch {
	case e.shutdown:
		e.lk.Unlock()
		return ErrEngineClosed
	case e.started:
		e.lk.Unlock()
		return ErrAlreadyStarted
	}
	e.lk.Unlock()

	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()

	mailbox, err := channel.New(channel.ModeRouter, e.config.mailbox, e.channelOptions()...)
	if err != nil {
		return err
	}
	mailboxEx := channel.NewBackground(1024)
	mailbox.AddListener(e.OnMessagePacketReceived, mailboxEx)
	if err := mailbox.Open(ctx); err != nil {
		mailboxEx.Close()
		return fmt.Errorf("could not bind mailbox: %w", err)
	}
	rollback = append(rollback, func() {
		mailbox.Close()
		mailboxEx.Close()
	})

	advertised, err := advertise(mailbox.Endpoint(), e.config.advertiseHost)
	if err != nil {
		return err
	}

	e.lk.Lock()
	e.mailbox = mailbox
	e.mailboxEx = mailboxEx
	e.advertised = advertised
	e.lk.Unlock()

	e.discoveryEx = channel.NewBackground(256)
	rollback = append(rollback, e.discoveryEx.Close)

	if e.config.beacon.enabled {
		if err := e.startBeacons(advertised); err != nil {
			return err
		}
		rollback = append(rollback, func() {
			e.receiver.Close()
			e.broadcaster.Stop()
		})
	}

	if e.config.gossip {
		g, err := startGossip(e, advertised)
		if err != nil {
			return err
		}
		e.gossip = g
		rollback = append(rollback, func() {
			g.leave(time.Second)
			e.gossip = nil
		})
		g.join(e.config.neighbours)
	}

	if every := maintenanceInterval(e.config.trackerExpiry, e.config.queryTTL); every > 0 {
		e.wg.Add(1)
		go e.maintain(every)
	}

	e.lk.Lock()
	e.started = true
	e.lk.Unlock()

	e.logger.Info("engine started", telemetry.LabelEndpoint.L(advertised))
	return nil
}

func (e *Engine) startBeacons(advertised endpoint.Endpoint) error {
	cfg := e.config.beacon
	port := cfg.port
	if port == 0 {
		port = beacon.DefaultPort
	}

	receiver, err := beacon.Listen(&beacon.ReceiverConfig{
		BindAddr:     cfg.bindAddr,
		Port:         port,
		LogHandler:   e.config.logHandler,
		MetricSink:   e.msink,
		MetricLabels: e.labels,
	})
	if err != nil {
		return fmt.Errorf("could not listen for beacons: %w", err)
	}
	err = receiver.Start(func(b beacon.Beacon) {
		e.discoveryEx.Execute(func() { e.discover(b) })
	})
	if err != nil {
		receiver.Close()
		return err
	}

	mailboxPort, err := strconv.Atoi(advertised.Port())
	if err != nil {
		receiver.Close()
		return fmt.Errorf("%w: %s", ErrNotAdvertised, advertised)
	}
	dst := cfg.destination
	if !dst.IsValid() {
		dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(port))
	}
	broadcaster, err := beacon.NewBroadcaster(&beacon.BroadcasterConfig{
		Beacon: beacon.Beacon{
			PeerID:      e.peerID,
			MailboxPort: mailboxPort,
			Transport:   advertised.Kind(),
		},
		Destination:  dst,
		Interval:     cfg.interval,
		LogHandler:   e.config.logHandler,
		MetricSink:   e.msink,
		MetricLabels: e.labels,
	})
	if err != nil {
		receiver.Close()
		return err
	}
	broadcaster.Start()

	e.receiver = receiver
	e.broadcaster = broadcaster
	return nil
}

// advertise returns the endpoint peers use to reach a mailbox bound on
// bound.
func advertise(bound endpoint.Endpoint, host string) (endpoint.Endpoint, error) {
	switch bound.Kind() {
	case endpoint.KindTCP, endpoint.KindQUIC:
	default:
		return bound, nil
	}

	if host == "" {
		host = bound.Host()
		if ip := net.ParseIP(host); host == "*" || (ip != nil && ip.IsUnspecified()) {
			private, err := sockaddr.GetPrivateIP()
			if err != nil {
				return endpoint.Endpoint{}, fmt.Errorf("%w: %w", ErrNotAdvertised, err)
			}
			if private == "" {
				private = "127.0.0.1"
			}
			host = private
		}
	}

	port, err := strconv.Atoi(bound.Port())
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("%w: %s", ErrNotAdvertised, bound)
	}
	return endpoint.FromHostPort(bound.Kind(), host, port)
}

func maintenanceInterval(durations ...time.Duration) time.Duration {
	var every time.Duration
	for _, d := range durations {
		if d > 0 && (every == 0 || d/2 < every) {
			every = d / 2
		}
	}
	if every > 0 && every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	return every
}

func (e *Engine) maintain(every time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case now := <-ticker.C:
			if e.config.trackerExpiry > 0 {
				e.evictStale(now, e.config.trackerExpiry)
			}
			if e.config.queryTTL > 0 {
				e.expireQueries(now, e.config.queryTTL)
			}
		}
	}
}

func (e *Engine) channelOptions(extra ...channel.Option) []channel.Option {
	opts := []channel.Option{
		channel.WithLog(e.config.logHandler),
		channel.WithMetricSink(e.msink),
		channel.WithMetricLabels(e.labels),
		channel.WithJoinTimeout(e.config.joinTimeout),
		channel.WithSocketOptions(socket.Options{
			TLSConfig:  e.config.tlsConf,
			LogHandler: e.config.logHandler,
		}),
	}
	return append(opts, extra...)
}

// PeerID is the identity the engine advertises.
func (e *Engine) PeerID() uuid.UUID {
	return e.peerID
}

// MailboxEndpoint is the endpoint peers reach the mailbox at, zero until
// the engine is started.
func (e *Engine) MailboxEndpoint() endpoint.Endpoint {
	e.lk.Lock()
	defer e.lk.Unlock()
	return e.advertised
}

// Repository the engine resolves queries against.
func (e *Engine) Repository() repository.Repository {
	return e.repo
}

func (e *Engine) running() (endpoint.Endpoint, error) {
	e.lk.Lock()
	defer e.lk.Unlock()
	switch {
	case e.shutdown:
		return endpoint.Endpoint{}, ErrEngineClosed
	case !e.started:
		return endpoint.Endpoint{}, ErrNotStarted
	}
	return e.advertised, nil
}

// FindServices calls cb with the endpoint of every service matching all
// of facts.
//
// Services of the local repository are reported synchronously. When there
// is none, the query is sent to every known tracker and cb is called,
// later, with the services of the first tracker to answer. Trackers
// without matching services do not answer.
func (e *Engine) FindServices(ctx context.Context, facts fact.Set, cb func(endpoint.Endpoint)) error {
	if cb == nil {
		return ErrNoCallback
	}
	mailbox, err := e.running()
	if err != nil {
		return err
	}

	local, err := e.repo.Query(ctx, facts)
	if err != nil {
		e.msink.IncrCounterWithLabels(telemetry.MetricRepositoryErrorCount, 1, e.labels)
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
	if len(local) > 0 {
		for _, ep := range local {
			cb(ep)
		}
		return nil
	}

	// registered before any send so no response can outrun it.
	key := e.nextKey.Add(1)
	e.qlk.Lock()
	e.queries[key] = &pendingQuery{cb: cb, created: time.Now()}
	pending := len(e.queries)
	e.qlk.Unlock()
	e.msink.SetGaugeWithLabels(telemetry.MetricPendingQueries, float32(pending), e.labels)

	links := e.links()
	if len(links) == 0 {
		e.takeQuery(key)
		return ErrNoTrackers
	}

	pkt, err := packet.Create(encodeKey(key), packet.TypeQuery, nil,
		packet.WithToken(TokenQueryService),
		packet.WithFacts(facts),
		packet.WithSender([]byte(mailbox.String())),
	)
	if err != nil {
		e.takeQuery(key)
		return err
	}

	if e.broadcast(links, pkt) == 0 {
		e.takeQuery(key)
		return ErrNotDelivered
	}
	e.msink.IncrCounterWithLabels(telemetry.MetricQueryBroadcastCount, 1, e.labels)
	e.logger.Debug("query broadcast",
		telemetry.LabelCorrelation.L(key),
		telemetry.LabelFacts.L(facts),
	)
	return nil
}

// Announce registers ep with facts in the local repository, then lets the
// known trackers know about it.
func (e *Engine) Announce(ctx context.Context, facts fact.Set, ep endpoint.Endpoint) error {
	mailbox, err := e.running()
	if err != nil {
		return err
	}

	if err := e.repo.Add(ctx, ep, facts); err != nil {
		e.msink.IncrCounterWithLabels(telemetry.MetricRepositoryErrorCount, 1, e.labels)
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}

	pkt, err := packet.Create(encodeKey(e.nextKey.Add(1)), packet.TypeAnnounce, encodeEndpoints(ep),
		packet.WithToken(TokenAnnounceService),
		packet.WithFacts(facts),
		packet.WithSender([]byte(mailbox.String())),
	)
	if err != nil {
		return err
	}

	links := e.links()
	delivered := e.broadcast(links, pkt)
	e.logger.Info("service announced",
		telemetry.LabelEndpoint.L(ep),
		telemetry.LabelFacts.L(facts),
		"trackers", delivered,
	)
	return nil
}

func (e *Engine) broadcast(links []*tracker, pkt packet.Packet) int {
	delivered := 0
	for _, t := range links {
		ok, err := t.link.Send(pkt)
		if err != nil {
			e.logger.Debug("could not send to tracker",
				telemetry.LabelPeerID.L(t.peerID.String()),
				telemetry.LabelError.L(err),
			)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

// takeQuery removes the pending query of key. Only the caller getting it
// back may call its callback.
func (e *Engine) takeQuery(key uint64) *pendingQuery {
	e.qlk.Lock()
	q, ok := e.queries[key]
	if ok {
		delete(e.queries, key)
	}
	pending := len(e.queries)
	e.qlk.Unlock()
	if ok {
		e.msink.SetGaugeWithLabels(telemetry.MetricPendingQueries, float32(pending), e.labels)
	}
	return q
}

func (e *Engine) expireQueries(now time.Time, ttl time.Duration) int {
	deadline := now.Add(-ttl)
	e.qlk.Lock()
	expired := 0
	for key, q := range e.queries {
		if q.created.Before(deadline) {
			delete(e.queries, key)
			expired++
		}
	}
	pending := len(e.queries)
	e.qlk.Unlock()

	if expired > 0 {
		e.msink.IncrCounterWithLabels(telemetry.MetricQueryExpiredCount, float32(expired), e.labels)
		e.msink.SetGaugeWithLabels(telemetry.MetricPendingQueries, float32(pending), e.labels)
		e.logger.Debug("unanswered queries expired", "count", expired)
	}
	return expired
}

// PendingQueries is the number of queries waiting for a response.
func (e *Engine) PendingQueries() int {
	e.qlk.Lock()
	defer e.qlk.Unlock()
	return len(e.queries)
}

// OnMessagePacketReceived handles a packet received by the mailbox.
func (e *Engine) OnMessagePacketReceived(_ []byte, pkt packet.Packet) {
	var err error
	switch pkt.Body.Type {
	case packet.TypeResponse:
		err = e.onResponse(pkt)
	case packet.TypeQuery:
		err = e.onQuery(pkt)
	case packet.TypeAnnounce:
		err = e.onAnnounce(pkt)
	default:
		e.logger.Debug("ignoring message", telemetry.LabelMessageType.L(pkt.Body.Type.String()))
		return
	}

	if err != nil {
		e.logger.Warn("could not handle message",
			telemetry.LabelMessageType.L(pkt.Body.Type.String()),
			telemetry.LabelToken.L(pkt.Body.Token),
			telemetry.LabelError.L(err),
		)
	}
}

func (e *Engine) onResponse(pkt packet.Packet) error {
	if pkt.Body.Token != TokenQueryService {
		return fmt.Errorf("%w: %q", ErrUnexpectedToken, pkt.Body.Token)
	}
	key, err := decodeKey(pkt.Body.ID)
	if err != nil {
		return err
	}
	found, err := decodeEndpoints(pkt.Body.Message)
	if err != nil {
		return err
	}

	q := e.takeQuery(key)
	if q == nil {
		e.logger.Debug("response without pending query", telemetry.LabelCorrelation.L(key))
		return nil
	}

	e.msink.IncrCounterWithLabels(telemetry.MetricQueryResolvedCount, 1, e.labels)
	for _, ep := range found {
		q.cb(ep)
	}
	return nil
}

func (e *Engine) onQuery(pkt packet.Packet) error {
	if pkt.Body.Token != TokenQueryService {
		return fmt.Errorf("%w: %q", ErrUnexpectedToken, pkt.Body.Token)
	}
	if len(pkt.Body.Sender) == 0 {
		return fmt.Errorf("%w: query without sender", ErrMalformedMessage)
	}
	sender, err := endpoint.Parse(string(pkt.Body.Sender))
	if err != nil {
		return fmt.Errorf("%w: sender: %w", ErrMalformedMessage, err)
	}

	found, err := e.repo.Query(e.ctx, pkt.Header.Facts)
	if err != nil {
		e.msink.IncrCounterWithLabels(telemetry.MetricRepositoryErrorCount, 1, e.labels)
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
	if len(found) == 0 {
		return nil
	}

	resp, err := packet.Create(pkt.Body.ID, packet.TypeResponse, encodeEndpoints(found...),
		packet.WithToken(TokenQueryService),
	)
	if err != nil {
		return err
	}
	return e.reply(sender, resp)
}

// reply sends pkt to the mailbox at ep, over the link of the tracker owning
// it or over a transient one.
func (e *Engine) reply(ep endpoint.Endpoint, pkt packet.Packet) error {
	if link := e.linkTo(ep); link != nil {
		ok, err := link.Send(pkt)
		if err == nil && ok {
			return nil
		}
	}

	link, err := e.openLink(e.ctx, ep)
	if err != nil {
		return err
	}
	defer link.Close()

	ok, err := link.Send(pkt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDelivered, ep)
	}
	return nil
}

func (e *Engine) onAnnounce(pkt packet.Packet) error {
	if pkt.Body.Token != TokenAnnounceService {
		return fmt.Errorf("%w: %q", ErrUnexpectedToken, pkt.Body.Token)
	}
	ep, err := decodeAnnounce(pkt.Body.Message)
	if err != nil {
		return err
	}

	if err := e.repo.Add(e.ctx, ep, pkt.Header.Facts); err != nil {
		// the announcer has nothing to retry with.
		e.msink.IncrCounterWithLabels(telemetry.MetricRepositoryErrorCount, 1, e.labels)
		e.logger.Error("could not store announced service",
			telemetry.LabelEndpoint.L(ep),
			telemetry.LabelError.L(err),
		)
		return nil
	}
	e.logger.Debug("announced service stored",
		telemetry.LabelEndpoint.L(ep),
		telemetry.LabelFacts.L(pkt.Header.Facts),
	)
	return nil
}

// Shutdown stops discovery, closes every link and the mailbox. Pending
// queries are dropped, their callbacks are never called.
func (e *Engine) Shutdown() error {
	e.startLk.Lock()
	defer e.startLk.Unlock()

	// Phase 1: Shutdown notify.
	e.lk.Lock()
	if e.shutdown {
		e.lk.Unlock()
		return nil
	}
	e.shutdown = true
	close(e.shutdownCh)
	trackers := e.trackers
	e.trackers = make(map[uuid.UUID]*tracker)
	e.lk.Unlock()

	start := time.Now()
	e.logger.Info("shutting down...")
	e.cancel()

	var errs []error
	if e.gossip != nil {
		e.logger.Info("shutdown: leave cluster")
		errs = append(errs, e.gossip.leave(5*time.Second))
	}
	if e.broadcaster != nil {
		e.logger.Info("shutdown: stop beacons")
		errs = append(errs, e.broadcaster.Stop(), e.receiver.Close())
	}
	if e.discoveryEx != nil {
		e.discoveryEx.Close()
	}

	// Phase 2: Drop all resources.
	e.logger.Info("shutdown: close tracker links", "count", len(trackers))
	var g errgroup.Group
	for _, t := range trackers {
		g.Go(func() error {
			return t.link.CloseBecause(channel.Because(channel.ClosedByShutdown, "engine shutting down"))
		})
	}
	errs = append(errs, g.Wait())
	e.msink.SetGaugeWithLabels(telemetry.MetricTrackerCount, 0, e.labels)

	if e.mailbox != nil {
		e.logger.Info("shutdown: close mailbox")
		errs = append(errs, e.mailbox.CloseBecause(channel.Because(channel.ClosedByShutdown, "engine shutting down")))
		e.mailboxEx.Close()
	}

	e.qlk.Lock()
	dropped := len(e.queries)
	e.queries = make(map[uint64]*pendingQuery)
	e.qlk.Unlock()
	e.msink.SetGaugeWithLabels(telemetry.MetricPendingQueries, 0, e.labels)

	e.logger.Info("shutdown: wait for sub-tasks to finish")
	e.wg.Wait()

	if e.ownsRepo {
		errs = append(errs, e.repo.Close())
	}

	e.logger.Info("shutdown: completed",
		telemetry.LabelDuration.L(time.Since(start)),
		"dropped_queries", dropped,
	)
	return errors.Join(errs...)
}
