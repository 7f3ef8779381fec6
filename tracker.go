package ruby

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/beacon"
	"github.com/nohros/nohrosruby-sub001/pkg/channel"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

// Tracker is a snapshot of a known peer.
type Tracker struct {
	PeerID   uuid.UUID
	Mailbox  endpoint.Endpoint
	LastSeen time.Time
}

type tracker struct {
	peerID   uuid.UUID
	link     *channel.Channel
	lastSeen atomic.Int64
}

func newTracker(peerID uuid.UUID, link *channel.Channel, now time.Time) *tracker {
	t := &tracker{peerID: peerID, link: link}
	t.seen(now)
	return t
}

func (t *tracker) seen(now time.Time) {
	t.lastSeen.Store(now.UnixNano())
}

func (t *tracker) lastSeenAt() time.Time {
	return time.Unix(0, t.lastSeen.Load())
}

func (t *tracker) alive() bool {
	select {
	case <-t.link.Done():
		return false
	default:
		return true
	}
}

func (t *tracker) snapshot() Tracker {
	return Tracker{
		PeerID:   t.peerID,
		Mailbox:  t.link.Endpoint(),
		LastSeen: t.lastSeenAt(),
	}
}

// OnBeaconReceived tracks the peer b advertises. It returns once the link
// towards the peer is opened, if one is needed.
func (e *Engine) OnBeaconReceived(b beacon.Beacon) {
	mailbox, ok := e.beaconMailbox(b)
	if !ok {
		return
	}
	if err := e.Track(b.PeerID, mailbox); err != nil {
		e.logger.Debug("could not track peer", "beacon", b, telemetry.LabelError.L(err))
	}
}

// discover is OnBeaconReceived for discovery loops: it never waits for a
// link to open. A known peer is only marked as seen, otherwise the link is
// opened in the background, once per peer at a time. Beacons of a peer
// being dialed are dropped.
func (e *Engine) discover(b beacon.Beacon) {
	mailbox, ok := e.beaconMailbox(b)
	if !ok {
		return
	}

	e.lk.Lock()
	if e.shutdown {
		e.lk.Unlock()
		return
	}
	if current := e.trackers[b.PeerID]; current != nil && current.link.Endpoint().Equal(mailbox) && current.alive() {
		current.seen(time.Now())
		e.lk.Unlock()
		return
	}
	if _, dialing := e.dialing[b.PeerID]; dialing {
		e.lk.Unlock()
		return
	}
	e.dialing[b.PeerID] = struct{}{}
	e.wg.Add(1)
	e.lk.Unlock()

	go func() {
		defer e.wg.Done()
		err := e.Track(b.PeerID, mailbox)

		e.lk.Lock()
		delete(e.dialing, b.PeerID)
		e.lk.Unlock()
		if err != nil {
			e.logger.Debug("could not track peer", "beacon", b, telemetry.LabelError.L(err))
		}
	}()
}

func (e *Engine) beaconMailbox(b beacon.Beacon) (endpoint.Endpoint, bool) {
	if b.PeerID == e.peerID {
		return endpoint.Endpoint{}, false
	}
	mailbox, err := b.Mailbox()
	if err != nil {
		e.logger.Warn("beacon advertises an invalid mailbox", "beacon", b, telemetry.LabelError.L(err))
		return endpoint.Endpoint{}, false
	}
	return mailbox, true
}

// Track records that peerID owns the mailbox. A link is opened towards
// the mailbox of a peer seen for the first time, or when its mailbox
// changed, or when its previous link is dead. Otherwise, the peer is only
// marked as seen.
func (e *Engine) Track(peerID uuid.UUID, mailbox endpoint.Endpoint) error {
	if peerID == e.peerID {
		return nil
	}

	now := time.Now()
	e.lk.Lock()
	if e.shutdown {
		e.lk.Unlock()
		return ErrEngineClosed
	}
	current := e.trackers[peerID]
	if current != nil && current.link.Endpoint().Equal(mailbox) && current.alive() {
		current.seen(now)
		e.lk.Unlock()
		return nil
	}
	e.lk.Unlock()

	link, err := e.openLink(e.ctx, mailbox)
	if err != nil {
		e.msink.IncrCounterWithLabels(telemetry.MetricPacketOutErrorCount, 1,
			telemetry.With(e.labels, telemetry.LabelError.M("link_failed")))
		return err
	}

	e.lk.Lock()
	if e.shutdown {
		e.lk.Unlock()
		link.CloseBecause(channel.Because(channel.ClosedByShutdown, "engine shutting down"))
		return ErrEngineClosed
	}
	old := e.trackers[peerID]
	if old != nil && old != current && old.link.Endpoint().Equal(mailbox) && old.alive() {
		// another discovery of the same peer won the race.
		old.seen(now)
		e.lk.Unlock()
		link.CloseBecause(channel.Because(channel.ClosedByReplaced, "duplicate link"))
		return nil
	}
	e.trackers[peerID] = newTracker(peerID, link, now)
	count := len(e.trackers)
	e.lk.Unlock()

	logger := e.logger.With(telemetry.LabelPeerID.L(peerID.String()), telemetry.LabelEndpoint.L(mailbox))
	if old != nil {
		old.link.CloseBecause(channel.Because(channel.ClosedByReplaced, "peer advertised a new mailbox"))
		e.msink.IncrCounterWithLabels(telemetry.MetricTrackerReplaceCount, 1, e.labels)
		logger.Info("tracker replaced", "previous", old.link.Endpoint())
	} else {
		e.msink.IncrCounterWithLabels(telemetry.MetricTrackerAddCount, 1, e.labels)
		logger.Info("tracker added")
	}
	e.msink.SetGaugeWithLabels(telemetry.MetricTrackerCount, float32(count), e.labels)
	return nil
}

// Evict forgets peerID and closes its link. It reports whether the peer
// was known.
func (e *Engine) Evict(peerID uuid.UUID) bool {
	return e.evict(peerID, nil, "peer evicted")
}

// evict removes peerID, only if it is still t when t is not nil.
func (e *Engine) evict(peerID uuid.UUID, t *tracker, reason string) bool {
	e.lk.Lock()
	current, ok := e.trackers[peerID]
	if !ok || (t != nil && current != t) {
		e.lk.Unlock()
		return false
	}
	delete(e.trackers, peerID)
	count := len(e.trackers)
	e.lk.Unlock()

	current.link.CloseBecause(channel.Because(channel.ClosedByEvicted, reason))
	e.msink.IncrCounterWithLabels(telemetry.MetricTrackerEvictCount, 1, e.labels)
	e.msink.SetGaugeWithLabels(telemetry.MetricTrackerCount, float32(count), e.labels)
	e.logger.Info("tracker evicted",
		telemetry.LabelPeerID.L(peerID.String()),
		"reason", reason,
	)
	return true
}

// evictStale evicts the trackers not seen since expiry before now.
func (e *Engine) evictStale(now time.Time, expiry time.Duration) int {
	deadline := now.Add(-expiry)
	var stale []*tracker
	e.lk.Lock()
	for _, t := range e.trackers {
		if t.lastSeenAt().Before(deadline) {
			stale = append(stale, t)
		}
	}
	e.lk.Unlock()

	evicted := 0
	for _, t := range stale {
		if e.evict(t.peerID, t, "not seen for "+expiry.String()) {
			evicted++
		}
	}
	return evicted
}

// Trackers lists the known peers.
func (e *Engine) Trackers() []Tracker {
	e.lk.Lock()
	defer e.lk.Unlock()
	trackers := make([]Tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		trackers = append(trackers, t.snapshot())
	}
	return trackers
}

func (e *Engine) links() []*tracker {
	e.lk.Lock()
	defer e.lk.Unlock()
	links := make([]*tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		links = append(links, t)
	}
	return links
}

// linkTo returns the link of the tracker whose mailbox is ep, if any.
func (e *Engine) linkTo(ep endpoint.Endpoint) *channel.Channel {
	e.lk.Lock()
	defer e.lk.Unlock()
	for _, t := range e.trackers {
		if t.link.Endpoint().Equal(ep) && t.alive() {
			return t.link
		}
	}
	return nil
}

func (e *Engine) openLink(ctx context.Context, ep endpoint.Endpoint) (*channel.Channel, error) {
	link, err := channel.New(channel.ModeLink, ep, e.channelOptions(e.config.linkOpts...)...)
	if err != nil {
		return nil, err
	}
	if err := link.Open(ctx); err != nil {
		return nil, err
	}
	return link, nil
}
