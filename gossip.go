package ruby

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/beacon"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

// gossip discovers trackers through memberlist. The meta of every node is
// the beacon it would broadcast, so members are tracked exactly as if their
// beacon had been received.
type gossip struct {
	e      *Engine
	logger *slog.Logger
	meta   []byte
	list   *memberlist.Memberlist
}

func startGossip(e *Engine, advertised endpoint.Endpoint) (*gossip, error) {
	port, err := strconv.Atoi(advertised.Port())
	if err != nil {
		return nil, fmt.Errorf("%w: gossip requires a network mailbox, got %s", ErrNotAdvertised, advertised)
	}

	g := &gossip{
		e:      e,
		logger: e.logger.With("component", "gossip"),
		meta: beacon.Beacon{
			PeerID:      e.peerID,
			MailboxPort: port,
			Transport:   advertised.Kind(),
		}.Marshal(),
	}

	cfg := e.config.mlCfg
	cfg.Name = e.peerID.String()
	cfg.Delegate = g
	cfg.Events = g
	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not start gossip: %w", err)
	}
	g.list = list
	return g, nil
}

func (g *gossip) join(neighbours []string) {
	if len(neighbours) == 0 {
		return
	}
	joined, err := g.list.Join(neighbours)
	if err != nil {
		g.logger.Error("could not join cluster", telemetry.LabelError.L(err))
		return
	}
	g.logger.Info("cluster joined")
	if joined != len(neighbours) {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
}

// addr the gossip protocol is reachable at.
func (g *gossip) addr() string {
	return g.list.LocalNode().Address()
}

func (g *gossip) leave(timeout time.Duration) error {
	err := g.list.Leave(timeout)
	if serr := g.list.Shutdown(); err == nil {
		err = serr
	}
	return err
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		g.logger.Error("node meta exceeds limit", "size", len(g.meta), "limit", limit)
		return nil
	}
	return g.meta
}

func (g *gossip) NotifyMsg([]byte) {}

func (g *gossip) GetBroadcasts(int, int) [][]byte { return nil }

func (g *gossip) LocalState(bool) []byte { return nil }

func (g *gossip) MergeRemoteState([]byte, bool) {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.observe(node, "peer joined cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.observe(node, "peer updated")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	id, err := uuid.Parse(node.Name)
	if err != nil || id == g.e.peerID {
		return
	}
	withLogNode(g.logger, node).Info("peer left cluster")
	g.e.discoveryEx.Execute(func() { g.e.Evict(id) })
}

// observe tracks node as if its beacon was received.
func (g *gossip) observe(node *memberlist.Node, msg string) {
	if node.Name == g.e.peerID.String() {
		return
	}
	addr, ok := netip.AddrFromSlice(node.Addr)
	if !ok {
		withLogNode(g.logger, node).Warn("peer has no address")
		return
	}
	b, err := beacon.Parse(node.Meta, netip.AddrPortFrom(addr.Unmap(), node.Port))
	if err != nil {
		withLogNode(g.logger, node).Warn("peer meta is not a beacon", telemetry.LabelError.L(err))
		return
	}
	withLogNode(g.logger, node).Debug(msg)
	g.e.discoveryEx.Execute(func() { g.e.discover(b) })
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelPeerName.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}

// GossipAddr is the address other peers join the gossip cluster with, empty
// when gossip is disabled or the engine is not started.
func (e *Engine) GossipAddr() string {
	e.startLk.Lock()
	defer e.startLk.Unlock()
	if e.gossip == nil {
		return ""
	}
	return e.gossip.addr()
}
