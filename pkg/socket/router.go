package socket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

type router struct {
	acc    acceptor
	opts   Options
	logger *slog.Logger

	peers map[string]*peer
	inbox chan [][]byte
	lk    sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

func newRouter(acc acceptor, opts *Options) *router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &router{
		acc:  acc,
		opts: *opts,
		logger: telemetry.Logger(opts.LogHandler).With(
			telemetry.LabelEndpoint.L(acc.endpoint()),
			telemetry.LabelChannelMode.L("router"),
		),
		peers:   make(map[string]*peer),
		inbox:   make(chan [][]byte, opts.SendQueue),
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptPeers()
	return r
}

func (r *router) acceptPeers() {
	defer r.wg.Done()
	for {
		rwc, err := r.acc.accept(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
				return
			}
			r.logger.Warn("failed to accept a peer", telemetry.LabelError.L(err))
			continue
		}

		id := uuid.New()
		p := newPeer(rwc, &r.opts, r.logger.With(telemetry.LabelPeerID.L(id.String())))

		r.lk.Lock()
		if r.closed {
			r.lk.Unlock()
			p.close()
			return
		}
		r.peers[string(id[:])] = p
		r.wg.Add(1)
		r.lk.Unlock()

		go r.readPeer(id, p)
	}
}

func (r *router) readPeer(id uuid.UUID, p *peer) {
	defer r.wg.Done()
	defer func() {
		r.lk.Lock()
		if r.peers[string(id[:])] == p {
			delete(r.peers, string(id[:]))
		}
		r.lk.Unlock()
		p.close()
	}()

	for {
		parts, err := p.recv()
		if err != nil {
			select {
			case <-r.closeCh:
			default:
				r.logger.Debug("peer disconnected", telemetry.LabelPeerID.L(id.String()), telemetry.LabelError.L(err))
			}
			return
		}

		msg := make([][]byte, 0, len(parts)+1)
		msg = append(msg, append([]byte(nil), id[:]...))
		msg = append(msg, parts...)

		select {
		case r.inbox <- msg:
		case <-r.closeCh:
			return
		}
	}
}

func (r *router) Send(parts [][]byte) error {
	select {
	case <-r.closeCh:
		return ErrClosed
	default:
	}
	if len(parts) == 0 {
		return ErrNoRoute
	}

	r.lk.Lock()
	p, ok := r.peers[string(parts[0])]
	r.lk.Unlock()
	if !ok {
		return ErrNoRoute
	}
	return p.enqueue(parts[1:])
}

func (r *router) Recv() ([][]byte, error) {
	select {
	case msg := <-r.inbox:
		return msg, nil
	case <-r.closeCh:
		return nil, ErrClosed
	}
}

func (r *router) Endpoint() endpoint.Endpoint {
	return r.acc.endpoint()
}

func (r *router) Done() <-chan struct{} {
	return r.closeCh
}

func (r *router) Close() error {
	r.lk.Lock()
	if r.closed {
		r.lk.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	peers := r.peers
	r.peers = make(map[string]*peer)
	r.lk.Unlock()

	r.cancel()
	err := r.acc.close()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.close()
		}(p)
	}
	wg.Wait()
	r.wg.Wait()
	return err
}
