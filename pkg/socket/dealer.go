package socket

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

type dealer struct {
	ep     endpoint.Endpoint
	p      *peer
	closed atomic.Bool
}

func newDealer(ep endpoint.Endpoint, rwc io.ReadWriteCloser, opts *Options) *dealer {
	logger := telemetry.Logger(opts.LogHandler).With(
		telemetry.LabelEndpoint.L(ep),
		telemetry.LabelChannelMode.L("dealer"),
	)
	return &dealer{
		ep: ep,
		p:  newPeer(rwc, opts, logger),
	}
}

func (d *dealer) Send(parts [][]byte) error {
	return d.p.enqueue(parts)
}

func (d *dealer) Recv() ([][]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	parts, err := d.p.recv()
	if err != nil {
		if d.closed.Swap(true) {
			return nil, ErrClosed
		}
		// The stream is unusable past a read error, we may have consumed
		// part of a message.
		_ = d.p.close()
		return nil, fmt.Errorf("%w: connection lost: %w", ErrClosed, err)
	}
	return parts, nil
}

func (d *dealer) Endpoint() endpoint.Endpoint {
	return d.ep
}

func (d *dealer) Done() <-chan struct{} {
	return d.p.done()
}

func (d *dealer) Close() error {
	d.closed.Store(true)
	return d.p.close()
}
