package socket

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

// acceptor yields the stream connections a ROUTER serves.
type acceptor interface {
	accept(ctx context.Context) (io.ReadWriteCloser, error)
	endpoint() endpoint.Endpoint
	close() error
}

func dial(ctx context.Context, ep endpoint.Endpoint, opts *Options) (io.ReadWriteCloser, error) {
	switch ep.Kind() {
	case endpoint.KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ep.Address())
	case endpoint.KindIPC:
		var d net.Dialer
		return d.DialContext(ctx, "unix", ep.Address())
	case endpoint.KindInproc:
		return dialInproc(ctx, ep.Address())
	case endpoint.KindQUIC:
		return dialQuic(ctx, ep, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ep.Kind())
	}
}

func listen(ep endpoint.Endpoint, opts *Options) (acceptor, error) {
	switch ep.Kind() {
	case endpoint.KindTCP:
		ln, err := net.Listen("tcp", ep.Address())
		if err != nil {
			return nil, err
		}
		bound, err := endpoint.FromHostPort(endpoint.KindTCP, ep.Host(), ln.Addr().(*net.TCPAddr).Port)
		if err != nil {
			ln.Close()
			return nil, err
		}
		return &netAcceptor{ln: ln, ep: bound}, nil
	case endpoint.KindIPC:
		ln, err := net.Listen("unix", ep.Address())
		if err != nil {
			return nil, err
		}
		return &netAcceptor{ln: ln, ep: ep}, nil
	case endpoint.KindInproc:
		acc, err := listenInproc(ep)
		if err != nil {
			return nil, err
		}
		return acc, nil
	case endpoint.KindQUIC:
		acc, err := listenQuic(ep, opts)
		if err != nil {
			return nil, err
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ep.Kind())
	}
}

type netAcceptor struct {
	ln net.Listener
	ep endpoint.Endpoint
}

func (a *netAcceptor) accept(_ context.Context) (io.ReadWriteCloser, error) {
	return a.ln.Accept()
}

func (a *netAcceptor) endpoint() endpoint.Endpoint {
	return a.ep
}

func (a *netAcceptor) close() error {
	return a.ln.Close()
}

var inprocRegistry = struct {
	lk        sync.Mutex
	listeners map[string]*inprocAcceptor
}{
	listeners: make(map[string]*inprocAcceptor),
}

// inprocAcceptor hands out one end of an in-memory pipe per dial.
type inprocAcceptor struct {
	ep        endpoint.Endpoint
	conns     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func listenInproc(ep endpoint.Endpoint) (*inprocAcceptor, error) {
	inprocRegistry.lk.Lock()
	defer inprocRegistry.lk.Unlock()
	if _, taken := inprocRegistry.listeners[ep.Address()]; taken {
		return nil, ErrAddrInUse
	}
	acc := &inprocAcceptor{
		ep:      ep,
		conns:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}
	inprocRegistry.listeners[ep.Address()] = acc
	return acc, nil
}

func dialInproc(ctx context.Context, name string) (net.Conn, error) {
	inprocRegistry.lk.Lock()
	acc, ok := inprocRegistry.listeners[name]
	inprocRegistry.lk.Unlock()
	if !ok {
		return nil, ErrConnRefused
	}

	client, server := net.Pipe()
	select {
	case acc.conns <- server:
		return client, nil
	case <-acc.closeCh:
	case <-ctx.Done():
	}
	client.Close()
	server.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrConnRefused
}

func (a *inprocAcceptor) accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-a.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *inprocAcceptor) endpoint() endpoint.Endpoint {
	return a.ep
}

func (a *inprocAcceptor) close() error {
	a.closeOnce.Do(func() {
		inprocRegistry.lk.Lock()
		if inprocRegistry.listeners[a.ep.Address()] == a {
			delete(inprocRegistry.listeners, a.ep.Address())
		}
		inprocRegistry.lk.Unlock()
		close(a.closeCh)
	})
	return nil
}
