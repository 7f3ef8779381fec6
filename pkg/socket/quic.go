package socket

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/quic-go/quic-go"
)

// ALPN is negotiated by quic sockets when the TLS config carries no
// NextProtos.
const ALPN = "ruby-mailbox/1"

func quicTLS(opts *Options) (*tls.Config, error) {
	if opts.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf := opts.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
		// A mailbox connection only ever carries a single stream.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// quicStream makes a bidirectional stream and its connection look like a
// single stream connection.
type quicStream struct {
	quic.Stream
	conn   quic.Connection
	linger time.Duration
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(QErrStreamClosed)
	err := s.Stream.Close()
	// NB: closing the connection right away would drop the frames still
	// buffered by quic-go, give them the linger period to be sent.
	conn := s.conn
	time.AfterFunc(s.linger, func() {
		QErrNoError.Close(conn, "socket closed")
	})
	return err
}

func dialQuic(ctx context.Context, ep endpoint.Endpoint, opts *Options) (io.ReadWriteCloser, error) {
	tlsConf, err := quicTLS(opts)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, ep.Address(), tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrShutdown.Close(conn, "could not open a stream")
		return nil, err
	}

	return &quicStream{Stream: stream, conn: conn, linger: opts.Linger}, nil
}

type quicAcceptor struct {
	ep     endpoint.Endpoint
	ln     *quic.Listener
	logger *slog.Logger
	linger time.Duration

	streams chan *quicStream
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func listenQuic(ep endpoint.Endpoint, opts *Options) (*quicAcceptor, error) {
	tlsConf, err := quicTLS(opts)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(ep.Address(), tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	bound, err := endpoint.FromHostPort(endpoint.KindQUIC, ep.Host(), ln.Addr().(*net.UDPAddr).Port)
	if err != nil {
		ln.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	acc := &quicAcceptor{
		ep:      bound,
		ln:      ln,
		logger:  telemetry.Logger(opts.LogHandler).With(telemetry.LabelEndpoint.L(bound)),
		linger:  opts.Linger,
		streams: make(chan *quicStream),
		ctx:     ctx,
		cancel:  cancel,
	}

	acc.wg.Add(1)
	go acc.acceptConns()
	return acc, nil
}

func (a *quicAcceptor) acceptConns() {
	defer a.wg.Done()
	for {
		conn, err := a.ln.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() == nil {
				// NB: quic-go only fails Accept once the listener is closed.
				a.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		a.wg.Add(1)
		go a.acceptStream(conn)
	}
}

func (a *quicAcceptor) acceptStream(conn quic.Connection) {
	defer a.wg.Done()
	logger := a.logger.With(telemetry.LabelPeerAddr.L(conn.RemoteAddr().String()))

	stream, err := conn.AcceptStream(a.ctx)
	if err != nil {
		if a.ctx.Err() == nil {
			logger.Debug("connection closed before opening a stream", telemetry.LabelError.L(err))
		}
		QErrShutdown.Close(conn, "no stream opened")
		return
	}

	qs := &quicStream{Stream: stream, conn: conn, linger: a.linger}
	select {
	case a.streams <- qs:
	case <-a.ctx.Done():
		qs.Close()
	}
}

func (a *quicAcceptor) accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case qs := <-a.streams:
		return qs, nil
	case <-a.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *quicAcceptor) endpoint() endpoint.Endpoint {
	return a.ep
}

func (a *quicAcceptor) close() error {
	a.cancel()
	err := a.ln.Close()
	a.wg.Wait()
	return err
}
