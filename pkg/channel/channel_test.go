package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/packet"
	"github.com/nohros/nohrosruby-sub001/pkg/socket"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	ep      endpoint.Endpoint
	inbox   chan [][]byte
	sendErr error

	lk   sync.Mutex
	sent [][][]byte

	closeOnce sync.Once
	closeCh   chan struct{}
	// deaf sockets never unblock Recv.
	deaf bool
}

func newFakeSocket(ep endpoint.Endpoint) *fakeSocket {
	return &fakeSocket{
		ep:      ep,
		inbox:   make(chan [][]byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (s *fakeSocket) Send(parts [][]byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	s.sent = append(s.sent, parts)
	return nil
}

func (s *fakeSocket) Recv() ([][]byte, error) {
	if s.deaf {
		select {}
	}
	select {
	case parts, ok := <-s.inbox:
		if !ok {
			return nil, fmt.Errorf("%w: connection lost: EOF", socket.ErrClosed)
		}
		return parts, nil
	case <-s.closeCh:
		return nil, socket.ErrClosed
	}
}

func (s *fakeSocket) Endpoint() endpoint.Endpoint { return s.ep }
func (s *fakeSocket) Done() <-chan struct{}       { return s.closeCh }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return nil
}

func (s *fakeSocket) Sent() [][][]byte {
	s.lk.Lock()
	defer s.lk.Unlock()
	return append([][][]byte(nil), s.sent...)
}

func testLogHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func openFake(t *testing.T, mode Mode, sock *fakeSocket, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{
		WithLog(testLogHandler()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
		WithOpener(func(context.Context, Mode, endpoint.Endpoint) (socket.Socket, error) {
			return sock, nil
		}),
	}, opts...)
	ch, err := New(mode, sock.ep, opts...)
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))
	return ch
}

func mustPacket(t *testing.T, id string, msg string) packet.Packet {
	t.Helper()
	pkt, err := packet.Create([]byte(id), packet.TypeQuery, []byte(msg))
	require.NoError(t, err)
	return pkt
}

type received struct {
	route []byte
	pkt   packet.Packet
}

func collect(ch *Channel) <-chan received {
	out := make(chan received, 16)
	ch.AddListener(func(route []byte, pkt packet.Packet) {
		out <- received{route, pkt}
	}, nil)
	return out
}

func next(t *testing.T, in <-chan received) received {
	t.Helper()
	select {
	case r := <-in:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a packet")
		return received{}
	}
}

func TestMalformedFrameResilience(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-dealer"))
	ch := openFake(t, ModeDealer, sock)
	defer ch.Close()
	in := collect(ch)

	valid := mustPacket(t, "1", "payload")
	sock.inbox <- [][]byte{valid.Marshal()}
	sock.inbox <- [][]byte{{}, valid.Marshal(), {}, {}}
	sock.inbox <- [][]byte{[]byte("not-empty"), valid.Marshal()}
	sock.inbox <- [][]byte{{}, []byte("garbage")}
	sock.inbox <- [][]byte{{}, valid.Marshal()}

	got := next(t, in)
	require.Nil(t, got.route)
	require.Equal(t, []byte("1"), got.pkt.Body.ID)
	require.Equal(t, []byte("payload"), got.pkt.Body.Message)

	select {
	case extra := <-in:
		t.Fatalf("malformed message delivered: %v", extra.pkt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterRoute(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-router"))
	ch := openFake(t, ModeRouter, sock)
	defer ch.Close()
	in := collect(ch)

	pkt := mustPacket(t, "42", "ping")
	sock.inbox <- [][]byte{{}, pkt.Marshal()}
	sock.inbox <- [][]byte{[]byte("peer-a"), {}, pkt.Marshal()}

	got := next(t, in)
	require.Equal(t, []byte("peer-a"), got.route)

	ok, err := ch.SendTo(got.route, got.pkt)
	require.NoError(t, err)
	require.True(t, ok)
	sent := sock.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, [][]byte{[]byte("peer-a"), {}, pkt.Marshal()}, sent[0])

	_, err = ch.Send(pkt)
	require.ErrorIs(t, err, ErrRouteRequired)
}

func TestListenersOrderAndPanics(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-listeners"))
	ch := openFake(t, ModeDealer, sock)
	defer ch.Close()

	var order []string
	var lk sync.Mutex
	done := make(chan struct{})
	ch.AddListener(func([]byte, packet.Packet) {
		lk.Lock()
		order = append(order, "first")
		lk.Unlock()
		panic("boom")
	}, nil)
	ch.AddListener(func([]byte, packet.Packet) {
		lk.Lock()
		order = append(order, "second")
		lk.Unlock()
		close(done)
	}, nil)

	sock.inbox <- [][]byte{{}, mustPacket(t, "1", "x").Marshal()}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("second listener not invoked")
	}

	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestLifecycle(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-lifecycle"))
	ch, err := New(ModeDealer, sock.ep, WithOpener(func(context.Context, Mode, endpoint.Endpoint) (socket.Socket, error) {
		return sock, nil
	}))
	require.NoError(t, err)

	pkt := mustPacket(t, "1", "")
	_, err = ch.Send(pkt)
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, ch.Open(context.Background()))
	require.ErrorIs(t, ch.Open(context.Background()), ErrAlreadyOpen)

	ok, err := ch.Send(pkt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{{}, pkt.Marshal()}, sock.Sent()[0])

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err = ch.Send(pkt)
	require.ErrorIs(t, err, ErrChannelClosed)
	var closed *ClosedError
	require.ErrorAs(t, err, &closed)
	require.Equal(t, ClosedByUser, closed.Cause)

	require.ErrorIs(t, ch.Open(context.Background()), ErrChannelClosed, "a channel cannot be re-opened")
}

func TestSendNotDelivered(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-full"))
	sock.sendErr = socket.ErrWouldBlock
	ch := openFake(t, ModeLink, sock)
	defer ch.Close()

	ok, err := ch.Send(mustPacket(t, "1", "x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoteTermination(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-remote"))
	ch := openFake(t, ModeLink, sock)

	close(sock.inbox)
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel not closed on remote termination")
	}

	var closed *ClosedError
	require.ErrorAs(t, ch.Err(), &closed)
	require.Equal(t, ClosedByRemote, closed.Cause)
	require.NoError(t, ch.Close())
}

func TestCloseJoinTimeout(t *testing.T) {
	sock := newFakeSocket(endpoint.MustParse("inproc://fake-deaf"))
	sock.deaf = true
	ch := openFake(t, ModeDealer, sock, WithJoinTimeout(50*time.Millisecond))

	start := time.Now()
	require.ErrorIs(t, ch.Close(), ErrJoinTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestOverSockets(t *testing.T) {
	ctx := context.Background()
	mailbox, err := New(ModeRouter, endpoint.MustParse("inproc://channel-mailbox"), WithLog(testLogHandler()))
	require.NoError(t, err)
	require.NoError(t, mailbox.Open(ctx))
	defer mailbox.Close()

	dealer, err := New(ModeDealer, mailbox.Endpoint(), WithLog(testLogHandler()))
	require.NoError(t, err)
	require.NoError(t, dealer.Open(ctx))
	defer dealer.Close()

	requests := collect(mailbox)
	responses := collect(dealer)

	ok, err := dealer.Send(mustPacket(t, "req-1", "ping"))
	require.NoError(t, err)
	require.True(t, ok)

	req := next(t, requests)
	require.NotEmpty(t, req.route)
	require.Equal(t, "ping", string(req.pkt.Body.Message))

	ok, err = mailbox.SendTo(req.route, mustPacket(t, "req-1", "pong"))
	require.NoError(t, err)
	require.True(t, ok)

	res := next(t, responses)
	require.Equal(t, "pong", string(res.pkt.Body.Message))
}

func TestExecutors(t *testing.T) {
	t.Run("background keeps order", func(t *testing.T) {
		bg := NewBackground(4)
		var got []int
		for i := 0; i < 100; i++ {
			bg.Execute(func() { got = append(got, i) })
		}
		bg.Close()
		require.Len(t, got, 100)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("pool runs everything", func(t *testing.T) {
		pool := NewPool(4, 8)
		var count atomic.Int32
		for i := 0; i < 100; i++ {
			pool.Execute(func() { count.Add(1) })
		}
		pool.Close()
		require.EqualValues(t, 100, count.Load())

		pool.Execute(func() { count.Add(1) })
		require.EqualValues(t, 100, count.Load(), "tasks after close are dropped")
	})
}

func TestClosedErrorMatches(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Because(ClosedByEvicted, "stale"))
	require.True(t, errors.Is(err, ErrChannelClosed))
	require.Contains(t, err.Error(), "peer went stale")
}
