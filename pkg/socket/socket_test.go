package socket

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nohros/nohrosruby-sub001/internal/testtls"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/stretchr/testify/require"
)

func testOptions(emitter string) *Options {
	return &Options{
		LogHandler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}).WithAttrs([]slog.Attr{
			{Key: "emitter", Value: slog.StringValue(emitter)},
		}),
		Linger: 200 * time.Millisecond,
	}
}

func recvTimeout(t *testing.T, s Socket) [][]byte {
	t.Helper()
	type result struct {
		parts [][]byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		parts, err := s.Recv()
		ch <- result{parts, err}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.parts
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return nil
	}
}

func TestFrameRoundTrip(t *testing.T) {
	msg := [][]byte{[]byte("header"), {}, bytes.Repeat([]byte("b"), 300)}
	buf := appendMultipart(nil, msg)
	require.Len(t, buf, multipartSize(msg))

	parts, err := readMultipart(bufio.NewReader(bytes.NewReader(buf)), defaultMaxMessageSize)
	require.NoError(t, err)
	require.Equal(t, msg, parts)
}

func TestFrameViolations(t *testing.T) {
	t.Run("too many parts", func(t *testing.T) {
		buf := appendMultipart(nil, make([][]byte, MaxParts+1))
		_, err := readMultipart(bufio.NewReader(bytes.NewReader(buf)), defaultMaxMessageSize)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("too large", func(t *testing.T) {
		buf := appendMultipart(nil, [][]byte{make([]byte, 64)})
		_, err := readMultipart(bufio.NewReader(bytes.NewReader(buf)), 32)
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})

	t.Run("overlong varint", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xff}, 11)
		_, err := readMultipart(bufio.NewReader(bytes.NewReader(buf)), defaultMaxMessageSize)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})
}

func TestDealerRouter(t *testing.T) {
	authority := testtls.NewAuthority(t)
	dir := t.TempDir()

	cases := []struct {
		name   string
		bind   string
		server *Options
		client *Options
	}{
		{name: "tcp", bind: "tcp://127.0.0.1:0", server: testOptions("router"), client: testOptions("dealer")},
		{name: "ipc", bind: "ipc://" + filepath.Join(dir, "router.sock"), server: testOptions("router"), client: testOptions("dealer")},
		{name: "inproc", bind: "inproc://dealer-router", server: testOptions("router"), client: testOptions("dealer")},
		{name: "quic", bind: "quic://127.0.0.1:0"},
	}
	cases[3].server = testOptions("router")
	cases[3].server.TLSConfig = authority.Config("router")
	cases[3].client = testOptions("dealer")
	cases[3].client.TLSConfig = authority.Config("dealer")

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Listen(endpoint.MustParse(tc.bind), tc.server)
			require.NoError(t, err)
			defer r.Close()
			if r.Endpoint().Kind() == endpoint.KindTCP || r.Endpoint().Kind() == endpoint.KindQUIC {
				require.NotEqual(t, "0", r.Endpoint().Port(), "ephemeral port must be resolved")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			d, err := Dial(ctx, r.Endpoint(), tc.client)
			require.NoError(t, err)
			defer d.Close()

			require.NoError(t, d.Send([][]byte{[]byte("hello"), []byte("world")}))

			in := recvTimeout(t, r)
			require.Len(t, in, 3, "router must prepend the peer identity")
			require.Len(t, in[0], len(uuid.UUID{}))
			require.Equal(t, "hello", string(in[1]))
			require.Equal(t, "world", string(in[2]))

			require.NoError(t, r.Send([][]byte{in[0], []byte("reply")}))
			out := recvTimeout(t, d)
			require.Equal(t, [][]byte{[]byte("reply")}, out, "router must strip the destination")
		})
	}
}

func TestRouterNoRoute(t *testing.T) {
	r, err := Listen(endpoint.MustParse("inproc://no-route"), testOptions("router"))
	require.NoError(t, err)
	defer r.Close()

	require.ErrorIs(t, r.Send([][]byte{[]byte("unknown"), []byte("x")}), ErrNoRoute)
	require.ErrorIs(t, r.Send(nil), ErrNoRoute)
}

func TestInprocAddrInUse(t *testing.T) {
	ep := endpoint.MustParse("inproc://taken")
	r, err := Listen(ep, nil)
	require.NoError(t, err)

	_, err = Listen(ep, nil)
	require.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, r.Close())
	r, err = Listen(ep, nil)
	require.NoError(t, err, "closing must release the name")
	require.NoError(t, r.Close())
}

func TestDialRefused(t *testing.T) {
	_, err := Dial(context.Background(), endpoint.MustParse("inproc://nobody"), nil)
	require.ErrorIs(t, err, ErrConnRefused)
}

func TestQuicRequiresTLS(t *testing.T) {
	_, err := Listen(endpoint.MustParse("quic://127.0.0.1:0"), nil)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestCloseFlushesQueue(t *testing.T) {
	r, err := Listen(endpoint.MustParse("inproc://flush"), testOptions("router"))
	require.NoError(t, err)
	defer r.Close()

	d, err := Dial(context.Background(), r.Endpoint(), testOptions("dealer"))
	require.NoError(t, err)

	const count = 20
	go func() {
		for i := 0; i < count; i++ {
			_ = d.Send([][]byte{[]byte(fmt.Sprintf("msg-%d", i))})
		}
		d.Close()
	}()

	for i := 0; i < count; i++ {
		in := recvTimeout(t, r)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(in[1]))
	}
}

func TestSendAfterClose(t *testing.T) {
	r, err := Listen(endpoint.MustParse("inproc://after-close"), nil)
	require.NoError(t, err)
	defer r.Close()

	d, err := Dial(context.Background(), r.Endpoint(), nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close must be idempotent")

	require.ErrorIs(t, d.Send([][]byte{[]byte("x")}), ErrClosed)
	_, err = d.Recv()
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatalf("done channel not closed")
	}
}

func TestWouldBlock(t *testing.T) {
	r, err := Listen(endpoint.MustParse("inproc://would-block"), nil)
	require.NoError(t, err)
	defer r.Close()

	opts := testOptions("dealer")
	opts.SendQueue = 1
	d, err := Dial(context.Background(), r.Endpoint(), opts)
	require.NoError(t, err)
	defer d.Close()

	// The router never reads from its inbox past its buffer but net.Pipe is
	// synchronous, so the writer eventually stalls and the queue fills up.
	require.Eventually(t, func() bool {
		return d.Send([][]byte{bytes.Repeat([]byte("x"), 1024)}) == ErrWouldBlock
	}, 5*time.Second, time.Millisecond)
}

func TestRemoteCloseUnblocksRecv(t *testing.T) {
	r, err := Listen(endpoint.MustParse("inproc://remote-close"), nil)
	require.NoError(t, err)

	d, err := Dial(context.Background(), r.Endpoint(), nil)
	require.NoError(t, err)
	defer d.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Recv()
		errCh <- err
	}()

	require.NoError(t, r.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatalf("recv not unblocked by remote close")
	}
}
