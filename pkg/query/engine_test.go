package query

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nohros/nohrosruby-sub001/pkg/channel"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/packet"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSender struct {
	m mock.Mock
}

func (s *MockSender) Send(pkt packet.Packet) (bool, error) {
	args := s.m.Called(pkt)
	return args.Bool(0), args.Error(1)
}

func testEngine(t *testing.T, sender Sender) *Engine {
	t.Helper()
	e, err := NewEngine(sender, WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
	require.NoError(t, err)
	return e
}

func response(t *testing.T, id []byte, msg string) packet.Packet {
	t.Helper()
	pkt, err := packet.Create(id, packet.TypeResponse, []byte(msg))
	require.NoError(t, err)
	return pkt
}

func TestResponseCompletesFuture(t *testing.T) {
	sender := &MockSender{}
	sender.m.On("Send", mock.Anything).Return(true, nil).Once()
	e := testEngine(t, sender)

	var calls atomic.Int32
	f := e.ExecuteQuery(Request{ID: []byte("r1"), Type: packet.TypeQuery, Token: "echo"}, time.Minute, func(f *Future) {
		calls.Add(1)
		require.Equal(t, "state", f.State())
	}, "state")
	require.Equal(t, 1, e.Pending())

	_, err := f.Result()
	require.ErrorIs(t, err, ErrPending)

	e.OnResponseReceived(nil, response(t, []byte("r1"), "pong"))
	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pong", string(res))
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, e.Pending())

	// a duplicate response finds nothing to complete.
	e.OnResponseReceived(nil, response(t, []byte("r1"), "late"))
	res, _ = f.Result()
	require.Equal(t, "pong", string(res))
	require.EqualValues(t, 1, calls.Load())
	sender.m.AssertExpectations(t)
}

func TestTimeoutThenStrayResponse(t *testing.T) {
	sender := &MockSender{}
	sender.m.On("Send", mock.Anything).Return(true, nil)
	e := testEngine(t, sender)

	var calls atomic.Int32
	start := time.Now()
	f := e.ExecuteQuery(Request{ID: []byte("never")}, 100*time.Millisecond, func(*Future) {
		calls.Add(1)
	}, nil)

	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.True(t, f.TimedOut())

	time.Sleep(50 * time.Millisecond)
	e.OnResponseReceived(nil, response(t, []byte("never"), "stray"))

	res, err := f.Result()
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, res)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, e.Pending())
}

func TestExactlyOnceUnderRace(t *testing.T) {
	sender := &MockSender{}
	sender.m.On("Send", mock.Anything).Return(true, nil)
	e := testEngine(t, sender)

	const rounds = 200
	var completions atomic.Int32
	futures := make([]*Future, 0, rounds)
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		id := []byte{byte(i >> 8), byte(i)}
		f := e.ExecuteQuery(Request{ID: id}, time.Millisecond, func(*Future) {
			completions.Add(1)
		}, nil)
		futures = append(futures, f)

		res := response(t, id, "ok")
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			e.OnResponseReceived(nil, res)
		}()
	}
	wg.Wait()

	for _, f := range futures {
		select {
		case <-f.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("future %s never completed", f.Key())
		}
		res, err := f.Result()
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
			require.Nil(t, res)
		} else {
			require.Equal(t, "ok", string(res))
		}
	}
	require.EqualValues(t, rounds, completions.Load())
	require.Zero(t, e.Pending())
}

func TestSendFailure(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		sender := &MockSender{}
		boom := errors.New("boom")
		sender.m.On("Send", mock.Anything).Return(false, boom)
		e := testEngine(t, sender)

		f := e.ExecuteQuery(Request{ID: []byte("x")}, Infinite, nil, nil)
		_, err := f.Result()
		require.ErrorIs(t, err, ErrNotDelivered)
		require.ErrorIs(t, err, boom)
		require.Zero(t, e.Pending())
	})

	t.Run("queue full", func(t *testing.T) {
		sender := &MockSender{}
		sender.m.On("Send", mock.Anything).Return(false, nil)
		e := testEngine(t, sender)

		f := e.ExecuteQuery(Request{ID: []byte("x")}, time.Minute, nil, nil)
		_, err := f.Result()
		require.ErrorIs(t, err, ErrNotDelivered)
		require.Zero(t, e.Pending())
	})
}

func TestNonPositiveTimeoutRejected(t *testing.T) {
	sender := &MockSender{}
	e := testEngine(t, sender)

	for _, timeout := range []time.Duration{0, -2 * time.Second} {
		called := false
		f := e.ExecuteQuery(Request{}, timeout, func(*Future) { called = true }, nil)
		_, err := f.Result()
		require.ErrorIs(t, err, ErrBadTimeout)
		require.True(t, called)
	}
	require.Zero(t, e.Pending())
	sender.m.AssertNotCalled(t, "Send", mock.Anything)
}

func TestResponseRacesSend(t *testing.T) {
	// The response arrives while Send is still running: the request must
	// already be registered.
	sender := &MockSender{}
	e := testEngine(t, sender)
	sender.m.On("Send", mock.Anything).Return(true, nil).Run(func(args mock.Arguments) {
		pkt := args.Get(0).(packet.Packet)
		e.OnResponseReceived(nil, response(t, pkt.Body.ID, "fast"))
	})

	f := e.ExecuteQuery(Request{}, time.Minute, nil, nil)
	res, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, "fast", string(res))
}

func TestDuplicateID(t *testing.T) {
	sender := &MockSender{}
	sender.m.On("Send", mock.Anything).Return(true, nil).Once()
	e := testEngine(t, sender)

	first := e.ExecuteQuery(Request{ID: []byte("same")}, Infinite, nil, nil)
	second := e.ExecuteQuery(Request{ID: []byte("same")}, Infinite, nil, nil)

	_, err := second.Result()
	require.ErrorIs(t, err, ErrDuplicateID)
	_, err = first.Result()
	require.ErrorIs(t, err, ErrPending)

	e.Close()
	_, err = first.Result()
	require.ErrorIs(t, err, ErrEngineClosed)

	third := e.ExecuteQuery(Request{ID: []byte("after")}, Infinite, nil, nil)
	_, err = third.Result()
	require.ErrorIs(t, err, ErrEngineClosed)
	sender.m.AssertExpectations(t)
}

func TestApplication(t *testing.T) {
	ctx := context.Background()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})

	service, err := channel.New(channel.ModeRouter, endpoint.MustParse("inproc://query-echo"), channel.WithLog(handler))
	require.NoError(t, err)
	require.NoError(t, service.Open(ctx))
	defer service.Close()

	// echo back every request, but ignore the ones with the "silent" token.
	service.AddListener(func(route []byte, pkt packet.Packet) {
		if pkt.Body.Token == "silent" {
			return
		}
		res, err := packet.Create(pkt.Body.ID, packet.TypeResponse, pkt.Body.Message)
		if err == nil {
			service.SendTo(route, res)
		}
	}, nil)

	app, err := Dial(ctx, service.Endpoint(), WithLog(handler))
	require.NoError(t, err)

	done := make(chan []byte, 1)
	f := app.ExecuteQuery(Request{Type: packet.TypeQuery, Message: []byte("hello")}, 5*time.Second, func(f *Future) {
		res, _ := f.Result()
		done <- res
	}, nil)

	res, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(res))
	require.Equal(t, "hello", string(<-done))

	silent := app.ExecuteQuery(Request{Token: "silent"}, Infinite, nil, nil)
	require.Equal(t, 1, app.Pending())
	require.NoError(t, app.Close())

	_, err = silent.Wait(ctx)
	require.ErrorIs(t, err, ErrEngineClosed)
}
