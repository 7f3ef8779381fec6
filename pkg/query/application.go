package query

import (
	"context"
	"fmt"
	"time"

	"github.com/nohros/nohrosruby-sub001/pkg/channel"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
)

// Application issues requests to a single service over a dealer channel.
type Application struct {
	ch     *channel.Channel
	engine *Engine
	ex     *channel.Background
}

// Dial connects to the service bound on ep.
func Dial(ctx context.Context, ep endpoint.Endpoint, opts ...Option) (*Application, error) {
	var cfg config
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	ch, err := channel.New(channel.ModeDealer, ep, cfg.chOpts...)
	if err != nil {
		return nil, err
	}

	app := &Application{
		ch:     ch,
		engine: newEngine(ch, &cfg),
		// NB: callbacks run on the completing goroutine, keep them off the
		// receive loop.
		ex: channel.NewBackground(256),
	}
	ch.AddListener(app.engine.OnResponseReceived, app.ex)

	if err := ch.Open(ctx); err != nil {
		app.ex.Close()
		return nil, err
	}
	return app, nil
}

// ExecuteQuery is [Engine.ExecuteQuery] over the application channel.
func (app *Application) ExecuteQuery(req Request, timeout time.Duration, cb Callback, state any) *Future {
	return app.engine.ExecuteQuery(req, timeout, cb, state)
}

func (app *Application) Endpoint() endpoint.Endpoint {
	return app.ch.Endpoint()
}

// Pending is the number of requests waiting for an outcome.
func (app *Application) Pending() int {
	return app.engine.Pending()
}

// Close closes the channel and fails the requests still pending.
func (app *Application) Close() error {
	err := app.ch.Close()
	app.ex.Close()
	app.engine.Close()
	return err
}
