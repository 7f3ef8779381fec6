package ruby

import (
	"errors"
)

var (
	ErrInvalidCfg     = errors.New("engine: invalid options")
	ErrNoTLSConfig    = errors.New("engine: TlsConfig is required")
	ErrEngineClosed   = errors.New("engine: closed")
	ErrNotStarted     = errors.New("engine: not started")
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrNoCallback     = errors.New("engine: a callback is required")
	ErrNoTrackers     = errors.New("engine: no tracker known")
	ErrNotDelivered   = errors.New("engine: query could not be delivered to any tracker")
	ErrRepository     = errors.New("engine: repository failure")
	ErrNotAdvertised  = errors.New("engine: mailbox cannot be reached remotely")

	ErrMalformedMessage = errors.New("protocol: malformed message")
	ErrUnexpectedToken  = errors.New("protocol: unexpected token")
)
