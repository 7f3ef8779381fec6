package channel

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed = errors.New("channel: closed")
	ErrNotOpen       = errors.New("channel: not open")
	ErrAlreadyOpen   = errors.New("channel: already opened once")
	ErrRouteRequired = errors.New("channel: a router channel needs a destination")
	ErrJoinTimeout   = errors.New("channel: receive loop did not stop in time")
	ErrInvalidCfg    = errors.New("channel: invalid options")
)

// ClosedBy tells why a channel was closed.
type ClosedBy uint8

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByReplaced
	ClosedByEvicted
	ClosedByShutdown
	ClosedByRemote
)

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByReplaced:
		return "peer advertised another endpoint"
	case ClosedByEvicted:
		return "peer went stale"
	case ClosedByShutdown:
		return "shutdown"
	case ClosedByRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ClosedError is returned by operations on a closed channel, it matches
// [ErrChannelClosed] with [errors.Is].
type ClosedError struct {
	Cause ClosedBy
	Msg   string
}

func (err *ClosedError) Error() string {
	return fmt.Sprintf("channel closed by %s: %s", err.Cause, err.Msg)
}

func (err *ClosedError) Is(target error) bool {
	return target == ErrChannelClosed
}

// Because builds the reason given to [Channel.CloseBecause].
func Because(cause ClosedBy, msg string) *ClosedError {
	if msg == "" {
		msg = "no reason provided"
	}
	return &ClosedError{Cause: cause, Msg: msg}
}
