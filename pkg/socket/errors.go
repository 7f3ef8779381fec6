package socket

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrClosed            = errors.New("socket: closed")
	ErrWouldBlock        = errors.New("socket: send queue is full")
	ErrNoRoute           = errors.New("socket: no peer with this identity")
	ErrAddrInUse         = errors.New("socket: address already in use")
	ErrConnRefused       = errors.New("socket: nothing listens on this address")
	ErrProtocolViolation = errors.New("socket: protocol violation")
	ErrTooLargeFrame     = errors.New("socket: message is too large")
	ErrNoTLSConfig       = errors.New("socket: quic endpoints require a TLS config")
	ErrUnsupported       = errors.New("socket: unsupported transport")
)

var (
	QErrStreamClosed = quic.StreamErrorCode(0x0)
)

var (
	QErrNoError = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
