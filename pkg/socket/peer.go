package socket

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
)

// peer is one end of a stream connection. Writes are queued and performed
// by a dedicated goroutine so senders never block on the network.
type peer struct {
	rwc    *onceCloser
	r      *bufio.Reader
	logger *slog.Logger

	maxSize int
	linger  time.Duration

	queue    chan [][]byte
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	closeOnce sync.Once
}

func newPeer(rwc io.ReadWriteCloser, opts *Options, logger *slog.Logger) *peer {
	p := &peer{
		rwc:     &onceCloser{ReadWriteCloser: rwc},
		r:       bufio.NewReader(rwc),
		logger:  logger,
		maxSize: opts.MaxMessageSize,
		linger:  opts.Linger,
		queue:   make(chan [][]byte, opts.SendQueue),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *peer) enqueue(parts [][]byte) error {
	if multipartSize(parts) > p.maxSize {
		return ErrTooLargeFrame
	}

	select {
	case <-p.stopCh:
		return ErrClosed
	default:
	}

	select {
	case p.queue <- parts:
		return nil
	case <-p.stopCh:
		return ErrClosed
	default:
		return ErrWouldBlock
	}
}

func (p *peer) recv() ([][]byte, error) {
	return readMultipart(p.r, p.maxSize)
}

func (p *peer) done() <-chan struct{} {
	return p.doneCh
}

func (p *peer) run() {
	defer close(p.doneCh)
	for {
		select {
		case parts := <-p.queue:
			if !p.write(parts) {
				return
			}
		case <-p.stopCh:
			// drain what was queued before the stop.
			for {
				select {
				case parts := <-p.queue:
					if !p.write(parts) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *peer) write(parts [][]byte) bool {
	_, err := p.rwc.Write(appendMultipart(nil, parts))
	if err != nil {
		if !errors.Is(err, io.ErrClosedPipe) && !p.stopped() {
			p.logger.Warn("write failed, dropping connection", telemetry.LabelError.L(err))
		}
		p.stop()
		p.rwc.Close()
		return false
	}
	return true
}

func (p *peer) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

func (p *peer) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// close stops accepting messages, waits up to the linger period for the
// queue to be flushed, then closes the connection.
func (p *peer) close() error {
	var err error
	p.closeOnce.Do(func() {
		p.stop()
		timer := time.NewTimer(p.linger)
		select {
		case <-p.doneCh:
		case <-timer.C:
			p.logger.Debug("linger period elapsed, dropping queued messages")
		}
		timer.Stop()
		err = p.rwc.Close()
	})
	return err
}

type onceCloser struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ReadWriteCloser.Close()
	})
	return c.err
}
