package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"
)

const closeTimeout = 10 * time.Second

// Conn adapts a connected Stream to net.Conn so that ordinary Go clients
// (HTTP, MQTT, TLS) can run over the module's TCP stack.
type Conn struct {
	s      *Stream
	remote netip.AddrPort

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps a connected stream.
func NewConn(s *Stream) (*Conn, error) {
	info, ok := s.Info()
	if !ok || info.State != Connected {
		return nil, opError(s.Handle(), "conn", ErrNotConnected)
	}
	return &Conn{s: s, remote: info.Remote, closed: make(chan struct{})}, nil
}

// Dial resolves address ("host:port") and connects a stream socket to it.
func (m *Manager) Dial(ctx context.Context, address string) (*Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("dial %s: invalid port: %w", address, err)
	}
	addr, err := m.Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	s, err := m.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	if err := s.Connect(ctx, netip.AddrPortFrom(addr, uint16(port))); err != nil {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.logger.Debug("close after failed dial", "handle", s.Handle(), "error", cerr)
		}
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewConn(s)
}

// Read blocks until data is available, the peer closed, the read deadline
// passed or the connection was closed.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		select {
		case <-c.closed:
			return 0, net.ErrClosed
		default:
		}

		ctx, cancel := c.context(c.deadline(true))
		n, err := c.s.Receive(ctx, b)
		cancel()
		if err != nil {
			return n, c.mapError(err, true)
		}
		if n > 0 {
			return n, nil
		}

		wake := c.s.Readable()
		if wake == nil {
			return 0, io.EOF
		}
		if err := c.waitReadable(wake); err != nil {
			return 0, err
		}
	}
}

func (c *Conn) waitReadable(wake <-chan struct{}) error {
	var expired <-chan time.Time
	if d := c.deadline(true); !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-wake:
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	ctx, cancel := c.context(c.deadline(false))
	defer cancel()
	n, err := c.s.Send(ctx, b)
	if err != nil {
		return n, c.mapError(err, false)
	}
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = c.s.Close(ctx)
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr { return &net.TCPAddr{} }

func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.remote) }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *Conn) deadline(read bool) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read {
		return c.readDeadline
	}
	return c.writeDeadline
}

func (c *Conn) context(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (c *Conn) mapError(err error, read bool) error {
	switch {
	case read && errors.Is(err, ErrSocketClosed):
		return io.EOF
	case errors.Is(err, ErrTimeout):
		if d := c.deadline(read); !d.IsZero() && !time.Now().Before(d) {
			return os.ErrDeadlineExceeded
		}
	}
	return err
}
