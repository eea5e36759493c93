package socket

import (
	"context"
	"net/netip"
)

// StreamSocket is a TCP socket carried by the module.
type StreamSocket interface {
	Handle() Handle
	Connect(ctx context.Context, remote netip.AddrPort) error
	Send(ctx context.Context, b []byte) (int, error)
	Receive(ctx context.Context, buf []byte) (int, error)
	Close(ctx context.Context) error
	Info() (Info, bool)
}

// Stream is the StreamSocket returned by OpenStream.
type Stream struct {
	m *Manager
	h Handle
}

var _ StreamSocket = (*Stream)(nil)

// OpenStream creates a TCP socket.
func (m *Manager) OpenStream(ctx context.Context) (*Stream, error) {
	h, err := m.Open(ctx, TCP)
	if err != nil {
		return nil, err
	}
	return &Stream{m: m, h: h}, nil
}

func (s *Stream) Handle() Handle { return s.h }

func (s *Stream) Connect(ctx context.Context, remote netip.AddrPort) error {
	return s.m.Connect(ctx, s.h, remote)
}

func (s *Stream) Send(ctx context.Context, b []byte) (int, error) {
	return s.m.Send(ctx, s.h, b)
}

func (s *Stream) Receive(ctx context.Context, buf []byte) (int, error) {
	return s.m.Receive(ctx, s.h, buf)
}

func (s *Stream) Close(ctx context.Context) error {
	return s.m.Close(ctx, s.h)
}

// Info returns the current state of the socket, or false once it is closed.
func (s *Stream) Info() (Info, bool) {
	return s.m.info(s.h)
}

// Readable is signalled whenever data arrives, the peer closes or the
// socket is invalidated. It is nil once the socket is gone.
func (s *Stream) Readable() <-chan struct{} {
	return s.m.wait(s.h)
}
