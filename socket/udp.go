package socket

import (
	"context"
	"net/netip"
)

// DatagramSocket is a UDP socket carried by the module.
type DatagramSocket interface {
	Handle() Handle
	SendTo(ctx context.Context, remote netip.AddrPort, b []byte) (int, error)
	ReceiveFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error)
	Close(ctx context.Context) error
	Info() (Info, bool)
}

// Datagram is the DatagramSocket returned by OpenDatagram.
type Datagram struct {
	m *Manager
	h Handle
}

var _ DatagramSocket = (*Datagram)(nil)

// OpenDatagram creates a UDP socket, bound to a local port when
// WithLocalPort is given.
func (m *Manager) OpenDatagram(ctx context.Context, opts ...Option) (*Datagram, error) {
	h, err := m.Open(ctx, UDP, opts...)
	if err != nil {
		return nil, err
	}
	return &Datagram{m: m, h: h}, nil
}

func (d *Datagram) Handle() Handle { return d.h }

func (d *Datagram) SendTo(ctx context.Context, remote netip.AddrPort, b []byte) (int, error) {
	return d.m.SendTo(ctx, d.h, remote, b)
}

func (d *Datagram) ReceiveFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	return d.m.ReceiveFrom(ctx, d.h, buf)
}

func (d *Datagram) Close(ctx context.Context) error {
	return d.m.Close(ctx, d.h)
}

func (d *Datagram) Info() (Info, bool) {
	return d.m.info(d.h)
}

// Readable is signalled whenever a datagram arrives or the socket is
// invalidated.
func (d *Datagram) Readable() <-chan struct{} {
	return d.m.wait(d.h)
}
