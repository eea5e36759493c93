// Package socket multiplexes TCP and UDP sockets onto the numeric socket
// ids of a u-blox module. The Manager owns the id pool and the socket
// table and correlates the module's data and close URCs with the logical
// sockets; Stream, Datagram and Conn are the application facing views.
package socket

import (
	"fmt"
	"net/netip"
)

// Protocol is the transport protocol of a socket.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Handle identifies a logical socket. Handles are never reused.
type Handle uint32

// State is the lifecycle state of a socket. Stream sockets move through
// Created, Connecting, Connected, Closing and Closed; datagram sockets
// through Created, Bound and Closed.
type State int

const (
	Created State = iota
	Connecting
	Connected
	Bound
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Bound:
		return "bound"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info is a snapshot of one socket.
type Info struct {
	Handle     Handle         `json:"handle"`
	NativeID   int            `json:"native_id"`
	Protocol   Protocol       `json:"protocol"`
	State      State          `json:"state"`
	LocalPort  uint16         `json:"local_port,omitempty"`
	Remote     netip.AddrPort `json:"remote"`
	Pending    int            `json:"pending"`
	PeerClosed bool           `json:"peer_closed"`
	Error      string         `json:"error,omitempty"`
}

type socket struct {
	handle    Handle
	native    int
	proto     Protocol
	state     State
	localPort uint16
	remote    netip.AddrPort

	// pending is the number of bytes the module announced and that were
	// not read yet.
	pending    int
	peerClosed bool
	// err is the terminal error of an invalidated socket.
	err error

	// wake is signalled on new data, peer close and invalidation.
	wake chan struct{}
}

func (s *socket) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *socket) info() Info {
	i := Info{
		Handle:     s.handle,
		NativeID:   s.native,
		Protocol:   s.proto,
		State:      s.state,
		LocalPort:  s.localPort,
		Remote:     s.remote,
		Pending:    s.pending,
		PeerClosed: s.peerClosed,
	}
	if s.err != nil {
		i.Error = s.err.Error()
	}
	return i
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	localPort uint16
}

// WithLocalPort binds a datagram socket to port at creation.
func WithLocalPort(port uint16) Option {
	return func(o *openOptions) {
		o.localPort = port
	}
}
