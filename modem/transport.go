package modem

//go:generate go tool mockgen -destination=mock_modem.go -package=modem . Transport,Dialer,Commander,PinController

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a
// cellular module.
//
// A Transport is assumed to be already connected and ready for use. It provides
// the low-level I/O primitives required to send AT commands and receive responses.
// Typical implementations include serial ports, TCP connections to emulators,
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a cellular module.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be used
// during modem construction only. Once a Transport is obtained, the Dialer is
// no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// PinController toggles the modem control lines of the link. Transports
// that drive a real UART implement it; the lifecycle machine calls it as a
// plain side effect during power up.
type PinController interface {
	SetDTR(on bool) error
	SetRTS(on bool) error
}

// SerialDialer opens a module over a local serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// BaudRate is used when Mode is nil. Defaults to 115200.
	BaudRate int
	// Mode overrides the complete serial configuration.
	Mode *serial.Mode
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	if err := ctx.Err(); err != nil {
		port.Close()
		return nil, err
	}

	return &serialTransport{Port: port}, nil
}

// serialTransport exposes the control lines of a serial.Port next to its
// byte stream.
type serialTransport struct {
	serial.Port
}

var (
	_ Transport     = (*serialTransport)(nil)
	_ PinController = (*serialTransport)(nil)
)

// TCPDialer connects to a module exposed over TCP, such as a serial-to-network
// bridge or a module emulator.
type TCPDialer struct {
	Address string
}

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Address == "" {
		return nil, errors.New("modem: tcp address is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}
