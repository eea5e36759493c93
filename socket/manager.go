package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/family"
	"i4.energy/across/cellgw/modem"
)

// URCPrefixes lists the unsolicited result codes the manager consumes.
var URCPrefixes = []string{at.UrcSocketData, at.UrcDatagramData, at.UrcSocketClosed}

// ReadyChecker reports whether the data session is up.
type ReadyChecker interface {
	Ready() bool
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func() bool

func (f ReadyFunc) Ready() bool { return f() }

// Config configures a Manager.
type Config struct {
	Modem  modem.Commander
	Family family.Family
	// Device gates every socket operation on an active data session.
	Device ReadyChecker
	Logger *slog.Logger
	// Clock drives the release grace window. Defaults to time.Now.
	Clock func() time.Time
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Modem == nil {
		errs = append(errs, errors.New("modem is required"))
	}
	if c.Device == nil {
		errs = append(errs, errors.New("device is required"))
	}
	if err := c.Family.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Manager owns the socket table of one module.
type Manager struct {
	cmd    modem.Commander
	fam    family.Family
	device ReadyChecker
	logger *slog.Logger

	mu      sync.Mutex
	pool    *pool
	sockets map[Handle]*socket
	next    Handle
}

func NewManager(cfg Config) (*Manager, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid socket config: %w", err)
	}
	return &Manager{
		cmd:     cfg.Modem,
		fam:     cfg.Family,
		device:  cfg.Device,
		logger:  cfg.Logger.With("component", "socket"),
		pool:    newPool(cfg.Family.MaxSockets, cfg.Family.SocketGrace, cfg.Clock),
		sockets: make(map[Handle]*socket),
		next:    1,
	}, nil
}

// Open creates a socket on the module. No native id is taken unless the
// module created the socket.
func (m *Manager) Open(ctx context.Context, proto Protocol, opts ...Option) (Handle, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	if proto != TCP && proto != UDP {
		return 0, fmt.Errorf("open: %w: %s", ErrWrongProtocol, proto)
	}
	if o.localPort != 0 && proto != UDP {
		return 0, fmt.Errorf("open: %w: local port on %s socket", ErrWrongProtocol, proto)
	}
	if !m.device.Ready() {
		return 0, fmt.Errorf("open: %w", ErrDeviceNotReady)
	}

	m.mu.Lock()
	if !m.pool.available() {
		m.mu.Unlock()
		return 0, fmt.Errorf("open: %w", ErrTooManySockets)
	}
	m.mu.Unlock()

	cmd := fmt.Sprintf("AT+USOCR=%d", int(proto))
	if o.localPort != 0 {
		cmd += fmt.Sprintf(",%d", o.localPort)
	}
	resp, err := m.cmd.Exec(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("open: %w", classify(err, ErrSocketCreateFailed))
	}
	native, err := intField(resp, "+USOCR:", 0)
	if err != nil {
		return 0, fmt.Errorf("open: %w: %w", ErrSocketCreateFailed, err)
	}

	m.mu.Lock()
	h := m.next
	// The module only hands out ids it has no socket for, so a previous
	// owner of native is gone on the module side.
	if old, ok := m.pool.owner(native); ok {
		m.retire(old, native)
	} else if m.pool.inGrace(native) {
		m.logger.Debug("module reused native id within grace window", "native", native)
	}
	if err := m.pool.claim(native, h); err != nil {
		m.mu.Unlock()
		m.logger.Warn("module returned unusable socket id", "native", native, "error", err)
		if _, cerr := m.cmd.Exec(ctx, fmt.Sprintf("AT+USOCL=%d", native)); cerr != nil {
			m.logger.Debug("close of rejected socket failed", "native", native, "error", cerr)
		}
		return 0, fmt.Errorf("open: %w: %w", ErrSocketCreateFailed, err)
	}
	m.next++
	s := &socket{
		handle:    h,
		native:    native,
		proto:     proto,
		state:     Created,
		localPort: o.localPort,
		wake:      make(chan struct{}, 1),
	}
	if o.localPort != 0 {
		s.state = Bound
	}
	m.sockets[h] = s
	m.mu.Unlock()

	m.logger.Debug("socket opened", "handle", h, "native", native, "protocol", proto)
	return h, nil
}

// Connect connects a stream socket.
func (m *Manager) Connect(ctx context.Context, h Handle, remote netip.AddrPort) error {
	if !remote.IsValid() {
		return opError(h, "connect", fmt.Errorf("invalid address %s", remote))
	}

	m.mu.Lock()
	s, err := m.usable(h, TCP)
	if err != nil {
		m.mu.Unlock()
		return opError(h, "connect", err)
	}
	switch {
	case s.peerClosed:
		m.mu.Unlock()
		return opError(h, "connect", ErrSocketClosed)
	case s.state == Created:
	case s.state == Connected, s.state == Connecting:
		m.mu.Unlock()
		return opError(h, "connect", ErrAlreadyConnected)
	default:
		m.mu.Unlock()
		return opError(h, "connect", ErrSocketClosed)
	}
	s.state = Connecting
	native := s.native
	m.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && m.fam.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fam.ConnectTimeout)
		defer cancel()
	}

	cmd := fmt.Sprintf("AT+USOCO=%d,%s,%d", native, at.Quote(remote.Addr().Unmap().String()), remote.Port())
	_, err = m.cmd.Exec(ctx, cmd)

	m.mu.Lock()
	if s.state != Connecting {
		// Invalidated or closed meanwhile.
		defer m.mu.Unlock()
		return opError(h, "connect", m.terminal(s))
	}
	if err == nil {
		s.state = Connected
		s.remote = remote
		m.mu.Unlock()
		return nil
	}

	// A failed connect gives the native id back.
	s.state = Closing
	m.mu.Unlock()
	if _, cerr := m.cmd.Exec(context.WithoutCancel(ctx), fmt.Sprintf("AT+USOCL=%d", native)); cerr != nil {
		m.logger.Debug("close after failed connect", "handle", h, "native", native, "error", cerr)
	}
	m.mu.Lock()
	m.finalize(s)
	m.mu.Unlock()
	return opError(h, "connect", classify(err, ErrConnectionRefused))
}

// Send writes b to a connected stream socket in chunks of at most the
// family's egress chunk size. It returns the number of bytes the module
// accepted.
func (m *Manager) Send(ctx context.Context, h Handle, b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		m.mu.Lock()
		s, err := m.usable(h, TCP)
		if err == nil {
			switch {
			case s.state != Connected:
				err = ErrNotConnected
			case s.peerClosed:
				err = ErrSocketClosed
			}
		}
		if err != nil {
			m.mu.Unlock()
			return total, opError(h, "send", err)
		}
		native := s.native
		m.mu.Unlock()

		chunk := b[:min(len(b), m.fam.EgressChunk)]
		cmd := fmt.Sprintf("AT+USOWR=%d,%d,%s", native, len(chunk), at.Quote(at.EncodeHex(chunk)))
		resp, err := m.cmd.Exec(ctx, cmd)
		if err != nil {
			return total, opError(h, "send", classify(err, ErrSocketClosed))
		}
		sent, err := intField(resp, "+USOWR:", 1)
		if err != nil {
			return total, opError(h, "send", err)
		}
		total += sent
		if sent < len(chunk) {
			break
		}
		b = b[len(chunk):]
	}
	return total, nil
}

// Receive reads at most len(buf) bytes the module announced for a stream
// socket. It does not block: with nothing announced it returns 0 and no
// error. Once the peer closed and the buffered data is drained it returns
// ErrSocketClosed.
func (m *Manager) Receive(ctx context.Context, h Handle, buf []byte) (int, error) {
	m.mu.Lock()
	s, err := m.usable(h, TCP)
	if err == nil && s.state != Connected {
		err = ErrNotConnected
	}
	if err != nil {
		m.mu.Unlock()
		return 0, opError(h, "receive", err)
	}
	if s.peerClosed {
		// Buffered data is only readable until the module reuses the id.
		if _, reused := m.pool.owner(s.native); reused {
			s.pending = 0
		}
	}
	if s.pending == 0 {
		closed := s.peerClosed
		m.mu.Unlock()
		if closed {
			return 0, opError(h, "receive", ErrSocketClosed)
		}
		return 0, nil
	}
	want := min(len(buf), s.pending, m.fam.IngressChunk)
	native := s.native
	m.mu.Unlock()

	if want == 0 {
		return 0, nil
	}

	resp, err := m.cmd.Exec(ctx, fmt.Sprintf("AT+USORD=%d,%d", native, want))
	if err != nil {
		return 0, opError(h, "receive", classify(err, ErrSocketClosed))
	}
	fields, err := responseFields(resp, "+USORD:", 3)
	if err != nil {
		return 0, opError(h, "receive", err)
	}
	data, err := at.DecodeHex(fields[2])
	if err != nil {
		return 0, opError(h, "receive", err)
	}
	n := copy(buf, data)

	m.mu.Lock()
	s.pending = max(s.pending-len(data), 0)
	if len(data) == 0 {
		s.pending = 0
	}
	m.mu.Unlock()
	return n, nil
}

// SendTo sends one datagram. Datagrams are never split.
func (m *Manager) SendTo(ctx context.Context, h Handle, remote netip.AddrPort, b []byte) (int, error) {
	if !remote.IsValid() {
		return 0, opError(h, "send to", fmt.Errorf("invalid address %s", remote))
	}
	if len(b) > m.fam.EgressChunk {
		return 0, opError(h, "send to", fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(b), m.fam.EgressChunk))
	}

	m.mu.Lock()
	s, err := m.usable(h, UDP)
	if err == nil && s.peerClosed {
		err = ErrSocketClosed
	}
	if err != nil {
		m.mu.Unlock()
		return 0, opError(h, "send to", err)
	}
	native := s.native
	m.mu.Unlock()

	cmd := fmt.Sprintf("AT+USOST=%d,%s,%d,%d,%s", native, at.Quote(remote.Addr().Unmap().String()), remote.Port(), len(b), at.Quote(at.EncodeHex(b)))
	resp, err := m.cmd.Exec(ctx, cmd)
	if err != nil {
		return 0, opError(h, "send to", classify(err, ErrSocketClosed))
	}
	sent, err := intField(resp, "+USOST:", 1)
	if err != nil {
		return 0, opError(h, "send to", err)
	}

	m.mu.Lock()
	if s.state == Created {
		s.state = Bound
	}
	m.mu.Unlock()
	return sent, nil
}

// ReceiveFrom reads one announced datagram, or returns 0 when none is
// pending.
func (m *Manager) ReceiveFrom(ctx context.Context, h Handle, buf []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	s, err := m.usable(h, UDP)
	if err == nil && s.peerClosed {
		err = ErrSocketClosed
	}
	if err != nil {
		m.mu.Unlock()
		return 0, netip.AddrPort{}, opError(h, "receive from", err)
	}
	if s.pending == 0 {
		m.mu.Unlock()
		return 0, netip.AddrPort{}, nil
	}
	want := min(len(buf), s.pending, m.fam.IngressChunk)
	native := s.native
	m.mu.Unlock()

	if want == 0 {
		return 0, netip.AddrPort{}, nil
	}

	resp, err := m.cmd.Exec(ctx, fmt.Sprintf("AT+USORF=%d,%d", native, want))
	if err != nil {
		return 0, netip.AddrPort{}, opError(h, "receive from", classify(err, ErrSocketClosed))
	}
	fields, err := responseFields(resp, "+USORF:", 5)
	if err != nil {
		return 0, netip.AddrPort{}, opError(h, "receive from", err)
	}
	addr, err := netip.ParseAddr(fields[1])
	if err != nil {
		return 0, netip.AddrPort{}, opError(h, "receive from", err)
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return 0, netip.AddrPort{}, opError(h, "receive from", err)
	}
	data, err := at.DecodeHex(fields[4])
	if err != nil {
		return 0, netip.AddrPort{}, opError(h, "receive from", err)
	}
	n := copy(buf, data)

	m.mu.Lock()
	s.pending = max(s.pending-len(data), 0)
	if len(data) == 0 {
		s.pending = 0
	}
	m.mu.Unlock()
	return n, netip.AddrPortFrom(addr, uint16(port)), nil
}

// Close closes the socket. Closing a closed socket does nothing. Whatever
// the module answers, the socket is gone afterwards and its native id
// returns to the pool after the grace window. A transport timeout is still
// reported as ErrTimeout.
func (m *Manager) Close(ctx context.Context, h Handle) error {
	m.mu.Lock()
	s, ok := m.sockets[h]
	if !ok {
		defer m.mu.Unlock()
		if h > 0 && h < m.next {
			return nil
		}
		return opError(h, "close", ErrInvalidHandle)
	}
	if s.state == Closed || s.peerClosed || !m.device.Ready() {
		// The module side is gone or unreachable.
		m.finalize(s)
		m.mu.Unlock()
		return nil
	}
	s.state = Closing
	native := s.native
	m.mu.Unlock()

	_, err := m.cmd.Exec(ctx, fmt.Sprintf("AT+USOCL=%d", native))

	m.mu.Lock()
	m.finalize(s)
	m.mu.Unlock()

	switch {
	case err == nil:
		return nil
	case modem.IsModuleError(err):
		m.logger.Debug("module rejected close", "handle", h, "native", native, "error", err)
		return nil
	default:
		m.logger.Warn("close not acknowledged", "handle", h, "native", native, "error", err)
		return opError(h, "close", classify(err, nil))
	}
}

// finalize removes s from the table and starts the grace window of its id.
// The caller holds m.mu.
func (m *Manager) finalize(s *socket) {
	if cur, ok := m.pool.owner(s.native); ok && cur == s.handle {
		m.pool.release(s.native)
	}
	s.state = Closed
	delete(m.sockets, s.handle)
	s.signal()
}

// retire marks the socket holding native Closed because the module handed
// the id out again. The caller holds m.mu.
func (m *Manager) retire(h Handle, native int) {
	m.logger.Warn("module reused id of a live socket", "handle", h, "native", native)
	m.pool.release(native)
	if s, ok := m.sockets[h]; ok {
		s.state = Closed
		s.pending = 0
		s.signal()
	}
}

// InvalidateAll marks every socket Closed with err and releases all native
// ids. Later operations on those sockets fail with err; Close removes them.
func (m *Manager) InvalidateAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sockets {
		if cur, ok := m.pool.owner(s.native); ok && cur == s.handle {
			m.pool.release(s.native)
		}
		s.state = Closed
		s.err = err
		s.pending = 0
		s.signal()
	}
	if len(m.sockets) > 0 {
		m.logger.Warn("all sockets invalidated", "count", len(m.sockets), "error", err)
	}
}

// HandleURC applies a socket URC. URCs for ids without a socket are
// logged and dropped; they legitimately race a close.
func (m *Manager) HandleURC(line string) {
	name, fields := at.Split(line)
	switch name + ":" {
	case at.UrcSocketData, at.UrcDatagramData, at.UrcSocketClosed:
	default:
		m.logger.Debug("unhandled URC", "line", line)
		return
	}
	if len(fields) == 0 {
		m.logger.Debug("malformed socket URC", "line", line)
		return
	}
	native, err := at.Int(fields[0])
	if err != nil {
		m.logger.Debug("malformed socket URC", "line", line, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.pool.owner(native)
	s := m.sockets[h]
	if !ok || s == nil {
		m.logger.Debug("URC for unknown socket", "native", native, "line", line)
		return
	}

	switch name + ":" {
	case at.UrcSocketData, at.UrcDatagramData:
		if len(fields) < 2 {
			m.logger.Debug("malformed socket URC", "line", line)
			return
		}
		n, err := at.Int(fields[1])
		if err != nil || n < 0 {
			m.logger.Debug("malformed socket URC", "line", line)
			return
		}
		// The module reports the total it holds for the socket.
		s.pending = n
		s.signal()

	case at.UrcSocketClosed:
		if s.state == Closing {
			m.finalize(s)
			return
		}
		// The module has freed the id. The entry stays until Close so that
		// later calls report ErrSocketClosed.
		m.pool.release(native)
		s.peerClosed = true
		if s.proto == UDP {
			s.pending = 0
		}
		s.signal()
	}
}

// Watch applies URCs from urcs until ctx is done or urcs is closed.
func (m *Manager) Watch(ctx context.Context, urcs <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-urcs:
			if !ok {
				return nil
			}
			m.HandleURC(line)
		}
	}
}

// Resolve looks host up with the module's resolver.
func (m *Manager) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	if !m.device.Ready() {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, ErrDeviceNotReady)
	}

	resp, err := m.cmd.Exec(ctx, "AT+UDNSRN=0,"+at.Quote(host))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, classify(err, nil))
	}
	fields, err := responseFields(resp, "+UDNSRN:", 1)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return addr, nil
}

// Sockets returns a snapshot of all open sockets ordered by handle.
func (m *Manager) Sockets() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return int(a.Handle) - int(b.Handle) })
	return out
}

// InUse returns the number of claimed native ids.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.inUse()
}

// wait returns the wake channel of h, or nil when h is gone.
func (m *Manager) wait(h Handle) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sockets[h]; ok {
		return s.wake
	}
	return nil
}

func (m *Manager) info(h Handle) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[h]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// usable looks h up and checks it may carry I/O of proto. The caller holds
// m.mu.
func (m *Manager) usable(h Handle, proto Protocol) (*socket, error) {
	s, ok := m.sockets[h]
	if !ok {
		if h > 0 && h < m.next {
			return nil, ErrSocketClosed
		}
		return nil, ErrInvalidHandle
	}
	if s.state == Closed || s.state == Closing {
		return nil, m.terminal(s)
	}
	if s.proto != proto {
		return nil, ErrWrongProtocol
	}
	if !m.device.Ready() {
		return nil, ErrDeviceNotReady
	}
	return s, nil
}

func (m *Manager) terminal(s *socket) error {
	if s.err != nil {
		return s.err
	}
	return ErrSocketClosed
}

// classify maps a transport error to ErrTimeout and a module error to
// moduleErr, keeping the original error in the chain.
func classify(err, moduleErr error) error {
	switch {
	case modem.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case moduleErr != nil && modem.IsModuleError(err):
		return fmt.Errorf("%w: %w", moduleErr, err)
	default:
		return err
	}
}

func responseFields(resp, prefix string, n int) ([]string, error) {
	line, ok := at.FindLine(resp, prefix)
	if !ok {
		return nil, fmt.Errorf("no %s line in %q", strings.TrimSuffix(prefix, ":"), resp)
	}
	fields, _ := at.Fields(line, prefix)
	if len(fields) < n {
		return nil, fmt.Errorf("short response %q", line)
	}
	return fields, nil
}

func intField(resp, prefix string, idx int) (int, error) {
	fields, err := responseFields(resp, prefix, idx+1)
	if err != nil {
		return 0, err
	}
	return at.Int(fields[idx])
}
