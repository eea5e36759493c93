package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/cellgw/at"
)

// Commander is the request/response half of the modem as seen by the
// components built on top of it. Exactly one command is in flight at a time;
// concurrent callers are queued.
type Commander interface {
	// Exec sends cmd and returns the information lines of the response,
	// joined by "\n" and including the final result line. A final result other
	// than OK is returned as a *CommandError.
	Exec(ctx context.Context, cmd string) (string, error)
}

// Modem represents a cellular module that communicates via AT commands.
// It serializes commands through a centralized event loop that handles all
// transport I/O and fans unsolicited result codes out to subscribers.
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	closed      atomic.Bool
	loopRunning atomic.Bool

	// commands queues AT command requests for the Loop to process
	commands chan *commandRequest

	subsMu     sync.RWMutex
	subs       []*subscription
	subsClosed bool

	// loopCtx controls the lifecycle of the main event loop
	loopCtx context.Context
	// loopCancel cancels the main event loop
	loopCancel context.CancelFunc
}

// commandRequest represents an AT command request to be executed by the Loop.
type commandRequest struct {
	// cmd is the AT command string to send to the modem
	cmd string
	// respChan receives the command response from the Loop
	respChan chan commandResponse
	// ctx provides timeout and cancellation control for the command
	ctx context.Context
}

// commandResponse contains the result of an AT command execution.
type commandResponse struct {
	response string
	err      error
}

type subscription struct {
	prefixes []string
	ch       chan string
}

func (s *subscription) matches(line string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

var _ Commander = (*Modem)(nil)

// New creates a new Modem instance with the given configuration and
// establishes the transport connection. Module configuration is not part
// of New; it is driven by the lifecycle machine once Loop is running.
func New(ctx context.Context, config Config) (*Modem, error) {
	if config.Dialer == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("dial: %w", ErrNotInitialized)
	}

	m := &Modem{
		transport: transport,
		config:    config,
		logger:    config.Logger.With("component", "modem"),
		// No queue for commands
		commands: make(chan *commandRequest),
	}
	m.loopCtx, m.loopCancel = context.WithCancel(ctx)

	return m, nil
}

// Loop is the main event loop that handles all transport I/O operations.
// It must be called exactly once after New() and before any command is
// executed:
//
// 1. Accepts command requests from Exec() calls, one at a time
// 2. Writes AT commands to the transport
// 3. Reads and parses responses from the transport
// 4. Dispatches URCs (Unsolicited Result Codes) to subscribers
// 5. Returns command responses to waiting Exec() calls
//
// The Loop runs until the provided context is cancelled, the modem is
// closed, or the transport fails. It's the ONLY goroutine that reads from
// the transport. Subscription channels are closed when it returns.
//
// Usage:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//
//	go m.Loop(ctx)
//
//	resp, err := m.Exec(ctx, "AT")
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.loopRunning.Store(false)
	defer m.closeSubscriptions()
	// A dead transport cannot be resumed; release pending Exec callers.
	defer m.loopCancel()

	ctx, cancel := mergeCancel(ctx, m.loopCtx)
	defer cancel()

	scanner := bufio.NewScanner(m.transport)
	scanner.Split(at.Splitter)

	// Channels for tokens and errors from the scanner goroutine
	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token != "" {
				select {
				case tokens <- token:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				err = ErrLineTooLong
			}
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	var (
		currentCmd   *commandRequest
		currentLines []string
		lastDone     time.Time
	)

	finish := func(resp commandResponse) {
		currentCmd.respChan <- resp
		currentCmd = nil
		currentLines = nil
		lastDone = time.Now()
	}

	for {
		// Only accept a new command once the previous one resolved; the
		// link is half-duplex.
		var (
			commands <-chan *commandRequest
			cmdDone  <-chan struct{}
		)
		if currentCmd == nil {
			commands = m.commands
		} else {
			cmdDone = currentCmd.ctx.Done()
		}

		select {
		case <-ctx.Done():
			if currentCmd != nil {
				finish(commandResponse{err: ctx.Err()})
			}
			return ctx.Err()

		case req := <-commands:
			if req.ctx.Err() != nil {
				req.respChan <- commandResponse{err: fmt.Errorf("command cancelled before sending: %w", req.ctx.Err())}
				continue
			}

			if wait := m.config.MinCommandInterval - time.Since(lastDone); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					req.respChan <- commandResponse{err: ctx.Err()}
					return ctx.Err()
				}
			}

			currentCmd = req
			currentLines = nil

			wire := strings.TrimSpace(req.cmd) + "\r"
			if _, err := m.transport.Write([]byte(wire)); err != nil {
				finish(commandResponse{err: fmt.Errorf("write command %q: %w", req.cmd, err)})
				continue
			}

		case <-cmdDone:
			finish(commandResponse{
				response: strings.Join(currentLines, "\n"),
				err:      fmt.Errorf("command %q timeout: %w", currentCmd.cmd, currentCmd.ctx.Err()),
			})

		case token, ok := <-tokens:
			if !ok {
				if currentCmd != nil {
					finish(commandResponse{response: strings.Join(currentLines, "\n"), err: io.EOF})
				}
				return io.EOF
			}

			respType := at.Classify(token)

			// A read command such as AT+CREG? answers with the same prefix
			// its URC uses; keep that line with the command.
			if respType == at.TypeURC && currentCmd != nil {
				if p := at.ResponsePrefix(currentCmd.cmd); p != "" && strings.HasPrefix(token, p) {
					respType = at.TypeData
				}
			}

			switch respType {
			case at.TypeURC:
				m.dispatch(token)

			case at.TypeFinal:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
					response := strings.Join(currentLines, "\n")

					if token == at.OK {
						finish(commandResponse{response: response})
					} else {
						finish(commandResponse{
							response: response,
							err:      &CommandError{Command: currentCmd.cmd, Result: token},
						})
					}
				} else {
					m.logger.Debug("orphaned final result", "line", token)
				}

			case at.TypeData:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
				} else {
					m.logger.Debug("orphaned response line", "line", token)
				}

			case at.TypePrompt:
				if currentCmd != nil {
					currentLines = append(currentLines, token)
					finish(commandResponse{response: strings.Join(currentLines, "\n")})
				}
			}

		case err := <-scanErrs:
			if currentCmd != nil {
				finish(commandResponse{err: fmt.Errorf("read error: %w", err)})
			}
			return fmt.Errorf("scanner error: %w", err)
		}
	}
}

// Exec sends an AT command to the modem and waits for the response.
// The Loop() must be running before calling this method.
//
// When ctx carries no deadline the configured ATTimeout applies.
func (m *Modem) Exec(ctx context.Context, cmd string) (string, error) {
	if m.closed.Load() {
		return "", ErrAlreadyClosed
	}
	if m.transport == nil {
		return "", ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && m.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ATTimeout)
		defer cancel()
	}

	req := &commandRequest{
		cmd:      cmd,
		respChan: make(chan commandResponse, 1), // Buffered to prevent blocking
		ctx:      ctx,
	}

	select {
	case m.commands <- req:
	case <-ctx.Done():
		return "", fmt.Errorf("command %q cancelled before sending: %w", cmd, ctx.Err())
	case <-m.loopCtx.Done():
		if m.closed.Load() {
			return "", ErrAlreadyClosed
		}
		return "", ErrLoopStopped
	}

	// The Loop always answers a request it accepted, either with the
	// module's response or with the command's own timeout.
	resp := <-req.respChan
	return resp.response, resp.err
}

// Subscribe returns a channel receiving every URC line that starts with
// one of the given prefixes. The channel is buffered; when a subscriber
// falls behind, further URCs for it are dropped and logged. Channels are
// closed when the Loop ends.
func (m *Modem) Subscribe(prefixes ...string) <-chan string {
	sub := &subscription{
		prefixes: prefixes,
		ch:       make(chan string, m.config.URCBuffer),
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.subsClosed {
		close(sub.ch)
		return sub.ch
	}
	m.subs = append(m.subs, sub)
	return sub.ch
}

func (m *Modem) dispatch(line string) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	delivered := false
	for _, sub := range m.subs {
		if !sub.matches(line) {
			continue
		}
		delivered = true
		select {
		case sub.ch <- line:
		default:
			m.logger.Warn("URC subscriber full, dropping line", "line", line)
		}
	}
	if !delivered {
		m.logger.Debug("unhandled URC", "line", line)
	}
}

func (m *Modem) closeSubscriptions() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.subsClosed {
		return
	}
	m.subsClosed = true
	for _, sub := range m.subs {
		close(sub.ch)
	}
	m.subs = nil
}

// Pins returns the control line interface of the underlying transport, or
// nil when the transport has none.
func (m *Modem) Pins() PinController {
	if p, ok := m.transport.(PinController); ok {
		return p
	}
	return nil
}

// Close shuts down the modem and releases all resources.
// It stops the event loop, closes the transport connection, and marks
// the modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	if m.loopCancel != nil {
		m.loopCancel()
	}
	if !m.loopRunning.Load() {
		m.closeSubscriptions()
	}

	if m.transport != nil {
		return m.transport.Close()
	}

	return nil
}

// mergeCancel returns a context cancelled when either parent is done. Values
// and deadline come from a.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
