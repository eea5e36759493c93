// Package device drives a u-blox cellular module through its lifecycle:
// power on, configuration, SIM check, network registration, packet attach
// and data activation, and back down again. It also supervises the
// connection and recovers it when registration or the data session is lost.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"i4.energy/across/cellgw/events"
	"i4.energy/across/cellgw/modem"
	"i4.energy/across/cellgw/registration"
)

// PacketContext is the PDP context defined during attach.
type PacketContext struct {
	ID      int    `json:"id"`
	APN     string `json:"apn"`
	Auth    Auth   `json:"auth"`
	Defined bool   `json:"defined"`
}

// Profile is the PSD profile linked to the packet context.
type Profile struct {
	ID        int  `json:"id"`
	ContextID int  `json:"context_id"`
	Activated bool `json:"activated"`
}

// Snapshot is a point in time view of the device.
type Snapshot struct {
	Session      uuid.UUID                                          `json:"session"`
	Family       string                                             `json:"family"`
	State        State                                              `json:"state"`
	Since        time.Time                                          `json:"since"`
	Registration registration.Fused                                 `json:"registration"`
	Channels     map[registration.Channel]registration.ChannelState `json:"channels"`
	// Anchor is the channel carrying the data session, if any.
	Anchor     string        `json:"anchor,omitempty"`
	Context    PacketContext `json:"context"`
	Profile    Profile       `json:"profile"`
	Address    netip.Addr    `json:"address"`
	Recoveries int           `json:"recoveries"`
}

// Device is the single owner of the module's session state. All exported
// methods are safe for concurrent use; lifecycle operations (BringUp,
// recovery, Teardown) are serialized.
type Device struct {
	cfg     Config
	cmd     modem.Commander
	tracker *registration.Tracker
	logger  *slog.Logger

	// opMu serializes lifecycle operations.
	opMu     sync.Mutex
	opCancel context.CancelFunc
	// stopping counts Teardown calls in flight; operations started while it
	// is set begin cancelled.
	stopping int

	mu         sync.Mutex
	state      State
	since      time.Time
	session    uuid.UUID
	pdp        PacketContext
	profile    Profile
	addr       netip.Addr
	recoveries int

	lost chan string
}

// New creates a device in the Off state. It does not talk to the module.
func New(cfg Config) (*Device, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid device config: %w", err)
	}

	d := &Device{
		cfg:     cfg,
		cmd:     cfg.Modem,
		tracker: cfg.Tracker,
		logger:  cfg.Logger.With("component", "device", "family", cfg.Family.Name),
		state:   Off,
		since:   time.Now(),
		session: uuid.New(),
		profile: Profile{ID: cfg.ProfileID, ContextID: cfg.ContextID},
		lost:    make(chan string, 1),
	}
	d.tracker.OnLoss(func(c registration.Channel, s registration.Status) {
		d.signalLoss(fmt.Sprintf("%s %s", c, s))
	})
	return d, nil
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Ready reports whether the data session is active and sockets may be used.
func (d *Device) Ready() bool {
	return d.State() == DataActive
}

// Session identifies the current power session. It changes on every
// PowerOn.
func (d *Device) Session() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Tracker returns the registration tracker fed by this device.
func (d *Device) Tracker() *registration.Tracker {
	return d.tracker
}

// Snapshot returns the current device view.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{
		Session:    d.session,
		Family:     d.cfg.Family.Name,
		State:      d.state,
		Since:      d.since,
		Context:    d.pdp,
		Profile:    d.profile,
		Address:    d.addr,
		Recoveries: d.recoveries,
	}
	d.mu.Unlock()

	s.Registration = d.tracker.Current()
	s.Channels = d.tracker.Snapshot()
	if c, ok := d.tracker.Anchored(); ok {
		s.Anchor = c.String()
	}
	return s
}

func (d *Device) transition(to State) {
	d.mu.Lock()
	from := d.state
	if from == to {
		d.mu.Unlock()
		return
	}
	d.state = to
	d.since = time.Now()
	session := d.session
	d.mu.Unlock()

	d.logger.Info("state changed", "from", from, "to", to)

	e := events.New(session, events.KindState)
	e.State = to.String()
	e.Previous = from.String()
	d.cfg.Events.Publish(e)
}

// expect fails with ErrInvalidState unless the device is in one of states.
func (d *Device) expect(op string, states ...State) error {
	cur := d.State()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidState, cur)
}

// beginOp serializes a lifecycle operation and makes it cancellable by
// Teardown. An operation that gets its turn while a Teardown is pending runs
// with an already cancelled context.
func (d *Device) beginOp(ctx context.Context) (context.Context, func()) {
	d.opMu.Lock()
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.stopping > 0 {
		cancel()
	}
	d.opCancel = cancel
	d.mu.Unlock()

	return ctx, func() {
		d.mu.Lock()
		d.opCancel = nil
		d.mu.Unlock()
		cancel()
		d.opMu.Unlock()
	}
}

// beginTeardown marks the shutdown intent, cancels the running operation and
// then takes the operation lock itself.
func (d *Device) beginTeardown(ctx context.Context) (context.Context, func()) {
	d.mu.Lock()
	d.stopping++
	cancel := d.opCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.opMu.Lock()
	ctx, cancel = context.WithCancel(ctx)
	d.mu.Lock()
	d.opCancel = cancel
	d.mu.Unlock()

	return ctx, func() {
		d.mu.Lock()
		d.opCancel = nil
		d.stopping--
		d.mu.Unlock()
		cancel()
		d.opMu.Unlock()
	}
}

// exec sends cmd, resending it when the module did not answer in time.
// Module errors are returned at once.
func (d *Device) exec(ctx context.Context, cmd string) (string, error) {
	var resp string
	err := retryWithBackoff(ctx, RetryConfig{
		MaxAttempts: d.cfg.TransportRetries + 1,
		BaseDelay:   d.cfg.RetryBaseDelay,
		MaxDelay:    d.cfg.RetryMaxDelay,
	}, func(err error) bool {
		return !modem.IsTimeout(err)
	}, func(ctx context.Context) error {
		var err error
		resp, err = d.cmd.Exec(ctx, cmd)
		return err
	})
	return resp, err
}

func (d *Device) signalLoss(reason string) {
	select {
	case d.lost <- reason:
	default:
	}
}

func (d *Device) publish(kind events.Kind, detail any, err error) {
	e := events.New(d.Session(), kind)
	e.State = d.State().String()
	e.Detail = detail
	if err != nil {
		e.Error = err.Error()
	}
	d.cfg.Events.Publish(e)
}
