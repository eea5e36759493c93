package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/family"
	"i4.energy/across/cellgw/modem"
	"i4.energy/across/cellgw/registration"
)

// BringUp drives the device from its current state to DataActive. A device
// that already completed some steps resumes where it stopped. When ctx is
// cancelled the device moves to ShuttingDown.
func (d *Device) BringUp(ctx context.Context) error {
	ctx, done := d.beginOp(ctx)
	defer done()

	for {
		var err error
		switch st := d.State(); st {
		case Off, ShuttingDown:
			err = d.powerOn(ctx)
		case PoweredOn:
			err = d.configure(ctx)
		case Configured:
			if err = d.checkSIM(ctx); err == nil {
				err = d.armRegistration(ctx)
			}
			if err == nil {
				err = d.waitRegisteredRetrying(ctx)
			}
		case Registering:
			err = d.waitRegisteredRetrying(ctx)
		case Registered:
			err = d.attach(ctx)
		case PacketAttached:
			err = d.activateData(ctx)
		case DataActive:
			return nil
		default:
			return fmt.Errorf("bring-up: %w: %s", ErrInvalidState, st)
		}

		if err != nil {
			if ctx.Err() != nil {
				d.transition(ShuttingDown)
				return fmt.Errorf("bring-up cancelled: %w", ctx.Err())
			}
			d.logger.Error("bring-up failed", "state", d.State(), "error", err)
			return err
		}
	}
}

// PowerOn asserts the control lines, waits for the module to boot and
// probes it with AT.
func (d *Device) PowerOn(ctx context.Context) error {
	if err := d.expect("power on", Off, ShuttingDown); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.powerOn(ctx)
}

func (d *Device) powerOn(ctx context.Context) error {
	if pins := d.cfg.Pins; pins != nil {
		if err := pins.SetDTR(true); err != nil {
			return fmt.Errorf("assert DTR: %w", err)
		}
		if err := pins.SetRTS(true); err != nil {
			return fmt.Errorf("assert RTS: %w", err)
		}
	}

	d.mu.Lock()
	d.session = uuid.New()
	d.mu.Unlock()

	if err := contextSleep(ctx, d.cfg.Family.BootWait); err != nil {
		return err
	}

	err := retryWithBackoff(ctx, RetryConfig{
		MaxAttempts: d.cfg.ProbeAttempts,
		BaseDelay:   d.cfg.RetryBaseDelay,
		MaxDelay:    d.cfg.RetryMaxDelay,
	}, nil, func(ctx context.Context) error {
		_, err := d.cmd.Exec(ctx, at.CmdAt)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	d.transition(PoweredOn)
	return nil
}

// Configure runs the family's configuration sequence in order. Each command
// is retried up to MaxRetries times with backoff.
func (d *Device) Configure(ctx context.Context) error {
	if err := d.expect("configure", PoweredOn); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.configure(ctx)
}

func (d *Device) configure(ctx context.Context) error {
	for _, cmd := range d.cfg.Family.Configure {
		attempt := 0
		err := retryWithBackoff(ctx, RetryConfig{
			MaxAttempts: d.cfg.MaxRetries + 1,
			BaseDelay:   d.cfg.RetryBaseDelay,
			MaxDelay:    d.cfg.RetryMaxDelay,
		}, nil, func(ctx context.Context) error {
			if attempt > 0 {
				d.logger.Warn("retrying configuration command", "command", cmd, "retry", attempt)
			}
			attempt++
			_, err := d.cmd.Exec(ctx, cmd)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %s: %w", ErrInitializationFailed, cmd, err)
		}
	}

	d.transition(Configured)
	return nil
}

// CheckSIM waits until the SIM reports READY, entering the PIN when asked
// for one. After SIMCycleAfter failed polls the radio is power cycled once.
func (d *Device) CheckSIM(ctx context.Context) error {
	if err := d.expect("check SIM", Configured); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.checkSIM(ctx)
}

func (d *Device) checkSIM(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, d.cfg.SIMTimeout)
	defer cancel()

	var (
		failures int
		cycled   bool
		pinSent  bool
		lastErr  error
		delay    = d.cfg.SIMPoll
		maxDelay = max(d.cfg.SIMPoll, d.cfg.RetryMaxDelay)
	)

	for {
		status, err := d.simStatus(ctx)
		switch {
		case err != nil:
			lastErr = err
		case status == at.SimReady:
			d.logger.Info("SIM ready")
			return nil
		case status == at.SimPin:
			if d.cfg.SimPIN == "" {
				return fmt.Errorf("%w: PIN required but not configured", ErrSimNotReady)
			}
			if pinSent {
				lastErr = errors.New("SIM still locked after PIN entry")
				break
			}
			pinSent = true
			if _, err := d.exec(ctx, "AT+CPIN="+at.Quote(d.cfg.SimPIN)); err != nil {
				return fmt.Errorf("%w: PIN rejected: %w", ErrSimNotReady, err)
			}
			continue
		case strings.HasPrefix(status, "SIM PUK"), strings.HasPrefix(status, "PH-"):
			return fmt.Errorf("%w: SIM reports %q", ErrSimNotReady, status)
		default:
			lastErr = fmt.Errorf("SIM reports %q", status)
		}

		failures++
		if !cycled && failures >= d.cfg.SIMCycleAfter {
			cycled = true
			d.logger.Warn("SIM not ready, power cycling radio", "polls", failures, "error", lastErr)
			d.cycleRadio(ctx)
		}

		if err := contextSleep(ctx, delay); err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w: %w", ErrSimNotReady, lastErr)
		}
		delay = min(delay*2, maxDelay)
	}
}

func (d *Device) simStatus(ctx context.Context) (string, error) {
	resp, err := d.cmd.Exec(ctx, at.CmdSimStatus)
	if err != nil {
		return "", err
	}
	line, ok := at.FindLine(resp, "+CPIN:")
	if !ok {
		return "", fmt.Errorf("no +CPIN line in %q", resp)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "+CPIN:")), nil
}

func (d *Device) radioOffCommand() string {
	return fmt.Sprintf("AT+CFUN=%d", d.cfg.Family.RadioOffCFUN)
}

func (d *Device) cycleRadio(ctx context.Context) {
	if _, err := d.exec(ctx, d.radioOffCommand()); err != nil {
		d.logger.Warn("radio off failed", "error", err)
	}
	if _, err := d.exec(ctx, at.CmdFullFunction); err != nil {
		d.logger.Warn("radio on failed", "error", err)
	}
}

// ArmRegistration enables registration URCs with location information on
// every channel the family supports.
func (d *Device) ArmRegistration(ctx context.Context) error {
	if err := d.expect("arm registration", Configured); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.armRegistration(ctx)
}

func (d *Device) armRegistration(ctx context.Context) error {
	for _, c := range registration.Channels {
		if !d.cfg.Family.Reports(c.String()) {
			continue
		}
		if _, err := d.exec(ctx, c.EnableCommand()); err != nil {
			return fmt.Errorf("%w: enable %s reporting: %w", ErrInitializationFailed, c, err)
		}
		d.tracker.SetReporting(c, true)
	}
	return nil
}

// WaitRegistered moves to Registering and blocks until any channel reports
// a home or roaming registration.
func (d *Device) WaitRegistered(ctx context.Context) error {
	if err := d.expect("wait registered", Configured, Registering, Recovering); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.waitRegistered(ctx)
}

func (d *Device) waitRegisteredRetrying(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= d.cfg.RegistrationRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("retrying registration wait", "retry", attempt, "error", err)
		}
		if err = d.waitRegistered(ctx); err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (d *Device) waitRegistered(ctx context.Context) error {
	d.transition(Registering)
	if err := d.awaitRegistration(ctx); err != nil {
		return err
	}
	fused := d.tracker.Current()
	d.logger.Info("registered", "channel", fused.Channel, "status", fused.Status)
	d.transition(Registered)
	return nil
}

// awaitRegistration polls the registration read commands and wakes on
// tracker changes until the fused view is registered.
func (d *Device) awaitRegistration(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, d.cfg.RegistrationTimeout)
	defer cancel()

	ticker := time.NewTicker(d.cfg.RegistrationPoll)
	defer ticker.Stop()

	for {
		if d.tracker.Current().Registered {
			return nil
		}
		d.pollRegistration(ctx)
		if d.tracker.Current().Registered {
			return nil
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			if d.tracker.Current().Status == registration.Denied {
				return ErrRegistrationDenied
			}
			return ErrRegistrationTimeout
		case <-ticker.C:
		case <-d.tracker.Changed():
		}
	}
}

func (d *Device) pollRegistration(ctx context.Context) {
	for _, c := range registration.Channels {
		if !d.cfg.Family.Reports(c.String()) {
			continue
		}
		resp, err := d.cmd.Exec(ctx, c.QueryCommand())
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Debug("registration query failed", "channel", c, "error", err)
			}
			continue
		}
		line, ok := at.FindLine(resp, c.Prefix())
		if !ok {
			continue
		}
		fields, _ := at.Fields(line, c.Prefix())
		// Malformed answers are logged by the tracker and ignored.
		_, _ = d.tracker.ApplyStatusResponse(c, fields)
	}
}

// Attach defines the packet context, restarts the radio so it takes
// effect, waits out the resulting registration churn and makes sure the
// module is packet attached.
func (d *Device) Attach(ctx context.Context) error {
	if err := d.expect("attach", Registered); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.attach(ctx)
}

func (d *Device) attach(ctx context.Context) error {
	if _, err := d.exec(ctx, d.radioOffCommand()); err != nil {
		return fmt.Errorf("radio off: %w", err)
	}

	cid := d.cfg.ContextID
	if d.cfg.APN != "" {
		cmd := fmt.Sprintf("AT+CGDCONT=%d,\"IP\",%s", cid, at.Quote(d.cfg.APN))
		if _, err := d.exec(ctx, cmd); err != nil {
			if modem.IsModuleError(err) {
				return fmt.Errorf("%w: %q: %w", ErrInvalidApn, d.cfg.APN, err)
			}
			return err
		}
		if d.cfg.User != "" {
			cmd := fmt.Sprintf("AT+UAUTHREQ=%d,%d,%s,%s", cid, d.cfg.Auth, at.Quote(d.cfg.User), at.Quote(d.cfg.Password))
			if _, err := d.exec(ctx, cmd); err != nil {
				if modem.IsModuleError(err) {
					return fmt.Errorf("%w: authentication rejected: %w", ErrInvalidApn, err)
				}
				return err
			}
		}
	}

	d.mu.Lock()
	d.pdp = PacketContext{ID: cid, APN: d.cfg.APN, Auth: d.cfg.Auth, Defined: true}
	d.mu.Unlock()

	if _, err := d.exec(ctx, at.CmdFullFunction); err != nil {
		return fmt.Errorf("radio on: %w", err)
	}

	// Switching the radio makes the module deregister and register again.
	if err := d.awaitRegistration(ctx); err != nil {
		return fmt.Errorf("re-registration after attach: %w", err)
	}

	if err := d.attachCheck(ctx); err != nil {
		return err
	}
	d.transition(PacketAttached)
	return nil
}

// attachCheck polls +CGATT until the module reports packet attach,
// requesting it once when detached.
func (d *Device) attachCheck(ctx context.Context) error {
	requested := false
	for i := 0; i < d.cfg.AttachPolls; i++ {
		attached, err := d.attached(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Debug("attach query failed", "error", err)
		case attached:
			return nil
		case !requested:
			requested = true
			if _, err := d.exec(ctx, at.CmdAttach); err != nil {
				d.logger.Warn("attach request failed", "error", err)
			}
		}

		if i < d.cfg.AttachPolls-1 {
			if err := contextSleep(ctx, d.cfg.AttachInterval); err != nil {
				return err
			}
		}
	}
	return ErrAttachTimeout
}

func (d *Device) attached(ctx context.Context) (bool, error) {
	resp, err := d.exec(ctx, at.CmdAttachStatus)
	if err != nil {
		return false, err
	}
	line, ok := at.FindLine(resp, "+CGATT:")
	if !ok {
		return false, fmt.Errorf("no +CGATT line in %q", resp)
	}
	fields, _ := at.Fields(line, "+CGATT:")
	if len(fields) == 0 {
		return false, fmt.Errorf("empty +CGATT line")
	}
	state, err := at.Int(fields[0])
	if err != nil {
		return false, err
	}
	return state == 1, nil
}

// ActivateData activates the data session on the configured profile and
// anchors it to the registered channel.
func (d *Device) ActivateData(ctx context.Context) error {
	if err := d.expect("activate data", PacketAttached); err != nil {
		return err
	}
	ctx, done := d.beginOp(ctx)
	defer done()
	return d.activateData(ctx)
}

func (d *Device) activateData(ctx context.Context) error {
	var (
		addr netip.Addr
		err  error
	)
	switch d.cfg.Family.Activation {
	case family.ActivationCGACT:
		addr, err = d.activateCGACT(ctx)
	default:
		addr, err = d.activateUPSD(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %w", ErrContextActivation, err)
	}

	d.mu.Lock()
	d.profile.Activated = true
	d.addr = addr
	d.mu.Unlock()

	if fused := d.tracker.Current(); fused.Registered {
		d.tracker.Anchor(fused.Channel)
	}

	d.logger.Info("data session active", "profile", d.cfg.ProfileID, "context", d.cfg.ContextID, "address", addr)
	d.transition(DataActive)
	return nil
}

func (d *Device) activateUPSD(ctx context.Context) (netip.Addr, error) {
	p := d.cfg.ProfileID

	active, err := d.profileActive(ctx)
	if err != nil {
		d.logger.Debug("profile status query failed", "error", err)
	}
	if active {
		d.logger.Info("reusing active profile", "profile", p)
	} else {
		for _, cmd := range []string{
			fmt.Sprintf("AT+UPSD=%d,100,%d", p, d.cfg.ContextID),
			fmt.Sprintf("AT+UPSD=%d,0,0", p),
		} {
			if _, err := d.exec(ctx, cmd); err != nil {
				return netip.Addr{}, err
			}
		}

		err := retryWithBackoff(ctx, RetryConfig{
			MaxAttempts: d.cfg.ActivationRetries,
			BaseDelay:   d.cfg.RetryBaseDelay,
			MaxDelay:    d.cfg.RetryMaxDelay,
		}, nil, func(ctx context.Context) error {
			_, err := d.cmd.Exec(ctx, fmt.Sprintf("AT+UPSDA=%d,3", p))
			return err
		})
		if err != nil {
			return netip.Addr{}, err
		}
	}

	resp, err := d.exec(ctx, fmt.Sprintf("AT+UPSND=%d,0", p))
	if err != nil {
		d.logger.Warn("read profile address", "error", err)
		return netip.Addr{}, nil
	}
	return d.parseAddress(resp, "+UPSND:", 2), nil
}

func (d *Device) profileActive(ctx context.Context) (bool, error) {
	resp, err := d.exec(ctx, fmt.Sprintf("AT+UPSND=%d,8", d.cfg.ProfileID))
	if err != nil {
		return false, err
	}
	line, ok := at.FindLine(resp, "+UPSND:")
	if !ok {
		return false, fmt.Errorf("no +UPSND line in %q", resp)
	}
	fields, _ := at.Fields(line, "+UPSND:")
	if len(fields) < 3 {
		return false, fmt.Errorf("short +UPSND line %q", line)
	}
	return fields[2] == "1", nil
}

func (d *Device) activateCGACT(ctx context.Context) (netip.Addr, error) {
	cid := d.cfg.ContextID

	err := retryWithBackoff(ctx, RetryConfig{
		MaxAttempts: d.cfg.ActivationRetries,
		BaseDelay:   d.cfg.RetryBaseDelay,
		MaxDelay:    d.cfg.RetryMaxDelay,
	}, nil, func(ctx context.Context) error {
		active, err := d.contextActive(ctx, cid)
		if err != nil || active {
			return err
		}
		if _, err := d.exec(ctx, fmt.Sprintf("AT+CGACT=1,%d", cid)); err != nil {
			return err
		}
		if active, err = d.contextActive(ctx, cid); err != nil || active {
			return err
		}
		return fmt.Errorf("context %d not active", cid)
	})
	if err != nil {
		return netip.Addr{}, err
	}

	resp, err := d.exec(ctx, fmt.Sprintf("AT+CGPADDR=%d", cid))
	if err != nil {
		d.logger.Warn("read context address", "error", err)
		return netip.Addr{}, nil
	}
	return d.parseAddress(resp, "+CGPADDR:", 1), nil
}

// contextActive reports whether +CGACT? lists context cid as active.
func (d *Device) contextActive(ctx context.Context, cid int) (bool, error) {
	resp, err := d.exec(ctx, "AT+CGACT?")
	if err != nil {
		return false, err
	}
	for line := range strings.SplitSeq(resp, "\n") {
		fields, ok := at.Fields(line, "+CGACT:")
		if !ok || len(fields) < 2 {
			continue
		}
		if id, err := at.Int(fields[0]); err == nil && id == cid && fields[1] == "1" {
			return true, nil
		}
	}
	return false, nil
}

// parseAddress extracts the IP address at field index idx of the response
// line with the given prefix.
func (d *Device) parseAddress(resp, prefix string, idx int) netip.Addr {
	line, ok := at.FindLine(resp, prefix)
	if !ok {
		return netip.Addr{}
	}
	fields, _ := at.Fields(line, prefix)
	if len(fields) <= idx {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(fields[idx])
	if err != nil {
		d.logger.Warn("invalid address", "line", line, "error", err)
		return netip.Addr{}
	}
	return addr
}
