package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/events"
)

// URCPrefixes lists the unsolicited result codes the device consumes.
var URCPrefixes = []string{at.UrcCreg, at.UrcCgreg, at.UrcCereg, at.UrcPsdActivated, at.UrcPsdDeactivated}

var errURCStreamClosed = errors.New("URC stream closed")

// Supervise applies registration and PSD URCs and recovers the connection
// whenever it is lost. It returns when ctx is cancelled, when urcs is
// closed, or with ErrRecoveryFailed once recovery gave up.
func (d *Device) Supervise(ctx context.Context, urcs <-chan string) error {
	var recovering chan error

	for {
		// Losses reported while a recovery runs wait for its outcome.
		lost := d.lost
		if recovering != nil {
			lost = nil
		}

		select {
		case <-ctx.Done():
			if recovering != nil {
				<-recovering
			}
			return ctx.Err()

		case line, ok := <-urcs:
			if !ok {
				if recovering != nil {
					<-recovering
				}
				return errURCStreamClosed
			}
			d.HandleURC(line)

		case reason := <-lost:
			recovering = make(chan error, 1)
			go func(done chan<- error) {
				done <- d.Recover(ctx, reason)
			}(recovering)

		case err := <-recovering:
			recovering = nil
			if errors.Is(err, ErrRecoveryFailed) {
				return err
			}
		}
	}
}

// HandleURC applies a single URC line.
func (d *Device) HandleURC(line string) {
	switch {
	case strings.HasPrefix(line, at.UrcCreg),
		strings.HasPrefix(line, at.UrcCgreg),
		strings.HasPrefix(line, at.UrcCereg):
		before := d.tracker.Current()
		if err := d.tracker.ApplyLine(line); err != nil {
			return
		}
		if after := d.tracker.Current(); after.Registered != before.Registered ||
			after.Channel != before.Channel || after.Status != before.Status {
			d.publish(events.KindRegistration, after, nil)
		}

	case strings.HasPrefix(line, at.UrcPsdDeactivated):
		fields, _ := at.Fields(line, at.UrcPsdDeactivated)
		if len(fields) == 0 {
			d.logger.Debug("malformed PSD deactivation", "line", line)
			return
		}
		id, err := at.Int(fields[0])
		if err != nil || id != d.cfg.ProfileID {
			d.logger.Debug("ignoring PSD deactivation", "line", line)
			return
		}

		d.mu.Lock()
		wasActive := d.profile.Activated
		d.profile.Activated = false
		connected := d.state.connected()
		d.mu.Unlock()

		d.logger.Warn("data session deactivated by network", "profile", id)
		if wasActive && connected {
			d.signalLoss("psd deactivated")
		}

	case strings.HasPrefix(line, at.UrcPsdActivated):
		d.logger.Info("PSD action result", "line", line)

	default:
		d.logger.Debug("unhandled URC", "line", line)
	}
}

// Recover re-establishes a lost connection: it invalidates the profile and
// every socket, waits for registration, checks packet attach and activates
// the data session again. It gives up after RecoveryAttempts attempts. A
// device that is not connected is left alone.
func (d *Device) Recover(ctx context.Context, reason string) error {
	ctx, done := d.beginOp(ctx)
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}

	if !d.State().connected() {
		d.logger.Debug("ignoring connection loss", "reason", reason, "state", d.State())
		return nil
	}

	d.logger.Warn("connection lost, recovering", "reason", reason)
	d.transition(Recovering)
	d.publish(events.KindRecovery, map[string]string{"reason": reason}, nil)

	d.mu.Lock()
	d.profile.Activated = false
	d.addr = netip.Addr{}
	d.mu.Unlock()

	d.tracker.ClearAnchor()
	if d.cfg.Sockets != nil {
		d.cfg.Sockets.InvalidateAll(ErrConnectionLost)
	}
	// Stale loss signals belong to the session that is being replaced.
	select {
	case <-d.lost:
	default:
	}

	var err error
	for attempt := 1; attempt <= d.cfg.RecoveryAttempts; attempt++ {
		if err = d.recoverOnce(ctx); err == nil {
			d.mu.Lock()
			d.recoveries++
			d.mu.Unlock()
			d.publish(events.KindRecovery, map[string]string{"result": "recovered"}, nil)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d.logger.Warn("recovery attempt failed", "attempt", attempt, "error", err)
		d.transition(Recovering)
		delay := min(d.cfg.RetryBaseDelay<<uint(attempt-1), d.cfg.RetryMaxDelay)
		if err := contextSleep(ctx, delay); err != nil {
			return err
		}
	}

	err = fmt.Errorf("%w after %d attempts: %w", ErrRecoveryFailed, d.cfg.RecoveryAttempts, err)
	d.publish(events.KindRecovery, map[string]string{"result": "failed"}, err)
	return err
}

func (d *Device) recoverOnce(ctx context.Context) error {
	if err := d.waitRegistered(ctx); err != nil {
		return err
	}
	if err := d.attachCheck(ctx); err != nil {
		return err
	}
	d.transition(PacketAttached)
	return d.activateData(ctx)
}
