package device

import (
	"context"
	"fmt"
	"net/netip"

	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/family"
)

// Teardown deactivates the data session, detaches and switches the radio
// off. It interrupts any running lifecycle operation, may be called from any
// state and always ends in Off. Module errors along the way are logged and
// ignored. Calling it on a device that is already Off does nothing.
func (d *Device) Teardown(ctx context.Context) error {
	ctx, done := d.beginTeardown(ctx)
	defer done()

	if d.State() == Off {
		return nil
	}

	d.transition(ShuttingDown)
	d.tracker.ClearAnchor()
	if d.cfg.Sockets != nil {
		d.cfg.Sockets.InvalidateAll(ErrConnectionLost)
	}

	deactivate := fmt.Sprintf("AT+UPSDA=%d,4", d.cfg.ProfileID)
	if d.cfg.Family.Activation == family.ActivationCGACT {
		deactivate = fmt.Sprintf("AT+CGACT=0,%d", d.cfg.ContextID)
	}
	for _, cmd := range []string{deactivate, at.CmdDetach, d.radioOffCommand()} {
		if _, err := d.cmd.Exec(ctx, cmd); err != nil {
			d.logger.Warn("teardown command failed", "command", cmd, "error", err)
		}
	}

	d.tracker.Reset()
	d.mu.Lock()
	d.pdp = PacketContext{}
	d.profile = Profile{ID: d.cfg.ProfileID, ContextID: d.cfg.ContextID}
	d.addr = netip.Addr{}
	d.mu.Unlock()

	d.transition(Off)
	return nil
}
