// Package registration tracks the three radio access technology
// registration reports of a cellular module and fuses them into a single
// connectivity view.
package registration

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/cellgw/at"
)

// ErrMalformed is returned when a report cannot be parsed. The channel keeps
// its previous state.
var ErrMalformed = errors.New("malformed registration report")

// ChannelState is the latest known report of one channel.
type ChannelState struct {
	URCEnabled bool   `json:"urc_enabled"`
	Status     Status `json:"status"`
	// Reported is false until the channel produced its first valid report.
	Reported    bool      `json:"reported"`
	AreaCode    *uint16   `json:"area_code,omitempty"`
	CellID      *uint32   `json:"cell_id,omitempty"`
	AccessTech  *uint8    `json:"access_tech,omitempty"`
	RoutingArea *uint8    `json:"routing_area,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Fused is the device level connectivity derived from all channels.
type Fused struct {
	Registered bool    `json:"registered"`
	Channel    Channel `json:"channel"`
	Status     Status  `json:"status"`
	AreaCode   *uint16 `json:"area_code,omitempty"`
	CellID     *uint32 `json:"cell_id,omitempty"`
	AccessTech *uint8  `json:"access_tech,omitempty"`
}

type report struct {
	status      Status
	areaCode    *uint16
	cellID      *uint32
	accessTech  *uint8
	routingArea *uint8
}

// Tracker owns the registration state of the three channels. It is safe for
// concurrent use; URCs and query responses may be applied in any order.
type Tracker struct {
	mu       sync.Mutex
	channels [numChannels]ChannelState

	anchored bool
	anchor   Channel
	onLoss   func(Channel, Status)

	changed chan struct{}
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		changed: make(chan struct{}, 1),
		logger:  logger.With("component", "registration"),
		now:     time.Now,
	}
}

// OnLoss installs the callback fired when the anchored channel transitions
// into NotRegistered or Denied. The callback runs on the goroutine applying
// the report and must not block.
func (t *Tracker) OnLoss(fn func(Channel, Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLoss = fn
}

// Anchor marks c as the channel feeding the active data session.
func (t *Tracker) Anchor(c Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anchored = true
	t.anchor = c
}

// ClearAnchor forgets the anchored channel.
func (t *Tracker) ClearAnchor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anchored = false
}

// Anchored returns the anchored channel, if any.
func (t *Tracker) Anchored() (Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anchor, t.anchored
}

// SetReporting records whether URC reporting is armed for c.
func (t *Tracker) SetReporting(c Channel, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[c].URCEnabled = enabled
}

// ApplyStatusResponse applies the fields of a read response
// ("n,stat[,lac,ci[,AcT[,rac]]]") and returns the resulting status.
func (t *Tracker) ApplyStatusResponse(c Channel, fields []string) (Status, error) {
	if len(fields) < 2 {
		return t.reject(c, fields, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields)))
	}
	if _, err := at.Int(fields[0]); err != nil {
		return t.reject(c, fields, fmt.Errorf("%w: mode: %v", ErrMalformed, err))
	}
	r, err := parseReport(c, fields[1:])
	if err != nil {
		return t.reject(c, fields, err)
	}
	return t.apply(c, r), nil
}

// ApplyURC applies the fields of an unsolicited report
// ("stat[,lac,ci[,AcT[,rac]]]").
func (t *Tracker) ApplyURC(c Channel, fields []string) error {
	r, err := parseReport(c, fields)
	if err != nil {
		_, err = t.reject(c, fields, err)
		return err
	}
	t.apply(c, r)
	return nil
}

// ApplyLine routes a raw +CREG/+CGREG/+CEREG URC line.
func (t *Tracker) ApplyLine(line string) error {
	c, ok := ChannelFor(line)
	if !ok {
		return fmt.Errorf("%w: not a registration line: %q", ErrMalformed, line)
	}
	fields, _ := at.Fields(line, c.Prefix())
	return t.ApplyURC(c, fields)
}

func (t *Tracker) reject(c Channel, fields []string, err error) (Status, error) {
	t.logger.Warn("ignoring registration report", "channel", c, "fields", fields, "error", err)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[c].Status, err
}

func (t *Tracker) apply(c Channel, r report) Status {
	t.mu.Lock()

	st := &t.channels[c]
	prev := st.Status
	prevReported := st.Reported

	st.Status = r.status
	st.Reported = true
	st.UpdatedAt = t.now()
	if r.status == NotRegistered || r.status == Denied {
		st.AreaCode, st.CellID, st.AccessTech, st.RoutingArea = nil, nil, nil, nil
	}
	if r.areaCode != nil {
		st.AreaCode = r.areaCode
	}
	if r.cellID != nil {
		st.CellID = r.cellID
	}
	if r.accessTech != nil {
		st.AccessTech = r.accessTech
	}
	if r.routingArea != nil {
		st.RoutingArea = r.routingArea
	}

	var lossFn func(Channel, Status)
	lost := r.status == NotRegistered || r.status == Denied
	if t.anchored && t.anchor == c && lost && (prev != r.status || !prevReported) {
		t.anchored = false
		lossFn = t.onLoss
	}
	t.mu.Unlock()

	if prev != r.status {
		t.logger.Info("registration changed", "channel", c, "from", prev, "to", r.status)
	}

	select {
	case t.changed <- struct{}{}:
	default:
	}

	if lossFn != nil {
		lossFn(c, r.status)
	}
	return r.status
}

func parseReport(c Channel, fields []string) (report, error) {
	var r report
	if len(fields) == 0 || fields[0] == "" {
		return r, fmt.Errorf("%w: missing stat", ErrMalformed)
	}

	stat, err := at.Int(fields[0])
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if stat < int(NotRegistered) || stat > int(RegisteredRoaming) {
		return r, fmt.Errorf("%w: stat %d out of range", ErrMalformed, stat)
	}
	r.status = Status(stat)

	if len(fields) > 1 && fields[1] != "" {
		v, err := at.HexUint(fields[1], 16)
		if err != nil {
			return r, fmt.Errorf("%w: area: %v", ErrMalformed, err)
		}
		area := uint16(v)
		r.areaCode = &area
	}
	if len(fields) > 2 && fields[2] != "" {
		v, err := at.HexUint(fields[2], 32)
		if err != nil {
			return r, fmt.Errorf("%w: cell: %v", ErrMalformed, err)
		}
		cell := uint32(v)
		r.cellID = &cell
	}
	if len(fields) > 3 && fields[3] != "" {
		v, err := at.Int(fields[3])
		if err != nil || v < 0 || v > 255 {
			return r, fmt.Errorf("%w: access technology %q", ErrMalformed, fields[3])
		}
		act := uint8(v)
		r.accessTech = &act
	}
	// Only the packet channel carries a routing area; the EPS channel uses
	// the following positions for reject causes.
	if c == WideAreaPacket && len(fields) > 4 && fields[4] != "" {
		v, err := at.HexUint(fields[4], 8)
		if err != nil {
			return r, fmt.Errorf("%w: routing area: %v", ErrMalformed, err)
		}
		rac := uint8(v)
		r.routingArea = &rac
	}
	return r, nil
}

// Current returns the fused connectivity. Identifiers come from the highest
// priority registered channel: LTE, then packet, then short range.
func (t *Tracker) Current() Fused {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(Channels) - 1; i >= 0; i-- {
		c := Channels[i]
		st := t.channels[c]
		if st.Status.Registered() {
			return Fused{
				Registered: true,
				Channel:    c,
				Status:     st.Status,
				AreaCode:   st.AreaCode,
				CellID:     st.CellID,
				AccessTech: st.AccessTech,
			}
		}
	}

	// Nothing registered: surface the most telling status.
	f := Fused{Status: NotRegistered}
	for i := len(Channels) - 1; i >= 0; i-- {
		c := Channels[i]
		st := t.channels[c]
		if !st.Reported {
			continue
		}
		if st.Status == Denied {
			return Fused{Channel: c, Status: Denied}
		}
		if f.Status == NotRegistered && st.Status != NotRegistered {
			f.Channel, f.Status = c, st.Status
		}
	}
	return f
}

// Channel returns a copy of the state of c.
func (t *Tracker) Channel(c Channel) ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[c]
}

// Snapshot returns a copy of all channel states keyed by channel.
func (t *Tracker) Snapshot() map[Channel]ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Channel]ChannelState, numChannels)
	for _, c := range Channels {
		out[c] = t.channels[c]
	}
	return out
}

// Changed returns a channel signalled after every applied report. Signals
// coalesce; readers re-read Current.
func (t *Tracker) Changed() <-chan struct{} {
	return t.changed
}

// Reset forgets all reports, reporting flags and the anchor.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = [numChannels]ChannelState{}
	t.anchored = false
}
