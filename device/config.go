package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"i4.energy/across/cellgw/events"
	"i4.energy/across/cellgw/family"
	"i4.energy/across/cellgw/modem"
	"i4.energy/across/cellgw/registration"
)

// Auth is the PDP authentication protocol passed to +UAUTHREQ.
type Auth int

const (
	AuthNone Auth = 0
	AuthPAP  Auth = 1
	AuthCHAP Auth = 2
	AuthAuto Auth = 3
)

// SocketInvalidator is implemented by the socket layer. The device calls it
// when every open socket must be dropped at once.
type SocketInvalidator interface {
	InvalidateAll(err error)
}

// Config holds the device settings.
type Config struct {
	// Modem is the command channel to the module. Required.
	Modem modem.Commander
	// Pins drives the power related control lines, if wired.
	Pins modem.PinController
	// Family is the module family profile. Required.
	Family family.Family
	// Tracker receives registration reports. A fresh one is created if nil.
	Tracker *registration.Tracker
	// Sockets is invalidated on connection loss and teardown.
	Sockets SocketInvalidator
	// Events receives lifecycle events.
	Events events.Publisher
	Logger *slog.Logger

	APN      string
	User     string
	Password string
	// Auth defaults to AuthAuto when User is set.
	Auth   Auth
	SimPIN string

	// ContextID and ProfileID select the single PDP context and PSD profile
	// the device manages.
	ContextID int
	ProfileID int

	// MaxRetries is how often a failing configuration command is retried.
	// Zero selects the default of 3, a negative value disables retries.
	MaxRetries int
	// TransportRetries is how often a command that timed out is resent.
	// Zero selects the default of 2, a negative value disables resending.
	TransportRetries int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// ProbeAttempts bounds the AT probe after power on.
	ProbeAttempts int

	SIMTimeout time.Duration
	SIMPoll    time.Duration
	// SIMCycleAfter is the number of failed SIM polls after which the radio
	// is power cycled once.
	SIMCycleAfter int

	RegistrationPoll    time.Duration
	RegistrationTimeout time.Duration
	RegistrationRetries int

	AttachPolls    int
	AttachInterval time.Duration

	ActivationRetries int
	RecoveryAttempts  int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracker == nil {
		c.Tracker = registration.NewTracker(c.Logger)
	}
	if c.Events == nil {
		c.Events = events.Discard{}
	}
	if c.Auth == AuthNone && c.User != "" {
		c.Auth = AuthAuto
	}
	if c.ContextID == 0 {
		c.ContextID = 1
	}
	c.MaxRetries = retries(c.MaxRetries, 3)
	c.TransportRetries = retries(c.TransportRetries, 2)
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = 10
	}
	if c.SIMTimeout == 0 {
		c.SIMTimeout = 30 * time.Second
	}
	if c.SIMPoll == 0 {
		c.SIMPoll = time.Second
	}
	if c.SIMCycleAfter == 0 {
		c.SIMCycleAfter = 5
	}
	if c.RegistrationPoll == 0 {
		c.RegistrationPoll = 300 * time.Millisecond
	}
	if c.RegistrationTimeout == 0 {
		c.RegistrationTimeout = 180 * time.Second
	}
	if c.RegistrationRetries == 0 {
		c.RegistrationRetries = 2
	}
	if c.AttachPolls == 0 {
		c.AttachPolls = 10
	}
	if c.AttachInterval == 0 {
		c.AttachInterval = time.Second
	}
	if c.ActivationRetries == 0 {
		c.ActivationRetries = 5
	}
	if c.RecoveryAttempts == 0 {
		c.RecoveryAttempts = 3
	}
}

// retries maps the zero value to def and negative values to no retries.
func retries(n, def int) int {
	switch {
	case n == 0:
		return def
	case n < 0:
		return 0
	}
	return n
}

func (c *Config) validate() error {
	var errs []error
	if c.Modem == nil {
		errs = append(errs, errors.New("modem is required"))
	}
	if err := c.Family.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ContextID < 1 || c.ContextID > 8 {
		errs = append(errs, fmt.Errorf("context id %d out of range 1..8", c.ContextID))
	}
	if c.ProfileID < 0 || c.ProfileID > 6 {
		errs = append(errs, fmt.Errorf("profile id %d out of range 0..6", c.ProfileID))
	}
	if c.Auth < AuthNone || c.Auth > AuthAuto {
		errs = append(errs, fmt.Errorf("unknown auth type %d", c.Auth))
	}
	return errors.Join(errs...)
}
