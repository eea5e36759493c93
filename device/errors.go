package device

import "errors"

var (
	// ErrNoResponse is returned by PowerOn when the module never answered
	// the AT probe.
	ErrNoResponse = errors.New("module not responding")

	// ErrInitializationFailed is returned when a configuration command kept
	// failing after all retries.
	ErrInitializationFailed = errors.New("module initialization failed")

	// ErrSimNotReady is returned when the SIM did not report READY before the
	// SIM deadline, or when it needs a PIN that is not configured.
	ErrSimNotReady = errors.New("SIM not ready")

	// ErrRegistrationTimeout is returned when no channel registered before the
	// registration deadline.
	ErrRegistrationTimeout = errors.New("network registration timeout")

	// ErrRegistrationDenied is returned instead of ErrRegistrationTimeout when
	// the network denied registration.
	ErrRegistrationDenied = errors.New("network registration denied")

	// ErrInvalidApn is returned when the module rejected the PDP context
	// definition.
	ErrInvalidApn = errors.New("invalid APN")

	// ErrAttachTimeout is returned when the module did not report packet
	// attach within the configured number of polls.
	ErrAttachTimeout = errors.New("packet attach timeout")

	// ErrContextActivation is returned when the data session could not be
	// activated.
	ErrContextActivation = errors.New("data context activation failed")

	// ErrRecoveryFailed is returned by Supervise once recovery gave up.
	ErrRecoveryFailed = errors.New("connection recovery failed")

	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid device state")

	// ErrConnectionLost is handed to the socket layer when registration or
	// the data session is lost.
	ErrConnectionLost = errors.New("connection lost")
)
