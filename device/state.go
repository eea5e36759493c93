package device

import "fmt"

// State is the power and connectivity state of the module.
type State int

const (
	Off State = iota
	PoweredOn
	Configured
	Registering
	Registered
	PacketAttached
	DataActive
	// Recovering is entered when registration or the data session is lost
	// while connected. It always leads back to Registering.
	Recovering
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case PoweredOn:
		return "powered-on"
	case Configured:
		return "configured"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case PacketAttached:
		return "packet-attached"
	case DataActive:
		return "data-active"
	case Recovering:
		return "recovering"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// connected reports whether a loss of registration in s must trigger
// recovery.
func (s State) connected() bool {
	return s == Registered || s == PacketAttached || s == DataActive
}
