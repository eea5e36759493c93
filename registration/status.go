package registration

import (
	"fmt"

	"i4.energy/across/cellgw/at"
)

// Status is the 3GPP registration state reported by +CREG/+CGREG/+CEREG.
type Status int

const (
	NotRegistered     Status = 0
	RegisteredHome    Status = 1
	Searching         Status = 2
	Denied            Status = 3
	Unknown           Status = 4
	RegisteredRoaming Status = 5
)

func (s Status) String() string {
	switch s {
	case NotRegistered:
		return "not-registered"
	case RegisteredHome:
		return "registered-home"
	case Searching:
		return "searching"
	case Denied:
		return "denied"
	case Unknown:
		return "unknown"
	case RegisteredRoaming:
		return "registered-roaming"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Registered reports whether s is RegisteredHome or RegisteredRoaming.
func (s Status) Registered() bool {
	return s == RegisteredHome || s == RegisteredRoaming
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Channel identifies one of the three independent registration reports.
type Channel int

const (
	// ShortRange is the circuit switched report (+CREG).
	ShortRange Channel = iota
	// WideAreaPacket is the GPRS/UMTS packet switched report (+CGREG).
	WideAreaPacket
	// LongTermEvolution is the EPS report (+CEREG).
	LongTermEvolution

	numChannels
)

// Channels lists all channels in ascending priority.
var Channels = []Channel{ShortRange, WideAreaPacket, LongTermEvolution}

func (c Channel) String() string {
	switch c {
	case ShortRange:
		return "creg"
	case WideAreaPacket:
		return "cgreg"
	case LongTermEvolution:
		return "cereg"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Prefix is the URC and read-response prefix of the channel.
func (c Channel) Prefix() string {
	switch c {
	case ShortRange:
		return at.UrcCreg
	case WideAreaPacket:
		return at.UrcCgreg
	default:
		return at.UrcCereg
	}
}

// QueryCommand is the read command of the channel, e.g. "AT+CREG?".
func (c Channel) QueryCommand() string {
	return "AT" + c.Prefix()[:len(c.Prefix())-1] + "?"
}

// EnableCommand arms URC reporting with location information (mode 2).
func (c Channel) EnableCommand() string {
	return "AT" + c.Prefix()[:len(c.Prefix())-1] + "=2"
}

// ChannelFor maps a URC line or channel name to its channel.
func ChannelFor(s string) (Channel, bool) {
	for _, c := range Channels {
		if s == c.String() || (len(s) >= len(c.Prefix()) && s[:len(c.Prefix())] == c.Prefix()) {
			return c, true
		}
	}
	return 0, false
}
