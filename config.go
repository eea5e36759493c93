package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellgw/device"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the status API listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int
	// ModemAddress reaches the module over TCP instead of the serial port
	// (e.g. a ser2net bridge at "10.0.0.5:2000")
	ModemAddress string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// SimPIN is the SIM card PIN code
	SimPIN string

	// Family names the module family, e.g. "sara-r5"
	Family string
	// FamilyFile optionally extends the builtin family table
	FamilyFile string

	APN         string
	APNUser     string
	APNPassword string
	// APNAuth is one of "none", "pap", "chap" or "auto"
	APNAuth string

	// ATTimeout bounds a single AT command
	ATTimeout time.Duration
	// AutoConnect brings the data session up at start and after a failed
	// recovery
	AutoConnect bool

	// NATSURL enables publishing of device events when set
	NATSURL string
	// NATSSubjectPrefix is the first token of published subjects
	NATSSubjectPrefix string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.Family = "sara-r5"
		c.APNAuth = "auto"
		c.ATTimeout = 5 * time.Second
		c.AutoConnect = true
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if addr := os.Getenv("MODEM_ADDRESS"); addr != "" {
			c.ModemAddress = addr
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if fam := os.Getenv("MODULE_FAMILY"); fam != "" {
			c.Family = fam
		}

		if file := os.Getenv("FAMILY_FILE"); file != "" {
			c.FamilyFile = file
		}

		if apn := os.Getenv("APN"); apn != "" {
			c.APN = apn
		}

		if user := os.Getenv("APN_USER"); user != "" {
			c.APNUser = user
		}

		if pass := os.Getenv("APN_PASSWORD"); pass != "" {
			c.APNPassword = pass
		}

		if auth := os.Getenv("APN_AUTH"); auth != "" {
			c.APNAuth = auth
		}

		if timeout := os.Getenv("AT_TIMEOUT"); timeout != "" {
			if d, err := time.ParseDuration(timeout); err == nil {
				c.ATTimeout = d
			}
		}

		if auto := os.Getenv("AUTO_CONNECT"); auto != "" {
			if b, err := strconv.ParseBool(auto); err == nil {
				c.AutoConnect = b
			}
		}

		if url := os.Getenv("NATS_URL"); url != "" {
			c.NATSURL = url
		}

		if prefix := os.Getenv("NATS_SUBJECT_PREFIX"); prefix != "" {
			c.NATSSubjectPrefix = prefix
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, perr := strconv.Atoi(f.Value.String()); perr == nil {
					c.BaudRate = b
				}
			case "modem-address":
				c.ModemAddress = f.Value.String()
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "family":
				c.Family = f.Value.String()
			case "family-file":
				c.FamilyFile = f.Value.String()
			case "apn":
				c.APN = f.Value.String()
			case "apn-user":
				c.APNUser = f.Value.String()
			case "apn-password":
				c.APNPassword = f.Value.String()
			case "apn-auth":
				c.APNAuth = f.Value.String()
			case "at-timeout":
				d, perr := time.ParseDuration(f.Value.String())
				if perr != nil {
					err = fmt.Errorf("invalid -at-timeout: %w", perr)
					return
				}
				c.ATTimeout = d
			case "auto-connect":
				if b, perr := strconv.ParseBool(f.Value.String()); perr == nil {
					c.AutoConnect = b
				}
			case "nats-url":
				c.NATSURL = f.Value.String()
			case "nats-subject-prefix":
				c.NATSSubjectPrefix = f.Value.String()
			}
		})
		return err
	}
}

// Auth maps APNAuth onto the device setting.
func (c *Config) Auth() (device.Auth, error) {
	switch strings.ToLower(c.APNAuth) {
	case "none":
		return device.AuthNone, nil
	case "pap":
		return device.AuthPAP, nil
	case "chap":
		return device.AuthCHAP, nil
	case "auto", "":
		return device.AuthAuto, nil
	default:
		return 0, fmt.Errorf("unknown apn auth %q", c.APNAuth)
	}
}
