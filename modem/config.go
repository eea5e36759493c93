package modem

import (
	"log/slog"
	"time"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

type Config struct {
	Dialer Dialer
	// MinCommandInterval is the quiet time the Loop keeps between the final
	// result of one command and the write of the next one.
	MinCommandInterval time.Duration
	// ATTimeout bounds a command whose context carries no deadline.
	ATTimeout time.Duration
	// URCBuffer is the capacity of each subscription channel.
	URCBuffer int
	Logger    *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.URCBuffer == 0 {
		c.URCBuffer = 32
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithMinCommandInterval(d time.Duration) *ConfigBuilder {
	b.config.MinCommandInterval = d
	return b
}

func (b *ConfigBuilder) WithURCBuffer(n int) *ConfigBuilder {
	b.config.URCBuffer = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build applies defaults and validates the configuration.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
