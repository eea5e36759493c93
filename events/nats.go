package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the first token of every published subject.
const DefaultSubjectPrefix = "cellular"

// NATSConfig describes the broker connection.
type NATSConfig struct {
	URL               string
	Name              string
	Username          string
	Password          string
	SubjectPrefix     string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "cellgw"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON on "<prefix>.<session>.<kind>".
type NATSPublisher struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to the broker and returns a publisher owning the
// connection.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	cfg.setDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: url is required")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.nc = nc
	return p, nil
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "nats"),
	}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.Session, e.Kind)
}

func (p *NATSPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event", "kind", e.Kind, "error", err)
		return
	}
	subject := p.Subject(e)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// Close drains and closes the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
