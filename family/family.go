// Package family holds the static per-module configuration the driver
// consumes: AT dialect variants, socket limits, payload chunk sizes and
// timing quirks of each supported u-blox module family.
package family

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed families.yaml
var builtin []byte

// Activation selects how a packet data session is brought up.
type Activation string

const (
	// ActivationUPSD links a PSD profile to the context (+UPSD/+UPSDA).
	ActivationUPSD Activation = "upsd"
	// ActivationCGACT activates the PDP context directly (+CGACT).
	ActivationCGACT Activation = "cgact"
)

// Family describes one module family.
type Family struct {
	Name string `yaml:"name"`

	// MaxSockets is the size of the native socket id pool (ids 0..MaxSockets-1).
	MaxSockets int `yaml:"max_sockets"`
	// IngressChunk is the largest read requested per +USORD/+USORF.
	IngressChunk int `yaml:"ingress_chunk"`
	// EgressChunk is the largest payload written per +USOWR/+USOST.
	EgressChunk int `yaml:"egress_chunk"`

	BootWait     time.Duration `yaml:"boot_wait"`
	CommandDelay time.Duration `yaml:"command_delay"`
	// RadioOffCFUN is the +CFUN mode used to switch the radio off: 0 for
	// minimum functionality, 4 for airplane mode.
	RadioOffCFUN int `yaml:"radio_off_cfun"`
	// SocketGrace is how long a released native id stays out of the pool.
	SocketGrace    time.Duration `yaml:"socket_grace"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Activation Activation `yaml:"activation"`
	// Registration lists the reporting channels the family supports, any of
	// "creg", "cgreg", "cereg".
	Registration []string `yaml:"registration"`
	// Configure is the ordered configuration sequence run during bring-up.
	Configure []string `yaml:"configure"`
}

// Table is a set of families keyed by name.
type Table struct {
	families map[string]Family
}

type document struct {
	Defaults yaml.Node   `yaml:"defaults"`
	Families []yaml.Node `yaml:"families"`
}

var (
	// ErrUnknownFamily is returned by Lookup for a name not in the table.
	ErrUnknownFamily = errors.New("unknown module family")
	// ErrInvalidFamily is returned when a family entry fails validation.
	ErrInvalidFamily = errors.New("invalid module family")
)

// Default returns the table compiled into the binary.
func Default() *Table {
	t, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("family: builtin table: %v", err))
	}
	return t
}

// Load reads a table from a YAML file. Entries in the file are merged over
// the builtin table, so a file only needs to name what it changes or adds.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read family table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	base := Default()
	for name, f := range t.families {
		base.families[name] = f
	}
	return base, nil
}

// Parse decodes a table. Every family starts from the document's defaults
// and overrides only the keys it sets.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var defaults Family
	if !doc.Defaults.IsZero() {
		if err := doc.Defaults.Decode(&defaults); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
	}

	t := &Table{families: make(map[string]Family, len(doc.Families))}
	for i := range doc.Families {
		f := defaults
		if err := doc.Families[i].Decode(&f); err != nil {
			return nil, fmt.Errorf("family %d: %w", i, err)
		}
		f.Name = strings.ToLower(strings.TrimSpace(f.Name))
		if err := f.Validate(); err != nil {
			return nil, err
		}
		t.families[f.Name] = f
	}
	return t, nil
}

// Lookup returns the family registered under name (case-insensitive).
func (t *Table) Lookup(name string) (Family, error) {
	f, ok := t.families[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Family{}, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	return f, nil
}

// Names lists the known families in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.families))
	for name := range t.families {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks the invariants the driver relies on.
func (f Family) Validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidFamily)
	case f.MaxSockets <= 0 || f.MaxSockets > 255:
		return fmt.Errorf("%w: %s: max_sockets %d out of range", ErrInvalidFamily, f.Name, f.MaxSockets)
	case f.IngressChunk <= 0 || f.EgressChunk <= 0:
		return fmt.Errorf("%w: %s: chunk sizes must be positive", ErrInvalidFamily, f.Name)
	case f.RadioOffCFUN != 0 && f.RadioOffCFUN != 4:
		return fmt.Errorf("%w: %s: radio_off_cfun must be 0 or 4", ErrInvalidFamily, f.Name)
	case f.Activation != ActivationUPSD && f.Activation != ActivationCGACT:
		return fmt.Errorf("%w: %s: unknown activation %q", ErrInvalidFamily, f.Name, f.Activation)
	case len(f.Registration) == 0:
		return fmt.Errorf("%w: %s: no registration channel", ErrInvalidFamily, f.Name)
	}
	for _, r := range f.Registration {
		switch r {
		case "creg", "cgreg", "cereg":
		default:
			return fmt.Errorf("%w: %s: unknown registration channel %q", ErrInvalidFamily, f.Name, r)
		}
	}
	return nil
}

// Reports reports whether the family supports the named registration
// channel ("creg", "cgreg" or "cereg").
func (f Family) Reports(channel string) bool {
	return slices.Contains(f.Registration, channel)
}
