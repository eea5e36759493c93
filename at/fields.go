package at

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Split breaks an information line such as `+CGREG: 2,5,"9E9A","019607C0",2`
// into its name ("+CGREG") and its comma separated fields. Commas inside
// double quotes do not split, and surrounding quotes are removed from each
// field. Empty fields are kept so positions stay stable.
func Split(line string) (name string, fields []string) {
	head, rest, found := strings.Cut(line, ":")
	if !found {
		return "", splitValues(line)
	}
	return strings.TrimSpace(head), splitValues(strings.TrimSpace(rest))
}

// Fields returns the fields of line after the given prefix, or false when
// the line does not carry that prefix.
func Fields(line, prefix string) ([]string, bool) {
	if !strings.HasPrefix(line, prefix) {
		return nil, false
	}
	return splitValues(strings.TrimSpace(strings.TrimPrefix(line, prefix))), true
}

// FindLine returns the first line of a multi-line response that starts
// with prefix.
func FindLine(response, prefix string) (string, bool) {
	for line := range strings.SplitSeq(response, "\n") {
		if strings.HasPrefix(line, prefix) {
			return line, true
		}
	}
	return "", false
}

// splitValues handles splitting comma-separated values, respecting quotes
func splitValues(s string) []string {
	if s == "" {
		return nil
	}

	values := make([]string, 0, 8)
	var inQuote bool
	var builder strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			values = append(values, strings.TrimSpace(builder.String()))
			builder.Reset()
		default:
			builder.WriteByte(c)
		}
	}
	values = append(values, strings.TrimSpace(builder.String()))

	return values
}

// Int parses a decimal field.
func Int(field string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, fmt.Errorf("invalid integer field %q: %w", field, err)
	}
	return v, nil
}

// HexUint parses a hexadecimal field such as a location area code or a
// cell identity, bounded to bits.
func HexUint(field string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(field), 16, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid hex field %q: %w", field, err)
	}
	return v, nil
}

// EncodeHex renders a payload for commands running in HEX data mode.
func EncodeHex(p []byte) string {
	return strings.ToUpper(hex.EncodeToString(p))
}

// DecodeHex decodes a payload received in HEX data mode.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return b, nil
}

// Quote wraps s in double quotes for use as a string command parameter.
func Quote(s string) string {
	return `"` + s + `"`
}
