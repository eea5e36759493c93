package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the data input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// command echoes come through as ordinary data lines.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match input prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

var urcPrefixes = []string{
	UrcCreg,
	UrcCgreg,
	UrcCereg,
	UrcSocketData,
	UrcDatagramData,
	UrcSocketClosed,
	UrcPsdActivated,
	UrcPsdDeactivated,
}

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case IsURC(line):
		return TypeURC
	default:
		return TypeData
	}
}

// IsURC reports whether line starts with one of the known unsolicited
// result code prefixes.
func IsURC(line string) bool {
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// ResponsePrefix returns the information response prefix a read command
// elicits, e.g. "+CREG:" for "AT+CREG?". It returns an empty string for
// anything that is not a read command.
//
// Registration read commands answer with the same prefix their URCs use,
// so the transport needs this to keep such answers with the command.
func ResponsePrefix(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if !strings.HasSuffix(cmd, "?") || strings.HasSuffix(cmd, "=?") {
		return ""
	}
	name := strings.TrimSuffix(cmd, "?")
	if len(name) < 3 || !strings.EqualFold(name[:2], "AT") {
		return ""
	}
	name = name[2:]
	if !strings.HasPrefix(name, "+") {
		return ""
	}
	return strings.ToUpper(name) + ":"
}
