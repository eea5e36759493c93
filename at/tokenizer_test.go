package at_test

import (
	"bufio"
	"strings"
	"testing"

	"i4.energy/across/cellgw/at"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Simple AT command response",
			input:    "AT+CSQ\r\n+CSQ: 15,99\r\nOK\r\n",
			expected: []string{"AT+CSQ", "+CSQ: 15,99", "OK"},
		},
		{
			name:     "AT command with error",
			input:    "AT+CPIN?\r\n+CME ERROR: 10\r\n",
			expected: []string{"AT+CPIN?", "+CME ERROR: 10"},
		},
		{
			name:     "Input prompt",
			input:    "AT+USOWR=0,5\r\n> 48656C6C6F\r\n+USOWR: 0,5\r\nOK\r\n",
			expected: []string{"AT+USOWR=0,5", "> ", "48656C6C6F", "+USOWR: 0,5", "OK"},
		},
		{
			name:     "Network registration check",
			input:    "AT+CREG?\r\n+CREG: 0,1\r\nOK\r\n",
			expected: []string{"AT+CREG?", "+CREG: 0,1", "OK"},
		},
		{
			name:     "Multiple lines of identification",
			input:    "ATI\r\nu-blox\r\nSARA-R412M\r\nOK\r\n",
			expected: []string{"ATI", "u-blox", "SARA-R412M", "OK"},
		},
		{
			name:     "URC mixed with AT response",
			input:    "AT+CSQ\r\n+UUSORD: 0,12\r\n+CSQ: 20,99\r\nOK\r\n",
			expected: []string{"AT+CSQ", "+UUSORD: 0,12", "+CSQ: 20,99", "OK"},
		},
		{
			name:     "Empty lines handling",
			input:    "\r\n\r\nAT\r\nOK\r\n\r\n",
			expected: []string{"", "", "AT", "OK", ""},
		},
		{
			name:     "Multiple URCs",
			input:    "+CEREG: 2\r\n+CGREG: 0\r\n+UUSOCL: 3\r\n",
			expected: []string{"+CEREG: 2", "+CGREG: 0", "+UUSOCL: 3"},
		},
		{
			name:     "Incomplete command at EOF",
			input:    "AT+CSQ\r\n+CSQ: 15,99",
			expected: []string{"AT+CSQ", "+CSQ: 15,99"},
		},
		{
			name:     "Response cut off mid-stream at EOF",
			input:    "AT+CSQ\r\n+CSQ: 15,99\r\nOK\r\n+UUSORD: 1,4",
			expected: []string{"AT+CSQ", "+CSQ: 15,99", "OK", "+UUSORD: 1,4"},
		},
		{
			name:     "Partial prompt at EOF",
			input:    "AT+USOWR=0,5\r\n>",
			expected: []string{"AT+USOWR=0,5", ">"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokens []string
			scanner := bufio.NewScanner(strings.NewReader(tt.input))
			scanner.Split(at.Splitter)

			for scanner.Scan() {
				tokens = append(tokens, scanner.Text())
			}

			if err := scanner.Err(); err != nil {
				t.Fatalf("Scanner error: %v", err)
			}

			if len(tokens) != len(tt.expected) {
				t.Fatalf("Expected %d tokens, got %d.\nExpected: %v\nGot: %v",
					len(tt.expected), len(tokens), tt.expected, tokens)
			}

			for i, expected := range tt.expected {
				if tokens[i] != expected {
					t.Errorf("Token %d: expected %q, got %q", i, expected, tokens[i])
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected at.ResponseType
	}{
		// Final responses
		{name: "OK response", input: "OK", expected: at.TypeFinal},
		{name: "ERROR response", input: "ERROR", expected: at.TypeFinal},
		{name: "CME Error", input: "+CME ERROR: 30", expected: at.TypeFinal},
		{name: "CMS Error", input: "+CMS ERROR: 500", expected: at.TypeFinal},
		{name: "NO CARRIER", input: "NO CARRIER", expected: at.TypeFinal},

		// URCs
		{name: "Circuit registration URC", input: "+CREG: 1", expected: at.TypeURC},
		{name: "Packet registration URC", input: `+CGREG: 5,"9E9A","019607C0",2`, expected: at.TypeURC},
		{name: "EPS registration URC", input: "+CEREG: 0", expected: at.TypeURC},
		{name: "Socket data URC", input: "+UUSORD: 0,12", expected: at.TypeURC},
		{name: "Datagram data URC", input: "+UUSORF: 1,40", expected: at.TypeURC},
		{name: "Socket closed URC", input: "+UUSOCL: 2", expected: at.TypeURC},
		{name: "PSD deactivated URC", input: "+UUPSDD: 0", expected: at.TypeURC},

		// Data responses
		{name: "AT command", input: "AT+CSQ", expected: at.TypeData},
		{name: "Signal quality response", input: "+CSQ: 15,99", expected: at.TypeData},
		{name: "PIN status", input: "+CPIN: READY", expected: at.TypeData},
		{name: "Socket create result", input: "+USOCR: 0", expected: at.TypeData},
		{name: "Socket read result", input: `+USORD: 0,5,"48656C6C6F"`, expected: at.TypeData},
		{name: "Device info", input: "u-blox", expected: at.TypeData},

		// Prompt
		{name: "Input prompt", input: "> ", expected: at.TypePrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := at.Classify(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v for input %q", tt.expected, result, tt.input)
			}
		})
	}
}

func TestResponsePrefix(t *testing.T) {
	tests := []struct {
		cmd      string
		expected string
	}{
		{cmd: "AT+CREG?", expected: "+CREG:"},
		{cmd: "AT+cgreg?", expected: "+CGREG:"},
		{cmd: " AT+CEREG? ", expected: "+CEREG:"},
		{cmd: "AT+CREG=2", expected: ""},
		{cmd: "AT+CREG=?", expected: ""},
		{cmd: "ATE0", expected: ""},
		{cmd: "AT&C1?", expected: ""},
		{cmd: "?", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			if got := at.ResponsePrefix(tt.cmd); got != tt.expected {
				t.Errorf("ResponsePrefix(%q) = %q, expected %q", tt.cmd, got, tt.expected)
			}
		})
	}
}
