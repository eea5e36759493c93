package modem_test

import (
	"sync"

	"i4.energy/across/cellgw/modem"
)

// ScriptBuilder assembles the answers of a scripted module for a
// modem.TestTransport. Commands without an answer get no reply at all,
// which lets tests exercise command timeouts.
type ScriptBuilder struct {
	mu      sync.Mutex
	answers map[string][]string
}

func NewScript() *ScriptBuilder {
	return &ScriptBuilder{answers: map[string][]string{}}
}

// On queues an answer for cmd. Several answers for the same command are
// used in order; the last one repeats.
func (b *ScriptBuilder) On(cmd, answer string) *ScriptBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers[cmd] = append(b.answers[cmd], answer)
	return b
}

func (b *ScriptBuilder) OK(cmd string) *ScriptBuilder {
	return b.On(cmd, "OK\r\n")
}

func (b *ScriptBuilder) Responder() func(string) string {
	return func(cmd string) string {
		b.mu.Lock()
		defer b.mu.Unlock()
		queue := b.answers[cmd]
		if len(queue) == 0 {
			return ""
		}
		answer := queue[0]
		if len(queue) > 1 {
			b.answers[cmd] = queue[1:]
		}
		return answer
	}
}

// Transport returns a TestTransport answering with this script.
func (b *ScriptBuilder) Transport() *modem.TestTransport {
	tt := modem.NewTestTransport()
	tt.Responder = b.Responder()
	return tt
}
