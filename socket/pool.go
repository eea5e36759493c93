package socket

import (
	"fmt"
	"time"
)

// pool is the fixed arena of native socket ids. A released id does not count
// as available until the grace window has passed, so URCs still in flight for
// the old socket are dropped instead of reaching a new one. The module picks
// ids itself though: when it hands out an id that is still in grace it has
// finished with the old socket, and claim accepts it. It is not safe for
// concurrent use; the Manager guards it.
type pool struct {
	slots []slot
	grace time.Duration
	now   func() time.Time
}

type slot struct {
	inUse      bool
	owner      Handle
	releasedAt time.Time
}

func newPool(size int, grace time.Duration, now func() time.Time) *pool {
	return &pool{
		slots: make([]slot, size),
		grace: grace,
		now:   now,
	}
}

func (p *pool) usable(i int) bool {
	s := p.slots[i]
	if s.inUse {
		return false
	}
	return s.releasedAt.IsZero() || p.now().Sub(s.releasedAt) >= p.grace
}

// available reports whether at least one id can be claimed.
func (p *pool) available() bool {
	for i := range p.slots {
		if p.usable(i) {
			return true
		}
	}
	return false
}

// inGrace reports whether id was released less than the grace window ago.
func (p *pool) inGrace(id int) bool {
	if id < 0 || id >= len(p.slots) || p.slots[id].inUse {
		return false
	}
	return !p.usable(id)
}

// claim assigns id to h, cutting short any grace window left on it.
func (p *pool) claim(id int, h Handle) error {
	switch {
	case id < 0 || id >= len(p.slots):
		return fmt.Errorf("native id %d outside pool of %d", id, len(p.slots))
	case p.slots[id].inUse:
		return fmt.Errorf("native id %d already owned by socket %d", id, p.slots[id].owner)
	}
	p.slots[id] = slot{inUse: true, owner: h}
	return nil
}

// release frees id and starts its grace window.
func (p *pool) release(id int) {
	if id < 0 || id >= len(p.slots) || !p.slots[id].inUse {
		return
	}
	p.slots[id] = slot{releasedAt: p.now()}
}

// owner returns the socket holding id.
func (p *pool) owner(id int) (Handle, bool) {
	if id < 0 || id >= len(p.slots) || !p.slots[id].inUse {
		return 0, false
	}
	return p.slots[id].owner, true
}

func (p *pool) inUse() int {
	n := 0
	for _, s := range p.slots {
		if s.inUse {
			n++
		}
	}
	return n
}
