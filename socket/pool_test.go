package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPoolGrace(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	p := newPool(2, 2*time.Second, clock.now)

	require.NoError(t, p.claim(0, 1))
	require.NoError(t, p.claim(1, 2))
	assert.False(t, p.available())
	assert.Equal(t, 2, p.inUse())

	h, ok := p.owner(1)
	require.True(t, ok)
	assert.Equal(t, Handle(2), h)

	p.release(1)
	_, ok = p.owner(1)
	assert.False(t, ok)
	assert.False(t, p.available(), "released id must wait for the grace window")
	assert.True(t, p.inGrace(1))

	clock.advance(time.Second)
	assert.False(t, p.available())

	clock.advance(time.Second)
	assert.True(t, p.available())
	assert.False(t, p.inGrace(1))
	assert.NoError(t, p.claim(1, 3))
}

func TestPoolClaimDuringGrace(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	p := newPool(2, 2*time.Second, clock.now)

	require.NoError(t, p.claim(0, 1))
	p.release(0)
	require.True(t, p.inGrace(0))

	// The module handing the id out again means it is done with the old socket.
	require.NoError(t, p.claim(0, 2))
	assert.False(t, p.inGrace(0))
	h, ok := p.owner(0)
	require.True(t, ok)
	assert.Equal(t, Handle(2), h)

	p.release(0)
	assert.True(t, p.inGrace(0), "a new release starts a fresh grace window")
}

func TestPoolClaimRejects(t *testing.T) {
	p := newPool(3, 0, time.Now)

	tests := []struct {
		name string
		id   int
	}{
		{"negative", -1},
		{"beyond pool", 3},
		{"owned", 0},
	}

	require.NoError(t, p.claim(0, 1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, p.claim(tt.id, 9))
		})
	}

	h, _ := p.owner(0)
	assert.Equal(t, Handle(1), h, "failed claims must not steal an id")
}

func TestPoolReleaseUnknown(t *testing.T) {
	p := newPool(2, time.Second, time.Now)
	p.release(1)
	p.release(5)
	assert.True(t, p.usable(1), "releasing a free id must not start a grace window")
	assert.Equal(t, 0, p.inUse())
}
