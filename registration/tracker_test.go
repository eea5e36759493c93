package registration_test

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellgw/at"
	"i4.energy/across/cellgw/registration"
)

func ptr[T any](v T) *T { return &v }

func TestTrackerRoamingThenCleared(t *testing.T) {
	tr := registration.NewTracker(nil)
	tr.Anchor(registration.WideAreaPacket)

	var losses atomic.Int32
	tr.OnLoss(func(c registration.Channel, s registration.Status) {
		assert.Equal(t, registration.WideAreaPacket, c)
		assert.Equal(t, registration.NotRegistered, s)
		losses.Add(1)
	})

	fields, ok := at.Fields(`+CGREG: 2,5,"9E9A","019607C0",2`, at.UrcCgreg)
	require.True(t, ok)
	st, err := tr.ApplyStatusResponse(registration.WideAreaPacket, fields)
	require.NoError(t, err)
	assert.Equal(t, registration.RegisteredRoaming, st)

	cur := tr.Current()
	assert.True(t, cur.Registered)
	assert.Equal(t, registration.WideAreaPacket, cur.Channel)
	assert.Equal(t, ptr(uint16(0x9E9A)), cur.AreaCode)
	assert.Equal(t, ptr(uint32(0x019607C0)), cur.CellID)
	assert.Equal(t, ptr(uint8(2)), cur.AccessTech)

	require.NoError(t, tr.ApplyLine("+CGREG: 0"))

	cur = tr.Current()
	assert.False(t, cur.Registered)
	assert.Nil(t, cur.AreaCode)
	assert.Nil(t, tr.Channel(registration.WideAreaPacket).CellID)
	assert.Equal(t, int32(1), losses.Load())

	_, anchored := tr.Anchored()
	assert.False(t, anchored)

	// A repeated loss report does not fire again.
	require.NoError(t, tr.ApplyLine("+CGREG: 0"))
	assert.Equal(t, int32(1), losses.Load())
}

func TestTrackerLossOnlyOnAnchoredChannel(t *testing.T) {
	tr := registration.NewTracker(nil)
	var losses atomic.Int32
	tr.OnLoss(func(registration.Channel, registration.Status) { losses.Add(1) })

	require.NoError(t, tr.ApplyLine(`+CEREG: 1,"1A2B","01A2B3C4",7`))
	require.NoError(t, tr.ApplyLine(`+CREG: 1,"1A2B","0000A1B2",0`))
	tr.Anchor(registration.LongTermEvolution)

	require.NoError(t, tr.ApplyLine("+CREG: 3"))
	assert.Zero(t, losses.Load())
	assert.True(t, tr.Current().Registered)

	require.NoError(t, tr.ApplyLine("+CEREG: 3"))
	assert.Equal(t, int32(1), losses.Load())
	assert.Equal(t, registration.Denied, tr.Current().Status)
}

func TestTrackerPartialURCKeepsLocation(t *testing.T) {
	tr := registration.NewTracker(nil)

	require.NoError(t, tr.ApplyLine(`+CEREG: 1,"1A2B","01A2B3C4",7`))
	require.NoError(t, tr.ApplyLine("+CEREG: 5"))

	st := tr.Channel(registration.LongTermEvolution)
	assert.Equal(t, registration.RegisteredRoaming, st.Status)
	assert.Equal(t, ptr(uint16(0x1A2B)), st.AreaCode)
	assert.Equal(t, ptr(uint32(0x01A2B3C4)), st.CellID)
	assert.Equal(t, ptr(uint8(7)), st.AccessTech)

	// New identifiers supersede the old ones field by field.
	require.NoError(t, tr.ApplyLine(`+CEREG: 1,"FFFE",,`))
	st = tr.Channel(registration.LongTermEvolution)
	assert.Equal(t, ptr(uint16(0xFFFE)), st.AreaCode)
	assert.Equal(t, ptr(uint32(0x01A2B3C4)), st.CellID)
}

func TestTrackerRoutingAreaOnlyOnPacketChannel(t *testing.T) {
	tr := registration.NewTracker(nil)

	require.NoError(t, tr.ApplyLine(`+CGREG: 1,"9E9A","019607C0",2,"3F"`))
	assert.Equal(t, ptr(uint8(0x3F)), tr.Channel(registration.WideAreaPacket).RoutingArea)

	// EPS reject cause fields are not a routing area.
	require.NoError(t, tr.ApplyLine(`+CEREG: 1,"1A2B","01A2B3C4",7,0,15`))
	assert.Nil(t, tr.Channel(registration.LongTermEvolution).RoutingArea)
}

func TestTrackerMalformedInputIgnored(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "empty", line: "+CREG: "},
		{name: "non numeric stat", line: "+CREG: x"},
		{name: "stat out of range", line: "+CREG: 9"},
		{name: "bad area", line: `+CREG: 1,"ZZZZ","0000A1B2"`},
		{name: "area too wide", line: `+CREG: 1,"123456","0000A1B2"`},
		{name: "bad access technology", line: `+CREG: 1,"1A2B","0000A1B2",abc`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := registration.NewTracker(nil)
			require.NoError(t, tr.ApplyLine(`+CREG: 1,"1A2B","0000A1B2",0`))

			err := tr.ApplyLine(tt.line)
			assert.ErrorIs(t, err, registration.ErrMalformed)

			st := tr.Channel(registration.ShortRange)
			assert.Equal(t, registration.RegisteredHome, st.Status)
			assert.Equal(t, ptr(uint16(0x1A2B)), st.AreaCode)
		})
	}

	t.Run("short response", func(t *testing.T) {
		tr := registration.NewTracker(nil)
		_, err := tr.ApplyStatusResponse(registration.ShortRange, []string{"2"})
		assert.ErrorIs(t, err, registration.ErrMalformed)
		assert.False(t, tr.Channel(registration.ShortRange).Reported)
	})

	t.Run("unknown line", func(t *testing.T) {
		tr := registration.NewTracker(nil)
		assert.ErrorIs(t, tr.ApplyLine("+CSQ: 20,99"), registration.ErrMalformed)
	})
}

func TestTrackerChangedSignal(t *testing.T) {
	tr := registration.NewTracker(nil)

	require.NoError(t, tr.ApplyLine("+CREG: 2"))
	require.NoError(t, tr.ApplyLine("+CREG: 1"))

	select {
	case <-tr.Changed():
	default:
		t.Fatal("expected change signal")
	}
	select {
	case <-tr.Changed():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestTrackerReset(t *testing.T) {
	tr := registration.NewTracker(nil)
	tr.SetReporting(registration.ShortRange, true)
	tr.Anchor(registration.ShortRange)
	require.NoError(t, tr.ApplyLine("+CREG: 1"))

	tr.Reset()

	assert.False(t, tr.Current().Registered)
	assert.False(t, tr.Channel(registration.ShortRange).URCEnabled)
	_, anchored := tr.Anchored()
	assert.False(t, anchored)
}

// Fused connectivity must match the per-channel view after any interleaving
// of URCs and query responses.
func TestTrackerFusedProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tr := registration.NewTracker(nil)
	var latest [3]registration.Status

	for i := range 2000 {
		c := registration.Channels[rng.IntN(len(registration.Channels))]
		stat := registration.Status(rng.IntN(6))
		area := fmt.Sprintf("%04X", rng.IntN(0x10000))
		cell := fmt.Sprintf("%08X", rng.Uint32())

		var err error
		if rng.IntN(2) == 0 {
			_, err = tr.ApplyStatusResponse(c, []string{"2", fmt.Sprint(int(stat)), area, cell, "7"})
		} else {
			err = tr.ApplyURC(c, []string{fmt.Sprint(int(stat)), area, cell})
		}
		require.NoError(t, err, "step %d", i)
		latest[c] = stat

		wantRegistered := false
		var wantChannel registration.Channel
		for _, ch := range registration.Channels {
			if latest[ch].Registered() {
				wantRegistered = true
				wantChannel = ch
			}
		}

		cur := tr.Current()
		require.Equal(t, wantRegistered, cur.Registered, "step %d", i)
		if wantRegistered {
			require.Equal(t, wantChannel, cur.Channel, "step %d", i)
			require.Equal(t, latest[wantChannel], cur.Status, "step %d", i)
		}
		for _, ch := range registration.Channels {
			require.Equal(t, latest[ch], tr.Channel(ch).Status, "step %d", i)
		}
	}
}

func TestChannelCommands(t *testing.T) {
	assert.Equal(t, "AT+CREG?", registration.ShortRange.QueryCommand())
	assert.Equal(t, "AT+CGREG=2", registration.WideAreaPacket.EnableCommand())
	assert.Equal(t, "+CEREG:", registration.LongTermEvolution.Prefix())

	c, ok := registration.ChannelFor("+CGREG: 0")
	assert.True(t, ok)
	assert.Equal(t, registration.WideAreaPacket, c)

	c, ok = registration.ChannelFor("cereg")
	assert.True(t, ok)
	assert.Equal(t, registration.LongTermEvolution, c)
}
