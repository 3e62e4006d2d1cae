package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tabsync/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestActivityThreshold(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := New(Config{Threshold: time.Minute}, logx.Nop(), WithClock(c.now))

	var trans []State
	m.OnTransition(func(_, next State) { trans = append(trans, next) })

	require.True(t, m.State().Active)

	c.advance(59 * time.Second)
	m.Check()
	assert.True(t, m.State().Active)
	assert.Empty(t, trans)

	c.advance(2 * time.Second)
	m.Check()
	assert.False(t, m.State().Active)
	require.Len(t, trans, 1)

	// any signal flips back immediately, without waiting for Check
	m.Record(Pointer)
	assert.True(t, m.State().Active)
	require.Len(t, trans, 2)
	assert.Equal(t, c.t, m.State().LastActivity)

	// repeated activity while already active is not a transition
	m.Record(Key)
	assert.Len(t, trans, 2)
	assert.EqualValues(t, 1, m.Signals()[Key])
}

func TestVisibilityTransitions(t *testing.T) {
	m := New(Config{}, logx.Nop())

	type pair struct{ prev, next bool }
	var got []pair
	m.OnTransition(func(prev, next State) { got = append(got, pair{prev.Visible, next.Visible}) })

	m.SetVisible(true) // no change
	m.SetVisible(false)
	m.SetVisible(false)
	m.SetVisible(true)

	assert.Equal(t, []pair{{true, false}, {false, true}}, got)
}

func TestParseSignal(t *testing.T) {
	s, ok := ParseSignal(" MouseMove ")
	require.True(t, ok)
	assert.Equal(t, Pointer, s)

	_, ok = ParseSignal("resize")
	assert.False(t, ok)
}
