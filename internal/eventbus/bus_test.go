package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tabsync/pkg/logx"
)

type recordingBroadcaster struct {
	events []Event
	err    error
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestEmitSkipsSourceOwner(t *testing.T) {
	b := New(logx.Nop())

	var got []string
	b.On("task_updated", func(e Event) error { got = append(got, "backlog"); return nil }, "backlog")
	b.On("task_updated", func(e Event) error { got = append(got, "sprints"); return nil }, "sprints")
	b.On("task_updated", func(e Event) error { got = append(got, "dashboard"); return nil }, "dashboard")

	require.NoError(t, b.Emit(context.Background(), "task_updated", map[string]int{"taskId": 42}, "backlog"))
	assert.Equal(t, []string{"sprints", "dashboard"}, got)
}

func TestOnTwiceInvokesTwiceInOrder(t *testing.T) {
	b := New(logx.Nop())

	var calls []int
	b.On("x", func(Event) error { calls = append(calls, 1); return nil }, "a")
	b.On("x", func(Event) error { calls = append(calls, 2); return nil }, "a")
	b.On("x", func(Event) error { calls = append(calls, 3); return nil }, "b")

	require.NoError(t, b.Emit(context.Background(), "x", nil, "other"))
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestOffRemovesOnlyOwner(t *testing.T) {
	b := New(logx.Nop())

	var calls []string
	b.On("x", func(Event) error { calls = append(calls, "a"); return nil }, "a")
	b.On("x", func(Event) error { calls = append(calls, "a2"); return nil }, "a")
	b.On("x", func(Event) error { calls = append(calls, "b"); return nil }, "b")
	b.Off("x", "a")
	b.Off("x", "missing")
	b.Off("nothing", "a")

	require.NoError(t, b.Emit(context.Background(), "x", nil, "src"))
	assert.Equal(t, []string{"b"}, calls)
	assert.Equal(t, 1, b.Count())
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	b := New(logx.Nop())

	ran := 0
	b.On("x", func(Event) error { panic("boom") }, "a")
	b.On("x", func(Event) error { return errors.New("nope") }, "b")
	b.On("x", func(Event) error { ran++; return nil }, "c")

	require.NoError(t, b.Emit(context.Background(), "x", nil, "src"))
	assert.Equal(t, 1, ran)

	c := b.Counters()
	assert.EqualValues(t, 1, c.HandlerPanics)
	assert.EqualValues(t, 1, c.HandlerErrors)
	assert.EqualValues(t, 3, c.Delivered)
}

func TestEmitBroadcastsBeforeLocalDelivery(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	b := New(logx.Nop(), WithClock(func() time.Time { return now }))
	bc := &recordingBroadcaster{err: errors.New("quota exceeded")}
	b.SetBroadcaster(bc)

	var seen Event
	b.On("task_updated", func(e Event) error {
		require.Len(t, bc.events, 1, "broadcast must happen before local delivery")
		seen = e
		return nil
	}, "sprints")

	require.NoError(t, b.Emit(context.Background(), "task_updated", map[string]int{"taskId": 42}, "backlog"))

	assert.Equal(t, "backlog", seen.Source)
	assert.Equal(t, now.UnixMilli(), seen.Timestamp)
	assert.False(t, seen.Remote)

	var p struct {
		TaskID int `json:"taskId"`
	}
	require.NoError(t, seen.Decode(&p))
	assert.Equal(t, 42, p.TaskID)

	// transport failure is swallowed but counted
	assert.EqualValues(t, 1, b.Counters().BroadcastErrors)
}

func TestDispatchDoesNotBroadcast(t *testing.T) {
	b := New(logx.Nop())
	bc := &recordingBroadcaster{}
	b.SetBroadcaster(bc)

	var remote bool
	b.On("sync.completed", func(e Event) error { remote = e.Remote; return nil }, "runtime")
	b.Dispatch(Event{Type: "sync.completed", Source: "backlog", Remote: true})

	assert.True(t, remote)
	assert.Empty(t, bc.events)
}

func TestWildcardSeesEverything(t *testing.T) {
	b := New(logx.Nop())

	var types []string
	b.On(Wildcard, func(e Event) error { types = append(types, e.Type); return nil }, "diag")
	require.NoError(t, b.Emit(context.Background(), "a", nil, "m"))
	b.Dispatch(Event{Type: "b", Source: "m"})
	assert.Equal(t, []string{"a", "b"}, types)
}

func TestEmitRejectsInvalidRawPayload(t *testing.T) {
	b := New(logx.Nop())
	var calls int
	b.On("x", func(Event) error { calls++; return nil }, "t")

	require.Error(t, b.Emit(context.Background(), "x", []byte("{not json"), "m"))
	require.Error(t, b.Emit(context.Background(), "x", json.RawMessage(`{"taskId":`), "m"))
	assert.EqualValues(t, 0, b.Counters().Emitted)
	assert.Zero(t, calls)

	require.NoError(t, b.Emit(context.Background(), "x", json.RawMessage(`{"taskId":1}`), "m"))
	assert.Equal(t, 1, calls)
}
