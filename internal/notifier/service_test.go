package notifier

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/eventbus"
	logx "tabsync/pkg/logx"
)

type recordingSink struct {
	mu    sync.Mutex
	shown []Toast
	fail  int
}

func (r *recordingSink) Show(_ context.Context, t Toast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("sink unavailable")
	}
	r.shown = append(r.shown, t)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown)
}

type recordingPub struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPub) Dispatch(e eventbus.Event) {
	p.mu.Lock()
	p.events = append(p.events, e.Type)
	p.mu.Unlock()
}

func (p *recordingPub) has(typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == typ {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
		HistorySize:   2,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDeliversAndRecordsHistory(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPub{}
	s := New(testConfig(), sink, logx.Nop(), pub)
	s.Start(context.Background())

	for _, text := range []string{"Tasks updated", "Sprints updated", "Dashboard updated"} {
		require.NoError(t, s.Notify(context.Background(), Toast{Level: LevelSuccess, Text: text}))
	}
	stop(t, s)

	assert.Equal(t, 3, sink.count())
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, "Dashboard updated", h[1].Text)
	assert.Equal(t, uint64(3), s.Stats().Shown)
	assert.True(t, pub.has("toast.queued"))
	assert.True(t, pub.has("toast.shown"))
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPub{}
	s := New(testConfig(), sink, logx.Nop(), pub)
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), Toast{Level: LevelError, Text: "Tasks refresh failed"}))
	require.NoError(t, s.Notify(context.Background(), Toast{Level: LevelError, Text: "Tasks refresh failed"}))
	// Same text at another level is a different toast.
	require.NoError(t, s.Notify(context.Background(), Toast{Level: LevelWarn, Text: "Tasks refresh failed"}))
	stop(t, s)

	assert.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(1), s.Stats().Deduped)
	assert.True(t, pub.has("toast.deduped"))
}

func TestNotifyRetriesThenFails(t *testing.T) {
	sink := &recordingSink{fail: 2}
	s := New(testConfig(), sink, logx.Nop(), nil)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Toast{Text: "retried"}))
	stop(t, s)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(0), s.Stats().Failed)

	sink = &recordingSink{fail: 10}
	pub := &recordingPub{}
	s = New(testConfig(), sink, logx.Nop(), pub)
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Toast{Text: "lost"}))
	stop(t, s)
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, uint64(1), s.Stats().Failed)
	assert.True(t, pub.has("toast.failed"))
}

func TestNotifyStateErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingSink{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Toast{Text: "x"}), ErrDisabled)

	s = New(testConfig(), &recordingSink{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Toast{Text: "x"}), ErrStopped)
	assert.NoError(t, s.Notify(context.Background(), Toast{Text: "   "}))
}

func TestToastMapsLevel(t *testing.T) {
	sink := &recordingSink{}
	s := New(testConfig(), sink, logx.Nop(), nil)
	s.Start(context.Background())
	s.Toast(context.Background(), "success", "Tasks updated")
	stop(t, s)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, LevelSuccess, sink.shown[0].Level)
}

func TestJSONSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONSink(&buf)
	require.NoError(t, sink.Show(context.Background(), Toast{Level: LevelInfo, Text: "hello"}))
	require.NoError(t, sink.Show(context.Background(), Toast{Level: LevelError, Text: "bye"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"kind":"toast","level":"info","text":"hello"}`, lines[0])
}
