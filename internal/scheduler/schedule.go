package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	logx "tabsync/pkg/logx"
)

// intervalSchedule fires every `every` from the previous activation. Unlike
// cron.Every it keeps sub-second precision. A zero interval never fires.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	if s.every <= 0 {
		return time.Time{}
	}
	return t.Add(s.every)
}

// spreadSchedule delays only the first activation so tabs opened together do
// not poll in lockstep.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

const maxSpreadFraction = 4 // jitter is at most every/4

func makeSchedule(every time.Duration, now time.Time, tag string, spread bool) cron.Schedule {
	base := intervalSchedule{every: every}
	if !spread || every <= 0 {
		return base
	}
	max := every / maxSpreadFraction
	if max <= 0 {
		return base
	}
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(fnv64a(tag))))
	jitter := time.Duration(rng.Int63n(int64(max)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// cronLogger routes cron's internal logging through logx.
type cronLogger struct {
	s *Service
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.cronErrors.Add(1)
	l.s.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
