package notifier

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	logx "tabsync/pkg/logx"
)

// LogSink writes toasts to the log.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Show(_ context.Context, t Toast) error {
	s.Log.Info("toast", logx.String("level", string(t.Level)), logx.String("text", t.Text))
	return nil
}

// JSONSink writes one JSON object per toast, for a host reading the process
// output.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Show(_ context.Context, t Toast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(struct {
		Kind string `json:"kind"`
		Toast
	}{Kind: "toast", Toast: t})
}
