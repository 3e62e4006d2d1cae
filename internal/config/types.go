package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m") or integer
// milliseconds. Omitted durations take the component defaults.
type Config struct {
	Tab      TabConfig       `json:"tab"`
	Sync     SyncConfig      `json:"sync"`
	Activity ActivityConfig  `json:"activity"`
	Cache    CacheConfig     `json:"cache"`
	CrossTab CrossTabConfig  `json:"crosstab"`
	Store    StoreConfig     `json:"store"`
	API      APIConfig       `json:"api"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Diag     DiagConfig      `json:"diag,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
}

// TabConfig identifies this tab. ModuleID may change on hot reload (page
// navigation); an empty id gets a random one at startup.
type TabConfig struct {
	ModuleID string `json:"module_id"`
}

// SyncConfig controls the scheduler.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - fast_interval: "5s"
//   - idle_interval: "30s"
//   - hidden_multiplier: 4
//   - min_spacing: "3s"
//   - flush_delay: "1.5s"
//   - history_size: 50
type SyncConfig struct {
	Enabled           *bool    `json:"enabled,omitempty"`
	FastInterval      Duration `json:"fast_interval,omitempty"`
	IdleInterval      Duration `json:"idle_interval,omitempty"`
	HiddenMultiplier  int      `json:"hidden_multiplier,omitempty"`
	SuspendWhenHidden bool     `json:"suspend_when_hidden,omitempty"`
	MinSpacing        Duration `json:"min_spacing,omitempty"`
	FlushDelay        Duration `json:"flush_delay,omitempty"`
	// Poll re-syncs every module on each tick, queued or not.
	Poll        bool `json:"poll,omitempty"`
	HistorySize int  `json:"history_size,omitempty"`
}

// IsEnabled reports the effective flag.
func (s SyncConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type ActivityConfig struct {
	Threshold     Duration `json:"threshold,omitempty"`      // default "60s"
	CheckInterval Duration `json:"check_interval,omitempty"` // default "30s"
}

type CacheConfig struct {
	TTL Duration `json:"ttl,omitempty"` // default "10s"
}

type CrossTabConfig struct {
	BroadcastTTL Duration `json:"broadcast_ttl,omitempty"` // default "3s"
}

// StoreConfig selects the shared store the tabs broadcast through.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./tabsync.db" }
//
// Changing the store requires a restart.
type StoreConfig struct {
	Driver       string   `json:"driver"` // memory | file | sqlite | none
	Path         string   `json:"path,omitempty"`
	PollInterval Duration `json:"poll_interval,omitempty"` // sqlite
	BusyTimeout  Duration `json:"busy_timeout,omitempty"`  // sqlite
}

// APIConfig points the module adapters at the remote API. An empty base URL
// leaves the modules unregistered.
type APIConfig struct {
	BaseURL string   `json:"base_url"`
	Timeout Duration `json:"timeout,omitempty"`
}

// NotifierConfig controls on-page toasts.
//
// If the whole section is omitted, toasts are enabled and written to the log.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Sink            string   `json:"sink,omitempty"` // log | json
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	DedupWindow     Duration `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	HistorySize     int      `json:"history_size,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (/stats, /events, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile and /events work.
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// LoggingConfig: stderr is human-readable when Console is set and JSON
// otherwise; it is skipped only when a file sink is enabled without Console.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
