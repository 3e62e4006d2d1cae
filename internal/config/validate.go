package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	logx "tabsync/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks every field that a component would otherwise reject at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	var errs []error
	dur := func(path string, raw Duration) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("sync.fast_interval", c.Sync.FastInterval)
	dur("sync.idle_interval", c.Sync.IdleInterval)
	dur("sync.min_spacing", c.Sync.MinSpacing)
	dur("sync.flush_delay", c.Sync.FlushDelay)
	if c.Sync.HiddenMultiplier < 0 {
		errs = append(errs, errors.New("sync.hidden_multiplier: must be >= 0"))
	}
	if c.Sync.HistorySize < 0 {
		errs = append(errs, errors.New("sync.history_size: must be >= 0"))
	}
	dur("activity.threshold", c.Activity.Threshold)
	dur("activity.check_interval", c.Activity.CheckInterval)
	dur("cache.ttl", c.Cache.TTL)
	dur("crosstab.broadcast_ttl", c.CrossTab.BroadcastTTL)

	switch d := strings.ToLower(strings.TrimSpace(c.Store.Driver)); d {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path: required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	dur("store.poll_interval", c.Store.PollInterval)
	dur("store.busy_timeout", c.Store.BusyTimeout)

	if raw := strings.TrimSpace(c.API.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url: %q is not an absolute URL", raw))
		}
	}
	dur("api.timeout", c.API.Timeout)

	if n := c.Notifier; n != nil {
		switch strings.ToLower(strings.TrimSpace(n.Sink)) {
		case "", "log", "json":
		default:
			errs = append(errs, fmt.Errorf("notifier.sink: unknown sink %q", n.Sink))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	dur("diag.read_timeout", c.Diag.ReadTimeout)
	dur("diag.write_timeout", c.Diag.WriteTimeout)
	dur("diag.idle_timeout", c.Diag.IdleTimeout)

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
