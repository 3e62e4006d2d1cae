package app

import (
	"fmt"
	"strings"
	"time"

	"tabsync/internal/config"
	"tabsync/internal/notifier"
	"tabsync/internal/observability/diag"
	"tabsync/internal/scheduler"
	"tabsync/internal/storage"
	"tabsync/internal/syncrt"
	logx "tabsync/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false for driver "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	poll, err := config.ParseDurationField("store.poll_interval", sc.PollInterval)
	if err != nil {
		return storage.Config{}, false, err
	}
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		PollInterval: poll,
		BusyTimeout:  busy,
	}, true, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	d := scheduler.DefaultConfig()
	s := cfg.Sync
	var err error
	out := scheduler.Config{
		Enabled:           s.IsEnabled(),
		HiddenMultiplier:  s.HiddenMultiplier,
		SuspendWhenHidden: s.SuspendWhenHidden,
		HistorySize:       s.HistorySize,
	}
	if out.FastInterval, err = config.ParseDurationOrDefault("sync.fast_interval", s.FastInterval, d.FastInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.IdleInterval, err = config.ParseDurationOrDefault("sync.idle_interval", s.IdleInterval, d.IdleInterval); err != nil {
		return scheduler.Config{}, err
	}
	// An explicit "0s" disables spacing; omitted keeps the default.
	out.MinSpacing = d.MinSpacing
	if strings.TrimSpace(s.MinSpacing.String()) != "" {
		if out.MinSpacing, err = config.ParseDurationField("sync.min_spacing", s.MinSpacing); err != nil {
			return scheduler.Config{}, err
		}
	}
	if out.FlushDelay, err = config.ParseDurationOrDefault("sync.flush_delay", s.FlushDelay, d.FlushDelay); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig applies defaults. An omitted section means enabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.NotifierConfig{Enabled: true}
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		HistorySize:     nc.HistorySize,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 200*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 2*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 5*time.Second); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	out := diag.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		PprofPrefix:          dc.PprofPrefix,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("diag.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return diag.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("diag.write_timeout", dc.WriteTimeout); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("diag.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return diag.Config{}, err
	}
	return out, nil
}

// mapRuntimeConfig builds the tab configuration. Modules and routes keep
// their defaults.
func mapRuntimeConfig(cfg *config.Config) (syncrt.Config, error) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return syncrt.Config{}, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return syncrt.Config{}, err
	}
	out := syncrt.Config{
		ModuleID:   strings.TrimSpace(cfg.Tab.ModuleID),
		Scheduler:  sc,
		Poll:       cfg.Sync.Poll,
		APIBaseURL: strings.TrimSpace(cfg.API.BaseURL),
		Notifier:   nc,
	}
	fields := []struct {
		path string
		raw  config.Duration
		dst  *time.Duration
	}{
		{"activity.threshold", cfg.Activity.Threshold, &out.Activity.Threshold},
		{"activity.check_interval", cfg.Activity.CheckInterval, &out.Activity.CheckInterval},
		{"cache.ttl", cfg.Cache.TTL, &out.CacheTTL},
		{"crosstab.broadcast_ttl", cfg.CrossTab.BroadcastTTL, &out.BroadcastTTL},
		{"api.timeout", cfg.API.Timeout, &out.APITimeout},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return syncrt.Config{}, err
		}
		*f.dst = d
	}
	if out.APITimeout == 0 {
		out.APITimeout = 10 * time.Second
	}
	return out, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "visible":
		return true, nil
	case "0", "false", "no", "off", "hidden":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}
