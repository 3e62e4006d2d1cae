package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tabsync/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Tab.ModuleID) != strings.TrimSpace(newCfg.Tab.ModuleID) {
		changed = append(changed, "tab")
		attrs = append(attrs, logx.String("tab.module_id", newCfg.Tab.ModuleID))
	}

	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.Bool("sync.enabled", newCfg.Sync.IsEnabled()),
			logx.String("sync.fast_interval", newCfg.Sync.FastInterval.String()),
			logx.String("sync.idle_interval", newCfg.Sync.IdleInterval.String()),
			logx.String("sync.min_spacing", newCfg.Sync.MinSpacing.String()),
		)
	}

	if oldCfg.Activity != newCfg.Activity {
		changed = append(changed, "activity")
		attrs = append(attrs, logx.String("activity.threshold", newCfg.Activity.Threshold.String()))
	}
	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.ttl", newCfg.Cache.TTL.String()))
	}
	if oldCfg.CrossTab != newCfg.CrossTab {
		changed = append(changed, "crosstab")
		attrs = append(attrs, logx.String("crosstab.broadcast_ttl", newCfg.CrossTab.BroadcastTTL.String()))
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}
	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs, logx.Bool("api.base_url_set", strings.TrimSpace(newCfg.API.BaseURL) != ""))
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier == nil || nn.Enabled),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	// Diag (never log token)
	od, nd := oldCfg.Diag, newCfg.Diag
	od.Token, nd.Token = tokenMarker(od.Token), tokenMarker(nd.Token)
	if od != nd || oldCfg.Diag.Token != newCfg.Diag.Token {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Store != newCfg.Store {
		out = append(out, "store")
	}
	if oldCfg.API != newCfg.API {
		out = append(out, "api")
	}
	if oldCfg.Sync.Poll != newCfg.Sync.Poll {
		out = append(out, "sync.poll")
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
