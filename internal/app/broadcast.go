package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabsync/internal/config"
	"tabsync/internal/crosstab"
	"tabsync/internal/eventbus"
	"tabsync/internal/storage"
	logx "tabsync/pkg/logx"
)

var ErrNoSharedStore = errors.New("no shared store configured")

// Broadcast publishes one event to the tabs sharing the configured store
// without starting a tab. The entry stays visible for the broadcast TTL and
// is then removed.
func Broadcast(ctx context.Context, cfgPath, eventType string, payload json.RawMessage, source string, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	switch sc.Driver {
	case "", "memory":
		enabled = false
	}
	if !enabled {
		return fmt.Errorf("store.driver %q: %w", cfg.Store.Driver, ErrNoSharedStore)
	}
	ttl, err := config.ParseDurationOrDefault("crosstab.broadcast_ttl", cfg.CrossTab.BroadcastTTL, crosstab.DefaultTTL)
	if err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		source = "cli"
	}

	store, err := storage.Open(sc, log.Comp("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	ch := crosstab.New(store, nil, source, ttl, log)
	defer ch.Close()

	e := eventbus.Event{Type: eventType, Payload: payload, Source: source, Timestamp: time.Now().UnixMilli()}
	if err := ch.Broadcast(ctx, e); err != nil {
		return err
	}
	log.Info("broadcast sent", logx.String("type", eventType), logx.String("driver", sc.Driver))

	t := time.NewTimer(ttl)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}
