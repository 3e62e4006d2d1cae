package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"tabsync/internal/adapters"
	"tabsync/internal/config"
	"tabsync/internal/eventbus"
	"tabsync/internal/notifier"
	"tabsync/internal/observability/diag"
	rtsup "tabsync/internal/runtime/supervisor"
	"tabsync/internal/storage"
	"tabsync/internal/syncrt"
	logx "tabsync/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	rt   *syncrt.Runtime
	diag *diag.Service

	stopped atomic.Bool
}

type Option func(*options)

type options struct {
	toastOut  io.Writer
	store     storage.Store
	fetcher   adapters.Fetcher
	transport http.RoundTripper
	renderer  adapters.Renderer
}

// WithToastWriter is where the "json" toast sink writes. Defaults to stdout.
func WithToastWriter(w io.Writer) Option { return func(o *options) { o.toastOut = w } }

// WithStore overrides the configured store. The app closes it on Stop.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithFetcher(f adapters.Fetcher) Option { return func(o *options) { o.fetcher = f } }

func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

func WithRenderer(r adapters.Renderer) Option { return func(o *options) { o.renderer = r } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.toastOut == nil {
		o.toastOut = logx.Stdout()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.Comp("app")

	// Storage (optional)
	store := o.store
	if store == nil {
		if sc, enabled, err := mapStorageConfig(cfg); err != nil {
			_ = logSvc.Close()
			return nil, err
		} else if enabled {
			st, err := storage.Open(sc, root.Comp("storage"))
			if err != nil {
				_ = logSvc.Close()
				return nil, err
			}
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	rtCfg, err := mapRuntimeConfig(cfg)
	if err != nil {
		closeQuiet(store)
		_ = logSvc.Close()
		return nil, err
	}

	var sink notifier.Sink = notifier.LogSink{Log: root.Comp("toast")}
	if cfg.Notifier != nil && strings.EqualFold(strings.TrimSpace(cfg.Notifier.Sink), "json") {
		sink = notifier.NewJSONSink(o.toastOut)
	}
	renderer := o.renderer
	if renderer == nil {
		renderer = adapters.LogRenderer{Log: root.Comp("render")}
	}

	rt, err := syncrt.New(rtCfg, syncrt.Deps{
		Store:     store,
		Fetcher:   o.fetcher,
		Transport: o.transport,
		Renderer:  renderer,
		Sink:      sink,
		Log:       root,
	})
	if err != nil {
		closeQuiet(store)
		_ = logSvc.Close()
		return nil, err
	}

	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		closeQuiet(store)
		_ = logSvc.Close()
		return nil, err
	}
	diagSvc := diag.New(dcfg, func() any { return rt.Stats() }, root)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logSvc,
		store:   store,
		rt:      rt,
		diag:    diagSvc,
	}, nil
}

func closeQuiet(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Runtime exposes the tab for embedding hosts.
func (a *App) Runtime() *syncrt.Runtime { return a.rt }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRuntimeConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiagConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg)
		return err
	})

	a.rt.Start(a.sup.Context())
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}
	// The hub is always subscribed; it has no clients until the server runs.
	a.rt.On(eventbus.Wildcard, a.diag.Hub().Handle, "diag")

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("module", a.rt.ModuleID()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rc, err := mapRuntimeConfig(newCfg); err != nil {
		a.log.Warn("invalid runtime config; keeping previous", logx.Err(err))
	} else {
		a.rt.Apply(rc)
	}

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("diag", 1*time.Second, func(c context.Context) error {
		a.rt.Off(eventbus.Wildcard, "diag")
		a.diag.Stop(c)
		return nil
	})
	step("runtime", 3*time.Second, a.rt.Stop)
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
