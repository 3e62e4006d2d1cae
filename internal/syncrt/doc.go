// Package syncrt assembles one tab's sync runtime: the event bus, the
// cross-tab channel over a shared store, the activity monitor, the queue,
// the response cache, the scheduler, the change detectors and the module
// adapters.
//
// A Runtime has no package-level state. Several runtimes sharing one
// storage hub behave like several open tabs.
//
//	rt, err := syncrt.New(cfg, syncrt.Deps{Store: st, Log: log})
//	if err != nil { ... }
//	rt.Start(ctx)
//	defer rt.Stop(context.Background())
//	_ = rt.QueueSync(resource.Tasks, "request:POST")
package syncrt
