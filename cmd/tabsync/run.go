package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tabsync/internal/app"
	"tabsync/pkg/logx"
	"tabsync/pkg/systemd"
)

func newRunCommand(cfgPath *string) *cobra.Command {
	var (
		stdin       bool
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tab until interrupted",
		Long: `Run starts one tab: the scheduler, the activity monitor, the module
adapters and the cross-tab channel on the configured store.

With --stdin, host commands are read line by line from standard input
(type "help" for the list). End of input stops the tab.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTab(cmd, *cfgPath, stdin, stopTimeout)
		},
	}
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read host commands from standard input")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runTab(cmd *cobra.Command, cfgPath string, stdin bool, stopTimeout time.Duration) error {
	ctx := cmd.Context()
	log := logx.NewConsole("info").Comp("main")

	// Separate registration so the stop reason names the signal.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath, app.WithToastWriter(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() {
		if err := systemd.Watchdog(wdCtx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	inputDone := make(chan struct{})
	if stdin {
		go func() {
			defer close(inputDone)
			if err := a.ServeCommands(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				log.Warn("command input failed", logx.Err(err))
			}
		}()
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = stopReason(sig)
	case <-ctx.Done():
		// the root context also listens for signals
		select {
		case sig := <-sigs:
			reason = stopReason(sig)
		case <-time.After(50 * time.Millisecond):
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-inputDone:
		reason = app.StopInputEOF
	}

	_, _ = systemd.Stopping()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func stopReason(sig os.Signal) app.StopReason {
	if sig == os.Interrupt {
		return app.StopSIGINT
	}
	return app.StopSIGTERM
}
