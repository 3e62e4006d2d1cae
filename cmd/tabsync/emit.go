package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tabsync/internal/app"
	"tabsync/pkg/logx"
)

func newEmitCommand(cfgPath *string) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "emit <event-type> [json-payload]",
		Short: "Broadcast one event to the running tabs",
		Long: `Emit writes one event to the shared store configured in the config file.
Every running tab on that store receives it as a remote event. The store
must be "file" or "sqlite"; the memory store is private to one process.`,
		Example: `  tabsync emit task_updated '{"taskId":42}'
  tabsync emit sync.completed '{"resource":"tasks","reasons":["request:POST"]}' --source backlog`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 2 {
				raw := strings.TrimSpace(args[1])
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(raw)
			}
			log := logx.NewConsole("warn")
			return app.Broadcast(cmd.Context(), *cfgPath, args[0], payload, source, log)
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "module id the event is sent from")
	return cmd
}
