package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"tabsync/internal/activity"
	"tabsync/internal/detect"
	"tabsync/internal/resource"
	logx "tabsync/pkg/logx"
)

// ErrUnknownCommand is returned by Exec for an unrecognized verb.
var ErrUnknownCommand = errors.New("unknown command")

const commandHelp = `commands:
  queue <resource> [reason]    mark tasks|sprints|dashboard stale
  force                        sync every module now
  visible <on|off>             page visibility
  activity <signal>            pointer|key|scroll|touch|focus
  active <on|off>              enable or disable ticking
  interval <duration>          fast tick interval
  emit <type> [json]           emit on the bus (and to other tabs)
  module <id>                  switch module id
  mutation <container> [kind]  report an element change
  stats                        print the runtime snapshot
  help`

// Exec runs one host command line and writes its result to w. Empty lines
// and lines starting with '#' are ignored.
func (a *App) Exec(ctx context.Context, line string, w io.Writer) error {
	args := tokenizeCommandLine(line)
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}
	verb, args := strings.ToLower(args[0]), args[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s)", verb, n)
		}
		return nil
	}

	switch verb {
	case "queue":
		if err := need(1); err != nil {
			return err
		}
		r, err := resource.Parse(args[0])
		if err != nil {
			return err
		}
		reason := "manual"
		if len(args) > 1 {
			reason = args[1]
		}
		if err := a.rt.QueueSync(r, reason); err != nil {
			return err
		}
		fmt.Fprintf(w, "queued %s (%s)\n", r, reason)

	case "force":
		results, err := a.rt.ForceSyncAll(ctx)
		for _, res := range results {
			line := fmt.Sprintf("%s %s %s", res.Resource, res.Outcome, res.Took.Round(time.Millisecond))
			if res.Error != "" {
				line += " " + res.Error
			}
			fmt.Fprintln(w, line)
		}
		return err

	case "visible", "active":
		if err := need(1); err != nil {
			return err
		}
		on, err := parseBool(args[0])
		if err != nil {
			return err
		}
		if verb == "visible" {
			a.rt.SetVisible(on)
		} else {
			a.rt.SetActive(on)
		}
		fmt.Fprintf(w, "%s=%t\n", verb, on)

	case "activity":
		if err := need(1); err != nil {
			return err
		}
		sig, ok := activity.ParseSignal(args[0])
		if !ok {
			return fmt.Errorf("activity: unknown signal %q", args[0])
		}
		a.rt.RecordActivity(sig)

	case "interval":
		if err := need(1); err != nil {
			return err
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		if err := a.rt.SetSyncInterval(d); err != nil {
			return err
		}
		fmt.Fprintf(w, "interval=%s\n", d)

	case "emit":
		if err := need(1); err != nil {
			return err
		}
		var payload any
		if raw := restAfter(line, 2); raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("emit: payload is not valid JSON")
			}
			payload = json.RawMessage(raw)
		}
		return a.rt.Emit(ctx, args[0], payload, a.rt.ModuleID())

	case "module":
		if err := need(1); err != nil {
			return err
		}
		a.rt.SetModuleID(args[0])
		fmt.Fprintf(w, "module=%s\n", a.rt.ModuleID())

	case "mutation":
		if err := need(1); err != nil {
			return err
		}
		m := detect.Mutation{Container: args[0]}
		if len(args) > 1 {
			m.Kind = args[1]
		}
		fmt.Fprintf(w, "queued=%t\n", a.rt.Observe(m))

	case "stats":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a.rt.Stats())

	case "help":
		fmt.Fprintln(w, commandHelp)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, verb)
	}
	return nil
}

// ServeCommands reads host commands from r until EOF or ctx is done. Command
// errors are written to w and do not stop the loop.
func (a *App) ServeCommands(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	log := a.root.Comp("commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := a.Exec(ctx, line, w); err != nil {
				log.Debug("command failed", logx.String("line", line), logx.Err(err))
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
	}
}

// restAfter returns line with its first n whitespace-separated fields removed.
func restAfter(line string, n int) string {
	s := strings.TrimSpace(line)
	for i := 0; i < n && s != ""; i++ {
		if j := strings.IndexAny(s, " \t"); j >= 0 {
			s = strings.TrimSpace(s[j:])
		} else {
			s = ""
		}
	}
	return s
}

// tokenizeCommandLine splits a line into tokens. Single or double quotes
// group words; a backslash escapes the next byte.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
