package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/entrhq/lmsenhancer/pkg/config"
	"github.com/entrhq/lmsenhancer/pkg/content"
	"github.com/entrhq/lmsenhancer/pkg/logging"
	"github.com/entrhq/lmsenhancer/pkg/relay"
	"github.com/entrhq/lmsenhancer/pkg/settings"
	"github.com/entrhq/lmsenhancer/pkg/storage"
	"github.com/entrhq/lmsenhancer/pkg/types"
)

var errUsage = errors.New("usage error")

// env is what every command needs.
type env struct {
	cfg   *config.Config
	log   *logging.Logger
	out   io.Writer
	store *storage.Manager
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"get":       cmdGet,
	"set":       cmdSet,
	"remove":    cmdRemove,
	"clear":     cmdClear,
	"reset":     cmdReset,
	"usage":     cmdUsage,
	"sync":      cmdSync,
	"features":  cmdFeatures,
	"load":      cmdLoad,
	"broadcast": cmdBroadcast,
}

// run loads configuration, opens the store and dispatches one command
func run(ctx context.Context, cli *CLIConfig, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("cli")
	if err == nil {
		defer logger.Close()
	}
	logger.SetLevel(level)

	store, _, closeStore, err := content.OpenStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	e := &env{cfg: cfg, log: logger, out: out, store: store}
	return cmd(ctx, e, args[1:])
}

// areaFlag registers -area on fs and returns the call options it selects.
func areaFlag(fs *flag.FlagSet) func() ([]storage.CallOption, error) {
	area := fs.String("area", "", "Force a backend: sync or local")
	return func() ([]storage.CallOption, error) {
		switch *area {
		case "":
			return nil, nil
		case string(storage.AreaSync), string(storage.AreaLocal):
			return []storage.CallOption{storage.WithArea(storage.Area(*area))}, nil
		default:
			return nil, fmt.Errorf("%w: invalid area %q", errUsage, *area)
		}
	}
}

func cmdGet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	opts := areaFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	callOpts, err := opts()
	if err != nil {
		return err
	}

	var keys []string
	if fs.NArg() > 0 {
		keys = fs.Args()
	}
	values, err := e.store.Get(ctx, keys, callOpts...)
	if err != nil {
		return err
	}
	return printJSON(e.out, values)
}

func cmdSet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	opts := areaFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	callOpts, err := opts()
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: set needs key=value pairs", errUsage)
	}

	items, err := parseAssignments(fs.Args())
	if err != nil {
		return err
	}
	if err := e.store.Set(ctx, items, callOpts...); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Wrote %d setting(s)\n", len(items))
	return nil
}

// parseAssignments turns key=value pairs into items. Values that parse as
// JSON keep their JSON type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	items := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", errUsage, pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		items[key] = value
	}
	return items, nil
}

func cmdRemove(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: remove needs at least one key", errUsage)
	}
	if err := e.store.Remove(ctx, args); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Removed %d key(s)\n", len(args))
	return nil
}

func cmdClear(ctx context.Context, e *env, args []string) error {
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "Cleared all settings")
	return nil
}

func cmdReset(ctx context.Context, e *env, args []string) error {
	if err := settings.Reset(ctx, e.store); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "Restored default settings")
	return nil
}

func cmdUsage(ctx context.Context, e *env, args []string) error {
	var keys []string
	if len(args) > 0 {
		keys = args
	}
	n, err := e.store.BytesInUse(ctx, keys)
	if err != nil {
		return err
	}
	limits := e.store.Guard().Limits()
	fmt.Fprintf(e.out, "%d bytes in use (limit %d, writes in window %d/%d)\n",
		n, limits.MaxTotalBytes, e.store.Guard().WritesInWindow(), limits.MaxWrites)
	return nil
}

func cmdSync(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	migrate := fs.Bool("migrate", true, "Copy settings to the new backend before switching")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		state := "off"
		if e.store.Selector().Preference(ctx) {
			state = "on"
		}
		fmt.Fprintf(e.out, "sync is %s\n", state)
		return nil
	}

	var enabled bool
	switch fs.Arg(0) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("%w: sync expects on or off, got %q", errUsage, fs.Arg(0))
	}

	result, err := e.store.SetSyncEnabled(ctx, enabled, *migrate)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "sync %s (migrated: %t)\n", fs.Arg(0), result.Migrated)
	return nil
}

func cmdFeatures(ctx context.Context, e *env, args []string) error {
	s, err := content.New(e.cfg, e.store, e.log)
	if err != nil {
		return err
	}
	values, err := settings.Load(ctx, e.store)
	if err != nil {
		return err
	}

	exclusions := s.Coordinator().Exclusions()
	for _, name := range s.Coordinator().Registry().Names() {
		state := "off"
		if settings.Truthy(values[settings.EnabledKey(name)]) {
			state = "on"
		}
		marker := ""
		if exclusions.Match(name) {
			marker = " (self-handling)"
		}
		fmt.Fprintf(e.out, "%-24s %s%s\n", name, state, marker)
	}
	return nil
}

func cmdLoad(ctx context.Context, e *env, args []string) error {
	s, err := content.New(e.cfg, e.store, e.log)
	if err != nil {
		return err
	}
	report, err := s.Start(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	fmt.Fprintf(e.out, "active:  %s\n", strings.Join(s.Coordinator().Active(), ", "))
	if len(report.Derived) > 0 {
		fmt.Fprintf(e.out, "derived: %s\n", strings.Join(report.Derived, ", "))
	}
	for name, ferr := range report.Failed {
		fmt.Fprintf(e.out, "failed:  %s: %v\n", name, ferr)
	}
	return nil
}

// cmdBroadcast starts several page sessions over the store and sends one
// message to all of them through the relay hub, the way the popup does.
func cmdBroadcast(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ContinueOnError)
	pages := fs.Int("pages", 2, "Number of simulated page sessions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *pages < 1 {
		return fmt.Errorf("%w: broadcast needs <feature> on|off|query|<value>", errUsage)
	}
	msg := broadcastMessage(fs.Arg(0), fs.Arg(1))

	hub := relay.NewHub(e.log.With("relay"), 0)
	var sessions []*content.Session
	defer func() {
		for _, s := range sessions {
			if err := s.Close(ctx); err != nil {
				e.log.Warnf("Failed to close session: %v", err)
			}
		}
	}()

	ids := make([]string, 0, *pages)
	for i := 0; i < *pages; i++ {
		s, err := content.New(e.cfg, e.store, e.log)
		if err != nil {
			return err
		}
		if _, err := s.Start(ctx); err != nil {
			return err
		}
		sessions = append(sessions, s)
		ids = append(ids, hub.Register(s))
	}

	responses, err := hub.Broadcast(ctx, msg)
	for i, id := range ids {
		resp, ok := responses[id]
		if !ok {
			fmt.Fprintf(e.out, "page %d: no response\n", i+1)
			continue
		}
		fmt.Fprintf(e.out, "page %d: handled=%t found=%t\n", i+1, resp.Handled, resp.Found)
	}
	return err
}

func broadcastMessage(feature, arg string) types.Message {
	switch arg {
	case "on":
		return types.NewToggleMessage(feature, true)
	case "off":
		return types.NewToggleMessage(feature, false)
	case "query":
		return types.NewQueryMessage(feature)
	}
	var value any
	if err := json.Unmarshal([]byte(arg), &value); err != nil {
		value = arg
	}
	return types.NewValueMessage(feature, value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
