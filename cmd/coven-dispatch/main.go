// ABOUTME: Entry point for the coven-dispatch CLI and server
// ABOUTME: Builds the cobra command tree and the colorized slog handler

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _ _               _       _
  ___ _____   _____ _ __             __| (_)___ _ __   __ _| |_ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____     / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| (_) \ V /  __/ | | |_____|   | (_| | \__ \ |_) | (_| | || (__| | | |
 \___\___/ \_/ \___|_| |_|          \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
                                               |_|
`

var (
	serverAddr string
	token      string
	jsonOutput bool
)

func defaultServer() string {
	if s := os.Getenv("DISPATCH_SERVER"); s != "" {
		return s
	}
	return "localhost:8080"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coven-dispatch <command>",
		Short:         "Agent registry and job dispatch server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "server address for client commands")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("DISPATCH_TOKEN"), "shared secret for client commands")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "client", Title: "Client Commands:"},
	)
	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newHealthCmd(),
		newAgentsCmd(),
		newRegisterCmd(),
		newSubmitCmd(),
		newJobCmd(),
		newJobsCmd(),
		newWatchCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{state: &handlerState{}, level: level})
}

type handlerState struct {
	mu sync.Mutex
}

// colorHandler provides colorized log output. Handlers derived through
// WithAttrs and WithGroup share one write lock.
type colorHandler struct {
	state  *handlerState
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	_, err := fmt.Fprint(color.Output, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		state:  h.state,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		state:  h.state,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
