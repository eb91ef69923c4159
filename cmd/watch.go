// Package cmd provides CLI commands for rootwatch.
// This file implements the watch command.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adalundhe/rootwatch/core/config"
	"github.com/adalundhe/rootwatch/core/watcher"
	"github.com/adalundhe/rootwatch/core/watcher/dispatch"
	"github.com/adalundhe/rootwatch/core/watcher/key"
	"github.com/spf13/cobra"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// =============================================================================
// Watch Command Flags
// =============================================================================

var (
	watchConfigPaths []string
	watchBackend     string
	watchRoots       []string
	watchBlacklist   []string
	watchJSON        bool
	watchNoChecksum  bool
)

// =============================================================================
// Watch Command
// =============================================================================

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch [path...]",
	Short: "Watch directories and print changes",
	Long: `Watch one or more root directories and print every change below them.

Roots come from the configuration files, from --root key=path, and from
positional paths (keyed by their absolute path). Existing files are
reported once when a root is added.

Examples:
  rootwatch watch .                              # Watch the current directory
  rootwatch watch --root src=./src --root docs=./docs
  rootwatch watch --config rootwatch.yaml --json
  rootwatch watch . --blacklist '.git/**' --blacklist '*.swp'`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSliceVarP(&watchConfigPaths, "config", "c", nil, "Configuration files, later files override earlier ones")
	watchCmd.Flags().StringVarP(&watchBackend, "backend", "b", "", "Watch backend: fsnotify, notify or poll")
	watchCmd.Flags().StringArrayVarP(&watchRoots, "root", "r", nil, "Root to watch as key=path (repeatable)")
	watchCmd.Flags().StringArrayVar(&watchBlacklist, "blacklist", nil, "Glob ignored below every command-line root (repeatable)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print one JSON object per event")
	watchCmd.Flags().BoolVar(&watchNoChecksum, "no-checksum", false, "Report relocations in full instead of checksum-gated")
}

// runWatch loads the configuration, registers every root and prints events
// until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	overrides, err := watchOverrides(args)
	if err != nil {
		return err
	}

	manager := config.NewManager(watchConfigPaths...)
	if err := manager.Load(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	err = manager.Update(func(c *config.Config) {
		config.DeepMerge(c, overrides)
		if watchNoChecksum {
			c.Checksum.Enabled = false
		}
	})
	if err != nil {
		return err
	}

	cfg := manager.Get()
	if len(cfg.Roots) == 0 {
		return errors.New("no roots to watch: pass a path, --root or a configuration file")
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	wc, err := cfg.WatcherConfig(logger)
	if err != nil {
		return err
	}

	m, err := watcher.New(wc)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	if _, err := m.Subscribe(newEventPrinter(out, watchJSON)); err != nil {
		return err
	}

	for _, root := range cfg.Roots {
		if _, err := m.AddRoot(key.DirectoryKey(root.Key), root.Path, root.Blacklist...); err != nil {
			return fmt.Errorf("failed to add root %s: %w", root.Key, err)
		}
		if !watchJSON {
			fmt.Fprintf(out, "%sWatching:%s %s%s%s %s\n", colorGray, colorReset, colorBold, root.Key, colorReset, root.Path)
		}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchOverrides turns command-line flags into a configuration overlay.
func watchOverrides(args []string) (*config.Config, error) {
	overrides := &config.Config{Backend: watchBackend}

	for _, flag := range watchRoots {
		root, err := parseRootFlag(flag)
		if err != nil {
			return nil, err
		}
		overrides.Roots = append(overrides.Roots, root)
	}
	for _, path := range args {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		overrides.Roots = append(overrides.Roots, config.RootConfig{Key: abs, Path: abs})
	}
	for i := range overrides.Roots {
		overrides.Roots[i].Blacklist = append(overrides.Roots[i].Blacklist, watchBlacklist...)
	}
	return overrides, nil
}

// parseRootFlag parses "key=path".
func parseRootFlag(flag string) (config.RootConfig, error) {
	k, path, ok := strings.Cut(flag, "=")
	k, path = strings.TrimSpace(k), strings.TrimSpace(path)
	if !ok || k == "" || path == "" {
		return config.RootConfig{}, fmt.Errorf("invalid --root %q: want key=path", flag)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return config.RootConfig{}, err
	}
	return config.RootConfig{Key: k, Path: abs}, nil
}

// =============================================================================
// Event Printer
// =============================================================================

// watchEventOutput is the JSON form of one printed event.
type watchEventOutput struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	Key       string    `json:"key"`
	File      string    `json:"file,omitempty"`
	ParentKey string    `json:"parent_key,omitempty"`
	Replay    int64     `json:"replay,omitempty"`
}

// eventPrinter is a listener that accepts every key and prints it.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	now  func() time.Time
}

func newEventPrinter(w io.Writer, asJSON bool) *eventPrinter {
	return &eventPrinter{w: w, json: asJSON, now: time.Now}
}

func (p *eventPrinter) Restrict(b *dispatch.RestrictionBuilder, _ dispatch.FileSystem) error {
	return b.AcceptAll()
}

func (p *eventPrinter) Modified(e *dispatch.Event) error {
	return p.print(watchEventOutput{
		Event:  "modified",
		Key:    e.Key().String(),
		File:   e.File(),
		Replay: e.ReplayCount(),
	})
}

func (p *eventPrinter) Discard(k key.DispatchKey) error {
	return p.print(watchEventOutput{Event: "discard", Key: k.String()})
}

func (p *eventPrinter) Supplement(k, parentKey key.DispatchKey) error {
	return p.print(watchEventOutput{Event: "supplement", Key: k.String(), ParentKey: parentKey.String()})
}

func (p *eventPrinter) print(ev watchEventOutput) error {
	ev.Time = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		return json.NewEncoder(p.w).Encode(ev)
	}

	color := colorGreen
	switch ev.Event {
	case "discard":
		color = colorRed
	case "supplement":
		color = colorYellow
	}

	timestamp := ev.Time.Format("15:04:05")
	line := fmt.Sprintf("%s%s%s %s%-10s%s %s%s%s", colorGray, timestamp, colorReset, color, ev.Event, colorReset, colorCyan, ev.Key, colorReset)
	if ev.ParentKey != "" {
		line += " <- " + ev.ParentKey
	}
	if ev.File != "" {
		line += " " + colorGray + ev.File + colorReset
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
