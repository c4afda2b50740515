// Command luban-core is the Coordination Core process: it owns the Snapshot Store, the
// Action Dispatcher, the Conversation Engine, the Workspace Lifecycle manager, and the
// Transport Hub's HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luban-ide/luban-core/internal/config"
	"github.com/luban-ide/luban-core/internal/conversation"
	"github.com/luban-ide/luban-core/internal/dispatch"
	"github.com/luban-ide/luban-core/internal/model"
	"github.com/luban-ide/luban-core/internal/ports"
	"github.com/luban-ide/luban-core/internal/ports/agentrunner"
	"github.com/luban-ide/luban-core/internal/ports/agenttools"
	"github.com/luban-ide/luban-core/internal/ports/attachstore"
	"github.com/luban-ide/luban-core/internal/ports/configtree"
	"github.com/luban-ide/luban-core/internal/ports/fspicker"
	"github.com/luban-ide/luban-core/internal/ports/gitport"
	"github.com/luban-ide/luban-core/internal/ports/oswith"
	"github.com/luban-ide/luban-core/internal/ports/prhost"
	"github.com/luban-ide/luban-core/internal/revclock"
	"github.com/luban-ide/luban-core/internal/snapshot"
	"github.com/luban-ide/luban-core/internal/transporthub"
	"github.com/luban-ide/luban-core/internal/wslifecycle"
)

func main() {
	// `luban-core tools --root <worktree>` runs only the fs-tool MCP server over stdio,
	// the mode a configured agent CLI's MCP server list launches per turn to reach this
	// workspace's worktree; everything else in main() is the long-running core process.
	if len(os.Args) > 1 && os.Args[1] == "tools" {
		if err := runToolsMode(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "luban-core tools:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "luban-core:", err)
		os.Exit(1)
	}
}

func runToolsMode(args []string) error {
	var root string
	for i, a := range args {
		if a == "--root" && i+1 < len(args) {
			root = args[i+1]
		}
	}
	if root == "" {
		return fmt.Errorf("--root is required")
	}
	server := agenttools.New(root)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.RunStdio(ctx)
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	config.SetupLogger(cfg)
	slog.Info("starting luban-core", "host", cfg.Host, "port", cfg.Port, "state_dir", cfg.StateDir)

	settingsStore, err := config.NewSettingsStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	settings, activeThreads, err := settingsStore.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	_ = activeThreads // loaded but not applied: per-workspace active threads are not restored into the store

	clock := &revclock.Clock{}
	store := snapshot.New(clock)
	if _, err := store.Mutate(func(tx *snapshot.Tx) error {
		tx.UpdateSettings(func(s *model.Settings) { *s = settings })
		return nil
	}); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	git := gitport.New()
	pr := prhost.New()
	osPort := oswith.New()
	fsPort := fspicker.New()
	agentBinary := envOr("LUBAN_AGENT_BINARY", "codex")
	agent := agentrunner.New(agentBinary, "--mcp-client")
	attachments, err := attachstore.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open attachment store: %w", err)
	}

	lifecycle := wslifecycle.New(store, git, pr, osPort, fsPort, agent)
	engine := conversation.New(store, agent)

	registry := dispatch.NewRegistry()
	codexTree := configtree.New(envOr("LUBAN_CODEX_CONFIG_ROOT", homeJoin(".codex")))
	ampTree := configtree.New(envOr("LUBAN_AMP_CONFIG_ROOT", homeJoin(".amp")))
	dispatch.RegisterActions(registry, dispatch.Deps{
		Store:       store,
		Engine:      engine,
		Lifecycle:   lifecycle,
		Settings:    settingsStore,
		Attachments: attachments,
		PRHost:      pr,
		Agent:       agent,
		ConfigTrees: map[string]ports.ConfigTreePort{"codex": codexTree, "amp": ampTree},
	})

	hub := transporthub.New(store, registry)

	// Config trees are edited by users outside the IDE too; surface external changes
	// as toasts so an open settings view knows to re-read.
	for kind, tree := range map[string]*configtree.Port{"codex": codexTree, "amp": ampTree} {
		kind := kind
		stop, err := tree.Watch(func(rel string) {
			slog.Info("config file changed externally", "runner", kind, "path", rel)
			hub.BroadcastToast(fmt.Sprintf("%s config changed: %s", kind, rel))
		})
		if err != nil {
			slog.Warn("config tree watch unavailable", "runner", kind, "error", err)
		} else {
			defer stop()
		}
	}

	handler := hub.Routes(transporthub.RESTDeps{
		Lifecycle:    lifecycle,
		Attachments:  attachments,
		CodexPrompts: codexTree,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("transport hub listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	case err := <-errCh:
		return fmt.Errorf("transport hub: %w", err)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func homeJoin(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return rel
	}
	return home + "/" + rel
}
