package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/citebase/citebase/internal/api"
	"github.com/citebase/citebase/internal/config"
	"github.com/citebase/citebase/internal/engine"
	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/objectstore"
	"github.com/citebase/citebase/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the citebase server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "citebase version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	objects, err := objectstore.NewFS(filepath.Join(cfg.Storage.DataDir, "objects"))
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	// The model client serves both embedding and completion.
	client := model.NewClient(cfg.Model.BaseURL, cfg.Model.CompletionName, cfg.Model.EmbeddingName, cfg.Model.Timeout())
	if !client.IsRunning(ctx) {
		slog.Warn("inference server unreachable, queries will run degraded", "base_url", cfg.Model.BaseURL)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Store:     store,
		Objects:   objects,
		Embedder:  client,
		Completer: client,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	eng.Run(ctx)

	// Bearer token -> tenant map for the HTTP surface.
	tokens := make(map[string]string, len(cfg.Tenants)+1)
	for _, t := range cfg.Tenants {
		tokens[t.Token] = t.ID
		if err := store.UpsertTenant(storage.Tenant{ID: t.ID}); err != nil {
			return fmt.Errorf("registering tenant %s: %w", t.ID, err)
		}
	}
	if cfg.Server.Token != "" {
		tokens[cfg.Server.Token] = "default"
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no tenant tokens configured; set server.token or tenants in config")
	}

	handler := api.NewHandler(api.Deps{Engine: eng, Tokens: tokens})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: handler}

	// MCP server over stdio, scoped to the default tenant.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Engine: eng, TenantID: "default", UserID: "mcp"})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "citebase listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return eng.Shutdown(shutdownCtx)
}
