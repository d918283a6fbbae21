package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/acres-platform/tessera/internal/api"
	"github.com/acres-platform/tessera/internal/config"
	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/engine"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/index"
	"github.com/acres-platform/tessera/internal/pipeline"
	"github.com/acres-platform/tessera/internal/retrieval"
	"github.com/acres-platform/tessera/internal/storage"
	"github.com/acres-platform/tessera/internal/study"
	"github.com/acres-platform/tessera/internal/zotero"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tessera server (foreground)",
	Long: `Start the HTTP API server and the MCP server (SSE transport) in the
foreground. Both listen on localhost only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tessera server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tessera system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP interface on stdio",
	Long: `Serve the MCP interface on stdio, for desktop clients that spawn tool
servers as subprocesses. The HTTP server does not need to be running; the
command opens the data directory directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tessera.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func detectEngine(cfg config.Config) (engine.Engine, error) {
	return engine.Detect(engine.DetectConfig{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Engine.BaseURL,
		OpenAIBaseURL: cfg.Engine.BaseURL,
		OpenAIAPIKey:  cfg.Engine.APIKey,
	})
}

// app holds the wired component graph behind both server surfaces.
type app struct {
	store   *storage.Store
	docs    *docstore.Store
	index   *index.Index
	studies *study.Manager
	tables  *pipeline.Orchestrator
	syncer  *zotero.Syncer
	extract pipeline.Options
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	eng, err := detectEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("selecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.ChatModel, cfg.Engine.EmbedModel, os.Stderr); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	idx := index.New(store.DB(), eng, cfg.Engine.EmbedModel)
	docs, err := docstore.New(store, idx, cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		store.Close()
		return nil, err
	}

	retriever := retrieval.NewRetriever(idx)
	extractor := extraction.NewExtractor(eng, cfg.Engine.ChatModel, extraction.DefaultRetryPolicy())

	a := &app{
		store:   store,
		docs:    docs,
		index:   idx,
		studies: study.NewManager(store, idx),
		tables:  pipeline.New(retriever, extractor, store),
		extract: pipeline.Options{
			TopK:        cfg.Extraction.TopK,
			Concurrency: cfg.Extraction.Concurrency,
			CellTimeout: cfg.Extraction.Timeout(),
			RatePerSec:  cfg.Extraction.RatePerSec,
		},
	}

	if cfg.Zotero.Configured() {
		zc, err := zotero.NewClient("", cfg.Zotero.LibraryID, cfg.Zotero.LibraryType, cfg.Zotero.APIKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configuring zotero: %w", err)
		}
		a.syncer = zotero.NewSyncer(zc, docs)
	}

	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func (a *app) deps() api.Deps {
	d := api.Deps{
		Store:   a.store,
		Docs:    a.docs,
		Studies: a.studies,
		Tables:  a.tables,
		Extract: a.extract,
	}
	// A nil *Syncer must stay a nil interface so the handler reports 503.
	if a.syncer != nil {
		d.Syncer = a.syncer
	}
	return d
}

func (a *app) mcpDeps() api.MCPDeps {
	return api.MCPDeps{
		Store:    a.store,
		Studies:  a.studies,
		Searcher: a.index,
		Tables:   a.tables,
		Extract:  a.extract,
	}
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "tessera version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Check if a server is already running via its health endpoint, then
	// claim the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tessera is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tessera is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.syncer == nil {
		slog.Info("zotero sync disabled, credentials not configured")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(app.deps()),
	}

	// MCP over SSE on its own port, next to the HTTP API.
	sseSrv := server.NewSSEServer(api.NewMCPServer(app.mcpDeps()))
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := sseSrv.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tessera listening on %s\n", addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sseSrv.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func runMCPStdio(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	setupLogging(cfg.Log)

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	stdioSrv := server.NewStdioServer(api.NewMCPServer(app.mcpDeps()))
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("tessera is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tessera (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tessera (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := detectEngine(cfg)
	switch {
	case err != nil:
		printStatus("Engine", "%v", err)
	case eng.IsRunning(ctx):
		printStatus("Engine", "%s ready at %s", cfg.Engine.Provider, cfg.Engine.BaseURL)
	default:
		printStatus("Engine", "%s not reachable at %s", cfg.Engine.Provider, cfg.Engine.BaseURL)
	}
	printStatus("Chat model", "%s", cfg.Engine.ChatModel)
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)

	if running {
		if studiesResp, err := client.Get(serverURL + "/studies"); err == nil {
			var studies []struct {
				Documents int `json:"documents"`
			}
			if json.NewDecoder(studiesResp.Body).Decode(&studies) == nil {
				docs := 0
				for _, s := range studies {
					docs += s.Documents
				}
				printStatus("Studies", "%d (%d documents)", len(studies), docs)
			}
			studiesResp.Body.Close()
		}
	}

	if cfg.Zotero.Configured() {
		printStatus("Zotero", "%s library %s", cfg.Zotero.LibraryType, cfg.Zotero.LibraryID)
	} else {
		printStatus("Zotero", "not configured")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
