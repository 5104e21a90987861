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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/clipseek/clipseek/internal/api"
	"github.com/clipseek/clipseek/internal/blob"
	"github.com/clipseek/clipseek/internal/config"
	"github.com/clipseek/clipseek/internal/ingest"
	"github.com/clipseek/clipseek/internal/media"
	"github.com/clipseek/clipseek/internal/search"
	"github.com/clipseek/clipseek/internal/store"
	"github.com/clipseek/clipseek/internal/vision"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clipseek server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running clipseek server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show clipseek system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "clipseek.pid")
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

// parseDurationOr falls back to def when the configured value does not parse,
// logging which key was at fault.
func parseDurationOr(raw string, def time.Duration, key string) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in config, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "clipseek version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("clipseek is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("clipseek is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the segment store.
	var st store.Store
	switch cfg.Storage.Backend {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.Storage.PostgresURL, cfg.Encoder.Dim, store.PostgresOptions{
			MinConns:        int32(cfg.Storage.PoolMinConns),
			MaxConns:        int32(cfg.Storage.PoolMaxConns),
			MaxConnLifetime: parseDurationOr(cfg.Storage.PoolMaxLifetime, time.Hour, "storage.pool_max_lifetime"),
			MaxConnIdleTime: parseDurationOr(cfg.Storage.PoolMaxIdleTime, 5*time.Minute, "storage.pool_max_idle_time"),
			AcquireTimeout:  parseDurationOr(cfg.Storage.AcquireTimeout, 5*time.Second, "storage.acquire_timeout"),
		})
	default:
		st, err = store.OpenSQLite(cfg.Storage.DataDir, cfg.Encoder.Dim)
	}
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()
	slog.Info("store open", "backend", cfg.Storage.Backend, "dim", cfg.Encoder.Dim)

	// Media blobs live on the local filesystem under the data dir.
	blobs, err := blob.NewFSStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	// The frame encoder is shared by ingestion and search through a
	// refcounted handle: built on first acquire, torn down when the last
	// holder releases it at shutdown.
	encoderHandle := vision.NewHandle(func() (*vision.Encoder, error) {
		enc := vision.NewEncoder(cfg.Encoder.BaseURL, cfg.Encoder.Dim)
		if !enc.IsRunning(ctx) {
			// Ingestion fails per-video when the encoder is down, so a
			// warning is enough to start.
			printWarning("frame encoder not reachable at %s; ingestion will fail until it is up", cfg.Encoder.BaseURL)
		}
		return enc, nil
	}, nil)

	ingestEncoder, err := encoderHandle.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring frame encoder: %w", err)
	}
	defer encoderHandle.Release()

	searchEncoder, err := encoderHandle.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring frame encoder: %w", err)
	}
	defer encoderHandle.Release()

	// Captioning and semantic re-ranking need an OpenAI-compatible key.
	// Without one, segments carry embeddings only and search ranks on
	// recall similarity.
	var captioner ingest.FrameCaptioner
	var scorer search.SemanticScorer
	if cfg.OpenAI.APIKey != "" {
		occfg := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			occfg.BaseURL = cfg.OpenAI.BaseURL
		}
		client := openai.NewClientWithConfig(occfg)
		captioner = vision.NewCaptioner(client, cfg.OpenAI.CaptionModel)
		scorer = vision.NewScorer(client, cfg.OpenAI.ScoringModel)
	} else {
		printWarning("no OpenAI API key configured; captions and semantic re-ranking are off")
	}

	// Ingestion worker pool.
	spoolDir := cfg.Ingest.SpoolDir
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}
	tracker := ingest.NewTracker()
	pipe := ingest.NewPipeline(
		st,
		ingest.SamplerSource{Sampler: media.NewSampler()},
		ingestEncoder,
		captioner,
		blobs,
		ingest.Settings{FPS: cfg.Ingest.FPS, BatchSize: cfg.Ingest.BatchSize, SpoolDir: spoolDir},
		tracker,
	)
	runner := ingest.NewRunner(st, pipe, cfg.Ingest.Workers, 500*time.Millisecond)
	go runner.Run(ctx)

	// Search engine.
	engine := search.NewEngine(searchEncoder, st, scorer, blobs, search.Options{
		TopK:              cfg.Search.TopK,
		MinScore:          cfg.Search.MinScore,
		SemanticThreshold: cfg.Search.SemanticThreshold,
		GroupWindowMS:     cfg.Search.GroupWindowMS,
		Stage2Timeout:     parseDurationOr(cfg.Search.Stage2Timeout, 10*time.Second, "search.stage2_timeout"),
	})

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:   st,
		Blobs:   blobs,
		Search:  engine,
		Tracker: tracker,
		Token:   cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine) when a
	// library user is configured.
	if cfg.Server.MCPUser != "" {
		mcpUser, err := uuid.Parse(cfg.Server.MCPUser)
		if err != nil {
			return fmt.Errorf("server.mcp_user must be a UUID: %w", err)
		}
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: st, Search: engine, UserID: mcpUser})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "user", mcpUser)
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "clipseek listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("clipseek is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop clipseek (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to clipseek (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the frame encoder sidecar.
	encoder := vision.NewEncoder(cfg.Encoder.BaseURL, cfg.Encoder.Dim)
	checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if encoder.IsRunning(checkCtx) {
		printStatus("Encoder", "running at %s (dim %d)", cfg.Encoder.BaseURL, cfg.Encoder.Dim)
	} else {
		printStatus("Encoder", "not running")
	}

	if cfg.OpenAI.APIKey != "" {
		printStatus("Caption model", "%s", cfg.OpenAI.CaptionModel)
		printStatus("Scoring model", "%s", cfg.OpenAI.ScoringModel)
	} else {
		printStatus("Captions", "off (no API key)")
	}

	printStatus("Backend", "%s", cfg.Storage.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
