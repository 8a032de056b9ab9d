package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veritrail/core/pkg/api"
	"github.com/veritrail/core/pkg/archive"
	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/auth"
	"github.com/veritrail/core/pkg/config"
	"github.com/veritrail/core/pkg/graphgov"
	"github.com/veritrail/core/pkg/lineage"
	"github.com/veritrail/core/pkg/model"
	"github.com/veritrail/core/pkg/observability"
	"github.com/veritrail/core/pkg/pipeline"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChainCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "veritrail - supply chain risk governance core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  veritrail <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server        Run the API server (default)")
	fmt.Fprintln(w, "  archive       Archive the evidence chain to blob storage")
	fmt.Fprintln(w, "  verify-chain  Verify evidence chain integrity")
	fmt.Fprintln(w, "  help          Show this help")
}

// openStore connects and migrates the shared database.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		if err := os.MkdirAll("data", 0o755); err != nil {
			return nil, err
		}
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func loadProfile(cfg *config.Config, logger *slog.Logger) (*config.RiskProfile, error) {
	if cfg.ProfilePath == "" {
		return config.DefaultRiskProfile(), nil
	}
	profile, err := config.LoadRiskProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded risk profile", "path", cfg.ProfilePath, "model_version", profile.ModelVersion)
	return profile, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (archive.Blob, error) {
	if cfg.S3Bucket != "" {
		return archive.NewS3Blob(ctx, archive.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	}
	dir := cfg.ArchiveDir
	if dir == "" {
		dir = "data/archive"
	}
	return archive.NewFileBlob(dir)
}

func runServer(stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	ctx := context.Background()
	cfg := config.Load()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}

	profile, err := loadProfile(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "profile: %v\n", err)
		return 1
	}
	registry, err := model.NewRegistry(profile)
	if err != nil {
		fmt.Fprintf(stderr, "model registry: %v\n", err)
		return 1
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	auditLog := audit.NewLogger()
	lineageSvc := lineage.NewService(st, auditLog).WithObservability(obs)
	trustEngine := trustgraph.NewEngine(st)
	graphSvc := graphgov.NewService(st, trustEngine, auditLog)

	engine, err := pipeline.NewEngine(st, registry, auditLog)
	if err != nil {
		fmt.Fprintf(stderr, "pipeline: %v\n", err)
		return 1
	}
	engine.WithLineage(lineageSvc).WithSnapshots(trustEngine).WithObservability(obs)

	// periodic evidence archival when a blob backend is configured
	if cfg.ArchiveEnabled() {
		blobs, err := newBlobStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "archive: %v\n", err)
			return 1
		}
		archiver := archive.NewArchiver(st, blobs, auditLog)
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				manifest, err := archiver.ArchiveChain(ctx)
				if err != nil {
					logger.Error("evidence archival failed", "error", err)
					continue
				}
				logger.Info("evidence chain archived",
					"links", len(manifest.Links), "manifest", manifest.ManifestRef)
			}
		}()
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			fmt.Fprintf(stderr, "jwt secret: %v\n", err)
			return 1
		}
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive restarts")
	}
	validator := auth.NewHMACValidator(secret)

	var limiter auth.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "redis: %v\n", err)
			return 1
		}
		limiter = auth.NewRedisLimiter(redis.NewClient(opts), 600, time.Minute)
		logger.Info("redis rate limiting enabled")
	}

	server := &api.Server{
		Pipeline: engine,
		Lineage:  lineageSvc,
		Graph:    graphSvc,
		Trust:    trustEngine,
		Identity: func(ctx context.Context) (string, string, string, bool) {
			p, err := auth.GetPrincipal(ctx)
			if err != nil {
				return "", "", "", false
			}
			return p.GetID(), p.GetTenantID(), p.GetRole(), true
		},
	}

	global := api.NewGlobalRateLimiter(100, 200)
	var handler http.Handler = server.Routes()
	handler = auth.RateLimitMiddleware(limiter, 60)(handler)
	handler = auth.NewMiddleware(validator)(handler)
	handler = global.Middleware(handler)
	handler = api.TracingMiddleware(obs)(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}

func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "archive: %v\n", err)
		return 1
	}

	manifest, err := archive.NewArchiver(st, blobs, audit.NewLogger()).ArchiveChain(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "archive failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "archived %d links, manifest %s\n",
		len(manifest.Links), manifest.ManifestRef)
	return 0
}

func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	st, err := openStore(ctx, config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}

	broken, err := archive.NewArchiver(st, nil, audit.Nop()).VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "verify failed: %v\n", err)
		return 1
	}
	if broken != 0 {
		fmt.Fprintf(stderr, "evidence chain broken at seq %d\n", broken)
		return 1
	}
	fmt.Fprintln(stdout, "evidence chain intact")
	return 0
}
