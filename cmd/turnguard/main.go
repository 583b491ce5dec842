// Package main provides the turnguard daemon: the turn orchestrator and
// security gateway that sits between channel adapters (chat, WhatsApp,
// email webhooks, all out of process) and an LLM provider, deciding when
// the model is invoked, which tools it may call, and whether its response
// is safe to deliver.
//
// Usage:
//
//	turnguard --config turnguard.yaml
//
// Configuration can also be supplied via environment variables referenced
// with ${VAR} inside the config file, or overridden directly via
// TURNGUARD_ADDR / TURNGUARD_DATABASE_URL / TURNGUARD_LOG_FORMAT /
// TURNGUARD_OTEL_ENDPOINT.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/lib/pq"

	"github.com/telyx/turnguard/internal/catalog"
	"github.com/telyx/turnguard/internal/classifier"
	"github.com/telyx/turnguard/internal/config"
	"github.com/telyx/turnguard/internal/guardrails"
	"github.com/telyx/turnguard/internal/identityproof"
	"github.com/telyx/turnguard/internal/llmturn"
	"github.com/telyx/turnguard/internal/observability"
	"github.com/telyx/turnguard/internal/orchestrator"
	"github.com/telyx/turnguard/internal/ratelimit"
	"github.com/telyx/turnguard/internal/sessionlock"
	"github.com/telyx/turnguard/internal/sessionmap"
	"github.com/telyx/turnguard/internal/telemetry"
	"github.com/telyx/turnguard/internal/toolsvc"
	"github.com/telyx/turnguard/internal/turnstate"
	"github.com/telyx/turnguard/internal/verification"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", os.Getenv("TURNGUARD_CONFIG"), "path to the turnguard config file (YAML, supports $include and ${ENV} expansion); empty runs on built-in defaults")
	catalogPath := flag.String("catalog", os.Getenv("TURNGUARD_CATALOG"), "path to the message catalog file; empty uses config.catalog.path, then built-in defaults")
	flag.Parse()

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnguard: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *catalogPath == "" {
		*catalogPath = cfg.Catalog.Path
	}

	if err := run(ctx, logger, cfg, *catalogPath); err != nil {
		logger.Error(context.Background(), "turnguard exited with error", "error", err)
		os.Exit(1)
	}
}

// loadAppConfig loads the config file at path, or returns the all-defaults
// config when path is empty.
func loadAppConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, logger *observability.Logger, cfg *config.Config, catalogPath string) error {
	logger.Info(ctx, "starting turnguard", "version", version, "commit", commit)

	var cat *catalog.Catalog
	if catalogPath != "" {
		loaded, err := catalog.Load(catalogPath)
		if err != nil {
			return fmt.Errorf("load message catalog: %w", err)
		}
		cat = loaded
	} else {
		cat = catalog.New(nil)
	}

	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
	}

	sessions, states, directory := buildStores(db, cfg.Session.TTL)
	locks := buildLockStore(db)
	tracker := sessionlock.NewEnumerationTracker(cfg.Verification.EnumerationThreshold)

	metrics := observability.NewMetrics()
	recorder := telemetry.NewRecorder(logger, metrics)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	registry := toolsvc.NewRegistry()
	execConfig := toolsvc.DefaultExecConfig()
	execConfig.Timeout = cfg.Tools.Execution.Timeout
	execConfig.MaxAttempts = cfg.Tools.Execution.MaxAttempts
	executor := toolsvc.NewExecutor(registry, execConfig, nil, 5*time.Minute).
		WithSecurityLogger(recorder)

	provider, err := buildLLMProvider()
	if err != nil {
		return fmt.Errorf("build LLM provider: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Sessions: sessions,
		States:   states,
		Locks:    locks,
		Throttle: ratelimit.NewLimiter(ratelimit.Config{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
		}),
		Identity:    identityproof.NewDeriver(directory),
		Autoverify:  verification.NewGate(nil),
		Verifier:    verification.NewService(locks, tracker),
		Classify:    classifier.NewHeuristicClassifier(),
		Tools:       orchestrator.NewRegistryToolGate(registry),
		ToolInvoker: executor,
		Loop:        llmturn.NewLoop(provider, executor),
		Gateway:     guardrails.NewGateway(locks),
		Catalog:     cat,
		Telemetry:   recorder,
		Tracer:      tracer,
		DefaultLang: "en",
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", authGate(cfg.Auth, promhttp.Handler()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// handleIncomingMessage is exposed as orch.HandleIncomingMessage for
	// in-process channel adapters (chat/WhatsApp/email webhook handlers,
	// all out of scope here) to call directly; this process does not speak
	// any channel wire protocol itself.
	_ = orch

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "serving /healthz and /metrics", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// authGate wraps handler with API-key enforcement when cfg carries any keys;
// with none configured, the endpoint is left open (matching a deployment
// that relies on network-level isolation instead).
func authGate(cfg config.AuthConfig, handler http.Handler) http.Handler {
	if len(cfg.APIKeys) == 0 {
		return handler
	}
	allowed := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		allowed[k.Key] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if !allowed[key] {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// buildStores wires the persistence layer: Postgres-backed when a DSN is
// configured, in-memory otherwise (single-process deployments, local
// development, tests).
func buildStores(db *sql.DB, sessionTTL time.Duration) (sessionmap.Mapper, turnstate.Store, identityproof.Directory) {
	if db == nil {
		return sessionmap.NewMemoryMapper(), turnstate.NewMemoryStore(sessionTTL), nil
	}
	return sessionmap.NewSQLMapper(db), turnstate.NewSQLStore(db), identityproof.NewSQLDirectory(db)
}

// buildLockStore selects the lock backend: Postgres-backed when a DSN is
// configured, so a denial recorded by one process is visible to every other
// process handling that session's next turn, in-memory otherwise.
func buildLockStore(db *sql.DB) sessionlock.Store {
	if db == nil {
		return sessionlock.NewMemoryStore()
	}
	return sessionlock.NewSQLStore(db)
}

// buildLLMProvider selects an LLM backend. Provider construction
// (Anthropic/OpenAI/Bedrock client setup) is out of scope for the
// orchestrator itself; llmturn.LLMProvider is the seam a real provider
// implementation plugs into, via llmturn.FailoverOrchestrator.AddProvider for
// multi-provider failover. unconfiguredProvider fails closed rather than
// panicking when no provider has been wired into this deployment yet.
func buildLLMProvider() (llmturn.LLMProvider, error) {
	return unconfiguredProvider{}, nil
}

type unconfiguredProvider struct{}

func (unconfiguredProvider) Complete(ctx context.Context, req *llmturn.CompletionRequest) (<-chan *llmturn.CompletionChunk, error) {
	return nil, fmt.Errorf("no LLM provider configured")
}
func (unconfiguredProvider) Name() string            { return "unconfigured" }
func (unconfiguredProvider) Models() []llmturn.Model { return nil }
func (unconfiguredProvider) SupportsTools() bool     { return true }
