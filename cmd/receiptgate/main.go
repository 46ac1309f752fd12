// Command receiptgate runs the ReceiptGate server and its maintenance jobs.
//
// Subcommands:
//
//	server         run the HTTP server (default)
//	rebuild-graph  rebuild the receipt_edges projection and exit
//	genkey         mint a new API key and exit
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/auth"
	"github.com/legivellum/receiptgate/pkg/config"
	"github.com/legivellum/receiptgate/pkg/graph"
	"github.com/legivellum/receiptgate/pkg/ledger"
	"github.com/legivellum/receiptgate/pkg/mcp"
	"github.com/legivellum/receiptgate/pkg/observability"
	"github.com/legivellum/receiptgate/pkg/ratelimit"
	"github.com/legivellum/receiptgate/pkg/receipts"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const version = "1.0.0"

func main() {
	cmd := "server"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	if cmd == "genkey" {
		key, err := auth.GenerateKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "genkey:", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.DB().Close()

	switch cmd {
	case "server":
		if err := runServer(ctx, cfg, store, log); err != nil {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "rebuild-graph":
		if err := ledger.EnsureGraphSchema(ctx, store.DB()); err != nil {
			log.Error("graph schema bootstrap failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		edges, err := graph.NewRebuilder(store, log).Rebuild(ctx, cfg.TenantID)
		if err != nil {
			log.Error("graph rebuild failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Printf("rebuilt %d edges\n", edges)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ledger.Store, error) {
	dialect := ledger.DialectSQLite
	driver := "sqlite"
	dsn := cfg.DatabaseURL
	if cfg.DBBackend() == "postgres" {
		dialect = ledger.DialectPostgres
		driver = "postgres"
	} else {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == ledger.DialectSQLite {
		// Writers serialize on one connection; immediate transactions do
		// the locking.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := ledger.EnsureSchema(ctx, db, dialect); err != nil {
			return nil, err
		}
		if cfg.EnableGraphLayer {
			if err := ledger.EnsureGraphSchema(ctx, db); err != nil {
				return nil, err
			}
		}
		if cfg.EnableSemanticLayer {
			if err := ledger.EnsureSemanticSchema(ctx, db); err != nil {
				return nil, err
			}
		}
		log.Info("schema ensured",
			slog.String("dialect", string(dialect)),
			slog.Bool("graph_layer", cfg.EnableGraphLayer),
			slog.Bool("semantic_layer", cfg.EnableSemanticLayer),
		)
	}
	return ledger.New(db, dialect), nil
}

// sqliteDSN normalizes the sqlite URL and forces immediate transactions.
func sqliteDSN(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	if !strings.Contains(dsn, "_txlock=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}
	return dsn
}

func runServer(ctx context.Context, cfg *config.Config, store *ledger.Store, log *slog.Logger) error {
	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "receiptgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	svc := receipts.NewService(store, log, receipts.Options{
		BodyMaxBytes:       cfg.ReceiptBodyMaxBytes,
		RequireCauseExists: cfg.RequireCauseExists,
		SearchDefaultLimit: cfg.SearchDefaultLimit,
		SearchMaxLimit:     cfg.SearchMaxLimit,
		InboxDefaultLimit:  cfg.InboxDefaultLimit,
		ChainMaxDepth:      cfg.ChainMaxDepth,
		StatsTopN:          cfg.StatsTopN,
	})

	mux := http.NewServeMux()
	api.NewHandler(svc, cfg.TenantID, int64(cfg.RequestMaxBytes), version, log).Routes(mux)
	mux.Handle("POST /mcp", mcp.NewHandler(svc, cfg.TenantID, cfg.PublicURL, version, cfg.SearchDefaultLimit, log))

	var handler http.Handler = mux
	handler = auth.NewKeyAuth(cfg.APIKeys, cfg.AllowInsecureDev, log).Middleware(handler)
	if cfg.RateLimitEnabled {
		handler = ratelimit.Middleware(newLimiter(cfg, log), ratelimit.Rules{
			PerIPMinute:    cfg.RateLimitPerIPMinute,
			PerKeyMinute:   cfg.RateLimitPerKeyMinute,
			BurstRPS:       float64(cfg.RateLimitBurstRPS),
			BurstSize:      cfg.RateLimitBurstSize,
			TrustedProxies: cfg.TrustedProxies,
		}, log)(handler)
	}
	handler = auth.CORSMiddleware(cfg.CORSAllowedOrigins)(handler)
	handler = auth.SecurityHeadersMiddleware(handler)
	handler = auth.RequestIDMiddleware(handler)
	handler = obs.Middleware(handler)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("receiptgate listening",
			slog.String("addr", cfg.Addr()),
			slog.String("backend", cfg.DBBackend()),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLimiter(cfg *config.Config, log *slog.Logger) ratelimit.Limiter {
	if cfg.RateLimitRedisURL == "" {
		return ratelimit.NewMemoryLimiter()
	}
	opts, err := redis.ParseURL(cfg.RateLimitRedisURL)
	if err != nil {
		log.Warn("invalid redis url, using in-memory rate limiter",
			slog.String("error", err.Error()))
		return ratelimit.NewMemoryLimiter()
	}
	return ratelimit.NewRedisLimiter(redis.NewClient(opts), "")
}
