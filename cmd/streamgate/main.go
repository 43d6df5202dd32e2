// Package main provides the entry point for the streamgate server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/txn2/streamgate/internal/server"
	"github.com/txn2/streamgate/pkg/admission"
	"github.com/txn2/streamgate/pkg/auth"
	"github.com/txn2/streamgate/pkg/config"
	"github.com/txn2/streamgate/pkg/conversation"
	convpg "github.com/txn2/streamgate/pkg/conversation/postgres"
	"github.com/txn2/streamgate/pkg/database/migrate"
	"github.com/txn2/streamgate/pkg/dispatch"
	"github.com/txn2/streamgate/pkg/engine"
	"github.com/txn2/streamgate/pkg/health"
	"github.com/txn2/streamgate/pkg/reaper"
	"github.com/txn2/streamgate/pkg/stream"
	streampg "github.com/txn2/streamgate/pkg/stream/postgres"
	"github.com/txn2/streamgate/pkg/ticket"
)

// shutdownTimeout bounds graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Server address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// stores holds the selected persistence backends.
type stores struct {
	sessions      stream.Store
	conversations conversation.Store
	db            *sql.DB
}

// openStores selects PostgreSQL when a DSN is configured, in-memory
// otherwise.
func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("main: no database configured, using in-memory stores")
		return &stores{
			sessions:      stream.NewMemoryStore(),
			conversations: conversation.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &stores{
		sessions:      stream.NewCachedStore(streampg.New(db), 0),
		conversations: convpg.New(db),
		db:            db,
	}, nil
}

func (s *stores) close(logger *slog.Logger) {
	if err := s.sessions.Close(); err != nil {
		logger.Error("main: closing session store", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Error("main: closing database", "error", err)
		}
	}
}

func newAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	var chain []auth.Authenticator

	if cfg.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: []byte(cfg.JWTSecret)})
		if err != nil {
			return nil, err
		}
		chain = append(chain, jwtAuth)
	}
	if len(cfg.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, auth.APIKey{Name: k.Name, Hash: k.Hash})
		}
		chain = append(chain, auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: keys}))
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return auth.NewChainedAuthenticator(chain...), nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("streamgate version %s\n", server.Version)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx := setupSignalHandler()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	codec, err := ticket.NewCodec([]byte(cfg.Ticket.Secret))
	if err != nil {
		return err
	}

	ctrl, err := admission.New(admission.Config{
		Store:         st.sessions,
		Tickets:       codec,
		MaxConcurrent: cfg.Stream.MaxConcurrent,
		TicketTTL:     cfg.Ticket.TTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	eng, err := engine.NewSSEClient(engine.SSEClientConfig{
		URL:    cfg.Engine.URL,
		APIKey: cfg.Engine.APIKey,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Tickets:            codec,
		Sessions:           st.sessions,
		Conversations:      st.conversations,
		Engine:             eng,
		StatusPollInterval: cfg.Stream.StatusPollInterval,
		MaxStreamDuration:  cfg.Stream.MaxDuration,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := reaper.New(reaper.Config{
		Store:            st.sessions,
		Interval:         cfg.Reaper.Interval,
		SessionRetention: cfg.Reaper.SessionRetention,
		TaskRetention:    cfg.Reaper.TaskRetention,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	authenticator, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	var ping health.PingFunc
	if st.db != nil {
		ping = st.db.PingContext
	}
	checker := health.NewChecker(ping)

	srv, err := server.New(server.Config{
		Admission:     ctrl,
		Dispatcher:    dispatcher,
		Conversations: st.conversations,
		Health:        checker,
		AuthMiddle:    auth.Middleware(authenticator),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("main: listening", "address", cfg.Server.Address, "version", server.Version)
		checker.SetReady()
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("main: shutting down")
	checker.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}
	return nil
}
