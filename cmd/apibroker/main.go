package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/apibroker/internal/auth"
	"github.com/alexjbarnes/apibroker/internal/broker"
	"github.com/alexjbarnes/apibroker/internal/catalog"
	"github.com/alexjbarnes/apibroker/internal/config"
	"github.com/alexjbarnes/apibroker/internal/credential"
	"github.com/alexjbarnes/apibroker/internal/kv"
	"github.com/alexjbarnes/apibroker/internal/logging"
	"github.com/alexjbarnes/apibroker/internal/mcpserver"
	"github.com/alexjbarnes/apibroker/internal/proxy"
	"github.com/alexjbarnes/apibroker/internal/server"
	"github.com/alexjbarnes/apibroker/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword prints the bcrypt hash for BASIC_AUTH_PASSWORD_HASH.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("apibroker starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.String("catalog", cfg.APIConfigDir),
		slog.Bool("mcp", cfg.MCPEnabled),
	)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cat, err := catalog.Open(cfg.APIConfigDir, logger.With(slog.String("service", "catalog")))
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	logger.Info("catalog loaded", slog.Int("apis", len(cat.Names())))

	px := proxy.New(
		proxy.NewClient(cfg.UpstreamTimeout, cfg.UpstreamTLSInsecure),
		cfg.UpstreamMaxBody,
		logger.With(slog.String("service", "proxy")),
	)
	if cfg.UpstreamTLSInsecure {
		logger.Warn("upstream TLS certificate verification disabled")
	}

	b := broker.New(cat, credential.New(store, logger), px, logger.With(slog.String("service", "broker")))
	sessions := session.NewManager(store, cfg.SessionCookie, cfg.SessionSecure, logger)

	var mcpHandler http.Handler
	if cfg.MCPEnabled {
		mcpHandler = newMCPHandler(cfg, b, cat, sessions)
	}

	handler := server.NewMux(server.MuxConfig{
		Broker:                b,
		Catalog:               cat,
		Sessions:              sessions,
		MCPHandler:            mcpHandler,
		Logger:                logger,
		SessionCookie:         cfg.SessionCookie,
		BasicAuthUser:         cfg.BasicAuthUser,
		BasicAuthPasswordHash: cfg.BasicAuthPasswordHash,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx, cfg, handler, logger)
	})

	if cfg.WatchCatalog {
		g.Go(func() error {
			if err := cat.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching catalog: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// openStore selects the credential and session backend.
func openStore(cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		s, err := kv.OpenBolt(cfg.BoltPath, logger.With(slog.String("service", "store")))
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return s, nil
	case config.BackendValkey:
		s, err := kv.OpenValkey(kv.ValkeyOptions{
			URL:      cfg.StoreURL(),
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
		})
		if err != nil {
			return nil, fmt.Errorf("opening valkey store: %w", err)
		}
		return s, nil
	default:
		return kv.NewMemory(), nil
	}
}

func newMCPHandler(cfg *config.Config, b *broker.Broker, cat *catalog.Catalog, sessions *session.Manager) http.Handler {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "apibroker", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Broker:    b,
		Catalog:   cat,
		Sessions:  sessions,
		SessionID: cfg.MCPSessionID,
		PublicURL: cfg.PublicURL,
	})

	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	// A proxied call may take the full upstream timeout before the
	// envelope is written.
	writeTimeout := 60 * time.Second
	if t := cfg.UpstreamTimeout + 10*time.Second; t > writeTimeout {
		writeTimeout = t
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting HTTP server",
		slog.String("listen", cfg.ListenAddr),
		slog.Bool("basic_auth", cfg.BasicAuthUser != ""),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
