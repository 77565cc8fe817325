// Package main is the CLI entrypoint for OpenGuild. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// and printing version information (version). The serve command loads
// configuration, builds the storage port, key ring, messaging core, fan-out
// hub, federation verifier, and MLS registry, starts the HTTP API server,
// and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openguild/openguild/internal/api"
	"github.com/openguild/openguild/internal/config"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/keyring"
	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/mls"
	"github.com/openguild/openguild/internal/session"
	"github.com/openguild/openguild/internal/socket"
	"github.com/openguild/openguild/internal/storage"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("OpenGuild — Federated Real-Time Messaging Server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  openguild <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the OpenGuild server")
	fmt.Println("  migrate   Run database migrations (requires storage.database_url)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  openguild.toml (or set OPENGUILD_CONFIG_PATH)")
	fmt.Println("  Env prefix:   OPENGUILD_SERVER__<section>__<field>, e.g. OPENGUILD_SERVER__SESSION__ACTIVE_SIGNING_KEY")
}

// runServe loads configuration, wires every core service, and serves HTTP
// until a shutdown signal arrives.
func runServe() error {
	logger := setupLogger("json")
	logger.Info("starting OpenGuild", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Server.LogFormat)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	store, closeStore, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building storage: %w", err)
	}
	defer closeStore()

	keyRing, err := buildKeyRing(cfg)
	if err != nil {
		return fmt.Errorf("building key ring: %w", err)
	}

	mlsRegistry := mls.NewRegistry()

	authority := session.New(store, keyRing).WithIdentityRegistrar(mlsRegistry)

	hub := fanout.NewHub()

	var relay *fanout.Relay
	if cfg.Server.NATSURL != "" {
		relay, err = fanout.NewRelay(cfg.Server.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS relay unavailable, fan-out stays local-only", slog.String("error", err.Error()))
			relay = nil
		} else {
			defer relay.Close()
			logger.Info("NATS relay ready", slog.String("url", cfg.Server.NATSURL))
		}
	}

	core := messaging.New(store, hub, messaging.Options{
		ServerName: cfg.Server.ServerName,
		Logger:     logger,
		Relay:      relay,
	})

	peers, err := buildPeers(cfg)
	if err != nil {
		return fmt.Errorf("building federation trust set: %w", err)
	}
	verifier := federation.NewVerifier(peers)
	if verifier.Enabled() {
		logger.Info("federation trust set loaded", slog.Int("peers", len(peers)))
	} else {
		logger.Info("federation disabled: no trusted_servers configured")
	}

	admitter := socket.NewAdmitter()

	srv := api.NewServer(api.Config{
		Store:        store,
		Session:      authority,
		Messaging:    core,
		Federation:   verifier,
		Admitter:     admitter,
		MLS:          mlsRegistry,
		KeyRing:      keyRing,
		ServerName:   cfg.Server.ServerName,
		SigningKeyID: "1",
		Logger:       logger,
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.BindAddr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("OpenGuild stopped")
	return nil
}

// buildStorage constructs the storage.Port backing the server: Postgres
// (with migrations applied first) when storage.database_url is set, or an
// in-memory Port otherwise. The returned close func is always safe to
// defer, even for the in-memory case.
func buildStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Port, func(), error) {
	if cfg.Storage.DatabaseURL == "" {
		logger.Warn("no storage.database_url configured, using in-memory storage (data does not survive a restart)")
		return storage.NewMemory(), func() {}, nil
	}

	if err := storage.MigrateUp(cfg.Storage.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	maxConns := cfg.Storage.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	pg, err := storage.NewPostgres(ctx, cfg.Storage.DatabaseURL, maxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	logger.Info("postgres storage ready")
	return pg, pg.Close, nil
}

// buildKeyRing constructs the KeyRing from configured keys, or generates an
// ephemeral one if session.active_signing_key is absent.
func buildKeyRing(cfg *config.Config) (*keyring.KeyRing, error) {
	if cfg.Session.ActiveSigningKey == "" {
		return keyring.Generate()
	}

	seed, err := decodeKey32(cfg.Session.ActiveSigningKey)
	if err != nil {
		return nil, fmt.Errorf("session.active_signing_key: %w", err)
	}
	primary := ed25519.NewKeyFromSeed(seed)

	fallbacks := make([]ed25519.PublicKey, 0, len(cfg.Session.FallbackVerifyingKeys))
	for _, raw := range cfg.Session.FallbackVerifyingKeys {
		pub, err := decodeKey32(raw)
		if err != nil {
			return nil, fmt.Errorf("session.fallback_verifying_keys: %w", err)
		}
		fallbacks = append(fallbacks, ed25519.PublicKey(pub))
	}

	return keyring.New(primary, fallbacks...), nil
}

// buildPeers decodes the configured trust set into federation.Peer values.
func buildPeers(cfg *config.Config) ([]federation.Peer, error) {
	peers := make([]federation.Peer, 0, len(cfg.Federation.TrustedServers))
	for _, ts := range cfg.Federation.TrustedServers {
		pub, err := decodeKey32(ts.VerifyingKey)
		if err != nil {
			return nil, fmt.Errorf("trusted_servers[%s].verifying_key: %w", ts.ServerName, err)
		}
		peers = append(peers, federation.Peer{
			ServerName:   ts.ServerName,
			KeyID:        ts.KeyID,
			VerifyingKey: ed25519.PublicKey(pub),
		})
	}
	return peers, nil
}

func decodeKey32(encoded string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// runMigrate applies pending Postgres migrations and exits. It requires
// storage.database_url to be configured.
func runMigrate() error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required to run migrations")
	}
	if err := storage.MigrateUp(cfg.Storage.DatabaseURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func runVersion() {
	fmt.Printf("OpenGuild %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from OPENGUILD_CONFIG_PATH or
// the default "openguild.toml".
func configPath() string {
	if p := os.Getenv("OPENGUILD_CONFIG_PATH"); p != "" {
		return p
	}
	return "openguild.toml"
}

// setupLogger creates a slog.Logger for the given format ("json" or
// "compact").
func setupLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "compact":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
