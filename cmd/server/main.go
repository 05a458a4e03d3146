package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"webhook-relay/internal/auth"
	"webhook-relay/internal/config"
	"webhook-relay/internal/logging"
	"webhook-relay/internal/server"
	"webhook-relay/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logger, "webhook-relay")
	logger.Info().
		Int("port", cfg.Server.Port).
		Str("driver", cfg.Database.Driver).
		Str("mode", cfg.Delivery.Mode).
		Msg("config loaded")

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// 3. Create or upgrade the relay tables
	if err := store.NewMigrator(db).Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate relay tables")
	}
	logger.Info().Msg("relay tables ready")

	// 4. Wire the relay and start background work
	srv := server.New(cfg, db, logger, server.Options{})
	srv.Start()

	// 5. Serve until signalled
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	listenErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		listenErr <- srv.App.Listen(addr)
	}()

	select {
	case err := <-listenErr:
		logger.Error().Err(err).Msg("server stopped")
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	}

	// 6. Drain queued deliveries before closing the database
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// hashPassword prints a bcrypt hash for auth.admin_password_hash. The
// password is taken from the first argument or read from stdin.
func hashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
