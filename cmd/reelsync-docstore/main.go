package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reelsync/internal/auth"
	"github.com/alexjbarnes/reelsync/internal/config"
	"github.com/alexjbarnes/reelsync/internal/docserver"
	"github.com/alexjbarnes/reelsync/internal/logging"
	"github.com/alexjbarnes/reelsync/internal/server"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword reads a password from in and prints a bcrypt hash for
// DOCSTORE_USERS.
func hashPassword(in io.Reader, out, prompt io.Writer) error {
	fmt.Fprint(prompt, "Enter password: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, hash)

	return err
}

func run() error {
	cfg, err := config.LoadDocstore()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	users, err := cfg.ParseUsers()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("reelsync-docstore starting",
		slog.String("version", Version),
		slog.String("db", cfg.DBPath),
		slog.Int("users", len(users)),
		slog.Duration("token_ttl", cfg.TokenTTL),
	)

	store, err := docserver.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := auth.NewStore(cfg.TokenTTL)
	defer tokens.Stop()

	srv := docserver.New(docserver.Config{
		Store:  store,
		Tokens: tokens,
		Users:  users,
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx, server.NewHTTPServer(cfg.ListenAddr, srv.Handler()), logger)
	})

	// Shutdown does not wait for hijacked websocket connections.
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()

		return nil
	})

	return g.Wait()
}
