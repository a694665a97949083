package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/reelsync/internal/auth"
	"github.com/alexjbarnes/reelsync/internal/collection"
	"github.com/alexjbarnes/reelsync/internal/config"
	"github.com/alexjbarnes/reelsync/internal/docstore"
	apperrors "github.com/alexjbarnes/reelsync/internal/errors"
	"github.com/alexjbarnes/reelsync/internal/library"
	"github.com/alexjbarnes/reelsync/internal/logging"
	"github.com/alexjbarnes/reelsync/internal/mcpserver"
	"github.com/alexjbarnes/reelsync/internal/server"
	"github.com/alexjbarnes/reelsync/internal/session"
	"github.com/alexjbarnes/reelsync/internal/state"
)

var Version = "dev"

// flushTimeout bounds how long shutdown waits for queued cloud writes.
const flushTimeout = 10 * time.Second

func main() {
	cmd := "serve"
	args := os.Args[1:]

	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error

	switch cmd {
	case "serve":
		err = serve()
	case "export":
		err = export(args, os.Stdout)
	case "version":
		fmt.Println(Version)
	default:
		err = fmt.Errorf("unknown command %q (serve, export, version)", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wired client: local state, the optional cloud session and
// the library.
type app struct {
	state    *state.State
	sessions *session.Manager
	lib      *library.Library
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{state: st}
	deps := collection.Deps{Local: st, Logger: logger}

	if cfg.SyncEnabled() {
		client, err := docstore.NewClient(docstore.Config{
			BaseURL: cfg.DocstoreURL,
			Tokens:  docstore.TokenFunc(func() string { return a.sessions.Token() }),
			Logger:  logger.With(slog.String("service", "docstore")),
		})
		if err != nil {
			st.Close()
			return nil, err
		}

		a.sessions = session.NewManager(client, st, logger.With(slog.String("service", "session")))
		deps.Remote = client
		deps.Identity = a.sessions
	}

	a.lib = library.New(deps)
	a.lib.Init()

	if a.sessions != nil {
		a.sessions.Subscribe(a.lib.HandleAuthEvent)
	}

	return a, nil
}

// startSync signs in with the configured credentials, or resumes the
// cached session. Only rejected credentials are fatal; anything else
// leaves the library running on local data.
func (a *app) startSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if a.sessions == nil {
		logger.Info("no document store configured, running local-only")
		return nil
	}

	if cfg.User != "" {
		err := a.sessions.SignIn(ctx, cfg.User, cfg.Password)
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			return fmt.Errorf("signing in as %s: %w", cfg.User, err)
		}

		if err != nil {
			logger.Warn("sign-in failed, running on local data", slog.String("error", err.Error()))
		}

		return nil
	}

	ok, err := a.sessions.Resume(ctx)
	if err != nil {
		logger.Warn("resuming session failed, running on local data", slog.String("error", err.Error()))
		return nil
	}

	if !ok {
		logger.Info("not signed in, set REELSYNC_USER and REELSYNC_PASSWORD to sync")
	}

	return nil
}

func (a *app) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := a.lib.Flush(ctx); err != nil {
		logger.Warn("flushing cloud writes", slog.String("error", err.Error()))
	}

	a.lib.Close()

	if err := a.state.Close(); err != nil {
		logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("reelsync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.SyncEnabled()),
		slog.Bool("mcp", len(keys) > 0),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	if err := a.startSync(ctx, cfg, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(keys) > 0 {
		g.Go(func() error {
			return runMCP(gctx, cfg, keys, a.lib, logger)
		})
	} else {
		logger.Info("MCP_API_KEYS not set, MCP server disabled")
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	return g.Wait()
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, keys []config.APIKeyEntry, lib *library.Library, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "reelsync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, lib)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	store := auth.NewStore(0)
	defer store.Stop()

	for _, k := range keys {
		store.AddAPIKey(k.UserID, k.Key)
	}

	mux := server.NewMux(server.MuxConfig{Store: store, MCPHandler: mcpHandler, Logger: mcpLogger})

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", len(keys)),
	)

	return server.Serve(ctx, server.NewHTTPServer(cfg.MCPListenAddr, mux), mcpLogger)
}

// export prints every local collection as YAML or JSON. It never
// contacts the document store.
func export(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "yaml", "output format: yaml or json")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	lib := library.New(collection.Deps{Local: st, Logger: logging.Discard()})
	lib.Init()
	defer lib.Close()

	return writeExport(out, lib, *format)
}
