package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/internal/config"
	"github.com/capitalize-ai/langgraph-chat/internal/events"
	"github.com/capitalize-ai/langgraph-chat/internal/store"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "ragchat"

// app holds everything a command needs. It is populated by the root
// command's pre-run.
type app struct {
	verbose bool
	apiURL  string

	cfg       *config.Config
	log       *logger.Logger
	session   *auth.Session
	client    *api.Client
	store     *store.Store
	guard     *store.Guard
	publisher events.Publisher

	closers []func(context.Context)
}

// execute runs the CLI with args and always releases what setup acquired.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer a.teardown()
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ragchat",
		Short: "Chat with the document search assistant",
		Long: `A command-line client for the retrieval chat backend.

The first question of a conversation runs the full search pipeline and shows
its progress; later questions are answered as follow-ups.

Quick Start:
  ragchat login -u alice            # Sign in and save the token
  ragchat conversations             # List conversations
  ragchat ask new "What changed?"   # Ask in a new conversation
  ragchat restore 42                # Print the saved pipeline state`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.setup(cmd.Context()) },
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.apiURL, "api-url", "", "Backend base URL (overrides RAGCHAT_API_URL)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newConversationsCmd(a),
		newAskCmd(a),
		newRestoreCmd(a),
		newFeedbackCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.apiURL != "" {
		cfg.APIURL = a.apiURL
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}
	a.cfg = cfg

	var log *logger.Logger
	if cfg.Development() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)
	a.log = log
	a.onClose(func(context.Context) { _ = log.Sync() })

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			a.onClose(func(ctx context.Context) { _ = tracing.Shutdown(ctx, tp) })
		}
	}

	a.session = auth.NewSession()
	if token := a.savedToken(); token != "" {
		if err := a.session.Authenticate(token); err != nil {
			log.Warn("ignoring saved token", zap.Error(err))
		}
	}
	a.session.OnClear(func() {
		if err := os.Remove(cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove token file", zap.Error(err))
		}
	})

	a.client, err = api.New(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.APITimeout}, a.session, log)
	if err != nil {
		return err
	}
	a.store = store.New(log)
	a.session.OnClear(a.store.Clear)
	a.guard = store.NewGuard(cfg.GuardCooldown)

	a.publisher = events.Nop{}
	if cfg.NATSEnabled {
		pub, err := events.Connect(ctx, events.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("session events disabled", zap.Error(err))
		} else {
			a.publisher = pub
			a.onClose(func(context.Context) { pub.Close() })
		}
	}

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

func (a *app) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func (a *app) serveMetrics(addr string) {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/health", healthHandler(a))
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.onClose(func(ctx context.Context) { _ = srv.Shutdown(ctx) })
}

// connectionChecker is implemented by publishers that hold a connection.
type connectionChecker interface {
	IsConnected() bool
}

var _ connectionChecker = (*events.NATSPublisher)(nil)

// healthHandler reports unhealthy while the event publisher is disconnected.
func healthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, ok := a.publisher.(connectionChecker); ok && !c.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NATS disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (a *app) savedToken() string {
	if a.cfg.Token != "" {
		return a.cfg.Token
	}
	raw, err := os.ReadFile(a.cfg.TokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (a *app) saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.TokenFile), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(a.cfg.TokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// requireLogin fails fast when no usable token is available.
func (a *app) requireLogin() error {
	if a.session.Valid() {
		return nil
	}
	msg := "not logged in; run 'ragchat login' first"
	if a.cfg.LoginURL != "" {
		if target, err := auth.RedirectURL(a.cfg.LoginURL, "/"); err == nil {
			msg += " or sign in at " + target
		}
	}
	return errors.New(msg)
}
