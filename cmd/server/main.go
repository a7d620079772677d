package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/session-control/internal/config"
	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
	"github.com/hyper-ai-inc/session-control/internal/notify"
	"github.com/hyper-ai-inc/session-control/internal/provision"
	"github.com/hyper-ai-inc/session-control/internal/secrets"
	"github.com/hyper-ai-inc/session-control/internal/session"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "session-control",
	Short: "Per-session orchestration server for remote coding agents",
	Long: `session-control runs one orchestration actor per coding session:
it multiplexes client and sandbox WebSockets, serializes prompt execution,
drives the sandbox lifecycle, and lands the agent's work as a pull request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional; env vars always apply)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.Deps{
		Store:  st,
		Config: cfg,
		Logger: logger,
		Box:    box,
		Provider: gitprovider.NewGitHub(cfg.Git.AppToken, cfg.Git.ClientID, cfg.Git.ClientSecret,
			gitprovider.WithAPIURL(cfg.Git.BaseURL),
			gitprovider.WithWebURL(cfg.Git.WebBaseURL)),
		Launcher: provision.NewModalLauncher(cfg.Provisioner.Token,
			provision.WithBaseURL(cfg.Provisioner.BaseURL)),
		Notifier: notify.New(cfg.CallbackSecret, logger),
	})
	defer manager.Shutdown()

	mux := http.NewServeMux()
	session.NewAPI(manager, cfg.InternalToken).Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
	return nil
}
