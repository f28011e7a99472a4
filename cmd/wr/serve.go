package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"warroom/internal/app"
	"warroom/internal/db"
	"warroom/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the case API with SSE streams, delivers configured webhooks, and on start fails cases a previous process left mid-workflow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, LogOutput: os.Stderr})
			if err != nil {
				return err
			}
			defer env.Close()
			log := env.Logger.With("component", "serve")

			if err := env.Dispatcher.Recover(ctx); err != nil {
				log.Warn("recovery incomplete", "err", err)
			}

			authCfg := server.AuthConfig{JWTSecret: os.Getenv(cfg.Server.JWTSecretEnv)}
			if authCfg.JWTSecret == "" {
				log.Warn("auth disabled; set the JWT secret to require operator tokens for cancel", "env", cfg.Server.JWTSecretEnv)
			}
			handler, err := server.New(server.Config{
				Dispatcher: env.Dispatcher,
				BasePath:   cfg.Server.BasePath,
				Auth:       authCfg,
				Logger:     env.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			webhooks := server.NewWebhookDispatcher(env.Ledger, cfg.Webhooks, env.Logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("serving", "addr", "http://"+cfg.Server.Addr+cfg.Server.BasePath, "docs", cfg.Server.BasePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if webhooks.Active() {
				g.Go(func() error {
					return webhooks.Run(gctx)
				})
			}
			err = g.Wait()
			log.Info("stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", server.DefaultBasePath, "API base path (overrides server.base_path)")
	return cmd
}
