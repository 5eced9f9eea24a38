package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thiagosm89/lix-carbon/internal/app"
	"github.com/thiagosm89/lix-carbon/internal/metrics"
	"github.com/thiagosm89/lix-carbon/internal/relay"
	"github.com/thiagosm89/lix-carbon/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required for bearer auth (set LIX_AUTH_JWT_SECRET)")
			}
			ctx := cmd.Context()
			e, conn, err := app.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			if cfg.Metrics.Enabled {
				if err := metrics.Init(); err != nil {
					return err
				}
			}

			sinks := relay.WebhookSinks(cfg.Webhooks)
			if cfg.NATS.URL != "" {
				ns, err := relay.ConnectNATS(relay.NATSConfig{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix})
				if err != nil {
					return err
				}
				defer ns.Close()
				sinks = append(sinks, ns)
			}
			if len(sinks) > 0 {
				go relay.New(e.Repo, sinks...).Run(ctx)
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Metrics:  cfg.Metrics.Enabled,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Infow("serving", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "driver", cfg.Database.Driver, "sinks", len(sinks))
			fmt.Printf("Serving LixCarbon API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}
