package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/docstore"
	"taskflow/internal/domain"
	"taskflow/internal/logging"
	"taskflow/internal/migrate"
	"taskflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote document service",
		Long:  "Serves document collections over HTTP with bearer auth, live listen streams and change webhooks. Documents persist in the server data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("server.jwt_secret or TASKFLOW_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}

			dataDir := cfg.Server.Data
			if dataDir == "" {
				dataDir = workspace
			}
			conn, err := db.Open(db.Config{Workspace: dataDir, Name: db.RemoteName})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			store, err := docstore.Open(ctx, conn)
			if err != nil {
				return err
			}

			stopHooks, err := server.StartWebhooks(ctx, store, server.WebhookConfig{
				URLs:        cfg.Server.Webhooks,
				Collections: []string{cfg.Remote.Collection},
				Logger:      log.Named("webhooks"),
			})
			if err != nil {
				return err
			}
			defer stopHooks()

			handler, err := server.New(server.Config{
				Store:    store,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AdminEmails: cfg.Admin.Emails, Logger: log.Named("auth")},
				Logger:   log.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.String("data", db.Path(dataDir, db.RemoteName)))
			fmt.Printf("Serving TaskFlow on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens for the document service"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var req server.TokenRequest
	var role string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("server.jwt_secret or TASKFLOW_JWT_SECRET is required")
			}
			switch r := domain.Role(role); r {
			case "", domain.RoleAdmin, domain.RoleWorker:
				req.Role = r
			default:
				return fmt.Errorf("unknown role %q: want admin or worker", role)
			}
			tok, err := server.IssueToken(secret, req, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Subject, "subject", "", "token subject (defaults to the email)")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name claim")
	cmd.Flags().StringVar(&req.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", "", "role claim (admin or worker); derived from admin.emails when empty")
	cmd.Flags().DurationVar(&req.TTL, "ttl", 0, "token lifetime (0 never expires)")
	return cmd
}
