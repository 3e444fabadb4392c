package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carenet/referrals/internal/shared/auth"
	"github.com/carenet/referrals/internal/shared/config"
	"github.com/carenet/referrals/internal/shared/database"
	"github.com/carenet/referrals/internal/shared/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "referrald",
		Short: "Inter-hospital referral service with timeout-driven escalation",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "referrald")
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API and timeout coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			return app.serve(ctx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending referral store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.Migrate(ctx, db.Pool, log)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Database is up to date")
				return nil
			}
			fmt.Printf("Applied %d migration(s): %s\n", len(applied), strings.Join(applied, ", "))
			return nil
		},
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Expire overdue referrals and repair interrupted escalations once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.coordinator.Reconcile(ctx)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(report)
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		user auth.User
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("token issuing is disabled in production")
			}
			if user.HospitalID != "" && user.UserType == "" {
				user.UserType = "hospital"
			}
			token, err := auth.SignToken(cfg.Auth.JWTSecret, user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user.ID, "sub", "dev-user", "Subject (user id)")
	cmd.Flags().StringVar(&user.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&user.UserType, "type", "", "User type: hospital, operator or admin")
	cmd.Flags().StringVar(&user.HospitalID, "hospital", "", "Hospital the user acts for")
	cmd.Flags().StringSliceVar(&user.Roles, "role", []string{string(auth.RoleHospitalStaff)}, "Roles (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
