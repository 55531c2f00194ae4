package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mmynk/leasewise/internal/auth"
	"github.com/mmynk/leasewise/internal/models"
)

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply due period-end cancellations and pause resumptions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.manager.SweepBoundaries(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled=%d resumed=%d\n", res.Canceled, res.Resumed)
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// Both stores migrate when they open.
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			slog.Info("Schema up to date", "driver", cfg.DBDriver)
			return store.Close()
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			token, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL).Generate(&models.User{ID: args[0], Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email claim")
	return cmd
}
