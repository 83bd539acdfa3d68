package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/junctionhq/junction/internal/config"
)

var healthcheckOrgFlag string

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Test every credentialed connection in an organization now.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealthcheck()
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthcheckOrgFlag, "org", "", "Organization id to sweep")
	_ = healthcheckCmd.MarkFlagRequired("org")
}

func runHealthcheck() error {
	orgID, err := uuid.Parse(strings.TrimSpace(healthcheckOrgFlag))
	if err != nil {
		return fmt.Errorf("invalid --org: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := slog.Default()

	svc, err := buildServices(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	report, err := svc.Checks.RunHealthChecks(ctx, orgID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130, err: err, silent: true}
		}
		return err
	}

	logger.Info("health sweep finished",
		"organization_id", orgID,
		"tested", report.Tested,
		"passed", report.Passed,
		"failed", report.Failed)

	if report.Failed > 0 {
		return &exitError{
			code: 1,
			err:  fmt.Errorf("%d of %d connections failed their health check", report.Failed, report.Tested),
		}
	}
	return nil
}
