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

var rotateOrgFlag string

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt an organization's stored credentials under the current master key.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRotate()
	},
}

func init() {
	rotateCmd.Flags().StringVar(&rotateOrgFlag, "org", "", "Organization id to rotate")
	_ = rotateCmd.MarkFlagRequired("org")
}

func runRotate() error {
	orgID, err := uuid.Parse(strings.TrimSpace(rotateOrgFlag))
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

	report, err := svc.Rotator.BulkRotate(ctx, orgID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130, err: err, silent: true}
		}
		return err
	}

	logger.Info("credential rotation finished",
		"organization_id", orgID,
		"rotated", report.Rotated,
		"failed", report.Failed)
	for _, detail := range report.Errors {
		logger.Warn("credential rotation error", "detail", detail)
	}

	if report.Failed > 0 {
		return &exitError{
			code: 1,
			err:  fmt.Errorf("%d credentials could not be rotated", report.Failed),
		}
	}
	return nil
}
