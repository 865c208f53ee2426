package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		accountID string
		days      int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one account, or every connected account",
		Long: `Fetch AI crawler traffic from Cloudflare and upsert the daily rollups.

With --account only that account is synced. Without it every connected
account is synced in turn, the same as the scheduled endpoint.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, rootOpts, accountID, days, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account ID to sync (default: all connected accounts)")
	cmd.Flags().IntVar(&days, "days", 0, "lookback in days (default: sync.default_lookback_days)")

	return cmd
}

func runSync(ctx context.Context, opts *RootOptions, accountID string, days int, out io.Writer) error {
	var id uuid.UUID
	if accountID != "" {
		parsed, err := uuid.Parse(accountID)
		if err != nil {
			return fmt.Errorf("invalid --account %q: %w", accountID, err)
		}
		id = parsed
	}
	if days < 0 {
		return fmt.Errorf("--days must not be negative")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if id == uuid.Nil {
		report, err := a.sync.SyncAllConnected(ctx, days)
		if err != nil {
			return err
		}
		return enc.Encode(report)
	}

	result, err := a.sync.SyncAccount(ctx, id, days)
	if err != nil {
		logger.Error("Sync failed", zap.String("account_id", id.String()), zap.Error(err))
		return err
	}
	return enc.Encode(result)
}
