package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/luo-one/mailsync/internal/services"
	"github.com/spf13/cobra"
)

var (
	syncAll    bool
	syncInline bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [account-id]",
	Short: "Queue (or run) a sync pass",
	Long: `Queue a sync_account job for one account, or a sync_all fan-out with --all.
With --inline the pass runs in this process instead of through the queue.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if syncAll && len(args) > 0 {
			return errors.New("give an account id or --all, not both")
		}
		if !syncAll && len(args) != 1 {
			return errors.New("an account id or --all is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if syncAll {
			if syncInline {
				summary, err := app.Sync.SyncAllAccounts(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("accounts: %d, succeeded: %d, failed: %d, skipped: %d\n",
					summary.Accounts, summary.Succeeded, summary.Failed, summary.Skipped)
				for id, msg := range summary.Errors {
					fmt.Printf("  account %d: %s\n", id, msg)
				}
				return nil
			}
			job, created, err := app.Jobs.EnqueueSyncAll(ctx)
			if err != nil {
				return err
			}
			printEnqueued(job.ID, created)
			return nil
		}

		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid account id %q", args[0])
		}
		accountID := uint(id)
		if _, err := app.Accounts.GetAccountByID(accountID); err != nil {
			return err
		}

		if syncInline {
			result, err := app.Sync.SyncAccount(ctx, accountID)
			if err != nil {
				if services.IsAuthError(err) {
					return fmt.Errorf("account %d must be reconnected: %w", accountID, err)
				}
				return err
			}
			printResult(result)
			return nil
		}
		job, created, err := app.Jobs.EnqueueSyncAccount(ctx, accountID)
		if err != nil {
			return err
		}
		printEnqueued(job.ID, created)
		return nil
	},
}

func printEnqueued(jobID uint, created bool) {
	if created {
		fmt.Printf("queued job %d\n", jobID)
		return
	}
	fmt.Printf("job %d is already pending\n", jobID)
}

func printResult(r *services.SyncResult) {
	switch {
	case r.Skipped:
		fmt.Printf("account %d: a pass is already running\n", r.AccountID)
	case r.Disabled:
		fmt.Printf("account %d: sync disabled\n", r.AccountID)
	default:
		fmt.Printf("account %d: fetched %d, inserted %d, updated %d, stale %d, parse errors %d\n",
			r.AccountID, r.Fetched, r.Inserted, r.Updated, r.Stale, r.ParseErrors)
	}
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every enabled account")
	syncCmd.Flags().BoolVar(&syncInline, "inline", false, "run in this process instead of queueing")
}
