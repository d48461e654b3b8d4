package cli

import (
	"fmt"
	"os"

	"github.com/luo-one/mailsync/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	app        *App
)

// rootCmd runs the server when no subcommand is given
var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "CRM mail synchronization and linking engine",
	Long: `mailsync connects CRM users' mailboxes (Gmail, Outlook, IMAP/SMTP),
keeps a canonical threaded copy of their mail linked to CRM records, and
sends tracked mail on their behalf.

Examples:
  mailsync                      # HTTP API and job workers
  mailsync worker               # job workers only
  mailsync sync 12              # queue a pass for account 12
  mailsync sync --all --inline  # sync every account in this process
  mailsync jobs stats           # queue counts per status
  mailsync key show             # operator key for /api/jobs`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		app, err = NewApp(cfg)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), true)
	},
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or ./data/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(tokenCmd)
}
