package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect connected mailboxes",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every connected account",
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := app.Accounts.ListAccounts()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tEMAIL\tPROVIDER\tSYNC\tDEFAULT\tLAST SYNC")
		for _, a := range accounts {
			lastSync := "never"
			if a.LastSyncAt != nil {
				lastSync = a.LastSyncAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%t\t%t\t%s\n",
				a.ID, a.UserID, a.Email, a.Provider, a.SyncEnabled, a.IsDefault, lastSync)
		}
		return w.Flush()
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
}
