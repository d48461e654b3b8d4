package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// tokenCmd mints a user token signed with security.jwt_secret, for operators
// testing the API without the CRM in front.
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an API token for a CRM user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		token, expiresAt, err := app.JWT.GenerateToken(uint(id))
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Printf("expires %s\n", time.Unix(expiresAt, 0).Local().Format(time.DateTime))
		return nil
	},
}
