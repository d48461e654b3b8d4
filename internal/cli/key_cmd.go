package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// keyCmd manages the operator key that guards /api/jobs
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Operator API key management",
}

var keyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current operator key",
	RunE: func(cmd *cobra.Command, args []string) error {
		currentKey := app.OperatorKeys.GetCurrentKey()
		if currentKey == "" {
			return fmt.Errorf("no operator key available")
		}
		fmt.Println(currentKey)
		return nil
	},
}

var keyResetYes bool

var keyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Generate a new operator key; the old one stops working",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !keyResetYes {
			fmt.Print("Clients using the current key will lose access. Reset? (yes/no): ")
			input, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			input = strings.TrimSpace(strings.ToLower(input))
			if input != "yes" && input != "y" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		newKey, err := app.OperatorKeys.ResetKey()
		if err != nil {
			return fmt.Errorf("reset key: %w", err)
		}
		fmt.Println(newKey)
		return nil
	},
}

func init() {
	keyResetCmd.Flags().BoolVarP(&keyResetYes, "yes", "y", false, "skip the confirmation prompt")
	keyCmd.AddCommand(keyShowCmd)
	keyCmd.AddCommand(keyResetCmd)
}
