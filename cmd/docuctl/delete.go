package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docuvector-go/internal/app"
	"docuvector-go/pkg/token"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [document-id...]",
	Short: "Delete documents and all their chunks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			missing := 0
			for _, id := range args {
				deleted, err := a.Documents.Delete(ctx, id)
				if err != nil {
					return err
				}
				if deleted {
					cmd.Printf("%s %s\n", color.GreenString("deleted"), id)
				} else {
					missing++
					cmd.Printf("%s %s\n", color.YellowString("not found"), id)
				}
			}
			if missing == len(args) {
				return fmt.Errorf("none of the %d documents exist", len(args))
			}
			return nil
		})
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Print the bcrypt hash of an API key for auth.api_keys",
	Long:  `Without an argument a random key is generated and printed along with its hash.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := token.GenerateRandomString(32)
		if len(args) == 1 {
			key = args[0]
		} else {
			cmd.Printf("key:  %s\n", key)
		}
		hash, err := token.HashKey(key)
		if err != nil {
			return err
		}
		cmd.Printf("hash: %s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd, hashKeyCmd)
}
