package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cale-agent/internal/app"
	"cale-agent/internal/config"
)

func newForgetCmd(root *rootFlags) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete the stored conversation history of one user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd.Context(), root, config.ModeForget)
			if err != nil {
				return err
			}
			history, closeDB, err := app.OpenHistory(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeDB() }()

			n, err := history.Forget(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d mensajes borrados para el usuario %d\n", n, userID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id whose history is deleted")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
