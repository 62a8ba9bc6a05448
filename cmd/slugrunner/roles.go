package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/slugrunner/internal/procfile"
	"github.com/p-arndt/slugrunner/internal/slug"
)

func newRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles <slug>",
		Short: "List the process types a slug declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "slugrunner-roles-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			if err := slug.Fetch(cmd.Context(), args[0], dir); err != nil {
				return err
			}
			roles, err := procfile.Roles(dir)
			if err != nil {
				return err
			}
			for _, role := range roles {
				command, err := procfile.Resolve(dir, role, false)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", role, command.Line)
			}
			return nil
		},
	}
}
