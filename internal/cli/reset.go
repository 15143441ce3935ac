package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the store to a first-boot state",
		Long:  "Discard existing storage, then re-run migrations and first-boot seeding.",
		RunE:  runReset,
	}
}

func runReset(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context())
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("open storage: %s", err))
	}
	defer s.Close()

	if err := s.Reset(cmd.Context()); err != nil {
		return exitError(exitSysError, fmt.Sprintf("reset: %s", err))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Larder reset to a fresh, migrated, seeded state")
	return nil
}
