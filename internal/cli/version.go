package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ntropish/larder/pkg/larder"
)

const modulePath = "github.com/ntropish/larder"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the larder version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "larder v%s\nmodule: %s\n", larder.Version, modulePath)
			return nil
		},
	}
}
