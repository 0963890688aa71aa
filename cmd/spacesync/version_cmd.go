package main

import (
	"fmt"

	"github.com/openmined/spacesync/internal/manifest"
	"github.com/openmined/spacesync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print spacesync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\nmanifest schema %s\n", version.Detailed(), manifest.SchemaVersion)
			return err
		},
	}
}
