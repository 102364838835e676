package taxonomy

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/dashboard"
)

// Command creates the taxonomy command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Manage the detection server's taxonomy data",
	}

	cmd.AddCommand(syncCommand(settings))

	return cmd
}

// syncCommand triggers a taxonomy sync on the server and follows it to completion.
func syncCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the server's taxonomy database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dashboard.SyncTaxonomy(cmd.Context(), settings)
		},
	}
}
