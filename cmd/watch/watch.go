package watch

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/dashboard"
)

// Command creates the watch command, the daemon mode of perch.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Mirror the detection server feed locally",
		Long: "Watch connects to the detection server, keeps a reconciled local copy " +
			"of the detection feed and its background jobs, and serves the result " +
			"on the local mirror API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dashboard.Run(cmd.Context(), settings)
		},
	}
}
