package download

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/dashboard"
)

// Command creates the download command for fetching classification models.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "download <model-id>",
		Short: "Download a classification model on the detection server",
		Long: "Download asks the detection server to fetch a classification model " +
			"and follows the job until it finishes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dashboard.DownloadModel(cmd.Context(), settings, args[0])
		},
	}
}
