package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/perch/cmd/download"
	"github.com/tphakala/perch/cmd/taxonomy"
	"github.com/tphakala/perch/cmd/watch"
	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/logging"
)

// cfgFile is read before the configuration is loaded, so it lives outside
// the settings struct.
var cfgFile string

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "perch",
		Short: "Companion daemon for a BirdNET detection server",
		Long: "Perch mirrors a detection server's feed locally: it keeps a reconciled " +
			"copy of recent detections, follows the server's background jobs, and " +
			"serves the combined view on a local HTTP API.",
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd)

	// Add sub-commands to the root command.
	watchCmd := watch.Command(settings)
	downloadCmd := download.Command(settings)
	taxonomyCmd := taxonomy.Command(settings)

	subcommands := []*cobra.Command{
		watchCmd,
		downloadCmd,
		taxonomyCmd,
	}

	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(settings)
	}

	// Running perch without a subcommand starts the watch daemon.
	rootCmd.RunE = watchCmd.RunE

	return rootCmd
}

// initialize is called before any subcommand runs. It loads the configuration
// and raises the log level when debug output is requested.
func initialize(settings *conf.Settings) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	loaded, err := conf.Load()
	if err != nil {
		return err
	}

	// Build metadata is set by main and survives the reload.
	version := settings.Version
	*settings = *loaded
	settings.Version = version

	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	return nil
}

// setupFlags defines flags that are global to the command line interface.
// Bound flags rank above configuration file values inside viper.
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("server", "", "Detection server base URL")
	rootCmd.PersistentFlags().String("token", "", "Detection server API token")

	flags := rootCmd.PersistentFlags()
	if err := viper.BindPFlag("debug", flags.Lookup("debug")); err != nil {
		return fmt.Errorf("error binding debug flag: %v", err)
	}
	if err := viper.BindPFlag("server.url", flags.Lookup("server")); err != nil {
		return fmt.Errorf("error binding server flag: %v", err)
	}
	if err := viper.BindPFlag("server.token", flags.Lookup("token")); err != nil {
		return fmt.Errorf("error binding token flag: %v", err)
	}

	return nil
}
