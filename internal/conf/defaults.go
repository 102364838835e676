// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "perch")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/perch.log")

	viper.SetDefault("server.url", "http://localhost:8080")
	viper.SetDefault("server.token", "")
	viper.SetDefault("server.timeout", 30*time.Second)
	viper.SetDefault("server.requestspersecond", 10.0)
	viper.SetDefault("server.analyzecachettl", 15*time.Minute)

	viper.SetDefault("feed.pagesize", 100)
	viper.SetDefault("feed.includehidden", false)
	viper.SetDefault("feed.refresh", 5*time.Minute)

	viper.SetDefault("jobs.reclassifyinterval", 2*time.Second)
	viper.SetDefault("jobs.downloadinterval", 2*time.Second)
	viper.SetDefault("jobs.taxonomyinterval", 3*time.Second)
	viper.SetDefault("jobs.grace", 5*time.Second)

	viper.SetDefault("mirror.enabled", true)
	viper.SetDefault("mirror.listen", "localhost:8090")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.debug", false)
}
