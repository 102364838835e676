// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateServerSettings(&settings.Server); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateFeedSettings(&settings.Feed); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateJobsSettings(&settings.Jobs); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateMirrorSettings(&settings.Mirror); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateServerSettings(server *ServerConfig) error {
	if server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url must be a valid absolute URL, got %q", server.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url scheme must be http or https, got %q", u.Scheme)
	}
	if server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %v", server.Timeout)
	}
	if server.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.requestspersecond must be positive, got %v", server.RequestsPerSecond)
	}
	return nil
}

func validateFeedSettings(feed *FeedConfig) error {
	if feed.PageSize < 1 || feed.PageSize > 1000 {
		return fmt.Errorf("feed.pagesize must be between 1 and 1000, got %d", feed.PageSize)
	}
	if feed.Refresh < 0 {
		return fmt.Errorf("feed.refresh must not be negative, got %v", feed.Refresh)
	}
	return nil
}

func validateJobsSettings(jobs *JobsConfig) error {
	if jobs.ReclassifyInterval <= 0 {
		return fmt.Errorf("jobs.reclassifyinterval must be positive, got %v", jobs.ReclassifyInterval)
	}
	if jobs.DownloadInterval <= 0 {
		return fmt.Errorf("jobs.downloadinterval must be positive, got %v", jobs.DownloadInterval)
	}
	if jobs.TaxonomyInterval <= 0 {
		return fmt.Errorf("jobs.taxonomyinterval must be positive, got %v", jobs.TaxonomyInterval)
	}
	if jobs.Grace < 0 {
		return fmt.Errorf("jobs.grace must not be negative, got %v", jobs.Grace)
	}
	return nil
}

func validateMirrorSettings(mirror *MirrorConfig) error {
	if !mirror.Enabled {
		return nil
	}
	if mirror.Listen == "" {
		return fmt.Errorf("mirror.listen is required when the mirror is enabled")
	}
	if _, _, err := net.SplitHostPort(mirror.Listen); err != nil {
		return fmt.Errorf("mirror.listen must be host:port, got %q", mirror.Listen)
	}
	return nil
}
