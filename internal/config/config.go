// Package config resolves the application settings from a .env file, an optional config
// file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"calendso/internal/calendar"
	"calendso/internal/models"
	"calendso/internal/office365"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
)

const oobRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

type Config struct {
	DatabasePath string
	LogLevel     string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	// GoogleAPICredentials is the client secret JSON as downloaded from the Google console.
	GoogleAPICredentials string

	Office365 office365.Config
	CalDAVURL string

	IsolateProviderFailures bool
	ProviderTimeout         time.Duration
}

// Load reads .env (if present), then path (if set), then the environment. Environment
// variables win over the config file.
func Load(path string) (*Config, error) {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("DATABASE_PATH", "calendso.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GOOGLE_REDIRECT_URL", oobRedirectURL)
	v.SetDefault("PROVIDER_TIMEOUT", "0s")
	v.SetDefault("ISOLATE_PROVIDER_FAILURES", false)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	timeout, err := time.ParseDuration(v.GetString("PROVIDER_TIMEOUT"))
	if err != nil {
		return nil, &models.ConfigurationError{Field: "PROVIDER_TIMEOUT", Err: err}
	}
	if timeout < 0 {
		return nil, &models.ConfigurationError{Field: "PROVIDER_TIMEOUT", Err: fmt.Errorf("negative duration %s", timeout)}
	}

	return &Config{
		DatabasePath:         v.GetString("DATABASE_PATH"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		GoogleClientID:       v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   v.GetString("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:    v.GetString("GOOGLE_REDIRECT_URL"),
		GoogleAPICredentials: v.GetString("GOOGLE_API_CREDENTIALS"),
		Office365: office365.Config{
			ClientID:     v.GetString("MS_GRAPH_CLIENT_ID"),
			ClientSecret: v.GetString("MS_GRAPH_CLIENT_SECRET"),
			Scope:        v.GetString("MS_GRAPH_SCOPE"),
			TokenURL:     v.GetString("MS_GRAPH_TOKEN_URL"),
			BaseURL:      v.GetString("MS_GRAPH_BASE_URL"),
		},
		CalDAVURL:               v.GetString("CALDAV_URL"),
		IsolateProviderFailures: v.GetBool("ISOLATE_PROVIDER_FAILURES"),
		ProviderTimeout:         timeout,
	}, nil
}

// GoogleOAuth returns the OAuth2 client config for Google Calendar. Explicit client ids take
// priority over the client secret JSON. It returns nil and no error when neither is set.
func (c *Config) GoogleOAuth() (*oauth2.Config, error) {
	if c.GoogleClientID != "" && c.GoogleClientSecret != "" {
		return &oauth2.Config{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURL:  c.GoogleRedirectURL,
			Scopes:       []string{gcal.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}
	if c.GoogleAPICredentials == "" {
		return nil, nil
	}

	config, err := google.ConfigFromJSON([]byte(c.GoogleAPICredentials), gcal.CalendarScope)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "GOOGLE_API_CREDENTIALS", Err: err}
	}
	if config.RedirectURL == "" {
		config.RedirectURL = c.GoogleRedirectURL
	}
	return config, nil
}

func (c *Config) AggregatorOptions() calendar.Options {
	return calendar.Options{
		IsolateFailures: c.IsolateProviderFailures,
		Timeout:         c.ProviderTimeout,
	}
}
