package cfg

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/service"
)

const (
	ServiceGitHub = "github"
	ServiceGitLab = "gitlab"
)

const (
	DefaultPollingPeriod             = 60 * time.Second
	DefaultMaxAge                    = 120 * 24 * time.Hour
	DefaultBuildbotHost              = "localhost"
	DefaultBuildbotPort              = 8010
	DefaultMergeabilityTimeout       = 60 * time.Second
	DefaultMergeabilityCacheLifetime = 7 * 24 * time.Hour
	DefaultAPIRetryAttempts          = 5
	DefaultAPIRetryDelay             = time.Second
	DefaultCacheFile                 = "/var/lib/buildconfd/cache.yml"
	DefaultStateFile                 = "/var/lib/buildconfd/state.yml"
	DefaultManifestFile              = "workspace.yml"
	DefaultBuildconfCheckoutDir      = "/var/lib/buildconfd/buildconf"
	DefaultLogFormat                 = "logfmt"
	DefaultLogTimeKey                = "time_iso8601"
	DefaultLogLevel                  = "info"
)

type Config struct {
	APIKey                    string              `toml:"daemon_api_key"`
	PollingPeriodSec          int                 `toml:"daemon_polling_period"`
	MaxAgeDays                int                 `toml:"daemon_max_age"`
	BuildbotHost              string              `toml:"daemon_buildbot_host"`
	BuildbotPort              int                 `toml:"daemon_buildbot_port"`
	BuildbotUser              string              `toml:"daemon_buildbot_user"`
	BuildbotPassword          string              `toml:"daemon_buildbot_password"`
	Project                   string              `toml:"daemon_project"`
	Services                  map[string]*Service `toml:"daemon_services"`
	PRCommitStrategy          string              `toml:"pr_commit_strategy"`
	PRFilterQuery             string              `toml:"pr_filter_query"`
	MergeabilityTimeoutSec    int                 `toml:"mergeability_timeout"`
	MergeabilityCacheLifetime int                 `toml:"mergeability_cache_lifetime"`
	APIRetryAttempts          int                 `toml:"api_retry_attempts"`
	APIRetryDelaySec          int                 `toml:"api_retry_delay"`
	CacheFile                 string              `toml:"cache_file"`
	StateFile                 string              `toml:"state_file"`
	ManifestFile              string              `toml:"manifest_file"`
	WorkspaceDir              string              `toml:"workspace_dir"`
	WorkspaceUpdateCommand    []string            `toml:"workspace_update_command"`
	BuildconfCheckoutDir      string              `toml:"buildconf_checkout_dir"`
	HTTPListenAddr            string              `toml:"http_server_listen_addr"`
	LogFormat                 string              `toml:"log_format"`
	LogTimeKey                string              `toml:"log_time_key"`
	LogLevel                  string              `toml:"log_level"`
}

// Service configures the hosting service of a host.
type Service struct {
	Service     string `toml:"service"`
	APIEndpoint string `toml:"api_endpoint"`
	// AccessToken is used instead of daemon_api_key when set.
	AccessToken string `toml:"access_token"`
}

// Load reads a TOML configuration, applies defaults and validates it.
// It returns an *apierr.ConfigError when a setting is missing or
// invalid.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) setDefaults() {
	if c.PollingPeriodSec == 0 {
		c.PollingPeriodSec = int(DefaultPollingPeriod / time.Second)
	}

	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = int(DefaultMaxAge / (24 * time.Hour))
	}

	if c.BuildbotHost == "" {
		c.BuildbotHost = DefaultBuildbotHost
	}

	if c.BuildbotPort == 0 {
		c.BuildbotPort = DefaultBuildbotPort
	}

	if len(c.Services) == 0 {
		c.Services = map[string]*Service{"github.com": {Service: ServiceGitHub}}
	}

	if c.PRCommitStrategy == "" {
		c.PRCommitStrategy = string(service.CommitStrategyAuto)
	}

	if c.MergeabilityTimeoutSec == 0 {
		c.MergeabilityTimeoutSec = int(DefaultMergeabilityTimeout / time.Second)
	}

	if c.MergeabilityCacheLifetime == 0 {
		c.MergeabilityCacheLifetime = int(DefaultMergeabilityCacheLifetime / (24 * time.Hour))
	}

	if c.APIRetryAttempts == 0 {
		c.APIRetryAttempts = DefaultAPIRetryAttempts
	}

	if c.APIRetryDelaySec == 0 {
		c.APIRetryDelaySec = int(DefaultAPIRetryDelay / time.Second)
	}

	if c.CacheFile == "" {
		c.CacheFile = DefaultCacheFile
	}

	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}

	if c.ManifestFile == "" {
		c.ManifestFile = DefaultManifestFile
	}

	if c.WorkspaceDir == "" {
		c.WorkspaceDir = filepath.Dir(c.ManifestFile)
	}

	if c.BuildconfCheckoutDir == "" {
		c.BuildconfCheckoutDir = DefaultBuildconfCheckoutDir
	}

	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = DefaultLogTimeKey
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate returns an *apierr.ConfigError for the first invalid setting.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return apierr.NewConfigError("daemon_api_key", "must be set")
	}

	if c.PollingPeriodSec < 0 {
		return apierr.NewConfigError("daemon_polling_period", "must be positive")
	}

	if c.MaxAgeDays < 0 {
		return apierr.NewConfigError("daemon_max_age", "must be positive")
	}

	if c.BuildbotPort < 0 || c.BuildbotPort > 65535 {
		return apierr.NewConfigError("daemon_buildbot_port", fmt.Sprintf("invalid port: %d", c.BuildbotPort))
	}

	if _, err := service.ParseCommitStrategy(c.PRCommitStrategy); err != nil {
		return apierr.NewConfigError("pr_commit_strategy", err.Error())
	}

	if c.MergeabilityTimeoutSec < 0 {
		return apierr.NewConfigError("mergeability_timeout", "must be positive")
	}

	if c.MergeabilityCacheLifetime < 0 {
		return apierr.NewConfigError("mergeability_cache_lifetime", "must be positive")
	}

	if c.APIRetryAttempts < 0 {
		return apierr.NewConfigError("api_retry_attempts", "must be positive")
	}

	if c.APIRetryDelaySec < 0 {
		return apierr.NewConfigError("api_retry_delay", "must be positive")
	}

	for _, host := range c.Hosts() {
		svc := c.Services[host]
		key := fmt.Sprintf("daemon_services.%q.service", host)

		if svc == nil {
			return apierr.NewConfigError(key, "must be set")
		}

		switch svc.Service {
		case ServiceGitHub, ServiceGitLab:
		case "":
			return apierr.NewConfigError(key, "must be set")
		default:
			return apierr.NewConfigError(key, fmt.Sprintf("unsupported service: %q", svc.Service))
		}
	}

	switch c.LogFormat {
	case "logfmt", "console", "json":
	default:
		return apierr.NewConfigError("log_format", fmt.Sprintf("unsupported log format: %q", c.LogFormat))
	}

	return nil
}

// Hosts returns the sorted hosts of Services.
func (c *Config) Hosts() []string {
	result := make([]string, 0, len(c.Services))
	for host := range c.Services {
		result = append(result, host)
	}

	sort.Strings(result)

	return result
}

// AccessToken returns the API token for host.
func (c *Config) AccessToken(host string) string {
	if svc, exist := c.Services[host]; exist && svc.AccessToken != "" {
		return svc.AccessToken
	}

	return c.APIKey
}

func (c *Config) PollingPeriod() time.Duration {
	return time.Duration(c.PollingPeriodSec) * time.Second
}

func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

func (c *Config) APIRetryDelay() time.Duration {
	return time.Duration(c.APIRetryDelaySec) * time.Second
}

func (c *Config) MergeabilityTimeout() time.Duration {
	return time.Duration(c.MergeabilityTimeoutSec) * time.Second
}

func (c *Config) MergeabilityCacheLifetimeDuration() time.Duration {
	return time.Duration(c.MergeabilityCacheLifetime) * 24 * time.Hour
}

// CommitStrategy returns the parsed pr_commit_strategy, Validate must
// have succeeded before.
func (c *Config) CommitStrategy() service.CommitStrategy {
	s, _ := service.ParseCommitStrategy(c.PRCommitStrategy)
	return s
}
