package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbspeed/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultServerAddr           = "0.0.0.0"
	defaultServerPort           = 5000
	defaultServerMaxConnections = 256
	defaultDownloadDefaultSize  = "10mib"
	defaultDownloadMaxSize      = "1gib"
	defaultDownloadChunkSize    = "64kib"
	defaultUploadMaxSize        = "1gib"
	defaultRecordRatePerSecond  = 5
	defaultRecordRateBurst      = 10
	defaultHistoryLimit         = 100
	defaultLiveEnabled          = true
	defaultMetricsEnabled       = true
	defaultShutdownTimeout      = 3 * time.Second

	defaultStoragePath = "fbspeed.db"

	defaultClientServerURL      = "http://127.0.0.1:5000"
	defaultClientPingSamples    = 5
	defaultClientRequestTimeout = 10 * time.Second
	defaultClientDownloadLimit  = 15 * time.Second
	defaultClientDownloadSize   = "100mib"
	defaultClientUploadLimit    = 15 * time.Second
	defaultClientUploadSize     = "25mib"
	defaultClientDerivedDelay   = 2 * time.Second
	defaultClientCooldown       = 500 * time.Millisecond

	UploadModeMeasured = "measured"
	UploadModeDerived  = "derived"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	GeoIP   GeoIPConfig   `yaml:"geoip"`
	Client  ClientConfig  `yaml:"client"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	BindAddr        string          `yaml:"bind_addr"`
	BindPort        int             `yaml:"bind_port"`
	MaxConnections  int             `yaml:"max_connections"`
	AuthToken       string          `yaml:"auth_token"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Download        DownloadConfig  `yaml:"download"`
	Upload          UploadConfig    `yaml:"upload"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	History         HistoryConfig   `yaml:"history"`
	Live            LiveConfig      `yaml:"live"`
	Metrics         MetricsConfig   `yaml:"metrics"`
}

type DownloadConfig struct {
	DefaultSize string `yaml:"default_size"`
	MaxSize     string `yaml:"max_size"`
	ChunkSize   string `yaml:"chunk_size"`

	DefaultBytes int64 `yaml:"-"`
	MaxBytes     int64 `yaml:"-"`
	ChunkBytes   int64 `yaml:"-"`
}

type UploadConfig struct {
	MaxSize string `yaml:"max_size"`

	MaxBytes int64 `yaml:"-"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

type LiveConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type GeoIPConfig struct {
	Database    string `yaml:"database"`
	ASNDatabase string `yaml:"asn_database"`
}

type ClientConfig struct {
	ServerURL      string    `yaml:"server_url"`
	PingSamples    int       `yaml:"ping_samples"`
	RequestTimeout Duration  `yaml:"request_timeout"`
	DownloadLimit  Duration  `yaml:"download_limit"`
	DownloadSize   string    `yaml:"download_size"`
	UploadMode     string    `yaml:"upload_mode"`
	UploadLimit    Duration  `yaml:"upload_limit"`
	UploadSize     string    `yaml:"upload_size"`
	DerivedDelay   *Duration `yaml:"derived_delay"`
	Cooldown       *Duration `yaml:"cooldown"`

	DownloadBytes int64 `yaml:"-"`
	UploadBytes   int64 `yaml:"-"`
}

func (l LiveConfig) IsEnabled() bool {
	return util.BoolValue(l.Enabled, defaultLiveEnabled)
}

func (m MetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultMetricsEnabled)
}

// DerivedDelayDuration returns the wait before a derived upload figure is
// reported. An explicit zero disables it.
func (c ClientConfig) DerivedDelayDuration() time.Duration {
	if c.DerivedDelay == nil {
		return defaultClientDerivedDelay
	}
	return c.DerivedDelay.Duration()
}

// CooldownDuration returns the pause between phases. An explicit zero
// disables it.
func (c ClientConfig) CooldownDuration() time.Duration {
	if c.Cooldown == nil {
		return defaultClientCooldown
	}
	return c.Cooldown.Duration()
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated config with every option at its default.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Validate re-applies defaults and validation after callers override fields.
func (c *Config) Validate() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultServerAddr
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = defaultServerPort
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = defaultServerMaxConnections
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}
	if c.Server.Download.DefaultSize == "" {
		c.Server.Download.DefaultSize = defaultDownloadDefaultSize
	}
	if c.Server.Download.MaxSize == "" {
		c.Server.Download.MaxSize = defaultDownloadMaxSize
	}
	if c.Server.Download.ChunkSize == "" {
		c.Server.Download.ChunkSize = defaultDownloadChunkSize
	}
	if c.Server.Upload.MaxSize == "" {
		c.Server.Upload.MaxSize = defaultUploadMaxSize
	}
	if c.Server.RateLimit.PerSecond == 0 {
		c.Server.RateLimit.PerSecond = defaultRecordRatePerSecond
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = defaultRecordRateBurst
	}
	if c.Server.History.Limit == 0 {
		c.Server.History.Limit = defaultHistoryLimit
	}
	if c.Server.Live.Enabled == nil {
		enabled := defaultLiveEnabled
		c.Server.Live.Enabled = &enabled
	}
	if c.Server.Metrics.Enabled == nil {
		enabled := defaultMetricsEnabled
		c.Server.Metrics.Enabled = &enabled
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultClientServerURL
	}
	if c.Client.PingSamples == 0 {
		c.Client.PingSamples = defaultClientPingSamples
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = Duration(defaultClientRequestTimeout)
	}
	if c.Client.DownloadLimit == 0 {
		c.Client.DownloadLimit = Duration(defaultClientDownloadLimit)
	}
	if c.Client.DownloadSize == "" {
		c.Client.DownloadSize = defaultClientDownloadSize
	}
	if c.Client.UploadMode == "" {
		c.Client.UploadMode = UploadModeMeasured
	}
	if c.Client.UploadLimit == 0 {
		c.Client.UploadLimit = Duration(defaultClientUploadLimit)
	}
	if c.Client.UploadSize == "" {
		c.Client.UploadSize = defaultClientUploadSize
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error: %q", c.Log.Level)
	}

	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		return errors.New("server.bind_port must be in 1..65535")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server.shutdown_timeout must be > 0")
	}
	if err := parsePositiveSize(c.Server.Download.DefaultSize, "server.download.default_size", &c.Server.Download.DefaultBytes); err != nil {
		return err
	}
	if err := parsePositiveSize(c.Server.Download.MaxSize, "server.download.max_size", &c.Server.Download.MaxBytes); err != nil {
		return err
	}
	if err := parsePositiveSize(c.Server.Download.ChunkSize, "server.download.chunk_size", &c.Server.Download.ChunkBytes); err != nil {
		return err
	}
	if c.Server.Download.DefaultBytes > c.Server.Download.MaxBytes {
		return errors.New("server.download.default_size must be <= max_size")
	}
	if c.Server.Download.ChunkBytes > 16<<20 {
		return errors.New("server.download.chunk_size must be <= 16mib")
	}
	if err := parsePositiveSize(c.Server.Upload.MaxSize, "server.upload.max_size", &c.Server.Upload.MaxBytes); err != nil {
		return err
	}
	if c.Server.RateLimit.PerSecond < 0 {
		return errors.New("server.rate_limit.per_second must be >= 0")
	}
	if c.Server.RateLimit.Burst <= 0 {
		return errors.New("server.rate_limit.burst must be > 0")
	}
	if c.Server.History.Limit <= 0 {
		return errors.New("server.history.limit must be > 0")
	}

	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	c.GeoIP.Database = strings.TrimSpace(c.GeoIP.Database)
	c.GeoIP.ASNDatabase = strings.TrimSpace(c.GeoIP.ASNDatabase)

	c.Client.ServerURL = strings.TrimRight(strings.TrimSpace(c.Client.ServerURL), "/")
	parsed, err := url.Parse(c.Client.ServerURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("client.server_url must be an http(s) URL: %q", c.Client.ServerURL)
	}
	if c.Client.PingSamples <= 0 {
		return errors.New("client.ping_samples must be > 0")
	}
	if c.Client.RequestTimeout.Duration() <= 0 {
		return errors.New("client.request_timeout must be > 0")
	}
	if c.Client.DownloadLimit.Duration() <= 0 {
		return errors.New("client.download_limit must be > 0")
	}
	if err := parsePositiveSize(c.Client.DownloadSize, "client.download_size", &c.Client.DownloadBytes); err != nil {
		return err
	}
	c.Client.UploadMode = strings.ToLower(strings.TrimSpace(c.Client.UploadMode))
	switch c.Client.UploadMode {
	case UploadModeMeasured, UploadModeDerived:
	default:
		return fmt.Errorf("client.upload_mode must be %s or %s", UploadModeMeasured, UploadModeDerived)
	}
	if c.Client.UploadLimit.Duration() <= 0 {
		return errors.New("client.upload_limit must be > 0")
	}
	if err := parsePositiveSize(c.Client.UploadSize, "client.upload_size", &c.Client.UploadBytes); err != nil {
		return err
	}
	if c.Client.DerivedDelayDuration() < 0 {
		return errors.New("client.derived_delay must be >= 0")
	}
	if c.Client.CooldownDuration() < 0 {
		return errors.New("client.cooldown must be >= 0")
	}
	return nil
}

func parsePositiveSize(raw, path string, out *int64) error {
	n, err := ParseSize(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", path)
	}
	*out = n
	return nil
}
