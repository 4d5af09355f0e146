package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the binary's configuration. Values are layered: Default, then the
// YAML file named by --config, then SCRIPTDESK_* environment variables, then
// explicitly set flags.
type Config struct {
	// Version is the shipped script version. It tags the durable cache names.
	Version string `yaml:"version" env:"VERSION"`
	// Origin is where the desk's static files are served from.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Listen, if set, serves Origin through the router on this address.
	Listen string `yaml:"listen" env:"LISTEN"`
	Debug  bool   `yaml:"debug" env:"DEBUG"`
	// LogFormat selects the log handler: text or json.
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Durable DurableConfig `yaml:"durable" envPrefix:"DURABLE_"`
	Loader  LoaderConfig  `yaml:"loader" envPrefix:"LOADER_"`
	Queue   QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	Remote  RemoteConfig  `yaml:"remote" envPrefix:"REMOTE_"`
	Router  RouterConfig  `yaml:"router" envPrefix:"ROUTER_"`
	Weather WeatherConfig `yaml:"weather" envPrefix:"WEATHER_"`
}

// StoreConfig selects the persistent key-value store.
type StoreConfig struct {
	// Kind is one of file, bolt, memory.
	Kind string `yaml:"kind" env:"KIND"`
	Path string `yaml:"path" env:"PATH"`
}

// DurableConfig selects the backend of the router's durable caches.
type DurableConfig struct {
	// Kind is one of memory, disk, s3.
	Kind   string `yaml:"kind" env:"KIND"`
	Dir    string `yaml:"dir" env:"DIR"`
	Bucket string `yaml:"bucket" env:"BUCKET"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
	Region string `yaml:"region" env:"REGION"`
	// Debug wraps the backend in a logging decorator.
	Debug bool `yaml:"debug" env:"DEBUG"`
}

type LoaderConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	MaxRetries  int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type QueueConfig struct {
	Capacity      int           `yaml:"capacity" env:"CAPACITY"`
	DrainInterval time.Duration `yaml:"drain_interval" env:"DRAIN_INTERVAL"`
	// AnalyticsURL receives analytics items as JSON POSTs. When empty they
	// are kept in the analytics durable cache.
	AnalyticsURL string `yaml:"analytics_url" env:"ANALYTICS_URL"`
}

type RemoteConfig struct {
	ScriptDataURL       string        `yaml:"script_data_url" env:"SCRIPT_DATA_URL"`
	BackupScriptDataURL string        `yaml:"backup_script_data_url" env:"BACKUP_SCRIPT_DATA_URL"`
	ConfigURL           string        `yaml:"config_url" env:"CONFIG_URL"`
	BackupConfigURL     string        `yaml:"backup_config_url" env:"BACKUP_CONFIG_URL"`
	CheckInterval       time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	AutoUpdate          bool          `yaml:"auto_update" env:"AUTO_UPDATE"`
	MaxBackups          int           `yaml:"max_backups" env:"MAX_BACKUPS"`
}

type RouterConfig struct {
	CleanMaxAge   time.Duration `yaml:"clean_max_age" env:"CLEAN_MAX_AGE"`
	CleanInterval time.Duration `yaml:"clean_interval" env:"CLEAN_INTERVAL"`
}

type WeatherConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Location string `yaml:"location" env:"LOCATION"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Version:   "2.1.0",
		Origin:    "http://localhost:8000",
		LogFormat: "text",
		Store: StoreConfig{
			Kind: "file",
			Path: "scriptdesk.json",
		},
		Durable: DurableConfig{
			Kind: "disk",
			Dir:  "scriptdesk-cache",
		},
		Loader: LoaderConfig{
			CacheTTL:    5 * time.Minute,
			MaxRetries:  3,
			BackoffBase: time.Second,
			Timeout:     10 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:      100,
			DrainInterval: time.Minute,
		},
		Remote: RemoteConfig{
			ScriptDataURL:       "https://castrox-dev.github.io/script-atendimento-fibramar/script-data.json",
			BackupScriptDataURL: "https://raw.githubusercontent.com/castrox-dev/script-atendimento-fibramar/main/script-data.json",
			ConfigURL:           "https://castrox-dev.github.io/script-atendimento-fibramar/config.js",
			BackupConfigURL:     "https://raw.githubusercontent.com/castrox-dev/script-atendimento-fibramar/main/config.js",
			CheckInterval:       30 * time.Second,
			AutoUpdate:          true,
			MaxBackups:          5,
		},
		Router: RouterConfig{
			CleanMaxAge:   24 * time.Hour,
			CleanInterval: time.Hour,
		},
	}
}

// flagValues are the command-line overrides. Only flags the user set are
// applied.
type flagValues struct {
	configPath string
	listen     string
	origin     string
	storeKind  string
	storePath  string
	durable    string
	durableDir string
	debug      bool
	logFormat  string
	fs         *pflag.FlagSet
}

func newFlagSet(fv *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("scriptdesk", pflag.ContinueOnError)
	fs.StringVar(&fv.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&fv.listen, "listen", "", "serve the origin through the router on this address")
	fs.StringVar(&fv.origin, "origin", "", "origin serving the desk's static files")
	fs.StringVar(&fv.storeKind, "store", "", "persistent store kind: file, bolt or memory")
	fs.StringVar(&fv.storePath, "store-path", "", "persistent store path")
	fs.StringVar(&fv.durable, "durable", "", "durable cache backend: memory, disk or s3")
	fs.StringVar(&fv.durableDir, "durable-dir", "", "directory of the disk durable cache backend")
	fs.BoolVar(&fv.debug, "debug", false, "enable debug logging")
	fs.StringVar(&fv.logFormat, "log-format", "", "log format: text or json")
	fv.fs = fs
	return fs
}

func (fv *flagValues) apply(cfg *Config) {
	set := func(name string, fn func()) {
		if fv.fs.Changed(name) {
			fn()
		}
	}
	set("listen", func() { cfg.Listen = fv.listen })
	set("origin", func() { cfg.Origin = fv.origin })
	set("store", func() { cfg.Store.Kind = fv.storeKind })
	set("store-path", func() { cfg.Store.Path = fv.storePath })
	set("durable", func() { cfg.Durable.Kind = fv.durable })
	set("durable-dir", func() { cfg.Durable.Dir = fv.durableDir })
	set("debug", func() { cfg.Debug = fv.debug })
	set("log-format", func() { cfg.LogFormat = fv.logFormat })
}

// LoadConfig builds the configuration from args and environ, a list of
// KEY=VALUE pairs as returned by os.Environ.
func LoadConfig(args, environ []string) (*Config, error) {
	var fv flagValues
	fs := newFlagSet(&fv)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg := DefaultConfig()
	if fv.configPath != "" {
		if err := cfg.loadFile(fv.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      "SCRIPTDESK_",
		Environment: env.ToMap(environ),
	}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	fv.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin must be an absolute URL: %q", c.Origin))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json: %q", c.LogFormat))
	}

	switch c.Store.Kind {
	case "memory":
	case "file", "bolt":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for a %s store", c.Store.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind must be one of file, bolt, memory: %q", c.Store.Kind))
	}

	switch c.Durable.Kind {
	case "memory":
	case "disk":
		if c.Durable.Dir == "" {
			errs = append(errs, errors.New("durable.dir is required for a disk backend"))
		}
	case "s3":
		if c.Durable.Bucket == "" {
			errs = append(errs, errors.New("durable.bucket is required for an s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("durable.kind must be one of memory, disk, s3: %q", c.Durable.Kind))
	}

	if c.Loader.MaxRetries < 0 {
		errs = append(errs, errors.New("loader.max_retries must not be negative"))
	}
	if c.Queue.Capacity < 2 {
		errs = append(errs, errors.New("queue.capacity must be at least 2"))
	}
	if c.Remote.ScriptDataURL == "" {
		errs = append(errs, errors.New("remote.script_data_url is required"))
	}

	return errors.Join(errs...)
}

// LocalScriptDataURL is the script document served by the origin.
func (c *Config) LocalScriptDataURL() string {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return ""
	}
	return u.JoinPath("script-data.json").String()
}
