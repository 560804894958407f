package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ALEXWATCH"

// FlagKeys maps command-line flag names to configuration keys. Commands only
// define the flags they need; Load binds whichever are present.
var FlagKeys = map[string]string{
	"url":              "stream.url",
	"api":              "api.base_url",
	"token":            "auth.token",
	"token-file":       "auth.token_file",
	"max-attempts":     "stream.max_attempts",
	"granularity":      "breakpoint.granularity",
	"pause-on-failure": "breakpoint.pause_on_failure",
	"log-level":        "log.level",
	"log-stderr":       "log.stderr",
	"metrics-listen":   "metrics.listen",
	"history":          "view.history_limit",
	"all":              "view.show_all",
	"no-color":         "view.no_color",
	"host":             "devserver.host",
	"port":             "devserver.port",
	"script":           "devserver.script",
	"secret":           "devserver.secret",
	"debug":            "devserver.debug",
}

type loadOptions struct {
	configFile string
	searchDirs []string
	flags      *pflag.FlagSet
	homeDir    func() (string, error)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithConfigFile reads path instead of searching for alexwatch.yaml.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = strings.TrimSpace(path) }
}

// WithSearchDirs replaces the directories searched for alexwatch.yaml.
func WithSearchDirs(dirs ...string) Option {
	return func(o *loadOptions) { o.searchDirs = dirs }
}

// WithFlags binds the known flags present in fs.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(o *loadOptions) { o.flags = fs }
}

func defaults() map[string]any {
	return map[string]any{
		"stream.url":                  DefaultStreamURL,
		"stream.reconnect_interval":   DefaultReconnectInterval,
		"stream.max_attempts":         DefaultMaxAttempts,
		"stream.heartbeat":            DefaultHeartbeat,
		"stream.queue_size":           DefaultQueueSize,
		"stream.max_frame_bytes":      DefaultMaxFrameBytes,
		"api.base_url":                DefaultAPIBaseURL,
		"api.timeout":                 DefaultAPITimeout,
		"api.max_tries":               DefaultAPIMaxTries,
		"api.cache_size":              DefaultDetailCacheSize,
		"auth.token":                  "",
		"auth.token_file":             "",
		"auth.refresh_ahead":          DefaultRefreshAhead,
		"auth.max_failures":           DefaultMaxRefreshFailure,
		"breakpoint.granularity":      "off",
		"breakpoint.pause_on_failure": false,
		"log.level":                   "info",
		"log.stderr":                  false,
		"metrics.listen":              "",
		"view.history_limit":          DefaultHistoryLimit,
		"view.show_all":               false,
		"view.no_color":               false,
		"devserver.host":              "localhost",
		"devserver.port":              DefaultDevServerPort,
		"devserver.script":            "",
		"devserver.secret":            "",
		"devserver.token_ttl":         DefaultTokenTTL,
		"devserver.debug":             false,
	}
}

// Keys lists every configuration key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(defaults()))
	for key := range defaults() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// EnvVar is the environment variable that overrides key.
func EnvVar(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load resolves the configuration.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{homeDir: os.UserHomeDir}
	for _, opt := range opts {
		opt(&options)
	}
	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if options.configFile != "" {
		v.SetConfigFile(options.configFile)
	} else {
		v.SetConfigName("alexwatch")
		dirs := options.searchDirs
		if dirs == nil {
			dirs = []string{"."}
			if home, err := options.homeDir(); err == nil && home != "" {
				dirs = append(dirs, home+"/.alexwatch")
			}
		}
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if options.configFile != "" || !errors.As(err, &notFound) {
			return Config{}, Metadata{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		meta.file = v.ConfigFileUsed()
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if options.flags != nil {
		for name, key := range FlagKeys {
			if flag := options.flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, Metadata{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	for _, key := range Keys() {
		meta.sources[key] = sourceOf(v, key, options.flags)
	}
	return cfg, meta, nil
}

func sourceOf(v *viper.Viper, key string, flags *pflag.FlagSet) ValueSource {
	if flags != nil {
		for name, bound := range FlagKeys {
			if bound != key {
				continue
			}
			if flag := flags.Lookup(name); flag != nil && flag.Changed {
				return SourceOverride
			}
		}
	}
	if _, ok := os.LookupEnv(EnvVar(key)); ok {
		return SourceEnv
	}
	if v.InConfig(key) {
		return SourceFile
	}
	return SourceDefault
}

func normalize(cfg *Config) {
	cfg.Stream.URL = strings.TrimSpace(cfg.Stream.URL)
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.Auth.Token = strings.TrimSpace(cfg.Auth.Token)
	cfg.Auth.TokenFile = strings.TrimSpace(cfg.Auth.TokenFile)
	cfg.Breakpoint.Granularity = strings.ToLower(strings.TrimSpace(cfg.Breakpoint.Granularity))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
}
