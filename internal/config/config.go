package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config is a read-only view over the merged configuration sources.
type Config struct {
	k *koanf.Koanf
}

// Defaults used when neither file nor environment sets a key.
var Defaults = map[string]interface{}{
	"log.level":                                    "info",
	"web.port":                                     ":8090",
	"db.mongo.url":                                 "mongodb://localhost:27017",
	"db.mongo.name":                                "appetite_kds",
	"nats.url":                                     "",
	"nats.stream.enabled":                          false,
	"redis.addr":                                   "",
	"redis.password":                               "",
	"redis.db":                                     0,
	"kds.enabled":                                  true,
	"kds.kitchen_id":                               "default",
	"kds.courses":                                  []string{"Starters", "Mains", "Desserts"},
	"kds.poll_interval_seconds":                    15,
	"kds.debounce_millis":                          250,
	"kds.completed_grace_seconds":                  120,
	"kds.away_thresholds.green":                    600,
	"kds.away_thresholds.amber":                    900,
	"kds.away_thresholds.red":                      1200,
	"kds.received_thresholds.green":                300,
	"kds.received_thresholds.amber":                600,
	"kds.received_thresholds.red":                  900,
	"sambapos.url":                                 "",
	"sambapos.client_id":                           "",
	"sambapos.username":                            "",
	"sambapos.password":                            "",
	"sambapos.table_entity_type":                   "Tables",
	"sambapos.covers_tag":                          "Covers",
	"sambapos.message_server.url":                  "",
	"sambapos.message_server.hub":                  "default",
	"sambapos.message_server.token":                "",
	"sambapos.message_server.read_timeout_seconds": 30,
}

// New returns a Config holding only the defaults.
func New() *Config {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(Defaults, "."), nil)
	return &Config{k: k}
}

// Load merges defaults, an optional YAML file (--config) and environment
// variables prefixed with namespace. KDS_KDS__POLL_INTERVAL_SECONDS maps to
// kds.poll_interval_seconds.
func Load(namespace string, args []string) (*Config, error) {
	flags := pflag.NewFlagSet(strings.ToLower(namespace), pflag.ContinueOnError)
	path := flags.String("config", "", "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "path to a dotenv file")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("cannot parse flags: %w", err)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load env file %s: %w", *envFile, err)
	}

	cfg := New()

	if *path != "" {
		if err := cfg.k.Load(file.Provider(*path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot load config file %s: %w", *path, err)
		}
	}

	prefix := strings.ToUpper(namespace) + "_"
	envProvider := env.Provider(prefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, prefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	})
	if err := cfg.k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("cannot load environment: %w", err)
	}

	return cfg, nil
}

// Set overrides a key. Intended for tests and programmatic setup.
func (c *Config) Set(key string, value interface{}) {
	_ = c.k.Set(key, value)
}

func (c *Config) GetString(key string) (string, bool) {
	if c == nil || !c.k.Exists(key) {
		return "", false
	}
	return c.k.String(key), true
}

func (c *Config) GetInt(key string) (int, bool) {
	if c == nil || !c.k.Exists(key) {
		return 0, false
	}
	return c.k.Int(key), true
}

func (c *Config) GetBool(key string) (bool, bool) {
	if c == nil || !c.k.Exists(key) {
		return false, false
	}
	return c.k.Bool(key), true
}

// GetStrings accepts both YAML lists and comma separated strings, the
// latter being the only shape environment variables can carry.
func (c *Config) GetStrings(key string) ([]string, bool) {
	if c == nil || !c.k.Exists(key) {
		return nil, false
	}
	if raw, ok := c.k.Get(key).(string); ok {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, true
	}
	return c.k.Strings(key), true
}

// GetSeconds reads an integer number of seconds as a duration.
func (c *Config) GetSeconds(key string) (time.Duration, bool) {
	n, ok := c.GetInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
