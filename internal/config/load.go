package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix prefixes every section variable, e.g. CADENCE_BROKER_PREFETCH
const EnvPrefix = "CADENCE_"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cadence/config.yaml",
}

// legacyEnv maps the variable names the services have always read
var legacyEnv = map[string]string{
	"RABBIT_URL":   "broker.url",
	"RABIT_URL":    "broker.url",
	"JWT_SECRET":   "auth.secret",
	"FRONTEND_URL": "gateway.allowed_origins",
	"PORT":         "gateway.addr",
	"LOG_LEVEL":    "log.level",
	"LOG_FORMAT":   "log.format",
}

var sections = []string{"broker", "auth", "gateway", "topics", "outbox", "notification", "log"}

// sliceConfigPaths are split on commas when they come from the environment
var sliceConfigPaths = []string{
	"gateway.allowed_origins",
}

// Load reads .env if present, then layers defaults, the config file and the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		slog.Debug("loaded config file", "path", path)
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps an environment variable onto a config path. Variables
// that map to nothing are ignored.
func envTransform(key, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}

	if path, ok := legacyEnv[key]; ok {
		switch key {
		case "RABIT_URL":
			// the misspelled name only applies when the correct one is unset
			if os.Getenv("RABBIT_URL") != "" {
				return "", nil
			}
		case "PORT":
			if !strings.Contains(value, ":") {
				value = ":" + value
			}
		}
		return path, value
	}

	rest, ok := strings.CutPrefix(key, EnvPrefix)
	if !ok {
		return "", nil
	}
	rest = strings.ToLower(rest)

	for _, section := range sections {
		if field, ok := strings.CutPrefix(rest, section+"_"); ok && field != "" {
			return section + "." + field, value
		}
	}
	return "", nil
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(raw, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("config: set %s: %w", path, err)
		}
	}
	return nil
}
