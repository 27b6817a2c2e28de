package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/devcollab/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("coordinator.addr", cfg.Coordinator.Addr)
	v.SetDefault("coordinator.path", cfg.Coordinator.Path)
	v.SetDefault("backend.url", cfg.Backend.URL)
	v.SetDefault("backend.timeout_seconds", cfg.Backend.TimeoutSeconds)
	v.SetDefault("backend.max_retries", cfg.Backend.MaxRetries)
	v.SetDefault("backend.mock.addr", cfg.Backend.Mock.Addr)
	v.SetDefault("backend.mock.delay_ms", cfg.Backend.Mock.DelayMillis)
	v.SetDefault("service.typing_expiry_ms", cfg.Service.TypingExpiryMillis)
	v.SetDefault("service.default_language", cfg.Service.DefaultLanguage)
	v.SetDefault("service.max_message_bytes", cfg.Service.MaxMessageBytes)
	v.SetDefault("service.send_buffer", cfg.Service.SendBuffer)
	v.SetDefault("client.url", cfg.Client.URL)
	v.SetDefault("client.name", cfg.Client.Name)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if err := validateURL("backend.url", cfg.Backend.URL); err != nil {
		return err
	}
	if err := validateURL("client.url", cfg.Client.URL); err != nil {
		return err
	}
	if cfg.Service.TypingExpiryMillis < 0 {
		return fmt.Errorf("service.typing_expiry_ms must not be negative")
	}
	if lang := strings.TrimSpace(cfg.Service.DefaultLanguage); lang != "" {
		if _, err := schema.NormalizeLanguage(lang); err != nil {
			return fmt.Errorf("service.default_language: %w", err)
		}
	}
	if path := strings.TrimSpace(cfg.Coordinator.Path); path != "" && !strings.HasPrefix(path, "/") {
		return fmt.Errorf("coordinator.path must start with /")
	}
	return nil
}

func validateURL(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must include scheme and host (e.g. http://example.com)", key)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Coordinator.Addr = expandEnv(cfg.Coordinator.Addr)
	cfg.Backend.URL = expandEnv(cfg.Backend.URL)
	cfg.Backend.Mock.Addr = expandEnv(cfg.Backend.Mock.Addr)
	cfg.Client.URL = expandEnv(cfg.Client.URL)
	cfg.Client.Name = expandEnv(cfg.Client.Name)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
