package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/devcollab/internal/execbackend"
	"pkt.systems/devcollab/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	Coordinator   CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Backend       BackendConfig     `mapstructure:"backend" yaml:"backend"`
	Service       ServiceConfig     `mapstructure:"service" yaml:"service"`
	Client        ClientConfig      `mapstructure:"client" yaml:"client"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// CoordinatorConfig configures the websocket relay listener.
type CoordinatorConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	Path string `mapstructure:"path" yaml:"path"`
}

// BackendConfig configures the execution backend. An empty URL selects the
// built-in mock backend.
type BackendConfig struct {
	URL            string     `mapstructure:"url" yaml:"url"`
	TimeoutSeconds int        `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int        `mapstructure:"max_retries" yaml:"max_retries"`
	Mock           MockConfig `mapstructure:"mock" yaml:"mock"`
}

// MockConfig configures the built-in mock backend listener.
type MockConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	DelayMillis int    `mapstructure:"delay_ms" yaml:"delay_ms"`
}

// ServiceConfig controls room behavior shared by coordinator and clients.
type ServiceConfig struct {
	TypingExpiryMillis int    `mapstructure:"typing_expiry_ms" yaml:"typing_expiry_ms"`
	DefaultLanguage    string `mapstructure:"default_language" yaml:"default_language"`
	MaxMessageBytes    int64  `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	SendBuffer         int    `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// ClientConfig holds defaults for the terminal client.
type ClientConfig struct {
	URL  string `mapstructure:"url" yaml:"url"`
	Name string `mapstructure:"name" yaml:"name"`
}

// Schema converts to the wire-level service config.
func (c ServiceConfig) Schema() schema.ServiceConfig {
	return schema.ServiceConfig{
		TypingExpiry:    time.Duration(c.TypingExpiryMillis) * time.Millisecond,
		DefaultLanguage: schema.LanguageTag(c.DefaultLanguage),
		MaxMessageBytes: c.MaxMessageBytes,
		SendBuffer:      c.SendBuffer,
	}
}

// HTTPConfig converts to the backend client config.
func (c BackendConfig) HTTPConfig() execbackend.HTTPConfig {
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return execbackend.HTTPConfig{
		BaseURL:    c.URL,
		Timeout:    time.Duration(c.TimeoutSeconds) * time.Second,
		MaxRetries: uint64(retries),
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Coordinator: CoordinatorConfig{
			Addr: ":27490",
			Path: "/ws",
		},
		Backend: BackendConfig{
			URL:            "",
			TimeoutSeconds: 60,
			MaxRetries:     2,
			Mock: MockConfig{
				Addr:        ":27491",
				DelayMillis: 0,
			},
		},
		Service: ServiceConfig{
			TypingExpiryMillis: int(schema.DefaultTypingExpiry / time.Millisecond),
			DefaultLanguage:    string(schema.DefaultLanguage),
			MaxMessageBytes:    schema.DefaultMaxMessageBytes,
			SendBuffer:         schema.DefaultSendBuffer,
		},
		Client: ClientConfig{
			URL:  "http://127.0.0.1:27490/ws",
			Name: "",
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".devcollab", "config.yaml"), nil
}
