package schema

import "time"

// DefaultTypingExpiry is how long a typing indicator stays visible after the
// last typing signal.
const DefaultTypingExpiry = 2000 * time.Millisecond

// DefaultMaxMessageBytes bounds a single wire message. Snapshots carry the
// whole document, so the limit is generous.
const DefaultMaxMessageBytes = 1 << 20

// DefaultSendBuffer is the per-connection outbound queue depth.
const DefaultSendBuffer = 256

// ServiceConfig defines defaults and limits shared by the coordinator and
// the session agent.
type ServiceConfig struct {
	TypingExpiry    time.Duration
	DefaultLanguage LanguageTag
	MaxMessageBytes int64
	SendBuffer      int
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultTypingExpiry
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if _, err := NormalizeLanguage(string(cfg.DefaultLanguage)); err != nil {
		return ServiceConfig{}, err
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return cfg, nil
}
