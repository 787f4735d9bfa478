package config

import "time"

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Admission AdmissionConfig
	Session   SessionConfig
	Directory DirectoryConfig
	Transport TransportConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

// AdmissionConfig carries the attempt-rate tiers and the concurrent
// connection ceiling, keyed by trust class of the source address.
type AdmissionConfig struct {
	General      CounterConfig `mapstructure:"general"`
	Expired      CounterConfig `mapstructure:"expired"`
	MaxConns     TierInts      `mapstructure:"maxConns"`
	ReclaimEvery time.Duration `mapstructure:"reclaimEvery"`
}

// CounterConfig is one windowed attempt counter with per-trust-class limits.
type CounterConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Trusted   TierConfig    `mapstructure:"trusted"`
	Untrusted TierConfig    `mapstructure:"untrusted"`
}

type TierConfig struct {
	Ceiling  int           `mapstructure:"ceiling"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type TierInts struct {
	Trusted   int `mapstructure:"trusted"`
	Untrusted int `mapstructure:"untrusted"`
}

type SessionConfig struct {
	AuthGrace      time.Duration `mapstructure:"authGrace"`
	ReauthGrace    time.Duration `mapstructure:"reauthGrace"`
	EphemeralRate  float64       `mapstructure:"ephemeralRate"`
	EphemeralBurst int           `mapstructure:"ephemeralBurst"`
}

type DirectoryConfig struct {
	BaseURL      string        `mapstructure:"baseUrl"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ServiceToken string        `mapstructure:"serviceToken"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}
