package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("admission.general.window", "60s")
	v.SetDefault("admission.general.untrusted.ceiling", 10)
	v.SetDefault("admission.general.untrusted.cooldown", "1s")
	v.SetDefault("admission.general.trusted.ceiling", 100)
	v.SetDefault("admission.general.trusted.cooldown", "0s")
	v.SetDefault("admission.expired.window", "60s")
	v.SetDefault("admission.expired.untrusted.ceiling", 30)
	v.SetDefault("admission.expired.untrusted.cooldown", "250ms")
	v.SetDefault("admission.expired.trusted.ceiling", 300)
	v.SetDefault("admission.expired.trusted.cooldown", "0s")
	v.SetDefault("admission.maxConns.untrusted", 20)
	v.SetDefault("admission.maxConns.trusted", 200)
	v.SetDefault("admission.reclaimEvery", "30s")

	v.SetDefault("session.authGrace", "10s")
	v.SetDefault("session.reauthGrace", "5s")
	v.SetDefault("session.ephemeralRate", 20)
	v.SetDefault("session.ephemeralBurst", 40)

	v.SetDefault("directory.baseUrl", "http://localhost:3000")
	v.SetDefault("directory.timeout", "3s")

	v.SetDefault("transport.readTimeout", "60s")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("TEAMAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
