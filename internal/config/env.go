package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides (UIRESOLVE_MEMORY_POSTGRES_DSN, ...).
const EnvPrefix = "UIRESOLVE"

// envBindings maps dotted config keys to the field they override.
// Only endpoints, secrets and the log level are overridable from the environment.
func envBindings(cfg *Config) map[string]*string {
	return map[string]*string{
		"logging.level":         &cfg.Logging.Level,
		"memory.backend":        &cfg.Memory.Backend,
		"memory.sqlite_path":    &cfg.Memory.SQLitePath,
		"memory.postgres_dsn":   &cfg.Memory.PostgresDSN,
		"memory.redis_addr":     &cfg.Memory.RedisAddr,
		"telemetry.nats_url":    &cfg.Telemetry.NATSURL,
		"tools.data_dsn":        &cfg.Tools.DataDSN,
		"tools.functions_url":   &cfg.Tools.FunctionsURL,
		"tools.functions_token": &cfg.Tools.FunctionsToken,
		"tools.genai_api_key":   &cfg.Tools.GenAIAPIKey,
		"browser.debugger_url":  &cfg.Browser.DebuggerURL,
		"browser.base_url":      &cfg.Browser.BaseURL,
	}
}

// ApplyEnv overlays UIRESOLVE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, field := range envBindings(cfg) {
		_ = v.BindEnv(key)
		if val := v.GetString(key); val != "" {
			*field = val
		}
	}
}
