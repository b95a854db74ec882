package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty,
// uses DefaultConfigPath. A missing file yields the defaults.
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
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("service.buffer_max_lines", cfg.Service.BufferMaxLines)
	v.SetDefault("shell.dial_timeout_seconds", cfg.Shell.DialTimeoutSeconds)
	v.SetDefault("display.gateway_url", cfg.Display.GatewayURL)
	v.SetDefault("display.handshake_timeout_seconds", cfg.Display.HandshakeTimeoutSeconds)
	v.SetDefault("probe.timeout_ms", cfg.Probe.TimeoutMillis)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.session_cookie", cfg.HTTP.SessionCookie)
	v.SetDefault("http.session_ttl_hours", cfg.HTTP.SessionTTLHours)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.initial_buffer_lines", cfg.HTTP.InitialBufferLines)
	v.SetDefault("http.ui_max_buffer_lines", cfg.HTTP.UIMaxBufferLines)
	v.SetDefault("console.addr", cfg.Console.Addr)
	v.SetDefault("console.host_key_path", cfg.Console.HostKeyPath)
	v.SetDefault("keys.store_path", cfg.Keys.StorePath)
	v.SetDefault("keys.key_dir", cfg.Keys.KeyDir)
	v.SetDefault("keys.agent_dir", cfg.Keys.AgentDir)
	v.SetDefault("hostkeys.file", cfg.HostKeys.File)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)
	v.SetDefault("logging.disable_request_logs", cfg.Logging.DisableRequestLogs)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
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
		if v.IsSet("ssh") {
			return Config{}, fmt.Errorf("the ssh section was split in config_version 2; use shell, keys, and console")
		}
		if v.IsSet("display.embedded") {
			return Config{}, fmt.Errorf("display.embedded is not supported; set display.gateway_url instead")
		}
		if !v.IsSet("keys.store_path") {
			return Config{}, fmt.Errorf("keys.store_path is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("keys.key_dir") {
			return Config{}, fmt.Errorf("keys.key_dir is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("keys.agent_dir") {
			return Config{}, fmt.Errorf("keys.agent_dir is required for config_version %d", CurrentConfigVersion)
		}
		if !v.IsSet("hostkeys.file") {
			return Config{}, fmt.Errorf("hostkeys.file is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateHTTPConfig(cfg.HTTP); err != nil {
		return Config{}, err
	}
	if err := validateDisplayConfig(cfg.Display); err != nil {
		return Config{}, err
	}
	if cfg.Probe.TimeoutMillis <= 0 {
		return Config{}, fmt.Errorf("probe.timeout_ms must be positive")
	}
	return cfg, nil
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func validateDisplayConfig(cfg DisplayConfig) error {
	gatewayURL := strings.TrimSpace(cfg.GatewayURL)
	if gatewayURL == "" {
		return nil
	}
	parsed, err := url.Parse(gatewayURL)
	if err != nil {
		return fmt.Errorf("display.gateway_url is not a valid URL: %v", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("display.gateway_url must use ws or wss, got %q", parsed.Scheme)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Console.HostKeyPath = expandEnv(cfg.Console.HostKeyPath)
	cfg.Keys.StorePath = expandEnv(cfg.Keys.StorePath)
	cfg.Keys.KeyDir = expandEnv(cfg.Keys.KeyDir)
	cfg.Keys.AgentDir = expandEnv(cfg.Keys.AgentDir)
	cfg.HostKeys.File = expandEnv(cfg.HostKeys.File)
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
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
