package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/gantry/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Service       ServiceConfig  `mapstructure:"service" yaml:"service"`
	Shell         ShellConfig    `mapstructure:"shell" yaml:"shell"`
	Display       DisplayConfig  `mapstructure:"display" yaml:"display"`
	Probe         ProbeConfig    `mapstructure:"probe" yaml:"probe"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	Console       ConsoleConfig  `mapstructure:"console" yaml:"console"`
	Keys          KeysConfig     `mapstructure:"keys" yaml:"keys"`
	HostKeys      HostKeysConfig `mapstructure:"hostkeys" yaml:"hostkeys"`
	Auth          AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 2

// ServiceConfig controls coordinator behavior.
type ServiceConfig struct {
	BufferMaxLines int `mapstructure:"buffer_max_lines" yaml:"buffer_max_lines"`
}

// ShellConfig configures the SSH shell engine.
type ShellConfig struct {
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
}

// DialTimeout returns the configured dial timeout.
func (c ShellConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// DisplayConfig configures the display gateway client. An empty
// GatewayURL leaves display sessions unavailable.
type DisplayConfig struct {
	GatewayURL              string `mapstructure:"gateway_url" yaml:"gateway_url"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
}

// HandshakeTimeout returns the configured handshake timeout.
func (c DisplayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// ProbeConfig configures the reachability probe.
type ProbeConfig struct {
	TimeoutMillis int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// Timeout returns the configured probe timeout.
func (c ProbeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// HTTPConfig configures the web workspace server.
type HTTPConfig struct {
	Addr               string `mapstructure:"addr" yaml:"addr"`
	SessionCookie      string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours    int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url"`
	BasePath           string `mapstructure:"base_path" yaml:"base_path"`
	InitialBufferLines int    `mapstructure:"initial_buffer_lines" yaml:"initial_buffer_lines"`
	UIMaxBufferLines   int    `mapstructure:"ui_max_buffer_lines" yaml:"ui_max_buffer_lines"`
}

// SessionTTL returns the configured web session lifetime.
func (c HTTPConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// ConsoleConfig configures the SSH attach console.
type ConsoleConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
}

// KeysConfig configures stored identity encryption and agent sockets.
type KeysConfig struct {
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
	KeyDir    string `mapstructure:"key_dir" yaml:"key_dir"`
	AgentDir  string `mapstructure:"agent_dir" yaml:"agent_dir"`
}

// HostKeysConfig configures the host key trust store.
type HostKeysConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
}

// LoggingConfig controls request logging behavior.
type LoggingConfig struct {
	DisableRequestLogs bool `mapstructure:"disable_request_logs" yaml:"disable_request_logs"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".gantry", "state"),
		Service: ServiceConfig{
			BufferMaxLines: schema.DefaultBufferMaxLines,
		},
		Shell: ShellConfig{
			DialTimeoutSeconds: 10,
		},
		Display: DisplayConfig{
			GatewayURL:              "",
			HandshakeTimeoutSeconds: 10,
		},
		Probe: ProbeConfig{
			TimeoutMillis: 1000,
		},
		HTTP: HTTPConfig{
			Addr:               ":27490",
			SessionCookie:      "gantry_session",
			SessionTTLHours:    720,
			BaseURL:            "",
			BasePath:           "",
			InitialBufferLines: 200,
			UIMaxBufferLines:   2000,
		},
		Console: ConsoleConfig{
			Addr:        ":27492",
			HostKeyPath: filepath.Join(home, ".gantry", "console_host_key"),
		},
		Keys: KeysConfig{
			StorePath: filepath.Join(home, ".gantry", "state", "ssh", "keys.bundle"),
			KeyDir:    filepath.Join(home, ".gantry", "state", "ssh", "keys"),
			AgentDir:  filepath.Join(home, ".gantry", "state", "ssh", "agent"),
		},
		HostKeys: HostKeysConfig{
			File: filepath.Join(home, ".gantry", "state", "hostkeys.json"),
		},
		Auth: AuthConfig{
			UserFile: filepath.Join(home, ".gantry", "users.json"),
			SeedUsers: []SeedUser{
				{
					Username:     "admin",
					PasswordHash: "$2a$12$PyjGUD8qnJie1MULQVHJdu9zuS/juh5W5RtDUVHv5HFb.62gNnY/q",
					TOTPSecret:   "JBSWY3DPEHPK3PXP",
				},
			},
		},
		Logging: LoggingConfig{
			DisableRequestLogs: false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gantry", "config.yaml"), nil
}
