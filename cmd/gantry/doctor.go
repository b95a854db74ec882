package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/gantry/internal/appconfig"
	"pkt.systems/gantry/internal/auth"
	"pkt.systems/gantry/internal/hostkeys"
	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/gantry/internal/sshagent"
	"pkt.systems/gantry/internal/sshkeys"
	"pkt.systems/gantry/schema"
	"pkt.systems/gantry/sshconsole"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var target string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run gantry diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)

			if err := checkStateDir(cfg.StateDir); err != nil {
				return err
			}
			logger.Info("doctor state dir ok", "dir", cfg.StateDir)

			store, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, cfg.Auth.SeedUsers, logger)
			if err != nil {
				return fmt.Errorf("doctor auth store: %w", err)
			}
			users := store.Users()
			logger.Info("doctor auth store ok", "file", cfg.Auth.UserFile, "users", len(users))

			keyStore, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.KeyDir, logger)
			if err != nil {
				return fmt.Errorf("doctor identity store: %w", err)
			}
			for _, user := range users {
				if _, err := keyStore.LoadPublicKey(schema.UserID(user.Username), sshkeys.DefaultIdentity); err != nil {
					if errors.Is(err, sshkeys.ErrIdentityNotFound) {
						logger.Warn("doctor user has no default identity", "user", user.Username)
						continue
					}
					return fmt.Errorf("doctor identity %q: %w", user.Username, err)
				}
			}
			logger.Info("doctor identity store ok", "dir", cfg.Keys.KeyDir)

			agentManager, err := sshagent.NewManagerWithLogger(keyStore, cfg.Keys.AgentDir, logger)
			if err != nil {
				return fmt.Errorf("doctor agent dir: %w", err)
			}
			_ = agentManager.Close()
			logger.Info("doctor agent dir ok", "dir", cfg.Keys.AgentDir)

			hostKeyStore, err := hostkeys.NewStoreWithLogger(cfg.HostKeys.File, logger)
			if err != nil {
				return fmt.Errorf("doctor hostkey store: %w", err)
			}
			logger.Info("doctor hostkey store ok", "file", cfg.HostKeys.File, "pinned", hostKeyStore.Count())

			if _, err := sshconsole.EnsureHostKey(cfg.Console.HostKeyPath); err != nil {
				return fmt.Errorf("doctor console host key: %w", err)
			}
			logger.Info("doctor console host key ok", "path", cfg.Console.HostKeyPath)

			prober := netprobe.New(netprobe.Options{Timeout: cfg.Probe.Timeout(), Logger: logger})
			if gatewayHost, gatewayPort, ok := displayGatewayTarget(cfg.Display.GatewayURL); ok {
				result, err := prober.Probe(cmd.Context(), gatewayHost, gatewayPort)
				if err != nil {
					return fmt.Errorf("doctor display gateway: %w", err)
				}
				if !result.Reachable {
					logger.Warn("doctor display gateway unreachable", "host", gatewayHost, "port", gatewayPort, "err", result.Error)
				} else {
					logger.Info("doctor display gateway ok", "host", gatewayHost, "port", gatewayPort, "latency", result.Latency)
				}
			}
			if strings.TrimSpace(target) != "" {
				host, port, err := parseProbeTarget(target)
				if err != nil {
					return err
				}
				result, err := prober.Probe(cmd.Context(), host, port)
				if err != nil {
					return err
				}
				if !result.Reachable {
					return fmt.Errorf("doctor target %s:%d unreachable: %s", host, port, result.Error)
				}
				logger.Info("doctor target ok", "host", host, "port", port, "latency", result.Latency)
			}

			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&target, "target", "", "optional host[:port] to probe")
	return cmd
}

// checkStateDir verifies the state directory exists and is writable.
func checkStateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("state_dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("doctor state dir: %w", err)
	}
	probe := filepath.Join(dir, fmt.Sprintf(".doctor-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("doctor state dir not writable: %w", err)
	}
	return os.Remove(probe)
}

// displayGatewayTarget extracts a probe target from the gateway URL.
func displayGatewayTarget(gatewayURL string) (string, int, bool) {
	gatewayURL = strings.TrimSpace(gatewayURL)
	if gatewayURL == "" {
		return "", 0, false
	}
	parsed, err := url.Parse(gatewayURL)
	if err != nil || parsed.Hostname() == "" {
		return "", 0, false
	}
	port := 80
	if parsed.Scheme == "wss" {
		port = 443
	}
	if p := parsed.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return "", 0, false
		}
	}
	return parsed.Hostname(), port, true
}
