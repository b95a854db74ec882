package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/gantry"
	"pkt.systems/gantry/core"
	"pkt.systems/gantry/httpapi"
	"pkt.systems/gantry/internal/appconfig"
	"pkt.systems/gantry/internal/displayengine"
	"pkt.systems/gantry/internal/hostkeys"
	"pkt.systems/gantry/internal/sshagent"
	"pkt.systems/gantry/internal/sshengine"
	"pkt.systems/gantry/internal/sshkeys"
	"pkt.systems/gantry/schema"
	"pkt.systems/gantry/sshconsole"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var disableRequestLogs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gantry servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if disableRequestLogs {
				cfg.Logging.DisableRequestLogs = true
			}

			serviceCfg := schema.ServiceConfig{
				BufferMaxLines: cfg.Service.BufferMaxLines,
			}

			keyStore, err := sshkeys.NewStoreWithLogger(cfg.Keys.StorePath, cfg.Keys.KeyDir, logger)
			if err != nil {
				return err
			}
			agentManager, err := sshagent.NewManagerWithLogger(keyStore, cfg.Keys.AgentDir, logger)
			if err != nil {
				return err
			}
			defer func() { _ = agentManager.Close() }()
			hostKeyStore, err := hostkeys.NewStoreWithLogger(cfg.HostKeys.File, logger)
			if err != nil {
				return err
			}

			shellEngine := sshengine.New(sshengine.Options{
				Keys:        keyStore,
				Agents:      agentManager,
				HostKeys:    hostKeyStore,
				DialTimeout: cfg.Shell.DialTimeout(),
				Logger:      logger,
			})
			var displayEngine core.DisplayEngine
			if strings.TrimSpace(cfg.Display.GatewayURL) != "" {
				displayEngine = displayengine.New(displayengine.Options{
					GatewayURL:       cfg.Display.GatewayURL,
					HandshakeTimeout: cfg.Display.HandshakeTimeout(),
					Logger:           logger,
				})
				logger.Info("display gateway configured", "url", cfg.Display.GatewayURL)
			} else {
				logger.Info("display gateway not configured; display tabs unavailable")
			}

			serverCfg := gantry.ServerConfig{
				Service:      serviceCfg,
				HTTP:         toHTTPConfig(cfg),
				Console:      toConsoleConfig(cfg.Console),
				Auth:         toAuthConfig(cfg.Auth),
				HubHistory:   1000,
				ProbeTimeout: cfg.Probe.Timeout(),
			}
			serverDeps := gantry.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					ShellEngine:   shellEngine,
					DisplayEngine: displayEngine,
					HostKeys:      hostKeyStore,
					Logger:        logger,
				},
			}
			server, err := gantry.New(serverCfg, serverDeps, gantry.WithHTTP(), gantry.WithConsole())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			logger.Info("console server listening", "addr", serverCfg.Console.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&disableRequestLogs, "disable-request-logs", false, "disable per-request HTTP logging")
	return cmd
}

func toHTTPConfig(cfg appconfig.Config) httpapi.Config {
	return httpapi.Config{
		Addr:               cfg.HTTP.Addr,
		SessionCookie:      cfg.HTTP.SessionCookie,
		SessionTTLHours:    cfg.HTTP.SessionTTLHours,
		SessionStorePath:   filepath.Join(cfg.StateDir, "http_sessions.json"),
		BaseURL:            cfg.HTTP.BaseURL,
		BasePath:           cfg.HTTP.BasePath,
		InitialBufferLines: cfg.HTTP.InitialBufferLines,
		UIMaxBufferLines:   cfg.HTTP.UIMaxBufferLines,
		DisableRequestLogs: cfg.Logging.DisableRequestLogs,
	}
}

func toConsoleConfig(cfg appconfig.ConsoleConfig) sshconsole.Config {
	return sshconsole.Config{
		Addr:        cfg.Addr,
		HostKeyPath: cfg.HostKeyPath,
	}
}

func toAuthConfig(cfg appconfig.AuthConfig) gantry.AuthConfig {
	seeds := make([]gantry.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, gantry.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	return gantry.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}
