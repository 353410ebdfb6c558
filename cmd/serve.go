package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/config"
	"github.com/lkarlslund/copilotbridge/pkg/gateway"
	"github.com/lkarlslund/copilotbridge/pkg/logutil"
	"github.com/lkarlslund/copilotbridge/pkg/version"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveEnvFile            string
	serveListenAddrOverride string
	servePortFallback       bool
	serveReuseKnown         bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(serveEnvFile); err != nil {
				return err
			}
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			cfg.ApplyEnv(os.LookupEnv)
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("port-fallback") {
				cfg.PortFallback = servePortFallback
			}
			if cmd.Flags().Changed("reuse-known-credentials") {
				cfg.Credentials.ReuseKnownWhenMissing = serveReuseKnown
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			level := cfg.LogLevel
			if cmd.Flags().Changed("loglevel") {
				level = rootLogLevel
			}
			format := cfg.LogFormat
			if cmd.Flags().Changed("logformat") {
				format = rootLogFormat
			}
			if err := logutil.Configure(level, format); err != nil {
				return err
			}
			log.Info("starting copilotbridge", "version", version.String(), "config", serveConfigPath)

			srv, err := gateway.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Dotenv file loaded before the config")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&servePortFallback, "port-fallback", true, "Override port_fallback in config")
	serveCmd.Flags().BoolVar(&serveReuseKnown, "reuse-known-credentials", false, "Override credentials.reuse_known_when_missing in config")
	rootCmd.AddCommand(serveCmd)
}
