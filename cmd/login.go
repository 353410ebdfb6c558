package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lkarlslund/copilotbridge/pkg/config"
	"github.com/lkarlslund/copilotbridge/pkg/credential"
	"github.com/lkarlslund/copilotbridge/pkg/gateway"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
	"github.com/spf13/cobra"
)

var (
	loginConfigPath string
	loginCheck      bool
)

func init() {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a long-term GitHub credential through the device flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(loginConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := &http.Client{Timeout: 30 * time.Second}
			flow := &credential.DeviceFlow{
				ClientID:       cfg.Login.ClientID,
				DeviceCodeURL:  cfg.Login.DeviceCodeURL,
				AccessTokenURL: cfg.Login.AccessTokenURL,
				Scope:          cfg.Login.Scope,
				Client:         client,
			}
			dc, err := flow.Start(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Open %s and enter code %s\n", dc.VerificationURI, dc.UserCode)
			token, err := flow.Poll(ctx, dc)
			if err != nil {
				return err
			}
			if loginCheck {
				if err := checkCredential(ctx, cfg, client, token); err != nil {
					return err
				}
				fmt.Fprintln(out, "Credential exchanged successfully.")
			}
			fmt.Fprintf(out, "\nCredential: %s\nSend it as: Authorization: Bearer %s\n", token, token)
			return nil
		},
	}
	loginCmd.Flags().StringVar(&loginConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	loginCmd.Flags().BoolVar(&loginCheck, "check", true, "Exchange the new credential once to confirm Copilot access")
	rootCmd.AddCommand(loginCmd)
}

func checkCredential(ctx context.Context, cfg *config.ServerConfig, client *http.Client, longTerm string) error {
	identity := gateway.IdentityFromConfig(cfg)
	exchanger := &credential.HTTPExchanger{
		URL:    cfg.Upstream.TokenURL,
		Client: client,
		Header: upstream.TokenExchangeHeader(identity, cfg.Identity.TokenAPIVersion),
	}
	token, err := exchanger.Exchange(ctx, longTerm)
	if err != nil {
		return err
	}
	if credential.IsExpired(credential.ParseExpiry(token), time.Now()) {
		return errors.New("exchanged token is already expired")
	}
	return nil
}
