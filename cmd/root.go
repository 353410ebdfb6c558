package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/copilotbridge/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	rootLogLevel  string
	rootLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "copilotbridge",
	Short: "OpenAI-compatible gateway for GitHub Copilot",
	Long:  "copilotbridge exchanges GitHub credentials for Copilot tokens and serves the chat, embeddings and models endpoints in the OpenAI wire format.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "logformat", "text", "Log format (text, json, logfmt)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(rootLogLevel, rootLogFormat); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
