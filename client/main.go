package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/logger"
)

type rootOptions struct {
	apiURL     string
	gatewayURL string
	userID     string
	name       string
	logLevel   string
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		logger.Stderr().Fatal().Err(err).Msg("load config")
	}
	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Client) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chat",
		Short:         "Terminal client for the chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.userID == "" {
				return fmt.Errorf("--user is required")
			}
			if opts.name == "" {
				opts.name = opts.userID
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", cfg.APIURL, "API service base URL")
	flags.StringVar(&opts.gatewayURL, "gateway", cfg.GatewayURL, "gateway websocket URL, or the API's /ws when it runs IN_MEMORY")
	flags.StringVarP(&opts.userID, "user", "u", "", "user id to log in as")
	flags.StringVarP(&opts.name, "name", "n", "", "display name (defaults to the user id)")
	flags.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "log level")

	root.AddCommand(
		newChatCmd(opts, cfg),
		newListCmd(opts, cfg),
		newCreateCmd(opts, cfg),
		newInviteCmd(opts, cfg),
		newNotificationsCmd(opts, cfg),
	)
	return root
}
