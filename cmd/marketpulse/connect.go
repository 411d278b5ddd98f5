package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marketpulse/internal/broker"
	"marketpulse/internal/client"
	"marketpulse/internal/config"
	"marketpulse/internal/oauth"
)

var connectCampaign string

var connectCmd = &cobra.Command{
	Use:   "connect <provider>",
	Short: "Authorize a provider for a campaign from the terminal",
	Long: `Starts the provider's OAuth flow, opens the authorization page in the
default browser and waits until the backend reports the connection.

Completion is detected by polling the connection status and, when BROKER_URL
is set, by the broadcast topic the callback page publishes to.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectCampaign, "campaign", "", "Campaign ID to connect")
	connectCmd.MarkFlagRequired("campaign")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	provider := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sources []oauth.Source
	if cfg.Broker.URL != "" {
		b, err := broker.New(&cfg.Broker, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		sources = append(sources, oauth.NewBroadcastSource(b, logger))
	}

	httpClient := client.NewHTTPClient(cfg, logger)
	connector := oauth.NewConnector(httpClient, oauth.Options{
		PollInterval: cfg.OAuth.PollInterval,
		Timeout:      cfg.OAuth.Timeout,
	}, logger, sources...)

	fmt.Printf("Opening %s authorization in your browser...\n", provider)
	status, err := connector.Connect(ctx, provider, connectCampaign, oauth.BrowserLauncher{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", provider, err)
	}

	name := status.AccountDisplayName
	if name == "" {
		name = status.AccountID
	}
	if name != "" {
		fmt.Printf("Connected %s account %s\n", provider, name)
	} else {
		fmt.Printf("Connected %s\n", provider)
	}
	return nil
}
