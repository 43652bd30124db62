package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/blnkfinance/payrail/config"
)

const redacted = "********"

func redact(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}

// redactedConfig copies cfg with credentials masked.
func redactedConfig(cfg config.Configuration) config.Configuration {
	cfg.Server.SecretKey = redact(cfg.Server.SecretKey)
	cfg.DataSource.Dns = redact(cfg.DataSource.Dns)
	cfg.Redis.Dns = redact(cfg.Redis.Dns)
	cfg.RabbitMQ.Url = redact(cfg.RabbitMQ.Url)
	cfg.Payout.Stripe.SecretKey = redact(cfg.Payout.Stripe.SecretKey)
	cfg.Payout.Stripe.WebhookSecret = redact(cfg.Payout.Stripe.WebhookSecret)
	cfg.Payout.PayPal.ClientSecret = redact(cfg.Payout.PayPal.ClientSecret)
	cfg.Notification.Email.Password = redact(cfg.Notification.Email.Password)
	cfg.Notification.Pager.RoutingKey = redact(cfg.Notification.Pager.RoutingKey)
	return cfg
}

func configCommands(_ *payrailInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "config outputs your instances computed configuration",
		Annotations: map[string]string{skipSetupAnnotation: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			data, err := json.MarshalIndent(redactedConfig(*cfg), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
