/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/config"
	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/model"
)

const (
	ChannelSlack     = "slack"
	ChannelWebhook   = "webhook"
	ChannelEmail     = "email"
	ChannelPagerDuty = "pagerduty"
)

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert model.Alert) error
}

// Notifier fans alerts out to named channels. Delivery is best effort:
// failures are logged and returned, never retried.
type Notifier struct {
	channels map[string]Channel
}

func NewNotifier(channels ...Channel) *Notifier {
	n := &Notifier{channels: map[string]Channel{}}
	for _, c := range channels {
		n.channels[c.Name()] = c
	}
	return n
}

// FromConfig registers every channel that has enough configuration to send.
func FromConfig(cfg config.Notification, client *http.Client, m mailer.Mailer) *Notifier {
	var channels []Channel
	if cfg.Slack.WebhookUrl != "" {
		channels = append(channels, &SlackChannel{WebhookURL: cfg.Slack.WebhookUrl, Client: client})
	}
	if cfg.Webhook.Url != "" {
		channels = append(channels, &WebhookChannel{URL: cfg.Webhook.Url, Headers: cfg.Webhook.Headers, Client: client})
	}
	if m != nil && len(cfg.Email.AlertTo) > 0 {
		channels = append(channels, &EmailChannel{Mailer: m, To: cfg.Email.AlertTo})
	}
	if cfg.Pager.RoutingKey != "" {
		channels = append(channels, &PagerDutyChannel{URL: cfg.Pager.Url, RoutingKey: cfg.Pager.RoutingKey, Client: client})
	}
	return NewNotifier(channels...)
}

func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for name := range n.channels {
		names = append(names, name)
	}
	return names
}

// Notify sends alert to each named channel and returns the failures.
func (n *Notifier) Notify(ctx context.Context, alert model.Alert, channels []string) []error {
	var errs []error
	for _, name := range channels {
		ch, ok := n.channels[name]
		if !ok {
			err := fmt.Errorf("notification channel %q is not configured", name)
			logrus.WithFields(logrus.Fields{"rule": alert.RuleName, "channel": name}).Warn(err.Error())
			errs = append(errs, err)
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			logrus.WithFields(logrus.Fields{
				"rule":    alert.RuleName,
				"channel": name,
				"error":   err.Error(),
			}).Error("failed to deliver alert")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

// SlackNotification posts a process level error to the configured Slack webhook.
func SlackNotification(err error) {
	conf, cerr := config.Fetch()
	if cerr != nil {
		log.Println(cerr)
		return
	}

	slack := &SlackChannel{WebhookURL: conf.Notification.Slack.WebhookUrl}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := slack.post(ctx, errorBlocks(conf.ProjectName, err, time.Now())); serr != nil {
		log.Println(serr)
	}
}

// NotifyError logs systemError and reports it to Slack in the background.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}
