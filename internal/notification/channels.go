package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/internal/request"
	"github.com/blnkfinance/payrail/model"
)

type SlackChannel struct {
	WebhookURL string
	Client     *http.Client
}

func (s *SlackChannel) Name() string { return ChannelSlack }

func (s *SlackChannel) Send(ctx context.Context, alert model.Alert) error {
	return s.post(ctx, alertBlocks(alert))
}

func (s *SlackChannel) post(ctx context.Context, payload interface{}) error {
	return postJSON(ctx, s.Client, s.WebhookURL, nil, payload)
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func alertBlocks(a model.Alert) slackMessage {
	header := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.RuleName)
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header, Emoji: true}},
		{Type: "section", Fields: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Metric:*\n%s", a.Metric)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Value:*\n%g %s %g", a.CurrentValue, a.Condition, a.Threshold)},
		}},
		{Type: "section", Fields: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Window:*\n%s", a.Window)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", a.Timestamp.Format(time.RFC822))},
		}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: a.Description}},
	}}
}

func errorBlocks(project string, err error, at time.Time) slackMessage {
	return slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("Error From %s 🐞", project), Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}},
	}}
}

// WebhookChannel posts the alert as JSON to an operator endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *WebhookChannel) Name() string { return ChannelWebhook }

func (w *WebhookChannel) Send(ctx context.Context, alert model.Alert) error {
	return postJSON(ctx, w.Client, w.URL, w.Headers, struct {
		Event string      `json:"event"`
		Data  model.Alert `json:"data"`
	}{Event: "alert.fired", Data: alert})
}

type EmailChannel struct {
	Mailer mailer.Mailer
	To     []string
}

func (e *EmailChannel) Name() string { return ChannelEmail }

func (e *EmailChannel) Send(ctx context.Context, alert model.Alert) error {
	body := fmt.Sprintf("%s\n\nMetric: %s\nCurrent value: %g\nCondition: %s %g\nWindow: %s\nTime: %s\n",
		alert.Description, alert.Metric, alert.CurrentValue, alert.Condition, alert.Threshold,
		alert.Window, alert.Timestamp.Format(time.RFC3339))
	return e.Mailer.Send(ctx, mailer.Message{
		To:      e.To,
		Subject: fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.RuleName),
		Body:    body,
	})
}

// PagerDutyChannel triggers an Events API v2 incident. The rule id is the
// dedup key so a rule that keeps firing updates one incident.
type PagerDutyChannel struct {
	URL        string
	RoutingKey string
	Client     *http.Client
}

func (p *PagerDutyChannel) Name() string { return ChannelPagerDuty }

type pagerPayload struct {
	Summary       string      `json:"summary"`
	Source        string      `json:"source"`
	Severity      string      `json:"severity"`
	Timestamp     string      `json:"timestamp"`
	CustomDetails model.Alert `json:"custom_details"`
}

type pagerEvent struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     pagerPayload `json:"payload"`
}

func (p *PagerDutyChannel) Send(ctx context.Context, alert model.Alert) error {
	severity := string(alert.Severity)
	if severity == "" {
		severity = string(model.SeverityWarning)
	}
	return postJSON(ctx, p.Client, p.URL, nil, pagerEvent{
		RoutingKey:  p.RoutingKey,
		EventAction: "trigger",
		DedupKey:    "payrail-" + alert.RuleID,
		Payload: pagerPayload{
			Summary:       fmt.Sprintf("%s: %s is %g", alert.RuleName, alert.Metric, alert.CurrentValue),
			Source:        "payrail",
			Severity:      severity,
			Timestamp:     alert.Timestamp.UTC().Format(time.RFC3339),
			CustomDetails: alert,
		},
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	body, err := request.ToJsonReq(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	_, err = request.Call(client, req, nil)
	return err
}
