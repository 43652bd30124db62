package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/config"
	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/model"
)

type recordingMailer struct {
	sent []mailer.Message
	err  error
}

func (r *recordingMailer) Send(_ context.Context, msg mailer.Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func testAlert() model.Alert {
	return model.Alert{
		RuleID:       "dlq-growth",
		RuleName:     "Dead letters growing",
		Severity:     model.SeverityCritical,
		Description:  "Rows are being dead-lettered",
		Metric:       "payrail_queue_rows_dead_lettered_total",
		CurrentValue: 4,
		Threshold:    0,
		Condition:    model.ConditionGT,
		Window:       "5m",
		Timestamp:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_FansOutToConfiguredChannels(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var slackBody, webhookBody, pagerBody map[string]interface{}
	var webhookAuth string
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.slack.test/services/x",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&slackBody))
			return httpmock.NewStringResponse(200, "ok"), nil
		})
	httpmock.RegisterResponder(http.MethodPost, "https://ops.example.com/alerts",
		func(req *http.Request) (*http.Response, error) {
			webhookAuth = req.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(req.Body).Decode(&webhookBody))
			return httpmock.NewStringResponse(202, ""), nil
		})
	httpmock.RegisterResponder(http.MethodPost, "https://events.pagerduty.com/v2/enqueue",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&pagerBody))
			return httpmock.NewStringResponse(202, `{"status":"success"}`), nil
		})

	var cfg config.Notification
	cfg.Slack.WebhookUrl = "https://hooks.slack.test/services/x"
	cfg.Webhook.Url = "https://ops.example.com/alerts"
	cfg.Webhook.Headers = map[string]string{"Authorization": "Bearer t0k"}
	cfg.Email.AlertTo = []string{"oncall@example.com"}
	cfg.Pager = config.PagerConfig{RoutingKey: "rk-1", Url: "https://events.pagerduty.com/v2/enqueue"}
	m := &recordingMailer{}

	n := FromConfig(cfg, nil, m)
	assert.ElementsMatch(t, []string{ChannelSlack, ChannelWebhook, ChannelEmail, ChannelPagerDuty}, n.Channels())

	errs := n.Notify(context.Background(), testAlert(), []string{ChannelSlack, ChannelWebhook, ChannelEmail, ChannelPagerDuty})
	assert.Empty(t, errs)

	blocks := slackBody["blocks"].([]interface{})
	header := blocks[0].(map[string]interface{})["text"].(map[string]interface{})
	assert.Equal(t, "[CRITICAL] Dead letters growing", header["text"])

	assert.Equal(t, "Bearer t0k", webhookAuth)
	assert.Equal(t, "alert.fired", webhookBody["event"])
	data := webhookBody["data"].(map[string]interface{})
	assert.Equal(t, "Dead letters growing", data["rule_name"])
	assert.Equal(t, 4.0, data["current_value"])
	assert.Equal(t, "5m", data["window"])

	assert.Equal(t, "rk-1", pagerBody["routing_key"])
	assert.Equal(t, "trigger", pagerBody["event_action"])
	assert.Equal(t, "payrail-dlq-growth", pagerBody["dedup_key"])

	require.Len(t, m.sent, 1)
	assert.Equal(t, "[CRITICAL] Dead letters growing", m.sent[0].Subject)
	assert.Equal(t, []string{"oncall@example.com"}, m.sent[0].To)
}

func TestNotifier_FailuresAreReportedNotRetried(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://ops.example.com/alerts",
		httpmock.NewStringResponder(500, "boom"))

	m := &recordingMailer{err: errors.New("smtp down")}
	n := NewNotifier(
		&WebhookChannel{URL: "https://ops.example.com/alerts"},
		&EmailChannel{Mailer: m, To: []string{"oncall@example.com"}},
	)

	errs := n.Notify(context.Background(), testAlert(), []string{ChannelWebhook, ChannelEmail, ChannelSlack})
	assert.Len(t, errs, 3)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Len(t, m.sent, 1)
}

func TestErrorBlocks(t *testing.T) {
	msg := errorBlocks("Payrail", errors.New("db down"), time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, "Error From Payrail 🐞", msg.Blocks[0].Text.Text)
	assert.Contains(t, msg.Blocks[1].Fields[0].Text, "db down")
}
