package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/payrail/internal/request"
)

type PayPalClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewPayPalClient(baseURL, clientID, clientSecret string, client *http.Client) *PayPalClient {
	return &PayPalClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		now:          time.Now,
	}
}

type paypalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paypalItem struct {
	RecipientType     string       `json:"recipient_type,omitempty"`
	Amount            paypalAmount `json:"amount"`
	Receiver          string       `json:"receiver,omitempty"`
	Note              string       `json:"note,omitempty"`
	SenderItemID      string       `json:"sender_item_id,omitempty"`
	TransactionStatus string       `json:"transaction_status,omitempty"`
	Errors            *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

type paypalBatchHeader struct {
	PayoutBatchID string `json:"payout_batch_id,omitempty"`
	BatchStatus   string `json:"batch_status,omitempty"`
	SenderBatchID string `json:"sender_batch_id,omitempty"`
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailMessage  string `json:"email_message,omitempty"`
}

type paypalBatch struct {
	BatchHeader paypalBatchHeader `json:"batch_header"`
	Items       []paypalItem      `json:"items,omitempty"`
}

func (p *PayPalClient) CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	token, err := p.token(ctx)
	if err != nil {
		return PayoutResult{}, err
	}

	body, err := request.ToJsonReq(map[string]interface{}{
		"sender_batch_header": paypalBatchHeader{
			SenderBatchID: req.IdempotencyKey,
			EmailSubject:  "You have a payout",
			EmailMessage:  req.Note,
		},
		"items": []paypalItem{{
			RecipientType: "EMAIL",
			Amount:        paypalAmount{Value: req.Amount.StringFixed(2), Currency: strings.ToUpper(req.Currency)},
			Receiver:      req.Destination,
			Note:          req.Note,
			SenderItemID:  req.PayoutID,
		}},
	})
	if err != nil {
		return PayoutResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payments/payouts", body)
	if err != nil {
		return PayoutResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("PayPal-Request-Id", req.IdempotencyKey)

	var out paypalBatch
	if _, err := request.Call(p.client, httpReq, &out); err != nil {
		return PayoutResult{}, fmt.Errorf("paypal create payout: %w", err)
	}
	return out.result(), nil
}

func (p *PayPalClient) GetPayout(ctx context.Context, lookup Lookup) (PayoutResult, error) {
	token, err := p.token(ctx)
	if err != nil {
		return PayoutResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/payments/payouts/"+url.PathEscape(lookup.Reference), nil)
	if err != nil {
		return PayoutResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	var out paypalBatch
	if _, err := request.Call(p.client, httpReq, &out); err != nil {
		return PayoutResult{}, fmt.Errorf("paypal get payout: %w", err)
	}
	return out.result(), nil
}

// token returns a cached OAuth token, refreshing it a minute before expiry.
func (p *PayPalClient) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.now().Before(p.expiresAt) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+request.BasicAuth(p.clientID, p.clientSecret))

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if _, err := request.Call(p.client, req, &out); err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}

	p.accessToken = out.AccessToken
	p.expiresAt = p.now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (b paypalBatch) result() PayoutResult {
	res := PayoutResult{Reference: b.BatchHeader.PayoutBatchID, RawStatus: b.BatchHeader.BatchStatus, State: StateProcessing}

	switch b.BatchHeader.BatchStatus {
	case "DENIED", "CANCELED":
		res.State = StateFailed
		res.FailureReason = "paypal batch " + strings.ToLower(b.BatchHeader.BatchStatus)
		return res
	}

	// A single-item batch is only final once its item is.
	if len(b.Items) > 0 {
		item := b.Items[0]
		res.RawStatus = item.TransactionStatus
		switch item.TransactionStatus {
		case "SUCCESS":
			res.State = StateCompleted
		case "FAILED", "RETURNED", "BLOCKED", "REFUNDED", "REVERSED":
			res.State = StateFailed
			res.FailureReason = "paypal item " + strings.ToLower(item.TransactionStatus)
			if item.Errors != nil && item.Errors.Message != "" {
				res.FailureReason = item.Errors.Message
			}
		}
		return res
	}

	if b.BatchHeader.BatchStatus == "SUCCESS" {
		res.State = StateCompleted
	}
	return res
}
