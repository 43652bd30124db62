package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/blnkfinance/payrail/internal/request"
)

type StripeClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewStripeClient(baseURL, secretKey string, client *http.Client) *StripeClient {
	return &StripeClient{baseURL: strings.TrimRight(baseURL, "/"), secretKey: secretKey, client: client}
}

type stripePayout struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FailureMessage string `json:"failure_message"`
	FailureCode    string `json:"failure_code"`
}

func (s *StripeClient) CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(MinorUnits(req.Amount, req.Currency), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("description", req.Note)
	form.Set("metadata[payout_id]", req.PayoutID)
	form.Set("metadata[seller_id]", req.SellerID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/payouts", strings.NewReader(form.Encode()))
	if err != nil {
		return PayoutResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	s.authorize(httpReq, req.Destination)

	var out stripePayout
	if _, err := request.Call(s.client, httpReq, &out); err != nil {
		return PayoutResult{}, fmt.Errorf("stripe create payout: %w", err)
	}
	return out.result(), nil
}

func (s *StripeClient) GetPayout(ctx context.Context, lookup Lookup) (PayoutResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/payouts/"+url.PathEscape(lookup.Reference), nil)
	if err != nil {
		return PayoutResult{}, err
	}
	s.authorize(httpReq, lookup.Destination)

	var out stripePayout
	if _, err := request.Call(s.client, httpReq, &out); err != nil {
		return PayoutResult{}, fmt.Errorf("stripe get payout: %w", err)
	}
	return out.result(), nil
}

// authorize sets the API key and, for connected accounts, the account header.
func (s *StripeClient) authorize(req *http.Request, destination string) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	if strings.HasPrefix(destination, "acct_") {
		req.Header.Set("Stripe-Account", destination)
	}
}

func (p stripePayout) result() PayoutResult {
	res := PayoutResult{Reference: p.ID, RawStatus: p.Status, State: StateProcessing}
	switch p.Status {
	case "paid":
		res.State = StateCompleted
	case "failed", "canceled":
		res.State = StateFailed
		res.FailureReason = p.FailureMessage
		if res.FailureReason == "" {
			res.FailureReason = "stripe payout " + p.Status
		}
	}
	return res
}
