package model

import (
	"encoding/json"
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCommitted  IdempotencyStatus = "committed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// BeginState is what a caller learns when it tries to claim a key.
type BeginState string

const (
	BeginNew        BeginState = "new"
	BeginInProgress BeginState = "in_progress"
	BeginCommitted  BeginState = "committed"
)

type BeginResult struct {
	State  BeginState      `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
}
