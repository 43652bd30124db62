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

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/model"
)

// committedRetention is how many in-flight TTLs a committed record outlives
// its claim, in every store.
const committedRetention = 7

// Store claims, commits and releases idempotency keys. Begin must be atomic:
// for concurrent callers on one key exactly one observes BeginNew.
type Store interface {
	Begin(ctx context.Context, key string) (model.BeginResult, error)
	Commit(ctx context.Context, key string, result json.RawMessage) error
	Fail(ctx context.Context, key string, cause error) error
}

// Policy decides what a caller does when another caller holds the key.
type Policy string

const (
	PolicyProceed Policy = "proceed"
	PolicyReject  Policy = "reject"
	PolicyWait    Policy = "wait"
)

var ErrInProgress = errors.New("idempotency key is in progress")

type Guard struct {
	store        Store
	policy       Policy
	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewGuard(store Store, policy Policy, waitTimeout time.Duration) *Guard {
	if policy == "" {
		policy = PolicyProceed
	}
	return &Guard{
		store:        store,
		policy:       policy,
		waitTimeout:  waitTimeout,
		pollInterval: 100 * time.Millisecond,
	}
}

// Run executes fn at most once per key across committed outcomes. A committed
// key returns its cached result without calling fn.
func (g *Guard) Run(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	begin, err := g.store.Begin(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("begin idempotency key %s: %w", key, err)
	}

	switch begin.State {
	case model.BeginCommitted:
		return begin.Result, nil
	case model.BeginInProgress:
		switch g.policy {
		case PolicyReject:
			return nil, ErrInProgress
		case PolicyWait:
			begin, err = g.wait(ctx, key)
			if err != nil {
				return nil, err
			}
			if begin.State == model.BeginCommitted {
				return begin.Result, nil
			}
		default:
			logrus.WithField("key", key).Warn("idempotency key in progress, proceeding without claim")
			return fn(ctx)
		}
	}

	result, err := fn(ctx)
	if err != nil {
		if failErr := g.store.Fail(ctx, key, err); failErr != nil {
			logrus.WithFields(logrus.Fields{"key": key, "error": failErr.Error()}).Error("failed to release idempotency key")
		}
		return nil, err
	}

	if err := g.store.Commit(ctx, key, result); err != nil {
		// The side effect already happened; surfacing the error would replay it.
		logrus.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Error("failed to commit idempotency key")
	}
	return result, nil
}

// wait polls until the holder commits, releases the key, or the wait times out.
func (g *Guard) wait(ctx context.Context, key string) (model.BeginResult, error) {
	deadline := time.NewTimer(g.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return model.BeginResult{}, ctx.Err()
		case <-deadline.C:
			return model.BeginResult{}, ErrInProgress
		case <-ticker.C:
			begin, err := g.store.Begin(ctx, key)
			if err != nil {
				return model.BeginResult{}, err
			}
			if begin.State != model.BeginInProgress {
				return begin, nil
			}
		}
	}
}
