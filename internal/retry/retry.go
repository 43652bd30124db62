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

// Package retry runs operations with capped exponential backoff and jitter.
// Sleeping goes through a backoff.Timer so callers and tests can replace it.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/config"
)

// jitterFactor spreads each delay over [0.5, 1.5] of its nominal value.
const jitterFactor = 0.5

type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries  int
	Factor   float64
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   bool
}

func DefaultPolicy() Policy {
	return Policy{
		Retries:  3,
		Factor:   2,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: time.Second,
		Jitter:   true,
	}
}

// FromConfig builds a policy from the retry section of the configuration.
func FromConfig(cfg config.RetryConfig, retries int) Policy {
	p := Policy{
		Retries:  retries,
		Factor:   cfg.Factor,
		MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Jitter:   cfg.Jitter == nil || *cfg.Jitter,
	}
	def := DefaultPolicy()
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	if p.MinDelay <= 0 {
		p.MinDelay = def.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	return p
}

// Delay is the nominal wait before retry i (zero based), before jitter.
func (p Policy) Delay(i int) time.Duration {
	d := float64(p.MinDelay) * math.Pow(p.Factor, float64(i))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delays returns the first n nominal delays.
func (p Policy) Delays(n int) []time.Duration {
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = p.Delay(i)
	}
	return delays
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.MinDelay),
		backoff.WithMultiplier(p.Factor),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMaxElapsedTime(0),
		backoff.WithRandomizationFactor(0),
	)
	if p.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.Retries))
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the retrier stops immediately. The mark survives
// the retrier and can be checked with IsPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

type Retrier struct {
	policy Policy
	timer  backoff.Timer
	notify backoff.Notify
}

type Option func(*Retrier)

// WithTimer replaces the wall-clock sleep.
func WithTimer(t backoff.Timer) Option {
	return func(r *Retrier) { r.timer = t }
}

func WithNotify(n backoff.Notify) Option {
	return func(r *Retrier) { r.notify = n }
}

func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy: policy,
		notify: func(err error, d time.Duration) {
			logrus.WithFields(logrus.Fields{"error": err.Error(), "next_in": d.String()}).Debug("retrying operation")
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// policy or ctx is done. The last error from op is returned.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.WithContext(r.policy.backOff(), ctx)
	return backoff.RetryNotifyWithTimer(func() error {
		err := op(ctx)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, r.notify, r.timer)
}
