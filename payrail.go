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

package payrail

import (
	"embed"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/config"
	"github.com/blnkfinance/payrail/database"
	"github.com/blnkfinance/payrail/internal/broker"
	"github.com/blnkfinance/payrail/internal/cache"
	"github.com/blnkfinance/payrail/internal/idempotency"
	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/internal/metrics"
	"github.com/blnkfinance/payrail/internal/notification"
	"github.com/blnkfinance/payrail/internal/providers"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

const providerTimeout = 30 * time.Second

// Payrail wires the queue store, ledger and payout machinery together.
type Payrail struct {
	datasource     database.IDataSource
	config         *config.Configuration
	metrics        *metrics.Collector
	timer          backoff.Timer
	senders        map[model.PayoutMethod]providers.Sender
	mailer         mailer.Mailer
	publisher      broker.Publisher
	cache          cache.Cache
	idemStore      idempotency.Store
	guard          *idempotency.Guard
	enqueuer       TaskEnqueuer
	notifier       *notification.Notifier
	httpClient     *http.Client
	outboxHandlers map[string]OutboxHandler
	now            func() time.Time
}

type Option func(*Payrail)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Payrail) { p.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(p *Payrail) { p.metrics = c }
}

// WithTimer makes every retry loop sleep through t.
func WithTimer(t backoff.Timer) Option {
	return func(p *Payrail) { p.timer = t }
}

func WithPayoutSender(method model.PayoutMethod, s providers.Sender) Option {
	return func(p *Payrail) { p.senders[method] = s }
}

func WithMailer(m mailer.Mailer) Option {
	return func(p *Payrail) { p.mailer = m }
}

func WithPublisher(pub broker.Publisher) Option {
	return func(p *Payrail) { p.publisher = pub }
}

func WithCache(c cache.Cache) Option {
	return func(p *Payrail) { p.cache = c }
}

func WithIdempotencyStore(s idempotency.Store) Option {
	return func(p *Payrail) { p.idemStore = s }
}

func WithTaskEnqueuer(e TaskEnqueuer) Option {
	return func(p *Payrail) { p.enqueuer = e }
}

func WithNotifier(n *notification.Notifier) Option {
	return func(p *Payrail) { p.notifier = n }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Payrail) { p.httpClient = c }
}

// NewPayrail builds an instance from the loaded configuration. Collaborators
// that are not passed as options are built from configuration when it has
// enough settings, and left out otherwise.
func NewPayrail(db database.IDataSource, opts ...Option) (*Payrail, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	conf := *cfg
	conf.ApplyDefaults()

	p := &Payrail{
		datasource: db,
		config:     &conf,
		senders:    map[model.PayoutMethod]providers.Sender{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = metrics.NewCollector()
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: providerTimeout}
	}
	p.configureSenders()

	if p.mailer == nil && conf.Notification.Email.SMTPHost != "" {
		m, err := mailer.NewSMTPMailer(conf.Notification.Email)
		if err != nil {
			return nil, err
		}
		p.mailer = m
	}
	if p.idemStore == nil {
		p.idemStore = idempotency.NewSQLStore(db, conf.Idempotency.TTL())
	}
	p.guard = idempotency.NewGuard(p.idemStore, idempotency.Policy(conf.Idempotency.Policy), conf.Idempotency.WaitTimeout())
	if p.notifier == nil {
		p.notifier = notification.FromConfig(conf.Notification, p.httpClient, p.mailer)
	}

	p.outboxHandlers = p.defaultOutboxHandlers()
	return p, nil
}

func (p *Payrail) configureSenders() {
	payout := p.config.Payout
	if _, ok := p.senders[model.MethodStripe]; !ok && payout.Stripe.SecretKey != "" {
		p.senders[model.MethodStripe] = providers.NewStripeClient(payout.Stripe.BaseUrl, payout.Stripe.SecretKey, p.httpClient)
	}
	if _, ok := p.senders[model.MethodPayPal]; !ok && payout.PayPal.ClientID != "" {
		p.senders[model.MethodPayPal] = providers.NewPayPalClient(payout.PayPal.BaseUrl, payout.PayPal.ClientID, payout.PayPal.ClientSecret, p.httpClient)
	}
	if len(p.senders) == 0 {
		logrus.Warn("no payout provider configured, payouts will fail until one is set")
	}
}

func (p *Payrail) Config() *config.Configuration {
	return p.config
}

func (p *Payrail) Metrics() *metrics.Collector {
	return p.metrics
}

func (p *Payrail) Datasource() database.IDataSource {
	return p.datasource
}

// newRetrier builds a retry loop with the configured backoff and the given
// number of retries after the first attempt.
func (p *Payrail) newRetrier(retries int, notify backoff.Notify) *retry.Retrier {
	opts := []retry.Option{}
	if p.timer != nil {
		opts = append(opts, retry.WithTimer(p.timer))
	}
	if notify != nil {
		opts = append(opts, retry.WithNotify(notify))
	}
	return retry.New(retry.FromConfig(p.config.Retry, retries), opts...)
}
