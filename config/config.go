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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/model"
)

const (
	DEFAULT_PORT            = "5002"
	DEFAULT_MONITORING_PORT = "5003"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PAYRAIL_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PAYRAIL_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PAYRAIL_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PAYRAIL_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PAYRAIL_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PAYRAIL_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYRAIL_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PAYRAIL_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PAYRAIL_REDIS_SKIP_TLS_VERIFY"`
}

type RabbitMQConfig struct {
	Url      string `json:"url" envconfig:"PAYRAIL_RABBITMQ_URL"`
	Exchange string `json:"exchange" envconfig:"PAYRAIL_RABBITMQ_EXCHANGE"`
}

// QueueConfig drives both polling consumers.
type QueueConfig struct {
	BatchSize          int    `json:"batch_size" envconfig:"PAYRAIL_QUEUE_BATCH_SIZE"`
	PollIntervalMs     int    `json:"poll_interval_ms" envconfig:"PAYRAIL_QUEUE_POLL_INTERVAL_MS"`
	InProcessRetries   int    `json:"in_process_retries" envconfig:"PAYRAIL_QUEUE_IN_PROCESS_RETRIES"`
	MaxAttempts        int    `json:"max_attempts" envconfig:"PAYRAIL_QUEUE_MAX_ATTEMPTS"`
	LoopErrorDelayMs   int    `json:"loop_error_delay_ms" envconfig:"PAYRAIL_QUEUE_LOOP_ERROR_DELAY_MS"`
	PayoutQueue        string `json:"payout_queue" envconfig:"PAYRAIL_QUEUE_PAYOUT_QUEUE"`
	MonitoringPort     string `json:"monitoring_port" envconfig:"PAYRAIL_QUEUE_MONITORING_PORT"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_sec" envconfig:"PAYRAIL_QUEUE_SHUTDOWN_TIMEOUT_SEC"`
}

type RetryConfig struct {
	Factor     float64 `json:"factor" envconfig:"PAYRAIL_RETRY_FACTOR"`
	MinDelayMs int     `json:"min_delay_ms" envconfig:"PAYRAIL_RETRY_MIN_DELAY_MS"`
	MaxDelayMs int     `json:"max_delay_ms" envconfig:"PAYRAIL_RETRY_MAX_DELAY_MS"`
	Jitter     *bool   `json:"jitter" envconfig:"PAYRAIL_RETRY_JITTER"`
}

type IdempotencyConfig struct {
	// Policy applied when a key is already in progress: proceed, reject or wait.
	Policy        string `json:"policy" envconfig:"PAYRAIL_IDEMPOTENCY_POLICY"`
	TTLSec        int    `json:"ttl_sec" envconfig:"PAYRAIL_IDEMPOTENCY_TTL_SEC"`
	WaitTimeoutMs int    `json:"wait_timeout_ms" envconfig:"PAYRAIL_IDEMPOTENCY_WAIT_TIMEOUT_MS"`
}

type LedgerConfig struct {
	HoldingPeriodDays  int `json:"holding_period_days" envconfig:"PAYRAIL_LEDGER_HOLDING_PERIOD_DAYS"`
	BalanceCacheTTLSec int `json:"balance_cache_ttl_sec" envconfig:"PAYRAIL_LEDGER_BALANCE_CACHE_TTL_SEC"`
}

type StripeConfig struct {
	SecretKey     string `json:"secret_key" envconfig:"PAYRAIL_STRIPE_SECRET_KEY"`
	BaseUrl       string `json:"base_url" envconfig:"PAYRAIL_STRIPE_BASE_URL"`
	WebhookSecret string `json:"webhook_secret" envconfig:"PAYRAIL_STRIPE_WEBHOOK_SECRET"`
}

type PayPalConfig struct {
	ClientID     string `json:"client_id" envconfig:"PAYRAIL_PAYPAL_CLIENT_ID"`
	ClientSecret string `json:"client_secret" envconfig:"PAYRAIL_PAYPAL_CLIENT_SECRET"`
	BaseUrl      string `json:"base_url" envconfig:"PAYRAIL_PAYPAL_BASE_URL"`
}

type PayoutConfig struct {
	MaxRetries    int          `json:"max_retries" envconfig:"PAYRAIL_PAYOUT_MAX_RETRIES"`
	TickCron      string       `json:"tick_cron" envconfig:"PAYRAIL_PAYOUT_TICK_CRON"`
	ReconcileCron string       `json:"reconcile_cron" envconfig:"PAYRAIL_PAYOUT_RECONCILE_CRON"`
	Stripe        StripeConfig `json:"stripe"`
	PayPal        PayPalConfig `json:"paypal"`
}

type MonitorConfig struct {
	IntervalSec int               `json:"interval_sec" envconfig:"PAYRAIL_MONITOR_INTERVAL_SEC"`
	Rules       []model.AlertRule `json:"rules"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PAYRAIL_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PAYRAIL_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PAYRAIL_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"PAYRAIL_SLACK_WEBHOOK_URL"`
}

type EmailConfig struct {
	SMTPHost string   `json:"smtp_host" envconfig:"PAYRAIL_SMTP_HOST"`
	SMTPPort int      `json:"smtp_port" envconfig:"PAYRAIL_SMTP_PORT"`
	Username string   `json:"username" envconfig:"PAYRAIL_SMTP_USERNAME"`
	Password string   `json:"password" envconfig:"PAYRAIL_SMTP_PASSWORD"`
	From     string   `json:"from" envconfig:"PAYRAIL_SMTP_FROM"`
	AlertTo  []string `json:"alert_to"`
}

type PagerConfig struct {
	RoutingKey string `json:"routing_key" envconfig:"PAYRAIL_PAGER_ROUTING_KEY"`
	Url        string `json:"url" envconfig:"PAYRAIL_PAGER_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
	Email EmailConfig `json:"email"`
	Pager PagerConfig `json:"pager"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"PAYRAIL_PROJECT_NAME"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"PAYRAIL_ENABLE_TELEMETRY"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	RabbitMQ        RabbitMQConfig    `json:"rabbitmq"`
	Queue           QueueConfig       `json:"queue"`
	Retry           RetryConfig       `json:"retry"`
	Idempotency     IdempotencyConfig `json:"idempotency"`
	Ledger          LedgerConfig      `json:"ledger"`
	Payout          PayoutConfig      `json:"payout"`
	Monitor         MonitorConfig     `json:"monitor"`
	Notification    Notification      `json:"notification"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("could not load .env file: %v", err)
	}

	// override config from environment variables
	err = envconfig.Process("payrail", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called payrail.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Payrail"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	switch cnf.Idempotency.Policy {
	case "", "proceed", "reject", "wait":
	default:
		return errors.New("idempotency policy must be one of proceed, reject or wait")
	}
	for i := range cnf.Monitor.Rules {
		if err := cnf.Monitor.Rules[i].Validate(); err != nil {
			return errors.New("invalid alert rule " + cnf.Monitor.Rules[i].Name + ": " + err.Error())
		}
	}

	cnf.ApplyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// ApplyDefaults fills every optional setting left at its zero value.
func (cnf *Configuration) ApplyDefaults() {
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
	}

	cnf.Queue.setDefaults()
	cnf.Retry.setDefaults()
	cnf.Ledger.setDefaults()
	cnf.Payout.setDefaults()

	if cnf.Idempotency.Policy == "" {
		cnf.Idempotency.Policy = "proceed"
	}
	if cnf.Idempotency.TTLSec <= 0 {
		cnf.Idempotency.TTLSec = 86400
	}
	if cnf.Idempotency.WaitTimeoutMs <= 0 {
		cnf.Idempotency.WaitTimeoutMs = 5000
	}

	if cnf.Monitor.IntervalSec <= 0 {
		cnf.Monitor.IntervalSec = 60
	}
	if cnf.RabbitMQ.Exchange == "" {
		cnf.RabbitMQ.Exchange = "payrail.analytics"
	}
	if cnf.Notification.Email.SMTPPort == 0 {
		cnf.Notification.Email.SMTPPort = 587
	}
	if cnf.Notification.Pager.Url == "" {
		cnf.Notification.Pager.Url = "https://events.pagerduty.com/v2/enqueue"
	}
}

func (q *QueueConfig) setDefaults() {
	if q.BatchSize <= 0 {
		q.BatchSize = 10
	}
	if q.PollIntervalMs <= 0 {
		q.PollIntervalMs = 1000
	}
	if q.InProcessRetries <= 0 {
		q.InProcessRetries = 3
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.LoopErrorDelayMs <= 0 {
		q.LoopErrorDelayMs = 1500
	}
	if q.PayoutQueue == "" {
		q.PayoutQueue = "payouts"
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	if q.ShutdownTimeoutSec <= 0 {
		q.ShutdownTimeoutSec = 30
	}
}

func (r *RetryConfig) setDefaults() {
	if r.Factor <= 0 {
		r.Factor = 2
	}
	if r.MinDelayMs <= 0 {
		r.MinDelayMs = 100
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 1000
	}
	if r.Jitter == nil {
		jitter := true
		r.Jitter = &jitter
	}
}

func (l *LedgerConfig) setDefaults() {
	if l.HoldingPeriodDays <= 0 {
		l.HoldingPeriodDays = 7
	}
	if l.BalanceCacheTTLSec <= 0 {
		l.BalanceCacheTTLSec = 300
	}
}

func (p *PayoutConfig) setDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.TickCron == "" {
		p.TickCron = "@every 1h"
	}
	if p.ReconcileCron == "" {
		p.ReconcileCron = "@every 15m"
	}
	if p.Stripe.BaseUrl == "" {
		p.Stripe.BaseUrl = "https://api.stripe.com"
	}
	if p.PayPal.BaseUrl == "" {
		p.PayPal.BaseUrl = "https://api-m.paypal.com"
	}
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

func (q QueueConfig) LoopErrorDelay() time.Duration {
	return time.Duration(q.LoopErrorDelayMs) * time.Millisecond
}

func (q QueueConfig) ShutdownTimeout() time.Duration {
	return time.Duration(q.ShutdownTimeoutSec) * time.Second
}

func (i IdempotencyConfig) TTL() time.Duration {
	return time.Duration(i.TTLSec) * time.Second
}

func (i IdempotencyConfig) WaitTimeout() time.Duration {
	return time.Duration(i.WaitTimeoutMs) * time.Millisecond
}

func (l LedgerConfig) BalanceCacheTTL() time.Duration {
	return time.Duration(l.BalanceCacheTTLSec) * time.Second
}

func (l LedgerConfig) HoldingPeriod() time.Duration {
	return time.Duration(l.HoldingPeriodDays) * 24 * time.Hour
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
