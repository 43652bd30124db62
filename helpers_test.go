package payrail

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/payrail/config"
	"github.com/blnkfinance/payrail/database"
	"github.com/blnkfinance/payrail/database/mocks"
	"github.com/blnkfinance/payrail/internal/broker"
	"github.com/blnkfinance/payrail/internal/mailer"
	"github.com/blnkfinance/payrail/internal/providers"
	"github.com/blnkfinance/payrail/model"
)

var testNow = time.Date(2024, time.March, 11, 12, 0, 0, 0, time.UTC) // a Monday

// instantTimer fires immediately so retry loops never sleep in tests.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "payrail-test",
		DataSource:  config.DataSourceConfig{Dns: "postgres://localhost/payrail_test"},
		Ledger:      config.LedgerConfig{HoldingPeriodDays: 7},
	}
}

func newTestPayrail(t *testing.T, ds database.IDataSource, opts ...Option) *Payrail {
	t.Helper()
	config.MockConfig(testConfig())
	base := []Option{
		WithTimer(&instantTimer{}),
		WithClock(func() time.Time { return testNow }),
	}
	p, err := NewPayrail(ds, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func newMockPayrail(t *testing.T, opts ...Option) (*Payrail, *mocks.MockDataSource) {
	t.Helper()
	ds := new(mocks.MockDataSource)
	return newTestPayrail(t, ds, opts...), ds
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broker.Message
	keys     []string
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, routingKey string, msg broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.keys = append(r.keys, routingKey)
	r.messages = append(r.messages, msg)
	return nil
}

// fakeSender answers payout calls from scripted results.
type fakeSender struct {
	mu      sync.Mutex
	creates []providers.PayoutRequest
	create  func(req providers.PayoutRequest) (providers.PayoutResult, error)
	lookup  func(l providers.Lookup) (providers.PayoutResult, error)
	lookups []providers.Lookup
}

func (f *fakeSender) CreatePayout(_ context.Context, req providers.PayoutRequest) (providers.PayoutResult, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	f.mu.Unlock()
	return f.create(req)
}

func (f *fakeSender) GetPayout(_ context.Context, l providers.Lookup) (providers.PayoutResult, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, l)
	f.mu.Unlock()
	return f.lookup(l)
}

// memQueue is an in-memory QueueStore with the same compare-and-swap
// semantics as the postgres store.
type memQueue struct {
	mu          sync.Mutex
	rows        map[string]*model.QueueRow
	processed   map[string]bool
	deadLetters map[string]string
	fetchErr    error
}

func newMemQueue(rows ...model.QueueRow) *memQueue {
	q := &memQueue{
		rows:        map[string]*model.QueueRow{},
		processed:   map[string]bool{},
		deadLetters: map[string]string{},
	}
	for i := range rows {
		r := rows[i]
		q.rows[r.ID] = &r
	}
	return q
}

func (q *memQueue) FetchOldest(_ context.Context, kind model.QueueKind, limit int) ([]model.QueueRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	var out []model.QueueRow
	for _, r := range q.rows {
		if r.Kind == kind && !q.processed[r.ID] {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) MarkProcessed(_ context.Context, _ model.QueueKind, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed[id] = true
	return nil
}

func (q *memQueue) IncrementAttemptsOrDeadLetter(_ context.Context, row model.QueueRow, reason string, maxAttempts int) (model.AttemptOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.rows[row.ID]
	if !ok || stored.Attempts != row.Attempts || q.processed[row.ID] {
		return "", database.ErrConcurrentUpdate
	}
	stored.Attempts++
	if stored.Attempts >= maxAttempts {
		delete(q.rows, row.ID)
		q.deadLetters[row.ID] = reason
		return model.AttemptDeadLettered, nil
	}
	return model.AttemptRetrying, nil
}

func (q *memQueue) DeadLetter(_ context.Context, row model.QueueRow, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[row.ID]
	if !ok || q.processed[row.ID] || r.Attempts != row.Attempts {
		return database.ErrConcurrentUpdate
	}
	delete(q.rows, row.ID)
	q.deadLetters[row.ID] = reason
	return nil
}

func (q *memQueue) attempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.rows[id]; ok {
		return r.Attempts
	}
	return -1
}
