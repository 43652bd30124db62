package model

import "time"

// QueueKind names one of the durable queues a consumer polls.
type QueueKind string

const (
	QueueOutbox  QueueKind = "outbox"
	QueueWebhook QueueKind = "webhook"
)

func (k QueueKind) Valid() bool {
	return k == QueueOutbox || k == QueueWebhook
}

// OutboxItem is a side effect recorded in the same transaction as the business write.
type OutboxItem struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Payload     string     `json:"payload"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// WebhookEventRow is a provider webhook delivery. ID is provider:eventId so
// redeliveries collapse onto the same row.
type WebhookEventRow struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	EventType   string     `json:"event_type"`
	Payload     string     `json:"payload"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// QueueRow is the kind-agnostic view of a pending row.
type QueueRow struct {
	Kind      QueueKind `json:"kind"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider,omitempty"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Queue     QueueKind `json:"queue"`
	RowID     string    `json:"row_id"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider,omitempty"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptOutcome is the result of recording a failed attempt.
type AttemptOutcome string

const (
	AttemptRetrying     AttemptOutcome = "retrying"
	AttemptDeadLettered AttemptOutcome = "deadlettered"
)

func (i OutboxItem) Row() QueueRow {
	return QueueRow{
		Kind:      QueueOutbox,
		ID:        i.ID,
		Type:      i.Type,
		Payload:   i.Payload,
		Attempts:  i.Attempts,
		CreatedAt: i.CreatedAt,
	}
}

func (w WebhookEventRow) Row() QueueRow {
	return QueueRow{
		Kind:      QueueWebhook,
		ID:        w.ID,
		Type:      w.EventType,
		Provider:  w.Provider,
		Payload:   w.Payload,
		Attempts:  w.Attempts,
		CreatedAt: w.CreatedAt,
	}
}
