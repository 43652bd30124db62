package payrail

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/model"
)

const maxDeadLetterPage = 500

// ListDeadLetters pages through dead letters, newest first. An empty kind
// lists every queue.
func (p *Payrail) ListDeadLetters(ctx context.Context, kind model.QueueKind, limit, offset int) ([]model.DeadLetterEntry, error) {
	if limit <= 0 || limit > maxDeadLetterPage {
		limit = maxDeadLetterPage
	}
	if offset < 0 {
		offset = 0
	}
	return p.datasource.ListDeadLetters(ctx, kind, limit, offset)
}

func (p *Payrail) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return p.datasource.GetDeadLetter(ctx, id)
}

// ReplayDeadLetter moves a dead letter back onto its queue with a fresh
// attempt budget. Consumers pick it up on their next poll.
func (p *Payrail) ReplayDeadLetter(ctx context.Context, id string) (model.QueueRow, error) {
	row, err := p.datasource.ReplayDeadLetter(ctx, id)
	if err != nil {
		return model.QueueRow{}, err
	}
	logrus.WithFields(logrus.Fields{
		"dead_letter_id": id,
		"queue":          row.Kind,
		"row_id":         row.ID,
		"type":           row.Type,
	}).Info("dead letter replayed")
	return row, nil
}

func (p *Payrail) DiscardDeadLetter(ctx context.Context, id string) error {
	if err := p.datasource.DiscardDeadLetter(ctx, id); err != nil {
		return err
	}
	logrus.WithField("dead_letter_id", id).Warn("dead letter discarded")
	return nil
}
