package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

const orderColumns = `order_id, seller_id, status, amount, currency,
	COALESCE(payment_reference, ''), COALESCE(buyer_email, ''), updated_at`

// CreateOrder stores an order and any outbox rows describing it in one transaction.
func (d Datasource) CreateOrder(ctx context.Context, order *model.Order, outbox ...model.OutboxItem) error {
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payrail.orders (order_id, seller_id, status, amount, currency, payment_reference, buyer_email, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, order.OrderID, order.SellerID, string(order.Status), order.Amount, order.Currency,
			nullString(order.PaymentReference), nullString(order.BuyerEmail), order.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apierror.NewAPIError(apierror.ErrConflict, "Order already exists", err)
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create order", err)
		}

		for i := range outbox {
			if err := insertOutbox(ctx, tx, &outbox[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanOrder(s scanner) (model.Order, error) {
	var o model.Order
	var status string
	err := s.Scan(&o.OrderID, &o.SellerID, &status, &o.Amount, &o.Currency, &o.PaymentReference, &o.BuyerEmail, &o.UpdatedAt)
	o.Status = model.OrderStatus(status)
	return o, err
}

func (d Datasource) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanOrder(d.Conn.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM payrail.orders WHERE order_id = $1", orderID))
	if err != nil {
		return nil, notFoundOr(err, "Order")
	}
	return &o, nil
}

func (d Datasource) GetOrderByPaymentReference(ctx context.Context, reference string) (*model.Order, error) {
	o, err := scanOrder(d.Conn.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM payrail.orders WHERE payment_reference = $1 LIMIT 1", reference))
	if err != nil {
		return nil, notFoundOr(err, "Order")
	}
	return &o, nil
}

// ApplyOrderTransition moves an order from transition.From to transition.To.
// The ledger entry is skipped if one already exists for the order and type,
// so a replayed webhook cannot book a sale twice.
func (d Datasource) ApplyOrderTransition(ctx context.Context, transition model.OrderTransition) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payrail.orders
			SET status = $2, payment_reference = COALESCE(NULLIF($3, ''), payment_reference), updated_at = NOW()
			WHERE order_id = $1 AND status = $4
		`, transition.OrderID, string(transition.To), transition.Reference, string(transition.From))
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order", err)
		}
		if affected == 0 {
			return ErrConcurrentUpdate
		}

		if entry := transition.LedgerEntry; entry != nil {
			if entry.ID == "" {
				entry.ID = model.GenerateUUIDWithSuffix("le")
			}
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO payrail.ledger_entries (id, seller_id, type, amount, currency, order_id, payout_id, description, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (order_id, type) WHERE type IN ('sale', 'refund') DO NOTHING
			`, entry.ID, entry.SellerID, string(entry.Type), entry.Amount, entry.Currency,
				nullString(entry.OrderID), nullString(entry.PayoutID), nullString(entry.Description), entry.CreatedAt)
			if err != nil {
				return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record ledger entry", err)
			}
		}

		for i := range transition.Outbox {
			if err := insertOutbox(ctx, tx, &transition.Outbox[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
