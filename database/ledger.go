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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

const ledgerColumns = `id, seller_id, type, amount, currency, COALESCE(order_id, ''),
	COALESCE(payout_id, ''), COALESCE(description, ''), created_at`

func insertLedgerEntry(ctx context.Context, ex execer, entry *model.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("le")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payrail.ledger_entries (id, seller_id, type, amount, currency, order_id, payout_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.SellerID, string(entry.Type), entry.Amount, entry.Currency,
		nullString(entry.OrderID), nullString(entry.PayoutID), nullString(entry.Description), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "Ledger entry for this order already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record ledger entry", err)
	}
	return nil
}

// RecordLedgerEntry appends an entry. Entries are never updated or deleted.
func (d Datasource) RecordLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return insertLedgerEntry(ctx, d.Conn, entry)
}

func scanLedgerEntries(rows *sql.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		var entryType string
		err := rows.Scan(&entry.ID, &entry.SellerID, &entryType, &entry.Amount, &entry.Currency,
			&entry.OrderID, &entry.PayoutID, &entry.Description, &entry.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan ledger entry", err)
		}
		entry.Type = model.LedgerEntryType(entryType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over ledger entries", err)
	}
	return entries, nil
}

// GetLedgerEntries returns the full history of a seller, oldest first.
func (d Datasource) GetLedgerEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM payrail.ledger_entries
		WHERE seller_id = $1
		ORDER BY created_at ASC, id ASC
	`, sellerID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve ledger entries", err)
	}
	return scanLedgerEntries(rows)
}

// GetUnpaidEntries returns non-payout entries that no live payout references.
// Entries of failed or cancelled payouts become unpaid again.
func (d Datasource) GetUnpaidEntries(ctx context.Context, sellerID string) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM payrail.ledger_entries le
		WHERE le.seller_id = $1
			AND le.type <> 'payout'
			AND NOT EXISTS (
				SELECT 1 FROM payrail.payouts p
				WHERE le.id = ANY(p.transactions)
					AND p.status NOT IN ('failed', 'cancelled')
			)
		ORDER BY le.created_at ASC, le.id ASC
	`, sellerID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve unpaid entries", err)
	}
	return scanLedgerEntries(rows)
}

// LatestLedgerEntryAt returns the zero time for a seller with no entries.
func (d Datasource) LatestLedgerEntryAt(ctx context.Context, sellerID string) (time.Time, error) {
	var latest sql.NullTime
	err := d.Conn.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM payrail.ledger_entries WHERE seller_id = $1", sellerID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read ledger watermark", err)
	}
	return latest.Time, nil
}
