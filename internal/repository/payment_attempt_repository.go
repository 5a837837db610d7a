package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/iliyamo/wellness-appointments/internal/model"
)

// PaymentAttemptRepo provides access to payment_attempts.  A booking may
// have any number of attempts; the metadata column keeps raw provider
// payloads for operators.
type PaymentAttemptRepo struct {
	db *sql.DB
}

// NewPaymentAttemptRepo returns a new PaymentAttemptRepo bound to the given database.
func NewPaymentAttemptRepo(db *sql.DB) *PaymentAttemptRepo { return &PaymentAttemptRepo{db: db} }

const attemptColumns = `id, booking_id, provider, amount_cents, currency, status, external_reference,
       metadata, error_message, created_at, updated_at`

func scanAttempt(s rowScanner) (*model.PaymentAttempt, error) {
	var (
		a        model.PaymentAttempt
		status   string
		ref, msg sql.NullString
		meta     []byte
	)
	if err := s.Scan(&a.ID, &a.BookingID, &a.Provider, &a.AmountCents, &a.Currency, &status, &ref,
		&meta, &msg, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AttemptStatus(status)
	if ref.Valid {
		a.ExternalReference = &ref.String
	}
	if msg.Valid {
		a.ErrorMessage = &msg.String
	}
	if len(meta) > 0 {
		a.Metadata = json.RawMessage(meta)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Create inserts a pending attempt.
func (r *PaymentAttemptRepo) Create(ctx context.Context, a *model.PaymentAttempt) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_attempts (id, booking_id, provider, amount_cents, currency, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BookingID, a.Provider, a.AmountCents, a.Currency, string(a.Status), a.CreatedAt, a.UpdatedAt)
	return err
}

// RecordInitiated stores the provider reference and response of a
// successful initiation.  The attempt stays pending.
func (r *PaymentAttemptRepo) RecordInitiated(ctx context.Context, id, reference string, metadata json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_attempts SET external_reference = ?, metadata = ? WHERE id = ?`,
		nullString(reference), nullJSON(metadata), id)
	return err
}

// Resolve moves a pending attempt to succeeded or failed.  It reports
// whether the row changed; an attempt that already left pending is left
// untouched.
func (r *PaymentAttemptRepo) Resolve(ctx context.Context, id string, status model.AttemptStatus, errMsg string, metadata json.RawMessage) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = ?, error_message = ?, metadata = COALESCE(?, metadata)
         WHERE id = ? AND status = 'pending'`,
		string(status), nullString(truncate(errMsg, 500)), nullJSON(metadata), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FindByReference looks an attempt up by the provider-assigned reference.
func (r *PaymentAttemptRepo) FindByReference(ctx context.Context, provider, reference string) (*model.PaymentAttempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE provider = ? AND external_reference = ?
         ORDER BY created_at DESC LIMIT 1`, provider, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListByBooking returns a booking's attempts, oldest first.
func (r *PaymentAttemptRepo) ListByBooking(ctx context.Context, bookingID string) ([]model.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE booking_id = ? ORDER BY created_at, id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PaymentAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
