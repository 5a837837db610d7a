package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/wellness-appointments/internal/model"
)

// BookingRepo provides access to appointment_bookings.  Every write is a
// single-row update keyed by id, or a short transaction in ConfirmBooking;
// nothing here relies on in-process locking.  All timestamps are UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, name, email, purpose, DATE_FORMAT(date, '%Y-%m-%d'), time, status, amount_cents, currency,
       hold_expires_at, created_at, paid_at, payment_provider, payment_reference`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner) (*model.Booking, error) {
	var (
		b                 model.Booking
		status            string
		holdExpires, paid sql.NullTime
		provider, ref     sql.NullString
	)
	err := s.Scan(&b.ID, &b.Name, &b.Email, &b.Purpose, &b.Date, &b.Time, &status, &b.AmountCents, &b.Currency,
		&holdExpires, &b.CreatedAt, &paid, &provider, &ref)
	if err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	if holdExpires.Valid {
		t := holdExpires.Time.UTC()
		b.HoldExpiresAt = &t
	}
	if paid.Valid {
		t := paid.Time.UTC()
		b.PaidAt = &t
	}
	if provider.Valid {
		b.PaymentProvider = &provider.String
	}
	if ref.Valid {
		b.PaymentReference = &ref.String
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

// Create inserts a new booking.  ID, status, amount and hold expiry must be
// set by the caller; CreatedAt is filled from the database default when
// zero.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	const q = `INSERT INTO appointment_bookings
               (id, name, email, purpose, date, time, status, amount_cents, currency, hold_expires_at, created_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	var hold any
	if b.HoldExpiresAt != nil {
		hold = b.HoldExpiresAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, q, b.ID, b.Name, b.Email, b.Purpose, b.Date, b.Time, string(b.Status),
		b.AmountCents, b.Currency, hold, b.CreatedAt.UTC())
	return err
}

// GetByID returns a booking or ErrNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM appointment_bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListActiveInRange returns bookings in [from, to] that may occupy a slot:
// confirmed ones and pending ones whose hold has not lapsed at now.
func (r *BookingRepo) ListActiveInRange(ctx context.Context, from, to string, now time.Time) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM appointment_bookings
          WHERE date BETWEEN ? AND ?
            AND (status = 'confirmed' OR (status = 'pending' AND hold_expires_at > ?))
          ORDER BY date, time`
	rows, err := r.db.QueryContext(ctx, q, from, to, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// FindBlocking returns a booking that currently occupies date+time, or nil.
func (r *BookingRepo) FindBlocking(ctx context.Context, date, hhmm string, now time.Time) (*model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM appointment_bookings
          WHERE date = ? AND time = ?
            AND (status = 'confirmed' OR (status = 'pending' AND hold_expires_at > ?))
          LIMIT 1`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, date, hhmm, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ExpireIfLapsed flips a pending booking whose hold has passed to expired.
// It reports whether this call changed the row; losing a race to a
// concurrent confirm is not an error.
func (r *BookingRepo) ExpireIfLapsed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE appointment_bookings SET status = 'expired'
         WHERE id = ? AND status = 'pending' AND hold_expires_at <= ?`, id, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed flips a pending booking to failed.
func (r *BookingRepo) MarkFailed(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE appointment_bookings SET status = 'failed' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetPaymentReference records the provider and reference of the latest
// payment attempt on a pending booking.  Settled bookings keep the
// reference Confirm wrote.
func (r *BookingRepo) SetPaymentReference(ctx context.Context, id, provider, reference string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE appointment_bookings SET payment_provider = ?, payment_reference = ? WHERE id = ? AND status = 'pending'`,
		provider, nullString(reference), id)
	return err
}

// confirmRetries bounds how often Confirm reruns after a deadlock or lock
// wait timeout.
const confirmRetries = 3

// Confirm moves a booking to confirmed inside a short transaction:
//
//  1. lock the booking row;
//  2. return ConfirmAlready / ConfirmConflict for rows already settled;
//  3. look for a competing confirmed booking on the same slot and, if one
//     exists, mark this one conflict;
//  4. otherwise set confirmed, stamp paid_at, clear the hold and record
//     provider and reference as the payment that settled the booking.
//
// Step 3 is a plain read.  The unique index on confirmed_slot is what
// enforces one confirmed booking per slot: a duplicate-key error from step
// 4 means another transaction confirmed the slot first, and this booking is
// marked conflict as well.  Deadlocks and lock wait timeouts rerun the
// whole transaction.
func (r *BookingRepo) Confirm(ctx context.Context, id, provider, reference string, now time.Time) (model.ConfirmOutcome, *model.Booking, error) {
	var (
		outcome model.ConfirmOutcome
		b       *model.Booking
		err     error
	)
	for i := 0; i < confirmRetries; i++ {
		outcome, b, err = r.confirmOnce(ctx, id, provider, reference, now)
		if !isRetryable(err) {
			return outcome, b, err
		}
	}
	return 0, nil, err
}

func (r *BookingRepo) confirmOnce(ctx context.Context, id, provider, reference string, now time.Time) (model.ConfirmOutcome, *model.Booking, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM appointment_bookings WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("lock booking: %w", err)
	}

	switch b.Status {
	case model.BookingConfirmed:
		return model.ConfirmAlready, b, nil
	case model.BookingConflict:
		return model.ConfirmConflict, b, nil
	}

	var competitor string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM appointment_bookings WHERE date = ? AND time = ? AND status = 'confirmed' AND id <> ? LIMIT 1`,
		b.Date, b.Time, b.ID).Scan(&competitor)
	switch {
	case err == nil:
		return r.markConflictTx(ctx, tx, b, provider, reference, &committed)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, nil, fmt.Errorf("check competing booking: %w", err)
	}

	paidAt := now.UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE appointment_bookings SET status = 'confirmed', paid_at = ?, hold_expires_at = NULL,
		 payment_provider = ?, payment_reference = ? WHERE id = ?`,
		paidAt, nullString(provider), nullString(reference), b.ID)
	if isDuplicate(err) {
		return r.markConflictTx(ctx, tx, b, provider, reference, &committed)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("confirm booking: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	committed = true

	b.Status = model.BookingConfirmed
	b.PaidAt = &paidAt
	b.HoldExpiresAt = nil
	b.SetPayment(provider, reference)
	return model.ConfirmApplied, b, nil
}

func (r *BookingRepo) markConflictTx(ctx context.Context, tx *sql.Tx, b *model.Booking, provider, reference string, committed *bool) (model.ConfirmOutcome, *model.Booking, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE appointment_bookings SET status = 'conflict', hold_expires_at = NULL,
		 payment_provider = ?, payment_reference = ? WHERE id = ?`,
		nullString(provider), nullString(reference), b.ID); err != nil {
		return 0, nil, fmt.Errorf("mark conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	*committed = true
	b.Status = model.BookingConflict
	b.HoldExpiresAt = nil
	b.SetPayment(provider, reference)
	return model.ConfirmConflict, b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
