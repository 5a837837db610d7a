package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iliyamo/wellness-appointments/internal/model"
)

// SettingsRepo reads and replaces the booking calendar: the singleton
// appointment_settings row, blackout dates and per-date overrides.
type SettingsRepo struct {
	db *sql.DB
}

// NewSettingsRepo returns a new SettingsRepo bound to the provided database.
func NewSettingsRepo(db *sql.DB) *SettingsRepo { return &SettingsRepo{db: db} }

// GetSettings returns the settings row, or model.DefaultSettings when it has
// never been written.
func (r *SettingsRepo) GetSettings(ctx context.Context) (model.Settings, error) {
	const q = `SELECT booking_enabled, price_cents, currency, available_days, time_slots, timezone, updated_at
               FROM appointment_settings WHERE id = 1`
	var (
		s         model.Settings
		days      []byte
		slots     []byte
		updatedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q).Scan(&s.BookingEnabled, &s.PriceCents, &s.Currency, &days, &slots, &s.Timezone, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	if err := json.Unmarshal(days, &s.AvailableDays); err != nil {
		return model.Settings{}, fmt.Errorf("decode available_days: %w", err)
	}
	if err := json.Unmarshal(slots, &s.TimeSlots); err != nil {
		return model.Settings{}, fmt.Errorf("decode time_slots: %w", err)
	}
	if s.AvailableDays == nil {
		s.AvailableDays = []string{}
	}
	if s.TimeSlots == nil {
		s.TimeSlots = map[string][]string{}
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		s.UpdatedAt = &t
	}
	return s, nil
}

// ListBlackouts returns every blacked-out date in ascending order.
func (r *SettingsRepo) ListBlackouts(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DATE_FORMAT(date, '%Y-%m-%d') FROM appointment_blackouts ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListOverrides returns every date override in ascending date order.
func (r *SettingsRepo) ListOverrides(ctx context.Context) ([]model.DateOverride, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DATE_FORMAT(date, '%Y-%m-%d'), time_slots FROM appointment_date_overrides ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DateOverride{}
	for rows.Next() {
		var (
			o   model.DateOverride
			raw []byte
		)
		if err := rows.Scan(&o.Date, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &o.TimeSlots); err != nil {
			return nil, fmt.Errorf("decode override %s: %w", o.Date, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReplaceCalendar writes the settings row and replaces the blackout and
// override tables in a single transaction.  Callers validate and normalise
// the input first.
func (r *SettingsRepo) ReplaceCalendar(ctx context.Context, s model.Settings, blackouts []string, overrides []model.DateOverride) error {
	days, err := json.Marshal(s.AvailableDays)
	if err != nil {
		return err
	}
	slots, err := json.Marshal(s.TimeSlots)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const upsert = `INSERT INTO appointment_settings (id, booking_enabled, price_cents, currency, available_days, time_slots, timezone)
                    VALUES (1, ?, ?, ?, ?, ?, ?)
                    ON DUPLICATE KEY UPDATE booking_enabled = VALUES(booking_enabled), price_cents = VALUES(price_cents),
                        currency = VALUES(currency), available_days = VALUES(available_days),
                        time_slots = VALUES(time_slots), timezone = VALUES(timezone)`
	if _, err := tx.ExecContext(ctx, upsert, s.BookingEnabled, s.PriceCents, s.Currency, string(days), string(slots), s.Timezone); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM appointment_blackouts`); err != nil {
		return fmt.Errorf("clear blackouts: %w", err)
	}
	for _, d := range blackouts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO appointment_blackouts (date) VALUES (?)`, d); err != nil {
			return fmt.Errorf("insert blackout %s: %w", d, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM appointment_date_overrides`); err != nil {
		return fmt.Errorf("clear overrides: %w", err)
	}
	for _, o := range overrides {
		raw, err := json.Marshal(o.TimeSlots)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO appointment_date_overrides (date, time_slots) VALUES (?, ?)`, o.Date, string(raw)); err != nil {
			return fmt.Errorf("insert override %s: %w", o.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
