package library

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// DefaultDailyFineCents is the fine charged per overdue day.
const DefaultDailyFineCents int64 = 100

// OverdueAssessment is the overdue state of a loan at a given instant.
type OverdueAssessment struct {
	IsOverdue   bool
	OverdueDays int
	FineCents   int64
}

// Assess derives the overdue state of a loan due at dueDate, as seen at now.
// Days are counted as started 24h periods past the due date.
func Assess(dueDate, now time.Time, dailyFineCents int64) OverdueAssessment {
	if !dueDate.Before(now) {
		return OverdueAssessment{}
	}
	days := int(math.Ceil(now.Sub(dueDate).Hours() / 24))
	return OverdueAssessment{
		IsOverdue:   true,
		OverdueDays: days,
		FineCents:   int64(days) * dailyFineCents,
	}
}

// CentsToAmount converts integer cents to currency units.
func CentsToAmount(cents int64) float64 { return float64(cents) / 100 }

// FormatAmount renders cents with two decimals, e.g. "3.00".
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// applyAssessment refreshes the derived overdue fields of an open record.
// Closed records keep the values frozen at return time.
func (r *BorrowingRecord) applyAssessment(now time.Time, dailyFineCents int64) {
	if !r.IsOpen() {
		return
	}
	a := Assess(r.DueDate, now, dailyFineCents)
	r.IsOverdue, r.OverdueDays, r.FineCents = a.IsOverdue, a.OverdueDays, a.FineCents
}

// RefreshOverdue rewrites the stored overdue fields of every open loan that
// is past due at now and returns how many rows it touched. Closed loans are
// never modified. Running it again with the same now writes identical values.
func (d *Database) RefreshOverdue(ctx context.Context, now time.Time, dailyFineCents int64) (int, error) {
	var updated int
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		updated = 0
		rows, err := tx.QueryContext(ctx,
			`SELECT id, due_date FROM borrowing_records WHERE returned_at IS NULL AND due_date < ?`, formatTime(now))
		if err != nil {
			return err
		}
		type due struct {
			id  string
			due time.Time
		}
		var pending []due
		for rows.Next() {
			var id, ds string
			if err := rows.Scan(&id, &ds); err != nil {
				rows.Close()
				return err
			}
			t, err := parseTime(ds)
			if err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, due{id, t})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, p := range pending {
			a := Assess(p.due, now, dailyFineCents)
			if _, err := tx.ExecContext(ctx,
				`UPDATE borrowing_records SET is_overdue=?, overdue_days=?, fine_cents=? WHERE id=? AND returned_at IS NULL`,
				a.IsOverdue, a.OverdueDays, a.FineCents, p.id); err != nil {
				return fmt.Errorf("refresh overdue %s: %w", p.id, err)
			}
			updated++
		}
		return nil
	})
	return updated, err
}
