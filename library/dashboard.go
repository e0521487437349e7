package library

import (
	"context"
	"fmt"
	"time"
)

// Stats computes the dashboard counters as of now. Overdue is derived from
// due dates, not the stored flags.
func (d *Database) Stats(ctx context.Context, now time.Time) (DashboardStats, error) {
	var s DashboardStats
	ts := formatTime(now)
	err := d.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM books),
            (SELECT COUNT(*) FROM books WHERE available_copies > 0),
            (SELECT COUNT(*) FROM borrowing_records WHERE returned_at IS NULL),
            (SELECT COUNT(*) FROM borrowing_records WHERE returned_at IS NULL AND due_date < ?),
            (SELECT COUNT(*) FROM reservations),
            (SELECT COUNT(*) FROM reservations WHERE is_fulfilled = 0 AND is_cancelled = 0 AND expires_at > ?)`,
		ts, ts).Scan(&s.TotalBooks, &s.AvailableBooks, &s.BorrowedBooks, &s.OverdueBooks,
		&s.TotalReservations, &s.ActiveReservations)
	if err != nil {
		return DashboardStats{}, fmt.Errorf("dashboard stats: %w", err)
	}
	return s, nil
}
