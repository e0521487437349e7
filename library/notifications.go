package library

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// DefaultReminderWindow is how far ahead of the due date reminders go out.
const DefaultReminderWindow = 48 * time.Hour

// DefaultNotificationLimit caps ListNotifications when no limit is given.
const DefaultNotificationLimit = 100

// Dispatcher delivers notifications after they have been committed to the
// outbox.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n *Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n *Notification) error { return f(ctx, n) }

// SpoolDispatcher appends each notification as one JSON line to a file,
// for pickup by an external SMS or mail gateway.
type SpoolDispatcher struct {
	mu   sync.Mutex
	path string
}

// NewSpoolDispatcher returns a dispatcher writing to path. The parent
// directory is created on first use.
func NewSpoolDispatcher(path string) *SpoolDispatcher {
	return &SpoolDispatcher{path: path}
}

func (s *SpoolDispatcher) Dispatch(_ context.Context, n *Notification) error {
	line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create spool dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return nil
}

func dueReminderMessage(r *BorrowingRecord) string {
	return fmt.Sprintf("Reminder: %q by %s is due on %s. Please return it on time to avoid late fees.",
		r.Book.Title, r.Book.Author, r.DueDate.Format("January 2, 2006"))
}

func overdueNoticeMessage(r *BorrowingRecord) string {
	return fmt.Sprintf("OVERDUE NOTICE: %q was due %d day(s) ago. Please return immediately to avoid additional fees.",
		r.Book.Title, r.OverdueDays)
}

// CreateDueReminders generates a reminder for every open loan due within
// window of now that has not been reminded yet, and stamps those loans so a
// second run finds nothing.
func (d *Database) CreateDueReminders(ctx context.Context, now time.Time, window time.Duration) ([]*Notification, error) {
	var created []*Notification
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		created = nil
		rows, err := tx.QueryContext(ctx,
			`SELECT `+recordColumns+`, `+joinedBookColumns+`
             FROM borrowing_records r JOIN books b ON b.id = r.book_id
             WHERE r.returned_at IS NULL AND r.reminded_at IS NULL
               AND r.due_date >= ? AND r.due_date <= ?
             ORDER BY r.due_date ASC, r.rowid ASC`,
			formatTime(now), formatTime(now.Add(window)))
		if err != nil {
			return err
		}
		records, err := collectRecords(rows)
		if err != nil {
			return err
		}

		for _, r := range records {
			n := newNotification(NotificationDueReminder, r, dueReminderMessage(r), now)
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE borrowing_records SET reminded_at=? WHERE id=?`, formatTime(now), r.ID); err != nil {
				return fmt.Errorf("stamp reminder %s: %w", r.ID, err)
			}
			created = append(created, n)
		}
		return nil
	})
	return created, err
}

// CreateOverdueNotices generates a notice for every open loan past due at now
// that has not been noticed yet. The loan's overdue fields are refreshed as
// part of the same write.
func (d *Database) CreateOverdueNotices(ctx context.Context, now time.Time, dailyFineCents int64) ([]*Notification, error) {
	var created []*Notification
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		created = nil
		rows, err := tx.QueryContext(ctx,
			`SELECT `+recordColumns+`, `+joinedBookColumns+`
             FROM borrowing_records r JOIN books b ON b.id = r.book_id
             WHERE r.returned_at IS NULL AND r.overdue_notified_at IS NULL AND r.due_date < ?
             ORDER BY r.due_date ASC, r.rowid ASC`,
			formatTime(now))
		if err != nil {
			return err
		}
		records, err := collectRecords(rows)
		if err != nil {
			return err
		}

		for _, r := range records {
			r.applyAssessment(now, dailyFineCents)
			n := newNotification(NotificationOverdueNotice, r, overdueNoticeMessage(r), now)
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE borrowing_records SET overdue_notified_at=?, is_overdue=?, overdue_days=?, fine_cents=? WHERE id=?`,
				formatTime(now), r.IsOverdue, r.OverdueDays, r.FineCents, r.ID); err != nil {
				return fmt.Errorf("stamp overdue notice %s: %w", r.ID, err)
			}
			created = append(created, n)
		}
		return nil
	})
	return created, err
}

func newNotification(kind NotificationType, r *BorrowingRecord, msg string, now time.Time) *Notification {
	return &Notification{
		ID:             uuid.NewString(),
		Type:           kind,
		RecordID:       r.ID,
		RecipientPhone: r.BorrowerPhone,
		RecipientEmail: r.BorrowerEmail,
		Message:        msg,
		CreatedAt:      now.UTC(),
	}
}

func insertNotification(ctx context.Context, tx *sql.Tx, n *Notification) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notifications(id,type,record_id,recipient_phone,recipient_email,message,created_at)
         VALUES(?,?,?,?,?,?,?)`,
		n.ID, string(n.Type), n.RecordID, n.RecipientPhone, n.RecipientEmail, n.Message, formatTime(n.CreatedAt)); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit outbox entries, newest first.
func (d *Database) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, type, record_id, recipient_phone, recipient_email, message, created_at
         FROM notifications ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		var (
			n       Notification
			kind    string
			created string
		)
		if err := rows.Scan(&n.ID, &kind, &n.RecordID, &n.RecipientPhone, &n.RecipientEmail, &n.Message, &created); err != nil {
			return nil, err
		}
		n.Type = NotificationType(kind)
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
