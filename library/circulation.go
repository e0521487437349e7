package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recordColumns = `r.id, r.book_id, r.borrower_name, r.borrower_email, r.borrower_phone,
    r.borrowed_at, r.due_date, r.returned_at, r.is_overdue, r.overdue_days, r.fine_cents,
    r.notes, r.issued_by, r.reminded_at, r.overdue_notified_at`

const joinedBookColumns = `b.id, b.title, b.author, b.isbn, b.subject, b.rack_number,
    b.total_copies, b.available_copies, b.published_year, b.description, b.cover_image_url,
    b.created_at, b.updated_at`

func scanRecord(row rowScanner, withBook bool) (*BorrowingRecord, error) {
	var (
		r                           BorrowingRecord
		borrowed, due               string
		returned, reminded, noticed sql.NullString
	)
	dest := []any{&r.ID, &r.BookID, &r.BorrowerName, &r.BorrowerEmail, &r.BorrowerPhone,
		&borrowed, &due, &returned, &r.IsOverdue, &r.OverdueDays, &r.FineCents,
		&r.Notes, &r.IssuedBy, &reminded, &noticed}

	var (
		b                Book
		created, updated string
	)
	if withBook {
		dest = append(dest, &b.ID, &b.Title, &b.Author, &b.ISBN, &b.Subject, &b.RackNumber,
			&b.TotalCopies, &b.AvailableCopies, &b.PublishedYear, &b.Description, &b.CoverImageURL,
			&created, &updated)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if r.BorrowedAt, err = parseTime(borrowed); err != nil {
		return nil, err
	}
	if r.DueDate, err = parseTime(due); err != nil {
		return nil, err
	}
	if r.ReturnedAt, err = parseNullTime(returned); err != nil {
		return nil, err
	}
	if r.RemindedAt, err = parseNullTime(reminded); err != nil {
		return nil, err
	}
	if r.OverdueNotifiedAt, err = parseNullTime(noticed); err != nil {
		return nil, err
	}
	if withBook {
		if b.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if b.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		r.Book = &b
	}
	return &r, nil
}

// BorrowBook lends one copy of req.BookID. The availability check and the
// decrement are a single conditional UPDATE inside the transaction that also
// inserts the open record, so concurrent borrowers of the last copy get
// exactly one success.
func (d *Database) BorrowBook(ctx context.Context, req BorrowRequest, now time.Time) (*BorrowingRecord, error) {
	var record *BorrowingRecord
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE books SET available_copies = available_copies - 1, updated_at = ?
             WHERE id = ? AND available_copies > 0`, formatTime(now), req.BookID)
		if err != nil {
			return fmt.Errorf("decrement availability: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getBook(ctx, tx, req.BookID); err != nil {
				return err
			}
			return fmt.Errorf("book %s: %w", req.BookID, ErrNotAvailable)
		}

		id := uuid.NewString()
		if _, err := tx.StmtContext(ctx, d.insertRecordStmt).ExecContext(ctx,
			id, req.BookID, req.BorrowerName, req.BorrowerEmail, req.BorrowerPhone,
			formatTime(now), formatTime(req.DueDate), req.Notes, req.IssuedBy); err != nil {
			return fmt.Errorf("insert borrowing record: %w", err)
		}

		record, err = getRecord(ctx, tx, id)
		return err
	})
	return record, err
}

// ReturnBook closes an open record and puts its copy back on the shelf,
// freezing the overdue state as of now.
//
// If the book's shelf is already full the record is still closed and
// committed, but the counter is left alone and ErrInconsistentState is
// returned together with the closed record.
func (d *Database) ReturnBook(ctx context.Context, recordID string, now time.Time, dailyFineCents int64) (*BorrowingRecord, error) {
	var (
		record       *BorrowingRecord
		inconsistent bool
	)
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		inconsistent = false
		r, err := getRecord(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if !r.IsOpen() {
			return fmt.Errorf("record %s: %w", recordID, ErrAlreadyReturned)
		}

		a := Assess(r.DueDate, now, dailyFineCents)
		res, err := tx.ExecContext(ctx,
			`UPDATE borrowing_records SET returned_at=?, is_overdue=?, overdue_days=?, fine_cents=?
             WHERE id=? AND returned_at IS NULL`,
			formatTime(now), a.IsOverdue, a.OverdueDays, a.FineCents, recordID)
		if err != nil {
			return fmt.Errorf("close record: %w", err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("record %s: %w", recordID, ErrAlreadyReturned)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE books SET available_copies = available_copies + 1, updated_at = ?
             WHERE id = ? AND available_copies < total_copies`, formatTime(now), r.BookID)
		if err != nil {
			return fmt.Errorf("increment availability: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		inconsistent = n == 0

		record, err = getRecord(ctx, tx, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if inconsistent {
		return record, fmt.Errorf("return of record %s: book %s already has every copy on the shelf: %w",
			recordID, record.BookID, ErrInconsistentState)
	}
	return record, nil
}

// GetRecord fetches a single borrowing record with its book.
func (d *Database) GetRecord(ctx context.Context, id string) (*BorrowingRecord, error) {
	return getRecord(ctx, d.db, id)
}

func getRecord(ctx context.Context, q queryRower, id string) (*BorrowingRecord, error) {
	r, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+`, `+joinedBookColumns+`
         FROM borrowing_records r JOIN books b ON b.id = r.book_id
         WHERE r.id = ?`, id), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("borrowing record %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ActiveLoans returns every open record, soonest due first.
func (d *Database) ActiveLoans(ctx context.Context) ([]*BorrowingRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+recordColumns+`, `+joinedBookColumns+`
         FROM borrowing_records r JOIN books b ON b.id = r.book_id
         WHERE r.returned_at IS NULL
         ORDER BY r.due_date ASC, r.rowid ASC`)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// BorrowingHistory returns one page of all records, most recent first.
func (d *Database) BorrowingHistory(ctx context.Context, page, size int) (Page[*BorrowingRecord], error) {
	page, size, offset := normalizePage(page, size)

	var total int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM borrowing_records`).Scan(&total); err != nil {
		return Page[*BorrowingRecord]{}, err
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+recordColumns+`, `+joinedBookColumns+`
         FROM borrowing_records r JOIN books b ON b.id = r.book_id
         ORDER BY r.borrowed_at DESC, r.rowid DESC
         LIMIT ? OFFSET ?`, size, offset)
	if err != nil {
		return Page[*BorrowingRecord]{}, err
	}
	records, err := collectRecords(rows)
	if err != nil {
		return Page[*BorrowingRecord]{}, err
	}
	return newPage(records, total, page, size), nil
}

func collectRecords(rows *sql.Rows) ([]*BorrowingRecord, error) {
	defer rows.Close()
	var records []*BorrowingRecord
	for rows.Next() {
		r, err := scanRecord(rows, true)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AuditAvailability lists books whose on-loan count disagrees with their
// open borrowing records.
func (d *Database) AuditAvailability(ctx context.Context) ([]AvailabilityMismatch, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT b.id, b.title, b.total_copies, b.available_copies,
               (SELECT COUNT(*) FROM borrowing_records r WHERE r.book_id = b.id AND r.returned_at IS NULL) AS open_loans
        FROM books b
        WHERE b.total_copies - b.available_copies !=
              (SELECT COUNT(*) FROM borrowing_records r WHERE r.book_id = b.id AND r.returned_at IS NULL)
        ORDER BY b.title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AvailabilityMismatch
	for rows.Next() {
		var m AvailabilityMismatch
		if err := rows.Scan(&m.BookID, &m.Title, &m.TotalCopies, &m.AvailableCopies, &m.OpenLoans); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
