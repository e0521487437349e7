package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
)

// DefaultReservationPeriod is how long a reservation holds.
const DefaultReservationPeriod = 7 * 24 * time.Hour

var reservationColumns = []any{
	"id", "book_id", "reserver_name", "reserver_email", "reserver_phone",
	"reserved_at", "expires_at", "is_fulfilled", "is_cancelled",
}

func scanReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var reserved, expires string
	if err := row.Scan(&r.ID, &r.BookID, &r.ReserverName, &r.ReserverEmail, &r.ReserverPhone,
		&reserved, &expires, &r.IsFulfilled, &r.IsCancelled); err != nil {
		return nil, err
	}
	var err error
	if r.ReservedAt, err = parseTime(reserved); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReserveBook records an advisory hold on a book. It does not touch the
// book's copy counters.
func (d *Database) ReserveBook(ctx context.Context, req ReserveRequest, now time.Time, period time.Duration) (*Reservation, error) {
	var reservation *Reservation
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getBook(ctx, tx, req.BookID); err != nil {
			return err
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations(id,book_id,reserver_name,reserver_email,reserver_phone,reserved_at,expires_at)
             VALUES(?,?,?,?,?,?,?)`,
			id, req.BookID, req.ReserverName, req.ReserverEmail, req.ReserverPhone,
			formatTime(now), formatTime(now.Add(period))); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		var err error
		reservation, err = getReservation(ctx, tx, id)
		return err
	})
	return reservation, err
}

// GetReservation fetches a single reservation.
func (d *Database) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return getReservation(ctx, d.db, id)
}

func getReservation(ctx context.Context, q queryRower, id string) (*Reservation, error) {
	query, args, err := dialect.From("reservations").Prepared(true).
		Select(reservationColumns...).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, err
	}
	r, err := scanReservation(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return r, err
}

// CancelReservation marks an open reservation cancelled.
func (d *Database) CancelReservation(ctx context.Context, id string) (*Reservation, error) {
	return d.closeReservation(ctx, id, "is_cancelled")
}

// FulfillReservation marks an open reservation fulfilled.
func (d *Database) FulfillReservation(ctx context.Context, id string) (*Reservation, error) {
	return d.closeReservation(ctx, id, "is_fulfilled")
}

func (d *Database) closeReservation(ctx context.Context, id, flag string) (*Reservation, error) {
	var reservation *Reservation
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := dialect.Update("reservations").Prepared(true).
			Set(goqu.Record{flag: true}).
			Where(goqu.C("id").Eq(id), goqu.C("is_fulfilled").IsFalse(), goqu.C("is_cancelled").IsFalse()).
			ToSQL()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("close reservation: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getReservation(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("reservation %s: %w", id, ErrReservationClosed)
		}
		reservation, err = getReservation(ctx, tx, id)
		return err
	})
	return reservation, err
}

// ListReservations returns one page of reservations, newest first. With
// activeOnly set, fulfilled, cancelled and expired ones are skipped.
func (d *Database) ListReservations(ctx context.Context, activeOnly bool, now time.Time, page, size int) (Page[*Reservation], error) {
	page, size, offset := normalizePage(page, size)

	ds := dialect.From("reservations").Prepared(true)
	if activeOnly {
		ds = ds.Where(activeReservation(now))
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return Page[*Reservation]{}, err
	}
	var total int
	if err := d.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return Page[*Reservation]{}, err
	}

	listSQL, listArgs, err := ds.Select(reservationColumns...).
		Order(goqu.C("reserved_at").Desc(), goqu.L("rowid").Desc()).
		Limit(uint(size)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return Page[*Reservation]{}, err
	}
	rows, err := d.db.QueryContext(ctx, listSQL, listArgs...)
	if err != nil {
		return Page[*Reservation]{}, err
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return Page[*Reservation]{}, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return Page[*Reservation]{}, err
	}
	return newPage(out, total, page, size), nil
}

func activeReservation(now time.Time) goqu.Ex {
	return goqu.Ex{
		"is_fulfilled": false,
		"is_cancelled": false,
		"expires_at":   goqu.Op{"gt": formatTime(now)},
	}
}
