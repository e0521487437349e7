package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
)

var dialect = goqu.Dialect("sqlite3")

var bookColumns = []any{
	"id", "title", "author", "isbn", "subject", "rack_number",
	"total_copies", "available_copies", "published_year",
	"description", "cover_image_url", "created_at", "updated_at",
}

// searchColumns maps a filter to the columns it matches.
var searchColumns = map[FilterType][]string{
	FilterTitle:   {"title"},
	FilterAuthor:  {"author"},
	FilterISBN:    {"isbn"},
	FilterSubject: {"subject"},
	FilterAll:     {"title", "author", "isbn", "subject"},
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	var created, updated string
	if err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Subject, &b.RackNumber,
		&b.TotalCopies, &b.AvailableCopies, &b.PublishedYear,
		&b.Description, &b.CoverImageURL, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

// AddBook inserts a new catalog entry with every copy on the shelf. The ISBN
// is stored in canonical form.
func (d *Database) AddBook(ctx context.Context, nb NewBook, now time.Time) (*Book, error) {
	ts := formatTime(now)
	b := &Book{
		ID:              uuid.NewString(),
		Title:           nb.Title,
		Author:          nb.Author,
		ISBN:            CanonicalISBN(nb.ISBN),
		Subject:         nb.Subject,
		RackNumber:      nb.RackNumber,
		TotalCopies:     nb.TotalCopies,
		AvailableCopies: nb.TotalCopies,
		PublishedYear:   nb.PublishedYear,
		Description:     nb.Description,
		CoverImageURL:   nb.CoverImageURL,
	}
	if _, err := d.insertBookStmt.ExecContext(ctx, b.ID, b.Title, b.Author, b.ISBN, b.Subject, b.RackNumber,
		b.TotalCopies, b.AvailableCopies, b.PublishedYear, b.Description, b.CoverImageURL, ts, ts); err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	b.CreatedAt, _ = parseTime(ts)
	b.UpdatedAt = b.CreatedAt
	return b, nil
}

// GetBook fetches a single book.
func (d *Database) GetBook(ctx context.Context, id string) (*Book, error) {
	return getBook(ctx, d.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBook(ctx context.Context, q queryRower, id string) (*Book, error) {
	query, args, err := dialect.From("books").Prepared(true).
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, err
	}
	b, err := scanBook(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, ErrNotFound)
	}
	return b, err
}

// GetBookByISBN fetches the book whose ISBN equals isbn once both are in
// canonical form. When several books share the number the oldest is returned.
func (d *Database) GetBookByISBN(ctx context.Context, isbn string) (*Book, error) {
	canonical := CanonicalISBN(isbn)
	query, args, err := dialect.From("books").Prepared(true).
		Select(bookColumns...).
		Where(goqu.C("isbn").Eq(canonical)).
		Order(goqu.C("created_at").Asc(), goqu.L("rowid").Asc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, err
	}
	b, err := scanBook(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("isbn %s: %w", canonical, ErrNotFound)
	}
	return b, err
}

// SearchBooks returns one page of books matching f, newest first. An empty
// query returns the unfiltered listing.
func (d *Database) SearchBooks(ctx context.Context, f SearchFilters) (Page[*Book], error) {
	page, size, offset := normalizePage(f.Page, f.PageSize)

	ds := dialect.From("books").Prepared(true)
	if where := searchExpression(f); where != nil {
		ds = ds.Where(where)
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return Page[*Book]{}, err
	}
	var total int
	if err := d.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return Page[*Book]{}, fmt.Errorf("count books: %w", err)
	}

	listSQL, listArgs, err := ds.Select(bookColumns...).
		Order(goqu.C("created_at").Desc(), goqu.L("rowid").Desc()).
		Limit(uint(size)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return Page[*Book]{}, err
	}
	rows, err := d.db.QueryContext(ctx, listSQL, listArgs...)
	if err != nil {
		return Page[*Book]{}, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return Page[*Book]{}, err
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return Page[*Book]{}, err
	}
	return newPage(books, total, page, size), nil
}

// searchExpression builds the WHERE clause for f, or nil for no filtering.
// Text matching is a Unicode case-insensitive substring test; instr avoids
// treating % and _ in user input as LIKE wildcards. ISBN columns are matched
// with separators removed from the query.
func searchExpression(f SearchFilters) exp.Expression {
	var clauses []exp.Expression

	if q := strings.TrimSpace(f.Query); q != "" {
		cols, ok := searchColumns[f.Filter]
		if !ok {
			cols = searchColumns[FilterAll]
		}
		needle := fold(q)
		isbnNeedle := fold(CanonicalISBN(q))
		if isbnNeedle == "" {
			isbnNeedle = needle
		}
		matches := make([]exp.Expression, 0, len(cols))
		for _, col := range cols {
			n := needle
			if col == "isbn" {
				n = isbnNeedle
			}
			matches = append(matches, goqu.L("instr(fold(?), ?) > 0", goqu.C(col), n))
		}
		clauses = append(clauses, goqu.Or(matches...))
	}

	if f.AvailableOnly {
		clauses = append(clauses, goqu.C("available_copies").Gt(0))
	}

	if len(clauses) == 0 {
		return nil
	}
	return goqu.And(clauses...)
}

// UpdateBook applies a partial edit. A change to TotalCopies moves
// AvailableCopies by the same delta and fails with ErrBookOnLoan if fewer
// copies would remain than are currently lent out.
func (d *Database) UpdateBook(ctx context.Context, id string, u BookUpdate, now time.Time) (*Book, error) {
	var updated *Book
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		b, err := getBook(ctx, tx, id)
		if err != nil {
			return err
		}

		rec := goqu.Record{"updated_at": formatTime(now)}
		setString := func(col string, v *string) {
			if v != nil {
				rec[col] = *v
			}
		}
		setString("title", u.Title)
		setString("author", u.Author)
		if u.ISBN != nil {
			rec["isbn"] = CanonicalISBN(*u.ISBN)
		}
		setString("subject", u.Subject)
		setString("rack_number", u.RackNumber)
		setString("description", u.Description)
		setString("cover_image_url", u.CoverImageURL)
		if u.PublishedYear != nil {
			rec["published_year"] = *u.PublishedYear
		}

		if u.TotalCopies != nil && *u.TotalCopies != b.TotalCopies {
			if *u.TotalCopies < b.OnLoan() {
				return fmt.Errorf("book %s has %d copies on loan, cannot reduce to %d: %w",
					id, b.OnLoan(), *u.TotalCopies, ErrBookOnLoan)
			}
			delta := *u.TotalCopies - b.TotalCopies
			rec["total_copies"] = *u.TotalCopies
			rec["available_copies"] = goqu.L("available_copies + ?", delta)
		}

		query, args, err := dialect.Update("books").Prepared(true).Set(rec).Where(goqu.C("id").Eq(id)).ToSQL()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("update book %s: %w", id, ErrInconsistentState)
		}

		updated, err = getBook(ctx, tx, id)
		return err
	})
	return updated, err
}

// DeleteBook removes a book together with its closed loans and reservations.
// It refuses while any copy is on loan.
func (d *Database) DeleteBook(ctx context.Context, id string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM borrowing_records WHERE book_id=? AND returned_at IS NULL`, id).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("book %s has %d open loans: %w", id, open, ErrBookOnLoan)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("book %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
