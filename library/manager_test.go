package library

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

// fakeClock is a settable clock for the manager.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(t *testing.T, opts ...Option) (*LibraryManager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	base := []Option{
		WithClock(clock.Now),
		WithRegisterer(prometheus.NewRegistry()),
		WithBcryptCost(bcrypt.MinCost),
	}
	mgr, err := NewLibraryManager(filepath.Join(t.TempDir(), "lib.db"), append(base, opts...)...)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr, clock
}

func validBook() NewBook {
	return NewBook{
		Title:       "  Clean Code ",
		Author:      "Robert C. Martin",
		ISBN:        "978-0-13-235088-4",
		Subject:     "Software Engineering",
		RackNumber:  "B-12",
		TotalCopies: 2,
	}
}

func TestManagerAddBookValidates(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)
	assert.Equal(t, "Clean Code", b.Title)
	assert.Equal(t, "9780132350884", b.ISBN)

	tests := []struct {
		name  string
		edit  func(*NewBook)
		field string
	}{
		{"missing title", func(nb *NewBook) { nb.Title = " " }, "title"},
		{"bad isbn checksum", func(nb *NewBook) { nb.ISBN = "9780132350885" }, "isbn"},
		{"zero copies", func(nb *NewBook) { nb.TotalCopies = 0 }, "totalCopies"},
		{"missing rack", func(nb *NewBook) { nb.RackNumber = "" }, "rackNumber"},
		{"bad cover url", func(nb *NewBook) { nb.CoverImageURL = "not a url" }, "coverImageUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nb := validBook()
			tt.edit(&nb)
			_, err := mgr.AddBook(ctx, nb)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestManagerFindBookByISBN(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)

	got, err := mgr.FindBookByISBN(ctx, "9780132350884")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = mgr.FindBookByISBN(ctx, "9780134190440")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = mgr.FindBookByISBN(ctx, "9780132350885")
	assert.True(t, IsValidation(err))
}

func TestManagersWithoutRegistererCoexist(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.db", "b.db"} {
		mgr, err := NewLibraryManager(filepath.Join(dir, name), WithBcryptCost(bcrypt.MinCost))
		require.NoError(t, err)
		require.NoError(t, mgr.Close())
	}
}

func TestManagerSearchRejectsUnknownFilter(t *testing.T) {
	mgr, _ := newManager(t)
	_, err := mgr.SearchBooks(context.Background(), SearchFilters{Query: "x", Filter: "publisher"})
	assert.True(t, IsValidation(err))
}

func TestManagerBorrowValidation(t *testing.T) {
	mgr, clock := newManager(t)
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   BorrowRequest
		field string
	}{
		{"no borrower", BorrowRequest{BookID: b.ID, DueDate: mgr.DefaultDueDate()}, "borrowerName"},
		{"bad email", BorrowRequest{BookID: b.ID, BorrowerName: "Ann", BorrowerEmail: "ann@", DueDate: mgr.DefaultDueDate()}, "borrowerEmail"},
		{"bad phone", BorrowRequest{BookID: b.ID, BorrowerName: "Ann", BorrowerPhone: "12ab", DueDate: mgr.DefaultDueDate()}, "borrowerPhone"},
		{"no due date", BorrowRequest{BookID: b.ID, BorrowerName: "Ann"}, "dueDate"},
		{"due yesterday", BorrowRequest{BookID: b.ID, BorrowerName: "Ann", DueDate: clock.Now().Add(-24 * time.Hour)}, "dueDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.BorrowBook(ctx, tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	// Earlier today is still today.
	rec, err := mgr.BorrowBook(ctx, BorrowRequest{BookID: b.ID, BorrowerName: "Ann", BorrowerPhone: "+1 (555) 010-0001", DueDate: clock.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "+15550100001", rec.BorrowerPhone)

	got, err := mgr.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies, "rejected borrows must not touch the counter")
}

func TestManagerDerivesOverdueOnRead(t *testing.T) {
	mgr, clock := newManager(t)
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)
	rec, err := mgr.BorrowBook(ctx, BorrowRequest{BookID: b.ID, BorrowerName: "Ann", DueDate: clock.Now().Add(24 * time.Hour)})
	require.NoError(t, err)

	clock.Advance(3*24*time.Hour + time.Hour)

	got, err := mgr.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOverdue)
	assert.Equal(t, 3, got.OverdueDays)
	assert.InDelta(t, 3.00, got.FineAmount(), 0.001)

	loans, err := mgr.ActiveLoans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, 3, loans[0].OverdueDays)

	history, err := mgr.BorrowingHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Items, 1)
	assert.True(t, history.Items[0].IsOverdue)

	returned, err := mgr.ReturnBook(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), returned.FineCents)

	clock.Advance(10 * 24 * time.Hour)
	got, err = mgr.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.OverdueDays, "closed records keep the state frozen at return")
}

func TestManagerCustomFineRate(t *testing.T) {
	mgr, clock := newManager(t, WithDailyFine(250))
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)
	rec, err := mgr.BorrowBook(ctx, BorrowRequest{BookID: b.ID, BorrowerName: "Ann", DueDate: clock.Now()})
	require.NoError(t, err)

	clock.Advance(2 * 24 * time.Hour)
	n, err := mgr.RefreshOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := mgr.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.FineCents)
}

func TestManagerReturnLogsInconsistency(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mgr, _ := newManager(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)
	rec, err := mgr.BorrowBook(ctx, BorrowRequest{BookID: b.ID, BorrowerName: "Ann", DueDate: mgr.DefaultDueDate()})
	require.NoError(t, err)

	_, err = mgr.db.db.Exec(`UPDATE books SET available_copies = total_copies WHERE id = ?`, b.ID)
	require.NoError(t, err)

	closed, err := mgr.ReturnBook(ctx, rec.ID)
	require.ErrorIs(t, err, ErrInconsistentState)
	require.NotNil(t, closed)
	assert.NotNil(t, closed.ReturnedAt)

	entries := logs.FilterMessage("availability counter out of sync on return").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(mgr.metrics.circulation.WithLabelValues("return", "inconsistent")))
}

func TestManagerCirculationMetrics(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	nb := validBook()
	nb.TotalCopies = 1
	b, err := mgr.AddBook(ctx, nb)
	require.NoError(t, err)

	req := BorrowRequest{BookID: b.ID, BorrowerName: "Ann", DueDate: mgr.DefaultDueDate()}
	_, err = mgr.BorrowBook(ctx, req)
	require.NoError(t, err)
	_, err = mgr.BorrowBook(ctx, req)
	require.ErrorIs(t, err, ErrNotAvailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(mgr.metrics.circulation.WithLabelValues("borrow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mgr.metrics.circulation.WithLabelValues("borrow", "not_available")))
}

func TestManagerDispatchesNotifications(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []*Notification
	)
	dispatcher := DispatcherFunc(func(_ context.Context, n *Notification) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, n)
		if n.Type == NotificationOverdueNotice {
			return errors.New("gateway down")
		}
		return nil
	})
	mgr, clock := newManager(t, WithDispatcher(dispatcher))
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)
	_, err = mgr.BorrowBook(ctx, BorrowRequest{BookID: b.ID, BorrowerName: "Ann", BorrowerEmail: "ann@example.edu", DueDate: clock.Now().Add(24 * time.Hour)})
	require.NoError(t, err)

	n, err := mgr.SendDueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = mgr.SendDueReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(3 * 24 * time.Hour)
	n, err = mgr.SendOverdueNotices(ctx)
	require.NoError(t, err, "dispatch failures are not returned")
	assert.Equal(t, 1, n)

	require.Len(t, delivered, 2)
	assert.Equal(t, "ann@example.edu", delivered[0].RecipientEmail)
	assert.Equal(t, 1.0, testutil.ToFloat64(mgr.metrics.dispatchFailures))

	outbox, err := mgr.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outbox, 2)
	assert.Equal(t, NotificationOverdueNotice, outbox[0].Type)
}

func TestManagerReserveValidates(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()
	b, err := mgr.AddBook(ctx, validBook())
	require.NoError(t, err)

	_, err = mgr.ReserveBook(ctx, ReserveRequest{BookID: b.ID})
	assert.True(t, IsValidation(err))

	r, err := mgr.ReserveBook(ctx, ReserveRequest{BookID: b.ID, ReserverName: " Ann ", ReserverEmail: "ann@example.edu"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", r.ReserverName)

	page, err := mgr.ListReservations(ctx, true, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = mgr.FulfillReservation(ctx, r.ID)
	require.NoError(t, err)
	_, err = mgr.CancelReservation(ctx, r.ID)
	assert.ErrorIs(t, err, ErrReservationClosed)
}
