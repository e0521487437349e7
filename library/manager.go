package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultLoanPeriod is the due date offered when an admin does not pick one.
	DefaultLoanPeriod = 14 * 24 * time.Hour
	// DefaultSessionTTL bounds how long an admin session stays valid.
	DefaultSessionTTL = 24 * time.Hour
)

// LibraryManager is the façade the CLI and HTTP layers talk to. It owns the
// clock, validates input, and wraps the Database with logging and metrics.
type LibraryManager struct {
	db         *Database
	logger     *zap.Logger
	metrics    *metrics
	now        func() time.Time
	dispatcher Dispatcher

	dailyFineCents    int64
	loanPeriod        time.Duration
	reservationPeriod time.Duration
	reminderWindow    time.Duration

	bcryptCost int
	sessionTTL time.Duration
	hashKey    []byte
	blockKey   []byte
	codec      *securecookie.SecureCookie
	dummyHash  []byte

	registerer prometheus.Registerer
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(lm *LibraryManager) { lm.logger = l } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(lm *LibraryManager) { lm.now = now } }

// WithDispatcher sets where committed notifications are delivered.
func WithDispatcher(d Dispatcher) Option { return func(lm *LibraryManager) { lm.dispatcher = d } }

// WithRegisterer registers the manager's metrics on reg. Without it each
// manager gets a private registry, so the metrics are not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(lm *LibraryManager) { lm.registerer = reg }
}

// WithDailyFine sets the fine charged per overdue day, in cents.
func WithDailyFine(cents int64) Option { return func(lm *LibraryManager) { lm.dailyFineCents = cents } }

// WithLoanPeriod sets the default loan length.
func WithLoanPeriod(d time.Duration) Option { return func(lm *LibraryManager) { lm.loanPeriod = d } }

// WithReservationPeriod sets how long reservations hold.
func WithReservationPeriod(d time.Duration) Option {
	return func(lm *LibraryManager) { lm.reservationPeriod = d }
}

// WithReminderWindow sets how far ahead of the due date reminders are sent.
func WithReminderWindow(d time.Duration) Option {
	return func(lm *LibraryManager) { lm.reminderWindow = d }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option { return func(lm *LibraryManager) { lm.bcryptCost = cost } }

// WithSessionTTL sets the admin session lifetime.
func WithSessionTTL(d time.Duration) Option { return func(lm *LibraryManager) { lm.sessionTTL = d } }

// WithSessionKeys sets the keys used to sign (hashKey) and encrypt
// (blockKey, optional) session tokens. Without it random keys are generated
// and tokens do not survive a restart.
func WithSessionKeys(hashKey, blockKey []byte) Option {
	return func(lm *LibraryManager) { lm.hashKey, lm.blockKey = hashKey, blockKey }
}

// NewLibraryManager opens (or creates) the SQLite database at dbPath.
func NewLibraryManager(dbPath string, opts ...Option) (*LibraryManager, error) {
	lm := &LibraryManager{
		logger:            zap.NewNop(),
		now:               time.Now,
		dailyFineCents:    DefaultDailyFineCents,
		loanPeriod:        DefaultLoanPeriod,
		reservationPeriod: DefaultReservationPeriod,
		reminderWindow:    DefaultReminderWindow,
		bcryptCost:        12,
		sessionTTL:        DefaultSessionTTL,
		registerer:        prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(lm)
	}

	if len(lm.hashKey) == 0 {
		lm.hashKey = securecookie.GenerateRandomKey(64)
		lm.blockKey = securecookie.GenerateRandomKey(32)
		if lm.hashKey == nil || lm.blockKey == nil {
			return nil, errors.New("generate session keys")
		}
	}
	lm.codec = securecookie.New(lm.hashKey, lm.blockKey).
		SetSerializer(securecookie.JSONEncoder{}).
		MaxAge(int(lm.sessionTTL / time.Second))

	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), lm.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare password hashing: %w", err)
	}
	lm.dummyHash = dummy

	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	lm.db = db
	lm.metrics = newMetrics(lm.registerer)
	return lm, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// Ping checks the database connection.
func (lm *LibraryManager) Ping(ctx context.Context) error { return lm.db.Ping(ctx) }

// Now returns the manager's current time.
func (lm *LibraryManager) Now() time.Time { return lm.now() }

// DefaultDueDate is the due date offered for a loan starting now.
func (lm *LibraryManager) DefaultDueDate() time.Time { return lm.now().Add(lm.loanPeriod) }

// observe records the latency of op since start.
func (lm *LibraryManager) observe(op string, start time.Time) {
	lm.metrics.txDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ------------------ Catalog ------------------

// AddBook validates nb and adds it to the catalog with every copy available.
func (lm *LibraryManager) AddBook(ctx context.Context, nb NewBook) (*Book, error) {
	defer lm.observe("add_book", time.Now())
	if err := normalizeNewBook(&nb); err != nil {
		return nil, err
	}
	b, err := lm.db.AddBook(ctx, nb, lm.now())
	if err != nil {
		return nil, err
	}
	lm.logger.Info("book added", zap.String("book_id", b.ID), zap.String("title", b.Title), zap.Int("copies", b.TotalCopies))
	return b, nil
}

func (lm *LibraryManager) GetBook(ctx context.Context, id string) (*Book, error) {
	return lm.db.GetBook(ctx, id)
}

// FindBookByISBN looks a book up by exact ISBN, ignoring separators and the
// case of an X check digit.
func (lm *LibraryManager) FindBookByISBN(ctx context.Context, isbn string) (*Book, error) {
	if !ValidISBN(isbn) {
		return nil, invalid("isbn", "must be a valid ISBN-10 or ISBN-13")
	}
	return lm.db.GetBookByISBN(ctx, isbn)
}

// SearchBooks lists or searches the catalog. An unknown filter is rejected.
func (lm *LibraryManager) SearchBooks(ctx context.Context, f SearchFilters) (Page[*Book], error) {
	if f.Filter == "" {
		f.Filter = FilterAll
	}
	if _, ok := searchColumns[f.Filter]; !ok {
		return Page[*Book]{}, invalid("filter", "must be one of all, title, author, isbn, subject")
	}
	return lm.db.SearchBooks(ctx, f)
}

// UpdateBook applies a partial edit to a book.
func (lm *LibraryManager) UpdateBook(ctx context.Context, id string, u BookUpdate) (*Book, error) {
	defer lm.observe("update_book", time.Now())
	if err := normalizeBookUpdate(&u); err != nil {
		return nil, err
	}
	b, err := lm.db.UpdateBook(ctx, id, u, lm.now())
	if err != nil {
		return nil, err
	}
	lm.logger.Info("book updated", zap.String("book_id", id))
	return b, nil
}

// DeleteBook removes a book that has no copies on loan.
func (lm *LibraryManager) DeleteBook(ctx context.Context, id string) error {
	defer lm.observe("delete_book", time.Now())
	if err := lm.db.DeleteBook(ctx, id); err != nil {
		return err
	}
	lm.logger.Info("book deleted", zap.String("book_id", id))
	return nil
}

// ------------------ Circulation ------------------

// BorrowBook lends a copy of req.BookID.
func (lm *LibraryManager) BorrowBook(ctx context.Context, req BorrowRequest) (rec *BorrowingRecord, err error) {
	defer lm.observe("borrow", time.Now())
	defer func() { lm.metrics.circulation.WithLabelValues("borrow", outcome(err)).Inc() }()

	now := lm.now()
	req.BookID = strings.TrimSpace(req.BookID)
	req.BorrowerName = strings.TrimSpace(req.BorrowerName)
	req.Notes = strings.TrimSpace(req.Notes)
	if err := required("bookId", req.BookID); err != nil {
		return nil, err
	}
	if err := required("borrowerName", req.BorrowerName); err != nil {
		return nil, err
	}
	if err := normalizeContact(&req.BorrowerEmail, &req.BorrowerPhone, "borrowerEmail", "borrowerPhone"); err != nil {
		return nil, err
	}
	if err := validateDueDate(req.DueDate, now); err != nil {
		return nil, err
	}

	rec, err = lm.db.BorrowBook(ctx, req, now)
	if err != nil {
		lm.logger.Debug("borrow rejected", zap.String("book_id", req.BookID), zap.Error(err))
		return nil, err
	}
	lm.logger.Info("book borrowed",
		zap.String("record_id", rec.ID),
		zap.String("book_id", rec.BookID),
		zap.String("borrower", rec.BorrowerName),
		zap.Time("due", rec.DueDate))
	return rec, nil
}

// ReturnBook closes an open loan. On ErrInconsistentState the closed record
// is returned alongside the error.
func (lm *LibraryManager) ReturnBook(ctx context.Context, recordID string) (rec *BorrowingRecord, err error) {
	defer lm.observe("return", time.Now())
	defer func() { lm.metrics.circulation.WithLabelValues("return", outcome(err)).Inc() }()

	rec, err = lm.db.ReturnBook(ctx, recordID, lm.now(), lm.dailyFineCents)
	switch {
	case errors.Is(err, ErrInconsistentState):
		lm.logger.Error("availability counter out of sync on return",
			zap.String("record_id", recordID), zap.Error(err))
		return rec, err
	case err != nil:
		return nil, err
	}
	lm.logger.Info("book returned",
		zap.String("record_id", rec.ID),
		zap.String("book_id", rec.BookID),
		zap.Bool("overdue", rec.IsOverdue),
		zap.String("fine", FormatAmount(rec.FineCents)))
	return rec, nil
}

// GetRecord fetches a loan with its overdue state as of now.
func (lm *LibraryManager) GetRecord(ctx context.Context, id string) (*BorrowingRecord, error) {
	r, err := lm.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	r.applyAssessment(lm.now(), lm.dailyFineCents)
	return r, nil
}

// ActiveLoans lists open loans, soonest due first.
func (lm *LibraryManager) ActiveLoans(ctx context.Context) ([]*BorrowingRecord, error) {
	records, err := lm.db.ActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	now := lm.now()
	for _, r := range records {
		r.applyAssessment(now, lm.dailyFineCents)
	}
	if records == nil {
		records = []*BorrowingRecord{}
	}
	return records, nil
}

// BorrowingHistory pages through every loan, most recent first.
func (lm *LibraryManager) BorrowingHistory(ctx context.Context, page, size int) (Page[*BorrowingRecord], error) {
	p, err := lm.db.BorrowingHistory(ctx, page, size)
	if err != nil {
		return p, err
	}
	now := lm.now()
	for _, r := range p.Items {
		r.applyAssessment(now, lm.dailyFineCents)
	}
	return p, nil
}

// RefreshOverdue rewrites the stored overdue fields of open loans.
func (lm *LibraryManager) RefreshOverdue(ctx context.Context) (int, error) {
	defer lm.observe("overdue_sweep", time.Now())
	n, err := lm.db.RefreshOverdue(ctx, lm.now(), lm.dailyFineCents)
	if err != nil {
		return 0, err
	}
	lm.metrics.sweeps.Inc()
	lm.metrics.sweepUpdated.Add(float64(n))
	lm.logger.Info("overdue sweep finished", zap.Int("updated", n))
	return n, nil
}

// AuditAvailability reports books whose counters disagree with the ledger.
func (lm *LibraryManager) AuditAvailability(ctx context.Context) ([]AvailabilityMismatch, error) {
	mismatches, err := lm.db.AuditAvailability(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mismatches {
		lm.logger.Warn("availability mismatch",
			zap.String("book_id", m.BookID),
			zap.Int("total", m.TotalCopies),
			zap.Int("available", m.AvailableCopies),
			zap.Int("open_loans", m.OpenLoans))
	}
	return mismatches, nil
}

// ------------------ Reservations ------------------

// ReserveBook places an advisory hold on a book.
func (lm *LibraryManager) ReserveBook(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	req.BookID = strings.TrimSpace(req.BookID)
	req.ReserverName = strings.TrimSpace(req.ReserverName)
	if err := required("bookId", req.BookID); err != nil {
		return nil, err
	}
	if err := required("reserverName", req.ReserverName); err != nil {
		return nil, err
	}
	if err := normalizeContact(&req.ReserverEmail, &req.ReserverPhone, "reserverEmail", "reserverPhone"); err != nil {
		return nil, err
	}
	r, err := lm.db.ReserveBook(ctx, req, lm.now(), lm.reservationPeriod)
	if err != nil {
		return nil, err
	}
	lm.logger.Info("book reserved", zap.String("reservation_id", r.ID), zap.String("book_id", r.BookID))
	return r, nil
}

func (lm *LibraryManager) CancelReservation(ctx context.Context, id string) (*Reservation, error) {
	r, err := lm.db.CancelReservation(ctx, id)
	if err == nil {
		lm.logger.Info("reservation cancelled", zap.String("reservation_id", id))
	}
	return r, err
}

func (lm *LibraryManager) FulfillReservation(ctx context.Context, id string) (*Reservation, error) {
	r, err := lm.db.FulfillReservation(ctx, id)
	if err == nil {
		lm.logger.Info("reservation fulfilled", zap.String("reservation_id", id))
	}
	return r, err
}

func (lm *LibraryManager) ListReservations(ctx context.Context, activeOnly bool, page, size int) (Page[*Reservation], error) {
	return lm.db.ListReservations(ctx, activeOnly, lm.now(), page, size)
}

// ------------------ Notifications ------------------

// SendDueReminders generates reminders for loans due soon and returns how
// many were created.
func (lm *LibraryManager) SendDueReminders(ctx context.Context) (int, error) {
	created, err := lm.db.CreateDueReminders(ctx, lm.now(), lm.reminderWindow)
	if err != nil {
		return 0, err
	}
	lm.deliver(ctx, NotificationDueReminder, created)
	return len(created), nil
}

// SendOverdueNotices generates notices for overdue loans and returns how
// many were created.
func (lm *LibraryManager) SendOverdueNotices(ctx context.Context) (int, error) {
	created, err := lm.db.CreateOverdueNotices(ctx, lm.now(), lm.dailyFineCents)
	if err != nil {
		return 0, err
	}
	lm.deliver(ctx, NotificationOverdueNotice, created)
	return len(created), nil
}

// deliver hands committed notifications to the dispatcher. Failures are
// logged; the outbox row already exists.
func (lm *LibraryManager) deliver(ctx context.Context, kind NotificationType, created []*Notification) {
	lm.metrics.notifications.WithLabelValues(string(kind)).Add(float64(len(created)))
	lm.logger.Info("notifications generated", zap.String("type", string(kind)), zap.Int("count", len(created)))
	if lm.dispatcher == nil {
		return
	}
	for _, n := range created {
		if err := lm.dispatcher.Dispatch(ctx, n); err != nil {
			lm.metrics.dispatchFailures.Inc()
			lm.logger.Warn("notification dispatch failed",
				zap.String("notification_id", n.ID), zap.String("record_id", n.RecordID), zap.Error(err))
		}
	}
}

func (lm *LibraryManager) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	return lm.db.ListNotifications(ctx, limit)
}

// ------------------ Dashboard ------------------

func (lm *LibraryManager) Stats(ctx context.Context) (DashboardStats, error) {
	return lm.db.Stats(ctx, lm.now())
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	return fmt.Sprintf("%-36s %-30s %-22s %-17s %3d/%-3d", b.ID, truncate(b.Title, 30), truncate(b.Author, 22), b.ISBN, b.AvailableCopies, b.TotalCopies)
}

// PrettyRecord formats a loan for lists.
func PrettyRecord(r *BorrowingRecord) string {
	title := r.BookID
	if r.Book != nil {
		title = r.Book.Title
	}
	status := "on time"
	if r.IsOverdue {
		status = fmt.Sprintf("%dd overdue, fine %s", r.OverdueDays, FormatAmount(r.FineCents))
	}
	return fmt.Sprintf("%-36s %-30s %-20s due %s  %s", r.ID, truncate(title, 30), truncate(r.BorrowerName, 20), r.DueDate.Format("2006-01-02"), status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
