package library

import (
	"encoding/json"
	"math"
	"time"
)

// Book represents a catalog entry and the availability of its physical copies.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn"`
	Subject         string    `json:"subject"`
	RackNumber      string    `json:"rackNumber"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	PublishedYear   int       `json:"publishedYear,omitempty"`
	Description     string    `json:"description,omitempty"`
	CoverImageURL   string    `json:"coverImageUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsAvailable reports whether at least one copy is on the shelf.
func (b *Book) IsAvailable() bool { return b.AvailableCopies > 0 }

// OnLoan is the number of copies currently lent out.
func (b *Book) OnLoan() int { return b.TotalCopies - b.AvailableCopies }

// NewBook carries the fields an admin supplies when adding a book.
type NewBook struct {
	Title         string `json:"title" binding:"required"`
	Author        string `json:"author" binding:"required"`
	ISBN          string `json:"isbn" binding:"required"`
	Subject       string `json:"subject" binding:"required"`
	RackNumber    string `json:"rackNumber" binding:"required"`
	TotalCopies   int    `json:"totalCopies" binding:"required,min=1"`
	PublishedYear int    `json:"publishedYear"`
	Description   string `json:"description"`
	CoverImageURL string `json:"coverImageUrl"`
}

// BookUpdate is a partial edit; nil fields are left untouched.
// Available copies are never edited directly: changing TotalCopies shifts
// them by the same delta.
type BookUpdate struct {
	Title         *string `json:"title"`
	Author        *string `json:"author"`
	ISBN          *string `json:"isbn"`
	Subject       *string `json:"subject"`
	RackNumber    *string `json:"rackNumber"`
	TotalCopies   *int    `json:"totalCopies"`
	PublishedYear *int    `json:"publishedYear"`
	Description   *string `json:"description"`
	CoverImageURL *string `json:"coverImageUrl"`
}

// FilterType selects which catalog column a search matches against.
type FilterType string

const (
	FilterAll     FilterType = "all"
	FilterTitle   FilterType = "title"
	FilterAuthor  FilterType = "author"
	FilterISBN    FilterType = "isbn"
	FilterSubject FilterType = "subject"
)

// SearchFilters describes a catalog query.
type SearchFilters struct {
	Query         string
	Filter        FilterType
	AvailableOnly bool
	Page          int
	PageSize      int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Page is one page of a paginated listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
}

func newPage[T any](items []T, total, page, size int) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: int(math.Ceil(float64(total) / float64(size))),
	}
}

// normalizePage clamps page and size to sane values and returns the offset.
func normalizePage(page, size int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size, (page - 1) * size
}

// BorrowingRecord is one entry in the lending ledger.
type BorrowingRecord struct {
	ID            string     `json:"id"`
	BookID        string     `json:"bookId"`
	BorrowerName  string     `json:"borrowerName"`
	BorrowerEmail string     `json:"borrowerEmail,omitempty"`
	BorrowerPhone string     `json:"borrowerPhone,omitempty"`
	BorrowedAt    time.Time  `json:"borrowedAt"`
	DueDate       time.Time  `json:"dueDate"`
	ReturnedAt    *time.Time `json:"returnedAt,omitempty"`
	IsOverdue     bool       `json:"isOverdue"`
	OverdueDays   int        `json:"overdueDays"`
	FineCents     int64      `json:"-"`
	Notes         string     `json:"notes,omitempty"`
	IssuedBy      string     `json:"issuedBy,omitempty"`

	RemindedAt        *time.Time `json:"remindedAt,omitempty"`
	OverdueNotifiedAt *time.Time `json:"overdueNotifiedAt,omitempty"`

	Book *Book `json:"book,omitempty"`
}

// IsOpen reports whether the copy is still out.
func (r *BorrowingRecord) IsOpen() bool { return r.ReturnedAt == nil }

// FineAmount is the fine in currency units, e.g. 3.00.
func (r *BorrowingRecord) FineAmount() float64 { return CentsToAmount(r.FineCents) }

// MarshalJSON adds the fine in currency units to the encoded record.
func (r BorrowingRecord) MarshalJSON() ([]byte, error) {
	type plain BorrowingRecord
	return json.Marshal(struct {
		plain
		FineAmount float64 `json:"fineAmount"`
	}{plain(r), r.FineAmount()})
}

// BorrowRequest carries the inputs of a borrow operation.
type BorrowRequest struct {
	BookID        string
	BorrowerName  string
	BorrowerEmail string
	BorrowerPhone string
	DueDate       time.Time
	Notes         string
	IssuedBy      string
}

// Reservation is an advisory hold on a title. It never changes capacity.
type Reservation struct {
	ID            string    `json:"id"`
	BookID        string    `json:"bookId"`
	ReserverName  string    `json:"reserverName"`
	ReserverEmail string    `json:"reserverEmail,omitempty"`
	ReserverPhone string    `json:"reserverPhone,omitempty"`
	ReservedAt    time.Time `json:"reservedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	IsFulfilled   bool      `json:"isFulfilled"`
	IsCancelled   bool      `json:"isCancelled"`
}

// IsActive reports whether the reservation still holds at now.
func (r *Reservation) IsActive(now time.Time) bool {
	return !r.IsFulfilled && !r.IsCancelled && r.ExpiresAt.After(now)
}

// ReserveRequest carries the inputs of a reservation.
type ReserveRequest struct {
	BookID        string
	ReserverName  string
	ReserverEmail string
	ReserverPhone string
}

// AdminUser is a phone-gated admin account.
type AdminUser struct {
	ID              string    `json:"id"`
	PhoneNumber     string    `json:"phoneNumber"`
	Name            string    `json:"name"`
	Username        string    `json:"username,omitempty"`
	PasswordHash    string    `json:"-"` // Don't serialize password hash
	IsActive        bool      `json:"isActive"`
	IsSetupComplete bool      `json:"isSetupComplete"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Role is the role a caller acts in.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// AuthState is the per-request view of who is calling.
type AuthState struct {
	Authenticated bool       `json:"authenticated"`
	User          *AdminUser `json:"user,omitempty"`
	Role          Role       `json:"role"`
	Token         string     `json:"token,omitempty"`
	ExpiresAt     time.Time  `json:"expiresAt,omitempty"`
}

// Anonymous is the state of a caller without a valid session.
func Anonymous() AuthState { return AuthState{Role: RoleStudent} }

// PhoneLookupResult tells the client which step of the admin flow comes next.
type PhoneLookupResult struct {
	AdminID    string `json:"adminId"`
	NeedsSetup bool   `json:"needsSetup"`
}

// NotificationType names the kind of generated message.
type NotificationType string

const (
	NotificationDueReminder   NotificationType = "due_reminder"
	NotificationOverdueNotice NotificationType = "overdue_notice"
)

// Notification is an outbox entry generated from ledger state.
type Notification struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	RecordID       string           `json:"recordId"`
	RecipientPhone string           `json:"recipientPhone,omitempty"`
	RecipientEmail string           `json:"recipientEmail,omitempty"`
	Message        string           `json:"message"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// DashboardStats are read-only counts over the current tables.
type DashboardStats struct {
	TotalBooks         int `json:"totalBooks"`
	AvailableBooks     int `json:"availableBooks"`
	BorrowedBooks      int `json:"borrowedBooks"`
	OverdueBooks       int `json:"overdueBooks"`
	TotalReservations  int `json:"totalReservations"`
	ActiveReservations int `json:"activeReservations"`
}

// AvailabilityMismatch is a book whose counters disagree with the ledger.
type AvailabilityMismatch struct {
	BookID          string `json:"bookId"`
	Title           string `json:"title"`
	TotalCopies     int    `json:"totalCopies"`
	AvailableCopies int    `json:"availableCopies"`
	OpenLoans       int    `json:"openLoans"`
}
