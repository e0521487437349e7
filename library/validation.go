package library

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	phonePattern    = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,}$`)
	phoneNoise      = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	isbnNoise       = strings.NewReplacer("-", "", " ", "")

	validate = validator.New()
)

// NormalizePhone strips common separators so "+1 (555) 010-0001" and
// "+15550100001" name the same admin.
func NormalizePhone(phone string) string {
	return phoneNoise.Replace(strings.TrimSpace(phone))
}

// ValidatePhone checks an already normalized phone number.
func ValidatePhone(field, phone string) error {
	if !phonePattern.MatchString(phone) {
		return invalid(field, "must be a valid phone number")
	}
	return nil
}

// ValidateEmail checks the address format.
func ValidateEmail(field, email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return invalid(field, "must be a valid email address")
	}
	return nil
}

// CanonicalISBN is the stored form of an ISBN: separators removed and a
// trailing x check digit upper-cased.
func CanonicalISBN(isbn string) string {
	return strings.ToUpper(isbnNoise.Replace(strings.TrimSpace(isbn)))
}

// ValidISBN reports whether isbn is a well-formed ISBN-10 or ISBN-13 with a
// correct check digit. Hyphens and spaces are ignored.
func ValidISBN(isbn string) bool {
	clean := isbnNoise.Replace(isbn)
	switch len(clean) {
	case 10:
		return validISBN10(clean)
	case 13:
		return validISBN13(clean)
	}
	return false
}

func validISBN10(s string) bool {
	sum := 0
	for i := 0; i < 9; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		sum += int(s[i]-'0') * (10 - i)
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return s[9] == 'X' || s[9] == 'x'
	}
	return s[9] == byte('0'+check)
}

func validISBN13(s string) bool {
	sum := 0
	for i := 0; i < 13; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		if i == 12 {
			break
		}
		w := 1
		if i%2 == 1 {
			w = 3
		}
		sum += int(s[i]-'0') * w
	}
	return int(s[12]-'0') == (10-sum%10)%10
}

// ValidateUsername enforces letters, digits and underscores, at least 3.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return invalid("username", "must be at least 3 characters of letters, digits or underscores")
	}
	return nil
}

// ValidatePassword requires 8+ characters with a lowercase letter, an
// uppercase letter and a digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return invalid("password", "must be at least 8 characters")
	}
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		return invalid("password", "must contain an uppercase letter, a lowercase letter and a digit")
	}
	return nil
}

// validateDueDate rejects due dates on a calendar day before today.
func validateDueDate(due, now time.Time) error {
	if due.IsZero() {
		return invalid("dueDate", "is required")
	}
	loc := now.Location()
	dy, dm, dd := due.In(loc).Date()
	ny, nm, nd := now.Date()
	if time.Date(dy, dm, dd, 0, 0, 0, 0, loc).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, loc)) {
		return invalid("dueDate", "cannot be in the past")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(field, "is required")
	}
	return nil
}

// normalizeNewBook trims the text fields of nb and validates it.
func normalizeNewBook(nb *NewBook) error {
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	nb.ISBN = strings.TrimSpace(nb.ISBN)
	nb.Subject = strings.TrimSpace(nb.Subject)
	nb.RackNumber = strings.TrimSpace(nb.RackNumber)
	nb.Description = strings.TrimSpace(nb.Description)
	nb.CoverImageURL = strings.TrimSpace(nb.CoverImageURL)

	for _, f := range []struct{ name, value string }{
		{"title", nb.Title},
		{"author", nb.Author},
		{"isbn", nb.ISBN},
		{"subject", nb.Subject},
		{"rackNumber", nb.RackNumber},
	} {
		if err := required(f.name, f.value); err != nil {
			return err
		}
	}
	if !ValidISBN(nb.ISBN) {
		return invalid("isbn", "must be a valid ISBN-10 or ISBN-13")
	}
	nb.ISBN = CanonicalISBN(nb.ISBN)
	if nb.TotalCopies < 1 {
		return invalid("totalCopies", "must be at least 1")
	}
	if nb.PublishedYear < 0 {
		return invalid("publishedYear", "must not be negative")
	}
	if nb.CoverImageURL != "" {
		if err := validate.Var(nb.CoverImageURL, "url"); err != nil {
			return invalid("coverImageUrl", "must be a valid URL")
		}
	}
	return nil
}

// normalizeBookUpdate trims and validates the fields present in u.
func normalizeBookUpdate(u *BookUpdate) error {
	for _, f := range []struct {
		name     string
		value    *string
		required bool
	}{
		{"title", u.Title, true},
		{"author", u.Author, true},
		{"isbn", u.ISBN, true},
		{"subject", u.Subject, true},
		{"rackNumber", u.RackNumber, true},
		{"description", u.Description, false},
		{"coverImageUrl", u.CoverImageURL, false},
	} {
		if f.value == nil {
			continue
		}
		*f.value = strings.TrimSpace(*f.value)
		if f.required {
			if err := required(f.name, *f.value); err != nil {
				return err
			}
		}
	}
	if u.ISBN != nil {
		if !ValidISBN(*u.ISBN) {
			return invalid("isbn", "must be a valid ISBN-10 or ISBN-13")
		}
		*u.ISBN = CanonicalISBN(*u.ISBN)
	}
	if u.TotalCopies != nil && *u.TotalCopies < 1 {
		return invalid("totalCopies", "must be at least 1")
	}
	if u.PublishedYear != nil && *u.PublishedYear < 0 {
		return invalid("publishedYear", "must not be negative")
	}
	if u.CoverImageURL != nil && *u.CoverImageURL != "" {
		if err := validate.Var(*u.CoverImageURL, "url"); err != nil {
			return invalid("coverImageUrl", "must be a valid URL")
		}
	}
	return nil
}

// normalizeContact trims and validates optional email and phone.
func normalizeContact(email, phone *string, emailField, phoneField string) error {
	*email = strings.TrimSpace(*email)
	if *email != "" {
		if err := ValidateEmail(emailField, *email); err != nil {
			return err
		}
	}
	*phone = NormalizePhone(*phone)
	if *phone != "" {
		if err := ValidatePhone(phoneField, *phone); err != nil {
			return err
		}
	}
	return nil
}
