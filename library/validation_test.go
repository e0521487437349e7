package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidISBN(t *testing.T) {
	tests := map[string]bool{
		"9780132350884":     true,
		"978-0-13-419044-0": true,
		"0-306-40615-2":     true,
		"080442957X":        true,
		"0 306 40615 2":     true,
		"9780132350885":     false,
		"0306406153":        false,
		"97801323508":       false,
		"978013235088A":     false,
		"":                  false,
	}
	for isbn, want := range tests {
		assert.Equal(t, want, ValidISBN(isbn), isbn)
	}
}

func TestCanonicalISBN(t *testing.T) {
	tests := map[string]string{
		"978-0-13-235088-4": "9780132350884",
		" 0 306 40615 2 ":   "0306406152",
		"0-8044-2957-x":     "080442957X",
		"9780132350884":     "9780132350884",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalISBN(in), in)
	}
}

func TestPhoneValidation(t *testing.T) {
	tests := []struct {
		in    string
		norm  string
		valid bool
	}{
		{"+15550100001", "+15550100001", true},
		{"+1 (555) 010-0001", "+15550100001", true},
		{"5550100001", "5550100001", true},
		{"0555", "0555", false},
		{"+1", "+1", false},
		{"phone", "phone", false},
	}
	for _, tt := range tests {
		norm := NormalizePhone(tt.in)
		assert.Equal(t, tt.norm, norm)
		assert.Equal(t, tt.valid, ValidatePhone("phone", norm) == nil, tt.in)
	}
}

func TestPasswordRules(t *testing.T) {
	assert.NoError(t, ValidatePassword("Shelves2025"))
	for _, pw := range []string{"Sh3lf", "shelves2025", "SHELVES2025", "Shelvesxyz"} {
		assert.Error(t, ValidatePassword(pw), pw)
	}
}

func TestDueDateIsCalendarDay(t *testing.T) {
	now := time.Date(2025, time.March, 10, 23, 0, 0, 0, time.UTC)
	assert.NoError(t, validateDueDate(time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), now))
	assert.NoError(t, validateDueDate(now.Add(time.Hour), now))
	assert.Error(t, validateDueDate(time.Date(2025, time.March, 9, 23, 59, 0, 0, time.UTC), now))
}

func TestSpoolDispatcherWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "outbox.jsonl")
	d := NewSpoolDispatcher(path)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, d.Dispatch(ctx, &Notification{ID: id, Type: NotificationDueReminder, RecordID: "r", Message: "hi", CreatedAt: t0}))
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var n Notification
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(lines[1], &n))
	assert.Equal(t, "n2", n.ID)
	assert.Equal(t, NotificationDueReminder, n.Type)
}
