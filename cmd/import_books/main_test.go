package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"campus-library/library"
)

func newManager(t *testing.T) *library.LibraryManager {
	t.Helper()
	mgr, err := library.NewLibraryManager(filepath.Join(t.TempDir(), "lib.db"),
		library.WithRegisterer(prometheus.NewRegistry()),
		library.WithBcryptCost(4))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestLoadExampleCatalog(t *testing.T) {
	entries, err := loadCatalog("catalog.example.yaml")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "1984", entries[0].Title)
	assert.Equal(t, "F-ORW-01", entries[0].RackNumber)
	assert.Equal(t, 3, entries[0].Copies)
	assert.Equal(t, 1, entries[2].newBook().TotalCopies, "copies defaults to one")
}

func TestLoadCatalogRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("books: []\n"), 0o644))

	_, err := loadCatalog(path)
	assert.ErrorContains(t, err, "no books listed")
}

func TestImportCatalogSkipsDuplicatesAndCountsFailures(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	entries, err := loadCatalog("catalog.example.yaml")
	require.NoError(t, err)
	entries = append(entries, catalogEntry{Title: "No ISBN", Author: "Anon", Subject: "Misc", RackNumber: "X-1"})

	res, err := importCatalog(ctx, mgr, entries, logger)
	require.NoError(t, err)
	assert.Equal(t, importResult{Imported: 4, Failed: 1}, res)
	assert.Equal(t, 1, logs.FilterMessage("import failed").Len())

	res, err = importCatalog(ctx, mgr, entries[:4], logger)
	require.NoError(t, err)
	assert.Equal(t, importResult{Skipped: 4}, res)

	page, err := mgr.SearchBooks(ctx, library.SearchFilters{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
}

func TestImportCatalogMatchesISBNsIgnoringHyphens(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)

	book := catalogEntry{Author: "Robert C. Martin", Subject: "Software Engineering", RackNumber: "B-12"}
	plain, hyphenated, malformed := book, book, book
	plain.Title, plain.ISBN = "Clean Code", "9780132350884"
	hyphenated.Title, hyphenated.ISBN = "Clean Code (reprint)", "978-0-13-235088-4"
	malformed.Title, malformed.ISBN = "Clean Code (typo)", "978-0-13-235088-5"

	res, err := importCatalog(ctx, mgr, []catalogEntry{plain, hyphenated, malformed}, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, importResult{Imported: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, 1, logs.FilterMessage("already in catalog, skipping").Len())

	page, err := mgr.SearchBooks(ctx, library.SearchFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Clean Code", page.Items[0].Title)
	assert.Equal(t, "9780132350884", page.Items[0].ISBN)
}

func TestResetDatabaseRemovesSideFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "library.db")
	for _, f := range []string{path, path + "-wal"} {
		require.NoError(t, os.WriteFile(f, nil, 0o644))
	}

	require.NoError(t, resetDatabase(path, zap.NewNop()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + "-wal")
	assert.True(t, os.IsNotExist(err))
}
