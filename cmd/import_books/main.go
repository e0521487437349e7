// Command import_books seeds the catalog from a YAML file.
//
//	import_books --config library.yaml catalog.yaml
//
// The file holds a top-level "books" list; see catalog.example.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"campus-library/internal/config"
	"campus-library/internal/logging"
	"campus-library/library"
)

// catalogEntry is one book as written in the seed file.
type catalogEntry struct {
	Title         string `yaml:"title"`
	Author        string `yaml:"author"`
	ISBN          string `yaml:"isbn"`
	Subject       string `yaml:"subject"`
	RackNumber    string `yaml:"rack_number"`
	Copies        int    `yaml:"copies"`
	PublishedYear int    `yaml:"published_year"`
	Description   string `yaml:"description"`
	CoverImageURL string `yaml:"cover_image_url"`
}

type catalogFile struct {
	Books []catalogEntry `yaml:"books"`
}

func (e catalogEntry) newBook() library.NewBook {
	copies := e.Copies
	if copies == 0 {
		copies = 1
	}
	return library.NewBook{
		Title:         e.Title,
		Author:        e.Author,
		ISBN:          e.ISBN,
		Subject:       e.Subject,
		RackNumber:    e.RackNumber,
		TotalCopies:   copies,
		PublishedYear: e.PublishedYear,
		Description:   e.Description,
		CoverImageURL: e.CoverImageURL,
	}
}

// loadCatalog parses a seed file.
func loadCatalog(path string) ([]catalogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Books) == 0 {
		return nil, fmt.Errorf("%s: no books listed", path)
	}
	return f.Books, nil
}

// importResult counts the outcome of one import run.
type importResult struct {
	Imported int
	Skipped  int
	Failed   int
}

// importCatalog adds every entry, skipping ISBNs already in the catalog.
// A bad entry is logged and counted; it does not stop the run.
func importCatalog(ctx context.Context, mgr *library.LibraryManager, entries []catalogEntry, logger *zap.Logger) (importResult, error) {
	var res importResult
	for i, e := range entries {
		log := logger.With(zap.Int("entry", i+1), zap.String("title", e.Title))

		if e.ISBN != "" {
			existing, err := mgr.FindBookByISBN(ctx, e.ISBN)
			switch {
			case err == nil:
				log.Info("already in catalog, skipping", zap.String("isbn", e.ISBN), zap.String("book_id", existing.ID))
				res.Skipped++
				continue
			case errors.Is(err, library.ErrNotFound):
			case library.IsValidation(err):
				// AddBook reports the bad ISBN below.
			default:
				return res, err
			}
		}

		b, err := mgr.AddBook(ctx, e.newBook())
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn("import failed", zap.Error(err))
			res.Failed++
			continue
		}
		log.Info("imported", zap.String("book_id", b.ID), zap.Int("copies", b.TotalCopies))
		res.Imported++
	}
	return res, nil
}

// resetDatabase removes the database and its WAL side files.
func resetDatabase(path string, logger *zap.Logger) error {
	for _, file := range []string{path, path + "-shm", path + "-wal"} {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", file, err)
		}
	}
	logger.Info("database reset", zap.String("path", path))
	return nil
}

func main() {
	var (
		configPath string
		reset      bool
	)
	cmd := &cobra.Command{
		Use:          "import_books [catalog.yaml]",
		Short:        "Seed the library catalog from a YAML file",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			entries, err := loadCatalog(args[0])
			if err != nil {
				return err
			}
			if reset {
				if err := resetDatabase(cfg.DatabasePath, logger); err != nil {
					return err
				}
			}

			mgr, err := library.NewLibraryManager(cfg.DatabasePath,
				library.WithLogger(logger),
				library.WithRegisterer(prometheus.NewRegistry()),
				library.WithBcryptCost(cfg.BcryptCost))
			if err != nil {
				return err
			}
			defer mgr.Close()

			res, err := importCatalog(cmd.Context(), mgr, entries, logger)
			if err != nil {
				return err
			}

			fmt.Printf("\nImport complete!\n")
			fmt.Printf("Imported: %d  Skipped: %d  Errors: %d\n", res.Imported, res.Skipped, res.Failed)
			if res.Imported > 0 {
				page, err := mgr.SearchBooks(cmd.Context(), library.SearchFilters{PageSize: library.MaxPageSize})
				if err != nil {
					return err
				}
				fmt.Printf("\n%-36s %-30s %-22s %-17s %s\n", "ID", "Title", "Author", "ISBN", "Avail")
				fmt.Println(strings.Repeat("-", 115))
				for _, b := range page.Items {
					fmt.Println(library.PrettyBook(b))
				}
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d book(s) failed to import", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	cmd.Flags().BoolVar(&reset, "reset", false, "Delete the existing database before importing")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
