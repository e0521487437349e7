package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"campus-library/library"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive circulation desk",
	Long: `Starts the desk REPL. Browsing the catalog is open to anyone; changes
require "login" with an admin username and password.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

// desk holds the REPL's session. Every privileged command reloads the
// session so expiry and revocation take effect immediately.
type desk struct {
	ctx   context.Context
	mgr   *library.LibraryManager
	sc    *bufio.Scanner
	state library.AuthState
}

func runConsole(cmd *cobra.Command, args []string) error {
	mgr, err := openManager(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer mgr.Close()

	d := &desk{ctx: cmd.Context(), mgr: mgr, sc: bufio.NewScanner(os.Stdin), state: library.Anonymous()}
	fmt.Println("Campus Library desk. Type 'help' for commands.")

	for {
		fmt.Print("\n> ")
		if !d.sc.Scan() {
			break
		}
		command := strings.ToLower(strings.TrimSpace(d.sc.Text()))

		switch command {
		case "":
			continue
		case "help":
			printHelp()
		case "login":
			d.login()
		case "logout":
			d.logout()
		case "whoami":
			d.whoami()
		case "list books":
			d.listBooks("", library.FilterAll)
		case "search":
			d.search()
		case "show book":
			d.showBook()
		case "add book":
			d.privileged(d.addBook)
		case "delete book":
			d.privileged(d.deleteBook)
		case "borrow":
			d.privileged(d.borrow)
		case "return":
			d.privileged(d.returnBook)
		case "loans":
			d.privileged(d.activeLoans)
		case "history":
			d.privileged(d.history)
		case "reserve":
			d.reserve()
		case "reservations":
			d.privileged(d.reservations)
		case "cancel reservation":
			d.privileged(func() { d.closeReservation(d.mgr.CancelReservation, "cancelled") })
		case "fulfill reservation":
			d.privileged(func() { d.closeReservation(d.mgr.FulfillReservation, "fulfilled") })
		case "stats":
			d.privileged(d.stats)
		case "exit", "quit":
			d.logout()
			fmt.Println("Goodbye!")
			return nil
		default:
			fmt.Println("Unknown command. Type 'help' for the list.")
		}
	}
	return d.sc.Err()
}

func printHelp() {
	fmt.Println(`Commands:
  list books            search               show book
  reserve               login                logout
  whoami                help                 exit
Admin only:
  add book              delete book          borrow
  return                loans                history
  reservations          cancel reservation   fulfill reservation
  stats`)
}

// prompt prints label and returns the trimmed next line.
func (d *desk) prompt(label string) (string, bool) {
	fmt.Print(label)
	if !d.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(d.sc.Text()), true
}

// privileged runs fn only while the desk holds a live admin session.
func (d *desk) privileged(fn func()) {
	if !d.state.Authenticated {
		fmt.Println("Please 'login' first.")
		return
	}
	state, err := d.mgr.LoadSession(d.ctx, d.state.Token)
	if err != nil {
		d.state = library.Anonymous()
		fmt.Println("Your session has ended. Please 'login' again.")
		return
	}
	d.state = state
	fn()
}

func (d *desk) login() {
	username, ok := d.prompt("Username: ")
	if !ok {
		return
	}
	password, err := readPassword("Password: ")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	state, err := d.mgr.Login(d.ctx, username, password)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	d.state = state
	fmt.Printf("Welcome, %s. Session valid until %s.\n", state.User.Name, state.ExpiresAt.Local().Format(time.Kitchen))
}

func (d *desk) logout() {
	if !d.state.Authenticated {
		return
	}
	if err := d.mgr.Logout(d.ctx, d.state.Token); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	d.state = library.Anonymous()
	fmt.Println("Logged out.")
}

func (d *desk) whoami() {
	if !d.state.Authenticated {
		fmt.Println("Browsing as a student.")
		return
	}
	fmt.Printf("%s (%s), admin\n", d.state.User.Name, d.state.User.Username)
}

// ------------------ Catalog ------------------

func (d *desk) listBooks(query string, filter library.FilterType) {
	for page := 1; ; page++ {
		p, err := d.mgr.SearchBooks(d.ctx, library.SearchFilters{Query: query, Filter: filter, Page: page, PageSize: 20})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if p.Total == 0 {
			fmt.Println("No books found.")
			return
		}
		if page == 1 {
			fmt.Printf("%-36s %-30s %-22s %-17s %s\n", "ID", "Title", "Author", "ISBN", "Avail")
			fmt.Println(strings.Repeat("-", 115))
		}
		for _, b := range p.Items {
			fmt.Println(library.PrettyBook(b))
		}
		if page >= p.TotalPages {
			fmt.Printf("%d book(s).\n", p.Total)
			return
		}
		if more, _ := d.prompt("More? [y/N] "); !strings.EqualFold(more, "y") {
			return
		}
	}
}

func (d *desk) search() {
	query, ok := d.prompt("Query: ")
	if !ok {
		return
	}
	filter, ok := d.prompt("Field (all/title/author/isbn/subject) [all]: ")
	if !ok {
		return
	}
	if filter == "" {
		filter = string(library.FilterAll)
	}
	d.listBooks(query, library.FilterType(filter))
}

func (d *desk) showBook() {
	id, ok := d.prompt("Book ID: ")
	if !ok {
		return
	}
	b, err := d.mgr.GetBook(d.ctx, id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s by %s\n", b.Title, b.Author)
	fmt.Printf("  ISBN %s, %s, rack %s\n", b.ISBN, b.Subject, b.RackNumber)
	fmt.Printf("  %d of %d copies available\n", b.AvailableCopies, b.TotalCopies)
	if b.Description != "" {
		fmt.Printf("  %s\n", b.Description)
	}
}

func (d *desk) addBook() {
	var nb library.NewBook
	fields := []struct {
		label string
		dst   *string
	}{
		{"Title: ", &nb.Title},
		{"Author: ", &nb.Author},
		{"ISBN: ", &nb.ISBN},
		{"Subject: ", &nb.Subject},
		{"Rack number: ", &nb.RackNumber},
	}
	for _, f := range fields {
		v, ok := d.prompt(f.label)
		if !ok {
			return
		}
		*f.dst = v
	}
	copies, ok := d.promptInt("Copies [1]: ", 1)
	if !ok {
		return
	}
	nb.TotalCopies = copies

	b, err := d.mgr.AddBook(d.ctx, nb)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Book added with ID %s\n", b.ID)
}

func (d *desk) deleteBook() {
	id, ok := d.prompt("Book ID: ")
	if !ok {
		return
	}
	if err := d.mgr.DeleteBook(d.ctx, id); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Book deleted.")
}

// promptInt reads a positive integer, falling back to def on empty input.
func (d *desk) promptInt(label string, def int) (int, bool) {
	v, ok := d.prompt(label)
	if !ok {
		return 0, false
	}
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Println("Invalid number.")
		return 0, false
	}
	return n, true
}

// ------------------ Circulation ------------------

func (d *desk) borrow() {
	bookID, ok := d.prompt("Book ID: ")
	if !ok {
		return
	}
	name, ok := d.prompt("Borrower name: ")
	if !ok {
		return
	}
	email, ok := d.prompt("Borrower email (optional): ")
	if !ok {
		return
	}
	phone, ok := d.prompt("Borrower phone (optional): ")
	if !ok {
		return
	}
	due := d.mgr.DefaultDueDate()
	raw, ok := d.prompt(fmt.Sprintf("Due date [%s]: ", due.Format(time.DateOnly)))
	if !ok {
		return
	}
	if raw != "" {
		day, err := time.ParseInLocation(time.DateOnly, raw, d.mgr.Now().Location())
		if err != nil {
			fmt.Println("Invalid date, expected YYYY-MM-DD.")
			return
		}
		due = day.Add(24*time.Hour - time.Second)
	}

	rec, err := d.mgr.BorrowBook(d.ctx, library.BorrowRequest{
		BookID:        bookID,
		BorrowerName:  name,
		BorrowerEmail: email,
		BorrowerPhone: phone,
		DueDate:       due,
		IssuedBy:      d.state.User.ID,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Loan %s recorded, due %s.\n", rec.ID, rec.DueDate.Format(time.DateOnly))
}

func (d *desk) returnBook() {
	id, ok := d.prompt("Loan ID: ")
	if !ok {
		return
	}
	rec, err := d.mgr.ReturnBook(d.ctx, id)
	if errors.Is(err, library.ErrInconsistentState) {
		fmt.Printf("Loan %s closed, but the shelf count was already full. Run 'library audit'.\n", rec.ID)
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if rec.FineCents > 0 {
		fmt.Printf("Returned %d day(s) late. Fine due: %s\n", rec.OverdueDays, library.FormatAmount(rec.FineCents))
		return
	}
	fmt.Println("Returned on time.")
}

func (d *desk) activeLoans() {
	loans, err := d.mgr.ActiveLoans(d.ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(loans) == 0 {
		fmt.Println("No books on loan.")
		return
	}
	for _, r := range loans {
		fmt.Println(library.PrettyRecord(r))
	}
}

func (d *desk) history() {
	p, err := d.mgr.BorrowingHistory(d.ctx, 1, 25)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for _, r := range p.Items {
		line := library.PrettyRecord(r)
		if r.ReturnedAt != nil {
			line += "  returned " + r.ReturnedAt.Format(time.DateOnly)
		}
		fmt.Println(line)
	}
	fmt.Printf("Showing %d of %d loan(s).\n", len(p.Items), p.Total)
}

// ------------------ Reservations ------------------

func (d *desk) reserve() {
	bookID, ok := d.prompt("Book ID: ")
	if !ok {
		return
	}
	name, ok := d.prompt("Your name: ")
	if !ok {
		return
	}
	email, ok := d.prompt("Email (optional): ")
	if !ok {
		return
	}
	r, err := d.mgr.ReserveBook(d.ctx, library.ReserveRequest{BookID: bookID, ReserverName: name, ReserverEmail: email})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Reservation %s held until %s.\n", r.ID, r.ExpiresAt.Format(time.DateOnly))
}

func (d *desk) reservations() {
	p, err := d.mgr.ListReservations(d.ctx, true, 1, library.MaxPageSize)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if p.Total == 0 {
		fmt.Println("No active reservations.")
		return
	}
	for _, r := range p.Items {
		fmt.Printf("%-36s %-36s %-20s until %s\n", r.ID, r.BookID, r.ReserverName, r.ExpiresAt.Format(time.DateOnly))
	}
}

func (d *desk) closeReservation(op func(context.Context, string) (*library.Reservation, error), verb string) {
	id, ok := d.prompt("Reservation ID: ")
	if !ok {
		return
	}
	if _, err := op(d.ctx, id); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Reservation %s.\n", verb)
}

func (d *desk) stats() {
	s, err := d.mgr.Stats(d.ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printStats(s)
}
