package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"campus-library/library"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Generate due-date notifications",
}

var notifyDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Remind borrowers whose loans fall due within the reminder window",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		n, err := mgr.SendDueReminders(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d reminder(s) created.\n", n)
		return nil
	}),
}

var notifyOverdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "Notify borrowers of overdue loans",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		n, err := mgr.SendOverdueNotices(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d overdue notice(s) created.\n", n)
		return nil
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the dashboard counters",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		s, err := mgr.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(s)
		return nil
	}),
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report books whose available count disagrees with open loans",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		mismatches, err := mgr.AuditAvailability(ctx)
		if err != nil {
			return err
		}
		if len(mismatches) == 0 {
			fmt.Println("Ledger consistent.")
			return nil
		}
		fmt.Printf("%-36s %-30s %6s %9s %6s\n", "Book", "Title", "Total", "Available", "Loans")
		fmt.Println(strings.Repeat("-", 92))
		for _, m := range mismatches {
			fmt.Printf("%-36s %-30s %6d %9d %6d\n", m.BookID, m.Title, m.TotalCopies, m.AvailableCopies, m.OpenLoans)
		}
		return fmt.Errorf("%d book(s) out of balance", len(mismatches))
	}),
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Refresh stored overdue state of open loans",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		n, err := mgr.RefreshOverdue(ctx)
		if err != nil {
			return err
		}
		purged, err := mgr.PurgeSessions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d loan(s) updated, %d session(s) purged.\n", n, purged)
		return nil
	}),
}

func init() {
	notifyCmd.AddCommand(notifyDueCmd)
	notifyCmd.AddCommand(notifyOverdueCmd)
}

func printStats(s library.DashboardStats) {
	fmt.Printf("Total books:          %d\n", s.TotalBooks)
	fmt.Printf("Available books:      %d\n", s.AvailableBooks)
	fmt.Printf("Borrowed books:       %d\n", s.BorrowedBooks)
	fmt.Printf("Overdue books:        %d\n", s.OverdueBooks)
	fmt.Printf("Total reservations:   %d\n", s.TotalReservations)
	fmt.Printf("Active reservations:  %d\n", s.ActiveReservations)
}
