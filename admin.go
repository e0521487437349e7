package main

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"campus-library/library"
)

var adminName string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage staff admins",
	Long: `Admins are authorized by phone number. An authorized phone holder
completes a one-time setup (username, password, name) and then logs in.`,
}

var adminAddCmd = &cobra.Command{
	Use:   "add [phone]",
	Short: "Authorize a phone number for admin access",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		a, err := mgr.ProvisionAdmin(ctx, args[0], adminName)
		if err != nil {
			return err
		}
		fmt.Printf("Authorized %s (ID: %s). Setup pending.\n", a.PhoneNumber, a.ID)
		return nil
	}),
}

var adminDeactivateCmd = &cobra.Command{
	Use:   "deactivate [phone]",
	Short: "Revoke admin access and end the admin's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		a, err := mgr.DeactivateAdmin(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deactivated %s.\n", a.PhoneNumber)
		return nil
	}),
}

var adminActivateCmd = &cobra.Command{
	Use:   "activate [phone]",
	Short: "Restore admin access",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		a, err := mgr.ActivateAdmin(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Activated %s.\n", a.PhoneNumber)
		return nil
	}),
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List admins",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		admins, err := mgr.ListAdmins(ctx)
		if err != nil {
			return err
		}
		if len(admins) == 0 {
			fmt.Println("No admins authorized.")
			return nil
		}
		fmt.Printf("%-16s %-20s %-16s %-7s %s\n", "Phone", "Name", "Username", "Active", "Setup")
		fmt.Println(strings.Repeat("-", 70))
		for _, a := range admins {
			fmt.Printf("%-16s %-20s %-16s %-7t %t\n", a.PhoneNumber, a.Name, a.Username, a.IsActive, a.IsSetupComplete)
		}
		return nil
	}),
}

var adminSetupCmd = &cobra.Command{
	Use:   "setup [phone] [username]",
	Short: "Complete the one-time setup of an authorized phone",
	Args:  cobra.ExactArgs(2),
	RunE: withManager(func(ctx context.Context, mgr *library.LibraryManager, args []string) error {
		lookup, err := mgr.PhoneLookup(ctx, args[0])
		if err != nil {
			return err
		}
		if !lookup.NeedsSetup {
			return library.ErrSetupComplete
		}
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}
		state, err := mgr.SetupAccount(ctx, library.SetupRequest{
			PhoneNumber: args[0],
			Username:    args[1],
			Password:    password,
			Name:        adminName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Setup complete. Welcome, %s.\n", state.User.Name)
		return nil
	}),
}

func init() {
	adminAddCmd.Flags().StringVar(&adminName, "name", "", "Display name of the admin")
	adminSetupCmd.Flags().StringVar(&adminName, "name", "", "Display name of the admin (required)")
	_ = adminSetupCmd.MarkFlagRequired("name")

	adminCmd.AddCommand(adminAddCmd)
	adminCmd.AddCommand(adminDeactivateCmd)
	adminCmd.AddCommand(adminActivateCmd)
	adminCmd.AddCommand(adminListCmd)
	adminCmd.AddCommand(adminSetupCmd)
}

// withManager opens the library for a one-shot command and closes it after.
func withManager(fn func(ctx context.Context, mgr *library.LibraryManager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer mgr.Close()
		return fn(cmd.Context(), mgr, args)
	}
}

// readPassword prompts without echoing the input.
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytePassword), nil
}
