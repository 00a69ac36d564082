package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fanboxarchive/pkg/auth"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored FANBOX session",
	Long: `Store, inspect or remove the FANBOX session cookie in the OS keyring.

Get the cookie from a logged-in browser: open developer tools on
www.fanbox.cc and copy the value of the FANBOXSESSID cookie.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the session cookie in the keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("FANBOXSESSID: ")
		value, err := readSecret()
		if err != nil {
			return err
		}
		if err := auth.NewKeyringStore().SetSession(value); err != nil {
			return err
		}
		fmt.Println("Session stored.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a session is stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := auth.NewKeyringStore().GetSession()
		if errors.Is(err, auth.ErrNotFound) {
			fmt.Println("No session stored.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("A session is stored.")
		return nil
	},
}

var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := auth.NewKeyringStore().DeleteSession()
		if errors.Is(err, auth.ErrNotFound) {
			fmt.Println("No session stored.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("Session removed.")
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authClearCmd)
}

// readSecret reads a value without echo when stdin is a terminal, falling
// back to a plain line read for piped input.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
