package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/wadm/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether first-run setup is pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		st, err := newClient().Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if st.SetupRequired {
			fmt.Println("Setup required: run 'wadmctl setup'")
		} else {
			fmt.Println("Ready")
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print an access token",
	Long: `Log in with the admin password and the current code from your
authenticator app. The token is printed on stdout, e.g.

  export WADM_TOKEN=$(wadmctl login)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptSecret("Password: ")
		if err != nil {
			return err
		}
		code, err := prompt("Code: ")
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		tok, err := newClient().Login(ctx, password, code)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run first-run setup: set the admin password and enroll TOTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		enr, err := c.SetupInit(ctx)
		if err != nil {
			return fmt.Errorf("failed to start setup: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Add this account to your authenticator app:\n  %s\n  secret: %s\n\n", enr.URL, enr.Secret)

		password, err := promptSecret("New password: ")
		if err != nil {
			return err
		}
		again, err := promptSecret("Repeat password: ")
		if err != nil {
			return err
		}
		if password != again {
			return fmt.Errorf("passwords do not match")
		}
		code, err := prompt("Code: ")
		if err != nil {
			return err
		}

		tok, err := c.SetupConfirm(ctx, types.SetupConfirmRequest{
			Password: password,
			Code:     code,
			Secret:   enr.Secret,
		})
		if err != nil {
			return fmt.Errorf("setup failed: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(label)
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(setupCmd)
}
