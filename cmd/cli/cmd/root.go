package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensandbox/wadm/pkg/client"
)

var (
	baseURL string
	token   string
)

var rootCmd = &cobra.Command{
	Use:   "wadmctl",
	Short: "wadm CLI - administer a wadm server from the command line",
	Long: `wadmctl is a command-line tool for a wadm web administration server.

It logs in with password and one-time code, toggles developer mode, lists and
kills terminal sessions, shows session history and opens an interactive
terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("WADM_URL", "http://localhost:8168"), "wadm server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("WADM_TOKEN"), "wadm access token")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkToken() error {
	if token == "" {
		return fmt.Errorf("access token is required. Run 'wadmctl login' and set WADM_TOKEN, or use --token")
	}
	return nil
}

func newClient() *client.Client {
	return client.NewClient(baseURL, token)
}
