package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change server configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, err := newClient().GetConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("developer_mode: %t\n", cfg.DeveloperMode)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the configuration",
	Long: `Change the configuration. Example:
  wadmctl config set --developer-mode=true`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}
		if !cmd.Flags().Changed("developer-mode") {
			return fmt.Errorf("nothing to change; pass --developer-mode=true|false")
		}
		on, _ := cmd.Flags().GetBool("developer-mode")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg, err := newClient().SetDeveloperMode(ctx, on)
		if err != nil {
			return fmt.Errorf("failed to update config: %w", err)
		}
		fmt.Printf("✓ developer_mode: %t\n", cfg.DeveloperMode)
		return nil
	},
}

func init() {
	configGetCmd.Flags().Bool("json", false, "Output as JSON")
	configSetCmd.Flags().Bool("developer-mode", false, "Allow terminal sessions")

	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
