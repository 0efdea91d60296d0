package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long: "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.\n" +
		"CHATSYNC_BASE_URL, CHATSYNC_TOKEN and CHATSYNC_USER_ID override the file,\n" +
		"and may also come from a .env file in the working directory.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		_ = godotenv.Load()

		fmt.Printf("Config file: %s\n", path)
		for _, s := range resolveConfig(cfg) {
			fmt.Printf("  %-17s %-40s (%s)\n", s.Key+":", valueOrDefault(s.Value, "(not set)"), s.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Keys: default.base_url, auth.token, auth.user_id, auth.user_name\n" +
		"Example: chatsync config set default.base_url http://localhost:8080",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		stored, _ := configField(cfg, key)
		shown := *stored
		if key == "auth.token" {
			shown = maskToken(shown)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		for _, s := range resolveConfig(cfg) {
			if s.Key == key && strings.HasPrefix(s.Source, "env:") {
				fmt.Printf("Note: %s is currently overridden by %s\n", key, strings.TrimPrefix(s.Source, "env:"))
			}
		}
		return nil
	},
}
