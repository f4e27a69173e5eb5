// Package main is the nexva terminal client for the Nexva chat widget backend.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Alomgir27/nexva-widget/internal/config"
)

var (
	// Version information (set at build time)
	version = "dev"

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3b82f6"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "nexva",
		Short: "Nexva chat widget client",
		Long: titleStyle.Render("Nexva") + `

Chat with a Nexva knowledge-base assistant from the terminal:
• streaming AI answers with conversation resume
• hand-off to human support
• hands-free voice chat with spoken responses

` + dimStyle.Render("Use 'nexva [command] --help' for more information."),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.nexva/config.yaml)")

	rootCmd.AddCommand(newChatCmd(&configPath))
	rootCmd.AddCommand(newConfigCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.APIKey != "" {
				cfg.APIKey = "********"
			}
			if cfg.STT.DeepgramAPIKey != "" {
				cfg.STT.DeepgramAPIKey = "********"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ Wrote "+path))
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Set api_key, then run 'nexva chat'."))
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(showCmd, initCmd)
	return configCmd
}
