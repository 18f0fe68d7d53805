package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stackforge/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the project's local config.json",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default config.json if one doesn't already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := resolveProjectDir(projectDir)
			if err := config.LoadConfig(dir); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Config ready at %s/%s/%s\n", dir, config.ConfigDir, config.ConfigFilename)
			return printJSON(cfg)
		},
	}
	cmd.Flags().StringVar(&projectDir, "projectdir", "", "Project directory (default: current directory)")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current project config as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := resolveProjectDir(projectDir)
			if err := config.LoadConfig(dir); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cmd.Flags().StringVar(&projectDir, "projectdir", "", "Project directory (default: current directory)")
	return cmd
}

func resolveProjectDir(projectDir string) string {
	if projectDir != "" {
		return projectDir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
