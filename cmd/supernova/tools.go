package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"supernova/internal/adapter/tui/theme"
	"supernova/internal/infra/config"
	"supernova/internal/infra/logger"
)

func newToolsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the assistant can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			return listTools(cmd, cfg)
		},
	}
}

func listTools(cmd *cobra.Command, cfg *config.Config) error {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	root := cfg.Workspace.Root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}
	registry, err := buildRegistry(cfg, root, log)
	if err != nil {
		return err
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.TableBorder).
		Headers("NAME", "DESCRIPTION").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.TableHeader
			}
			return theme.TableCell
		})
	for _, t := range registry.List() {
		tbl.Row(t.Name(), firstLine(t.Description()))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tbl.Render())
	return err
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
