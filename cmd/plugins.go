package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/plugins"
)

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List built-in plugins and their configured state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			configured := make(map[string]config.PluginConfig)
			for _, pc := range cfg.PluginsSnapshot() {
				configured[pc.Name] = pc
			}

			catalog := plugins.Catalog(&plugins.Deps{})
			rows := [][]string{{"NAME", "VERSION", "PRIORITY", "STATE", "DESCRIPTION"}}
			for _, name := range catalog.Names() {
				p, err := catalog[name]()
				if err != nil {
					return fmt.Errorf("instantiate %s: %w", name, err)
				}
				state := "not configured"
				priority := p.Priority()
				if pc, ok := configured[name]; ok {
					state = "enabled"
					if pc.Enabled != nil && !*pc.Enabled {
						state = "disabled"
					}
					if pc.Priority != nil {
						priority = *pc.Priority
					}
				}
				rows = append(rows, []string{name, p.Version(), strconv.Itoa(priority), state, p.Description()})
			}
			printTable(rows)

			for name := range configured {
				if _, ok := catalog[name]; !ok {
					fmt.Fprintf(os.Stderr, "warning: config lists unknown plugin %q\n", name)
				}
			}
			return nil
		},
	}
}

// printTable aligns columns by display width so CJK text lines up.
func printTable(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	for _, row := range rows {
		for i, cell := range row {
			if i == len(row)-1 {
				fmt.Println(cell)
				continue
			}
			fmt.Print(runewidth.FillRight(cell, widths[i]+2))
		}
	}
}
