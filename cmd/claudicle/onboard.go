package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tdimino/claudicle/internal/config"
	"github.com/tdimino/claudicle/internal/prompt"
)

func (a *app) onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath := a.configPath
			if cfgPath == "" {
				cfgPath = config.ConfigPath()
			}

			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := config.SaveConfigTo(config.DefaultConfig(), cfgPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "Created config: %s\n", cfgPath)
			} else {
				fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
			}

			cfg, err := config.LoadConfigFrom(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := prompt.WriteDefaults(cfg.Agent.Workspace, cfg.Agent.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			fmt.Fprintf(out, "Workspace ready: %s\n", cfg.Agent.Workspace)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
			fmt.Fprintln(out, "  2. Or set CLAUDICLE_API_KEY environment variable")
			fmt.Fprintf(out, "  3. Edit %s to shape the personality\n", filepath.Join(cfg.Agent.Workspace, prompt.SoulFile))
			fmt.Fprintln(out, "  4. Run 'claudicle agent -m \"Hello\"' to test")
			return nil
		},
	}
}
