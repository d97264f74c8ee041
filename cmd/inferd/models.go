package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inferd/internal/registry"
)

func newModelsCmd() *cobra.Command {
	var modelsDir string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "list the models a config file or --models-dir would register",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfigOrDefault(cfgPath)
			if err != nil {
				return err
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}

			for _, spec := range cfg.Models {
				fmt.Printf("%s@%s\tbackend=%s\tload_path=%s\n", spec.Name, spec.Version, spec.Backend, spec.LoadPath)
			}
			if cfg.ModelsDir != "" {
				discovered, err := registry.DiscoverGGUF(cfg.ModelsDir)
				if err != nil {
					return err
				}
				for _, mc := range discovered {
					fmt.Printf("%s@%s\tbackend=mock\tload_path=%s\n", mc.Name, mc.Version, mc.LoadPath)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "directory to scan for *.gguf model files")
	return cmd
}
