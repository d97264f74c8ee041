package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "inferd",
		Short: "inferd serves batched LLM inference over HTTP",
	}
	root.PersistentFlags().String("config", "", "path to a YAML/JSON/TOML config file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newModelsCmd())
	return root
}
