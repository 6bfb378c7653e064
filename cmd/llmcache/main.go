package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/config"
)

var version = "dev"

const defaultConfigPath = "llmcache.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmcache",
		Short:         "llmcache: caching proxy for chat-completion APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCacheCmd(),
		newFingerprintCmd(),
	)
	return root
}

// loadConfig reads path. When the flag was left at its default and the file
// does not exist, the configuration comes from defaults and the environment.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return nil, fmt.Errorf("load config: %w", err)
}
