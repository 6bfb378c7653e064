package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/cache/backend"
	"github.com/pario-ai/llmcache/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	// open loads the config and its store; the caller closes the store.
	open := func(cmd *cobra.Command) (cache.Store, cache.Admin, error) {
		cfg, err := loadConfig(cmd, configPath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Cache.Backend == config.BackendMemory {
			return nil, nil, errors.New("the memory backend lives inside the server process")
		}
		s, err := backend.Open(cfg.Cache)
		if err != nil {
			return nil, nil, err
		}
		admin, ok := s.(cache.Admin)
		if !ok {
			_ = s.Close()
			return nil, nil, fmt.Errorf("backend %q does not support inspection", cfg.Cache.Backend)
		}
		return s, admin, nil
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, admin, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			stats, err := admin.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d\nAtomic:  %d\nChunked: %d\n", stats.Entries, stats.Atomic, stats.Chunked)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, admin, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			n, err := admin.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entries.\n", n)
			return nil
		},
	}

	var raw bool
	showCmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := cache.Key(strings.ToLower(args[0]))
			if !key.Valid() {
				return fmt.Errorf("%q is not a cache key", args[0])
			}
			s, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			e, ok, err := s.Lookup(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no entry for %s", key)
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(e.Payload())
				return err
			}
			return printEntry(cmd.OutOrStdout(), e)
		},
	}
	showCmd.Flags().BoolVar(&raw, "raw", false, "write the stored payload exactly as it is replayed")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, clearCmd, showCmd)
	return cmd
}

func printEntry(out io.Writer, e *cache.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\t%s\n", e.Key)
	fmt.Fprintf(w, "SHAPE\t%s\n", e.Shape)
	fmt.Fprintf(w, "STATUS\t%d\n", e.StatusCode)
	fmt.Fprintf(w, "CONTENT TYPE\t%s\n", e.ContentType)
	fmt.Fprintf(w, "CREATED\t%s\n", e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(w, "BYTES\t%d\n", e.Size())
	if e.Shape == cache.ShapeChunked {
		fmt.Fprintf(w, "CHUNKS\t%d\n", len(e.Chunks))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)

	if e.Shape == cache.ShapeAtomic {
		var pretty json.RawMessage = e.Body
		body, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			body = e.Body
		}
		fmt.Fprintln(out, string(body))
		return nil
	}
	for i, c := range e.Chunks {
		fmt.Fprintf(out, "--- chunk %d\n%s", i, c)
	}
	return nil
}
