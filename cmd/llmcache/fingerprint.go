package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/llmcache/pkg/fingerprint"
	"github.com/pario-ai/llmcache/pkg/models"
)

func newFingerprintCmd() *cobra.Command {
	var (
		endpoint  string
		provider  string
		ignore    []string
		canonical bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprint [file]",
		Short: "Print the cache key of a request body (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			ep := models.Endpoint(endpoint)
			if ep != models.EndpointChatCompletions && ep != models.EndpointMessages {
				return fmt.Errorf("unknown endpoint %q", endpoint)
			}

			var fields []string
			if cmd.Flags().Changed("ignore") {
				fields = ignore
			}
			fp := fingerprint.New(fields)

			out := cmd.OutOrStdout()
			if canonical {
				c, err := fp.Canonical(body)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(c))
			}
			key, err := fp.Fingerprint(models.Scope(ep, provider), body)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, key)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", string(models.EndpointChatCompletions), "endpoint scope: chat.completions or messages")
	cmd.Flags().StringVar(&provider, "provider", "openai", "provider name the request is routed to")
	cmd.Flags().StringSliceVar(&ignore, "ignore", nil, "top-level fields to ignore (default request_id,trace_id,user)")
	cmd.Flags().BoolVar(&canonical, "canonical", false, "also print the canonical form that is hashed")
	return cmd
}
