package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL, apiKey string

	root := &cobra.Command{
		Use:           "executorctl",
		Short:         "Control client for the exploit executor",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("EXECUTOR_URL", "http://localhost:8080"), "Executor URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("EXECUTOR_API_KEY"), "API key")

	client := func() *Client { return NewClient(serverURL, apiKey) }

	root.AddCommand(&cobra.Command{
		Use:   "queue [job-id]",
		Short: "Queue a job for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := client().QueueJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel every running task of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := client().CancelJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "inflight",
		Short: "List jobs running on the executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := client().InFlight(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "execution [execution-id]",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := client().Execution(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stream [execution-id]",
		Short: "Follow an execution's output live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var failed error
			err = client().Stream(cmd.Context(), id, func(ev Event) {
				switch ev.Name {
				case "stdout":
					fmt.Fprintln(cmd.OutOrStdout(), ev.Data)
				case "stderr":
					fmt.Fprintln(cmd.ErrOrStderr(), ev.Data)
				case "done":
					fmt.Fprintln(cmd.OutOrStdout(), ev.Data)
				case "error":
					failed = fmt.Errorf("stream error: %s", ev.Data)
				}
			})
			if err != nil {
				return err
			}
			return failed
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check executor health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	})

	return root
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
