// Package cli implements cerebroctl, the operator command line for a
// running coordinator.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cerebro/internal/config"
	"cerebro/pkg/client"
)

type options struct {
	url     string
	apiKey  string
	output  string
	timeout time.Duration
}

func (o *options) client() *client.Client {
	return client.New(o.url, client.WithAPIKey(o.apiKey))
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "cerebroctl",
		Short:         "Operate a cerebro job coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "json" && opts.output != "yaml" {
				return fmt.Errorf("unknown output format %q (want json or yaml)", opts.output)
			}
			return nil
		},
	}

	apiKey := config.GetEnv("CEREBRO_API_KEY", "")
	if key := config.GetSecretFile(config.GetEnv("CEREBRO_API_KEY_FILE", "")); key != "" {
		apiKey = key
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", config.GetEnv("CEREBRO_URL", "http://localhost:8080"), "coordinator base URL")
	flags.StringVar(&opts.apiKey, "api-key", apiKey, "bearer token for the coordinator")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")

	rootCmd.AddCommand(
		buildSubmitCommand(opts),
		buildGetCommand(opts),
		buildWaitCommand(opts),
		buildStatsCommand(opts),
		buildHistoryCommand(opts),
		buildWorkersCommand(opts),
		buildHealthCommand(opts),
	)
	return rootCmd
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		messages    []string
		file        string
		callbackURL string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue jobs from --message flags or a YAML/JSON file",
		Example: `  cerebroctl submit -m "Summarise this"
  cerebroctl submit -f jobs.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reqs []client.SubmitRequest
			switch {
			case file != "":
				var err error
				if reqs, err = loadRequests(file); err != nil {
					return err
				}
			case len(messages) > 0:
				req := client.SubmitRequest{CallbackURL: callbackURL}
				for _, m := range messages {
					req.Messages = append(req.Messages, client.NewMessage("user", m))
				}
				reqs = append(reqs, req)
			default:
				return fmt.Errorf("either --message or --file is required")
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()

			var out []any
			for _, req := range reqs {
				id, err := c.Submit(ctx, req)
				if err != nil {
					return err
				}
				if !wait {
					out = append(out, map[string]string{"job_id": id, "status": string(client.StateQueued)})
					continue
				}
				j, err := c.Wait(ctx, id, time.Second)
				if err != nil {
					return err
				}
				out = append(out, j)
			}
			if len(out) == 1 {
				return render(cmd.OutOrStdout(), opts.output, out[0])
			}
			return render(cmd.OutOrStdout(), opts.output, out)
		},
	}

	cmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "user message (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with a list of submit requests")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "CloudEvent callback URL")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for each job to finish")
	return cmd
}

func buildGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			j, err := opts.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, j)
		},
	}
}

func buildWaitCommand(opts *options) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait JOB_ID",
		Short: "Block until a job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			j, err := opts.client().Wait(ctx, args[0], interval)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, j)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func buildStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue length and per-state counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			s, err := opts.client().Stats(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, s)
		},
	}
}

func buildHistoryCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			entries, err := opts.client().Recent(ctx, limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of entries (server default when 0)")
	return cmd
}

func buildWorkersCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect registered workers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			workers, err := opts.client().ListWorkers(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, workers)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deregister WORKER_ID",
		Short: "Remove a worker from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client().DeregisterWorker(ctx, args[0]); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, map[string]string{"status": "deregistered"})
		},
	})
	return cmd
}

func buildHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the coordinator can reach its store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client().Health(ctx); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, map[string]string{"status": "ok"})
		},
	}
}

// loadRequests reads a list of submit requests. YAML is a superset of JSON,
// so one decoder covers both.
func loadRequests(path string) ([]client.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s contains no jobs", path)
	}

	// Round-trip through JSON so message content keeps its raw form.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var reqs []client.SubmitRequest
	if err := json.Unmarshal(buf, &reqs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return reqs, nil
}

func render(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
