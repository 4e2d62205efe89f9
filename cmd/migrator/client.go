package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/migrator/api"
	"github.com/c360studio/migrator/model"
	"github.com/c360studio/migrator/workspace"
)

// apiClient is a thin JSON client for the job API, shared by the
// submit, status, list, artifacts, and cancel commands.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func defaultAPIBase() string {
	if base := os.Getenv("MIGRATOR_API"); base != "" {
		return base
	}
	return "http://localhost:8080"
}

func submitCmd() *cobra.Command {
	var (
		apiBase          string
		source           string
		target           string
		backendStack     string
		dbStack          string
		commitMode       string
		hybridStrategy   string
		mongoEntities    []string
		postgresEntities []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a migration job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateJobRequest{
				SourceRepoURL: source,
				TargetRepoURL: target,
				BackendStack:  model.BackendStack(backendStack),
				DBStack:       model.DBStack(dbStack),
				CommitMode:    model.CommitMode(commitMode),
				DBPreferences: model.DBPreferences{
					HybridStrategy:   model.HybridStrategy(hybridStrategy),
					MongoEntities:    mongoEntities,
					PostgresEntities: postgresEntities,
				},
			}

			var job model.Job
			if err := newAPIClient(apiBase).do(cmd.Context(), http.MethodPost, "/v1/jobs", req, &job); err != nil {
				return err
			}

			fmt.Printf("Job submitted: %s\n", job.ID)
			fmt.Printf("  status: %s\n", job.Status)
			fmt.Printf("  stage:  %s\n", job.Stage)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", defaultAPIBase(), "Job API base URL (MIGRATOR_API env overrides the default)")
	cmd.Flags().StringVar(&source, "source", "", "Low-code source repository URL")
	cmd.Flags().StringVar(&target, "target", "", "Target repository URL for the generated backend")
	cmd.Flags().StringVar(&backendStack, "backend", "python", "Backend stack (python or node)")
	cmd.Flags().StringVar(&dbStack, "db", "postgres", "Storage stack (postgres, mongo, or hybrid)")
	cmd.Flags().StringVar(&commitMode, "commit-mode", "pr", "Finalization mode (pr or direct)")
	cmd.Flags().StringVar(&hybridStrategy, "hybrid-strategy", "", "Entity routing strategy for hybrid storage (docToMongo or postgresJsonbFirst)")
	cmd.Flags().StringSliceVar(&mongoEntities, "mongo-entities", nil, "Entities forced onto mongo in hybrid mode")
	cmd.Flags().StringSliceVar(&postgresEntities, "postgres-entities", nil, "Entities forced onto postgres in hybrid mode")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func statusCmd() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job model.Job
			if err := newAPIClient(apiBase).do(cmd.Context(), http.MethodGet, "/v1/jobs/"+args[0], nil, &job); err != nil {
				return err
			}
			printJob(&job)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", defaultAPIBase(), "Job API base URL")
	return cmd
}

func listCmd() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []*model.Job
			if err := newAPIClient(apiBase).do(cmd.Context(), http.MethodGet, "/v1/jobs", nil, &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tBACKEND\tDB\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, job.Status, job.Stage, job.BackendStack, job.DBStack,
					job.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", defaultAPIBase(), "Job API base URL")
	return cmd
}

func artifactsCmd(configPath, logLevel *string) *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List a job's workspace artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var artifacts []workspace.ArtifactInfo
			if err := newAPIClient(apiBase).do(cmd.Context(), http.MethodGet, "/v1/jobs/"+args[0]+"/artifacts", nil, &artifacts); err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Println("No artifacts.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED")
			for _, a := range artifacts {
				fmt.Fprintf(w, "%s\t%d\t%s\n", a.Path, a.Size, a.LastModified.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", defaultAPIBase(), "Job API base URL")
	cmd.AddCommand(artifactsWatchCmd(configPath, logLevel))
	return cmd
}

// artifactsWatchCmd streams artifact changes as stages write them. It
// reads the workspaces root from config, so it has to run on the host
// the workers write to.
func artifactsWatchCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream artifact changes for a job as stages produce them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			manager := workspace.NewManager(cfg.Workspaces.Root, logger)
			watcher, err := manager.Watch(ctx, args[0])
			if err != nil {
				return err
			}
			defer watcher.Stop()

			fmt.Printf("Watching artifacts for job %s (ctrl-c to stop)\n", args[0])
			for event := range watcher.Events() {
				fmt.Printf("%s  %-6s  %s\n",
					time.Now().Format("15:04:05"), event.Operation, event.Path)
			}
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient(apiBase).do(cmd.Context(), http.MethodDelete, "/v1/jobs/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Job %s cancelled.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", defaultAPIBase(), "Job API base URL")
	return cmd
}

func printJob(job *model.Job) {
	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  status:  %s\n", job.Status)
	fmt.Printf("  stage:   %s\n", job.Stage)
	fmt.Printf("  source:  %s\n", job.SourceRepoURL)
	fmt.Printf("  target:  %s\n", job.TargetRepoURL)
	fmt.Printf("  stacks:  %s backend, %s storage (%s)\n", job.BackendStack, job.DBStack, job.CommitMode)
	fmt.Printf("  created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.Error != "" {
		fmt.Printf("  error:   %s\n", job.Error)
	}

	if len(job.Artifacts) > 0 {
		fmt.Println("  artifacts:")
		keys := make([]string, 0, len(job.Artifacts))
		for k := range job.Artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %-14s %s\n", k, job.Artifacts[k])
		}
	}
}
