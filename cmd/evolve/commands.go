package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentalon/evolve/internal/api"
	"github.com/opentalon/evolve/internal/config"
	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/logstream"
	"github.com/opentalon/evolve/internal/mcp"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/scheduler"
	"github.com/opentalon/evolve/internal/version"
)

const shutdownTimeout = 10 * time.Second

// setup loads the config and wires the pipeline for a command.
func setup(ctx context.Context, flags *rootFlags, hub *logstream.Hub) (*app, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, level := newLogger(cfg, flags.logLevel, hub)
	return newApp(ctx, cfg, logger, level, hub)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and cleanup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			hub := logstream.NewHub()
			defer hub.Close()

			a, err := setup(ctx, flags, hub)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if _, err := a.ret.EnsureIndex(ctx, false); err != nil {
		return fmt.Errorf("template index: %w", err)
	}

	if a.cfg.Cleanup.Schedule != "" {
		sched := scheduler.New(a.client, a.logger)
		defer sched.Stop()
		if err := sched.Start([]scheduler.Job{cleanupJob(a.cfg.Cleanup)}); err != nil {
			return err
		}
	}

	tools := mcp.NewServer(mcp.Deps{Pipeline: a.pipeline, Workflows: a.client, Logger: a.logger})
	srv := api.New(api.Options{
		Pipeline: a.pipeline,
		Platform: a.client,
		Hub:      a.hub,
		MCP:      tools.HTTPHandler(),
		Logger:   a.logger,
	})
	httpServer := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: a.cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", httpServer.Addr, "n8n", a.client.BaseURL(), "version", version.Get().Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func cleanupJob(c config.CleanupConfig) scheduler.Job {
	return scheduler.Job{
		Name:     "cleanup",
		Schedule: c.Schedule,
		Filter:   n8n.ListFilter{Active: c.Active, Tags: c.Tags, Name: c.Name},
		All:      c.All,
	}
}

func newRunCommand(flags *rootFlags) *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Generate a workflow and iterate until its trigger call succeeds",
		Long: `Run the full pipeline for a request and print the successful candidate and
the trigger's response as JSON. Exits with status 2 when every iteration failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.ret.EnsureIndex(ctx, false); err != nil {
				return fmt.Errorf("template index: %w", err)
			}

			res, err := a.pipeline.Run(ctx, strings.Join(args, " "), maxIterations)
			if err != nil {
				var ex *orchestrator.ExhaustedRetriesError
				if errors.As(err, &ex) {
					return &exitError{code: 2, err: err}
				}
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "iteration budget (default from config)")
	return cmd
}

func newGenerateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate one workflow and create it without activating it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.ret.EnsureIndex(ctx, false); err != nil {
				return fmt.Errorf("template index: %w", err)
			}
			res, err := a.pipeline.Generate(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newIndexCommand(flags *rootFlags) *cobra.Command {
	var (
		rebuild bool
		query   string
		topK    int
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the template index, or search it with --query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.ret.EnsureIndex(ctx, rebuild)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if query == "" {
				if stats.Rebuilt {
					fmt.Fprintf(out, "indexed %d templates into %d chunks\n", stats.Documents, stats.Chunks)
				} else {
					fmt.Fprintf(out, "index up to date: %d chunks\n", stats.Chunks)
				}
				return nil
			}

			matches, err := a.ret.Relevant(ctx, query, topK)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCORE\tSOURCE\tCHUNK")
			for _, m := range matches {
				fmt.Fprintf(tw, "%.4f\t%s\t%d\n", m.Score, m.Source, m.Index)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild even when an index exists")
	cmd.Flags().StringVarP(&query, "query", "q", "", "print the templates most similar to this text")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of matches (default from config)")
	return cmd
}

// filterFlags are the workflow filters shared by the workflows subcommands.
type filterFlags struct {
	active  string
	tags    []string
	name    string
	project string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.active, "active", "", "filter by activation state (true or false)")
	cmd.Flags().StringSliceVar(&f.tags, "tags", nil, "filter by tags")
	cmd.Flags().StringVar(&f.name, "name", "", "filter by workflow name")
	cmd.Flags().StringVar(&f.project, "project", "", "filter by project id")
}

func (f *filterFlags) filter() (n8n.ListFilter, error) {
	lf := n8n.ListFilter{Tags: f.tags, Name: f.name, ProjectID: f.project}
	if f.active != "" {
		b, err := strconv.ParseBool(f.active)
		if err != nil {
			return lf, fmt.Errorf("--active: %w", err)
		}
		lf.Active = &b
	}
	return lf, nil
}

// platformOnly builds an n8n client without the model and index wiring.
func platformOnly(flags *rootFlags) (*n8n.Client, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, _ := newLogger(cfg, flags.logLevel, nil)
	return newPlatform(cfg, logger), nil
}

func newWorkflowsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List or delete workflows on n8n",
	}
	cmd.AddCommand(newWorkflowsListCommand(flags), newWorkflowsDeleteAllCommand(flags))
	return cmd
}

func newWorkflowsListCommand(flags *rootFlags) *cobra.Command {
	var (
		ff     filterFlags
		limit  int
		cursor string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			client, err := platformOnly(flags)
			if err != nil {
				return err
			}
			page, err := client.ListWorkflows(cmd.Context(), filter, limit, cursor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, page)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tTAGS")
			for _, wf := range page.Data {
				tags := make([]string, 0, len(wf.Tags))
				for _, t := range wf.Tags {
					tags = append(tags, t.Name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", wf.ID, wf.Name, wf.Active, strings.Join(tags, ","))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(out, "\nnext cursor: %s\n", page.NextCursor)
			}
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the page as JSON")
	return cmd
}

func newWorkflowsDeleteAllCommand(flags *rootFlags) *cobra.Command {
	var (
		ff  filterFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every workflow matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			if filter.Empty() && !all {
				return errors.New("refusing to delete every workflow without --all")
			}
			client, err := platformOnly(flags)
			if err != nil {
				return err
			}
			ids, err := client.DeleteWorkflows(cmd.Context(), filter)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "deleted %d workflows\n", len(ids))
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "allow deleting without any filter")
	return cmd
}

func newMCPCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.ret.EnsureIndex(ctx, false); err != nil {
				return fmt.Errorf("template index: %w", err)
			}
			tools := mcp.NewServer(mcp.Deps{Pipeline: a.pipeline, Workflows: a.client, Logger: a.logger})
			a.logger.Info("serving MCP over stdio")
			if err := tools.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("mcp server stopped", log.Error(err))
				return err
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
