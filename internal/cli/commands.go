package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"amt/internal/config"
	"amt/internal/domain"
	"amt/internal/etl"
	"amt/internal/service"
)

// shutdownGrace bounds how long schedule waits for in-flight runs on exit.
const shutdownGrace = 5 * time.Minute

func newExtractCommand(get func() *app, stdout io.Writer) *cobra.Command {
	var year string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Stage every catalog endpoint for the configured school years",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := get().svc.RunExtract(cmd.Context(), year)
			return report(stdout, run, err)
		},
	}
	cmd.Flags().StringVar(&year, "year", "", "limit the run to one school year")
	return cmd
}

func newTransformCommand(get func() *app, stdout io.Writer) *cobra.Command {
	var (
		year  string
		views []string
	)
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Build views from the staged snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := get().svc.RunTransform(cmd.Context(), year, views...)
			return report(stdout, run, err)
		},
	}
	cmd.Flags().StringVar(&year, "year", "", "limit the run to one school year")
	cmd.Flags().StringArrayVar(&views, "view", nil, "view to build (repeatable, default all)")
	return cmd
}

func newPipelineCommand(get func() *app, stdout io.Writer) *cobra.Command {
	var year string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Extract, then build every view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := get().svc.RunPipeline(cmd.Context(), year)
			return report(stdout, run, err)
		},
	}
	cmd.Flags().StringVar(&year, "year", "", "limit the run to one school year")
	return cmd
}

func newScheduleCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on SCHEDULE, the sensor and staging changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.svc.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.logger.Info("shutting down", "running", a.svc.Running())
			a.svc.Stop()

			waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			a.svc.WaitRunning(waitCtx)
			return nil
		},
	}
}

func newViewsCommand(v *viper.Viper, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:         "views",
		Short:       "List the registered views and their inputs",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir := v.GetString(config.KeyViewsDir); dir != "" {
				if _, err := etl.RegisterDir(dir); err != nil {
					return domain.NewError(domain.KindConfig, config.KeyViewsDir, err)
				}
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VIEW\tINPUTS\tFIELDS")
			for _, view := range etl.Views() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", view.Name, strings.Join(view.Inputs, ","), len(view.Schema.Fields))
			}
			return w.Flush()
		},
	}
}

func newRunsCommand(get func() *app, stdout io.Writer) *cobra.Command {
	var (
		job   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := get().svc.ListRunLogs(job, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tJOB\tYEAR\tSTATUS\tOK\tFAILED\tDURATION\tID")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					l.StartedAt.Local().Format(time.DateTime),
					l.Job,
					dash(l.SchoolYear),
					l.Status,
					l.Succeeded,
					l.Failed,
					l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond),
					l.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "only runs of this job (extract, transform, pipeline)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	return cmd
}

// report prints run as JSON. Failures inside a finished run are part of the
// report; only an aborted run is an error.
func report(w io.Writer, run *service.Run, err error) error {
	if run != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(run); encErr != nil {
			return encErr
		}
	}
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
