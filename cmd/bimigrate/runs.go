package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/bimigrate/internal/store"
)

var runsLimit int

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show migration run history",
		Long: `Show past migrations recorded in the local database, newest first. Use
"runs show TASK" to see the datasources a run republished, including runs
that failed part way through.`,
		Example: `  bimigrate runs
  bimigrate runs --limit 5
  bimigrate runs show 0f8c7d1e-...`,
		RunE: runsListRun,
	}

	cmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show (0 for all)")
	cmd.AddCommand(&cobra.Command{
		Use:   "show TASK",
		Short: "Show one run and its migrated datasources",
		Args:  cobra.ExactArgs(1),
		RunE:  runsShowRun,
	})
	return cmd
}

func runsListRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	runs, err := globalStore.ListRuns(runsLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	printRuns(os.Stdout, runs)
	return nil
}

func printRuns(w io.Writer, runs []store.MigrationRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No migration runs recorded.")
		return
	}

	fmt.Fprintf(w, "%-36s %-10s %-12s %-5s %-24s %s\n", "Task", "Status", "Started", "DS", "Workbook", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s %-10s %-12s %-5d %-24s %s\n",
			r.TaskID, r.Status, humanize.Time(r.StartTime), r.DatasourceCount, r.WorkbookName, r.Message)
	}
}

func runsShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	run, err := globalStore.GetRunByTask(args[0])
	if err != nil {
		return err
	}
	datasources, err := globalStore.ListMigratedDatasources(run.ID)
	if err != nil {
		return fmt.Errorf("listing migrated datasources: %w", err)
	}
	printRun(os.Stdout, run, datasources)
	return nil
}

func printRun(w io.Writer, run *store.MigrationRun, datasources []store.MigratedDatasource) {
	fmt.Fprintf(w, "Task:         %s\n", run.TaskID)
	fmt.Fprintf(w, "Environments: %s -> %s\n", run.SourceEnv, run.TargetEnv)
	fmt.Fprintf(w, "Status:       %s (stage %d)\n", run.Status, run.Stage)
	fmt.Fprintf(w, "Message:      %s\n", run.Message)
	fmt.Fprintf(w, "Workbook:     %s", run.WorkbookID)
	if run.WorkbookName != "" {
		fmt.Fprintf(w, " (%s)", run.WorkbookName)
	}
	fmt.Fprintln(w)
	if run.WorkbookURL != "" {
		fmt.Fprintf(w, "URL:          %s\n", run.WorkbookURL)
	}
	fmt.Fprintf(w, "Started:      %s\n", run.StartTime.Format("2006-01-02 15:04:05 MST"))
	if !run.EndTime.IsZero() {
		fmt.Fprintf(w, "Duration:     %s\n", run.EndTime.Sub(run.StartTime).Round(time.Second))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:        %s\n", run.ErrorMessage)
	}

	fmt.Fprintf(w, "\nDatasources (%d of %d migrated)\n", len(datasources), run.DatasourceCount)
	if len(datasources) == 0 {
		return
	}
	fmt.Fprintf(w, "%-4s %-24s %-28s %-28s\n", "#", "Name", "Old key", "New key")
	fmt.Fprintln(w, strings.Repeat("-", 86))
	for _, ds := range datasources {
		fmt.Fprintf(w, "%-4d %-24s %-28s %-28s\n", ds.Position, ds.Name, ds.OldContentURL, ds.NewContentURL)
	}
}
