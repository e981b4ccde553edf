package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/bimigrate/internal/connection"
	"github.com/BadgerOps/bimigrate/internal/engine"
	"github.com/BadgerOps/bimigrate/internal/progress"
)

var (
	migrateRequestFile string
	migrateCredsFile   string
	migrateDatasources []string
	migrateWorkbook    string
	migrateProject     string
	migrateTaskID      string
	migrateJSON        bool
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate datasources and a workbook from source to target",
		Long: `Migrate runs one migration in the foreground. Every datasource is downloaded
from the source environment, republished to the target project, and pointed
at the target database. The workbook is then downloaded, its datasource
references rewritten to the republished datasources, and published.

The request is read from a YAML file with --request, or assembled from
--datasource, --workbook and --project together with a --credentials file
mapping each datasource ID to its target database settings.`,
		Example: `  bimigrate migrate --request request.yaml
  bimigrate migrate --datasource ds-1 --datasource ds-2 --workbook wb-1 \
    --project proj-9 --credentials creds.yaml`,
		RunE: migrateRun,
	}

	cmd.Flags().StringVar(&migrateRequestFile, "request", "", "YAML file describing the migration")
	cmd.Flags().StringVar(&migrateCredsFile, "credentials", "", "YAML file mapping datasource IDs to database settings")
	cmd.Flags().StringSliceVar(&migrateDatasources, "datasource", nil, "source datasource ID (repeatable, in migration order)")
	cmd.Flags().StringVar(&migrateWorkbook, "workbook", "", "source workbook ID")
	cmd.Flags().StringVar(&migrateProject, "project", "", "target project ID")
	cmd.Flags().StringVar(&migrateTaskID, "task-id", "", "task ID to record the run under (generated if empty)")
	cmd.Flags().BoolVar(&migrateJSON, "json", false, "print the result as JSON")
	cmd.MarkFlagsMutuallyExclusive("request", "datasource")

	return cmd
}

func migrateRun(cmd *cobra.Command, args []string) error {
	if globalManager == nil {
		return fmt.Errorf("migration manager not initialized")
	}

	req, err := buildMigrateRequest()
	if err != nil {
		return err
	}

	res, runErr := globalManager.Run(cmd.Context(), req, progress.NewLogSink(logger))
	if res != nil {
		if err := printResult(os.Stdout, res, migrateJSON); err != nil {
			logger.Error("failed to print result", "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	return nil
}

// buildMigrateRequest assembles a request from --request or the individual
// flags.
func buildMigrateRequest() (engine.Request, error) {
	var req engine.Request
	if migrateRequestFile != "" {
		data, err := os.ReadFile(migrateRequestFile)
		if err != nil {
			return req, fmt.Errorf("reading request file: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parsing request file: %w", err)
		}
	} else {
		req.DatasourceIDs = migrateDatasources
		req.WorkbookID = migrateWorkbook
		req.TargetProjectID = migrateProject
	}

	if migrateCredsFile != "" {
		creds, err := loadCredentials(migrateCredsFile)
		if err != nil {
			return req, err
		}
		if req.Credentials == nil {
			req.Credentials = make(map[string]connection.Credentials, len(creds))
		}
		for id, c := range creds {
			req.Credentials[id] = c
		}
	}
	if migrateTaskID != "" {
		req.TaskID = migrateTaskID
	}
	return req, nil
}

// loadCredentials reads a YAML map of datasource ID to database settings.
func loadCredentials(path string) (map[string]connection.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	creds := make(map[string]connection.Credentials)
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return creds, nil
}

func printResult(w io.Writer, res *engine.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "Task:       %s\n", res.TaskID)
	if res.WorkbookName != "" {
		fmt.Fprintf(w, "Workbook:   %s\n", res.WorkbookName)
	}
	if res.WorkbookURL != "" {
		fmt.Fprintf(w, "URL:        %s\n", res.WorkbookURL)
	}
	fmt.Fprintf(w, "References: %d updated\n", res.ReferencesUpdated)
	fmt.Fprintln(w, "")

	fmt.Fprintf(w, "%-4s %-28s %-28s %-28s\n", "#", "Datasource", "Old key", "New key")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for i, ds := range res.Datasources {
		fmt.Fprintf(w, "%-4d %-28s %-28s %-28s\n", i+1, ds.Name, ds.OldKey, ds.NewKey)
	}

	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "\nWarning: %s\n", warning)
	}
	return nil
}
