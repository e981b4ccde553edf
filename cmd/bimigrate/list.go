package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/bimigrate/internal/tableau"
)

var listEnv string

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content on an environment",
		Long: `List projects, datasources or workbooks on one environment. The IDs shown
are the ones a migration request refers to: source datasource and workbook
IDs, and the target project ID.`,
		Example: `  bimigrate list datasources --env dev
  bimigrate list workbooks --env dev
  bimigrate list projects --env prod`,
	}

	cmd.PersistentFlags().StringVar(&listEnv, "env", "", "environment name (default: migration source, or target for projects)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "projects",
			Short: "List projects",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), defaultEnv(true), func(c *tableau.Client) error {
					projects, err := c.ListProjects(cmd.Context())
					if err != nil {
						return err
					}
					printProjects(os.Stdout, projects)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "datasources",
			Short: "List published datasources",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), defaultEnv(false), func(c *tableau.Client) error {
					items, err := c.ListDatasources(cmd.Context())
					if err != nil {
						return err
					}
					printItems(os.Stdout, items)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "workbooks",
			Short: "List workbooks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), defaultEnv(false), func(c *tableau.Client) error {
					items, err := c.ListWorkbooks(cmd.Context())
					if err != nil {
						return err
					}
					printItems(os.Stdout, items)
					return nil
				})
			},
		},
	)
	return cmd
}

// defaultEnv resolves --env. Projects are usually looked up on the target.
func defaultEnv(target bool) string {
	if listEnv != "" {
		return listEnv
	}
	if target {
		return globalCfg.Migration.Target
	}
	return globalCfg.Migration.Source
}

// withClient signs in to env, runs fn and signs out.
func withClient(ctx context.Context, env string, fn func(*tableau.Client) error) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	envCfg, err := globalCfg.Environment(env)
	if err != nil {
		return err
	}
	client, err := tableau.Dial(ctx, envCfg, logger.With("env", env))
	if err != nil {
		return fmt.Errorf("signing in to %s: %w", env, err)
	}
	defer client.SignOut(context.Background())
	return fn(client)
}

func printProjects(w io.Writer, projects []tableau.Project) {
	if len(projects) == 0 {
		fmt.Fprintln(w, "No projects found.")
		return
	}
	fmt.Fprintf(w, "%-36s %-30s %s\n", "ID", "Name", "Description")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, p := range projects {
		fmt.Fprintf(w, "%-36s %-30s %s\n", p.ID, p.Name, p.Description)
	}
}

func printItems(w io.Writer, items []tableau.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Nothing found.")
		return
	}
	fmt.Fprintf(w, "%-36s %-30s %-30s %s\n", "ID", "Name", "Content URL", "Project")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, it := range items {
		fmt.Fprintf(w, "%-36s %-30s %-30s %s\n", it.ID, it.Name, it.ContentURL, it.Project.Name)
	}
}
