package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bmsreport/pkg/catalog"
)

func newCatalogCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the active checklist catalog",
		Long: `Print the checklist catalog the report service uses.

With --file the given YAML catalog is validated and printed instead of the
built-in one, so a catalog change can be checked before it is deployed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := catalog.Default()
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read catalog: %w", err)
				}
				if cat, err = catalog.Load(data); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
			}
			out := cmd.OutOrStdout()
			categories := cat.Categories()
			if opts.Format == "json" {
				return writeJSON(out, map[string]any{"categories": categories})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, c := range categories {
				kind := "inspection"
				if c.Preventive {
					kind = "preventive"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Title, kind, joinConditions(c))
				for _, item := range c.Items {
					fmt.Fprintf(tw, "  %s\t%s\t\t\n", item.ID, item.Name)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML to validate instead of the built-in catalog")
	return cmd
}

func joinConditions(c catalog.Category) string {
	conds := c.AllowedConditions()
	parts := make([]string, len(conds))
	for i, cond := range conds {
		parts[i] = string(cond)
	}
	return strings.Join(parts, "/")
}
