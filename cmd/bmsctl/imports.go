package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bmsreport/pkg/userimport"
)

func newImportUsersCommand(opts *rootOptions) *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "import-users <file>",
		Short: "Create or update accounts from a semicolon-delimited or .xlsx file",
		Long: `Create or update accounts, matched by email.

Columns: email;name;role;phone;branch;password
Role is BMS, BMC or ADMIN. Phone numbers are stored in E.164 form.
An empty password keeps the existing password of an account. Rejected
rows are reported and do not stop the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0], func(ctx context.Context, imp *userimport.Importer, f *os.File) (userimport.Result, error) {
				return imp.ImportUsers(ctx, f.Name(), f)
			}, userimport.WithRegion(region))
		},
	}
	cmd.Flags().StringVar(&region, "region", userimport.DefaultRegion, "region for phone numbers without a country code")
	return cmd
}

func newImportStoresCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-stores <file>",
		Short: "Create or update stores from a semicolon-delimited or .xlsx file",
		Long: `Create or update stores, matched by code.

Columns: code;name;branch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0], func(ctx context.Context, imp *userimport.Importer, f *os.File) (userimport.Result, error) {
				return imp.ImportStores(ctx, f.Name(), f)
			})
		},
	}
}

type importFunc func(ctx context.Context, imp *userimport.Importer, f *os.File) (userimport.Result, error)

func runImport(cmd *cobra.Command, opts *rootOptions, path string, run importFunc, extra ...userimport.Option) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dir, err := opts.openDirectory(opts.DatabaseURL)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd)
	imp, err := userimport.New(dir, append([]userimport.Option{userimport.WithLogger(logger)}, extra...)...)
	if err != nil {
		return err
	}
	res, err := run(cmd.Context(), imp, f)
	if err != nil {
		return err
	}
	for _, rej := range res.Rejected {
		logger.Debug("row rejected", "line", rej.Line, "key", rej.Key, "err", rej.Error)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "created: %d\nupdated: %d\nrejected: %d\n", res.Created, res.Updated, len(res.Rejected))
	for _, rej := range res.Rejected {
		fmt.Fprintf(out, "  line %d %s: %s\n", rej.Line, rej.Key, rej.Error)
	}
	return nil
}
