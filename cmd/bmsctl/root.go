package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"bmsreport/pkg/store"
	"bmsreport/pkg/userimport"
)

var validFormats = []string{"text", "json"}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	DatabaseURL string
	Format      string
	Verbose     bool

	// openDirectory is replaced in tests.
	openDirectory func(dsn string) (userimport.Directory, error)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{openDirectory: openGormDirectory})
}

func newRootCommandWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bmsctl",
		Short: "Administration tool for the store maintenance report system",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres connection string (defaults to $DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every rejected row to stderr")

	cmd.AddCommand(newImportUsersCommand(opts))
	cmd.AddCommand(newImportStoresCommand(opts))
	cmd.AddCommand(newCatalogCommand(opts))
	return cmd
}

func openGormDirectory(dsn string) (userimport.Directory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is required (--database-url or DATABASE_URL)")
	}
	s, err := store.NewGormStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
