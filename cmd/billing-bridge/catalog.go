package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rcourtman/billing-bridge/internal/config"
	"github.com/rcourtman/billing-bridge/internal/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var catalogDBPath string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the sandbox product catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import products from a YAML catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := importCatalog(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d products into %s\n", n, store.Path())
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products in the sandbox catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCatalogStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.AllEntries(cmd.Context())
		if err != nil {
			return fmt.Errorf("list catalog: %w", err)
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Catalog is empty")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tPRICE\tTITLE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Kind, e.Price, e.Title)
		}
		return tw.Flush()
	},
}

func init() {
	catalogCmd.PersistentFlags().StringVar(&catalogDBPath, "db", "", "sandbox database path (defaults to SANDBOX_DB)")
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)
}

func openCatalogStore() (*sandbox.Store, error) {
	path := catalogDBPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		path = cfg.Sandbox.DBPath
	}
	store, err := sandbox.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("open sandbox store: %w", err)
	}
	return store, nil
}

func importCatalog(ctx context.Context, store *sandbox.Store, path string) (int, error) {
	entries, err := sandbox.LoadCatalog(path)
	if err != nil {
		return 0, fmt.Errorf("load catalog: %w", err)
	}
	n, err := store.UpsertEntries(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("import catalog: %w", err)
	}
	log.Info().Str("file", path).Int("products", n).Msg("Sandbox catalog imported")
	return n, nil
}
