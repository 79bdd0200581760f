package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"gwi.com/context-recommender/internal/store"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load owners and products from a YAML catalog seed",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "catalog seed file (defaults to catalog.seed_file)")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	path := ingestFile
	if path == "" {
		path = cfg.Catalog.SeedFile
	}

	seed, err := store.LoadCatalogSeed(path)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bar := progressbar.NewOptions(seed.ProductCount(),
		progressbar.OptionSetDescription("Ingesting catalog"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	res, err := a.catalog.Ingest(cmd.Context(), seed, func(n int) { _ = bar.Add(n) })
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d products (%d new owners) from %s\n", res.Products, res.Owners, path)
	return nil
}
