package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cale-agent/internal/app"
	"cale-agent/internal/config"
)

func newIngestCmd(root *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Rebuild the knowledge index from a scraped VisitCali JSONL file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd.Context(), root, config.ModeIngest)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer f.Close()

			n, err := app.Ingest(cmd.Context(), cfg, f, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %d documentos indexados en %s\n", n, cfg.DatabasePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "visitcali_scraping.jsonl", "JSONL file with title, description and url per line")
	return cmd
}
