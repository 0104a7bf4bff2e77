package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/catalogue"
	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/fetcher"
)

var catalogueCmd = &cobra.Command{
	Use:   "catalogue",
	Short: "Administer the SPONS catalogue",
}

var (
	importSheet string
	importBook  string
	importChunk int
)

var catalogueImportCmd = &cobra.Command{
	Use:   "import FILE|URL",
	Short: "Import SPONS rows from an XLSX or CSV export",
	Long:  "Reads FILE or downloads URL (.xlsx or .csv), normalizes trade and unit, and upserts rows by item code. Rows whose text changed lose their embedding until the next `catalogue embed`.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeCatalogue)
		if err != nil {
			return err
		}
		defer env.Close()

		src := args[0]
		if fetcher.IsRemote(src) {
			path, n, err := fetcher.New(fetcher.Options{}).DownloadToTemp(ctx, src)
			if err != nil {
				return eris.Wrap(err, "download catalogue")
			}
			defer os.Remove(path) //nolint:errcheck
			zap.L().Info("downloaded catalogue export", zap.String("url", src), zap.Int64("bytes", n))
			src = path
		}

		imp := catalogue.NewImporter(env.Store,
			catalogue.WithDefaultBook(importBook),
			catalogue.WithChunkSize(importChunk),
		)
		res, err := imp.ImportFile(ctx, src, importSheet)
		if err != nil {
			return eris.Wrap(err, "import catalogue")
		}
		return writeResult(cmd.OutOrStdout(), res, true)
	},
}

var embedBatchSize int

var catalogueEmbedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed catalogue rows that are new or changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, config.ModeEmbed)
		if err != nil {
			return err
		}
		defer env.Close()

		batch := embedBatchSize
		if batch <= 0 {
			batch = cfg.Embedding.BatchSize
		}
		r := catalogue.NewRefresher(env.Store, env.Embedder,
			catalogue.WithBatchSize(batch),
			catalogue.WithDimensions(cfg.Embedding.Dimensions),
			catalogue.WithPricer(env.Pricer),
		)
		res, err := r.Refresh(ctx)
		if err != nil {
			return eris.Wrap(err, "embed catalogue")
		}
		return writeResult(cmd.OutOrStdout(), res, true)
	},
}

func init() {
	catalogueImportCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX worksheet name (default first sheet)")
	catalogueImportCmd.Flags().StringVar(&importBook, "book", "", "price book for rows without a book column")
	catalogueImportCmd.Flags().IntVar(&importChunk, "chunk", catalogue.DefaultChunkSize, "rows per upsert")
	catalogueEmbedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 0, "rows per embedding call (default from config)")

	catalogueCmd.AddCommand(catalogueImportCmd, catalogueEmbedCmd)
	rootCmd.AddCommand(catalogueCmd)
}
