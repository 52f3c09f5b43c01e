package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidschrooten/open-search-facade/internal/indexer"
	"github.com/davidschrooten/open-search-facade/internal/mongodb"
)

var reindexIndex string

// reindexCmd represents the reindex command
var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from every configured source",
	Long: `Read every configured MongoDB source and write its documents to the search
backend, one bulk session per source. Use --index to write into a fresh index.`,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)

	reindexCmd.Flags().StringVar(&reindexIndex, "index", "", "Index name overriding search.index_name for sources without their own index")
}

func runReindex(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if reindexIndex != "" {
		a.cfg.Search.IndexName = reindexIndex
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongodb.NewClient(ctx, a.cfg.MongoDB, a.cfg.Sync.BatchSize)
	if err != nil {
		return err
	}
	defer mongoClient.Disconnect(context.Background())

	indexerService, err := indexer.NewService(mongoClient, a.client, a.registry, a.cfg, a.logger.With("component", "indexer"))
	if err != nil {
		return fmt.Errorf("failed to initialize indexer: %w", err)
	}

	reindexErr := indexerService.Reindex(ctx)

	for source, state := range indexerService.States() {
		a.logger.Info("source reindexed",
			"source", source,
			"status", state.Status,
			"documents", state.DocumentsIndexed,
			"connected", indexerService.Connected()[source],
		)
	}

	return reindexErr
}
