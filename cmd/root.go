package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/davidschrooten/open-search-facade/config"
	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/logging"
	"github.com/davidschrooten/open-search-facade/internal/querybuilder"
	"github.com/davidschrooten/open-search-facade/internal/search"
	"github.com/davidschrooten/open-search-facade/internal/searchservice"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "open-search-facade",
	Short: "Search indexing and query façade",
	Long: `open-search-facade indexes content into a search backend (bleve or Typesense)
and serves structured queries through pluggable query builders.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// app holds the collaborators shared by every command
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   search.Client
	registry *content.Registry
}

func newApp() (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	registry, err := content.NewRegistryFromConfig(cfg.ContentTypes)
	if err != nil {
		return nil, err
	}

	client, err := search.NewClient(cfg.Search, cfg.ContentTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize search backend: %w", err)
	}

	return &app{cfg: cfg, logger: logger, client: client, registry: registry}, nil
}

// newFacade creates a search service with its own buffer and registries
func (a *app) newFacade(component string) (*searchservice.Service, error) {
	facade, err := searchservice.New(a.client, a.cfg.Search.IndexName,
		searchservice.WithLogger(a.logger.With("component", component)),
		searchservice.WithIndexingMemory(a.cfg.Search.IndexingMemory),
		searchservice.WithSearchableCapability(a.cfg.Search.SearchableCapability),
		searchservice.WithTypeDiscovery(a.registry),
	)
	if err != nil {
		return nil, err
	}
	facade.RegisterQueryBuilder("querystring", querybuilder.NewQueryStringBuilder)
	return facade, nil
}

func (a *app) close() {
	if closer, ok := a.client.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("failed to close search backend", "error", err)
		}
	}
}
