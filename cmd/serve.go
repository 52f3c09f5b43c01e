package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/davidschrooten/open-search-facade/internal/api"
	"github.com/davidschrooten/open-search-facade/internal/events"
	"github.com/davidschrooten/open-search-facade/internal/indexer"
	"github.com/davidschrooten/open-search-facade/internal/mongodb"
	"github.com/davidschrooten/open-search-facade/internal/search"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the search API server",
	Long: `Start the HTTP API. When enabled in the configuration, MongoDB sources are
synchronised into the index and content change events are consumed from NATS.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the server to")
	serveCmd.Flags().Int("port", 8080, "Port to bind the server to")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiFacade, err := a.newFacade("api")
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var syncer api.SyncReporter
	if a.cfg.Sync.Enabled {
		mongoClient, err := mongodb.NewClient(ctx, a.cfg.MongoDB, a.cfg.Sync.BatchSize)
		if err != nil {
			return err
		}
		defer mongoClient.Disconnect(context.Background())

		indexerService, err := indexer.NewService(mongoClient, a.client, a.registry, a.cfg, a.logger.With("component", "indexer"))
		if err != nil {
			return fmt.Errorf("failed to initialize indexer: %w", err)
		}
		syncer = indexerService

		g.Go(func() error {
			return indexerService.Run(ctx)
		})
	}

	if a.cfg.Events.Enabled {
		eventsLogger := a.logger.With("component", "events")
		bus, err := events.NewNATSBus(a.cfg.Events.URL, "open-search-facade", eventsLogger)
		if err != nil {
			return err
		}
		defer bus.Close()

		eventsFacade, err := a.newFacade("events")
		if err != nil {
			return err
		}

		consumer := events.NewConsumer(bus, eventsFacade, a.cfg.Events.Subject, a.cfg.Events.Queue, eventsLogger)
		sub, err := consumer.Start()
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	lister, _ := a.client.(search.Lister)
	apiServer := api.NewServer(apiFacade, lister, syncer, a.cfg, a.logger.With("component", "api"))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		a.logger.Info("starting server", "addr", server.Addr, "backend", a.cfg.Search.Backend, "index", apiFacade.IndexName())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	a.logger.Info("server exited")
	return nil
}
