// Package indexer keeps the search index in step with MongoDB sources. Every
// sync pass over a source runs inside one bulk session of that source's
// search façade.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/davidschrooten/open-search-facade/config"
	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/mongodb"
	"github.com/davidschrooten/open-search-facade/internal/search"
	"github.com/davidschrooten/open-search-facade/internal/searchservice"
	syncstate "github.com/davidschrooten/open-search-facade/internal/sync"
)

// ErrBackendUnreachable is recorded when a flush was abandoned on a
// connection fault
var ErrBackendUnreachable = errors.New("search backend unreachable")

// Source reads documents from the system of record. *mongodb.Client
// implements it.
type Source interface {
	Each(ctx context.Context, database, collection, timestampField string, since time.Time, fn func(bson.M) error) error
	LastTimestamp(ctx context.Context, database, collection, timestampField string) (time.Time, error)
}

// worker binds one configured source to its own façade
type worker struct {
	cfg    config.SourceConfig
	facade *searchservice.Service
}

// Service manages indexing operations
type Service struct {
	source  Source
	config  *config.Config
	logger  *slog.Logger
	state   *syncstate.StateManager
	workers []*worker
}

// NewService creates one façade per source. Sources whose content type is
// not searchable are skipped.
func NewService(source Source, client search.Client, discovery content.Discovery, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	state := syncstate.NewStateManager(cfg.Sync.StatePath, logger.With("component", "sync_state"))
	if err := state.Load(); err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	s := &Service{
		source: source,
		config: cfg,
		logger: logger,
		state:  state,
	}

	keys := make([]string, 0, len(cfg.Sources))
	for _, srcCfg := range cfg.Sources {
		srcCfg = withSourceDefaults(srcCfg, cfg)

		facade, err := searchservice.New(client, cfg.Search.IndexName,
			searchservice.WithLogger(logger.With("source", srcCfg.Key())),
			searchservice.WithIndexingMemory(cfg.Search.IndexingMemory),
			searchservice.WithSearchableCapability(cfg.Search.SearchableCapability),
			searchservice.WithTypeDiscovery(discovery),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create search service for %s: %w", srcCfg.Key(), err)
		}
		if srcCfg.Index != "" {
			if err := facade.SetIndexName(srcCfg.Index); err != nil {
				return nil, fmt.Errorf("source %s: %w", srcCfg.Key(), err)
			}
		}

		if !facade.IsIndexedType(srcCfg.ContentType) {
			logger.Warn("skipping source: content type is not searchable",
				"source", srcCfg.Key(), "content_type", srcCfg.ContentType)
			continue
		}

		s.workers = append(s.workers, &worker{cfg: srcCfg, facade: facade})
		keys = append(keys, srcCfg.Key())
	}

	if removed := state.Prune(keys); len(removed) > 0 {
		logger.Info("dropped sync state of removed sources", "sources", removed)
	}

	return s, nil
}

func withSourceDefaults(src config.SourceConfig, cfg *config.Config) config.SourceConfig {
	if src.Database == "" {
		src.Database = cfg.MongoDB.Database
	}
	if src.IDField == "" {
		src.IDField = "_id"
	}
	if src.TimestampField == "" {
		src.TimestampField = "updated_at"
	}
	if src.PollInterval <= 0 {
		src.PollInterval = cfg.Sync.PollInterval
	}
	if src.PollInterval <= 0 {
		src.PollInterval = 10
	}
	return src
}

// Sources returns the keys of the sources being synced
func (s *Service) Sources() []string {
	keys := make([]string, len(s.workers))
	for i, w := range s.workers {
		keys[i] = w.cfg.Key()
	}
	return keys
}

// Run performs an initial full sync of every source and then polls for
// changes until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting indexer", "sources", len(s.workers))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.state.RunPeriodicSave(ctx, 30*time.Second)
		return nil
	})

	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			if err := s.syncSource(ctx, w, true); err != nil {
				s.logger.Error("initial sync failed", "source", w.cfg.Key(), "error", err)
			}
			s.poll(ctx, w)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("indexer stopped")
	return err
}

// Reindex runs one full sync of every source and saves the sync state
func (s *Service) Reindex(ctx context.Context) error {
	var errs []error
	for _, w := range s.workers {
		if err := s.syncSource(ctx, w, true); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.cfg.Key(), err))
		}
	}

	if err := s.state.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Connected reports, per source, whether the last flush reached the backend
func (s *Service) Connected() map[string]bool {
	out := make(map[string]bool, len(s.workers))
	for _, w := range s.workers {
		out[w.cfg.Key()] = w.facade.IsConnected()
	}
	return out
}

// States returns the sync state of every source
func (s *Service) States() map[string]syncstate.SourceState {
	return s.state.All()
}

func (s *Service) poll(ctx context.Context, w *worker) {
	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.syncSource(ctx, w, false); err != nil {
				s.logger.Error("poll failed", "source", w.cfg.Key(), "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// syncSource streams the source into one bulk session. A full sync visits
// every document; otherwise only documents newer than the stored high-water
// mark are visited.
func (s *Service) syncSource(ctx context.Context, w *worker, full bool) error {
	key := w.cfg.Key()

	var since time.Time
	if !full {
		st, ok := s.state.Get(key)
		if !ok {
			return nil
		}
		since = st.LastPollTime
	}

	// A previous flush may have hit a connection fault; try the backend again
	w.facade.ResetConnection()

	s.state.Describe(key, w.cfg.ContentType, w.facade.IndexName(), w.cfg.TimestampField, w.cfg.IDField)
	s.state.SetStatus(key, syncstate.StatusInProgress, nil)
	started := time.Now()

	w.facade.StartBulkIndex()

	count := 0
	newest := since
	readErr := s.source.Each(ctx, w.cfg.Database, w.cfg.Collection, w.cfg.TimestampField, since, func(doc bson.M) error {
		item, ts, err := s.toItem(w.cfg, doc)
		if err != nil {
			s.logger.Warn("skipping document", "source", key, "error", err)
			return nil
		}
		if _, err := w.facade.Index(ctx, item); err != nil {
			return err
		}
		count++
		if ts.After(newest) {
			newest = ts
		}
		return ctx.Err()
	})

	flushErr := w.facade.EndBulkIndex(ctx)

	switch {
	case flushErr != nil:
		s.state.SetStatus(key, syncstate.StatusFailed, flushErr)
		return fmt.Errorf("failed to flush %d documents: %w", count, flushErr)
	case !w.facade.IsConnected():
		s.state.SetStatus(key, syncstate.StatusFailed, ErrBackendUnreachable)
		return ErrBackendUnreachable
	}

	if count > 0 {
		s.state.IncrementDocumentsIndexed(key, int64(count))
	}
	if full && newest.IsZero() {
		newest = s.highWaterMark(ctx, w, started)
	}
	if newest.After(since) {
		s.state.SetLastPollTime(key, newest)
	}
	s.state.SetLastSyncTime(key, time.Now())

	if readErr != nil {
		s.state.SetStatus(key, syncstate.StatusFailed, readErr)
		return fmt.Errorf("failed to read %s: %w", key, readErr)
	}
	s.state.SetStatus(key, syncstate.StatusIdle, nil)

	if full || count > 0 {
		s.logger.Info("source synced", "source", key, "full", full, "documents", count,
			"index", w.facade.IndexName(), "took", time.Since(started).String())
	}
	return nil
}

// highWaterMark seeds the poll position when a full sync saw no document
// timestamps: the newest timestamp the source reports, else the sync start so
// later polls do not stream the whole collection again
func (s *Service) highWaterMark(ctx context.Context, w *worker, started time.Time) time.Time {
	last, err := s.source.LastTimestamp(ctx, w.cfg.Database, w.cfg.Collection, w.cfg.TimestampField)
	if err != nil {
		s.logger.Warn("cannot read newest timestamp, polling from sync start",
			"source", w.cfg.Key(), "error", err)
		return started
	}
	if last.IsZero() {
		return started
	}
	return last
}

func (s *Service) toItem(src config.SourceConfig, doc bson.M) (*content.Item, time.Time, error) {
	idVal, ok := doc[src.IDField]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("document missing ID field %q", src.IDField)
	}

	ts, _ := mongodb.DocumentTimestamp(doc, src.TimestampField)

	fields := mongodb.Fields(doc)
	delete(fields, src.IDField)

	return content.NewItem(src.ContentType, mongodb.IDString(idVal), fields), ts, nil
}
