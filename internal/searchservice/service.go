// Package searchservice is the indexing and query façade hosts talk to. It
// owns the bulk index buffer, the query builder registry and the index
// handle, and hides backend addressing and connection faults from callers.
package searchservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/querybuilder"
	"github.com/davidschrooten/open-search-facade/internal/search"
)

// DefaultCapability is the capability a content type must declare (or
// inherit) to be indexed
const DefaultCapability = "searchable"

var (
	// ErrNilClient is returned by New without a backend client.
	ErrNilClient = errors.New("search client is required")
	// ErrEmptyIndexName is returned when an empty index name is supplied.
	ErrEmptyIndexName = errors.New("index name must not be empty")
	// ErrNilItem is returned by Index without an item.
	ErrNilItem = errors.New("item to index is nil")
	// ErrNilQuerySource is returned by Query for a nil builder pointer.
	ErrNilQuerySource = errors.New("query source is a nil pointer")
)

// Indexable is a content item that can be submitted for indexing
type Indexable interface {
	SearchType() string
	SearchDocument() search.Document
}

// QuerySource is anything that produces a backend-native query. Both
// search.Query and every querybuilder.Builder satisfy it.
type QuerySource interface {
	ToQuery() search.Query
}

// Service is the search façade. A Service is meant for single-writer use:
// bulk sessions must not overlap. Queries and index resolution are safe for
// concurrent use.
type Service struct {
	client     search.Client
	logger     *slog.Logger
	discovery  content.Discovery
	capability string

	memoryHint  string
	memoryLimit int64

	mu        sync.RWMutex
	indexName string
	connected atomic.Bool

	builders *querybuilder.Registry

	kindsMu sync.RWMutex
	kinds   map[string]ResultFactory

	buffer bulkBuffer
}

// New creates a Service addressing indexName on client. No I/O is performed.
func New(client search.Client, indexName string, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if indexName == "" {
		return nil, ErrEmptyIndexName
	}

	s := &Service{
		client:     client,
		logger:     slog.Default(),
		capability: DefaultCapability,
		indexName:  indexName,
		builders:   querybuilder.NewRegistry(querybuilder.NewDefaultBuilder),
		kinds: map[string]ResultFactory{
			DefaultResultKind:   NewResultList,
			PaginatedResultKind: NewPaginatedList,
		},
	}
	s.connected.Store(true)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// GetIndex resolves the backend index addressed by the current index name
func (s *Service) GetIndex() (search.Index, error) {
	return s.client.GetIndex(s.IndexName())
}

// IndexName returns the current index name
func (s *Service) IndexName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexName
}

// SetIndexName redirects all subsequent reads and writes to name. Documents
// already buffered are flushed to whichever index is current at flush time.
func (s *Service) SetIndexName(name string) error {
	if name == "" {
		return ErrEmptyIndexName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexName = name
	return nil
}

// IndexedTypes lists every content type that declares, or inherits, the
// searchable capability
func (s *Service) IndexedTypes() []string {
	if s.discovery == nil {
		return nil
	}

	var types []string
	for _, t := range s.discovery.Subtypes(content.BaseType) {
		if s.discovery.HasCapability(t, s.capability) {
			types = append(types, t)
		}
	}
	return types
}

// IsIndexedType reports whether typeName is one of IndexedTypes
func (s *Service) IsIndexedType(typeName string) bool {
	for _, t := range s.IndexedTypes() {
		if t == typeName {
			return true
		}
	}
	return false
}

// Query binds the query produced by src to the current index and returns a
// lazy result set of the given kind, windowed to offset and limit. An empty
// or unknown kind yields the default list.
func (s *Service) Query(src QuerySource, offset, limit int, kind string) (ResultSet, error) {
	if src == nil {
		src = search.MatchAll()
	}
	if isNilPointer(src) {
		return nil, ErrNilQuerySource
	}

	index, err := s.GetIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index %s: %w", s.IndexName(), err)
	}

	factory := s.resultFactory(kind)
	results := factory(index, src.ToQuery(), s.logger)

	return results.Limit(limit, offset), nil
}

// IsConnected reports false once a bulk flush hit a connection fault. The
// flag stays false until ResetConnection is called.
func (s *Service) IsConnected() bool {
	return s.connected.Load()
}

// ResetConnection marks the backend as reachable again
func (s *Service) ResetConnection() {
	if !s.connected.Swap(true) {
		s.logger.Info("search connection state reset", "index", s.IndexName())
	}
}

// QueryBuilders returns a copy of the registered builder factories
func (s *Service) QueryBuilders() map[string]querybuilder.Factory {
	return s.builders.Factories()
}

// QueryBuilder returns a fresh builder for name, or the default builder when
// name is empty or unknown
func (s *Service) QueryBuilder(name string) querybuilder.Builder {
	if name == "" {
		name = querybuilder.DefaultName
	}
	if !s.builders.Has(name) {
		s.logger.Debug("unknown query builder, using default", "builder", name)
	}
	return s.builders.Get(name)
}

// QueryBuilderNames returns the registered builder names in sorted order
func (s *Service) QueryBuilderNames() []string {
	return s.builders.Names()
}

// RegisterQueryBuilder inserts or overwrites a builder factory
func (s *Service) RegisterQueryBuilder(name string, factory querybuilder.Factory) {
	s.builders.Register(name, factory)
}

// RegisterResultKind inserts or overwrites a result set factory
func (s *Service) RegisterResultKind(name string, factory ResultFactory) {
	if name == "" || factory == nil {
		return
	}

	s.kindsMu.Lock()
	defer s.kindsMu.Unlock()
	s.kinds[name] = factory
}

// ResultKinds returns the registered result kinds
func (s *Service) ResultKinds() []string {
	s.kindsMu.RLock()
	defer s.kindsMu.RUnlock()

	kinds := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (s *Service) resultFactory(kind string) ResultFactory {
	s.kindsMu.RLock()
	defer s.kindsMu.RUnlock()

	if f, ok := s.kinds[kind]; ok {
		return f
	}
	return s.kinds[DefaultResultKind]
}

// Index writes item to the backend, or buffers it while a bulk session is
// open. Buffered calls return a nil response and no error.
func (s *Service) Index(ctx context.Context, item Indexable) (*search.WriteResponse, error) {
	if item == nil || isNilPointer(item) {
		return nil, ErrNilItem
	}

	if s.buffer.active {
		s.buffer.add(item.SearchType(), item.SearchDocument())
		return nil, nil
	}

	index, err := s.GetIndex()
	if err != nil {
		return nil, err
	}
	return index.AddDocument(ctx, item.SearchDocument())
}

// isNilPointer reports whether v is an interface holding a nil pointer
func isNilPointer(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
