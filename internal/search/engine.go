package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/davidschrooten/open-search-facade/config"
)

// Engine manages multiple Bleve indexes and implements Client
type Engine struct {
	indexes   map[string]bleve.Index
	indexPath string // empty keeps every index in memory
	mapping   mapping.IndexMapping
	mutex     sync.RWMutex
}

// IndexInfo represents information about an index
type IndexInfo struct {
	Name     string `json:"name"`
	DocCount uint64 `json:"docCount"`
	Status   string `json:"status"`
}

// NewEngine creates a new Bleve backed search engine
func NewEngine(cfg config.SearchConfig, types []config.ContentTypeConfig) (*Engine, error) {
	if cfg.IndexPath != "" {
		if err := os.MkdirAll(cfg.IndexPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	return &Engine{
		indexes:   make(map[string]bleve.Index),
		indexPath: cfg.IndexPath,
		mapping:   createMapping(types),
	}, nil
}

// GetIndex returns the named index, opening or creating it on first use
func (e *Engine) GetIndex(name string) (Index, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}

	e.mutex.RLock()
	idx, exists := e.indexes[name]
	e.mutex.RUnlock()
	if exists {
		return &bleveIndex{name: name, index: idx}, nil
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	// Another caller may have opened it in the meantime
	if idx, exists := e.indexes[name]; exists {
		return &bleveIndex{name: name, index: idx}, nil
	}

	idx, err := e.openIndex(name)
	if err != nil {
		return nil, err
	}

	e.indexes[name] = idx
	return &bleveIndex{name: name, index: idx}, nil
}

func (e *Engine) openIndex(name string) (bleve.Index, error) {
	if e.indexPath == "" {
		idx, err := bleve.NewMemOnly(e.mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index %s: %w", name, err)
		}
		return idx, nil
	}

	indexPath := filepath.Join(e.indexPath, name)

	// Try to open existing index first
	idx, err := bleve.Open(indexPath)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("failed to open index %s: %w", name, err)
	}

	idx, err = bleve.New(indexPath, e.mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return idx, nil
}

// ListIndexes returns information about all open indexes
func (e *Engine) ListIndexes() ([]IndexInfo, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	indexes := make([]IndexInfo, 0, len(e.indexes))

	for name, index := range e.indexes {
		docCount, err := index.DocCount()
		if err != nil {
			// If we can't get doc count, set it to 0 and continue
			docCount = 0
		}

		indexes = append(indexes, IndexInfo{
			Name:     name,
			DocCount: docCount,
			Status:   "active",
		})
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
	return indexes, nil
}

// RemoveIndex closes an index and deletes it from disk
func (e *Engine) RemoveIndex(indexName string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	index, exists := e.indexes[indexName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}

	if err := index.Close(); err != nil {
		return fmt.Errorf("failed to close index %s: %w", indexName, err)
	}

	delete(e.indexes, indexName)

	if e.indexPath == "" {
		return nil
	}

	indexPath := filepath.Join(e.indexPath, indexName)
	if err := os.RemoveAll(indexPath); err != nil {
		return fmt.Errorf("failed to remove index directory %s: %w", indexPath, err)
	}

	return nil
}

// Close closes all indexes
func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var errs []error
	for name, index := range e.indexes {
		if err := index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close index %s: %w", name, err))
		}
	}
	e.indexes = make(map[string]bleve.Index)

	return errors.Join(errs...)
}

// bleveIndex adapts a bleve.Index to the Index interface
type bleveIndex struct {
	name  string
	index bleve.Index
}

func (b *bleveIndex) Name() string {
	return b.name
}

// AddDocument indexes a single document
func (b *bleveIndex) AddDocument(ctx context.Context, doc Document) (*WriteResponse, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("document of type %s has no id", doc.Type)
	}

	if err := b.index.Index(doc.ID, doc.Fields()); err != nil {
		return nil, b.wrapError("index", err)
	}

	return &WriteResponse{Index: b.name, Indexed: 1}, nil
}

// AddDocuments indexes documents in a single batch
func (b *bleveIndex) AddDocuments(ctx context.Context, docs []Document) (*WriteResponse, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	var failures []BulkFailure
	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, doc.Fields()); err != nil {
			failures = append(failures, BulkFailure{ID: doc.ID, Reason: err.Error()})
		}
	}

	if batch.Size() > 0 {
		if err := b.index.Batch(batch); err != nil {
			if errors.Is(err, bleve.ErrorIndexClosed) {
				return nil, NewConnectionError("bulk", b.name, err)
			}
			return nil, NewBulkError(b.name, len(docs), failures, err)
		}
	}

	if len(failures) > 0 {
		return nil, NewBulkError(b.name, len(docs), failures, nil)
	}

	return &WriteResponse{Index: b.name, Indexed: len(docs)}, nil
}

// Refresh checks the index is still open. Bleve batches are searchable as
// soon as Batch returns, so there is nothing to flush.
func (b *bleveIndex) Refresh(ctx context.Context) error {
	if _, err := b.index.DocCount(); err != nil {
		return b.wrapError("refresh", err)
	}
	return nil
}

// Search performs a search query
func (b *bleveIndex) Search(ctx context.Context, q Query, from, size int) (*SearchResult, error) {
	bleveQuery, err := convertQuery(q.Clause)
	if err != nil {
		return nil, fmt.Errorf("failed to convert query: %w", err)
	}

	searchReq := bleve.NewSearchRequestOptions(bleveQuery, size, from, false)

	// Include all stored fields in results
	searchReq.Fields = []string{"*"}

	if len(q.Sort) > 0 {
		searchReq.SortBy(q.Sort)
	}

	if len(q.Highlight) > 0 {
		searchReq.Highlight = bleve.NewHighlight()
		for _, field := range q.Highlight {
			searchReq.Highlight.AddField(field)
		}
	}

	for name, facet := range q.Facets {
		searchReq.AddFacet(name, bleve.NewFacetRequest(facet.Field, facet.Size))
	}

	searchResult, err := b.index.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, b.wrapError("search", err)
	}

	return convertSearchResult(searchResult), nil
}

func (b *bleveIndex) wrapError(op string, err error) error {
	if errors.Is(err, bleve.ErrorIndexClosed) {
		return NewConnectionError(op, b.name, err)
	}
	return fmt.Errorf("%s on index %s failed: %w", op, b.name, err)
}

// createMapping creates a Bleve mapping with one document mapping per
// content type. Field mappings are inherited from ancestor types.
func createMapping(types []config.ContentTypeConfig) mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.TypeField = TypeField
	indexMapping.DefaultMapping.Dynamic = true
	indexMapping.StoreDynamic = true
	indexMapping.DefaultMapping.AddFieldMappingsAt(TypeField, typeFieldMapping())

	byName := make(map[string]config.ContentTypeConfig, len(types))
	for _, ct := range types {
		byName[ct.Name] = ct
	}

	for _, ct := range types {
		docMapping := bleve.NewDocumentMapping()
		docMapping.AddFieldMappingsAt(TypeField, typeFieldMapping())

		fields := inheritedFields(ct, byName)
		if len(fields) == 0 {
			// Dynamic default mapping handles types without declared fields
			continue
		}

		for _, fieldCfg := range fields {
			docMapping.AddFieldMappingsAt(fieldCfg.Name, createFieldMapping(fieldCfg))
		}
		indexMapping.AddDocumentMapping(ct.Name, docMapping)
	}

	return indexMapping
}

// inheritedFields collects fields from the type and its ancestors; a field
// declared on a descendant wins over the ancestor declaration.
func inheritedFields(ct config.ContentTypeConfig, byName map[string]config.ContentTypeConfig) []config.FieldConfig {
	var fields []config.FieldConfig
	seen := make(map[string]bool)
	visited := make(map[string]bool)

	for current, ok := ct, true; ok && !visited[current.Name]; current, ok = byName[current.Parent] {
		visited[current.Name] = true
		for _, f := range current.Fields {
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			fields = append(fields, f)
		}
	}

	return fields
}

func typeFieldMapping() *mapping.FieldMapping {
	fm := bleve.NewKeywordFieldMapping()
	fm.Store = true
	return fm
}

// createFieldMapping creates a field mapping from configuration
func createFieldMapping(cfg config.FieldConfig) *mapping.FieldMapping {
	fieldMapping := bleve.NewTextFieldMapping()

	switch cfg.Type {
	case "text":
		fieldMapping = bleve.NewTextFieldMapping()
	case "keyword":
		fieldMapping = bleve.NewKeywordFieldMapping()
	case "numeric":
		fieldMapping = bleve.NewNumericFieldMapping()
	case "date":
		fieldMapping = bleve.NewDateTimeFieldMapping()
	case "boolean":
		fieldMapping = bleve.NewBooleanFieldMapping()
	}

	if cfg.Analyzer != "" {
		fieldMapping.Analyzer = cfg.Analyzer
	}

	// Always store field values so they can be retrieved in search results
	fieldMapping.Store = true

	return fieldMapping
}

// convertQuery converts a query clause to a Bleve query
func convertQuery(clause map[string]interface{}) (query.Query, error) {
	if len(clause) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	if compound, ok := clause["compound"]; ok {
		return convertCompoundQuery(compound)
	}

	if text, ok := clause["text"]; ok {
		return convertTextQuery(text)
	}

	if term, ok := clause["term"]; ok {
		return convertTermQuery(term)
	}

	if wildcard, ok := clause["wildcard"]; ok {
		return convertWildcardQuery(wildcard)
	}

	if qs, ok := clause["queryString"]; ok {
		m, err := asMap("queryString", qs)
		if err != nil {
			return nil, err
		}
		queryText, _ := m["query"].(string)
		return bleve.NewQueryStringQuery(queryText), nil
	}

	if _, ok := clause["match_all"]; ok {
		return bleve.NewMatchAllQuery(), nil
	}

	return nil, fmt.Errorf("unsupported query operator in %v", keys(clause))
}

// convertCompoundQuery converts compound queries
func convertCompoundQuery(compound interface{}) (query.Query, error) {
	m, err := asMap("compound", compound)
	if err != nil {
		return nil, err
	}

	boolQuery := bleve.NewBooleanQuery()

	for _, section := range []string{"must", "filter", "should", "mustNot"} {
		raw, ok := m[section]
		if !ok {
			continue
		}
		clauses, err := asClauses(section, raw)
		if err != nil {
			return nil, err
		}
		for _, c := range clauses {
			subQuery, err := convertQuery(c)
			if err != nil {
				return nil, err
			}
			switch section {
			case "must", "filter":
				boolQuery.AddMust(subQuery)
			case "should":
				boolQuery.AddShould(subQuery)
			case "mustNot":
				boolQuery.AddMustNot(subQuery)
			}
		}
	}

	return boolQuery, nil
}

// convertTextQuery converts text search queries
func convertTextQuery(text interface{}) (query.Query, error) {
	textQuery, err := asMap("text", text)
	if err != nil {
		return nil, err
	}

	queryText, ok := textQuery["query"].(string)
	if !ok {
		return nil, fmt.Errorf("text query requires a string 'query'")
	}

	paths := asStrings(textQuery["path"])
	switch len(paths) {
	case 0:
		return bleve.NewQueryStringQuery(queryText), nil
	case 1:
		matchQuery := bleve.NewMatchQuery(queryText)
		matchQuery.SetField(paths[0])
		return matchQuery, nil
	}

	disjuncts := make([]query.Query, 0, len(paths))
	for _, path := range paths {
		matchQuery := bleve.NewMatchQuery(queryText)
		matchQuery.SetField(path)
		disjuncts = append(disjuncts, matchQuery)
	}
	return bleve.NewDisjunctionQuery(disjuncts...), nil
}

// convertTermQuery converts term queries
func convertTermQuery(term interface{}) (query.Query, error) {
	termQuery, err := asMap("term", term)
	if err != nil {
		return nil, err
	}

	path, _ := termQuery["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("term query requires a 'path'")
	}

	values := asStrings(termQuery["value"])
	if len(values) == 0 {
		return nil, fmt.Errorf("term query on %s requires a 'value'", path)
	}

	if len(values) == 1 {
		termQueryObj := bleve.NewTermQuery(values[0])
		termQueryObj.SetField(path)
		return termQueryObj, nil
	}

	disjuncts := make([]query.Query, 0, len(values))
	for _, v := range values {
		tq := bleve.NewTermQuery(v)
		tq.SetField(path)
		disjuncts = append(disjuncts, tq)
	}
	return bleve.NewDisjunctionQuery(disjuncts...), nil
}

// convertWildcardQuery converts wildcard queries
func convertWildcardQuery(wildcard interface{}) (query.Query, error) {
	wildcardQuery, err := asMap("wildcard", wildcard)
	if err != nil {
		return nil, err
	}

	value, _ := wildcardQuery["value"].(string)
	path, _ := wildcardQuery["path"].(string)
	if value == "" || path == "" {
		return nil, fmt.Errorf("wildcard query requires 'value' and 'path'")
	}

	wildcardQueryObj := bleve.NewWildcardQuery(value)
	wildcardQueryObj.SetField(path)
	return wildcardQueryObj, nil
}

// convertSearchResult converts Bleve search result to our format
func convertSearchResult(result *bleve.SearchResult) *SearchResult {
	hits := make([]SearchHit, len(result.Hits))

	for i, hit := range result.Hits {
		source := make(map[string]interface{}, len(hit.Fields))
		for field, value := range hit.Fields {
			source[field] = value
		}

		hits[i] = SearchHit{
			ID:     hit.ID,
			Score:  hit.Score,
			Source: source,
		}

		if t, ok := source[TypeField].(string); ok {
			hits[i].Type = t
			delete(source, TypeField)
		}

		if len(hit.Fragments) > 0 {
			hits[i].Highlight = hit.Fragments
		}
	}

	searchResult := &SearchResult{
		Hits:     hits,
		Total:    int(result.Total),
		MaxScore: result.MaxScore,
	}

	if len(result.Facets) > 0 {
		searchResult.Facets = make(map[string]interface{})
		for name, facet := range result.Facets {
			buckets := make([]map[string]interface{}, 0)

			if facet.Terms != nil {
				for _, term := range facet.Terms.Terms() {
					buckets = append(buckets, map[string]interface{}{
						"key":   term.Term,
						"count": term.Count,
					})
				}
			}

			searchResult.Facets[name] = map[string]interface{}{
				"buckets": buckets,
			}
		}
	}

	return searchResult
}

func asMap(op string, v interface{}) (map[string]interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s query must be an object, got %T", op, v)
	}
	return m, nil
}

func asClauses(section string, v interface{}) ([]map[string]interface{}, error) {
	switch t := v.(type) {
	case []map[string]interface{}:
		return t, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			m, err := asMap(section, item)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]interface{}:
		return []map[string]interface{}{t}, nil
	}
	return nil, fmt.Errorf("compound %s must be a list of queries, got %T", section, v)
}

// asStrings accepts a single value or a list and stringifies each element
func asStrings(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	}
	return []string{fmt.Sprintf("%v", v)}
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
