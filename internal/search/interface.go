package search

import (
	"context"
)

// TypeField is the body field carrying a document's type tag
const TypeField = "_type"

// Client resolves backend indexes by name.
// Implementations must not cache a default index name; callers always pass
// the name they want to address.
type Client interface {
	GetIndex(name string) (Index, error)
}

// Index defines the write, refresh and search operations on one backend index
type Index interface {
	Name() string

	// Document operations
	AddDocument(ctx context.Context, doc Document) (*WriteResponse, error)
	AddDocuments(ctx context.Context, docs []Document) (*WriteResponse, error) // Bulk indexing

	// Refresh makes previous writes visible to subsequent searches
	Refresh(ctx context.Context) error

	// Search operations
	Search(ctx context.Context, q Query, from, size int) (*SearchResult, error)
}

// Document is a backend-ready payload tagged with its content type
type Document struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Body map[string]interface{} `json:"body"`
}

// Fields returns the body with the type tag applied
func (d Document) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(d.Body)+1)
	for k, v := range d.Body {
		fields[k] = v
	}
	if d.Type != "" {
		fields[TypeField] = d.Type
	}
	return fields
}

// WriteResponse acknowledges a single or bulk write
type WriteResponse struct {
	Index   string `json:"index"`
	Indexed int    `json:"indexed"`
}

// Query is the backend-native query representation shared by all backends.
// Clause uses the Atlas Search style operators: compound, text, term,
// wildcard, queryString and match_all.
type Query struct {
	Clause    map[string]interface{}  `json:"query"`
	Sort      []string                `json:"sort,omitempty"`
	Highlight []string                `json:"highlight,omitempty"`
	Facets    map[string]FacetRequest `json:"facets,omitempty"`
}

// ToQuery lets a raw query be used wherever a query builder is accepted
func (q Query) ToQuery() Query {
	return q
}

// MatchAll returns a query matching every document
func MatchAll() Query {
	return Query{Clause: map[string]interface{}{"match_all": map[string]interface{}{}}}
}

// FacetRequest represents a facet aggregation request
type FacetRequest struct {
	Field string `json:"field"`
	Size  int    `json:"size,omitempty"`
}

// SearchResult represents one page of search results
type SearchResult struct {
	Hits     []SearchHit            `json:"hits"`
	Total    int                    `json:"total"`
	Facets   map[string]interface{} `json:"facets,omitempty"`
	MaxScore float64                `json:"maxScore"`
}

// SearchHit represents a single search result
type SearchHit struct {
	ID        string                 `json:"_id"`
	Type      string                 `json:"_type,omitempty"`
	Score     float64                `json:"score"`
	Source    map[string]interface{} `json:"source"`
	Highlight map[string][]string    `json:"highlight,omitempty"`
}
