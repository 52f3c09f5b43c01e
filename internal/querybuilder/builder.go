// Package querybuilder holds the query builder strategies and the registry
// that selects one by name.
package querybuilder

import (
	"sort"

	"github.com/davidschrooten/open-search-facade/internal/search"
)

// Builder translates builder-specific input into a backend-native query
type Builder interface {
	ToQuery() search.Query
}

// Parameterized is a Builder that can be populated from generic Params
type Parameterized interface {
	Builder
	SetParams(p Params)
}

// Params is the generic builder input accepted by the HTTP API
type Params struct {
	Keywords  string                         `json:"keywords"`
	Fields    []string                       `json:"fields,omitempty"`
	Filters   map[string][]string            `json:"filters,omitempty"`
	Types     []string                       `json:"types,omitempty"`
	Sort      []string                       `json:"sort,omitempty"`
	Highlight []string                       `json:"highlight,omitempty"`
	Facets    map[string]search.FacetRequest `json:"facets,omitempty"`
}

// DefaultBuilder matches keywords across fields and applies term filters
type DefaultBuilder struct {
	params Params
}

// NewDefaultBuilder creates an empty DefaultBuilder
func NewDefaultBuilder() Builder {
	return &DefaultBuilder{}
}

// SetParams replaces every builder input
func (b *DefaultBuilder) SetParams(p Params) {
	b.params = p
}

// SetKeywords sets the free-text part of the query
func (b *DefaultBuilder) SetKeywords(keywords string) *DefaultBuilder {
	b.params.Keywords = keywords
	return b
}

// SetFields restricts keyword matching to the given fields
func (b *DefaultBuilder) SetFields(fields ...string) *DefaultBuilder {
	b.params.Fields = fields
	return b
}

// AddFilter requires field to equal one of values
func (b *DefaultBuilder) AddFilter(field string, values ...string) *DefaultBuilder {
	if b.params.Filters == nil {
		b.params.Filters = make(map[string][]string)
	}
	b.params.Filters[field] = append(b.params.Filters[field], values...)
	return b
}

// SetTypes restricts results to the given content types
func (b *DefaultBuilder) SetTypes(types ...string) *DefaultBuilder {
	b.params.Types = types
	return b
}

// SortBy sets the sort order; prefix a field with "-" for descending
func (b *DefaultBuilder) SortBy(fields ...string) *DefaultBuilder {
	b.params.Sort = fields
	return b
}

// ToQuery builds the query clause
func (b *DefaultBuilder) ToQuery() search.Query {
	var must []interface{}
	if b.params.Keywords != "" {
		text := map[string]interface{}{"query": b.params.Keywords}
		if len(b.params.Fields) > 0 {
			text["path"] = append([]string(nil), b.params.Fields...)
		}
		must = append(must, map[string]interface{}{"text": text})
	}

	return b.params.query(must)
}

// QueryStringBuilder passes keywords through as a query string, so callers
// can use operators such as +title:foo or -body:bar
type QueryStringBuilder struct {
	params Params
}

// NewQueryStringBuilder creates an empty QueryStringBuilder
func NewQueryStringBuilder() Builder {
	return &QueryStringBuilder{}
}

// SetParams replaces every builder input
func (b *QueryStringBuilder) SetParams(p Params) {
	b.params = p
}

// ToQuery builds the query clause
func (b *QueryStringBuilder) ToQuery() search.Query {
	var must []interface{}
	if b.params.Keywords != "" {
		must = append(must, map[string]interface{}{
			"queryString": map[string]interface{}{"query": b.params.Keywords},
		})
	}

	return b.params.query(must)
}

// query combines must clauses with the filter, sort, highlight and facet params
func (p Params) query(must []interface{}) search.Query {
	var filter []interface{}

	fields := make([]string, 0, len(p.Filters))
	for field := range p.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		values := p.Filters[field]
		if len(values) == 0 {
			continue
		}
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"path": field, "value": append([]string(nil), values...)},
		})
	}

	if len(p.Types) > 0 {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"path": search.TypeField, "value": append([]string(nil), p.Types...)},
		})
	}

	q := search.Query{
		Sort:      p.Sort,
		Highlight: p.Highlight,
		Facets:    p.Facets,
	}

	switch {
	case len(must) == 0 && len(filter) == 0:
		q.Clause = search.MatchAll().Clause
	case len(must) == 1 && len(filter) == 0:
		q.Clause = must[0].(map[string]interface{})
	default:
		compound := map[string]interface{}{}
		if len(must) > 0 {
			compound["must"] = must
		} else {
			compound["must"] = []interface{}{search.MatchAll().Clause}
		}
		if len(filter) > 0 {
			compound["filter"] = filter
		}
		q.Clause = map[string]interface{}{"compound": compound}
	}

	return q
}
