package searchservice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/davidschrooten/open-search-facade/internal/search"
)

const (
	// DefaultResultKind is the result set used for empty or unknown kinds
	DefaultResultKind = "list"
	// PaginatedResultKind adds page arithmetic on top of the default list
	PaginatedResultKind = "paginated"

	// DefaultListLimit is the window size a ResultList starts with
	DefaultListLimit = 10
)

// ResultSet is a lazy, windowed view over the hits of one query
type ResultSet interface {
	// Limit sets the window and returns the set for chaining.
	// A non-positive limit keeps the current one; a negative offset means 0.
	Limit(limit, offset int) ResultSet
	Offset() int
	PageLimit() int
	Query() search.Query
	// Results executes the query on first use and caches the page
	Results(ctx context.Context) (*search.SearchResult, error)
}

// ResultFactory builds a result set bound to an index and a query
type ResultFactory func(index search.Index, q search.Query, logger *slog.Logger) ResultSet

// ResultList is the default ResultSet
type ResultList struct {
	index  search.Index
	query  search.Query
	logger *slog.Logger

	mu     sync.Mutex
	offset int
	limit  int
	page   *search.SearchResult
}

// NewResultList creates a list with the default window
func NewResultList(index search.Index, q search.Query, logger *slog.Logger) ResultSet {
	return newResultList(index, q, logger)
}

func newResultList(index search.Index, q search.Query, logger *slog.Logger) *ResultList {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultList{
		index:  index,
		query:  q,
		logger: logger,
		limit:  DefaultListLimit,
	}
}

// Limit sets the window and drops any cached page
func (l *ResultList) Limit(limit, offset int) ResultSet {
	l.setWindow(limit, offset)
	return l
}

func (l *ResultList) setWindow(limit, offset int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit > 0 {
		l.limit = limit
	}
	if offset < 0 {
		offset = 0
	}
	l.offset = offset
	l.page = nil
}

// Offset returns the index of the first hit in the window
func (l *ResultList) Offset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// PageLimit returns the window size
func (l *ResultList) PageLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Query returns the bound query
func (l *ResultList) Query() search.Query {
	return l.query
}

// Results runs the query against the bound index
func (l *ResultList) Results(ctx context.Context) (*search.SearchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.page != nil {
		return l.page, nil
	}

	page, err := l.index.Search(ctx, l.query, l.offset, l.limit)
	if err != nil {
		l.logger.Error("search failed", "index", l.index.Name(), "offset", l.offset, "limit", l.limit, "error", err)
		return nil, err
	}

	l.page = page
	return page, nil
}

// PaginatedList is a ResultList that also reports page numbers
type PaginatedList struct {
	*ResultList
}

// NewPaginatedList creates a paginated list with the default window
func NewPaginatedList(index search.Index, q search.Query, logger *slog.Logger) ResultSet {
	return &PaginatedList{ResultList: newResultList(index, q, logger)}
}

// Limit sets the window and returns the paginated list
func (p *PaginatedList) Limit(limit, offset int) ResultSet {
	p.setWindow(limit, offset)
	return p
}

// CurrentPage returns the 1-based page the window starts on
func (p *PaginatedList) CurrentPage() int {
	return p.Offset()/p.PageLimit() + 1
}

// TotalPages executes the query if needed and returns the page count
func (p *PaginatedList) TotalPages(ctx context.Context) (int, error) {
	page, err := p.Results(ctx)
	if err != nil {
		return 0, err
	}

	limit := p.PageLimit()
	return (page.Total + limit - 1) / limit, nil
}
