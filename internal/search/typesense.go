package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
	"github.com/typesense/typesense-go/typesense/api/pointer"

	"github.com/davidschrooten/open-search-facade/config"
)

// TypesenseClient addresses Typesense collections as indexes
type TypesenseClient struct {
	client        *typesense.Client
	queryBy       string
	healthTimeout time.Duration
}

// NewTypesenseClient creates a Typesense backed Client
func NewTypesenseClient(cfg config.TypesenseConfig) *TypesenseClient {
	timeout := time.Duration(cfg.ConnectionTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(timeout),
	)

	queryBy := strings.Join(cfg.QueryBy, ",")
	if queryBy == "" {
		queryBy = "title,content"
	}

	return &TypesenseClient{client: client, queryBy: queryBy, healthTimeout: timeout}
}

// GetIndex resolves a collection by name. No request is made.
func (t *TypesenseClient) GetIndex(name string) (Index, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid index name %q", name)
	}
	return &typesenseIndex{name: name, owner: t}, nil
}

type typesenseIndex struct {
	name  string
	owner *TypesenseClient
}

func (ti *typesenseIndex) Name() string {
	return ti.name
}

func (ti *typesenseIndex) AddDocument(ctx context.Context, doc Document) (*WriteResponse, error) {
	_, err := ti.owner.client.Collection(ti.name).Documents().Upsert(ctx, typesenseDocument(doc))
	if err != nil {
		return nil, ti.wrapError("upsert", err)
	}
	return &WriteResponse{Index: ti.name, Indexed: 1}, nil
}

func (ti *typesenseIndex) AddDocuments(ctx context.Context, docs []Document) (*WriteResponse, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	payload := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, typesenseDocument(doc))
	}

	params := &api.ImportDocumentsParams{Action: pointer.String("upsert")}
	responses, err := ti.owner.client.Collection(ti.name).Documents().Import(ctx, payload, params)
	if err != nil {
		if isTransportError(err) {
			return nil, NewConnectionError("import", ti.name, err)
		}
		return nil, NewBulkError(ti.name, len(docs), nil, err)
	}

	var failures []BulkFailure
	for i, resp := range responses {
		if resp == nil || resp.Success {
			continue
		}
		id := ""
		if i < len(docs) {
			id = docs[i].ID
		}
		failures = append(failures, BulkFailure{ID: id, Reason: resp.Error})
	}
	if len(failures) > 0 {
		return nil, NewBulkError(ti.name, len(docs), failures, nil)
	}

	return &WriteResponse{Index: ti.name, Indexed: len(docs)}, nil
}

// Refresh verifies the node is healthy. Typesense makes imported documents
// searchable before Import returns.
func (ti *typesenseIndex) Refresh(ctx context.Context) error {
	healthy, err := ti.owner.client.Health(ctx, ti.owner.healthTimeout)
	if err != nil {
		return NewConnectionError("refresh", ti.name, err)
	}
	if !healthy {
		return NewConnectionError("refresh", ti.name, errors.New("typesense is unhealthy"))
	}
	return nil
}

func (ti *typesenseIndex) Search(ctx context.Context, q Query, from, size int) (*SearchResult, error) {
	if size <= 0 {
		size = 10
	}

	params, err := typesenseSearchParams(q, ti.owner.queryBy)
	if err != nil {
		return nil, fmt.Errorf("failed to convert query: %w", err)
	}

	if from < 0 {
		from = 0
	}
	params.Offset = pointer.Int(from)
	params.Limit = pointer.Int(size)

	result, err := ti.owner.client.Collection(ti.name).Documents().Search(ctx, params)
	if err != nil {
		return nil, ti.wrapError("search", err)
	}

	return convertTypesenseResult(result), nil
}

func (ti *typesenseIndex) wrapError(op string, err error) error {
	if isTransportError(err) {
		return NewConnectionError(op, ti.name, err)
	}
	return fmt.Errorf("typesense %s on %s failed: %w", op, ti.name, err)
}

func typesenseDocument(doc Document) map[string]interface{} {
	fields := doc.Fields()
	fields["id"] = doc.ID
	return fields
}

// isTransportError reports whether err came from the network rather than
// from a Typesense response. An open circuit breaker counts as unreachable.
func isTransportError(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// typesenseSearchParams translates a query clause into q / filter_by
func typesenseSearchParams(q Query, defaultQueryBy string) (*api.SearchCollectionParams, error) {
	text := "*"
	queryBy := defaultQueryBy
	var filters []string

	var walk func(clause map[string]interface{}) error
	walk = func(clause map[string]interface{}) error {
		for op, raw := range clause {
			switch op {
			case "match_all":
			case "text", "queryString":
				m, err := asMap(op, raw)
				if err != nil {
					return err
				}
				if s, ok := m["query"].(string); ok && s != "" {
					text = s
				}
				if paths := asStrings(m["path"]); len(paths) > 0 {
					queryBy = strings.Join(paths, ",")
				}
			case "term":
				m, err := asMap(op, raw)
				if err != nil {
					return err
				}
				path, _ := m["path"].(string)
				values := asStrings(m["value"])
				if path == "" || len(values) == 0 {
					return fmt.Errorf("term query requires 'path' and 'value'")
				}
				quoted := make([]string, len(values))
				for i, v := range values {
					quoted[i] = "`" + v + "`"
				}
				filters = append(filters, fmt.Sprintf("%s:=[%s]", path, strings.Join(quoted, ",")))
			case "compound":
				m, err := asMap(op, raw)
				if err != nil {
					return err
				}
				for _, section := range []string{"must", "filter"} {
					sub, ok := m[section]
					if !ok {
						continue
					}
					clauses, err := asClauses(section, sub)
					if err != nil {
						return err
					}
					for _, c := range clauses {
						if err := walk(c); err != nil {
							return err
						}
					}
				}
				if _, ok := m["should"]; ok {
					return fmt.Errorf("compound should is not supported by the typesense backend")
				}
				if _, ok := m["mustNot"]; ok {
					return fmt.Errorf("compound mustNot is not supported by the typesense backend")
				}
			default:
				return fmt.Errorf("unsupported query operator %q for the typesense backend", op)
			}
		}
		return nil
	}

	if err := walk(q.Clause); err != nil {
		return nil, err
	}

	params := &api.SearchCollectionParams{
		Q:       text,
		QueryBy: queryBy,
	}
	if len(filters) > 0 {
		params.FilterBy = pointer.String(strings.Join(filters, " && "))
	}
	if len(q.Facets) > 0 {
		fields := make([]string, 0, len(q.Facets))
		for _, f := range q.Facets {
			fields = append(fields, f.Field)
		}
		params.FacetBy = pointer.String(strings.Join(fields, ","))
	}
	if len(q.Highlight) > 0 {
		params.HighlightFields = pointer.String(strings.Join(q.Highlight, ","))
	}
	if sortBy := typesenseSortBy(q.Sort); sortBy != "" {
		params.SortBy = pointer.String(sortBy)
	}

	return params, nil
}

// typesenseSortBy turns "-field" / "field" sort keys into field:desc /
// field:asc. The relevance score is called _text_match by Typesense.
func typesenseSortBy(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		order := "asc"
		if strings.HasPrefix(key, "-") {
			order = "desc"
			key = strings.TrimPrefix(key, "-")
		}
		if key == "" {
			continue
		}
		if key == "_score" {
			key = "_text_match"
		}
		parts = append(parts, key+":"+order)
	}
	return strings.Join(parts, ",")
}

func convertTypesenseResult(result *api.SearchResult) *SearchResult {
	out := &SearchResult{Hits: []SearchHit{}}
	if result == nil {
		return out
	}

	if result.Found != nil {
		out.Total = *result.Found
	}

	if result.Hits == nil {
		return out
	}

	for _, hit := range *result.Hits {
		sh := SearchHit{Source: map[string]interface{}{}}
		if hit.Document != nil {
			for k, v := range *hit.Document {
				sh.Source[k] = v
			}
		}
		if id, ok := sh.Source["id"].(string); ok {
			sh.ID = id
			delete(sh.Source, "id")
		}
		if t, ok := sh.Source[TypeField].(string); ok {
			sh.Type = t
			delete(sh.Source, TypeField)
		}
		if hit.TextMatch != nil {
			sh.Score = float64(*hit.TextMatch)
			if sh.Score > out.MaxScore {
				out.MaxScore = sh.Score
			}
		}
		out.Hits = append(out.Hits, sh)
	}

	return out
}
