package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/typesense/typesense-go/typesense/api"

	"github.com/davidschrooten/open-search-facade/config"
)

func TestTypesenseSearchParams(t *testing.T) {
	q := Query{
		Clause: map[string]interface{}{
			"compound": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"text": map[string]interface{}{"query": "hello", "path": []interface{}{"title", "body"}}},
				},
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"path": TypeField, "value": []string{"Page", "Article"}}},
				},
			},
		},
		Facets:    map[string]FacetRequest{"types": {Field: TypeField}},
		Highlight: []string{"title"},
	}

	params, err := typesenseSearchParams(q, "title")
	if err != nil {
		t.Fatalf("Failed to build params: %v", err)
	}
	if params.Q != "hello" {
		t.Errorf("Expected q 'hello', got '%s'", params.Q)
	}
	if params.QueryBy != "title,body" {
		t.Errorf("Expected query_by 'title,body', got '%s'", params.QueryBy)
	}
	if params.FilterBy == nil || *params.FilterBy != "_type:=[`Page`,`Article`]" {
		t.Errorf("Unexpected filter_by: %v", params.FilterBy)
	}
	if params.FacetBy == nil || *params.FacetBy != TypeField {
		t.Errorf("Unexpected facet_by: %v", params.FacetBy)
	}
	if params.HighlightFields == nil || *params.HighlightFields != "title" {
		t.Errorf("Unexpected highlight_fields: %v", params.HighlightFields)
	}
}

func TestTypesenseSearchParams_MatchAll(t *testing.T) {
	params, err := typesenseSearchParams(MatchAll(), "title")
	if err != nil {
		t.Fatalf("Failed to build params: %v", err)
	}
	if params.Q != "*" || params.QueryBy != "title" {
		t.Errorf("Expected wildcard query on default fields, got q=%s query_by=%s", params.Q, params.QueryBy)
	}
	if params.FilterBy != nil {
		t.Errorf("Expected no filter, got %s", *params.FilterBy)
	}
}

func TestTypesenseSearchParams_Unsupported(t *testing.T) {
	for _, clause := range []map[string]interface{}{
		{"wildcard": map[string]interface{}{"value": "a*", "path": "title"}},
		{"compound": map[string]interface{}{"mustNot": []interface{}{}}},
		{"term": map[string]interface{}{"value": "x"}},
	} {
		if _, err := typesenseSearchParams(Query{Clause: clause}, "title"); err == nil {
			t.Errorf("Expected error for clause %v", clause)
		}
	}
}

func TestConvertTypesenseResult(t *testing.T) {
	found := 2
	match := int64(578730123365187705)
	doc := map[string]interface{}{"id": "p1", TypeField: "Page", "title": "Hello"}
	hits := []api.SearchResultHit{{Document: &doc, TextMatch: &match}}

	result := convertTypesenseResult(&api.SearchResult{Found: &found, Hits: &hits})

	if result.Total != 2 {
		t.Errorf("Expected total 2, got %d", result.Total)
	}
	if len(result.Hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(result.Hits))
	}
	hit := result.Hits[0]
	if hit.ID != "p1" || hit.Type != "Page" {
		t.Errorf("Expected p1/Page, got %s/%s", hit.ID, hit.Type)
	}
	if _, ok := hit.Source["id"]; ok {
		t.Error("Expected id to be lifted out of the source")
	}
	if result.MaxScore != float64(match) {
		t.Errorf("Expected max score %f, got %f", float64(match), result.MaxScore)
	}

	if empty := convertTypesenseResult(nil); len(empty.Hits) != 0 {
		t.Error("Expected no hits for nil result")
	}
}

func TestIsTransportError(t *testing.T) {
	urlErr := &url.Error{Op: "Post", URL: "http://localhost:8108", Err: errors.New("connection refused")}
	if !isTransportError(fmt.Errorf("wrapped: %w", urlErr)) {
		t.Error("Expected url.Error to be a transport error")
	}
	if isTransportError(errors.New("status: 409 document already exists")) {
		t.Error("Expected plain error not to be a transport error")
	}
}

func TestTypesenseClient_GetIndex(t *testing.T) {
	client := NewTypesenseClient(config.TypesenseConfig{URL: "http://localhost:8108", APIKey: "xyz"})

	idx, err := client.GetIndex("articles")
	if err != nil {
		t.Fatalf("Failed to resolve index: %v", err)
	}
	if idx.Name() != "articles" {
		t.Errorf("Expected index 'articles', got '%s'", idx.Name())
	}
	if client.queryBy != "title,content" {
		t.Errorf("Expected default query_by 'title,content', got '%s'", client.queryBy)
	}
	if _, err := client.GetIndex(""); err == nil {
		t.Error("Expected error for empty index name")
	}
}

func TestTypesenseSearchParams_EscapesFilterValues(t *testing.T) {
	q := Query{Clause: map[string]interface{}{
		"term": map[string]interface{}{"path": "tags", "value": []string{"a,b", "c]"}},
	}}

	params, err := typesenseSearchParams(q, "title")
	if err != nil {
		t.Fatalf("Failed to build params: %v", err)
	}
	expected := "tags:=[`a,b`,`c]`]"
	if params.FilterBy == nil || *params.FilterBy != expected {
		t.Errorf("Expected filter_by %s, got %v", expected, params.FilterBy)
	}
}

func TestTypesenseSortBy(t *testing.T) {
	tests := []struct {
		keys     []string
		expected string
	}{
		{nil, ""},
		{[]string{"title"}, "title:asc"},
		{[]string{"-created", "title"}, "created:desc,title:asc"},
		{[]string{"-_score"}, "_text_match:desc"},
		{[]string{"-", ""}, ""},
	}

	for _, tt := range tests {
		if got := typesenseSortBy(tt.keys); got != tt.expected {
			t.Errorf("Expected sort_by %q for %v, got %q", tt.expected, tt.keys, got)
		}
	}
}

func TestIsTransportError_OpenCircuit(t *testing.T) {
	if !isTransportError(gobreaker.ErrOpenState) {
		t.Error("Expected an open circuit breaker to be a transport error")
	}
}

// fakeTypesense serves the handful of Typesense endpoints the backend uses
// and records every request it receives
type fakeTypesense struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string

	importStatus int
	importBody   string
	healthy      bool
}

func (f *fakeTypesense) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))
	healthy := f.healthy
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":%t}`, healthy)
	case strings.HasSuffix(r.URL.Path, "/documents/import"):
		status := f.importStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		io.WriteString(w, f.importBody)
	case strings.HasSuffix(r.URL.Path, "/documents/search"):
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"found":15,"hits":[{"document":{"id":"a6","_type":"Page","title":"Sixth"},"text_match":100}]}`)
	case strings.HasSuffix(r.URL.Path, "/documents"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, string(body))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTypesense) last() (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil, ""
	}
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func newTypesenseTestIndex(t *testing.T, handler http.Handler, name string) Index {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewTypesenseClient(config.TypesenseConfig{URL: server.URL, APIKey: "xyz", ConnectionTimeout: 2})
	idx, err := client.GetIndex(name)
	if err != nil {
		t.Fatalf("Failed to resolve index: %v", err)
	}
	return idx
}

func unreachableTypesenseIndex(t *testing.T) Index {
	t.Helper()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := NewTypesenseClient(config.TypesenseConfig{URL: addr, APIKey: "xyz", ConnectionTimeout: 1})
	idx, _ := client.GetIndex("articles")
	return idx
}

func TestTypesenseIndex_SearchWindowAndSort(t *testing.T) {
	fake := &fakeTypesense{}
	idx := newTypesenseTestIndex(t, fake, "articles")

	q := MatchAll()
	q.Sort = []string{"-created"}

	result, err := idx.Search(context.Background(), q, 5, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	req, _ := fake.last()
	if req.URL.Path != "/collections/articles/documents/search" {
		t.Errorf("Unexpected search path %s", req.URL.Path)
	}
	params := req.URL.Query()
	if params.Get("offset") != "5" {
		t.Errorf("Expected offset 5, got '%s'", params.Get("offset"))
	}
	if params.Get("limit") != "10" {
		t.Errorf("Expected limit 10, got '%s'", params.Get("limit"))
	}
	if params.Get("sort_by") != "created:desc" {
		t.Errorf("Expected sort_by created:desc, got '%s'", params.Get("sort_by"))
	}
	if params.Has("page") || params.Has("per_page") {
		t.Errorf("Expected no page/per_page parameters, got %s", req.URL.RawQuery)
	}

	if result.Total != 15 || len(result.Hits) != 1 || result.Hits[0].ID != "a6" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestTypesenseIndex_AddDocument(t *testing.T) {
	fake := &fakeTypesense{}
	idx := newTypesenseTestIndex(t, fake, "articles")

	doc := Document{ID: "a1", Type: "Article", Body: map[string]interface{}{"title": "Hello"}}
	resp, err := idx.AddDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("AddDocument failed: %v", err)
	}
	if resp.Indexed != 1 || resp.Index != "articles" {
		t.Errorf("Unexpected response: %+v", resp)
	}

	req, body := fake.last()
	if req.URL.Query().Get("action") != "upsert" {
		t.Errorf("Expected upsert action, got '%s'", req.URL.Query().Get("action"))
	}
	if !strings.Contains(body, `"id":"a1"`) {
		t.Errorf("Expected document id in body, got %s", body)
	}
}

func TestTypesenseIndex_AddDocumentsPartialFailure(t *testing.T) {
	fake := &fakeTypesense{importBody: "{\"success\":true}\n{\"success\":false,\"error\":\"Field title must be a string\"}\n"}
	idx := newTypesenseTestIndex(t, fake, "articles")

	docs := []Document{
		{ID: "a1", Type: "Article", Body: map[string]interface{}{"title": "One"}},
		{ID: "a2", Type: "Article", Body: map[string]interface{}{"title": 2}},
	}
	_, err := idx.AddDocuments(context.Background(), docs)

	var bulkErr *BulkError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("Expected BulkError, got %v", err)
	}
	if Classify(err) != FaultBulk {
		t.Errorf("Expected bulk fault, got %s", Classify(err))
	}
	if len(bulkErr.Failures) != 1 || bulkErr.Failures[0].ID != "a2" {
		t.Errorf("Expected a2 to be the only failure, got %+v", bulkErr.Failures)
	}
	if bulkErr.Total != 2 {
		t.Errorf("Expected total 2, got %d", bulkErr.Total)
	}

	req, body := fake.last()
	if req.URL.Query().Get("action") != "upsert" {
		t.Errorf("Expected upsert action, got '%s'", req.URL.Query().Get("action"))
	}
	if lines := strings.Count(strings.TrimSpace(body), "\n") + 1; lines != 2 {
		t.Errorf("Expected 2 JSONL lines, got %d", lines)
	}
}

func TestTypesenseIndex_AddDocumentsRejected(t *testing.T) {
	fake := &fakeTypesense{importStatus: http.StatusNotFound, importBody: `{"message":"Collection not found"}`}
	idx := newTypesenseTestIndex(t, fake, "missing")

	_, err := idx.AddDocuments(context.Background(), []Document{{ID: "a1", Type: "Article"}})
	if Classify(err) != FaultBulk {
		t.Errorf("Expected bulk fault for a rejected import, got %v", err)
	}
}

func TestTypesenseIndex_AddDocumentsSuccess(t *testing.T) {
	fake := &fakeTypesense{importBody: "{\"success\":true}\n{\"success\":true}\n"}
	idx := newTypesenseTestIndex(t, fake, "articles")

	resp, err := idx.AddDocuments(context.Background(), []Document{{ID: "a1"}, {ID: "a2"}})
	if err != nil {
		t.Fatalf("AddDocuments failed: %v", err)
	}
	if resp.Indexed != 2 {
		t.Errorf("Expected 2 documents indexed, got %d", resp.Indexed)
	}

	if _, err := idx.AddDocuments(context.Background(), nil); !errors.Is(err, ErrNoDocuments) {
		t.Errorf("Expected ErrNoDocuments, got %v", err)
	}
}

func TestTypesenseIndex_Unreachable(t *testing.T) {
	idx := unreachableTypesenseIndex(t)
	ctx := context.Background()

	_, err := idx.AddDocuments(ctx, []Document{{ID: "a1", Type: "Article"}})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectionError from import, got %v", err)
	}
	if connErr.Op != "import" || connErr.Index != "articles" {
		t.Errorf("Unexpected connection error: %+v", connErr)
	}

	if _, err := idx.AddDocument(ctx, Document{ID: "a1"}); Classify(err) != FaultConnection {
		t.Errorf("Expected connection fault from upsert, got %v", err)
	}
	if err := idx.Refresh(ctx); Classify(err) != FaultConnection {
		t.Errorf("Expected connection fault from refresh, got %v", err)
	}
	if _, err := idx.Search(ctx, MatchAll(), 0, 10); Classify(err) != FaultConnection {
		t.Errorf("Expected connection fault from search, got %v", err)
	}
}

func TestTypesenseIndex_Refresh(t *testing.T) {
	fake := &fakeTypesense{healthy: true}
	idx := newTypesenseTestIndex(t, fake, "articles")

	if err := idx.Refresh(context.Background()); err != nil {
		t.Errorf("Expected healthy node to refresh, got %v", err)
	}

	fake.mu.Lock()
	fake.healthy = false
	fake.mu.Unlock()
	if err := idx.Refresh(context.Background()); Classify(err) != FaultConnection {
		t.Errorf("Expected connection fault for an unhealthy node, got %v", err)
	}
}
