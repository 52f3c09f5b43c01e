package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/davidschrooten/open-search-facade/config"
	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/querybuilder"
	"github.com/davidschrooten/open-search-facade/internal/search"
	"github.com/davidschrooten/open-search-facade/internal/searchservice"
	syncstate "github.com/davidschrooten/open-search-facade/internal/sync"
)

var testTypes = []config.ContentTypeConfig{
	{Name: "SiteTree", Capabilities: []string{"searchable"}},
	{Name: "Page", Parent: "SiteTree"},
	{Name: "File"},
}

// faultyClient wraps a client and fails grouped writes with err
type faultyClient struct {
	search.Client
	err error
}

func (c faultyClient) GetIndex(name string) (search.Index, error) {
	idx, err := c.Client.GetIndex(name)
	if err != nil {
		return nil, err
	}
	return faultyIndex{Index: idx, err: c.err}, nil
}

type faultyIndex struct {
	search.Index
	err error
}

func (i faultyIndex) AddDocuments(ctx context.Context, docs []search.Document) (*search.WriteResponse, error) {
	return nil, i.err
}

type staticSyncer map[string]syncstate.SourceState

func (s staticSyncer) States() map[string]syncstate.SourceState { return s }

func newTestServer(t *testing.T, wrap func(search.Client) search.Client) (*Server, *search.Engine) {
	t.Helper()

	cfg := &config.Config{
		Search:       config.SearchConfig{IndexName: "content", DefaultLimit: 20},
		ContentTypes: testTypes,
	}

	engine, err := search.NewEngine(cfg.Search, cfg.ContentTypes)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	registry, err := content.NewRegistryFromConfig(cfg.ContentTypes)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	var client search.Client = engine
	if wrap != nil {
		client = wrap(engine)
	}

	facade, err := searchservice.New(client, cfg.Search.IndexName, searchservice.WithTypeDiscovery(registry))
	if err != nil {
		t.Fatalf("Failed to create search service: %v", err)
	}
	facade.RegisterQueryBuilder("querystring", querybuilder.NewQueryStringBuilder)

	return NewServer(facade, engine, nil, cfg, nil), engine
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func bulkBody() map[string]interface{} {
	return map[string]interface{}{
		"documents": []map[string]interface{}{
			{"type": "Page", "id": "p1", "fields": map[string]interface{}{"title": "Getting started with search"}},
			{"type": "Page", "id": "p2", "fields": map[string]interface{}{"title": "Pricing"}},
			{"type": "File", "id": "f1", "fields": map[string]interface{}{"title": "logo.png"}},
		},
	}
}

func TestServer_handleHealth(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if response := decode(t, w); response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", response["status"])
	}
}

func TestServer_handleReady(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server.Router(), "GET", "/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
}

func TestServer_handleReady_NotInitialized(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	server.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status code %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestServer_BulkThenSearch(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()

	w := doRequest(t, router, "POST", "/documents/bulk", bulkBody())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	bulk := decode(t, w)
	if bulk["indexed"] != float64(2) {
		t.Errorf("Expected 2 indexed documents, got %v", bulk["indexed"])
	}
	if rejected, _ := bulk["rejected"].([]interface{}); len(rejected) != 1 || rejected[0] != "f1" {
		t.Errorf("Expected f1 to be rejected, got %v", bulk["rejected"])
	}

	w = doRequest(t, router, "POST", "/search", map[string]interface{}{
		"params": map[string]interface{}{"keywords": "search", "types": []string{"Page"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	result := decode(t, w)
	if result["total"] != float64(1) {
		t.Errorf("Expected 1 hit, got %v", result["total"])
	}
	if result["limit"] != float64(20) {
		t.Errorf("Expected default limit 20, got %v", result["limit"])
	}
	hits := result["hits"].([]interface{})
	if hit := hits[0].(map[string]interface{}); hit["_id"] != "p1" {
		t.Errorf("Expected hit p1, got %v", hit["_id"])
	}
}

func TestServer_SearchPagination(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()
	doRequest(t, router, "POST", "/documents/bulk", bulkBody())

	w := doRequest(t, router, "POST", "/search", map[string]interface{}{
		"builder": "unknown-builder",
		"from":    1,
		"size":    1,
		"kind":    searchservice.PaginatedResultKind,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}

	result := decode(t, w)
	if result["offset"] != float64(1) || result["limit"] != float64(1) {
		t.Errorf("Expected offset 1 limit 1, got %v %v", result["offset"], result["limit"])
	}
	if result["page"] != float64(2) || result["totalPages"] != float64(2) {
		t.Errorf("Expected page 2 of 2, got %v of %v", result["page"], result["totalPages"])
	}
	if hits := result["hits"].([]interface{}); len(hits) != 1 {
		t.Errorf("Expected 1 hit on the page, got %d", len(hits))
	}
}

func TestServer_SearchWithQueryStringBuilder(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()
	doRequest(t, router, "POST", "/documents/bulk", bulkBody())

	w := doRequest(t, router, "POST", "/search", map[string]interface{}{
		"builder": "querystring",
		"params":  map[string]interface{}{"keywords": "title:pricing"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if result := decode(t, w); result["total"] != float64(1) {
		t.Errorf("Expected 1 hit, got %v", result["total"])
	}
}

func TestServer_SearchInvalidPayload(t *testing.T) {
	server, _ := newTestServer(t, nil)

	req := httptest.NewRequest("POST", "/search", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status code %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestServer_IndexDocument(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()

	w := doRequest(t, router, "POST", "/documents", map[string]interface{}{
		"type": "Page", "fields": map[string]interface{}{"title": "Hello"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status code %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/documents", map[string]interface{}{"type": "File", "id": "f1"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status code %d for unsearchable type, got %d", http.StatusUnprocessableEntity, w.Code)
	}
}

func TestServer_BulkFaultReturned(t *testing.T) {
	bulkErr := search.NewBulkError("content", 2, []search.BulkFailure{{ID: "p2", Reason: "rejected"}}, nil)
	server, _ := newTestServer(t, func(c search.Client) search.Client {
		return faultyClient{Client: c, err: bulkErr}
	})

	w := doRequest(t, server.Router(), "POST", "/documents/bulk", bulkBody())
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status code %d, got %d", http.StatusUnprocessableEntity, w.Code)
	}
	body := decode(t, w)
	if failed, _ := body["failed"].([]interface{}); len(failed) != 1 || failed[0] != "p2" {
		t.Errorf("Expected failed [p2], got %v", body["failed"])
	}
	if server.facade.Buffering() || server.facade.BufferedCount() != 0 {
		t.Error("Expected bulk buffer to be cleared")
	}
}

func TestServer_ConnectionFaultAndReset(t *testing.T) {
	connErr := search.NewConnectionError("bulk", "content", errors.New("connection refused"))
	server, _ := newTestServer(t, func(c search.Client) search.Client {
		return faultyClient{Client: c, err: connErr}
	})
	router := server.Router()

	w := doRequest(t, router, "POST", "/documents/bulk", bulkBody())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status code %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	w = doRequest(t, router, "GET", "/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected not ready after a connection fault, got %d", w.Code)
	}

	w = doRequest(t, router, "POST", "/connection/reset", nil)
	if body := decode(t, w); body["connected"] != true {
		t.Errorf("Expected connected after reset, got %v", body["connected"])
	}
}

func TestServer_IndexHandle(t *testing.T) {
	server, engine := newTestServer(t, nil)
	router := server.Router()

	w := doRequest(t, router, "PUT", "/index", map[string]string{"index": "content_v2"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}

	w = doRequest(t, router, "GET", "/index", nil)
	if body := decode(t, w); body["index"] != "content_v2" {
		t.Errorf("Expected index content_v2, got %v", body["index"])
	}

	doRequest(t, router, "POST", "/documents/bulk", bulkBody())
	idx, err := engine.GetIndex("content_v2")
	if err != nil {
		t.Fatalf("Failed to get index: %v", err)
	}
	result, err := idx.Search(context.Background(), search.MatchAll(), 0, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if result.Total != 2 {
		t.Errorf("Expected 2 documents in content_v2, got %d", result.Total)
	}

	w = doRequest(t, router, "PUT", "/index", map[string]string{"index": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status code %d for empty index, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestServer_BuildersAndTypes(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()

	builders := decode(t, doRequest(t, router, "GET", "/builders", nil))
	names := builders["builders"].([]interface{})
	if len(names) != 2 || names[0] != "default" || names[1] != "querystring" {
		t.Errorf("Expected [default querystring], got %v", names)
	}

	types := decode(t, doRequest(t, router, "GET", "/types", nil))
	list := types["types"].([]interface{})
	if len(list) != 2 || list[0] != "Page" || list[1] != "SiteTree" {
		t.Errorf("Expected [Page SiteTree], got %v", list)
	}
}

func TestServer_handleListIndexes(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()
	doRequest(t, router, "POST", "/documents/bulk", bulkBody())

	w := doRequest(t, router, "GET", "/indexes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if body := decode(t, w); body["total"] != float64(1) {
		t.Errorf("Expected 1 index, got %v", body["total"])
	}

	server.lister = nil
	w = doRequest(t, router, "GET", "/indexes", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status code %d without a lister, got %d", http.StatusNotImplemented, w.Code)
	}
}

func TestServer_handleRemoveIndex(t *testing.T) {
	server, engine := newTestServer(t, nil)
	router := server.Router()

	doRequest(t, router, "PUT", "/index", map[string]string{"index": "content_v2"})
	doRequest(t, router, "POST", "/documents/bulk", bulkBody())
	doRequest(t, router, "PUT", "/index", map[string]string{"index": "content"})
	doRequest(t, router, "POST", "/documents/bulk", bulkBody())

	w := doRequest(t, router, "DELETE", "/indexes/content", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status code %d for the active index, got %d", http.StatusConflict, w.Code)
	}

	w = doRequest(t, router, "DELETE", "/indexes/content_v2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	indexes, err := engine.ListIndexes()
	if err != nil {
		t.Fatalf("Failed to list indexes: %v", err)
	}
	if len(indexes) != 1 || indexes[0].Name != "content" {
		t.Errorf("Expected only the active index to remain, got %v", indexes)
	}

	w = doRequest(t, router, "DELETE", "/indexes/content_v2", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status code %d for a removed index, got %d", http.StatusNotFound, w.Code)
	}

	server.lister = nil
	w = doRequest(t, router, "DELETE", "/indexes/content_v2", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status code %d without a remover, got %d", http.StatusNotImplemented, w.Code)
	}
}

func TestServer_handleSyncStatus(t *testing.T) {
	server, _ := newTestServer(t, nil)
	router := server.Router()

	w := doRequest(t, router, "GET", "/sync", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status code %d when sync is disabled, got %d", http.StatusNotFound, w.Code)
	}

	server.syncer = staticSyncer{"cms.pages": {SourceKey: "cms.pages", Status: syncstate.StatusIdle, DocumentsIndexed: 3}}
	w = doRequest(t, router, "GET", "/sync", nil)
	body := decode(t, w)
	sources := body["sources"].(map[string]interface{})
	if _, ok := sources["cms.pages"]; !ok {
		t.Errorf("Expected cms.pages in sync status, got %v", sources)
	}
}

func TestServer_CORS(t *testing.T) {
	server, _ := newTestServer(t, nil)
	server.config.Server.CORSOrigins = []string{"https://example.com"}

	req := httptest.NewRequest("OPTIONS", "/search", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Expected CORS origin header, got '%s'", got)
	}
}
