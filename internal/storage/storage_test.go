package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

func TestConnect_Success(t *testing.T) {
	f := newFakeCluster(t)

	c, err := Connect(context.Background(), config.OpenSearchConfig{URL: f.URL, Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotNil(t, c.OpenSearch())
}

func TestConnect_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "Internal server error"}`))
	}))
	defer srv.Close()

	c, err := Connect(context.Background(), config.OpenSearchConfig{URL: srv.URL})
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestConnect_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := Connect(context.Background(), config.OpenSearchConfig{URL: url})
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestSearcher_RequestShape(t *testing.T) {
	f := newFakeCluster(t)
	var got map[string]interface{}
	f.search = func(body map[string]interface{}) (int, string) {
		got = body
		return http.StatusOK, `{
			"took": 3,
			"hits": {
				"total": {"value": 42},
				"hits": [
					{"_id": "a", "_index": "auditbeat-1", "_source": {"@timestamp": "2020-01-28T15:58:34Z", "count": 1}, "sort": [1580227114000, "a"]},
					{"_id": "b", "_index": "auditbeat-1", "_source": {"@timestamp": "2020-01-28T15:58:35Z"}, "sort": [1580227115000, "b"]}
				]
			}
		}`
	}

	s := NewSearcher(f.client(t), "@timestamp", "metadata.uid")
	page, err := s.Search(context.Background(), models.SearchRequest{
		Index:       []string{"auditbeat-*", "logs-*"},
		Query:       map[string]interface{}{"match_all": map[string]interface{}{}},
		Size:        2,
		SearchAfter: []interface{}{json.Number("1580227113000"), "z"},
	})
	require.NoError(t, err)

	require.Len(t, page.Hits, 2)
	assert.Equal(t, int64(42), page.TotalHits)
	assert.Equal(t, 3, page.Took)
	assert.Equal(t, "a", page.Hits[0].ID)
	assert.Equal(t, "auditbeat-1", page.Hits[0].Index)
	assert.Equal(t, []interface{}{json.Number("1580227115000"), "b"}, page.LastSort())

	// Request
	reqs := f.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/auditbeat-*,logs-*/_search", reqs[0].Path)
	assert.Equal(t, []string{"2"}, reqs[0].Query["size"])
	assert.Equal(t, []string{"true"}, reqs[0].Query["track_total_hits"])
	assert.Equal(t, []string{"true"}, reqs[0].Query["ignore_unavailable"])

	sort := got["sort"].([]interface{})
	require.Len(t, sort, 2)
	assert.Equal(t, "asc", sort[0].(map[string]interface{})["@timestamp"].(map[string]interface{})["order"])
	assert.Contains(t, sort[1].(map[string]interface{}), "metadata.uid")
	assert.Equal(t, []interface{}{float64(1580227113000), "z"}, got["search_after"])
	assert.Contains(t, got, "query")
}

func TestSearcher_FirstPageHasNoSearchAfter(t *testing.T) {
	f := newFakeCluster(t)
	var got map[string]interface{}
	f.search = func(body map[string]interface{}) (int, string) {
		got = body
		return http.StatusOK, `{"took":1,"hits":{"total":{"value":0},"hits":[]}}`
	}

	s := NewSearcher(f.client(t), "", "")
	page, err := s.Search(context.Background(), models.SearchRequest{Index: []string{"events"}, Size: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Hits)
	assert.NotContains(t, got, "search_after")
	assert.Len(t, got["sort"], 1)
	assert.Equal(t, map[string]interface{}{"match_all": map[string]interface{}{}}, got["query"])
}

func TestSearcher_StoreError(t *testing.T) {
	f := newFakeCluster(t)
	f.search = func(map[string]interface{}) (int, string) {
		return http.StatusBadRequest, `{"error":{"type":"search_phase_execution_exception"}}`
	}

	_, err := NewSearcher(f.client(t), "", "").Search(context.Background(), models.SearchRequest{Index: []string{"events"}, Size: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_phase_execution_exception")
}

func TestSearcher_MissingSortKey(t *testing.T) {
	f := newFakeCluster(t)
	f.search = func(map[string]interface{}) (int, string) {
		return http.StatusOK, `{"took":1,"hits":{"total":{"value":1},"hits":[{"_id":"a","_index":"i","_source":{}}]}}`
	}

	page, err := NewSearcher(f.client(t), "", "").Search(context.Background(), models.SearchRequest{Index: []string{"i"}, Size: 1})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.False(t, page.Hits[0].HasSortKey())
}

func testDocs(n int) []models.SignalDocument {
	docs := make([]models.SignalDocument, n)
	for i := range docs {
		docs[i] = models.SignalDocument{
			DocumentID: gofakeit.UUID(),
			Timestamp:  time.Date(2020, 1, 28, 15, 58, 34, 0, time.UTC),
			Source:     map[string]interface{}{"user": gofakeit.Username()},
			Signal:     models.Signal{ID: gofakeit.UUID(), Status: models.SignalStatusOpen},
		}
	}
	return docs
}

func TestBulkWriter_ClassifiesItems(t *testing.T) {
	f := newFakeCluster(t)
	n := 0
	f.bulkItem = func(action string, meta, doc map[string]interface{}) (int, string) {
		n++
		switch n {
		case 2:
			return http.StatusConflict, `{"type":"version_conflict_engine_exception","reason":"document already exists"}`
		case 3:
			return http.StatusBadRequest, `{"type":"mapper_parsing_exception","reason":"failed to parse field"}`
		default:
			return http.StatusCreated, ""
		}
	}

	docs := testDocs(4)
	w := NewBulkWriter(f.client(t), "telhawk-signals", "wait_for")
	res, err := w.BulkCreate(context.Background(), docs)
	require.NoError(t, err)

	require.Len(t, res.Items, 4)
	assert.Equal(t, models.BulkItemCreated, res.Items[0].Status)
	assert.Equal(t, models.BulkItemDuplicate, res.Items[1].Status)
	assert.Equal(t, 409, res.Items[1].StatusCode)
	assert.Equal(t, models.BulkItemErrored, res.Items[2].Status)
	assert.Equal(t, "mapper_parsing_exception: failed to parse field", res.Items[2].Reason)
	assert.Equal(t, models.BulkItemCreated, res.Items[3].Status)
	for i := range docs {
		assert.Equal(t, docs[i].DocumentID, res.Items[i].DocumentID)
	}
	assert.Equal(t, 7*time.Millisecond, res.Took)

	created, dups, errs := res.Counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, dups)
	assert.Equal(t, 1, errs)

	reqs := f.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"wait_for"}, reqs[0].Query["refresh"])

	lines := strings.Split(strings.TrimSpace(string(reqs[0].Body)), "\n")
	require.Len(t, lines, 8)
	var action map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &action))
	assert.Equal(t, "telhawk-signals", action["create"]["_index"])
	assert.Equal(t, docs[0].DocumentID, action["create"]["_id"])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Contains(t, doc, "signal")
	assert.Contains(t, doc, "@timestamp")
}

func TestBulkWriter_NoRefreshByDefault(t *testing.T) {
	f := newFakeCluster(t)
	_, err := NewBulkWriter(f.client(t), "signals", "false").BulkCreate(context.Background(), testDocs(1))
	require.NoError(t, err)
	assert.NotContains(t, f.recorded()[0].Query, "refresh")
}

func TestBulkWriter_EmptyBatch(t *testing.T) {
	f := newFakeCluster(t)
	res, err := NewBulkWriter(f.client(t), "signals", "").BulkCreate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Empty(t, f.recorded())
}

func TestBulkWriter_CallLevelError(t *testing.T) {
	f := newFakeCluster(t)
	f.bulkStatus = http.StatusBadRequest

	res, err := NewBulkWriter(f.client(t), "signals", "").BulkCreate(context.Background(), testDocs(2))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "bad bulk")
}

func TestBulkWriter_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := NewClient(config.OpenSearchConfig{URL: srv.URL})
	require.NoError(t, err)
	srv.Close()

	_, err = NewBulkWriter(c, "signals", "").BulkCreate(context.Background(), testDocs(1))
	assert.Error(t, err)
}

func TestBulkWriter_ItemCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"took":1,"errors":false,"items":[{"fakeItemValue":{}}]}`))
	}))
	defer srv.Close()
	c, err := NewClient(config.OpenSearchConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = NewBulkWriter(c, "signals", "").BulkCreate(context.Background(), testDocs(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 items for 3 documents")
}

func TestIndexManager_EnsureSignalsIndex(t *testing.T) {
	f := newFakeCluster(t)
	m := NewIndexManager(f.client(t), "telhawk-signals", config.OpenSearchConfig{ShardCount: 1, RefreshInterval: "5s"})

	require.NoError(t, m.EnsureSignalsIndex(context.Background()))

	reqs := f.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/_index_template/telhawk-signals-template", reqs[0].Path)

	var tmpl map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[0].Body, &tmpl))
	assert.Equal(t, []interface{}{"telhawk-signals*"}, tmpl["index_patterns"])
	mappings := tmpl["template"].(map[string]interface{})["mappings"].(map[string]interface{})
	assert.Contains(t, mappings["properties"], "signal")
}

func TestIndexManager_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()
	c, err := NewClient(config.OpenSearchConfig{URL: srv.URL})
	require.NoError(t, err)

	err = NewIndexManager(c, "signals", config.OpenSearchConfig{}).EnsureSignalsIndex(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestIndexEvents(t *testing.T) {
	f := newFakeCluster(t)
	f.bulkItem = func(action string, meta, doc map[string]interface{}) (int, string) {
		if doc["bad"] == true {
			return http.StatusBadRequest, `{"type":"mapper_parsing_exception","reason":"bad doc"}`
		}
		return http.StatusCreated, ""
	}

	events := []Event{
		{ID: "e1", Source: map[string]interface{}{"user": "alice"}},
		{ID: "e2", Source: map[string]interface{}{"bad": true}},
		{Source: map[string]interface{}{"user": "bob"}},
	}
	stats, err := f.client(t).IndexEvents(context.Background(), "telhawk-events", events)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "mapper_parsing_exception")
}
