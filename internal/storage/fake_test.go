package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
)

// recordedRequest is one request seen by the fake cluster.
type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Body   []byte
}

// fakeCluster is a minimal OpenSearch HTTP API.
type fakeCluster struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	// search answers _search requests; nil returns an empty page.
	search func(body map[string]interface{}) (int, string)
	// bulkItem answers each bulk action line; nil returns 201 for everything.
	bulkItem func(action string, meta map[string]interface{}, doc map[string]interface{}) (int, string)
	// bulkStatus overrides the call-level bulk status when non-zero.
	bulkStatus int
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	f := &fakeCluster{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeCluster) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(config.OpenSearchConfig{URL: f.URL, Username: "admin", Password: "admin", Insecure: true})
	require.NoError(t, err)
	return c
}

func (f *fakeCluster) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeCluster) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/":
		_, _ = w.Write([]byte(`{"name":"test-node","cluster_name":"test-cluster","version":{"number":"2.11.0"}}`))
	case strings.HasSuffix(r.URL.Path, "/_search"):
		status, resp := http.StatusOK, `{"took":1,"hits":{"total":{"value":0},"hits":[]}}`
		if f.search != nil {
			var parsed map[string]interface{}
			_ = json.Unmarshal(body, &parsed)
			status, resp = f.search(parsed)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		if f.bulkStatus != 0 {
			w.WriteHeader(f.bulkStatus)
			_, _ = w.Write([]byte(`{"error":{"type":"illegal_argument_exception","reason":"bad bulk"}}`))
			return
		}
		_, _ = w.Write([]byte(f.bulkResponse(body)))
	case strings.HasPrefix(r.URL.Path, "/_index_template/"):
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}
}

func (f *fakeCluster) bulkResponse(body []byte) string {
	var items []string
	hasErrors := false

	sc := bufio.NewScanner(strings.NewReader(string(body)))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var action map[string]map[string]interface{}
		if err := json.Unmarshal([]byte(line), &action); err != nil {
			continue
		}
		var doc map[string]interface{}
		if sc.Scan() {
			_ = json.Unmarshal(sc.Bytes(), &doc)
		}
		for name, meta := range action {
			status, errJSON := http.StatusCreated, ""
			if f.bulkItem != nil {
				status, errJSON = f.bulkItem(name, meta, doc)
			}
			if status >= 300 {
				hasErrors = true
			}
			id, _ := meta["_id"].(string)
			item := fmt.Sprintf(`{"%s":{"_index":"signals","_id":%q,"status":%d`, name, id, status)
			if errJSON != "" {
				item += `,"error":` + errJSON
			}
			items = append(items, item+"}}")
		}
	}
	return fmt.Sprintf(`{"took":7,"errors":%t,"items":[%s]}`, hasErrors, strings.Join(items, ","))
}
