package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// BulkWriter creates signal documents in the signals index with one bulk
// call per batch.
type BulkWriter struct {
	client  *Client
	index   string
	refresh string
	now     func() time.Time
}

// NewBulkWriter creates a BulkWriter for index. refresh is passed to the bulk
// API ("true", "wait_for"); "" or "false" leaves refresh to the index.
func NewBulkWriter(client *Client, index, refresh string) *BulkWriter {
	return &BulkWriter{
		client:  client,
		index:   index,
		refresh: refresh,
		now:     time.Now,
	}
}

// Index returns the target signals index.
func (w *BulkWriter) Index() string {
	return w.index
}

type bulkAction struct {
	Create bulkMeta `json:"create"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// BulkCreate submits docs as create actions and classifies every item. A
// transport failure, a call-level error status or an unreadable response is
// returned as an error; per-item failures are reported in the result.
func (w *BulkWriter) BulkCreate(ctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
	if len(docs) == 0 {
		return &models.BulkResult{}, nil
	}

	body, err := encodeCreateActions(w.index, docs)
	if err != nil {
		return nil, err
	}

	start := w.now()

	osc := w.client.OpenSearch()
	opts := []func(*opensearchapi.BulkRequest){osc.Bulk.WithContext(ctx)}
	if w.refresh != "" && w.refresh != "false" {
		opts = append(opts, osc.Bulk.WithRefresh(w.refresh))
	}

	res, err := osc.Bulk(bytes.NewReader(body), opts...)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("bulk error: %s - %s", res.Status(), string(raw))
	}

	var br opensearchutil.BulkIndexerResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if len(br.Items) != len(docs) {
		return nil, fmt.Errorf("bulk response has %d items for %d documents", len(br.Items), len(docs))
	}

	result := &models.BulkResult{
		Items:   make([]models.BulkItemOutcome, 0, len(docs)),
		Took:    time.Duration(br.Took) * time.Millisecond,
		Elapsed: w.now().Sub(start),
	}
	for i, entry := range br.Items {
		result.Items = append(result.Items, classify(docs[i].DocumentID, entry))
	}
	return result, nil
}

func encodeCreateActions(index string, docs []models.SignalDocument) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if err := enc.Encode(bulkAction{Create: bulkMeta{Index: index, ID: doc.DocumentID}}); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode signal %s: %w", doc.DocumentID, err)
		}
	}
	return buf.Bytes(), nil
}

// classify maps one bulk response entry to an outcome. Each entry holds a
// single action key ("create").
func classify(documentID string, entry map[string]opensearchutil.BulkIndexerResponseItem) models.BulkItemOutcome {
	out := models.BulkItemOutcome{DocumentID: documentID, Status: models.BulkItemErrored}
	if len(entry) == 0 {
		out.Reason = "empty bulk response item"
		return out
	}
	for _, item := range entry {
		out.StatusCode = item.Status
		if item.DocumentID != "" {
			out.DocumentID = item.DocumentID
		}
		switch {
		case item.Status >= 200 && item.Status < 300:
			out.Status = models.BulkItemCreated
		case item.Status == http.StatusConflict:
			out.Status = models.BulkItemDuplicate
		default:
			out.Reason = fmt.Sprintf("%s: %s", item.Error.Type, item.Error.Reason)
		}
	}
	return out
}
