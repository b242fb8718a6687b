package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"
)

// IndexStats summarizes an IndexEvents call.
type IndexStats struct {
	Indexed int
	Failed  int
	Errors  []string
}

// Event is a source document to index, with an optional document id.
type Event struct {
	ID     string
	Source map[string]interface{}
}

// IndexEvents writes source events into index through the bulk indexer.
// Used to seed detection input; signals go through BulkWriter.
func (c *Client) IndexEvents(ctx context.Context, index string, events []Event) (*IndexStats, error) {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:  c.os,
		Index:   index,
		Refresh: "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	stats := &IndexStats{}
	var mu sync.Mutex
	fail := func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		stats.Failed++
		stats.Errors = append(stats.Errors, msg)
	}

	for _, event := range events {
		data, err := json.Marshal(event.Source)
		if err != nil {
			fail(fmt.Sprintf("failed to marshal event: %v", err))
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: event.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				stats.Indexed++
				mu.Unlock()
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					fail(err.Error())
					return
				}
				fail(fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
			},
		})
		if err != nil {
			fail(fmt.Sprintf("failed to add to bulk indexer: %v", err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		return stats, fmt.Errorf("bulk indexer close: %w", err)
	}
	return stats, nil
}
