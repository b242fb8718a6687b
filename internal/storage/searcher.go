package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

// Searcher issues single sorted search pages.
type Searcher struct {
	client          *Client
	timestampField  string
	tiebreakerField string
}

// NewSearcher creates a Searcher that orders hits by timestampField and then
// tiebreakerField, both ascending.
func NewSearcher(client *Client, timestampField, tiebreakerField string) *Searcher {
	if timestampField == "" {
		timestampField = "@timestamp"
	}
	return &Searcher{
		client:          client,
		timestampField:  timestampField,
		tiebreakerField: tiebreakerField,
	}
}

type searchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []models.Hit `json:"hits"`
	} `json:"hits"`
}

// Search runs exactly one search request. Store failures are returned
// unchanged in meaning; no retry is attempted.
func (s *Searcher) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error) {
	body, err := json.Marshal(s.requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	osc := s.client.OpenSearch()
	res, err := osc.Search(
		osc.Search.WithContext(ctx),
		osc.Search.WithIndex(req.Index...),
		osc.Search.WithBody(bytes.NewReader(body)),
		osc.Search.WithSize(req.Size),
		osc.Search.WithTrackTotalHits(true),
		osc.Search.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search error: %s - %s", res.Status(), string(raw))
	}

	var sr searchResponse
	dec := json.NewDecoder(res.Body)
	// Sort values are passed back verbatim as search_after; keep numbers exact.
	dec.UseNumber()
	if err := dec.Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &models.SearchResultPage{
		Hits:      sr.Hits.Hits,
		TotalHits: sr.Hits.Total.Value,
		Took:      sr.Took,
	}, nil
}

func (s *Searcher) requestBody(req models.SearchRequest) map[string]interface{} {
	query := req.Query
	if query == nil {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	sort := []interface{}{
		map[string]interface{}{
			s.timestampField: map[string]interface{}{"order": "asc"},
		},
	}
	if s.tiebreakerField != "" {
		sort = append(sort, map[string]interface{}{
			s.tiebreakerField: map[string]interface{}{
				"order":         "asc",
				"unmapped_type": "keyword",
			},
		})
	}

	body := map[string]interface{}{
		"query": query,
		"sort":  sort,
	}
	if len(req.SearchAfter) > 0 {
		body["search_after"] = req.SearchAfter
	}
	return body
}
