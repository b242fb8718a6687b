package models

// Hit is a single matched document returned by a search page.
type Hit struct {
	ID     string                 `json:"_id"`
	Index  string                 `json:"_index"`
	Source map[string]interface{} `json:"_source"`
	// Sort is the hit's sort key; empty when the store returned none.
	Sort []interface{} `json:"sort,omitempty"`
}

// HasSortKey reports whether the hit carries a usable sort key.
func (h Hit) HasSortKey() bool {
	return len(h.Sort) > 0
}

// SearchRequest describes one bounded, sorted page request.
type SearchRequest struct {
	Index []string
	// Query is the rendered DSL query object (the value of "query").
	Query map[string]interface{}
	Size  int
	// SearchAfter is the cursor from the previous page; nil for the first page.
	SearchAfter []interface{}
}

// SearchResultPage is one page of raw matches.
type SearchResultPage struct {
	Hits      []Hit
	TotalHits int64
	Took      int
}

// LastSort returns the sort key of the final hit, or nil if the page is empty
// or the final hit has no sort key.
func (p *SearchResultPage) LastSort() []interface{} {
	if p == nil || len(p.Hits) == 0 {
		return nil
	}
	return p.Hits[len(p.Hits)-1].Sort
}
