package searchafter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/models"
	"github.com/telhawk-systems/telhawk-detect/internal/signals"
)

// fakeSearcher returns scripted pages in order. Once the script is
// exhausted it returns empty pages.
type fakeSearcher struct {
	pages    []*models.SearchResultPage
	errs     map[int]error
	requests []models.SearchRequest
}

func (f *fakeSearcher) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error) {
	call := len(f.requests)
	f.requests = append(f.requests, req)
	if err, ok := f.errs[call]; ok {
		return nil, err
	}
	if call < len(f.pages) {
		return f.pages[call], nil
	}
	return &models.SearchResultPage{}, nil
}

// fakeWriter records batches and answers through BulkCreateFunc, defaulting
// to "all created".
type fakeWriter struct {
	BulkCreateFunc func(ctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error)
	batches        [][]models.SignalDocument
}

func (f *fakeWriter) BulkCreate(ctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
	f.batches = append(f.batches, docs)
	if f.BulkCreateFunc != nil {
		return f.BulkCreateFunc(ctx, docs)
	}
	return resultAll(docs, models.BulkItemCreated), nil
}

// dedupWriter behaves like a store with create semantics: a second create
// of the same _id is a conflict.
type dedupWriter struct {
	seen map[string]bool
}

func (d *dedupWriter) BulkCreate(_ context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
	res := &models.BulkResult{}
	for _, doc := range docs {
		item := models.BulkItemOutcome{DocumentID: doc.DocumentID, Status: models.BulkItemCreated, StatusCode: http.StatusCreated}
		if d.seen[doc.DocumentID] {
			item.Status, item.StatusCode = models.BulkItemDuplicate, http.StatusConflict
		}
		d.seen[doc.DocumentID] = true
		res.Items = append(res.Items, item)
	}
	return res, nil
}

type fakeRecorder struct {
	pages                        []int
	created, duplicates, errored int
}

func (r *fakeRecorder) SearchPage(hits int) { r.pages = append(r.pages, hits) }
func (r *fakeRecorder) BulkBatch(c, d, e int, _ time.Duration) {
	r.created += c
	r.duplicates += d
	r.errored += e
}

func resultAll(docs []models.SignalDocument, status models.BulkItemStatus) *models.BulkResult {
	res := &models.BulkResult{}
	for _, doc := range docs {
		res.Items = append(res.Items, models.BulkItemOutcome{DocumentID: doc.DocumentID, Status: status})
	}
	return res
}

var sortSeq int64

// pageWithSort returns a page of n hits with increasing sort keys.
func pageWithSort(n int) *models.SearchResultPage {
	page := &models.SearchResultPage{TotalHits: int64(n)}
	for i := 0; i < n; i++ {
		sortSeq++
		page.Hits = append(page.Hits, models.Hit{
			ID:    gofakeit.UUID(),
			Index: "auditbeat-7.5.0",
			Source: map[string]interface{}{
				"@timestamp": time.UnixMilli(1580227114000 + sortSeq).UTC().Format(time.RFC3339Nano),
				"user":       map[string]interface{}{"name": gofakeit.Username()},
			},
			Sort: []interface{}{1580227114000 + sortSeq, gofakeit.UUID()},
		})
	}
	return page
}

// pageNoSort returns a page of n hits that carry no sort key.
func pageNoSort(n int) *models.SearchResultPage {
	page := pageWithSort(n)
	for i := range page.Hits {
		page.Hits[i].Sort = nil
	}
	return page
}

func sampleRule(maxSignals int) *models.RuleParams {
	return &models.RuleParams{
		ID:         "04128c15-0d1b-4716-a4c5-46997ac7f3bd",
		RuleID:     "rule-1",
		Name:       "rule-name",
		Query:      "user.name: root or user.name: admin",
		Index:      []string{"auditbeat-*"},
		MaxSignals: maxSignals,
		Interval:   "5m",
		Tags:       []string{"some fake tag 1", "some fake tag 2"},
		Throttle:   "no_actions",
		Enabled:    true,
		CreatedBy:  "elastic",
		UpdatedBy:  "elastic",
	}
}

func runConfig(rule *models.RuleParams, pageSize int) Config {
	return Config{
		Index:      rule.Index,
		Query:      map[string]interface{}{"match_all": map[string]interface{}{}},
		PageSize:   pageSize,
		MaxSignals: rule.MaxSignals,
	}
}

func newLoop(s Searcher, w BulkWriter, opts ...Option) *Loop {
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(s, signals.NewBuilder("@timestamp"), w, opts...)
}

func TestRun_ZeroMatch(t *testing.T) {
	searcher := &fakeSearcher{}
	writer := &fakeWriter{}
	rule := sampleRule(100)

	out := newLoop(searcher, writer).Run(context.Background(), rule, runConfig(rule, 10))

	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonZeroMatch, out.Reason)
	assert.Zero(t, out.Created)
	assert.Equal(t, 1, out.SearchCalls)
	assert.Zero(t, out.BulkCalls)
	assert.Empty(t, writer.batches)
	assert.NoError(t, out.LastError)
	assert.Equal(t, rule.ID, out.RuleID)
}

func TestRun_EmptySeedMakesNoCalls(t *testing.T) {
	searcher := &fakeSearcher{}
	writer := &fakeWriter{}
	rule := sampleRule(0)
	cfg := runConfig(rule, 1)
	cfg.SeedPage = &models.SearchResultPage{}

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonZeroMatch, out.Reason)
	assert.Empty(t, searcher.requests)
	assert.Empty(t, writer.batches)
}

func TestRun_ThreePagesThenEmpty(t *testing.T) {
	// Page size 1, budget 30, the store answers three pages of 3 hits.
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(3), pageWithSort(3), pageWithSort(3)}}
	writer := &fakeWriter{}
	rule := sampleRule(30)

	out := newLoop(searcher, writer).Run(context.Background(), rule, runConfig(rule, 1))

	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonExhausted, out.Reason)
	assert.Equal(t, 9, out.Created)
	assert.Equal(t, 4, out.SearchCalls)
	assert.Equal(t, 3, out.BulkCalls)
	assert.Equal(t, 3, out.Pages)
	for _, req := range searcher.requests {
		assert.Equal(t, 1, req.Size)
	}
}

func TestRun_FullPagesStopAtBudget(t *testing.T) {
	tests := []struct {
		name        string
		budget      int
		pageSize    int
		wantSizes   []int
		wantCreated int
	}{
		{name: "exact multiple", budget: 4, pageSize: 2, wantSizes: []int{2, 2}, wantCreated: 4},
		{name: "remainder page", budget: 5, pageSize: 2, wantSizes: []int{2, 2, 1}, wantCreated: 5},
		{name: "budget below page size", budget: 3, pageSize: 10, wantSizes: []int{3}, wantCreated: 3},
		{name: "single page", budget: 10, pageSize: 10, wantSizes: []int{10}, wantCreated: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &fakeSearcher{}
			for _, size := range tt.wantSizes {
				searcher.pages = append(searcher.pages, pageWithSort(size))
			}
			rule := sampleRule(tt.budget)

			out := newLoop(searcher, &fakeWriter{}).Run(context.Background(), rule, runConfig(rule, tt.pageSize))

			assert.True(t, out.Success)
			assert.Equal(t, models.ReasonBudgetReached, out.Reason)
			assert.Equal(t, tt.wantCreated, out.Created)
			require.Len(t, searcher.requests, len(tt.wantSizes))
			for i, req := range searcher.requests {
				assert.Equal(t, tt.wantSizes[i], req.Size, "request %d", i)
				assert.LessOrEqual(t, req.Size, tt.budget)
			}
		})
	}
}

func TestRun_ShortPageExhaustsInput(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(5), pageWithSort(2)}}
	rule := sampleRule(0)

	out := newLoop(searcher, &fakeWriter{}).Run(context.Background(), rule, runConfig(rule, 5))

	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonExhausted, out.Reason)
	assert.Equal(t, 7, out.Created)
	assert.Equal(t, 2, out.SearchCalls, "no search after a short page")
}

func TestRun_CursorFollowsLastHit(t *testing.T) {
	p1, p2 := pageWithSort(2), pageWithSort(2)
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{p1, p2}}
	rule := sampleRule(0)

	newLoop(searcher, &fakeWriter{}).Run(context.Background(), rule, runConfig(rule, 2))

	require.Len(t, searcher.requests, 3)
	assert.Nil(t, searcher.requests[0].SearchAfter)
	assert.Equal(t, p1.LastSort(), searcher.requests[1].SearchAfter)
	assert.Equal(t, p2.LastSort(), searcher.requests[2].SearchAfter)
	assert.Equal(t, rule.Index, searcher.requests[0].Index)
}

func TestRun_UnusableCursorMidScan(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageNoSort(2), pageWithSort(2)}}
	writer := &fakeWriter{}
	rule := sampleRule(0)

	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.ParseLevel("debug"), "json")
	out := New(searcher, signals.NewBuilder(""), writer, WithLogger(logger)).Run(context.Background(), rule, runConfig(rule, 2))

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonUnusableCursor, out.Reason)
	assert.ErrorIs(t, out.LastError, ErrUnusableCursor)
	assert.Equal(t, 2, out.SearchCalls, "no search after the unusable page")
	assert.Equal(t, 1, out.BulkCalls, "the cursorless page is not written")
	assert.Equal(t, 2, out.Created)

	assert.Contains(t, buf.String(), `"rule_id":"`+rule.ID+`"`)
	assert.Contains(t, buf.String(), `"iteration":2`)
}

func TestRun_SeedWithoutSortIDs(t *testing.T) {
	// The seed page is written, then its missing sort ids end the run.
	searcher := &fakeSearcher{}
	writer := &fakeWriter{}
	rule := sampleRule(0)
	cfg := runConfig(rule, 1)
	cfg.SeedPage = pageNoSort(4)

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonUnusableCursor, out.Reason)
	assert.Equal(t, 1, out.BulkCalls)
	assert.Empty(t, searcher.requests)
}

func TestRun_SeedThenPages(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(3), pageWithSort(3)}}
	writer := &fakeWriter{}
	rule := sampleRule(30)
	cfg := runConfig(rule, 1)
	cfg.SeedPage = pageWithSort(3)

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.True(t, out.Success)
	assert.Equal(t, 9, out.Created)
	assert.Equal(t, 3, out.BulkCalls)
	assert.Equal(t, 3, out.SearchCalls)
	assert.Equal(t, cfg.SeedPage.LastSort(), searcher.requests[0].SearchAfter)
}

func TestRun_SeedFillsBudget(t *testing.T) {
	// A seed as large as the remaining budget is a full page, not a short one.
	searcher := &fakeSearcher{}
	writer := &fakeWriter{}
	rule := sampleRule(4)
	cfg := runConfig(rule, 5)
	cfg.SeedPage = pageWithSort(4)

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonBudgetReached, out.Reason)
	assert.Equal(t, 4, out.Created)
	assert.Empty(t, searcher.requests)
}

func TestRun_BulkTransportFailure(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageWithSort(2), pageWithSort(2)}}
	boom := errors.New("connection reset by peer")
	calls := 0
	writer := &fakeWriter{BulkCreateFunc: func(_ context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
		calls++
		if calls == 2 {
			return nil, boom
		}
		return resultAll(docs, models.BulkItemCreated), nil
	}}
	rule := sampleRule(0)

	out := newLoop(searcher, writer).Run(context.Background(), rule, runConfig(rule, 2))

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonBulkFailed, out.Reason)
	assert.Same(t, boom, out.LastError)
	assert.Equal(t, 2, out.SearchCalls, "no iteration after the failed bulk call")
	assert.Equal(t, 2, out.Created)
}

func TestRun_SearchFailure(t *testing.T) {
	boom := errors.New("search_phase_execution_exception")
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2)}, errs: map[int]error{1: boom}}
	rule := sampleRule(0)

	out := newLoop(searcher, &fakeWriter{}).Run(context.Background(), rule, runConfig(rule, 2))

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonSearchFailed, out.Reason)
	assert.Same(t, boom, out.LastError)
	assert.Equal(t, 2, out.Created)
}

func TestRun_RerunCountsDuplicates(t *testing.T) {
	pages := []*models.SearchResultPage{pageWithSort(3), pageWithSort(3), pageWithSort(1)}
	writer := &dedupWriter{seen: map[string]bool{}}
	rule := sampleRule(0)
	loop := newLoop(&fakeSearcher{pages: pages}, writer)

	first := loop.Run(context.Background(), rule, runConfig(rule, 3))
	require.True(t, first.Success)
	assert.Equal(t, 7, first.Created)
	assert.Zero(t, first.Duplicates)

	// One new source document arrives before the rerun.
	pages[2] = &models.SearchResultPage{Hits: append(pages[2].Hits, pageWithSort(1).Hits...)}
	second := newLoop(&fakeSearcher{pages: pages}, writer).Run(context.Background(), rule, runConfig(rule, 3))

	assert.True(t, second.Success)
	assert.Equal(t, 1, second.Created)
	assert.Equal(t, 7, second.Duplicates)
	assert.Zero(t, second.Errors)
}

func itemErrors(n int) func(context.Context, []models.SignalDocument) (*models.BulkResult, error) {
	return func(_ context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
		res := resultAll(docs, models.BulkItemCreated)
		for i := 0; i < n && i < len(res.Items); i++ {
			res.Items[i].Status = models.BulkItemErrored
			res.Items[i].Reason = "mapper_parsing_exception: failed to parse"
		}
		return res, nil
	}
}

func TestRun_PerItemErrorsTolerated(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(3), pageWithSort(3), pageWithSort(3)}}
	writer := &fakeWriter{BulkCreateFunc: itemErrors(1)}
	rule := sampleRule(0)
	rec := &fakeRecorder{}

	out := newLoop(searcher, writer, WithRecorder(rec)).Run(context.Background(), rule, runConfig(rule, 3))

	assert.True(t, out.Success)
	assert.Equal(t, 6, out.Created)
	assert.Equal(t, 3, out.Errors)
	assert.Equal(t, 4, out.SearchCalls)
	assert.Equal(t, 3, rec.errored)
	assert.Equal(t, 6, rec.created)
	assert.Equal(t, []int{3, 3, 3, 0}, rec.pages)
}

func TestRun_ConsecutiveErrorThreshold(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageWithSort(2), pageWithSort(2), pageWithSort(2)}}
	writer := &fakeWriter{BulkCreateFunc: itemErrors(1)}
	rule := sampleRule(0)
	cfg := runConfig(rule, 2)
	cfg.MaxConsecutiveErrorBatches = 2

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonErrorThreshold, out.Reason)
	assert.ErrorIs(t, out.LastError, ErrTooManyErrorBatches)
	assert.Contains(t, out.LastError.Error(), "mapper_parsing_exception")
	assert.Equal(t, 2, out.BulkCalls)
	assert.Equal(t, 2, out.SearchCalls)
}

func TestRun_ErrorStreakResetsOnCleanBatch(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageWithSort(2), pageWithSort(2), pageWithSort(1)}}
	calls := 0
	writer := &fakeWriter{BulkCreateFunc: func(ctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
		calls++
		if calls%2 == 1 {
			return itemErrors(1)(ctx, docs)
		}
		return resultAll(docs, models.BulkItemCreated), nil
	}}
	rule := sampleRule(0)
	cfg := runConfig(rule, 2)
	cfg.MaxConsecutiveErrorBatches = 2

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Errors)
	assert.Equal(t, 5, out.Created)
}

func TestRun_DuplicatesAreNotErrors(t *testing.T) {
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageWithSort(2)}}
	writer := &fakeWriter{BulkCreateFunc: func(_ context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
		return resultAll(docs, models.BulkItemDuplicate), nil
	}}
	rule := sampleRule(2)
	cfg := runConfig(rule, 2)
	cfg.MaxConsecutiveErrorBatches = 1

	out := newLoop(searcher, writer).Run(context.Background(), rule, cfg)

	// Duplicates never count toward the budget, so the scan runs to exhaustion.
	assert.True(t, out.Success)
	assert.Equal(t, models.ReasonExhausted, out.Reason)
	assert.Zero(t, out.Created)
	assert.Zero(t, out.Errors)
	assert.Equal(t, 4, out.Duplicates)
	assert.Equal(t, 3, out.SearchCalls)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(1)}}
	rule := sampleRule(0)

	out := newLoop(searcher, &fakeWriter{}).Run(ctx, rule, runConfig(rule, 1))

	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonCancelled, out.Reason)
	assert.ErrorIs(t, out.LastError, context.Canceled)
	assert.Empty(t, searcher.requests)
}

func TestRun_CancelDuringWriteLetsBatchFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	searcher := &fakeSearcher{pages: []*models.SearchResultPage{pageWithSort(2), pageWithSort(2)}}
	var bulkCtxErr error
	writer := &fakeWriter{BulkCreateFunc: func(bctx context.Context, docs []models.SignalDocument) (*models.BulkResult, error) {
		cancel()
		bulkCtxErr = bctx.Err()
		return resultAll(docs, models.BulkItemCreated), nil
	}}
	rule := sampleRule(0)

	out := newLoop(searcher, writer).Run(ctx, rule, runConfig(rule, 2))

	assert.NoError(t, bulkCtxErr, "in-flight bulk is not cancelled")
	assert.False(t, out.Success)
	assert.Equal(t, models.ReasonCancelled, out.Reason)
	assert.Equal(t, 2, out.Created)
	assert.Equal(t, 1, out.SearchCalls)
}

func TestRun_WritesInPageAndHitOrder(t *testing.T) {
	p1, p2 := pageWithSort(3), pageWithSort(2)
	writer := &fakeWriter{}
	rule := sampleRule(0)

	newLoop(&fakeSearcher{pages: []*models.SearchResultPage{p1, p2}}, writer).Run(context.Background(), rule, runConfig(rule, 3))

	require.Len(t, writer.batches, 2)
	for i, page := range []*models.SearchResultPage{p1, p2} {
		require.Len(t, writer.batches[i], len(page.Hits))
		for j, hit := range page.Hits {
			assert.Equal(t, hit.ID, writer.batches[i][j].Signal.Parent.ID)
			assert.Equal(t, rule.Name, writer.batches[i][j].Signal.Rule.Name)
		}
	}
}

func TestRun_RecordsTiming(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := 0
	clock := func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks-1) * time.Second)
	}
	rule := sampleRule(0)

	out := newLoop(&fakeSearcher{}, &fakeWriter{}, WithClock(clock)).Run(context.Background(), rule, runConfig(rule, 1))

	assert.Equal(t, start, out.StartedAt)
	assert.Equal(t, time.Second, out.Duration)
}
