package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/assignmentcache"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/model"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/notion"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/retry"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/jsonrs"
)

// fakeSink is an in-memory Notion double with failure injection.
type fakeSink struct {
	mu    sync.Mutex
	pages map[string]*fakePage // keyed by page ID
	byExt map[string]string    // external ID -> page ID
	next  int

	queries, creates, updates, archives int
	createsByExt                        map[string]int

	failCreate func(externalID string) error // consulted per attempt
	failUpdate func(pageID string) error
	failQuery  func(externalID string) error
}

type fakePage struct {
	externalID string
	status     model.Status
	properties string
	archived   bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{pages: map[string]*fakePage{}, byExt: map[string]string{}, createsByExt: map[string]int{}}
}

func (f *fakeSink) QueryByExternalID(_ context.Context, externalID string) (*notion.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failQuery != nil {
		if err := f.failQuery(externalID); err != nil {
			return nil, err
		}
	}
	id, ok := f.byExt[externalID]
	if !ok {
		return nil, nil
	}
	return &notion.Page{ID: id, Status: f.pages[id].status}, nil
}

func (f *fakeSink) CreatePage(_ context.Context, properties []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	externalID := gjson.GetBytes(properties, "ExternalID").String()
	f.createsByExt[externalID]++
	if f.failCreate != nil {
		if err := f.failCreate(externalID); err != nil {
			return "", err
		}
	}
	f.next++
	id := fmt.Sprintf("page-%d", f.next)
	f.pages[id] = &fakePage{
		externalID: externalID,
		status:     model.Status(gjson.GetBytes(properties, "Status.select.name").String()),
		properties: string(properties),
	}
	f.byExt[externalID] = id
	return id, nil
}

func (f *fakeSink) UpdatePage(_ context.Context, pageID string, properties []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.failUpdate != nil {
		if err := f.failUpdate(pageID); err != nil {
			return err
		}
	}
	page, ok := f.pages[pageID]
	if !ok {
		return &apierror.APIError{Kind: apierror.KindNotFound, StatusCode: 404}
	}
	page.status = model.Status(gjson.GetBytes(properties, "Status.select.name").String())
	page.properties = string(properties)
	return nil
}

func (f *fakeSink) ArchivePage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives++
	if page, ok := f.pages[pageID]; ok {
		page.archived = true
	}
	return nil
}

func (f *fakeSink) PageProperties(a model.Assignment) ([]byte, error) {
	return jsonrs.Marshal(map[string]any{
		"ExternalID": a.ExternalID,
		"Name":       a.Title,
		"Status":     map[string]any{"select": map[string]any{"name": string(a.Status)}},
	})
}

func (f *fakeSink) counts() (queries, creates, updates, archives int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries, f.creates, f.updates, f.archives
}

func newTestSyncer(t *testing.T, sink *fakeSink, confOverrides map[string]any) (*Syncer, *assignmentcache.Cache) {
	t.Helper()
	conf := config.New()
	conf.Set("Sync.lookupChunkDelay", "1ms")
	conf.Set("Sync.dispatchChunkDelay", "1ms")
	conf.Set("Retry.conflict.base", "1ms")
	conf.Set("Retry.conflict.cap", "2ms")
	conf.Set("Retry.throttled.base", "1ms")
	conf.Set("Retry.throttled.cap", "2ms")
	conf.Set("Retry.transient.delay", "1ms")
	for k, v := range confOverrides {
		conf.Set(k, v)
	}
	cache, err := assignmentcache.New(conf, logger.NOP, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	policy := retry.NewPolicy(conf, logger.NOP)
	return New(conf, logger.NOP, stats.NOP, cache, sink, policy), cache
}

func makeAssignments(n int) []model.Assignment {
	out := make([]model.Assignment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Assignment{
			ExternalID: fmt.Sprintf("ext-%d", i),
			Title:      fmt.Sprintf("Assignment %d", i),
			CourseID:   "course-1",
			CourseName: "Biology",
			Status:     model.StatusNotStarted,
		})
	}
	return out
}

func TestColdSyncCreatesEverything(t *testing.T) {
	sink := newFakeSink()
	s, cache := newTestSyncer(t, sink, nil)

	assignments := makeAssignments(25)
	summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 25, summary.Processed)
	require.Equal(t, 25, summary.Created)
	require.Zero(t, summary.Updated)
	require.Zero(t, summary.Skipped)
	require.Zero(t, summary.ErrorCount)
	require.NotEmpty(t, summary.RunID)

	queries, creates, updates, _ := sink.counts()
	require.Equal(t, 25, queries)
	require.Equal(t, 25, creates)
	require.Zero(t, updates)
	require.Equal(t, 25, cache.Stats().WithMapping)
}

func TestWarmSyncSkipsUnchanged(t *testing.T) {
	sink := newFakeSink()
	s, cache := newTestSyncer(t, sink, nil)
	assignments := makeAssignments(25)

	_, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	coldStats := cache.Stats()

	summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 25, summary.Skipped)
	require.Zero(t, summary.Created)
	require.Zero(t, summary.Updated)
	require.Zero(t, summary.ErrorCount)

	queries, creates, updates, _ := sink.counts()
	require.Equal(t, 25, queries, "warm pass must not re-query the sink")
	require.Equal(t, 25, creates)
	require.Zero(t, updates)

	warmStats := cache.Stats()
	warmHits := warmStats.Hits - coldStats.Hits
	warmMisses := warmStats.Misses - coldStats.Misses
	require.Zero(t, warmMisses)
	require.GreaterOrEqual(t, float64(warmHits)/float64(warmHits+warmMisses), 0.9)
}

func TestChangedAssignmentIsUpdated(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)
	assignments := makeAssignments(3)

	_, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)

	assignments[1].Status = model.StatusSubmitted
	summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)
	require.Equal(t, 2, summary.Skipped)

	pageID := sink.byExt["ext-1"]
	require.Equal(t, model.StatusSubmitted, sink.pages[pageID].status)
}

func TestConflictOnCreateIsRetried(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)

	var attempts int
	sink.failCreate = func(string) error {
		attempts++
		if attempts < 3 {
			return &apierror.APIError{Kind: apierror.KindConflict, StatusCode: 409}
		}
		return nil
	}
	summary, err := s.Run(context.Background(), makeAssignments(1), []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Zero(t, summary.ErrorCount)
	require.Equal(t, 3, attempts)
	require.Equal(t, model.ActionCreated, summary.Results[0].Action)
}

func TestConflictIsRetried(t *testing.T) {
	sink := newFakeSink()
	s, cache := newTestSyncer(t, sink, nil)
	assignments := makeAssignments(1)

	_, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)

	var attempts int
	sink.failUpdate = func(string) error {
		attempts++
		if attempts < 3 {
			return &apierror.APIError{Kind: apierror.KindConflict, StatusCode: 409}
		}
		return nil
	}
	assignments[0].Title = "Renamed"
	summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)
	require.Zero(t, summary.ErrorCount)
	require.Equal(t, 3, attempts)

	e, ok := cache.Get("ext-0")
	require.True(t, ok)
	require.Equal(t, "Renamed", e.Assignment.Title)
}

func TestThrottleExhaustionBecomesErrorResult(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)

	var attempts int
	sink.failCreate = func(string) error {
		attempts++
		return &apierror.APIError{Kind: apierror.KindThrottled, StatusCode: 429, RetryAfter: time.Millisecond}
	}
	summary, err := s.Run(context.Background(), makeAssignments(1), []string{"course-1"})
	require.NoError(t, err)
	require.False(t, summary.Success)
	require.Equal(t, 1, summary.ErrorCount)
	// exhausts the throttled retry budget exactly once
	require.Equal(t, 5, attempts)
	require.Equal(t, model.ActionError, summary.Results[0].Action)
}

func TestStatusNeverRegresses(t *testing.T) {
	t.Run("cached status wins", func(t *testing.T) {
		sink := newFakeSink()
		s, cache := newTestSyncer(t, sink, nil)
		assignments := makeAssignments(1)
		assignments[0].Status = model.StatusGraded

		_, err := s.Run(context.Background(), assignments, []string{"course-1"})
		require.NoError(t, err)

		// a stale extraction reports the assignment further back
		assignments[0].Status = model.StatusSubmitted
		assignments[0].Title = "Renamed"
		summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
		require.NoError(t, err)
		require.Equal(t, 1, summary.Updated)

		pageID := sink.byExt["ext-0"]
		require.Equal(t, model.StatusGraded, sink.pages[pageID].status)
		e, _ := cache.Get("ext-0")
		require.Equal(t, model.StatusGraded, e.Assignment.Status)
	})

	t.Run("queried page status wins on cache miss", func(t *testing.T) {
		sink := newFakeSink()
		s, _ := newTestSyncer(t, sink, nil)
		sink.pages["page-1"] = &fakePage{externalID: "ext-0", status: model.StatusGraded}
		sink.byExt["ext-0"] = "page-1"

		assignments := makeAssignments(1)
		summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
		require.NoError(t, err)
		require.Equal(t, 1, summary.Updated)
		require.Equal(t, model.StatusGraded, sink.pages["page-1"].status)
	})
}

func TestIdempotence(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)
	assignments := makeAssignments(10)

	_, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	before := map[string]string{}
	for id, p := range sink.pages {
		before[id] = p.properties
	}

	summary, err := s.Run(context.Background(), assignments, []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 10, summary.Skipped)
	require.Len(t, sink.pages, 10)
	for id, p := range sink.pages {
		require.Equal(t, before[id], p.properties)
	}
}

func TestFailedRecordDoesNotAffectChunkSiblings(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)

	// one record of the chunk fails permanently, the others must still land,
	// each exactly once
	sink.failCreate = func(externalID string) error {
		if externalID == "ext-2" {
			return &apierror.APIError{Kind: apierror.KindAuth, StatusCode: 403}
		}
		return nil
	}
	summary, err := s.Run(context.Background(), makeAssignments(4), []string{"course-1"})
	require.NoError(t, err)
	require.False(t, summary.Success)
	require.Equal(t, 4, summary.Processed)
	require.Equal(t, 3, summary.Created)
	require.Equal(t, 1, summary.ErrorCount)
	require.Len(t, sink.byExt, 3)
	_, exists := sink.byExt["ext-2"]
	require.False(t, exists)
	for _, ext := range []string{"ext-0", "ext-1", "ext-3"} {
		require.Equal(t, 1, sink.createsByExt[ext], ext)
	}
	require.Equal(t, 4, sink.creates)
}

func TestLookupFailureBecomesErrorResult(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)

	sink.failQuery = func(externalID string) error {
		if externalID == "ext-0" {
			return &apierror.APIError{Kind: apierror.KindTransientServer, StatusCode: 502}
		}
		return nil
	}
	summary, err := s.Run(context.Background(), makeAssignments(2), []string{"course-1"})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 1, summary.ErrorCount)
}

func TestCleanupArchivesActiveCourseLeftovers(t *testing.T) {
	sink := newFakeSink()
	s, cache := newTestSyncer(t, sink, nil)

	gone := model.Assignment{ExternalID: "gone-1", Title: "Dropped", CourseID: "course-1", Status: model.StatusNotStarted}
	finished := model.Assignment{ExternalID: "old-1", Title: "Last Term", CourseID: "course-9", Status: model.StatusGraded}
	sink.pages["page-gone"] = &fakePage{externalID: "gone-1"}
	sink.byExt["gone-1"] = "page-gone"
	cache.CacheAssignment(gone, "page-gone")
	cache.CacheAssignment(finished, "page-old")

	summary, err := s.Run(context.Background(), makeAssignments(1), []string{"course-1"})
	require.NoError(t, err)
	require.True(t, summary.Success)

	require.True(t, sink.pages["page-gone"].archived, "leftover of an active course is archived")
	_, _, _, archives := sink.counts()
	require.Equal(t, 1, archives, "inactive course pages are kept in the sink")
	_, ok := cache.Get("gone-1")
	require.False(t, ok)
	_, ok = cache.Get("old-1")
	require.False(t, ok)
}

func TestContextCancellationAbortsRun(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSyncer(t, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sink.failQuery = func(string) error {
		cancel()
		return &apierror.APIError{Kind: apierror.KindTransientServer, StatusCode: 502}
	}
	_, err := s.Run(ctx, makeAssignments(3), []string{"course-1"})
	require.ErrorIs(t, err, context.Canceled)
}
