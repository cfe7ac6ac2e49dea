// Package syncer reconciles extracted Canvas assignments into Notion pages.
// A pass never aborts on a single record: every assignment ends up with a
// created/updated/skipped/error result, and only context cancellation stops a
// run early.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/assignmentcache"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/model"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/notion"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/retry"
)

// notionClient is the slice of the Notion client the engine uses.
type notionClient interface {
	QueryByExternalID(ctx context.Context, externalID string) (*notion.Page, error)
	CreatePage(ctx context.Context, properties []byte) (string, error)
	UpdatePage(ctx context.Context, pageID string, properties []byte) error
	ArchivePage(ctx context.Context, pageID string) error
	PageProperties(a model.Assignment) ([]byte, error)
}

// Syncer is the reconciliation engine. One instance runs one pass at a time;
// passes are not concurrent with each other.
type Syncer struct {
	log   logger.Logger
	stat  stats.Stats
	cache *assignmentcache.Cache
	sink  notionClient
	retry *retry.Policy

	lookupChunkSize    int
	lookupChunkDelay   time.Duration
	dispatchChunkSize  int
	dispatchChunkDelay time.Duration
}

func New(conf *config.Config, log logger.Logger, stat stats.Stats, cache *assignmentcache.Cache, sink notionClient, policy *retry.Policy) *Syncer {
	return &Syncer{
		log:                log.Child("syncer"),
		stat:               stat,
		cache:              cache,
		sink:               sink,
		retry:              policy,
		lookupChunkSize:    conf.GetInt("Sync.lookupChunkSize", 5),
		lookupChunkDelay:   conf.GetDuration("Sync.lookupChunkDelay", 200, time.Millisecond),
		dispatchChunkSize:  conf.GetInt("Sync.dispatchChunkSize", 4),
		dispatchChunkDelay: conf.GetDuration("Sync.dispatchChunkDelay", 250, time.Millisecond),
	}
}

// workItem carries one assignment through the pass.
type workItem struct {
	assignment model.Assignment
	pageID     string       // known Notion page, "" until looked up or created
	existing   model.Status // status already recorded in the sink, "" if unknown
	properties []byte
	created    bool // settled via CreatePage rather than UpdatePage
	done       bool // record already settled, skip further handling
}

// Run reconciles the given assignments into the sink and prunes cache entries
// belonging to courses no longer active. The returned summary covers every
// input assignment even when individual records fail.
func (s *Syncer) Run(ctx context.Context, assignments []model.Assignment, activeCourseIDs []string) (*model.SyncSummary, error) {
	runID := uuid.NewString()
	log := s.log.Withn(logger.NewStringField("runId", runID))
	log.Infon("starting reconciliation pass", logger.NewIntField("assignments", int64(len(assignments))))

	summary := &model.SyncSummary{RunID: runID}

	items, misses := s.resolveFromCache(assignments)
	if err := s.lookupMisses(ctx, misses, summary); err != nil {
		summary.Success = false
		return summary, err
	}

	var pending []*workItem
	for _, item := range items {
		if item.done {
			// lookup already recorded an error result for this one
			continue
		}
		result, ok := s.diff(item)
		if !ok {
			pending = append(pending, item)
			continue
		}
		s.count(result.Action)
		summary.Add(result)
	}

	if err := s.dispatch(ctx, pending, summary); err != nil {
		summary.Success = false
		return summary, err
	}

	s.cleanup(ctx, assignments, activeCourseIDs, log)

	summary.Success = summary.ErrorCount == 0
	log.Infon("reconciliation pass finished",
		logger.NewIntField("created", int64(summary.Created)),
		logger.NewIntField("updated", int64(summary.Updated)),
		logger.NewIntField("skipped", int64(summary.Skipped)),
		logger.NewIntField("errors", int64(summary.ErrorCount)),
	)
	return summary, nil
}

// resolveFromCache builds the work items and returns the ones whose Notion
// mapping must be looked up remotely.
func (s *Syncer) resolveFromCache(assignments []model.Assignment) ([]*workItem, []*workItem) {
	items := make([]*workItem, 0, len(assignments))
	var misses []*workItem
	for _, a := range assignments {
		item := &workItem{assignment: a}
		if e, ok := s.cache.Get(a.ExternalID); ok && e.NotionPageID != "" {
			item.pageID = e.NotionPageID
			item.existing = e.Assignment.Status
		} else {
			misses = append(misses, item)
		}
		items = append(items, item)
	}
	return items, misses
}

// lookupMisses queries the sink for assignments the cache has no mapping for,
// a bounded chunk at a time. A failed lookup becomes an error result for that
// record; only context cancellation aborts.
func (s *Syncer) lookupMisses(ctx context.Context, misses []*workItem, summary *model.SyncSummary) error {
	var mu sync.Mutex
	for i, chunk := range lo.Chunk(misses, s.lookupChunkSize) {
		if i > 0 {
			if err := sleepCtx(ctx, s.lookupChunkDelay); err != nil {
				return err
			}
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, item := range chunk {
			item := item
			g.Go(func() error {
				page, err := s.sink.QueryByExternalID(gctx, item.assignment.ExternalID)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					mu.Lock()
					s.count(model.ActionError)
					summary.Add(model.SyncResult{
						Action:     model.ActionError,
						ExternalID: item.assignment.ExternalID,
						Title:      item.assignment.Title,
						Detail:     fmt.Sprintf("lookup failed: %v", err),
					})
					mu.Unlock()
					item.done = true
					return nil
				}
				if page != nil {
					item.pageID = page.ID
					item.existing = page.Status
					s.cache.UpdateNotionMapping(item.assignment.ExternalID, page.ID)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// diff decides whether an item needs a sink write. It returns a final result
// and true when the record can be settled without one.
func (s *Syncer) diff(item *workItem) (model.SyncResult, bool) {
	a := item.assignment

	if item.pageID != "" {
		cmp := s.cache.CompareAndNeedsUpdate(a)
		if !cmp.NeedsUpdate {
			return model.SyncResult{
				Action:       model.ActionSkipped,
				ExternalID:   a.ExternalID,
				NotionPageID: item.pageID,
				Title:        a.Title,
				Detail:       "unchanged",
			}, true
		}
	}

	props, err := s.sink.PageProperties(a)
	if err == nil && item.existing.Rank() > a.Status.Rank() {
		// statuses only move forward: a fresh extraction ranking below what
		// the sink already shows keeps the sink's status
		props, err = sjson.SetBytes(props, "Status.select.name", string(item.existing))
		item.assignment.Status = item.existing
	}
	if err != nil {
		s.count(model.ActionError)
		return model.SyncResult{
			Action:     model.ActionError,
			ExternalID: a.ExternalID,
			Title:      a.Title,
			Detail:     fmt.Sprintf("building properties: %v", err),
		}, true
	}
	item.properties = props
	return model.SyncResult{}, false
}

// dispatch applies the pending writes a chunk at a time, concurrently within a
// chunk. Each record settles on its own inside the chunk: a failed write
// becomes an error result without touching its siblings, whose calls run to
// completion against the parent context. A retried create could otherwise
// land twice at the sink, so a record is never written more than once per
// pass. Only an aggregate failure leaving records unsettled falls back to
// sequential processing of the remainder.
func (s *Syncer) dispatch(ctx context.Context, pending []*workItem, summary *model.SyncSummary) error {
	var mu sync.Mutex
	settleErr := func(item *workItem, err error) {
		item.done = true
		mu.Lock()
		s.count(model.ActionError)
		summary.Add(model.SyncResult{
			Action:       model.ActionError,
			ExternalID:   item.assignment.ExternalID,
			NotionPageID: item.pageID,
			Title:        item.assignment.Title,
			Detail:       err.Error(),
		})
		mu.Unlock()
	}

	for i, chunk := range lo.Chunk(pending, s.dispatchChunkSize) {
		if i > 0 {
			if err := sleepCtx(ctx, s.dispatchChunkDelay); err != nil {
				return err
			}
		}

		var g errgroup.Group
		for _, item := range chunk {
			item := item
			g.Go(func() error {
				if err := s.write(ctx, item); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					settleErr(item, err)
					return nil
				}
				item.done = true
				mu.Lock()
				s.settle(item, summary)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnn("chunk dispatch failed, finishing sequentially", obskit.Error(err))
			for _, item := range chunk {
				if item.done {
					continue
				}
				if err := s.write(ctx, item); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					settleErr(item, err)
					continue
				}
				item.done = true
				s.settle(item, summary)
			}
		}
	}
	return nil
}

// write performs one create or update under the retry policy.
func (s *Syncer) write(ctx context.Context, item *workItem) error {
	id := item.assignment.ExternalID
	if item.pageID == "" {
		item.created = true
		return s.retry.Do(ctx, "create page for "+id, func() error {
			pageID, err := s.sink.CreatePage(ctx, item.properties)
			if err != nil {
				return err
			}
			item.pageID = pageID
			return nil
		})
	}
	return s.retry.Do(ctx, "update page for "+id, func() error {
		return s.sink.UpdatePage(ctx, item.pageID, item.properties)
	})
}

// settle records a successful write: result, counters and the cache snapshot
// the next pass will compare against.
func (s *Syncer) settle(item *workItem, summary *model.SyncSummary) {
	action := model.ActionUpdated
	if item.created {
		action = model.ActionCreated
	}
	s.cache.CacheAssignment(item.assignment, item.pageID)
	s.count(action)
	summary.Add(model.SyncResult{
		Action:       action,
		ExternalID:   item.assignment.ExternalID,
		NotionPageID: item.pageID,
		Title:        item.assignment.Title,
	})
}

// cleanup prunes cache entries whose assignments disappeared, archiving the
// sink pages of entries whose course is still active. Cleanup failures are
// logged, never fatal to the pass.
func (s *Syncer) cleanup(ctx context.Context, assignments []model.Assignment, activeCourseIDs []string, log logger.Logger) {
	current := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		current[a.ExternalID] = struct{}{}
	}
	active := make(map[string]struct{}, len(activeCourseIDs))
	for _, id := range activeCourseIDs {
		active[id] = struct{}{}
	}

	partition := s.cache.CleanupInactiveCourses(current, active)
	for _, e := range partition.DeleteFromNotion {
		if e.NotionPageID == "" {
			continue
		}
		e := e
		err := s.retry.Do(ctx, "archive page for "+e.Assignment.ExternalID, func() error {
			return s.sink.ArchivePage(ctx, e.NotionPageID)
		})
		if err != nil {
			log.Warnn("archiving stale page failed",
				logger.NewStringField("externalId", e.Assignment.ExternalID),
				obskit.Error(err),
			)
		}
	}
	if n := len(partition.RemoveLocally); n > 0 {
		log.Infon("dropped entries of inactive courses", logger.NewIntField("entries", int64(n)))
	}
}

func (s *Syncer) count(action model.SyncAction) {
	s.stat.NewTaggedStat("sync_actions", stats.CountType, stats.Tags{"action": string(action)}).Increment()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
