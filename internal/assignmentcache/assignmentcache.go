// Package assignmentcache specializes the generic cache into a change-aware
// store of assignment snapshots plus the Canvas-assignment → Notion-page
// mapping. The mapping is expected to outlive a single run, so entries get a
// long TTL and are persisted when a persister is configured.
package assignmentcache

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/cache"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/model"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/jsonrs"
)

// EntryVersion tags the entry shape itself, independent of the store's
// snapshot schema version.
const EntryVersion = 2

// Entry is one cached assignment: the comparison-relevant snapshot, the sink
// mapping and bookkeeping. NotionPageID is empty only before the first
// successful create; once set it is cleared only by explicit removal.
type Entry struct {
	Assignment   model.Assignment `json:"assignment"`
	NotionPageID string           `json:"notionPageId,omitempty"`
	LastSynced   time.Time        `json:"lastSynced"`
	Version      int              `json:"version"`
}

// Comparison is the outcome of diffing fresh extraction data against the
// cached snapshot.
type Comparison struct {
	NeedsUpdate   bool
	ChangedFields []string
	Entry         *Entry
}

// Stats extends the base cache counters with mapping coverage.
type Stats struct {
	cache.Stats
	WithMapping    int `json:"withMapping"`
	WithoutMapping int `json:"withoutMapping"`
}

// Cache stores assignment entries keyed by Canvas external ID.
type Cache struct {
	log   logger.Logger
	store *cache.Cache[Entry]
	ttl   time.Duration
}

// comparisonFields is the fixed set of fields considered when deciding
// whether a Notion page needs an update.
var comparisonFields = []string{"title", "courseName", "dueAt", "pointsPossible", "status", "url", "scorePercent", "description"}

// New builds the assignment cache. Config keys live under AssignmentCache.*;
// persistence is enabled by passing a non-nil persister.
func New(conf *config.Config, log logger.Logger, persister cache.Persister) (*Cache, error) {
	log = log.Child("assignmentcache")
	ttl := conf.GetDuration("AssignmentCache.ttl", 30*24, time.Hour)
	opts := []cache.Option[Entry]{
		cache.WithSweepInterval[Entry](conf.GetDuration("AssignmentCache.sweepInterval", 10, time.Minute)),
		cache.WithMigrator[Entry](migrateEntry),
	}
	if persister != nil {
		opts = append(opts, cache.WithPersistence[Entry](persister, conf.GetString("AssignmentCache.namespace", "assignments")))
	}
	store, err := cache.New[Entry](conf.GetInt("AssignmentCache.maxSize", 2000), ttl, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("building assignment cache: %w", err)
	}
	return &Cache{log: log, store: store, ttl: ttl}, nil
}

// Close releases the underlying store's sweeper.
func (c *Cache) Close() { c.store.Close() }

// CacheAssignment stores a normalized snapshot of a plus its Notion mapping.
// An empty notionPageID means the page has not been created yet.
func (c *Cache) CacheAssignment(a model.Assignment, notionPageID string) {
	c.store.SetWithTTL(a.ExternalID, Entry{
		Assignment:   normalize(a),
		NotionPageID: notionPageID,
		LastSynced:   time.Now(),
		Version:      EntryVersion,
	}, c.ttl)
}

// Get returns the cached entry for externalID, if any.
func (c *Cache) Get(externalID string) (Entry, bool) {
	return c.store.Get(externalID)
}

// UpdateNotionMapping sets only the mapping and LastSynced, preserving the
// cached snapshot. Unknown external IDs produce a mapping-only stub that the
// next reconciliation backfills.
func (c *Cache) UpdateNotionMapping(externalID, notionPageID string) {
	e, ok := c.store.Peek(externalID)
	if !ok {
		e = Entry{Assignment: model.Assignment{ExternalID: externalID}, Version: EntryVersion}
	}
	e.NotionPageID = notionPageID
	e.LastSynced = time.Now()
	c.store.SetWithTTL(externalID, e, c.ttl)
}

// Remove drops the cached entry for externalID.
func (c *Cache) Remove(externalID string) { c.store.Delete(externalID) }

// InvalidateCourse drops every cached entry of the given course.
// Entries are keyed by external ID, so course invalidation goes by value.
func (c *Cache) InvalidateCourse(courseID string) int {
	removed := 0
	for _, key := range c.store.Keys() {
		if e, ok := c.store.Peek(key); ok && e.Assignment.CourseID == courseID {
			c.store.Delete(key)
			removed++
		}
	}
	return removed
}

// CompareAndNeedsUpdate diffs fresh extraction data against the cached
// snapshot over the fixed comparison-field set. Nil and empty values are
// treated as equal so representational differences between extraction runs do
// not force spurious updates. Without a prior entry it reports
// NeedsUpdate=true with no changed fields, forcing the lookup-or-create path.
func (c *Cache) CompareAndNeedsUpdate(fresh model.Assignment) Comparison {
	e, ok := c.store.Get(fresh.ExternalID)
	if !ok {
		return Comparison{NeedsUpdate: true}
	}
	cached, fresh := e.Assignment, normalize(fresh)

	var changed []string
	for _, field := range comparisonFields {
		if !fieldEqual(field, cached, fresh) {
			changed = append(changed, field)
		}
	}
	return Comparison{NeedsUpdate: len(changed) > 0, ChangedFields: changed, Entry: &e}
}

// CleanupPartition classifies cached entries that disappeared upstream.
// Absentees from still-active courses were legitimately removed and are
// candidates for deletion in Notion; absentees from inactive courses (e.g. a
// past enrollment) are only removed locally, leaving the Notion page alone.
type CleanupPartition struct {
	DeleteFromNotion []Entry
	RemoveLocally    []Entry
}

// CleanupInactiveCourses partitions entries absent from currentExternalIDs by
// whether their course is still in activeCourseIDs, and removes both groups
// from the local cache.
func (c *Cache) CleanupInactiveCourses(currentExternalIDs, activeCourseIDs map[string]struct{}) CleanupPartition {
	var p CleanupPartition
	for _, key := range c.store.Keys() {
		if _, stillPresent := currentExternalIDs[key]; stillPresent {
			continue
		}
		e, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if _, active := activeCourseIDs[e.Assignment.CourseID]; active {
			p.DeleteFromNotion = append(p.DeleteFromNotion, e)
		} else {
			p.RemoveLocally = append(p.RemoveLocally, e)
		}
		c.store.Delete(key)
	}
	if n := len(p.DeleteFromNotion) + len(p.RemoveLocally); n > 0 {
		c.log.Infon("cleaned up assignments no longer present upstream",
			logger.NewIntField("deleteFromNotion", int64(len(p.DeleteFromNotion))),
			logger.NewIntField("removeLocally", int64(len(p.RemoveLocally))),
		)
	}
	return p
}

// Stats returns base counters plus mapping coverage.
func (c *Cache) Stats() Stats {
	s := Stats{Stats: c.store.Stats()}
	for _, key := range c.store.Keys() {
		if e, ok := c.store.Peek(key); ok {
			if e.NotionPageID != "" {
				s.WithMapping++
			} else {
				s.WithoutMapping++
			}
		}
	}
	return s
}

// normalize reduces an assignment to its comparison-relevant shape: free text
// trimmed, nil-equivalent values canonicalized.
func normalize(a model.Assignment) model.Assignment {
	a.Title = strings.TrimSpace(a.Title)
	a.CourseName = strings.TrimSpace(a.CourseName)
	a.Description = strings.TrimSpace(a.Description)
	if a.DueAt != nil {
		utc := a.DueAt.UTC()
		a.DueAt = &utc
	}
	return a
}

func fieldEqual(field string, a, b model.Assignment) bool {
	switch field {
	case "title":
		return stringsEqual(a.Title, b.Title)
	case "courseName":
		return stringsEqual(a.CourseName, b.CourseName)
	case "dueAt":
		return timesEqual(a.DueAt, b.DueAt)
	case "pointsPossible":
		return floatsEqual(a.PointsPossible, b.PointsPossible)
	case "status":
		return a.Status == b.Status
	case "url":
		return stringsEqual(a.URL, b.URL)
	case "scorePercent":
		return floatsEqual(a.ScorePercent, b.ScorePercent)
	case "description":
		return stringsEqual(a.Description, b.Description)
	default:
		return true
	}
}

// stringsEqual treats empty as equal to empty; there is no distinction
// between "unset" and "empty" across extraction runs.
func stringsEqual(a, b string) bool { return a == b }

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func floatsEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// entryV1 is the pre-snapshot persisted shape: only the mapping survived a
// restart. Migrated entries become mapping-only stubs that the next
// reconciliation backfills with a fresh snapshot.
type entryV1 struct {
	ExternalID   string    `json:"externalId"`
	NotionPageID string    `json:"notionPageId"`
	LastSynced   time.Time `json:"lastSynced"`
}

func migrateEntry(fromVersion int, raw jsoniter.RawMessage) (jsoniter.RawMessage, bool) {
	if fromVersion != 1 {
		return nil, false
	}
	var old entryV1
	if err := jsonrs.Unmarshal(raw, &old); err != nil {
		return nil, false
	}
	upgraded, err := jsonrs.Marshal(Entry{
		Assignment:   model.Assignment{ExternalID: old.ExternalID},
		NotionPageID: old.NotionPageID,
		LastSynced:   old.LastSynced,
		Version:      EntryVersion,
	})
	if err != nil {
		return nil, false
	}
	return upgraded, true
}
