// Package cache keeps the event history of every issue between runs so that
// only issues modified since the previous run are fetched again.
package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fenhl/github-timeline/internal/models"
	"golang.org/x/sync/errgroup"
)

// EventSource fetches the event history of an issue
type EventSource interface {
	IssueEvents(ctx context.Context, issue models.Issue) ([]models.IssueEvent, error)
}

// Stats counts cache hits and misses since the cache was created
type Stats struct {
	Hits   int
	Misses int
}

// Cache maps issue numbers to the modification time they had when their
// events were last fetched, and to those events sorted by time.
//
// A Cache is not safe for concurrent use.
type Cache struct {
	lastUpdated map[int]time.Time
	events      map[int][]models.IssueEvent
	prefetched  map[int]bool
	stats       Stats
}

// New creates a cache from persisted state. Nil maps are allowed.
func New(lastUpdated map[int]time.Time, events map[int][]models.IssueEvent) *Cache {
	c := &Cache{
		lastUpdated: make(map[int]time.Time, len(lastUpdated)),
		events:      make(map[int][]models.IssueEvent, len(events)),
		prefetched:  make(map[int]bool),
	}
	for number, updatedAt := range lastUpdated {
		// entries without events were never completed and are ignored
		if evs, ok := events[number]; ok {
			c.lastUpdated[number] = updatedAt
			c.events[number] = evs
		}
	}
	return c
}

// Lookup returns the events of issue, sorted by time. The cached list is
// returned as is when the issue was not modified since it was fetched;
// otherwise the events are fetched from source and the entry is replaced.
func (c *Cache) Lookup(ctx context.Context, source EventSource, issue models.Issue) ([]models.IssueEvent, error) {
	if events, ok := c.fresh(issue); ok {
		if c.prefetched[issue.Number] {
			delete(c.prefetched, issue.Number)
		} else {
			c.stats.Hits++
		}
		return events, nil
	}

	events, err := fetchSorted(ctx, source, issue)
	if err != nil {
		return nil, err
	}
	c.stats.Misses++
	c.store(issue, events)
	return events, nil
}

// Prefetch fetches the events of every issue that would miss in Lookup,
// running at most workers requests at a time. Entries are stored by the
// calling goroutine once all fetches succeeded; on error nothing is stored.
func (c *Cache) Prefetch(ctx context.Context, source EventSource, issues []models.Issue, workers int) error {
	var misses []models.Issue
	for _, issue := range issues {
		if _, ok := c.fresh(issue); !ok {
			misses = append(misses, issue)
		}
	}
	if len(misses) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}

	results := make([][]models.IssueEvent, len(misses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, issue := range misses {
		i, issue := i, issue
		g.Go(func() error {
			events, err := fetchSorted(gctx, source, issue)
			if err != nil {
				return err
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, issue := range misses {
		c.stats.Misses++
		c.store(issue, results[i])
		c.prefetched[issue.Number] = true
	}
	return nil
}

// Retain drops every entry whose issue number is not in numbers
func (c *Cache) Retain(numbers []int) int {
	keep := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		keep[n] = true
	}
	dropped := 0
	for n := range c.events {
		if !keep[n] {
			delete(c.events, n)
			delete(c.lastUpdated, n)
			delete(c.prefetched, n)
			dropped++
		}
	}
	return dropped
}

// Stats returns the hit and miss counters
func (c *Cache) Stats() Stats {
	return c.stats
}

// Len returns the number of cached issues
func (c *Cache) Len() int {
	return len(c.events)
}

// Snapshot returns the persisted form of the cache. The returned maps share
// event slices with the cache and must not be modified.
func (c *Cache) Snapshot() (map[int]time.Time, map[int][]models.IssueEvent) {
	lastUpdated := make(map[int]time.Time, len(c.lastUpdated))
	events := make(map[int][]models.IssueEvent, len(c.events))
	for n, t := range c.lastUpdated {
		lastUpdated[n] = t
		events[n] = c.events[n]
	}
	return lastUpdated, events
}

func (c *Cache) fresh(issue models.Issue) ([]models.IssueEvent, bool) {
	updatedAt, ok := c.lastUpdated[issue.Number]
	if !ok || !updatedAt.Equal(issue.UpdatedAt) {
		return nil, false
	}
	events, ok := c.events[issue.Number]
	return events, ok
}

func (c *Cache) store(issue models.Issue, events []models.IssueEvent) {
	c.lastUpdated[issue.Number] = issue.UpdatedAt
	c.events[issue.Number] = events
}

func fetchSorted(ctx context.Context, source EventSource, issue models.Issue) ([]models.IssueEvent, error) {
	events, err := source.IssueEvents(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for issue #%d: %w", issue.Number, err)
	}
	if events == nil {
		events = []models.IssueEvent{}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}
