package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fenhl/github-timeline/internal/cache"
	"github.com/fenhl/github-timeline/internal/db"
	"github.com/fenhl/github-timeline/internal/labels"
	"github.com/fenhl/github-timeline/internal/models"
	"github.com/fenhl/github-timeline/internal/report"
	"github.com/fenhl/github-timeline/internal/timeline"
	"golang.org/x/sync/errgroup"
)

// IssueSource lists the issues of a repository and fetches their event histories
type IssueSource interface {
	ListIssues(ctx context.Context, repo models.Repository) ([]models.Issue, error)
	cache.EventSource
}

// Result is the outcome of syncing one repository
type Result struct {
	Repository models.Repository
	Run        *models.SyncRun
	Err        error
}

// Syncer rebuilds repository timelines and records each run in the ledger
type Syncer struct {
	db     *db.DB
	client IssueSource
	store  *report.Store
	labels labels.Tables
	logger *log.Logger
	// Concurrent event history fetches per repository
	workers int
	now     func() time.Time
}

// New creates a new syncer
func New(database *db.DB, client IssueSource, store *report.Store, logger *log.Logger) *Syncer {
	return &Syncer{
		db:      database,
		client:  client,
		store:   store,
		logger:  logger,
		workers: 5, // Default to 5 workers as a reasonable balance
		now:     time.Now,
	}
}

// SetWorkers sets the number of parallel event history fetches
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 10 {
		workers = 10 // Cap at 10 to avoid overwhelming GitHub API
	}
	s.workers = workers
}

// SetLabelTables sets the label normalization tables
func (s *Syncer) SetLabelTables(tables labels.Tables) {
	s.labels = tables
}

// SyncRepository rebuilds the timeline of one repository and writes its
// report. The run is recorded in the ledger whether or not it succeeded;
// a failed run leaves the previous report untouched.
func (s *Syncer) SyncRepository(ctx context.Context, repo models.Repository) (*models.SyncRun, error) {
	logger := s.logger.With("repo", repo.FullName())
	run := &models.SyncRun{
		Repository: repo.FullName(),
		StartedAt:  s.now(),
	}

	if err := s.db.SaveRepository(repo); err != nil {
		return run, fmt.Errorf("failed to save repository %s: %w", repo, err)
	}

	lastSyncTime, err := s.db.GetLastSyncTime(repo.FullName())
	if err != nil {
		return run, fmt.Errorf("failed to get last sync time for %s: %w", repo, err)
	}
	logger.Info("Syncing repository", "last_sync", lastSyncTime)

	syncErr := s.rebuild(ctx, repo, run, logger)

	run.FinishedAt = s.now()
	run.Succeeded = syncErr == nil
	if syncErr != nil {
		run.Error = syncErr.Error()
	}

	if err := s.db.RecordRun(run); err != nil {
		return run, errors.Join(syncErr, fmt.Errorf("failed to record run for %s: %w", repo, err))
	}

	if syncErr != nil {
		return run, syncErr
	}

	logger.Info("Successfully synced repository",
		"issues", run.Issues,
		"data_points", run.DataPoints,
		"cache_hits", run.CacheHits,
		"cache_misses", run.CacheMisses,
		"took", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return run, nil
}

// rebuild loads the previous report, replays every issue and saves the new report
func (s *Syncer) rebuild(ctx context.Context, repo models.Repository, run *models.SyncRun, logger *log.Logger) error {
	previous, err := s.store.Load(repo)
	if err != nil {
		return err
	}
	c := previous.Cache()

	logger.Debug("Fetching issues from GitHub", "cached", c.Len())
	issues, err := s.client.ListIssues(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to list issues for %s: %w", repo, err)
	}
	run.Issues = len(issues)
	logger.Info("Found issues", "issues", len(issues))

	numbers := make([]int, len(issues))
	for i, issue := range issues {
		numbers[i] = issue.Number
	}
	if dropped := c.Retain(numbers); dropped > 0 {
		logger.Debug("Dropped cache entries of vanished issues", "dropped", dropped)
	}

	if err := c.Prefetch(ctx, s.client, issues, s.workers); err != nil {
		return fmt.Errorf("failed to fetch issue events for %s: %w", repo, err)
	}

	builder := timeline.NewBuilder(s.labels.For(repo))
	for _, issue := range issues {
		events, err := c.Lookup(ctx, s.client, issue)
		if err != nil {
			return fmt.Errorf("failed to fetch events for issue #%d: %w", issue.Number, err)
		}

		if open := timeline.OpenAfterReplay(events); open != (issue.State == "open") {
			logger.Warn("Issue state disagrees with its event history",
				"issue", issue.Number,
				"state", issue.State,
				"open_after_replay", open)
		}

		if err := builder.Add(issue, events); err != nil {
			return fmt.Errorf("failed to replay issue #%d: %w", issue.Number, err)
		}
	}

	points := builder.Build(s.now())
	stats := c.Stats()
	run.DataPoints = len(points)
	run.CacheHits = stats.Hits
	run.CacheMisses = stats.Misses

	if err := s.store.Save(repo, report.Assemble(builder.Labels(), points, c)); err != nil {
		return err
	}
	return nil
}

// SyncAll syncs repositories, at most parallel at a time. A failing
// repository does not stop the others; results are returned in input order.
func (s *Syncer) SyncAll(ctx context.Context, repos []models.Repository, parallel int) []Result {
	if parallel < 1 {
		parallel = 1
	}

	results := make([]Result, len(repos))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			run, err := s.SyncRepository(ctx, repo)
			if err != nil {
				s.logger.Error("Failed to sync repository", "repo", repo.FullName(), "err", err)
			}
			results[i] = Result{Repository: repo, Run: run, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Failed counts the results that carry an error
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
