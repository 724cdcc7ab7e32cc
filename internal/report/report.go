// Package report assembles and persists the per-repository timeline report.
//
// One JSON document is kept per repository at {dir}/{owner}/{name}.json:
//
//	{
//	  "last_updated": {"12": "2024-01-02T03:04:05Z", ...},
//	  "issue_events_cache": {"12": [{"event": "labeled", "created_at": "...", "label": "bug"}, ...], ...},
//	  "labels": ["bug", ...],
//	  "timeline": [{"timestamp": "...", "open_issues": 3, "open_prs": 1, "issue_labels": {...}, "pr_labels": {...}}, ...]
//	}
//
// The cache fields seed the next run; the labels and timeline feed the dashboards.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fenhl/github-timeline/internal/cache"
	"github.com/fenhl/github-timeline/internal/models"
)

// Report is the persisted result of one repository run
type Report struct {
	LastUpdated      map[int]time.Time           `json:"last_updated"`
	IssueEventsCache map[int][]models.IssueEvent `json:"issue_events_cache"`
	Labels           []string                    `json:"labels"`
	Timeline         []models.DataPoint          `json:"timeline"`
}

// Assemble wraps a finished timeline and the cache that produced it
func Assemble(labels []string, timeline []models.DataPoint, c *cache.Cache) *Report {
	lastUpdated, events := c.Snapshot()
	if labels == nil {
		labels = []string{}
	}
	if timeline == nil {
		timeline = []models.DataPoint{}
	}
	return &Report{
		LastUpdated:      lastUpdated,
		IssueEventsCache: events,
		Labels:           labels,
		Timeline:         timeline,
	}
}

// Cache returns an issue history cache seeded from the report
func (r *Report) Cache() *cache.Cache {
	return cache.New(r.LastUpdated, r.IssueEventsCache)
}

// Store reads and writes reports below a data directory
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the report file of a repository
func (s *Store) Path(repo models.Repository) string {
	return filepath.Join(s.dir, repo.Owner, repo.Name+".json")
}

// Load reads the report of a repository. A missing file yields an empty report.
func (s *Store) Load(repo models.Repository) (*Report, error) {
	path := s.Path(repo)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Report{}, nil
		}
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}

// Save writes the report of a repository atomically: a temporary file is
// written and synced next to the target, then renamed over it.
func (s *Store) Save(repo models.Repository, r *Report) (err error) {
	path := s.Path(repo)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err = encoder.Encode(r); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	return nil
}
