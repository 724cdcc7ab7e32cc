package models

import (
	"fmt"
	"strings"
	"time"
)

// Repository identifies a GitHub repository by owner and name
type Repository struct {
	Owner string
	Name  string
}

// FullName returns the repository in the format "owner/name"
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r Repository) String() string {
	return r.FullName()
}

// ParseRepository parses a repository string in the format "owner/name"
func ParseRepository(repoStr string) (Repository, error) {
	owner, name, ok := strings.Cut(repoStr, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repository{}, fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return Repository{Owner: owner, Name: name}, nil
}

// Issue represents a GitHub issue or pull request as listed by the issues endpoint
type Issue struct {
	Number        int
	State         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IsPullRequest bool
	EventsURL     string
}

// EventKind is the subset of upstream issue event types that affect counting
type EventKind string

const (
	EventLabeled   EventKind = "labeled"
	EventUnlabeled EventKind = "unlabeled"
	EventClosed    EventKind = "closed"
	EventReopened  EventKind = "reopened"
	// EventOther covers every other upstream event type (assigned, merged, renamed, ...)
	EventOther EventKind = "other"
)

// ParseEventKind maps an upstream event type name to an EventKind
func ParseEventKind(event string) EventKind {
	switch kind := EventKind(event); kind {
	case EventLabeled, EventUnlabeled, EventClosed, EventReopened:
		return kind
	default:
		return EventOther
	}
}

// IssueEvent is a single timestamped entry of an issue's event history.
// Label is only set for labeled and unlabeled events.
type IssueEvent struct {
	Kind      EventKind `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Label     string    `json:"label,omitempty"`
}

// DataPoint is one sample of the open issue and pull request counters
type DataPoint struct {
	Timestamp   time.Time      `json:"timestamp"`
	OpenIssues  int            `json:"open_issues"`
	OpenPRs     int            `json:"open_prs"`
	IssueLabels map[string]int `json:"issue_labels"`
	PRLabels    map[string]int `json:"pr_labels"`
}

// SyncRun records the outcome of processing one repository
type SyncRun struct {
	ID          string
	Repository  string
	StartedAt   time.Time
	FinishedAt  time.Time
	Succeeded   bool
	Issues      int
	DataPoints  int
	CacheHits   int
	CacheMisses int
	Error       string
}

// SyncStatus summarizes the sync history of a repository
type SyncStatus struct {
	Repository   string
	LastSyncTime time.Time
	LastRun      *SyncRun
}
