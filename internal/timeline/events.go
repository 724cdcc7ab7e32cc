// Package timeline replays issue event histories into a timeline of open
// issue and pull request counts per label.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/fenhl/github-timeline/internal/models"
)

// GlobalKind is the kind of a GlobalEvent
type GlobalKind int

const (
	IssueOpened GlobalKind = iota
	IssueClosed
	PullRequestOpened
	PullRequestClosed
	IssueLabeled
	IssueUnlabeled
	PullRequestLabeled
	PullRequestUnlabeled
)

var globalKindNames = [...]string{
	IssueOpened:          "IssueOpened",
	IssueClosed:          "IssueClosed",
	PullRequestOpened:    "PullRequestOpened",
	PullRequestClosed:    "PullRequestClosed",
	IssueLabeled:         "IssueLabeled",
	IssueUnlabeled:       "IssueUnlabeled",
	PullRequestLabeled:   "PullRequestLabeled",
	PullRequestUnlabeled: "PullRequestUnlabeled",
}

func (k GlobalKind) String() string {
	if k < 0 || int(k) >= len(globalKindNames) {
		return fmt.Sprintf("GlobalKind(%d)", int(k))
	}
	return globalKindNames[k]
}

// GlobalEvent is a change to the open counters caused by one issue.
// Open and close events carry the canonical labels the issue held at that
// moment in Labels; label events carry the single affected label in Label.
type GlobalEvent struct {
	Kind   GlobalKind
	At     time.Time
	Labels []string
	Label  string
}

// LabelConsistencyError is returned when an issue loses a label it does not hold.
// The cached or fetched history of the issue is incomplete or out of order.
type LabelConsistencyError struct {
	Issue int
	Label string
	At    time.Time
}

func (e *LabelConsistencyError) Error() string {
	return fmt.Sprintf("issue #%d was unlabeled %q at %s without holding that label",
		e.Issue, e.Label, e.At.Format(time.RFC3339))
}

// issueState is the running state of one issue during its replay
type issueState struct {
	open   bool
	labels map[string]bool
}

func (s issueState) snapshot() []string {
	labels := make([]string, 0, len(s.labels))
	for label := range s.labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// ReplayIssue turns the sorted event history of one issue into the global
// events it contributes. Raw label names are passed through normalize.
func ReplayIssue(issue models.Issue, events []models.IssueEvent, normalize func(string) string) ([]GlobalEvent, error) {
	opened, closed, labeled, unlabeled := IssueOpened, IssueClosed, IssueLabeled, IssueUnlabeled
	if issue.IsPullRequest {
		opened, closed, labeled, unlabeled = PullRequestOpened, PullRequestClosed, PullRequestLabeled, PullRequestUnlabeled
	}

	state := issueState{open: true, labels: make(map[string]bool)}
	out := []GlobalEvent{{Kind: opened, At: issue.CreatedAt, Labels: []string{}}}

	for _, event := range events {
		switch event.Kind {
		case models.EventLabeled:
			label := normalize(event.Label)
			if state.labels[label] {
				continue
			}
			state.labels[label] = true
			if state.open {
				out = append(out, GlobalEvent{Kind: labeled, At: event.CreatedAt, Label: label})
			}
		case models.EventUnlabeled:
			label := normalize(event.Label)
			if !state.labels[label] {
				return nil, &LabelConsistencyError{Issue: issue.Number, Label: label, At: event.CreatedAt}
			}
			delete(state.labels, label)
			if state.open {
				out = append(out, GlobalEvent{Kind: unlabeled, At: event.CreatedAt, Label: label})
			}
		case models.EventClosed:
			if !state.open {
				continue
			}
			state.open = false
			out = append(out, GlobalEvent{Kind: closed, At: event.CreatedAt, Labels: state.snapshot()})
		case models.EventReopened:
			if state.open {
				continue
			}
			state.open = true
			out = append(out, GlobalEvent{Kind: opened, At: event.CreatedAt, Labels: state.snapshot()})
		}
	}

	return out, nil
}

// OpenAfterReplay reports whether the issue is open at the end of its history
func OpenAfterReplay(events []models.IssueEvent) bool {
	open := true
	for _, event := range events {
		switch event.Kind {
		case models.EventClosed:
			open = false
		case models.EventReopened:
			open = true
		}
	}
	return open
}
