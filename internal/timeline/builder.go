package timeline

import (
	"sort"
	"time"

	"github.com/fenhl/github-timeline/internal/models"
)

// Builder merges the global events of many issues and replays them into a timeline
type Builder struct {
	normalize func(string) string
	events    []GlobalEvent
	labels    map[string]bool
	sorted    bool
}

// NewBuilder creates a builder that normalizes labels with normalize.
// A nil normalize keeps labels unchanged.
func NewBuilder(normalize func(string) string) *Builder {
	if normalize == nil {
		normalize = func(label string) string { return label }
	}
	return &Builder{
		normalize: normalize,
		labels:    make(map[string]bool),
	}
}

// Add replays one issue and merges its global events.
// On error nothing from the issue is merged.
func (b *Builder) Add(issue models.Issue, events []models.IssueEvent) error {
	global, err := ReplayIssue(issue, events, b.normalize)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Kind == models.EventLabeled || event.Kind == models.EventUnlabeled {
			b.labels[b.normalize(event.Label)] = true
		}
	}
	b.events = append(b.events, global...)
	b.sorted = false
	return nil
}

// Labels returns the sorted canonical labels seen in any added issue
func (b *Builder) Labels() []string {
	labels := make([]string, 0, len(b.labels))
	for label := range b.labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Events returns the merged global events ordered by time. Events with equal
// timestamps keep the order in which they were added.
func (b *Builder) Events() []GlobalEvent {
	if !b.sorted {
		sort.SliceStable(b.events, func(i, j int) bool {
			return b.events[i].At.Before(b.events[j].At)
		})
		b.sorted = true
	}
	return b.events
}

// Build replays the merged events. For every distinct timestamp it emits the
// counters before and after that timestamp's events, then a final point at
// now with the end state.
func (b *Builder) Build(now time.Time) []models.DataPoint {
	events := b.Events()
	points := make([]models.DataPoint, 0, 2*len(events)+1)

	acc := newAccumulator()
	for start := 0; start < len(events); {
		at := events[start].At
		end := start + 1
		for end < len(events) && events[end].At.Equal(at) {
			end++
		}

		var emitted []models.DataPoint
		acc, emitted = acc.step(at, events[start:end])
		points = append(points, emitted...)
		start = end
	}

	return append(points, acc.point(now))
}

// accumulator holds the running counters of the replay. Its methods never
// modify the receiver.
type accumulator struct {
	openIssues  int
	openPRs     int
	issueLabels map[string]int
	prLabels    map[string]int
}

func newAccumulator() accumulator {
	return accumulator{
		issueLabels: map[string]int{},
		prLabels:    map[string]int{},
	}
}

// step applies all events of one timestamp and returns the new accumulator
// together with the data points before and after them
func (a accumulator) step(at time.Time, events []GlobalEvent) (accumulator, []models.DataPoint) {
	next := a.clone()
	for _, event := range events {
		next.apply(event)
	}
	return next, []models.DataPoint{a.point(at), next.point(at)}
}

// apply mutates a freshly cloned accumulator; only step calls it
func (a *accumulator) apply(event GlobalEvent) {
	switch event.Kind {
	case IssueOpened:
		a.openIssues++
		addAll(a.issueLabels, event.Labels, 1)
	case IssueClosed:
		a.openIssues--
		addAll(a.issueLabels, event.Labels, -1)
	case PullRequestOpened:
		a.openPRs++
		addAll(a.prLabels, event.Labels, 1)
	case PullRequestClosed:
		a.openPRs--
		addAll(a.prLabels, event.Labels, -1)
	case IssueLabeled:
		a.issueLabels[event.Label]++
	case IssueUnlabeled:
		a.issueLabels[event.Label]--
	case PullRequestLabeled:
		a.prLabels[event.Label]++
	case PullRequestUnlabeled:
		a.prLabels[event.Label]--
	}
}

func addAll(counts map[string]int, labels []string, delta int) {
	for _, label := range labels {
		counts[label] += delta
	}
}

func (a accumulator) clone() accumulator {
	return accumulator{
		openIssues:  a.openIssues,
		openPRs:     a.openPRs,
		issueLabels: copyCounts(a.issueLabels),
		prLabels:    copyCounts(a.prLabels),
	}
}

func (a accumulator) point(at time.Time) models.DataPoint {
	return models.DataPoint{
		Timestamp:   at,
		OpenIssues:  a.openIssues,
		OpenPRs:     a.openPRs,
		IssueLabels: copyCounts(a.issueLabels),
		PRLabels:    copyCounts(a.prLabels),
	}
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for label, n := range counts {
		out[label] = n
	}
	return out
}
