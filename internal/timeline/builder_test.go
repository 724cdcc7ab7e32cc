package timeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fenhl/github-timeline/internal/models"
	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

var (
	t0  = time.Date(2021, 6, 1, 9, 0, 0, 0, time.UTC)
	t1  = t0.Add(time.Hour)
	t2  = t0.Add(2 * time.Hour)
	t3  = t0.Add(3 * time.Hour)
	now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func point(at time.Time, openIssues, openPRs int, issueLabels, prLabels map[string]int) models.DataPoint {
	if issueLabels == nil {
		issueLabels = map[string]int{}
	}
	if prLabels == nil {
		prLabels = map[string]int{}
	}
	return models.DataPoint{
		Timestamp:   at,
		OpenIssues:  openIssues,
		OpenPRs:     openPRs,
		IssueLabels: issueLabels,
		PRLabels:    prLabels,
	}
}

func TestBuildLabeledThenClosedIssue(t *testing.T) {
	b := NewBuilder(nil)
	err := b.Add(
		models.Issue{Number: 1, CreatedAt: t0, UpdatedAt: t2},
		[]models.IssueEvent{
			{Kind: models.EventLabeled, CreatedAt: t1, Label: "bug"},
			{Kind: models.EventClosed, CreatedAt: t2},
		},
	)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	want := []models.DataPoint{
		point(t0, 0, 0, nil, nil),
		point(t0, 1, 0, nil, nil),
		point(t1, 1, 0, nil, nil),
		point(t1, 1, 0, map[string]int{"bug": 1}, nil),
		point(t2, 1, 0, map[string]int{"bug": 1}, nil),
		point(t2, 0, 0, map[string]int{"bug": 0}, nil),
		point(now, 0, 0, map[string]int{"bug": 0}, nil),
	}
	if diff := cmp.Diff(want, b.Build(now)); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bug"}, b.Labels()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPullRequestCountsSeparately(t *testing.T) {
	b := NewBuilder(nil)
	if err := b.Add(models.Issue{Number: 1, CreatedAt: t0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(
		models.Issue{Number: 2, CreatedAt: t1, IsPullRequest: true},
		[]models.IssueEvent{{Kind: models.EventLabeled, CreatedAt: t2, Label: "ready"}},
	); err != nil {
		t.Fatal(err)
	}

	got := b.Build(now)
	last := got[len(got)-1]
	if diff := cmp.Diff(point(now, 1, 1, nil, map[string]int{"ready": 1}), last); diff != "" {
		t.Errorf("final point mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayIssue(t *testing.T) {
	upper := strings.ToUpper

	tests := []struct {
		name      string
		issue     models.Issue
		events    []models.IssueEvent
		normalize func(string) string
		want      []GlobalEvent
	}{
		{
			name:  "duplicate label is a no-op",
			issue: models.Issue{Number: 1, CreatedAt: t0},
			events: []models.IssueEvent{
				{Kind: models.EventLabeled, CreatedAt: t1, Label: "bug"},
				{Kind: models.EventLabeled, CreatedAt: t2, Label: "bug"},
			},
			want: []GlobalEvent{
				{Kind: IssueOpened, At: t0, Labels: []string{}},
				{Kind: IssueLabeled, At: t1, Label: "bug"},
			},
		},
		{
			name:  "labels applied while closed count on reopen",
			issue: models.Issue{Number: 1, CreatedAt: t0},
			events: []models.IssueEvent{
				{Kind: models.EventClosed, CreatedAt: t1},
				{Kind: models.EventLabeled, CreatedAt: t2, Label: "wontfix"},
				{Kind: models.EventReopened, CreatedAt: t3},
			},
			want: []GlobalEvent{
				{Kind: IssueOpened, At: t0, Labels: []string{}},
				{Kind: IssueClosed, At: t1, Labels: []string{}},
				{Kind: IssueOpened, At: t3, Labels: []string{"wontfix"}},
			},
		},
		{
			name:  "unlabel while closed emits nothing",
			issue: models.Issue{Number: 1, CreatedAt: t0},
			events: []models.IssueEvent{
				{Kind: models.EventLabeled, CreatedAt: t0, Label: "bug"},
				{Kind: models.EventClosed, CreatedAt: t1},
				{Kind: models.EventUnlabeled, CreatedAt: t2, Label: "bug"},
			},
			want: []GlobalEvent{
				{Kind: IssueOpened, At: t0, Labels: []string{}},
				{Kind: IssueLabeled, At: t0, Label: "bug"},
				{Kind: IssueClosed, At: t1, Labels: []string{"bug"}},
			},
		},
		{
			name:  "labels are normalized",
			issue: models.Issue{Number: 1, CreatedAt: t0, IsPullRequest: true},
			events: []models.IssueEvent{
				{Kind: models.EventLabeled, CreatedAt: t1, Label: "bug"},
				{Kind: models.EventLabeled, CreatedAt: t1, Label: "Bug"},
				{Kind: models.EventUnlabeled, CreatedAt: t2, Label: "bug"},
			},
			normalize: upper,
			want: []GlobalEvent{
				{Kind: PullRequestOpened, At: t0, Labels: []string{}},
				{Kind: PullRequestLabeled, At: t1, Label: "BUG"},
				{Kind: PullRequestUnlabeled, At: t2, Label: "BUG"},
			},
		},
		{
			name:  "repeated close and other events",
			issue: models.Issue{Number: 1, CreatedAt: t0, IsPullRequest: true},
			events: []models.IssueEvent{
				{Kind: models.EventOther, CreatedAt: t1},
				{Kind: models.EventClosed, CreatedAt: t2},
				{Kind: models.EventClosed, CreatedAt: t2},
				{Kind: models.EventReopened, CreatedAt: t3},
				{Kind: models.EventReopened, CreatedAt: t3},
			},
			want: []GlobalEvent{
				{Kind: PullRequestOpened, At: t0, Labels: []string{}},
				{Kind: PullRequestClosed, At: t2, Labels: []string{}},
				{Kind: PullRequestOpened, At: t3, Labels: []string{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalize := tt.normalize
			if normalize == nil {
				normalize = func(s string) string { return s }
			}
			got, err := ReplayIssue(tt.issue, tt.events, normalize)
			if err != nil {
				t.Fatalf("ReplayIssue() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnlabelWithoutLabelFails(t *testing.T) {
	b := NewBuilder(nil)
	err := b.Add(
		models.Issue{Number: 42, CreatedAt: t0},
		[]models.IssueEvent{
			{Kind: models.EventLabeled, CreatedAt: t1, Label: "bug"},
			{Kind: models.EventUnlabeled, CreatedAt: t2, Label: "feature"},
		},
	)

	var consistencyErr *LabelConsistencyError
	if !errors.As(err, &consistencyErr) {
		t.Fatalf("Add() error = %v, want *LabelConsistencyError", err)
	}
	if consistencyErr.Issue != 42 || consistencyErr.Label != "feature" || !consistencyErr.At.Equal(t2) {
		t.Errorf("error = %+v", consistencyErr)
	}
	if len(b.Events()) != 0 || len(b.Labels()) != 0 {
		t.Errorf("failed issue was merged: %d events, labels %v", len(b.Events()), b.Labels())
	}
}

func TestEventsKeepInsertionOrderOnTies(t *testing.T) {
	b := NewBuilder(nil)
	for n := 1; n <= 3; n++ {
		if err := b.Add(models.Issue{Number: n, CreatedAt: t1, IsPullRequest: n == 2}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Add(models.Issue{Number: 4, CreatedAt: t0}, nil); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for _, e := range b.Events() {
		kinds = append(kinds, fmt.Sprintf("%s@%d", e.Kind, e.At.Hour()))
	}
	want := []string{"IssueOpened@9", "IssueOpened@10", "PullRequestOpened@10", "IssueOpened@10"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildEmpty(t *testing.T) {
	got := NewBuilder(nil).Build(now)
	if diff := cmp.Diff([]models.DataPoint{point(now, 0, 0, nil, nil)}, got); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenAfterReplay(t *testing.T) {
	if !OpenAfterReplay(nil) {
		t.Error("issue without events should be open")
	}
	closed := []models.IssueEvent{{Kind: models.EventClosed, CreatedAt: t1}}
	if OpenAfterReplay(closed) {
		t.Error("closed issue reported open")
	}
	reopened := append(closed, models.IssueEvent{Kind: models.EventReopened, CreatedAt: t2})
	if !OpenAfterReplay(reopened) {
		t.Error("reopened issue reported closed")
	}
}

type generatedIssue struct {
	issue  models.Issue
	events []models.IssueEvent
}

// drawIssues generates issues with consistent, time-sorted histories
func drawIssues(t *rapid.T) []generatedIssue {
	labelNames := []string{"bug", "feature", "docs"}
	count := rapid.IntRange(0, 6).Draw(t, "issues")
	issues := make([]generatedIssue, 0, count)
	for n := 1; n <= count; n++ {
		at := t0.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "created")) * time.Hour)
		issue := models.Issue{Number: n, CreatedAt: at, IsPullRequest: rapid.Bool().Draw(t, "pr")}
		held := map[string]bool{}
		var events []models.IssueEvent
		for i, steps := 0, rapid.IntRange(0, 8).Draw(t, "steps"); i < steps; i++ {
			at = at.Add(time.Duration(rapid.IntRange(0, 2).Draw(t, "gap")) * time.Hour)
			label := rapid.SampledFrom(labelNames).Draw(t, "label")
			switch rapid.IntRange(0, 4).Draw(t, "kind") {
			case 0:
				held[label] = true
				events = append(events, models.IssueEvent{Kind: models.EventLabeled, CreatedAt: at, Label: label})
			case 1:
				if held[label] {
					delete(held, label)
					events = append(events, models.IssueEvent{Kind: models.EventUnlabeled, CreatedAt: at, Label: label})
				}
			case 2:
				events = append(events, models.IssueEvent{Kind: models.EventClosed, CreatedAt: at})
			case 3:
				events = append(events, models.IssueEvent{Kind: models.EventReopened, CreatedAt: at})
			default:
				events = append(events, models.IssueEvent{Kind: models.EventOther, CreatedAt: at})
			}
		}
		issues = append(issues, generatedIssue{issue: issue, events: events})
	}
	return issues
}

func build(t *rapid.T, issues []generatedIssue) *Builder {
	b := NewBuilder(nil)
	for _, gi := range issues {
		if err := b.Add(gi.issue, gi.events); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	return b
}

func TestBuildIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		issues := drawIssues(t)
		first := build(t, issues).Build(now)
		second := build(t, issues).Build(now.Add(time.Hour))

		if len(first) != len(second) {
			t.Fatalf("timelines have %d and %d points", len(first), len(second))
		}
		if diff := cmp.Diff(first[:len(first)-1], second[:len(second)-1]); diff != "" {
			t.Fatalf("timelines differ (-first +second):\n%s", diff)
		}
	})
}

func TestBuildBracketsEveryTimestamp(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := build(t, drawIssues(t))
		events := b.Events()
		points := b.Build(now)

		var stamps []time.Time
		for i, e := range events {
			if i == 0 || !e.At.Equal(events[i-1].At) {
				stamps = append(stamps, e.At)
			}
		}
		if len(points) != 2*len(stamps)+1 {
			t.Fatalf("points = %d, want %d", len(points), 2*len(stamps)+1)
		}

		for i, at := range stamps {
			before, after := points[2*i], points[2*i+1]
			if !before.Timestamp.Equal(at) || !after.Timestamp.Equal(at) {
				t.Fatalf("points %d/%d are stamped %v/%v, want %v", 2*i, 2*i+1, before.Timestamp, after.Timestamp, at)
			}

			want := netEffect(before, events, at)
			if diff := cmp.Diff(want, after); diff != "" {
				t.Fatalf("after point at %v is not before + net effect (-want +got):\n%s", at, diff)
			}

			if i > 0 {
				prev := points[2*i-1]
				prev.Timestamp = at
				if diff := cmp.Diff(prev, before); diff != "" {
					t.Fatalf("counters changed between timestamps (-want +got):\n%s", diff)
				}
			}
		}

		final := points[len(points)-1]
		if len(points) > 1 {
			prev := points[len(points)-2]
			prev.Timestamp = now
			if diff := cmp.Diff(prev, final); diff != "" {
				t.Fatalf("final point differs from last state (-want +got):\n%s", diff)
			}
		}
		if final.OpenIssues < 0 || final.OpenPRs < 0 {
			t.Fatalf("negative open counts: %+v", final)
		}
	})
}

// netEffect applies the events stamped at directly to a copy of before
func netEffect(before models.DataPoint, events []GlobalEvent, at time.Time) models.DataPoint {
	out := point(at, before.OpenIssues, before.OpenPRs, clone(before.IssueLabels), clone(before.PRLabels))
	for _, e := range events {
		if !e.At.Equal(at) {
			continue
		}
		switch e.Kind {
		case IssueOpened, IssueClosed:
			delta := 1
			if e.Kind == IssueClosed {
				delta = -1
			}
			out.OpenIssues += delta
			for _, l := range e.Labels {
				out.IssueLabels[l] += delta
			}
		case PullRequestOpened, PullRequestClosed:
			delta := 1
			if e.Kind == PullRequestClosed {
				delta = -1
			}
			out.OpenPRs += delta
			for _, l := range e.Labels {
				out.PRLabels[l] += delta
			}
		case IssueLabeled:
			out.IssueLabels[e.Label]++
		case IssueUnlabeled:
			out.IssueLabels[e.Label]--
		case PullRequestLabeled:
			out.PRLabels[e.Label]++
		case PullRequestUnlabeled:
			out.PRLabels[e.Label]--
		}
	}
	return out
}

func clone(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
