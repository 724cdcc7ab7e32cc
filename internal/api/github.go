package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/fenhl/github-timeline/internal/models"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the REST endpoint of github.com
const DefaultBaseURL = "https://api.github.com"

const perPage = "100"

// GitHubClient represents a client for the GitHub REST API
type GitHubClient struct {
	fetcher *Fetcher
	baseURL string
}

// NewHTTPClient creates an HTTP client that authenticates with the given token.
// An empty token yields an unauthenticated client.
func NewHTTPClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		return &http.Client{}
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(ctx, ts)
}

// NewGitHubClient creates a new GitHub API client.
// An empty baseURL selects DefaultBaseURL.
func NewGitHubClient(fetcher *Fetcher, baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GitHubClient{
		fetcher: fetcher,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// ListIssues gets every issue and pull request of a repository, open and closed
func (c *GitHubClient) ListIssues(ctx context.Context, repo models.Repository) ([]models.Issue, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues?state=all&per_page=%s",
		c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), perPage)

	ghIssues, err := WalkPages[*github.Issue](ctx, c.fetcher, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	issues := make([]models.Issue, 0, len(ghIssues))
	seen := make(map[int]bool, len(ghIssues))
	for _, ghIssue := range ghIssues {
		if ghIssue == nil || seen[ghIssue.GetNumber()] {
			continue
		}
		seen[ghIssue.GetNumber()] = true
		issues = append(issues, ConvertGitHubIssue(ghIssue))
	}

	return issues, nil
}

// IssueEvents gets the full event history of an issue in delivery order
func (c *GitHubClient) IssueEvents(ctx context.Context, issue models.Issue) ([]models.IssueEvent, error) {
	endpoint, err := withPerPage(issue.EventsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid events URL for issue #%d: %w", issue.Number, err)
	}

	ghEvents, err := WalkPages[*github.IssueEvent](ctx, c.fetcher, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for issue #%d: %w", issue.Number, err)
	}

	events := make([]models.IssueEvent, 0, len(ghEvents))
	for _, ghEvent := range ghEvents {
		if ghEvent == nil {
			continue
		}
		events = append(events, ConvertGitHubIssueEvent(ghEvent))
	}

	return events, nil
}

func withPerPage(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("per_page") == "" {
		q.Set("per_page", perPage)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ConvertGitHubIssue converts a GitHub issue to our model
func ConvertGitHubIssue(issue *github.Issue) models.Issue {
	return models.Issue{
		Number:        issue.GetNumber(),
		State:         issue.GetState(),
		CreatedAt:     issue.GetCreatedAt().Time.UTC(),
		UpdatedAt:     issue.GetUpdatedAt().Time.UTC(),
		IsPullRequest: issue.IsPullRequest(),
		EventsURL:     issue.GetEventsURL(),
	}
}

// ConvertGitHubIssueEvent converts a GitHub issue event to our model
func ConvertGitHubIssueEvent(event *github.IssueEvent) models.IssueEvent {
	converted := models.IssueEvent{
		Kind:      models.ParseEventKind(event.GetEvent()),
		CreatedAt: event.GetCreatedAt().Time.UTC(),
	}
	if converted.Kind == models.EventLabeled || converted.Kind == models.EventUnlabeled {
		converted.Label = event.GetLabel().GetName()
	}
	return converted
}
