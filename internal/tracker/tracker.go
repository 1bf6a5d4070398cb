// Package tracker is the narrow issue-tracker client surface: fetch
// issues as work items, write back status labels, post failure comments,
// open a pull request. GitHubTracker is the one concrete binding the CLI
// uses when invoked in tracker mode.
package tracker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/go-github/v82/github"

	"github.com/dhouse/branchforge/internal/graph"
)

// Status is one of the labels the tracker mirrors onto an issue as its
// corresponding work item moves through a run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusDone       Status = "done"
)

var allStatuses = []Status{StatusQueued, StatusInProgress, StatusBlocked, StatusFailed, StatusDone}

// Tracker is the issue-tracker client abstraction.
type Tracker interface {
	// FetchIssues resolves issue numbers into work items, populating
	// ExternalRef with the issue number so SetStatus/PostFailureComment
	// can address them later.
	FetchIssues(ctx context.Context, issueNumbers []int) ([]graph.WorkItem, error)

	// SetStatus replaces the work item's status label on its source issue.
	SetStatus(ctx context.Context, issueNumber int, status Status) error

	// PostFailureComment posts an explanatory comment on the issue.
	PostFailureComment(ctx context.Context, issueNumber int, message string) error

	// CreatePullRequest opens a pull request for the run branch and
	// returns its URL.
	CreatePullRequest(ctx context.Context, title, body, head, base string) (string, error)
}

// GitHubTracker is a Tracker backed by the GitHub issues/pulls API.
type GitHubTracker struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubTracker builds a GitHubTracker for owner/repo, reading the
// access token from tokenEnvVar (config.TrackerConfig.TokenEnvVar).
// Returns an error if the variable is unset, so tracker mode fails fast
// while work items are resolved rather than on the first API call.
func NewGitHubTracker(owner, repo, tokenEnvVar string) (*GitHubTracker, error) {
	token := os.Getenv(tokenEnvVar)
	if token == "" {
		return nil, fmt.Errorf("tracker: environment variable %s is not set", tokenEnvVar)
	}
	client := github.NewClient(nil).WithAuthToken(token)
	return &GitHubTracker{client: client, owner: owner, repo: repo}, nil
}

func (t *GitHubTracker) FetchIssues(ctx context.Context, issueNumbers []int) ([]graph.WorkItem, error) {
	items := make([]graph.WorkItem, 0, len(issueNumbers))
	for i, number := range issueNumbers {
		issue, _, err := t.client.Issues.Get(ctx, t.owner, t.repo, number)
		if err != nil {
			return nil, fmt.Errorf("fetch issue #%d: %w", number, err)
		}

		ref := number
		items = append(items, graph.WorkItem{
			ID:          i + 1,
			Title:       issue.GetTitle(),
			Body:        issue.GetBody(),
			ExternalRef: &ref,
		})
	}
	return items, nil
}

func (t *GitHubTracker) SetStatus(ctx context.Context, issueNumber int, status Status) error {
	if err := t.removeKnownStatusLabels(ctx, issueNumber); err != nil {
		return err
	}
	_, _, err := t.client.Issues.AddLabelsToIssue(ctx, t.owner, t.repo, issueNumber, []string{string(status)})
	if err != nil {
		return fmt.Errorf("set status label on issue #%d: %w", issueNumber, err)
	}
	return nil
}

func (t *GitHubTracker) removeKnownStatusLabels(ctx context.Context, issueNumber int) error {
	for _, s := range allStatuses {
		_, err := t.client.Issues.RemoveLabelForIssue(ctx, t.owner, t.repo, issueNumber, string(s))
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("remove stale label %q from issue #%d: %w", s, issueNumber, err)
		}
	}
	return nil
}

func (t *GitHubTracker) PostFailureComment(ctx context.Context, issueNumber int, message string) error {
	comment := &github.IssueComment{Body: github.Ptr(message)}
	_, _, err := t.client.Issues.CreateComment(ctx, t.owner, t.repo, issueNumber, comment)
	if err != nil {
		return fmt.Errorf("post failure comment on issue #%d: %w", issueNumber, err)
	}
	return nil
}

func (t *GitHubTracker) CreatePullRequest(ctx context.Context, title, body, head, base string) (string, error) {
	req := &github.NewPullRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
	}
	pr, _, err := t.client.PullRequests.Create(ctx, t.owner, t.repo, req)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "404")
}
