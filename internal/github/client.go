package github

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
)

// GHClient implements Client on the GitHub REST API.
type GHClient struct {
	api    *gh.Client
	retry  RetryConfig
	logger *logging.Logger
}

// NewClient creates an authenticated GitHub client.
func NewClient(ctx context.Context, token config.Secret, retry RetryConfig, logger *logging.Logger) (*GHClient, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	return NewClientFromAPI(gh.NewClient(tc), retry, logger)
}

// NewClientFromAPI wraps an already configured go-github client.
// Tests use this to point at a stub server.
func NewClientFromAPI(api *gh.Client, retry RetryConfig, logger *logging.Logger) (*GHClient, error) {
	if api == nil {
		return nil, fmt.Errorf("github api client is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GHClient{api: api, retry: retry, logger: logger.Named("github")}, nil
}

// FetchComments returns conversation and review comments for the
// ref's pull request, ordered by ID.
func (c *GHClient) FetchComments(ctx context.Context, ref Ref) ([]Comment, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.PRNumber == 0 {
		return nil, fmt.Errorf("ref %s/%s has no pull request yet", ref.Owner, ref.Repo)
	}

	var comments []Comment

	issueOpts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		var page []*gh.IssueComment
		resp, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
			var err error
			var r *gh.Response
			page, r, err = c.api.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.PRNumber, issueOpts)
			return r, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch conversation comments for %s: %w", ref, err)
		}
		for _, ic := range page {
			comments = append(comments, Comment{
				ID:        ic.GetID(),
				Author:    ic.GetUser().GetLogin(),
				Body:      ic.GetBody(),
				CreatedAt: ic.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	reviewOpts := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		var page []*gh.PullRequestComment
		resp, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
			var err error
			var r *gh.Response
			page, r, err = c.api.PullRequests.ListComments(ctx, ref.Owner, ref.Repo, ref.PRNumber, reviewOpts)
			return r, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch review comments for %s: %w", ref, err)
		}
		for _, rc := range page {
			comments = append(comments, Comment{
				ID:        rc.GetID(),
				Author:    rc.GetUser().GetLogin(),
				Body:      rc.GetBody(),
				Path:      rc.GetPath(),
				Review:    true,
				CreatedAt: rc.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	sort.Slice(comments, func(i, j int) bool { return comments[i].ID < comments[j].ID })
	return comments, nil
}

// PostReply answers one comment. Review comments get a threaded
// reply; conversation comments get a quoting follow-up comment.
func (c *GHClient) PostReply(ctx context.Context, ref Ref, comment Comment, body string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if ref.PRNumber == 0 {
		return fmt.Errorf("ref %s/%s has no pull request yet", ref.Owner, ref.Repo)
	}

	if comment.Review {
		_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
			_, r, err := c.api.PullRequests.CreateCommentInReplyTo(ctx, ref.Owner, ref.Repo, ref.PRNumber, body, comment.ID)
			return r, err
		})
		if err != nil {
			return fmt.Errorf("failed to reply to review comment %d: %w", comment.ID, err)
		}
		return nil
	}

	quoted := fmt.Sprintf("> @%s: %s\n\n%s", comment.Author, firstLine(comment.Body), body)
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		_, r, err := c.api.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.PRNumber, &gh.IssueComment{Body: gh.String(quoted)})
		return r, err
	})
	if err != nil {
		return fmt.Errorf("failed to reply to comment %d: %w", comment.ID, err)
	}
	return nil
}

// CreateOrUpdatePR opens the run's pull request, or refreshes the
// title and body of the open one, and returns its number.
func (c *GHClient) CreateOrUpdatePR(ctx context.Context, ref Ref, title, body string, files []string) (int, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}
	if ref.Branch == "" {
		return 0, fmt.Errorf("ref %s/%s has no head branch", ref.Owner, ref.Repo)
	}
	base := ref.Base
	if base == "" {
		base = "main"
	}
	fullBody := prBody(body, files)

	var existing []*gh.PullRequest
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		var err error
		var r *gh.Response
		existing, r, err = c.api.PullRequests.List(ctx, ref.Owner, ref.Repo, &gh.PullRequestListOptions{
			Head:  ref.Owner + ":" + ref.Branch,
			State: "open",
		})
		return r, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to look up pull request for %s: %w", ref.Branch, err)
	}

	if len(existing) > 0 {
		number := existing[0].GetNumber()
		_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
			_, r, err := c.api.PullRequests.Edit(ctx, ref.Owner, ref.Repo, number, &gh.PullRequest{
				Title: gh.String(title),
				Body:  gh.String(fullBody),
			})
			return r, err
		})
		if err != nil {
			return 0, fmt.Errorf("failed to update pull request %d: %w", number, err)
		}
		return number, nil
	}

	var created *gh.PullRequest
	_, err = retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		var err error
		var r *gh.Response
		created, r, err = c.api.PullRequests.Create(ctx, ref.Owner, ref.Repo, &gh.NewPullRequest{
			Title: gh.String(title),
			Head:  gh.String(ref.Branch),
			Base:  gh.String(base),
			Body:  gh.String(fullBody),
		})
		return r, err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create pull request for %s: %w", ref.Branch, err)
	}
	return created.GetNumber(), nil
}

// GetCIStatus returns the combined CI state for a commit.
func (c *GHClient) GetCIStatus(ctx context.Context, ref Ref, commit string) (CIStatus, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	if commit == "" {
		return "", fmt.Errorf("commit ref is required")
	}

	var combined *gh.CombinedStatus
	_, err := retryOperation(ctx, c.retry, c.logger, func() (*gh.Response, error) {
		var err error
		var r *gh.Response
		combined, r, err = c.api.Repositories.GetCombinedStatus(ctx, ref.Owner, ref.Repo, commit, &gh.ListOptions{PerPage: 100})
		return r, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch CI status for %s: %w", commit, err)
	}

	switch combined.GetState() {
	case "success":
		return CISuccess, nil
	case "failure", "error":
		return CIFailure, nil
	default:
		return CIPending, nil
	}
}

// prBody appends the touched-files section to the PR body.
func prBody(body string, files []string) string {
	if len(files) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n### Files\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	return b.String()
}

// firstLine truncates a quoted comment to its first line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		s = s[:max] + "..."
	}
	return strings.TrimSpace(s)
}
