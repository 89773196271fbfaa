// Package github is the engine's review surface: it fetches reviewer
// comments, posts replies, manages the run's pull request, and reads
// CI state.
//
// The Client interface is what the rest of the engine consumes; the
// go-github implementation behind it handles authentication, paging,
// rate limits, and transient failures.
package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CIStatus is the rolled-up CI state of a commit.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
)

// Ref locates a run's review surface in a repository.
type Ref struct {
	Owner string
	Repo  string
	// Branch is the head branch carrying the run's changes.
	Branch string
	// Base is the branch pull requests merge into.
	Base string
	// PRNumber is the run's open pull request, zero before one exists.
	PRNumber int
}

// Validate checks the parts every call needs.
func (r Ref) Validate() error {
	if r.Owner == "" || r.Repo == "" {
		return errors.New("github ref requires owner and repo")
	}
	return nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.PRNumber)
}

// IsBot reports whether a comment author is an automation account:
// the daemon's own login or any GitHub App account.
func IsBot(author, botLogin string) bool {
	if author == "" {
		return false
	}
	if botLogin != "" && strings.EqualFold(author, botLogin) {
		return true
	}
	return strings.HasSuffix(author, "[bot]")
}

// Comment is one reviewer comment on a run's pull request.
type Comment struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
	// Path is the file a review comment is attached to, empty for
	// conversation comments.
	Path string `json:"path,omitempty"`
	// Review is true for comments attached to the diff, false for
	// conversation comments.
	Review    bool      `json:"review"`
	CreatedAt time.Time `json:"created_at"`
}

// Client is the review-surface contract the engine consumes.
type Client interface {
	// FetchComments returns every comment on the ref's pull request,
	// conversation and review comments both, ordered by ID.
	FetchComments(ctx context.Context, ref Ref) ([]Comment, error)

	// PostReply replies to one comment. Review comments get a threaded
	// reply; conversation comments get a quoting follow-up.
	PostReply(ctx context.Context, ref Ref, comment Comment, body string) error

	// CreateOrUpdatePR opens a pull request for the ref's branch, or
	// updates the open one, and returns its number.
	CreateOrUpdatePR(ctx context.Context, ref Ref, title, body string, files []string) (int, error)

	// GetCIStatus returns the combined CI state of a commit.
	GetCIStatus(ctx context.Context, ref Ref, commit string) (CIStatus, error)
}
