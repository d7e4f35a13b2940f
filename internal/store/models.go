package store

import (
	"context"

	"versehub/api/internal/apperr"
	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
)

// Store is the persistence contract for poems and pull requests.
//
// Put methods use optimistic versioning: an entity with Version 0 is
// inserted, any other entity only replaces the stored row carrying the same
// version. A successful put increments Version on the passed entity.
type Store interface {
	GetPoem(ctx context.Context, poemID string) (*poem.Poem, error)
	PutPoem(ctx context.Context, p *poem.Poem) error
	DeletePoem(ctx context.Context, poemID string) error
	ListPoems(ctx context.Context, filter PoemFilter) ([]*poem.Poem, error)

	GetPullRequest(ctx context.Context, prID string) (*pullrequest.PullRequest, error)
	PutPullRequest(ctx context.Context, pr *pullrequest.PullRequest) error
	ListByPoem(ctx context.Context, poemID string) ([]*pullrequest.PullRequest, error)
	ListPullRequests(ctx context.Context, filter PullRequestFilter) ([]*pullrequest.PullRequest, error)

	// SaveMerge writes a merged poem and its pull request atomically.
	SaveMerge(ctx context.Context, p *poem.Poem, pr *pullrequest.PullRequest) error

	Ping(ctx context.Context) error
	Close() error
}

// PoemFilter selects poems, newest update first.
type PoemFilter struct {
	OwnerID string
	// Explore restricts the result to public, published poems.
	Explore bool
	Limit   int
}

func (f PoemFilter) matches(p *poem.Poem) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.Explore && (p.Visibility != poem.VisibilityPublic || p.Status != poem.StatusPublished) {
		return false
	}
	return true
}

// PullRequestFilter selects pull requests, newest first.
type PullRequestFilter struct {
	PoemID      string
	PoemOwnerID string
	AuthorID    string
	Status      pullrequest.Status
	Limit       int
}

func (f PullRequestFilter) matches(pr *pullrequest.PullRequest) bool {
	if f.PoemID != "" && pr.PoemID != f.PoemID {
		return false
	}
	if f.PoemOwnerID != "" && pr.PoemOwnerID != f.PoemOwnerID {
		return false
	}
	if f.AuthorID != "" && pr.AuthorID != f.AuthorID {
		return false
	}
	if f.Status != "" && pr.Status != f.Status {
		return false
	}
	return true
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func poemNotFound(poemID string) error {
	return apperr.NotFound("POEM_NOT_FOUND", "poem not found").WithDetails(map[string]string{"poemId": poemID})
}

func pullRequestNotFound(prID string) error {
	return apperr.NotFound("PR_NOT_FOUND", "pull request not found").WithDetails(map[string]string{"pullRequestId": prID})
}

func poemVersionConflict(poemID string) error {
	return apperr.Conflict("POEM_VERSION_CONFLICT", "poem was modified concurrently; reload and retry").
		WithDetails(map[string]string{"poemId": poemID})
}

func pullRequestVersionConflict(prID string) error {
	return apperr.Conflict("PR_VERSION_CONFLICT", "pull request was modified concurrently; reload and retry").
		WithDetails(map[string]string{"pullRequestId": prID})
}
