package app

import (
	"context"
	"strings"

	"versehub/api/internal/apperr"
	"versehub/api/internal/identity"
	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
	"versehub/api/internal/rbac"
	"versehub/api/internal/store"
)

type CreatePullRequestInput struct {
	Content string
	Title   *string
	Message string
}

func (s *Service) CreatePullRequest(ctx context.Context, actor identity.Principal, poemID string, input CreatePullRequestInput) (*pullrequest.PullRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	p, err := s.store.GetPoem(ctx, poemID)
	if err != nil {
		return nil, err
	}
	// Callers who cannot see the poem learn nothing about its state. Owners
	// and readers get the specific reason from Open.
	if rbac.RoleFor(p, actor.ID) == rbac.RoleNone {
		return nil, authorize(p, actor, rbac.ActionPropose)
	}
	pr, err := pullrequest.Open(p, pullrequest.Proposal{
		Content: input.Content,
		Title:   input.Title,
		Message: input.Message,
	}, actor, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.PutPullRequest(ctx, pr); err != nil {
		return nil, err
	}
	s.afterPullRequestOpened(p, pr)
	return pr, nil
}

// canSeePullRequest allows the author, and anyone whose role on the poem
// permits action.
func canSeePullRequest(p *poem.Poem, pr *pullrequest.PullRequest, actor identity.Principal, action rbac.Action) error {
	if pr.AuthorID == actor.ID {
		return nil
	}
	return authorize(p, actor, action)
}

func (s *Service) GetPullRequest(ctx context.Context, actor identity.Principal, prID string) (*pullrequest.PullRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPoem(ctx, pr.PoemID)
	if err != nil {
		return nil, err
	}
	if err := canSeePullRequest(p, pr, actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return pr, nil
}

// ListByPoem returns the poem's pull requests, newest first.
func (s *Service) ListByPoem(ctx context.Context, actor identity.Principal, poemID string) ([]*pullrequest.PullRequest, error) {
	if _, err := s.GetPoem(ctx, actor, poemID); err != nil {
		return nil, err
	}
	return s.store.ListByPoem(ctx, poemID)
}

type PullRequestScope string

const (
	ScopeReceived PullRequestScope = "received"
	ScopeCreated  PullRequestScope = "created"
)

type ListPullRequestsInput struct {
	Scope  PullRequestScope
	Status string
	Limit  int
}

func (s *Service) ListPullRequests(ctx context.Context, actor identity.Principal, input ListPullRequestsInput) ([]*pullrequest.PullRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	filter := store.PullRequestFilter{Limit: input.Limit}
	switch input.Scope {
	case "", ScopeReceived:
		filter.PoemOwnerID = actor.ID
	case ScopeCreated:
		filter.AuthorID = actor.ID
	default:
		return nil, apperr.Validation("PR_SCOPE_INVALID", "scope must be received or created")
	}
	if strings.TrimSpace(input.Status) != "" {
		status, err := pullrequest.ParseStatus(input.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	return s.store.ListPullRequests(ctx, filter)
}

func (s *Service) AddComment(ctx context.Context, actor identity.Principal, prID, text string) (*pullrequest.PullRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, pullRequestLockKey(prID))
	if err != nil {
		return nil, err
	}
	defer release()

	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPoem(ctx, pr.PoemID)
	if err != nil {
		return nil, err
	}
	if err := canSeePullRequest(p, pr, actor, rbac.ActionComment); err != nil {
		return nil, err
	}
	next := pr.Clone()
	if _, err := next.AddComment(text, actor, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.PutPullRequest(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) ApprovePullRequest(ctx context.Context, actor identity.Principal, prID, comment string) (*pullrequest.PullRequest, error) {
	return s.review(ctx, actor, prID, pullrequest.StatusApproved, comment)
}

func (s *Service) RejectPullRequest(ctx context.Context, actor identity.Principal, prID, comment string) (*pullrequest.PullRequest, error) {
	return s.review(ctx, actor, prID, pullrequest.StatusRejected, comment)
}

func (s *Service) review(ctx context.Context, actor identity.Principal, prID string, decision pullrequest.Status, comment string) (*pullrequest.PullRequest, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, pullRequestLockKey(prID))
	if err != nil {
		return nil, err
	}
	defer release()

	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPoem(ctx, pr.PoemID)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, actor, rbac.ActionReview); err != nil {
		return nil, err
	}

	next := pr.Clone()
	now := s.now()
	if decision == pullrequest.StatusApproved {
		err = next.Approve(actor, comment, now)
	} else {
		err = next.Reject(actor, comment, now)
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.PutPullRequest(ctx, next); err != nil {
		return nil, err
	}
	s.afterPullRequestReviewed(p, next, actor)
	return next, nil
}

// MergeResult is the state of both entities after a merge.
type MergeResult struct {
	Poem        *poem.Poem               `json:"poem"`
	PullRequest *pullrequest.PullRequest `json:"pullRequest"`
}

// MergePullRequest applies an approved pull request. Merges on one poem are
// serialized by the poem lock; the pull request lock is taken second so
// comments and reviews never interleave with the merge.
func (s *Service) MergePullRequest(ctx context.Context, actor identity.Principal, prID string) (MergeResult, error) {
	if err := requireActor(actor); err != nil {
		return MergeResult{}, err
	}
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return MergeResult{}, err
	}

	releasePoem, err := s.acquire(ctx, poemLockKey(pr.PoemID))
	if err != nil {
		return MergeResult{}, err
	}
	defer releasePoem()
	releasePR, err := s.acquire(ctx, pullRequestLockKey(prID))
	if err != nil {
		return MergeResult{}, err
	}
	defer releasePR()

	pr, err = s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return MergeResult{}, err
	}
	p, err := s.store.GetPoem(ctx, pr.PoemID)
	if err != nil {
		return MergeResult{}, err
	}
	if err := authorize(p, actor, rbac.ActionReview); err != nil {
		return MergeResult{}, err
	}

	nextPoem, nextPR := p.Clone(), pr.Clone()
	revisionsBefore := nextPoem.Revisions.Len()
	if _, err := pullrequest.Merge(nextPoem, nextPR, s.now()); err != nil {
		return MergeResult{}, err
	}
	if err := s.store.SaveMerge(ctx, nextPoem, nextPR); err != nil {
		return MergeResult{}, err
	}
	s.afterMerge(nextPoem, nextPR, actor, revisionsBefore)
	return MergeResult{Poem: nextPoem, PullRequest: nextPR}, nil
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func ParseDecision(value string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(value))) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	default:
		return "", apperr.Validation("DECISION_INVALID", "decision must be approve or reject")
	}
}

// ReviewAndMerge records the owner's decision and, on approval, merges at
// once. A merge conflict leaves the pull request approved and is returned
// alongside the reviewed pull request.
func (s *Service) ReviewAndMerge(ctx context.Context, actor identity.Principal, prID string, decision Decision, comment string) (MergeResult, error) {
	switch decision {
	case DecisionReject:
		pr, err := s.RejectPullRequest(ctx, actor, prID, comment)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{PullRequest: pr}, nil
	case DecisionApprove:
		pr, err := s.ApprovePullRequest(ctx, actor, prID, comment)
		if err != nil {
			return MergeResult{}, err
		}
		result, err := s.MergePullRequest(ctx, actor, prID)
		if err != nil {
			return MergeResult{PullRequest: pr}, err
		}
		return result, nil
	default:
		return MergeResult{}, apperr.Validation("DECISION_INVALID", "decision must be approve or reject")
	}
}

// Stats summarizes the actor's poems and pull request activity.
type Stats struct {
	TotalPoems      int `json:"totalPoems"`
	PublicPoems     int `json:"publicPoems"`
	PullRequestsIn  int `json:"pullRequestsReceived"`
	PendingReviews  int `json:"pendingReviews"`
	PullRequestsOut int `json:"pullRequestsCreated"`
}

const statsLimit = 500

func (s *Service) Stats(ctx context.Context, actor identity.Principal) (Stats, error) {
	if err := requireActor(actor); err != nil {
		return Stats{}, err
	}
	poems, err := s.store.ListPoems(ctx, store.PoemFilter{OwnerID: actor.ID, Limit: statsLimit})
	if err != nil {
		return Stats{}, err
	}
	received, err := s.store.ListPullRequests(ctx, store.PullRequestFilter{PoemOwnerID: actor.ID, Limit: statsLimit})
	if err != nil {
		return Stats{}, err
	}
	created, err := s.store.ListPullRequests(ctx, store.PullRequestFilter{AuthorID: actor.ID, Limit: statsLimit})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalPoems:      len(poems),
		PullRequestsIn:  len(received),
		PullRequestsOut: len(created),
	}
	for _, p := range poems {
		if p.IsPublished() && p.Visibility == poem.VisibilityPublic {
			stats.PublicPoems++
		}
	}
	for _, pr := range received {
		if pr.Status == pullrequest.StatusPending {
			stats.PendingReviews++
		}
	}
	return stats, nil
}
