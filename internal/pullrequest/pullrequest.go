// Package pullrequest implements proposed changes to a poem: the captured
// base snapshot, the review state machine and the comment thread.
package pullrequest

import (
	"fmt"
	"strings"
	"time"

	"versehub/api/internal/apperr"
	"versehub/api/internal/identity"
	"versehub/api/internal/poem"
	"versehub/api/internal/util"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusMerged   Status = "merged"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusMerged},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusMerged:
		return StatusMerged, nil
	default:
		return "", apperr.Validation("PR_STATUS_INVALID", "status must be one of pending, approved, rejected, merged")
	}
}

var (
	NewPullRequestID = func() string { return util.NewID("pr") }
	NewCommentID     = func() string { return util.NewID("cmt") }
)

type Comment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
}

type PullRequest struct {
	ID               string     `json:"id"`
	PoemID           string     `json:"poemId"`
	PoemOwnerID      string     `json:"poemOwnerId"`
	BaseContent      string     `json:"baseContent"`
	ProposedContent  string     `json:"proposedContent"`
	ProposedTitle    *string    `json:"proposedTitle,omitempty"`
	Message          string     `json:"message,omitempty"`
	AuthorID         string     `json:"authorId"`
	AuthorName       string     `json:"authorName"`
	AuthorEmail      string     `json:"authorEmail,omitempty"`
	Status           Status     `json:"status"`
	Comments         []Comment  `json:"comments"`
	ReviewMessage    string     `json:"reviewMessage,omitempty"`
	ReviewedAt       *time.Time `json:"reviewedAt,omitempty"`
	MergedAt         *time.Time `json:"mergedAt,omitempty"`
	MergedRevisionID string     `json:"mergedRevisionId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Version          int64      `json:"version"`
}

type Proposal struct {
	Content string
	Title   *string
	Message string
}

// Open creates a pending pull request against p, capturing p's current
// content as the base the proposal is reviewed against.
func Open(p *poem.Poem, proposal Proposal, author identity.Principal, now time.Time) (*PullRequest, error) {
	if author.IsZero() {
		return nil, apperr.Validation("AUTHOR_REQUIRED", "pull request author is required")
	}
	if !p.IsPublished() {
		return nil, apperr.Permission("POEM_NOT_PUBLISHED", "suggestions are only accepted on published poems")
	}
	if !p.CollaborationEnabled {
		return nil, apperr.Permission("COLLABORATION_DISABLED", "the owner has not enabled collaboration on this poem")
	}
	if p.IsOwnedBy(author.ID) {
		return nil, apperr.Permission("OWNER_CANNOT_PROPOSE", "poem owners edit their poem directly instead of opening a pull request")
	}
	if strings.TrimSpace(proposal.Content) == "" {
		return nil, apperr.Validation("PROPOSED_CONTENT_REQUIRED", "proposed content is required")
	}

	title := proposal.Title
	if title != nil && strings.TrimSpace(*title) == "" {
		title = nil
	}
	if proposal.Content == p.Content && (title == nil || *title == p.Title) {
		return nil, apperr.Validation("PROPOSAL_UNCHANGED", "proposal does not change the poem")
	}

	now = now.UTC()
	return &PullRequest{
		ID:              NewPullRequestID(),
		PoemID:          p.ID,
		PoemOwnerID:     p.OwnerID,
		BaseContent:     p.Content,
		ProposedContent: proposal.Content,
		ProposedTitle:   title,
		Message:         strings.TrimSpace(proposal.Message),
		AuthorID:        author.ID,
		AuthorName:      author.DisplayName,
		AuthorEmail:     author.Email,
		Status:          StatusPending,
		Comments:        []Comment{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// AddComment appends to the thread. Comments are accepted in every status.
func (pr *PullRequest) AddComment(text string, author identity.Principal, now time.Time) (Comment, error) {
	if strings.TrimSpace(text) == "" {
		return Comment{}, apperr.Validation("COMMENT_TEXT_REQUIRED", "comment text is required")
	}
	if author.IsZero() {
		return Comment{}, apperr.Validation("AUTHOR_REQUIRED", "comment author is required")
	}
	return pr.appendComment(text, author, now), nil
}

func (pr *PullRequest) Approve(reviewer identity.Principal, comment string, now time.Time) error {
	return pr.review(StatusApproved, reviewer, comment, now)
}

func (pr *PullRequest) Reject(reviewer identity.Principal, comment string, now time.Time) error {
	return pr.review(StatusRejected, reviewer, comment, now)
}

func (pr *PullRequest) review(next Status, reviewer identity.Principal, comment string, now time.Time) error {
	if !pr.Status.CanTransitionTo(next) {
		verb := "approved"
		if next == StatusRejected {
			verb = "rejected"
		}
		return apperr.InvalidTransition("PR_NOT_PENDING",
			fmt.Sprintf("pull request is %s; only pending pull requests can be %s", pr.Status, verb))
	}
	pr.Status = next
	pr.touch(now)
	reviewedAt := pr.UpdatedAt
	pr.ReviewedAt = &reviewedAt
	comment = strings.TrimSpace(comment)
	pr.ReviewMessage = comment
	if comment != "" && !reviewer.IsZero() {
		pr.appendComment(comment, reviewer, now)
	}
	return nil
}

// Merge applies an approved pull request to p. The proposal is only applied
// when p's content still equals the captured base; on any failure neither
// p nor pr is modified.
func Merge(p *poem.Poem, pr *PullRequest, now time.Time) (poem.Revision, error) {
	if pr.PoemID != p.ID {
		return poem.Revision{}, apperr.Validation("PR_POEM_MISMATCH", "pull request does not target this poem")
	}
	if !pr.Status.CanTransitionTo(StatusMerged) {
		return poem.Revision{}, apperr.InvalidTransition("PR_NOT_APPROVED",
			fmt.Sprintf("pull request is %s; only approved pull requests can be merged", pr.Status))
	}
	if p.Content != pr.BaseContent {
		return poem.Revision{}, apperr.Conflict("MERGE_BASE_STALE",
			"merge refused: poem has changed since this suggestion was created")
	}

	rev := p.CommitMerge(pr.ProposedContent, pr.ProposedTitle, now)
	pr.Status = StatusMerged
	pr.touch(now)
	mergedAt := pr.UpdatedAt
	pr.MergedAt = &mergedAt
	pr.MergedRevisionID = rev.ID
	return rev, nil
}

func (pr *PullRequest) Clone() *PullRequest {
	if pr == nil {
		return nil
	}
	clone := *pr
	clone.Comments = append([]Comment(nil), pr.Comments...)
	if pr.ProposedTitle != nil {
		title := *pr.ProposedTitle
		clone.ProposedTitle = &title
	}
	if pr.ReviewedAt != nil {
		reviewedAt := *pr.ReviewedAt
		clone.ReviewedAt = &reviewedAt
	}
	if pr.MergedAt != nil {
		mergedAt := *pr.MergedAt
		clone.MergedAt = &mergedAt
	}
	return &clone
}

func (pr *PullRequest) appendComment(text string, author identity.Principal, now time.Time) Comment {
	pr.touch(now)
	c := Comment{
		ID:         NewCommentID(),
		Text:       text,
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		Timestamp:  pr.UpdatedAt,
	}
	pr.Comments = append(pr.Comments[:len(pr.Comments):len(pr.Comments)], c)
	return c
}

func (pr *PullRequest) touch(now time.Time) {
	now = now.UTC()
	if now.After(pr.UpdatedAt) {
		pr.UpdatedAt = now
	}
}
