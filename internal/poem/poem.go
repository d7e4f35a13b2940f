// Package poem implements the poem aggregate: its current text, metadata and
// the revision log every content change is recorded in.
package poem

import (
	"strings"
	"time"

	"versehub/api/internal/apperr"
	"versehub/api/internal/identity"
	"versehub/api/internal/util"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// PlaceholderTitle is the title a poem carries until its owner names it.
const PlaceholderTitle = "Untitled Poem"

// NewRevisionID is replaceable in tests that need stable identifiers.
var NewRevisionID = func() string { return util.NewID("rev") }

type Poem struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Content              string     `json:"content"`
	Form                 string     `json:"form"`
	Tone                 string     `json:"tone"`
	OwnerID              string     `json:"ownerId"`
	OwnerName            string     `json:"ownerName"`
	OwnerEmail           string     `json:"ownerEmail,omitempty"`
	Description          string     `json:"description,omitempty"`
	Visibility           Visibility `json:"visibility"`
	CollaborationEnabled bool       `json:"collaborationEnabled"`
	Status               Status     `json:"status"`
	Revisions            Log        `json:"revisions"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	PublishedAt          *time.Time `json:"publishedAt,omitempty"`
	Version              int64      `json:"version"`
}

type PublishOptions struct {
	Visibility           Visibility
	CollaborationEnabled bool
	Description          *string
}

func ParseVisibility(value string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(value))) {
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	default:
		return "", apperr.Validation("VISIBILITY_INVALID", "visibility must be private or public")
	}
}

// New starts a draft poem with no content and no revisions.
func New(id, form, tone string, owner identity.Principal, now time.Time) (*Poem, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("POEM_ID_REQUIRED", "poem id is required")
	}
	if owner.IsZero() {
		return nil, apperr.Validation("OWNER_REQUIRED", "poem owner is required")
	}
	now = now.UTC()
	return &Poem{
		ID:         id,
		Title:      PlaceholderTitle,
		Form:       form,
		Tone:       tone,
		OwnerID:    owner.ID,
		OwnerName:  owner.DisplayName,
		OwnerEmail: owner.Email,
		Visibility: VisibilityPrivate,
		Status:     StatusDraft,
		Revisions:  Log{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (p *Poem) IsOwnedBy(userID string) bool {
	return p.OwnerID != "" && p.OwnerID == userID
}

func (p *Poem) IsPublished() bool {
	return p.Status == StatusPublished
}

// EditContent records a human revision when content differs from the current
// text. It reports whether anything changed.
func (p *Poem) EditContent(content string, now time.Time) bool {
	if content == p.Content {
		return false
	}
	p.appendRevision(content, AuthorHuman, now)
	return true
}

// EditTitle changes the title without recording a revision.
func (p *Poem) EditTitle(title string, now time.Time) bool {
	if title == p.Title {
		return false
	}
	p.Title = title
	p.touch(now)
	return true
}

// GenerationSeed picks the text a generation request continues from: the
// prompt when one is given, otherwise the current content.
func (p *Poem) GenerationSeed(prompt string) (string, error) {
	if strings.TrimSpace(prompt) != "" {
		return prompt, nil
	}
	if strings.TrimSpace(p.Content) != "" {
		return p.Content, nil
	}
	return "", apperr.InvalidTransition("INVALID_STATE", "generation requires a prompt or existing poem content")
}

// ApplyGeneratedContent records text returned by the generation service.
func (p *Poem) ApplyGeneratedContent(text string, now time.Time) (Revision, error) {
	if strings.TrimSpace(text) == "" {
		return Revision{}, apperr.Validation("GENERATED_TEXT_EMPTY", "generated text is empty")
	}
	return p.appendRevision(text, AuthorGenerator, now), nil
}

func (p *Poem) Publish(opts PublishOptions, now time.Time) error {
	title := strings.TrimSpace(p.Title)
	if title == "" || title == PlaceholderTitle {
		return apperr.Validation("POEM_TITLE_REQUIRED", "publish refused: poem needs a title before it can be published")
	}
	if strings.TrimSpace(p.Content) == "" {
		return apperr.Validation("POEM_CONTENT_REQUIRED", "publish refused: poem has no content")
	}
	visibility, err := ParseVisibility(string(opts.Visibility))
	if err != nil {
		return err
	}

	p.Status = StatusPublished
	p.Visibility = visibility
	p.CollaborationEnabled = opts.CollaborationEnabled
	if opts.Description != nil {
		p.Description = strings.TrimSpace(*opts.Description)
	}
	p.touch(now)
	if p.PublishedAt == nil {
		publishedAt := p.UpdatedAt
		p.PublishedAt = &publishedAt
	}
	return nil
}

func (p *Poem) SetVisibility(visibility Visibility, now time.Time) (bool, error) {
	parsed, err := ParseVisibility(string(visibility))
	if err != nil {
		return false, err
	}
	if parsed == p.Visibility {
		return false, nil
	}
	p.Visibility = parsed
	p.touch(now)
	return true, nil
}

// RestoreRevision re-applies an earlier snapshot as a new human revision.
func (p *Poem) RestoreRevision(revisionID string, now time.Time) (Revision, error) {
	rev, ok := p.Revisions.Find(revisionID)
	if !ok {
		return Revision{}, apperr.NotFound("REVISION_NOT_FOUND", "revision not found on this poem").
			WithDetails(map[string]string{"revisionId": revisionID})
	}
	return p.appendRevision(rev.Content, AuthorHuman, now), nil
}

// CommitMerge applies reviewed content, and an optional title, as a human
// revision. Callers validate the merge before calling it.
func (p *Poem) CommitMerge(content string, title *string, now time.Time) Revision {
	if title != nil {
		p.Title = *title
	}
	return p.appendRevision(content, AuthorHuman, now)
}

func (p *Poem) Clone() *Poem {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Revisions = append(Log(nil), p.Revisions...)
	if p.PublishedAt != nil {
		publishedAt := *p.PublishedAt
		clone.PublishedAt = &publishedAt
	}
	return &clone
}

func (p *Poem) appendRevision(content string, kind AuthorKind, now time.Time) Revision {
	p.touch(now)
	rev := Revision{
		ID:         NewRevisionID(),
		Content:    content,
		Timestamp:  p.UpdatedAt,
		AuthorKind: kind,
	}
	p.Revisions = p.Revisions.Append(rev)
	p.Content = content
	return rev
}

// touch advances UpdatedAt, never moving it backwards.
func (p *Poem) touch(now time.Time) {
	now = now.UTC()
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}
}
