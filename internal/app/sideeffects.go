package app

import (
	"context"
	"fmt"

	"versehub/api/internal/email"
	"versehub/api/internal/gitrepo"
	"versehub/api/internal/identity"
	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
	"versehub/api/internal/search"
	"versehub/api/internal/snapshot"
)

// Side effects mirror committed state into the git mirror, the search index,
// the snapshot bucket and mail. They run after the store write and their
// failures are logged, never returned.

func gitContent(p *poem.Poem, rev poem.Revision) gitrepo.Content {
	return gitrepo.Content{
		Title:      p.Title,
		Content:    rev.Content,
		Form:       p.Form,
		Tone:       p.Tone,
		RevisionID: rev.ID,
		AuthorKind: string(rev.AuthorKind),
	}
}

func searchRecord(p *poem.Poem) search.PoemRecord {
	return search.PoemRecord{
		ID:          p.ID,
		Title:       p.Title,
		Content:     p.Content,
		Description: p.Description,
		Form:        p.Form,
		Tone:        p.Tone,
		OwnerID:     p.OwnerID,
		OwnerName:   p.OwnerName,
		UpdatedAt:   p.UpdatedAt.Unix(),
	}
}

func isExplorable(p *poem.Poem) bool {
	return p.IsPublished() && p.Visibility == poem.VisibilityPublic
}

func (s *Service) syncIndex(p *poem.Poem) error {
	if isExplorable(p) {
		return s.search.IndexPoem(searchRecord(p))
	}
	return s.search.DeletePoem(p.ID)
}

func (s *Service) afterCreate(p *poem.Poem, actor identity.Principal) {
	if s.git == nil {
		return
	}
	p = p.Clone()
	s.spawn(p.ID, "git.init", func(context.Context) error {
		return s.git.EnsurePoemRepo(p.ID, gitrepo.Content{
			Title: p.Title,
			Form:  p.Form,
			Tone:  p.Tone,
		}, actor.DisplayName)
	})
}

// afterRevisions commits every revision appended after the first n entries.
func (s *Service) afterRevisions(p *poem.Poem, actor identity.Principal, n int, message string) {
	p = p.Clone()
	added := p.Revisions.Since(n)
	if s.git != nil && len(added) > 0 {
		s.spawn(p.ID, "git.commit", func(context.Context) error {
			for _, rev := range added {
				author := actor.DisplayName
				if rev.AuthorKind == poem.AuthorGenerator {
					author = "Generator"
				}
				if _, err := s.git.CommitRevision(p.ID, gitContent(p, rev), author, message); err != nil {
					return fmt.Errorf("commit revision %s: %w", rev.ID, err)
				}
			}
			return nil
		})
	}
	s.spawn(p.ID, "search.sync", func(context.Context) error {
		return s.syncIndex(p)
	})
}

func (s *Service) afterMetadata(p *poem.Poem) {
	p = p.Clone()
	s.spawn(p.ID, "search.sync", func(context.Context) error {
		return s.syncIndex(p)
	})
}

func (s *Service) afterPublish(p *poem.Poem) {
	p = p.Clone()
	s.spawn(p.ID, "search.sync", func(context.Context) error {
		return s.syncIndex(p)
	})
	s.publishSnapshot(p, snapshot.ReasonPublish)
	if s.git != nil && p.PublishedAt != nil {
		tag := fmt.Sprintf("published-%d", p.PublishedAt.Unix())
		s.spawn(p.ID, "git.tag", func(context.Context) error {
			return s.git.CreateTag(p.ID, "main", tag)
		})
	}
}

func (s *Service) publishSnapshot(p *poem.Poem, reason snapshot.Reason) {
	if s.snapshots == nil {
		return
	}
	takenAt := s.now()
	s.spawn(p.ID, "snapshot."+string(reason), func(ctx context.Context) error {
		return s.snapshots.Publish(ctx, snapshot.Snapshot{Reason: reason, TakenAt: takenAt, Poem: p})
	})
}

func (s *Service) afterDelete(poemID string) {
	s.spawn(poemID, "search.delete", func(context.Context) error {
		return s.search.DeletePoem(poemID)
	})
	if s.git != nil {
		s.spawn(poemID, "git.delete", func(context.Context) error {
			return s.git.DeletePoemRepo(poemID)
		})
	}
}

func (s *Service) afterPullRequestOpened(p *poem.Poem, pr *pullrequest.PullRequest) {
	p, pr = p.Clone(), pr.Clone()
	if s.git != nil {
		s.spawn(p.ID, "git.proposal", func(context.Context) error {
			content := gitrepo.Content{
				Title:   p.Title,
				Content: pr.ProposedContent,
				Form:    p.Form,
				Tone:    p.Tone,
			}
			if pr.ProposedTitle != nil {
				content.Title = *pr.ProposedTitle
			}
			message := pr.Message
			if message == "" {
				message = "Suggest a change"
			}
			_, err := s.git.OpenProposal(p.ID, gitrepo.BranchForPullRequest(pr.ID), content, pr.AuthorName, message)
			return err
		})
	}
	if s.notifier != nil && p.OwnerEmail != "" && p.OwnerID != pr.AuthorID {
		s.spawn(pr.ID, "notify.opened", func(context.Context) error {
			return s.notifier.NotifyPullRequestOpened(email.PullRequestNotice{
				ToEmail:       p.OwnerEmail,
				ToName:        p.OwnerName,
				ActorName:     pr.AuthorName,
				PoemTitle:     p.Title,
				PullRequestID: pr.ID,
				Status:        string(pr.Status),
				Message:       pr.Message,
			})
		})
	}
}

func (s *Service) notifyReviewed(p *poem.Poem, pr *pullrequest.PullRequest, actor identity.Principal) {
	if s.notifier == nil || pr.AuthorEmail == "" || pr.AuthorID == actor.ID {
		return
	}
	notice := email.PullRequestNotice{
		ToEmail:       pr.AuthorEmail,
		ToName:        pr.AuthorName,
		ActorName:     actor.DisplayName,
		PoemTitle:     p.Title,
		PullRequestID: pr.ID,
		Status:        string(pr.Status),
		Message:       pr.ReviewMessage,
	}
	s.spawn(pr.ID, "notify.reviewed", func(context.Context) error {
		return s.notifier.NotifyPullRequestReviewed(notice)
	})
}

func (s *Service) afterPullRequestReviewed(p *poem.Poem, pr *pullrequest.PullRequest, actor identity.Principal) {
	s.notifyReviewed(p, pr, actor)
}

func (s *Service) afterMerge(p *poem.Poem, pr *pullrequest.PullRequest, actor identity.Principal, revisionsBefore int) {
	p, pr = p.Clone(), pr.Clone()
	if s.git != nil {
		added := p.Revisions.Since(revisionsBefore)
		s.spawn(p.ID, "git.merge", func(context.Context) error {
			message := fmt.Sprintf("Merge suggestion %s from %s", pr.ID, pr.AuthorName)
			if _, err := s.git.MergeIntoMain(p.ID, gitrepo.BranchForPullRequest(pr.ID), actor.DisplayName, message); err == nil {
				return nil
			} else if len(added) == 0 {
				return err
			}
			// no proposal branch; record the merged revision directly
			for _, rev := range added {
				if _, err := s.git.CommitRevision(p.ID, gitContent(p, rev), pr.AuthorName, message); err != nil {
					return fmt.Errorf("commit merged revision %s: %w", rev.ID, err)
				}
			}
			return nil
		})
	}
	s.spawn(p.ID, "search.sync", func(context.Context) error {
		return s.syncIndex(p)
	})
	s.publishSnapshot(p, snapshot.ReasonMerge)
	s.notifyReviewed(p, pr, actor)
}
