package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"versehub/api/internal/apperr"
	"versehub/api/internal/email"
	"versehub/api/internal/export"
	"versehub/api/internal/generator"
	"versehub/api/internal/gitrepo"
	"versehub/api/internal/identity"
	"versehub/api/internal/lock"
	"versehub/api/internal/poem"
	"versehub/api/internal/rbac"
	"versehub/api/internal/search"
	"versehub/api/internal/session"
	"versehub/api/internal/snapshot"
	"versehub/api/internal/store"
	"versehub/api/internal/util"
)

// GitMirror is the subset of gitrepo.Service the engine mirrors revisions to.
type GitMirror interface {
	EnsurePoemRepo(string, gitrepo.Content, string) error
	CommitRevision(string, gitrepo.Content, string, string) (gitrepo.CommitInfo, error)
	OpenProposal(string, string, gitrepo.Content, string, string) (gitrepo.CommitInfo, error)
	MergeIntoMain(string, string, string, string) (gitrepo.CommitInfo, error)
	History(string, string, int) ([]gitrepo.CommitInfo, error)
	ContentAt(string, string) (gitrepo.Content, error)
	CreateTag(string, string, string) error
	DeletePoemRepo(string) error
}

// SearchIndex keeps the explore search in step with published poems.
type SearchIndex interface {
	IndexPoem(search.PoemRecord) error
	DeletePoem(string) error
	Search(context.Context, search.Query) search.Response
}

// Notifier delivers pull request notifications.
type Notifier interface {
	NotifyPullRequestOpened(email.PullRequestNotice) error
	NotifyPullRequestReviewed(email.PullRequestNotice) error
}

// Deps wires the engine to its collaborators. Store is required; every
// other field may be left nil.
type Deps struct {
	Store       store.Store
	Locker      lock.Locker
	Generator   generator.Generator
	Git         GitMirror
	Search      SearchIndex
	Snapshots   snapshot.Publisher
	Notifier    Notifier
	Revocations session.Revocations
	Logger      *slog.Logger

	TokenSecret       []byte
	TokenTTL          time.Duration
	ProviderSecret    []byte
	GenerationTimeout time.Duration
	Now               func() time.Time
}

// Service is the collaboration engine. Every exported operation takes the
// acting principal and runs one read-modify-write against the store.
type Service struct {
	store       store.Store
	locker      lock.Locker
	generator   generator.Generator
	git         GitMirror
	search      SearchIndex
	snapshots   snapshot.Publisher
	notifier    Notifier
	revocations session.Revocations
	logger      *slog.Logger

	tokenSecret       []byte
	tokenTTL          time.Duration
	providerSecret    []byte
	generationTimeout time.Duration
	now               func() time.Time

	// spawn runs best-effort side effects after a commit. Effects sharing a
	// key run in the order they were spawned.
	spawn func(key, name string, fn func(ctx context.Context) error)
	wg    sync.WaitGroup
	mu    sync.Mutex
	tails map[string]chan struct{}
}

const sideEffectTimeout = 30 * time.Second

func New(deps Deps) *Service {
	s := &Service{
		store:             deps.Store,
		locker:            deps.Locker,
		generator:         deps.Generator,
		git:               deps.Git,
		search:            deps.Search,
		snapshots:         deps.Snapshots,
		notifier:          deps.Notifier,
		revocations:       deps.Revocations,
		logger:            deps.Logger,
		tokenSecret:       deps.TokenSecret,
		tokenTTL:          deps.TokenTTL,
		providerSecret:    deps.ProviderSecret,
		generationTimeout: deps.GenerationTimeout,
		now:               deps.Now,
		tails:             make(map[string]chan struct{}),
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.generator == nil {
		s.generator = generator.Mock{}
	}
	if s.revocations == nil {
		s.revocations = session.NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewFuzzy(ExploreRecords(s.store)), s.logger)
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.spawn = s.runAsync
	return s
}

func (s *Service) runAsync(key, name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			close(done)
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("side effect failed", "effect", name, "key", key, "err", err)
		}
	}()
}

// Wait blocks until in-flight side effects have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func poemLockKey(poemID string) string {
	return "poem:" + poemID
}

func pullRequestLockKey(prID string) string {
	return "pr:" + prID
}

func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.External("LOCK_UNAVAILABLE", "could not acquire lock", err)
	}
	return release, nil
}

func requireActor(actor identity.Principal) error {
	if actor.IsZero() {
		return apperr.Permission("UNAUTHENTICATED", "an authenticated user is required")
	}
	return nil
}

func authorize(p *poem.Poem, actor identity.Principal, action rbac.Action) error {
	role := rbac.RoleFor(p, actor.ID)
	if rbac.Can(role, action) {
		return nil
	}
	switch {
	case role == rbac.RoleNone:
		return apperr.Permission("POEM_NOT_VISIBLE", "poem is not visible to you").
			WithDetails(map[string]string{"poemId": p.ID})
	default:
		return apperr.Permission("NOT_POEM_OWNER", "only the poem owner may do this").
			WithDetails(map[string]string{"poemId": p.ID, "action": string(action)})
	}
}

type CreatePoemInput struct {
	Form  string
	Tone  string
	Title string
}

func (s *Service) CreatePoem(ctx context.Context, actor identity.Principal, input CreatePoemInput) (*poem.Poem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	now := s.now()
	p, err := poem.New(util.NewID("poem"), strings.TrimSpace(input.Form), strings.TrimSpace(input.Tone), actor, now)
	if err != nil {
		return nil, err
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		p.EditTitle(title, now)
	}
	if err := s.store.PutPoem(ctx, p); err != nil {
		return nil, err
	}
	s.afterCreate(p, actor)
	return p, nil
}

func (s *Service) GetPoem(ctx context.Context, actor identity.Principal, poemID string) (*poem.Poem, error) {
	p, err := s.store.GetPoem(ctx, poemID)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return p, nil
}

// Revisions returns the revision log, oldest first.
func (s *Service) Revisions(ctx context.Context, actor identity.Principal, poemID string) (poem.Log, error) {
	p, err := s.GetPoem(ctx, actor, poemID)
	if err != nil {
		return nil, err
	}
	return p.Revisions, nil
}

// mutatePoem serializes a change to one poem. fn works on a copy and reports
// whether it changed anything; unchanged poems are not written.
func (s *Service) mutatePoem(ctx context.Context, actor identity.Principal, poemID string, action rbac.Action, fn func(p *poem.Poem, now time.Time) (bool, error)) (*poem.Poem, bool, error) {
	if err := requireActor(actor); err != nil {
		return nil, false, err
	}
	release, err := s.acquire(ctx, poemLockKey(poemID))
	if err != nil {
		return nil, false, err
	}
	defer release()

	p, err := s.store.GetPoem(ctx, poemID)
	if err != nil {
		return nil, false, err
	}
	if err := authorize(p, actor, action); err != nil {
		return nil, false, err
	}
	next := p.Clone()
	changed, err := fn(next, s.now())
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return p, false, nil
	}
	if err := s.store.PutPoem(ctx, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (s *Service) EditContent(ctx context.Context, actor identity.Principal, poemID, content string) (*poem.Poem, error) {
	var revisionsBefore int
	p, changed, err := s.mutatePoem(ctx, actor, poemID, rbac.ActionWrite, func(p *poem.Poem, now time.Time) (bool, error) {
		revisionsBefore = p.Revisions.Len()
		return p.EditContent(content, now), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterRevisions(p, actor, revisionsBefore, "Edit content")
	}
	return p, nil
}

func (s *Service) EditTitle(ctx context.Context, actor identity.Principal, poemID, title string) (*poem.Poem, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Validation("POEM_TITLE_REQUIRED", "title must not be empty")
	}
	p, changed, err := s.mutatePoem(ctx, actor, poemID, rbac.ActionWrite, func(p *poem.Poem, now time.Time) (bool, error) {
		return p.EditTitle(title, now), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterMetadata(p)
	}
	return p, nil
}

func (s *Service) SetVisibility(ctx context.Context, actor identity.Principal, poemID string, visibility poem.Visibility) (*poem.Poem, error) {
	p, changed, err := s.mutatePoem(ctx, actor, poemID, rbac.ActionAdmin, func(p *poem.Poem, now time.Time) (bool, error) {
		return p.SetVisibility(visibility, now)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterMetadata(p)
	}
	return p, nil
}

type PublishInput struct {
	Visibility           poem.Visibility
	CollaborationEnabled bool
	Description          *string
}

func (s *Service) Publish(ctx context.Context, actor identity.Principal, poemID string, input PublishInput) (*poem.Poem, error) {
	p, _, err := s.mutatePoem(ctx, actor, poemID, rbac.ActionAdmin, func(p *poem.Poem, now time.Time) (bool, error) {
		err := p.Publish(poem.PublishOptions{
			Visibility:           input.Visibility,
			CollaborationEnabled: input.CollaborationEnabled,
			Description:          input.Description,
		}, now)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	s.afterPublish(p)
	return p, nil
}

func (s *Service) RestoreRevision(ctx context.Context, actor identity.Principal, poemID, revisionID string) (*poem.Poem, error) {
	var revisionsBefore int
	p, _, err := s.mutatePoem(ctx, actor, poemID, rbac.ActionWrite, func(p *poem.Poem, now time.Time) (bool, error) {
		revisionsBefore = p.Revisions.Len()
		_, err := p.RestoreRevision(revisionID, now)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	s.afterRevisions(p, actor, revisionsBefore, "Restore revision "+revisionID)
	return p, nil
}

type GenerateInput struct {
	Prompt string
}

// Generate continues the poem with the external generator. The call runs
// without holding the poem lock; the result is committed only if the content
// the generator was seeded from is still current.
func (s *Service) Generate(ctx context.Context, actor identity.Principal, poemID string, input GenerateInput) (*poem.Poem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	p, err := s.store.GetPoem(ctx, poemID)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, actor, rbac.ActionWrite); err != nil {
		return nil, err
	}
	seed, err := p.GenerationSeed(input.Prompt)
	if err != nil {
		return nil, err
	}
	baseContent := p.Content

	genCtx := ctx
	if s.generationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.generationTimeout)
		defer cancel()
	}
	text, err := s.generator.Generate(genCtx, generator.Request{Seed: seed, Form: p.Form, Tone: p.Tone})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.External("GENERATION_TIMEOUT", "text generation timed out", err)
		}
		return nil, apperr.External("GENERATION_FAILED", "text generation failed", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var revisionsBefore int
	p, _, err = s.mutatePoem(ctx, actor, poemID, rbac.ActionWrite, func(p *poem.Poem, now time.Time) (bool, error) {
		if p.Content != baseContent {
			return false, apperr.Conflict("GENERATION_STALE",
				"generation discarded: poem has changed while text was being generated")
		}
		revisionsBefore = p.Revisions.Len()
		_, err := p.ApplyGeneratedContent(text, now)
		return err == nil, err
	})
	if err != nil {
		return nil, err
	}
	s.afterRevisions(p, actor, revisionsBefore, "Apply generated text")
	return p, nil
}

func (s *Service) DeletePoem(ctx context.Context, actor identity.Principal, poemID string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	release, err := s.acquire(ctx, poemLockKey(poemID))
	if err != nil {
		return err
	}
	defer release()

	p, err := s.store.GetPoem(ctx, poemID)
	if err != nil {
		return err
	}
	if err := authorize(p, actor, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeletePoem(ctx, poemID); err != nil {
		return err
	}
	s.afterDelete(poemID)
	return nil
}

// Library lists the actor's own poems, newest first.
func (s *Service) Library(ctx context.Context, actor identity.Principal, limit int) ([]*poem.Poem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.store.ListPoems(ctx, store.PoemFilter{OwnerID: actor.ID, Limit: limit})
}

// Explore lists public, published poems. A non-empty query is answered by
// the search index; hits are re-read from the store so stale index entries
// never leak.
func (s *Service) Explore(ctx context.Context, query string, limit int) ([]*poem.Poem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.store.ListPoems(ctx, store.PoemFilter{Explore: true, Limit: limit})
	}
	resp := s.search.Search(ctx, search.Query{Text: query, Limit: limit})
	items := make([]*poem.Poem, 0, len(resp.Results))
	for _, hit := range resp.Results {
		p, err := s.store.GetPoem(ctx, hit.ID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if p.IsPublished() && p.Visibility == poem.VisibilityPublic {
			items = append(items, p)
		}
	}
	return items, nil
}

// ExploreRecords returns a search source over the explorable poems in st.
func ExploreRecords(st store.Store) search.Source {
	return func(ctx context.Context) ([]search.PoemRecord, error) {
		poems, err := st.ListPoems(ctx, store.PoemFilter{Explore: true, Limit: 500})
		if err != nil {
			return nil, err
		}
		records := make([]search.PoemRecord, 0, len(poems))
		for _, p := range poems {
			records = append(records, searchRecord(p))
		}
		return records, nil
	}
}

// History returns the git mirror log of the poem's main branch.
func (s *Service) History(ctx context.Context, actor identity.Principal, poemID string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.GetPoem(ctx, actor, poemID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return nil, apperr.NotFound("HISTORY_UNAVAILABLE", "revision mirror is not configured")
	}
	items, err := s.git.History(poemID, "main", limit)
	if err != nil {
		return nil, apperr.External("HISTORY_READ_FAILED", "could not read revision mirror", err)
	}
	return items, nil
}

// HistoryContent returns the poem as mirrored at a commit of its history.
func (s *Service) HistoryContent(ctx context.Context, actor identity.Principal, poemID, rev string) (gitrepo.Content, error) {
	if _, err := s.GetPoem(ctx, actor, poemID); err != nil {
		return gitrepo.Content{}, err
	}
	if s.git == nil {
		return gitrepo.Content{}, apperr.NotFound("HISTORY_UNAVAILABLE", "revision mirror is not configured")
	}
	content, err := s.git.ContentAt(poemID, rev)
	if err != nil {
		if errors.Is(err, gitrepo.ErrCommitNotFound) {
			return gitrepo.Content{}, apperr.NotFound("COMMIT_NOT_FOUND", "no such commit in this poem's history").
				WithDetails(map[string]string{"poemId": poemID, "commit": rev})
		}
		return gitrepo.Content{}, apperr.External("HISTORY_READ_FAILED", "could not read revision mirror", err)
	}
	return content, nil
}

// Export renders the poem for download.
func (s *Service) Export(ctx context.Context, actor identity.Principal, poemID, format string) (*export.Result, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, apperr.Validation("EXPORT_FORMAT_INVALID", "format must be html, txt or docx")
	}
	p, err := s.GetPoem(ctx, actor, poemID)
	if err != nil {
		return nil, err
	}
	res, err := export.Export(p, f)
	if err != nil {
		if errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, apperr.External("EXPORT_UNAVAILABLE", "docx export is not available on this server", err)
		}
		return nil, fmt.Errorf("export poem: %w", err)
	}
	return res, nil
}
