package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"versehub/api/internal/apperr"
	"versehub/api/internal/auth"
	"versehub/api/internal/email"
	"versehub/api/internal/generator"
	"versehub/api/internal/gitrepo"
	"versehub/api/internal/identity"
	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
	"versehub/api/internal/snapshot"
	"versehub/api/internal/store"
	"versehub/api/internal/util"
)

var (
	owner  = identity.Principal{ID: "u_avery", DisplayName: "Avery", Email: "avery@example.com"}
	blair  = identity.Principal{ID: "u_blair", DisplayName: "Blair", Email: "blair@example.com"}
	casey  = identity.Principal{ID: "u_casey", DisplayName: "Casey"}
	nobody = identity.Principal{}
)

type fakeGit struct {
	mu       sync.Mutex
	calls    []string
	commitFn func(poemID string, content gitrepo.Content, author, message string) (gitrepo.CommitInfo, error)
	mergeFn  func(poemID, sourceBranch, author, message string) (gitrepo.CommitInfo, error)

	contentFn func(rev string) (gitrepo.Content, error)
}

func (f *fakeGit) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeGit) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGit) EnsurePoemRepo(poemID string, _ gitrepo.Content, _ string) error {
	f.record("ensure:" + poemID)
	return nil
}

func (f *fakeGit) CommitRevision(poemID string, content gitrepo.Content, author, message string) (gitrepo.CommitInfo, error) {
	f.record("commit:" + content.Content)
	if f.commitFn != nil {
		return f.commitFn(poemID, content, author, message)
	}
	return gitrepo.CommitInfo{Hash: "abc1234", Message: message}, nil
}

func (f *fakeGit) OpenProposal(_, branch string, _ gitrepo.Content, _, _ string) (gitrepo.CommitInfo, error) {
	f.record("proposal:" + branch)
	return gitrepo.CommitInfo{}, nil
}

func (f *fakeGit) MergeIntoMain(poemID, sourceBranch, author, message string) (gitrepo.CommitInfo, error) {
	f.record("merge:" + sourceBranch)
	if f.mergeFn != nil {
		return f.mergeFn(poemID, sourceBranch, author, message)
	}
	return gitrepo.CommitInfo{}, nil
}

func (f *fakeGit) History(string, string, int) ([]gitrepo.CommitInfo, error) {
	return []gitrepo.CommitInfo{{Hash: "abc1234", Message: "Start poem"}}, nil
}

func (f *fakeGit) ContentAt(_, rev string) (gitrepo.Content, error) {
	if f.contentFn != nil {
		return f.contentFn(rev)
	}
	return gitrepo.Content{}, gitrepo.ErrCommitNotFound
}

func (f *fakeGit) CreateTag(_, _, name string) error {
	f.record("tag:" + name)
	return nil
}

func (f *fakeGit) DeletePoemRepo(poemID string) error {
	f.record("delete:" + poemID)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	opened   []email.PullRequestNotice
	reviewed []email.PullRequestNotice
	openedFn func(email.PullRequestNotice) error
}

func (f *fakeNotifier) NotifyPullRequestOpened(n email.PullRequestNotice) error {
	f.mu.Lock()
	f.opened = append(f.opened, n)
	f.mu.Unlock()
	if f.openedFn != nil {
		return f.openedFn(n)
	}
	return nil
}

func (f *fakeNotifier) NotifyPullRequestReviewed(n email.PullRequestNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed = append(f.reviewed, n)
	return nil
}

type fakeSnapshots struct {
	mu      sync.Mutex
	reasons []snapshot.Reason
}

func (f *fakeSnapshots) Publish(_ context.Context, snap snapshot.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, snap.Reason)
	return nil
}

type testEnv struct {
	svc       *Service
	store     *store.MemoryStore
	git       *fakeGit
	notifier  *fakeNotifier
	snapshots *fakeSnapshots
	effectErr []error
}

func newTestEnv(t *testing.T, deps Deps) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.NewMemoryStore(),
		git:       &fakeGit{},
		notifier:  &fakeNotifier{},
		snapshots: &fakeSnapshots{},
	}
	deps.Store = env.store
	deps.Git = env.git
	deps.Notifier = env.notifier
	deps.Snapshots = env.snapshots
	if deps.TokenSecret == nil {
		deps.TokenSecret = []byte("test-secret")
	}
	if deps.ProviderSecret == nil {
		deps.ProviderSecret = []byte("test-provider-secret")
	}
	env.svc = New(deps)
	env.svc.spawn = func(_, _ string, fn func(context.Context) error) {
		if err := fn(context.Background()); err != nil {
			env.effectErr = append(env.effectErr, err)
		}
	}
	return env
}

// publishedPoem creates a public, collaborative poem owned by owner.
func (env *testEnv) publishedPoem(t *testing.T, content string) *poem.Poem {
	t.Helper()
	ctx := context.Background()
	p, err := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful", Title: "Shore"})
	if err != nil {
		t.Fatalf("CreatePoem() error = %v", err)
	}
	if _, err := env.svc.EditContent(ctx, owner, p.ID, content); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	p, err = env.svc.Publish(ctx, owner, p.ID, PublishInput{Visibility: poem.VisibilityPublic, CollaborationEnabled: true})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	return p
}

func (env *testEnv) approvedPullRequest(t *testing.T, poemID string, author identity.Principal, content string) *pullrequest.PullRequest {
	t.Helper()
	ctx := context.Background()
	pr, err := env.svc.CreatePullRequest(ctx, author, poemID, CreatePullRequestInput{Content: content})
	if err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	pr, err = env.svc.ApprovePullRequest(ctx, owner, pr.ID, "")
	if err != nil {
		t.Fatalf("ApprovePullRequest() error = %v", err)
	}
	return pr
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestCreatePoemStartsPrivateDraft(t *testing.T) {
	env := newTestEnv(t, Deps{})
	p, err := env.svc.CreatePoem(context.Background(), owner, CreatePoemInput{Form: "haiku", Tone: "calm"})
	if err != nil {
		t.Fatalf("CreatePoem() error = %v", err)
	}
	if p.Status != poem.StatusDraft || p.Visibility != poem.VisibilityPrivate {
		t.Fatalf("unexpected status/visibility: %s/%s", p.Status, p.Visibility)
	}
	if p.Title != poem.PlaceholderTitle || p.Revisions.Len() != 0 {
		t.Fatalf("expected placeholder title and empty log, got %q with %d revisions", p.Title, p.Revisions.Len())
	}
	if calls := env.git.Calls(); len(calls) != 1 || calls[0] != "ensure:"+p.ID {
		t.Fatalf("expected git repo to be created, calls = %v", calls)
	}

	if _, err := env.svc.CreatePoem(context.Background(), nobody, CreatePoemInput{}); !errors.Is(err, apperr.ErrPermission) {
		t.Fatalf("expected permission error for anonymous caller, got %v", err)
	}
}

func TestEditContentRecordsRevisionsOnlyOnChange(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})

	p, err := env.svc.EditContent(ctx, owner, p.ID, "The tide comes in")
	if err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	if p.Revisions.Len() != 1 || p.Content != "The tide comes in" {
		t.Fatalf("expected one revision, got %+v", p.Revisions)
	}
	version := p.Version

	p, err = env.svc.EditContent(ctx, owner, p.ID, "The tide comes in")
	if err != nil {
		t.Fatalf("EditContent() repeat error = %v", err)
	}
	if p.Revisions.Len() != 1 || p.Version != version {
		t.Fatalf("identical content must not write, revisions=%d version=%d", p.Revisions.Len(), p.Version)
	}
	if last, _ := p.Revisions.Last(); last.AuthorKind != poem.AuthorHuman {
		t.Fatalf("expected human revision, got %s", last.AuthorKind)
	}

	calls := env.git.Calls()
	if calls[len(calls)-1] != "commit:The tide comes in" {
		t.Fatalf("expected revision mirrored to git, calls = %v", calls)
	}
}

func TestOnlyOwnerMutatesPoem(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "The tide comes in")

	_, err := env.svc.EditContent(ctx, blair, p.ID, "hijacked")
	assertKind(t, err, apperr.KindPermission)
	_, err = env.svc.EditTitle(ctx, blair, p.ID, "Mine now")
	assertKind(t, err, apperr.KindPermission)
	_, err = env.svc.Publish(ctx, blair, p.ID, PublishInput{Visibility: poem.VisibilityPrivate})
	assertKind(t, err, apperr.KindPermission)
	assertKind(t, env.svc.DeletePoem(ctx, blair, p.ID), apperr.KindPermission)

	got, err := env.svc.GetPoem(ctx, blair, p.ID)
	if err != nil {
		t.Fatalf("GetPoem() by reader error = %v", err)
	}
	if got.Content != "The tide comes in" {
		t.Fatalf("poem changed by denied edits: %q", got.Content)
	}
}

func TestDraftPoemHiddenFromOthers(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "ode", Tone: "bright"})

	_, err := env.svc.GetPoem(ctx, casey, p.ID)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != "POEM_NOT_VISIBLE" {
		t.Fatalf("expected POEM_NOT_VISIBLE, got %v", err)
	}
	_, err = env.svc.GetPoem(ctx, casey, "poem_missing")
	assertKind(t, err, apperr.KindNotFound)
}

func TestPublishRequiresTitleAndContent(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})

	_, err := env.svc.Publish(ctx, owner, p.ID, PublishInput{Visibility: poem.VisibilityPublic})
	assertKind(t, err, apperr.KindValidation)

	if _, err := env.svc.EditTitle(ctx, owner, p.ID, "Shore"); err != nil {
		t.Fatalf("EditTitle() error = %v", err)
	}
	_, err = env.svc.Publish(ctx, owner, p.ID, PublishInput{Visibility: poem.VisibilityPublic})
	assertKind(t, err, apperr.KindValidation)

	if _, err := env.svc.EditContent(ctx, owner, p.ID, "The tide comes in"); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	description := "  a small sea poem "
	published, err := env.svc.Publish(ctx, owner, p.ID, PublishInput{
		Visibility:           poem.VisibilityPublic,
		CollaborationEnabled: true,
		Description:          &description,
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !published.IsPublished() || published.PublishedAt == nil || published.Description != "a small sea poem" {
		t.Fatalf("unexpected published poem: %+v", published)
	}
	if len(env.snapshots.reasons) != 1 || env.snapshots.reasons[0] != snapshot.ReasonPublish {
		t.Fatalf("expected publish snapshot, got %v", env.snapshots.reasons)
	}
	calls := env.git.Calls()
	if !strings.HasPrefix(calls[len(calls)-1], "tag:published-") {
		t.Fatalf("expected publish tag, calls = %v", calls)
	}

	_, err = env.svc.EditTitle(ctx, owner, p.ID, "   ")
	assertKind(t, err, apperr.KindValidation)
}

func TestRestoreRevisionAppendsCopy(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	p, _ = env.svc.EditContent(ctx, owner, p.ID, "first draft")
	first, _ := p.Revisions.Last()
	p, _ = env.svc.EditContent(ctx, owner, p.ID, "second draft")

	p, err := env.svc.RestoreRevision(ctx, owner, p.ID, first.ID)
	if err != nil {
		t.Fatalf("RestoreRevision() error = %v", err)
	}
	if p.Revisions.Len() != 3 || p.Content != "first draft" {
		t.Fatalf("expected restored copy appended, got %d revisions content %q", p.Revisions.Len(), p.Content)
	}
	if last, _ := p.Revisions.Last(); last.ID == first.ID {
		t.Fatal("restore must append a new revision, not reuse the old id")
	}

	_, err = env.svc.RestoreRevision(ctx, owner, p.ID, "rev_missing")
	assertKind(t, err, apperr.KindNotFound)
}

func TestPullRequestLifecycleMergesAndNotifies(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "The tide comes in")
	revisionsBefore := p.Revisions.Len()

	title := "Shoreline"
	pr, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{
		Content: "The tide comes in\nand the gulls return",
		Title:   &title,
		Message: "A second line",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	if pr.Status != pullrequest.StatusPending || pr.BaseContent != "The tide comes in" {
		t.Fatalf("unexpected pull request: %+v", pr)
	}
	if len(env.notifier.opened) != 1 || env.notifier.opened[0].ToEmail != owner.Email {
		t.Fatalf("expected owner notified, got %+v", env.notifier.opened)
	}

	pr, err = env.svc.AddComment(ctx, casey, pr.ID, "Lovely")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if len(pr.Comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(pr.Comments))
	}

	_, err = env.svc.ApprovePullRequest(ctx, blair, pr.ID, "")
	assertKind(t, err, apperr.KindPermission)

	_, err = env.svc.MergePullRequest(ctx, owner, pr.ID)
	assertKind(t, err, apperr.KindInvalidTransition)

	if _, err := env.svc.ApprovePullRequest(ctx, owner, pr.ID, "Nice"); err != nil {
		t.Fatalf("ApprovePullRequest() error = %v", err)
	}
	result, err := env.svc.MergePullRequest(ctx, owner, pr.ID)
	if err != nil {
		t.Fatalf("MergePullRequest() error = %v", err)
	}
	if result.PullRequest.Status != pullrequest.StatusMerged || result.PullRequest.MergedAt == nil {
		t.Fatalf("expected merged pull request, got %+v", result.PullRequest)
	}
	if result.Poem.Content != "The tide comes in\nand the gulls return" || result.Poem.Title != "Shoreline" {
		t.Fatalf("merge not applied: %+v", result.Poem)
	}
	if result.Poem.Revisions.Len() != revisionsBefore+1 {
		t.Fatalf("expected one merge revision, got %d", result.Poem.Revisions.Len()-revisionsBefore)
	}
	last, _ := result.Poem.Revisions.Last()
	if last.ID != result.PullRequest.MergedRevisionID {
		t.Fatalf("merged revision id %q does not match log tail %q", result.PullRequest.MergedRevisionID, last.ID)
	}

	stored, err := env.store.GetPullRequest(ctx, pr.ID)
	if err != nil || stored.Status != pullrequest.StatusMerged {
		t.Fatalf("merge not persisted: %+v, %v", stored, err)
	}
	if len(env.notifier.reviewed) != 2 {
		t.Fatalf("expected approve and merge notices, got %d", len(env.notifier.reviewed))
	}
	if env.snapshots.reasons[len(env.snapshots.reasons)-1] != snapshot.ReasonMerge {
		t.Fatalf("expected merge snapshot, got %v", env.snapshots.reasons)
	}
	calls := strings.Join(env.git.Calls(), ",")
	if !strings.Contains(calls, "proposal:pr/"+pr.ID) || !strings.Contains(calls, "merge:pr/"+pr.ID) {
		t.Fatalf("expected proposal branch and merge in git mirror, calls = %s", calls)
	}

	_, err = env.svc.RejectPullRequest(ctx, owner, pr.ID, "")
	assertKind(t, err, apperr.KindInvalidTransition)
}

func TestMergeWithStaleBaseConflicts(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")

	first := env.approvedPullRequest(t, p.ID, blair, "base + blair")
	second := env.approvedPullRequest(t, p.ID, casey, "base + casey")

	if _, err := env.svc.MergePullRequest(ctx, owner, first.ID); err != nil {
		t.Fatalf("MergePullRequest(first) error = %v", err)
	}
	_, err := env.svc.MergePullRequest(ctx, owner, second.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, _ := env.store.GetPullRequest(ctx, second.ID)
	if stored.Status != pullrequest.StatusApproved {
		t.Fatalf("losing pull request must stay approved, got %s", stored.Status)
	}
	current, _ := env.store.GetPoem(ctx, p.ID)
	if current.Content != "base + blair" {
		t.Fatalf("unexpected content after conflict: %q", current.Content)
	}
}

func TestConcurrentMergesExactlyOneWins(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")
	before := p.Revisions.Len()

	prs := []*pullrequest.PullRequest{
		env.approvedPullRequest(t, p.ID, blair, "base + blair"),
		env.approvedPullRequest(t, p.ID, casey, "base + casey"),
	}
	// side effects are covered elsewhere; skip them under concurrency
	env.svc.spawn = func(string, string, func(context.Context) error) {}

	var wg sync.WaitGroup
	errs := make([]error, len(prs))
	for i, pr := range prs {
		wg.Add(1)
		go func(i int, prID string) {
			defer wg.Done()
			_, errs[i] = env.svc.MergePullRequest(ctx, owner, prID)
		}(i, pr.ID)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected merge error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}
	current, _ := env.store.GetPoem(ctx, p.ID)
	if current.Revisions.Len() != before+1 {
		t.Fatalf("expected exactly one merge revision, got %d", current.Revisions.Len()-before)
	}
}

func TestReviewAndMerge(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")

	rejected, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "nope"})
	if err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	result, err := env.svc.ReviewAndMerge(ctx, owner, rejected.ID, DecisionReject, "Not this time")
	if err != nil {
		t.Fatalf("ReviewAndMerge(reject) error = %v", err)
	}
	if result.PullRequest.Status != pullrequest.StatusRejected || result.Poem != nil {
		t.Fatalf("unexpected reject result: %+v", result)
	}

	stale, _ := env.svc.CreatePullRequest(ctx, casey, p.ID, CreatePullRequestInput{Content: "base + casey"})
	winner, _ := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base + blair"})

	result, err = env.svc.ReviewAndMerge(ctx, owner, winner.ID, DecisionApprove, "")
	if err != nil {
		t.Fatalf("ReviewAndMerge(approve) error = %v", err)
	}
	if result.PullRequest.Status != pullrequest.StatusMerged || result.Poem.Content != "base + blair" {
		t.Fatalf("unexpected merge result: %+v", result)
	}

	result, err = env.svc.ReviewAndMerge(ctx, owner, stale.ID, DecisionApprove, "")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for stale pull request, got %v", err)
	}
	if result.PullRequest == nil || result.PullRequest.Status != pullrequest.StatusApproved {
		t.Fatalf("expected approved pull request alongside conflict, got %+v", result.PullRequest)
	}

	_, err = env.svc.ReviewAndMerge(ctx, owner, stale.ID, Decision("maybe"), "")
	assertKind(t, err, apperr.KindValidation)
}

func TestCreatePullRequestRules(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")

	tests := []struct {
		name  string
		actor identity.Principal
		input CreatePullRequestInput
		kind  apperr.Kind
	}{
		{name: "anonymous", actor: nobody, input: CreatePullRequestInput{Content: "x"}, kind: apperr.KindPermission},
		{name: "owner", actor: owner, input: CreatePullRequestInput{Content: "x"}, kind: apperr.KindPermission},
		{name: "empty content", actor: blair, input: CreatePullRequestInput{Content: "  "}, kind: apperr.KindValidation},
		{name: "unchanged", actor: blair, input: CreatePullRequestInput{Content: "base"}, kind: apperr.KindValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreatePullRequest(ctx, tc.actor, p.ID, tc.input)
			assertKind(t, err, tc.kind)
		})
	}

	title := "New title"
	if _, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base", Title: &title}); err != nil {
		t.Fatalf("title-only proposal error = %v", err)
	}

	if _, err := env.svc.SetVisibility(ctx, owner, p.ID, poem.VisibilityPrivate); err != nil {
		t.Fatalf("SetVisibility() error = %v", err)
	}
	_, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base + more"})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != "POEM_NOT_VISIBLE" {
		t.Fatalf("expected POEM_NOT_VISIBLE on private poem, got %v", err)
	}
}

func TestProposalsOnHiddenPoemsRevealNothing(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	draft, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "ode", Tone: "bright", Title: "Draft"})

	_, err := env.svc.CreatePullRequest(ctx, casey, draft.ID, CreatePullRequestInput{Content: "mine now"})
	assertCode(t, err, "POEM_NOT_VISIBLE")
	_, err = env.svc.CreatePullRequest(ctx, owner, draft.ID, CreatePullRequestInput{Content: "mine now"})
	assertCode(t, err, "POEM_NOT_PUBLISHED")

	closed, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "ode", Tone: "bright", Title: "Closed"})
	if _, err := env.svc.EditContent(ctx, owner, closed.ID, "still water"); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	if _, err := env.svc.Publish(ctx, owner, closed.ID, PublishInput{Visibility: poem.VisibilityPublic}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_, err = env.svc.CreatePullRequest(ctx, casey, closed.ID, CreatePullRequestInput{Content: "moving water"})
	assertCode(t, err, "COLLABORATION_DISABLED")
}

func TestCommentsNeedAccessToThePoem(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")
	pr, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base + more"})
	if err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	if _, err := env.svc.AddComment(ctx, casey, pr.ID, "Nice"); err != nil {
		t.Fatalf("reader comment error = %v", err)
	}

	if _, err := env.svc.SetVisibility(ctx, owner, p.ID, poem.VisibilityPrivate); err != nil {
		t.Fatalf("SetVisibility() error = %v", err)
	}
	_, err = env.svc.AddComment(ctx, casey, pr.ID, "Still here?")
	assertCode(t, err, "POEM_NOT_VISIBLE")
	if _, err := env.svc.AddComment(ctx, blair, pr.ID, "Author can still reply"); err != nil {
		t.Fatalf("author comment error = %v", err)
	}
}

func TestGenerateWithOpenAIKeepsExistingLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "and the gulls return"}}]
		}`))
	}))
	defer srv.Close()

	gen, err := generator.NewOpenAI(generator.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	env := newTestEnv(t, Deps{Generator: gen})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "free verse", Tone: "calm"})
	if _, err := env.svc.EditContent(ctx, owner, p.ID, "The tide goes out\nand leaves the sand"); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}

	p, err = env.svc.Generate(ctx, owner, p.ID, GenerateInput{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "The tide goes out\nand leaves the sand\nand the gulls return"
	if p.Content != want {
		t.Fatalf("content = %q, want %q", p.Content, want)
	}
}

func TestGenerateAppliesGeneratedRevision(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})

	_, err := env.svc.Generate(ctx, owner, p.ID, GenerateInput{})
	assertKind(t, err, apperr.KindInvalidTransition)

	p, err = env.svc.Generate(ctx, owner, p.ID, GenerateInput{Prompt: "the sea at dusk"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "the sea at dusk\n\nHere's an AI-generated continuation based on your sonnet with a wistful tone..."
	if p.Content != want {
		t.Fatalf("unexpected generated content %q", p.Content)
	}
	last, _ := p.Revisions.Last()
	if last.AuthorKind != poem.AuthorGenerator {
		t.Fatalf("expected generator revision, got %s", last.AuthorKind)
	}
}

func TestGenerateCancelledCommitsNothing(t *testing.T) {
	started := make(chan struct{})
	gen := generator.Func(func(ctx context.Context, _ generator.Request) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestEnv(t, Deps{Generator: gen})
	p, _ := env.svc.CreatePoem(context.Background(), owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	p, _ = env.svc.EditContent(context.Background(), owner, p.ID, "seed")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Generate(ctx, owner, p.ID, GenerateInput{})
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Generate() did not return after cancellation")
	}

	current, _ := env.store.GetPoem(context.Background(), p.ID)
	if current.Revisions.Len() != 1 || current.Content != "seed" {
		t.Fatalf("cancelled generation must not commit, got %d revisions", current.Revisions.Len())
	}
}

func TestGenerateDiscardsStaleResult(t *testing.T) {
	var env *testEnv
	var poemID string
	gen := generator.Func(func(ctx context.Context, req generator.Request) (string, error) {
		if _, err := env.svc.EditContent(ctx, owner, poemID, "edited meanwhile"); err != nil {
			return "", err
		}
		return req.Seed + "\nmore", nil
	})
	env = newTestEnv(t, Deps{Generator: gen})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	p, _ = env.svc.EditContent(ctx, owner, p.ID, "seed")
	poemID = p.ID

	_, err := env.svc.Generate(ctx, owner, p.ID, GenerateInput{})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for stale generation, got %v", err)
	}
	current, _ := env.store.GetPoem(ctx, p.ID)
	if current.Content != "edited meanwhile" {
		t.Fatalf("generated text overwrote newer edit: %q", current.Content)
	}
}

func TestGenerateFailuresAreExternal(t *testing.T) {
	failing := generator.Func(func(context.Context, generator.Request) (string, error) {
		return "", errors.New("upstream 500")
	})
	env := newTestEnv(t, Deps{Generator: failing})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})

	_, err := env.svc.Generate(ctx, owner, p.ID, GenerateInput{Prompt: "go"})
	assertKind(t, err, apperr.KindExternalService)

	slow := generator.Func(func(ctx context.Context, _ generator.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	env = newTestEnv(t, Deps{Generator: slow, GenerationTimeout: 10 * time.Millisecond})
	p, _ = env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	_, err = env.svc.Generate(ctx, owner, p.ID, GenerateInput{Prompt: "go"})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != "GENERATION_TIMEOUT" {
		t.Fatalf("expected GENERATION_TIMEOUT, got %v", err)
	}

	_, err = env.svc.Generate(ctx, blair, p.ID, GenerateInput{Prompt: "go"})
	assertKind(t, err, apperr.KindPermission)
}

func TestSideEffectFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.git.commitFn = func(string, gitrepo.Content, string, string) (gitrepo.CommitInfo, error) {
		return gitrepo.CommitInfo{}, errors.New("disk full")
	}
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	p, err := env.svc.EditContent(ctx, owner, p.ID, "still saved")
	if err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	if p.Content != "still saved" {
		t.Fatalf("unexpected content %q", p.Content)
	}
	if len(env.effectErr) != 1 {
		t.Fatalf("expected git failure to be reported as a side effect error, got %v", env.effectErr)
	}
}

func TestMergeFallsBackToRevisionCommitWithoutBranch(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.git.mergeFn = func(string, string, string, string) (gitrepo.CommitInfo, error) {
		return gitrepo.CommitInfo{}, errors.New("reference not found")
	}
	ctx := context.Background()
	p := env.publishedPoem(t, "base")
	pr := env.approvedPullRequest(t, p.ID, blair, "base + blair")
	if _, err := env.svc.MergePullRequest(ctx, owner, pr.ID); err != nil {
		t.Fatalf("MergePullRequest() error = %v", err)
	}
	calls := env.git.Calls()
	if calls[len(calls)-1] != "commit:base + blair" {
		t.Fatalf("expected merged revision committed directly, calls = %v", calls)
	}
	if len(env.effectErr) != 0 {
		t.Fatalf("unexpected side effect errors: %v", env.effectErr)
	}
}

func TestListPullRequestsAndStats(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")
	if _, err := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base + 1"}); err != nil {
		t.Fatalf("CreatePullRequest() error = %v", err)
	}
	merged := env.approvedPullRequest(t, p.ID, blair, "base + 2")
	if _, err := env.svc.MergePullRequest(ctx, owner, merged.ID); err != nil {
		t.Fatalf("MergePullRequest() error = %v", err)
	}
	if _, err := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "haiku", Tone: "calm"}); err != nil {
		t.Fatalf("CreatePoem() error = %v", err)
	}

	received, err := env.svc.ListPullRequests(ctx, owner, ListPullRequestsInput{Scope: ScopeReceived})
	if err != nil || len(received) != 2 {
		t.Fatalf("expected 2 received, got %d (%v)", len(received), err)
	}
	pending, err := env.svc.ListPullRequests(ctx, owner, ListPullRequestsInput{Status: "pending"})
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d (%v)", len(pending), err)
	}
	created, err := env.svc.ListPullRequests(ctx, blair, ListPullRequestsInput{Scope: ScopeCreated})
	if err != nil || len(created) != 2 {
		t.Fatalf("expected 2 created, got %d (%v)", len(created), err)
	}
	_, err = env.svc.ListPullRequests(ctx, owner, ListPullRequestsInput{Scope: "everyone"})
	assertKind(t, err, apperr.KindValidation)

	byPoem, err := env.svc.ListByPoem(ctx, casey, p.ID)
	if err != nil || len(byPoem) != 2 {
		t.Fatalf("expected 2 pull requests on poem, got %d (%v)", len(byPoem), err)
	}

	stats, err := env.svc.Stats(ctx, owner)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{TotalPoems: 2, PublicPoems: 1, PullRequestsIn: 2, PendingReviews: 1, PullRequestsOut: 0}
	if stats != want {
		t.Fatalf("Stats() = %+v, want %+v", stats, want)
	}
}

func TestExploreListsPublicPublishedPoems(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	shore := env.publishedPoem(t, "The tide comes in\nand the gulls return")

	winter, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "haiku", Tone: "calm", Title: "Winter"})
	_, _ = env.svc.EditContent(ctx, owner, winter.ID, "snow falls softly")
	if _, err := env.svc.Publish(ctx, owner, winter.ID, PublishInput{Visibility: poem.VisibilityPrivate}); err != nil {
		t.Fatalf("Publish(private) error = %v", err)
	}
	_, _ = env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "ode", Tone: "bright", Title: "Draft"})

	feed, err := env.svc.Explore(ctx, "", 0)
	if err != nil {
		t.Fatalf("Explore() error = %v", err)
	}
	if len(feed) != 1 || feed[0].ID != shore.ID {
		t.Fatalf("expected only the public poem in the feed, got %d items", len(feed))
	}

	hits, err := env.svc.Explore(ctx, "gulls", 10)
	if err != nil {
		t.Fatalf("Explore(query) error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != shore.ID {
		t.Fatalf("expected search hit for public poem, got %d items", len(hits))
	}
}

func TestDeletePoemCascades(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p := env.publishedPoem(t, "base")
	pr, _ := env.svc.CreatePullRequest(ctx, blair, p.ID, CreatePullRequestInput{Content: "base + 1"})

	if err := env.svc.DeletePoem(ctx, owner, p.ID); err != nil {
		t.Fatalf("DeletePoem() error = %v", err)
	}
	if _, err := env.store.GetPoem(ctx, p.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected poem gone, got %v", err)
	}
	if _, err := env.store.GetPullRequest(ctx, pr.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected pull request gone, got %v", err)
	}
	calls := env.git.Calls()
	if calls[len(calls)-1] != "delete:"+p.ID {
		t.Fatalf("expected git repo removed, calls = %v", calls)
	}
}

func TestHistoryRequiresMirror(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()
	p, _ := env.svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "sonnet", Tone: "wistful"})
	items, err := env.svc.History(ctx, owner, p.ID, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("History() = %v, %v", items, err)
	}

	env.svc.git = nil
	_, err = env.svc.History(ctx, owner, p.ID, 10)
	assertKind(t, err, apperr.KindNotFound)
}

func TestHistoryContentReadsMirroredCommit(t *testing.T) {
	svc := New(Deps{Store: store.NewMemoryStore(), Git: gitrepo.New(t.TempDir())})
	svc.spawn = func(_, name string, fn func(context.Context) error) {
		if err := fn(context.Background()); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	ctx := context.Background()
	p, _ := svc.CreatePoem(ctx, owner, CreatePoemInput{Form: "haiku", Tone: "calm", Title: "Low Tide"})
	if _, err := svc.EditContent(ctx, owner, p.ID, "cold sand"); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}
	if _, err := svc.EditContent(ctx, owner, p.ID, "cold sand\nwet feet"); err != nil {
		t.Fatalf("EditContent() error = %v", err)
	}

	items, err := svc.History(ctx, owner, p.ID, 10)
	if err != nil || len(items) < 2 {
		t.Fatalf("History() = %v, %v", items, err)
	}
	older, err := svc.HistoryContent(ctx, owner, p.ID, items[1].Hash)
	if err != nil {
		t.Fatalf("HistoryContent() error = %v", err)
	}
	if older.Content != "cold sand" {
		t.Fatalf("expected first edit at older commit, got %q", older.Content)
	}
	head, err := svc.HistoryContent(ctx, owner, p.ID, "main")
	if err != nil || head.Content != "cold sand\nwet feet" {
		t.Fatalf("HistoryContent(main) = %+v, %v", head, err)
	}

	_, err = svc.HistoryContent(ctx, owner, p.ID, "no-such-branch")
	assertCode(t, err, "COMMIT_NOT_FOUND")
	_, err = svc.HistoryContent(ctx, casey, p.ID, "main")
	assertCode(t, err, "POEM_NOT_VISIBLE")
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()

	assertion := signAssertion(t, []byte("test-provider-secret"), identity.Principal{ID: " u_avery ", DisplayName: "Avery", Email: "avery@example.com"})
	session, err := env.svc.IssueSession(ctx, assertion)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if session.Principal.ID != "u_avery" || session.Principal.DisplayName != "Avery" {
		t.Fatalf("unexpected session principal %+v", session.Principal)
	}
	if session.Token == assertion {
		t.Fatal("expected a fresh session token, not the assertion")
	}

	principal, claims, err := env.svc.Authenticate(ctx, session.Token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.ID != "u_avery" || principal.Email != "avery@example.com" {
		t.Fatalf("unexpected principal %+v", principal)
	}

	if err := env.svc.Logout(ctx, claims); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, _, err := env.svc.Authenticate(ctx, session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked token rejected, got %v", err)
	}

}

func signAssertion(t *testing.T, secret []byte, p identity.Principal) string {
	t.Helper()
	assertion, err := auth.IssueToken(secret, auth.ClaimsFor(p, util.NewID("asrt"), time.Now(), time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return assertion
}

func TestIssueSessionRejectsUntrustedAssertions(t *testing.T) {
	env := newTestEnv(t, Deps{})
	ctx := context.Background()

	tests := []struct {
		name      string
		assertion string
		want      error
	}{
		{name: "empty", assertion: "", want: auth.ErrInvalidToken},
		{name: "foreign signer", assertion: signAssertion(t, []byte("someone-else-secret"), owner), want: auth.ErrInvalidToken},
		{name: "session token", assertion: signAssertion(t, []byte("test-secret"), owner), want: auth.ErrInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.svc.IssueSession(ctx, tc.assertion); !errors.Is(err, tc.want) {
				t.Fatalf("IssueSession() error = %v, want %v", err, tc.want)
			}
		})
	}

	assertion := signAssertion(t, []byte("test-provider-secret"), owner)
	if _, err := env.svc.IssueSession(ctx, assertion); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, err := env.svc.IssueSession(ctx, assertion); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected replayed assertion rejected, got %v", err)
	}

	unconfigured := New(Deps{Store: store.NewMemoryStore(), TokenSecret: []byte("test-secret")})
	if _, err := unconfigured.IssueSession(ctx, assertion); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected exchange refused without provider secret, got %v", err)
	}
}

func TestRunAsyncKeepsOrderPerKey(t *testing.T) {
	svc := New(Deps{Store: store.NewMemoryStore()})

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		svc.spawn("poem:1", "step", func(context.Context) error {
			if i == 0 {
				<-release
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	close(release)
	svc.Wait()

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("effects ran out of order: %v", order)
	}
}
