// Package gitrepo mirrors each poem's revision log into its own git
// repository. main carries one commit per revision and every pull request
// gets a branch holding its proposed text.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const mainBranch = "main"

type Content struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Form       string `json:"form,omitempty"`
	Tone       string `json:"tone,omitempty"`
	RevisionID string `json:"revisionId,omitempty"`
	AuthorKind string `json:"authorKind,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func BranchForPullRequest(prID string) string {
	return "pr/" + prID
}

func (s *Service) EnsurePoemRepo(poemID string, initial Content, author string) error {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(poemID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Start poem", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitRevision records one revision on main. Revisions whose text equals
// the previous one still get their own commit.
func (s *Service) CommitRevision(poemID string, content Content, author, message string) (CommitInfo, error) {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.commit(repo, mainBranch, content, author, message, true)
	if err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

// OpenProposal branches from main and commits the proposed text on it.
func (s *Service) OpenProposal(poemID, branchName string, content Content, author, message string) (CommitInfo, error) {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	branchRefName := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRefName, true); err != nil {
		fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("read main ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
			return CommitInfo{}, fmt.Errorf("create branch ref: %w", err)
		}
	}

	hash, err := s.commit(repo, branchName, content, author, message, true)
	if err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

// ErrCommitNotFound is returned when a revision does not name a commit in
// the poem's repository.
var ErrCommitNotFound = errors.New("commit not found")

// ContentAt reads the poem as mirrored at rev, which may be a commit hash, a
// short hash or a branch name.
func (s *Service) ContentAt(poemID, rev string) (Content, error) {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, rev)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Content{}, fmt.Errorf("%w: %s", ErrCommitNotFound, rev)
		}
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return Content{}, fmt.Errorf("%w: %s", ErrCommitNotFound, rev)
		}
		return Content{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return readContentFromCommit(commitObj)
}

func (s *Service) History(poemID, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) CreateTag(poemID, hash, name string) error {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger:  signature("Versehub"),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// MergeIntoMain copies the head of sourceBranch onto main as a new commit.
func (s *Service) MergeIntoMain(poemID, sourceBranch, author, message string) (CommitInfo, error) {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(poemID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve source branch %s: %w", sourceBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load source commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return CommitInfo{}, err
	}

	mergeMessage := fmt.Sprintf(
		"%s\n\nmerge: source=%s target=%s actor=%s mode=copy-commit",
		message,
		sourceBranch,
		mainBranch,
		author,
	)
	hash, err := s.commit(repo, mainBranch, content, author, mergeMessage, true)
	if err != nil {
		return CommitInfo{}, err
	}
	return commitInfo(repo, hash)
}

func (s *Service) DeletePoemRepo(poemID string) error {
	lock := s.poemLock(poemID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(poemID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(poemID string) string {
	return filepath.Join(s.baseDir, poemID)
}

func (s *Service) poemLock(poemID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[poemID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[poemID] = lock
	return lock
}

const contentFile = "poem.json"

func writeContent(root string, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	return nil
}

func (s *Service) commit(repo *git.Repository, branchName string, content Content, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	if err := writeContent(worktree.Filesystem.Root(), content); err != nil {
		return plumbing.ZeroHash, err
	}

	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func commitInfo(repo *git.Repository, hash plumbing.Hash) (CommitInfo, error) {
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.versehub.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
