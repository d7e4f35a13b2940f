package store

import (
	"context"
	"sort"
	"sync"

	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
)

// dataset is the full state held by the memory and file stores. Entities
// are stored as private clones so callers never share memory with it.
type dataset struct {
	Poems        map[string]*poem.Poem               `json:"poems"`
	PullRequests map[string]*pullrequest.PullRequest `json:"pullRequests"`
}

func newDataset() *dataset {
	return &dataset{
		Poems:        make(map[string]*poem.Poem),
		PullRequests: make(map[string]*pullrequest.PullRequest),
	}
}

func (d *dataset) getPoem(poemID string) (*poem.Poem, error) {
	p, ok := d.Poems[poemID]
	if !ok {
		return nil, poemNotFound(poemID)
	}
	return p.Clone(), nil
}

func (d *dataset) checkPoemVersion(p *poem.Poem) error {
	current, ok := d.Poems[p.ID]
	switch {
	case p.Version == 0 && ok:
		return poemVersionConflict(p.ID)
	case p.Version == 0:
		return nil
	case !ok:
		return poemNotFound(p.ID)
	case current.Version != p.Version:
		return poemVersionConflict(p.ID)
	}
	return nil
}

func (d *dataset) putPoem(p *poem.Poem) error {
	if err := d.checkPoemVersion(p); err != nil {
		return err
	}
	p.Version++
	d.Poems[p.ID] = p.Clone()
	return nil
}

func (d *dataset) deletePoem(poemID string) error {
	if _, ok := d.Poems[poemID]; !ok {
		return poemNotFound(poemID)
	}
	delete(d.Poems, poemID)
	for id, pr := range d.PullRequests {
		if pr.PoemID == poemID {
			delete(d.PullRequests, id)
		}
	}
	return nil
}

func (d *dataset) listPoems(filter PoemFilter) []*poem.Poem {
	items := make([]*poem.Poem, 0)
	for _, p := range d.Poems {
		if filter.matches(p) {
			items = append(items, p.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit := clampLimit(filter.Limit); len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (d *dataset) getPullRequest(prID string) (*pullrequest.PullRequest, error) {
	pr, ok := d.PullRequests[prID]
	if !ok {
		return nil, pullRequestNotFound(prID)
	}
	return pr.Clone(), nil
}

func (d *dataset) checkPullRequestVersion(pr *pullrequest.PullRequest) error {
	current, ok := d.PullRequests[pr.ID]
	switch {
	case pr.Version == 0 && ok:
		return pullRequestVersionConflict(pr.ID)
	case pr.Version == 0:
		if _, ok := d.Poems[pr.PoemID]; !ok {
			return poemNotFound(pr.PoemID)
		}
		return nil
	case !ok:
		return pullRequestNotFound(pr.ID)
	case current.Version != pr.Version:
		return pullRequestVersionConflict(pr.ID)
	}
	return nil
}

func (d *dataset) putPullRequest(pr *pullrequest.PullRequest) error {
	if err := d.checkPullRequestVersion(pr); err != nil {
		return err
	}
	pr.Version++
	d.PullRequests[pr.ID] = pr.Clone()
	return nil
}

func (d *dataset) listPullRequests(filter PullRequestFilter) []*pullrequest.PullRequest {
	items := make([]*pullrequest.PullRequest, 0)
	for _, pr := range d.PullRequests {
		if filter.matches(pr) {
			items = append(items, pr.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit := clampLimit(filter.Limit); len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (d *dataset) saveMerge(p *poem.Poem, pr *pullrequest.PullRequest) error {
	if err := d.checkPoemVersion(p); err != nil {
		return err
	}
	if err := d.checkPullRequestVersion(pr); err != nil {
		return err
	}
	p.Version++
	pr.Version++
	d.Poems[p.ID] = p.Clone()
	d.PullRequests[pr.ID] = pr.Clone()
	return nil
}

// MemoryStore keeps everything in process memory. It backs tests and
// single-process development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data *dataset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newDataset()}
}

func (s *MemoryStore) GetPoem(_ context.Context, poemID string) (*poem.Poem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getPoem(poemID)
}

func (s *MemoryStore) PutPoem(_ context.Context, p *poem.Poem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.putPoem(p)
}

func (s *MemoryStore) DeletePoem(_ context.Context, poemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.deletePoem(poemID)
}

func (s *MemoryStore) ListPoems(_ context.Context, filter PoemFilter) ([]*poem.Poem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPoems(filter), nil
}

func (s *MemoryStore) GetPullRequest(_ context.Context, prID string) (*pullrequest.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getPullRequest(prID)
}

func (s *MemoryStore) PutPullRequest(_ context.Context, pr *pullrequest.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.putPullRequest(pr)
}

func (s *MemoryStore) ListByPoem(_ context.Context, poemID string) ([]*pullrequest.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPullRequests(PullRequestFilter{PoemID: poemID, Limit: maxListLimit}), nil
}

func (s *MemoryStore) ListPullRequests(_ context.Context, filter PullRequestFilter) ([]*pullrequest.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listPullRequests(filter), nil
}

func (s *MemoryStore) SaveMerge(_ context.Context, p *poem.Poem, pr *pullrequest.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.saveMerge(p, pr)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
