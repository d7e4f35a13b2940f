package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
)

const (
	fileLockTimeout = 3 * time.Second
	fileLockRetry   = 50 * time.Millisecond
)

// FileStore persists the whole dataset as one JSON document. Every
// operation reloads the file under a cross-process lock, so several API
// processes on one host can share it.
type FileStore struct {
	path     string
	fileLock *flock.Flock
	mu       sync.Mutex
}

type fileDocument struct {
	*dataset
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{
		path:     path,
		fileLock: flock.New(path + ".lock"),
	}, nil
}

// read runs fn against the current dataset without writing it back.
func (s *FileStore) read(ctx context.Context, fn func(d *dataset) error) error {
	return s.withLock(ctx, func() error {
		d, err := s.load()
		if err != nil {
			return err
		}
		return fn(d)
	})
}

// update runs fn against the current dataset and saves it when fn succeeds.
func (s *FileStore) update(ctx context.Context, fn func(d *dataset) error) error {
	return s.withLock(ctx, func() error {
		d, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		return s.save(d)
	})
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, fileLockTimeout)
	defer cancel()

	locked, err := s.fileLock.TryLockContext(lockCtx, fileLockRetry)
	if err != nil {
		return fmt.Errorf("acquire store file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire store file lock")
	}
	defer func() { _ = s.fileLock.Unlock() }()

	return fn()
}

func (s *FileStore) load() (*dataset, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return newDataset(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	doc := fileDocument{dataset: newDataset()}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}
	if doc.Poems == nil {
		doc.Poems = make(map[string]*poem.Poem)
	}
	if doc.PullRequests == nil {
		doc.PullRequests = make(map[string]*pullrequest.PullRequest)
	}
	return doc.dataset, nil
}

func (s *FileStore) save(d *dataset) error {
	payload, err := json.MarshalIndent(fileDocument{dataset: d, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

func (s *FileStore) GetPoem(ctx context.Context, poemID string) (*poem.Poem, error) {
	var out *poem.Poem
	err := s.read(ctx, func(d *dataset) error {
		p, err := d.getPoem(poemID)
		out = p
		return err
	})
	return out, err
}

func (s *FileStore) PutPoem(ctx context.Context, p *poem.Poem) error {
	return s.update(ctx, func(d *dataset) error {
		return d.putPoem(p)
	})
}

func (s *FileStore) DeletePoem(ctx context.Context, poemID string) error {
	return s.update(ctx, func(d *dataset) error {
		return d.deletePoem(poemID)
	})
}

func (s *FileStore) ListPoems(ctx context.Context, filter PoemFilter) ([]*poem.Poem, error) {
	var out []*poem.Poem
	err := s.read(ctx, func(d *dataset) error {
		out = d.listPoems(filter)
		return nil
	})
	return out, err
}

func (s *FileStore) GetPullRequest(ctx context.Context, prID string) (*pullrequest.PullRequest, error) {
	var out *pullrequest.PullRequest
	err := s.read(ctx, func(d *dataset) error {
		pr, err := d.getPullRequest(prID)
		out = pr
		return err
	})
	return out, err
}

func (s *FileStore) PutPullRequest(ctx context.Context, pr *pullrequest.PullRequest) error {
	return s.update(ctx, func(d *dataset) error {
		return d.putPullRequest(pr)
	})
}

func (s *FileStore) ListByPoem(ctx context.Context, poemID string) ([]*pullrequest.PullRequest, error) {
	return s.ListPullRequests(ctx, PullRequestFilter{PoemID: poemID, Limit: maxListLimit})
}

func (s *FileStore) ListPullRequests(ctx context.Context, filter PullRequestFilter) ([]*pullrequest.PullRequest, error) {
	var out []*pullrequest.PullRequest
	err := s.read(ctx, func(d *dataset) error {
		out = d.listPullRequests(filter)
		return nil
	})
	return out, err
}

func (s *FileStore) SaveMerge(ctx context.Context, p *poem.Poem, pr *pullrequest.PullRequest) error {
	return s.update(ctx, func(d *dataset) error {
		return d.saveMerge(p, pr)
	})
}

func (s *FileStore) Ping(ctx context.Context) error {
	return s.read(ctx, func(*dataset) error { return nil })
}

func (s *FileStore) Close() error {
	return s.fileLock.Close()
}
