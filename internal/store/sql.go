package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"versehub/api/internal/poem"
	"versehub/api/internal/pullrequest"
)

// SQLStore implements Store over database/sql. Queries are written once and
// run unchanged on postgres (pgx) and sqlite; positional parameters always
// appear in ascending order so both drivers bind them the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

const poemColumns = `id, title, content, form, tone, owner_id, owner_name, owner_email, description,
	visibility, collaboration_enabled, status, created_at, updated_at, published_at, version`

const pullRequestColumns = `id, poem_id, poem_owner_id, base_content, proposed_content, proposed_title, message,
	author_id, author_name, author_email, status, review_message, reviewed_at, merged_at, merged_revision_id,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) GetPoem(ctx context.Context, poemID string) (*poem.Poem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poemColumns+` FROM poems WHERE id = $1`, poemID)
	p, err := scanPoem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, poemNotFound(poemID)
	}
	if err != nil {
		return nil, fmt.Errorf("get poem: %w", err)
	}
	if err := s.loadRevisions(ctx, s.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) PutPoem(ctx context.Context, p *poem.Poem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.writePoem(ctx, tx, p); err != nil {
			return err
		}
		p.Version++
		return nil
	})
}

func (s *SQLStore) DeletePoem(ctx context.Context, poemID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`DELETE FROM pull_request_comments WHERE pull_request_id IN (SELECT id FROM pull_requests WHERE poem_id = $1)`,
			`DELETE FROM pull_requests WHERE poem_id = $1`,
			`DELETE FROM poem_revisions WHERE poem_id = $1`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, poemID); err != nil {
				return fmt.Errorf("delete poem dependents: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM poems WHERE id = $1`, poemID)
		if err != nil {
			return fmt.Errorf("delete poem: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return poemNotFound(poemID)
		}
		return nil
	})
}

func (s *SQLStore) ListPoems(ctx context.Context, filter PoemFilter) ([]*poem.Poem, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Explore {
		args = append(args, string(poem.VisibilityPublic), string(poem.StatusPublished))
		where = append(where, fmt.Sprintf("visibility = $%d AND status = $%d", len(args)-1, len(args)))
	}
	args = append(args, clampLimit(filter.Limit))
	query := `SELECT ` + poemColumns + ` FROM poems` + whereClause(where) +
		fmt.Sprintf(` ORDER BY updated_at DESC, id ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list poems: %w", err)
	}
	items := make([]*poem.Poem, 0)
	for rows.Next() {
		p, err := scanPoem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan poem: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close poem rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poems: %w", err)
	}

	for _, p := range items {
		if err := s.loadRevisions(ctx, s.db, p); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *SQLStore) GetPullRequest(ctx context.Context, prID string) (*pullrequest.PullRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pullRequestColumns+` FROM pull_requests WHERE id = $1`, prID)
	pr, err := scanPullRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pullRequestNotFound(prID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pull request: %w", err)
	}
	if err := s.loadComments(ctx, s.db, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

func (s *SQLStore) PutPullRequest(ctx context.Context, pr *pullrequest.PullRequest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.writePullRequest(ctx, tx, pr); err != nil {
			return err
		}
		pr.Version++
		return nil
	})
}

func (s *SQLStore) ListByPoem(ctx context.Context, poemID string) ([]*pullrequest.PullRequest, error) {
	return s.ListPullRequests(ctx, PullRequestFilter{PoemID: poemID, Limit: maxListLimit})
}

func (s *SQLStore) ListPullRequests(ctx context.Context, filter PullRequestFilter) ([]*pullrequest.PullRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("poem_id", filter.PoemID)
	add("poem_owner_id", filter.PoemOwnerID)
	add("author_id", filter.AuthorID)
	add("status", string(filter.Status))
	args = append(args, clampLimit(filter.Limit))
	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests` + whereClause(where) +
		fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	items := make([]*pullrequest.PullRequest, 0)
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		items = append(items, pr)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close pull request rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}

	for _, pr := range items {
		if err := s.loadComments(ctx, s.db, pr); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *SQLStore) SaveMerge(ctx context.Context, p *poem.Poem, pr *pullrequest.PullRequest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.writePoem(ctx, tx, p); err != nil {
			return err
		}
		if err := s.writePullRequest(ctx, tx, pr); err != nil {
			return err
		}
		p.Version++
		pr.Version++
		return nil
	})
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// writePoem inserts or version-checks and updates the poem row, then
// appends revisions the table does not have yet. It leaves p.Version alone.
func (s *SQLStore) writePoem(ctx context.Context, tx *sql.Tx, p *poem.Poem) error {
	if p.Version == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM poems WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check poem: %w", err)
		}
		if exists {
			return poemVersionConflict(p.ID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO poems (`+poemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, p.ID, p.Title, p.Content, p.Form, p.Tone, p.OwnerID, p.OwnerName, p.OwnerEmail, p.Description,
			string(p.Visibility), p.CollaborationEnabled, string(p.Status), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
			nullTime(p.PublishedAt), p.Version+1)
		if err != nil {
			return fmt.Errorf("insert poem: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE poems
			SET title = $1, content = $2, form = $3, tone = $4, description = $5, visibility = $6,
				collaboration_enabled = $7, status = $8, updated_at = $9, published_at = $10, version = $11
			WHERE id = $12 AND version = $13
		`, p.Title, p.Content, p.Form, p.Tone, p.Description, string(p.Visibility),
			p.CollaborationEnabled, string(p.Status), p.UpdatedAt.UTC(), nullTime(p.PublishedAt), p.Version+1,
			p.ID, p.Version)
		if err != nil {
			return fmt.Errorf("update poem: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update poem rows: %w", err)
		} else if affected == 0 {
			return s.missingOrConflict(ctx, tx, "poems", p.ID, poemNotFound, poemVersionConflict)
		}
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM poem_revisions WHERE poem_id = $1`, p.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count revisions: %w", err)
	}
	if stored > p.Revisions.Len() {
		return poemVersionConflict(p.ID)
	}
	for i, rev := range p.Revisions.Since(stored) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO poem_revisions (poem_id, seq, id, content, author_kind, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, stored+i, rev.ID, rev.Content, string(rev.AuthorKind), rev.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert revision: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) writePullRequest(ctx context.Context, tx *sql.Tx, pr *pullrequest.PullRequest) error {
	if pr.Version == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pull_requests WHERE id = $1)`, pr.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check pull request: %w", err)
		}
		if exists {
			return pullRequestVersionConflict(pr.ID)
		}
		var poemExists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM poems WHERE id = $1)`, pr.PoemID).Scan(&poemExists); err != nil {
			return fmt.Errorf("check pull request poem: %w", err)
		}
		if !poemExists {
			return poemNotFound(pr.PoemID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pull_requests (`+pullRequestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, pr.ID, pr.PoemID, pr.PoemOwnerID, pr.BaseContent, pr.ProposedContent, nullString(pr.ProposedTitle),
			pr.Message, pr.AuthorID, pr.AuthorName, pr.AuthorEmail, string(pr.Status), pr.ReviewMessage,
			nullTime(pr.ReviewedAt), nullTime(pr.MergedAt), pr.MergedRevisionID, pr.CreatedAt.UTC(), pr.UpdatedAt.UTC(),
			pr.Version+1)
		if err != nil {
			return fmt.Errorf("insert pull request: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE pull_requests
			SET status = $1, review_message = $2, reviewed_at = $3, merged_at = $4, merged_revision_id = $5,
				updated_at = $6, version = $7
			WHERE id = $8 AND version = $9
		`, string(pr.Status), pr.ReviewMessage, nullTime(pr.ReviewedAt), nullTime(pr.MergedAt), pr.MergedRevisionID,
			pr.UpdatedAt.UTC(), pr.Version+1, pr.ID, pr.Version)
		if err != nil {
			return fmt.Errorf("update pull request: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update pull request rows: %w", err)
		} else if affected == 0 {
			return s.missingOrConflict(ctx, tx, "pull_requests", pr.ID, pullRequestNotFound, pullRequestVersionConflict)
		}
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pull_request_comments WHERE pull_request_id = $1`, pr.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count comments: %w", err)
	}
	if stored > len(pr.Comments) {
		return pullRequestVersionConflict(pr.ID)
	}
	for i, c := range pr.Comments[stored:] {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pull_request_comments (pull_request_id, seq, id, text, author_id, author_name, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, pr.ID, stored+i, c.ID, c.Text, c.AuthorID, c.AuthorName, c.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) missingOrConflict(ctx context.Context, tx *sql.Tx, table, id string, missing, conflict func(string) error) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return missing(id)
	}
	return conflict(id)
}

func (s *SQLStore) loadRevisions(ctx context.Context, q queryer, p *poem.Poem) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, content, author_kind, created_at
		FROM poem_revisions
		WHERE poem_id = $1
		ORDER BY seq ASC
	`, p.ID)
	if err != nil {
		return fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	log := make(poem.Log, 0)
	for rows.Next() {
		var (
			rev  poem.Revision
			kind string
		)
		if err := rows.Scan(&rev.ID, &rev.Content, &kind, &rev.Timestamp); err != nil {
			return fmt.Errorf("scan revision: %w", err)
		}
		rev.AuthorKind = poem.AuthorKind(kind)
		rev.Timestamp = rev.Timestamp.UTC()
		log = append(log, rev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate revisions: %w", err)
	}
	p.Revisions = log
	return nil
}

func (s *SQLStore) loadComments(ctx context.Context, q queryer, pr *pullrequest.PullRequest) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, text, author_id, author_name, created_at
		FROM pull_request_comments
		WHERE pull_request_id = $1
		ORDER BY seq ASC
	`, pr.ID)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]pullrequest.Comment, 0)
	for rows.Next() {
		var c pullrequest.Comment
		if err := rows.Scan(&c.ID, &c.Text, &c.AuthorID, &c.AuthorName, &c.Timestamp); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate comments: %w", err)
	}
	pr.Comments = comments
	return nil
}

func scanPoem(row rowScanner) (*poem.Poem, error) {
	var (
		p           poem.Poem
		visibility  string
		status      string
		publishedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Form, &p.Tone, &p.OwnerID, &p.OwnerName, &p.OwnerEmail,
		&p.Description, &visibility, &p.CollaborationEnabled, &status, &p.CreatedAt, &p.UpdatedAt, &publishedAt,
		&p.Version)
	if err != nil {
		return nil, err
	}
	p.Visibility = poem.Visibility(visibility)
	p.Status = poem.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.PublishedAt = timePtr(publishedAt)
	return &p, nil
}

func scanPullRequest(row rowScanner) (*pullrequest.PullRequest, error) {
	var (
		pr            pullrequest.PullRequest
		proposedTitle sql.NullString
		status        string
		reviewedAt    sql.NullTime
		mergedAt      sql.NullTime
	)
	err := row.Scan(&pr.ID, &pr.PoemID, &pr.PoemOwnerID, &pr.BaseContent, &pr.ProposedContent, &proposedTitle,
		&pr.Message, &pr.AuthorID, &pr.AuthorName, &pr.AuthorEmail, &status, &pr.ReviewMessage, &reviewedAt,
		&mergedAt, &pr.MergedRevisionID, &pr.CreatedAt, &pr.UpdatedAt, &pr.Version)
	if err != nil {
		return nil, err
	}
	if proposedTitle.Valid {
		title := proposedTitle.String
		pr.ProposedTitle = &title
	}
	pr.Status = pullrequest.Status(status)
	pr.ReviewedAt = timePtr(reviewedAt)
	pr.MergedAt = timePtr(mergedAt)
	pr.CreatedAt = pr.CreatedAt.UTC()
	pr.UpdatedAt = pr.UpdatedAt.UTC()
	return &pr, nil
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}
