package poem

import "time"

type AuthorKind string

const (
	AuthorHuman     AuthorKind = "human"
	AuthorGenerator AuthorKind = "generator"
)

// Revision is one full-content snapshot. Revisions are never modified after
// they are appended to a Log.
type Revision struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	AuthorKind AuthorKind `json:"authorKind"`
}

// Log is the append-only revision history of a single poem, oldest first.
type Log []Revision

func (l Log) Len() int {
	return len(l)
}

func (l Log) Last() (Revision, bool) {
	if len(l) == 0 {
		return Revision{}, false
	}
	return l[len(l)-1], true
}

func (l Log) Find(id string) (Revision, bool) {
	for _, rev := range l {
		if rev.ID == id {
			return rev, true
		}
	}
	return Revision{}, false
}

// Content is the content of the newest revision, or "" for an empty log.
func (l Log) Content() string {
	last, ok := l.Last()
	if !ok {
		return ""
	}
	return last.Content
}

// Append returns a log with rev added at the end. The receiver's backing
// array is never written to, so older copies of the log stay valid.
func (l Log) Append(rev Revision) Log {
	return append(l[:len(l):len(l)], rev)
}

// Since returns the revisions appended after the first n entries.
func (l Log) Since(n int) Log {
	if n >= len(l) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return l[n:]
}
