package shard

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02T15:04:05Z07:00"

// Store owns write access to one period-labeled shard file. Concurrent
// readers go through WAL; the single writer keeps one connection so
// inserts and their mirror rows never interleave.
type Store struct {
	db    *sql.DB
	path  string
	runID string
}

// Open opens or creates a shard file and applies the schema.
func Open(path, runID string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply shard schema: %w", err)
	}

	return &Store{db: db, path: path, runID: runID}, nil
}

// Path returns the shard file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// knownKeys loads the shard's id and hash sets, the dedup authority for
// an insert pass.
func (s *Store) knownKeys(ctx context.Context) (ids, hashes map[string]struct{}, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hash FROM emails`)
	if err != nil {
		return nil, nil, fmt.Errorf("load known keys: %w", err)
	}
	defer rows.Close()

	ids = make(map[string]struct{})
	hashes = make(map[string]struct{})
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, nil, fmt.Errorf("scan known keys: %w", err)
		}
		ids[id] = struct{}{}
		hashes[hash] = struct{}{}
	}
	return ids, hashes, rows.Err()
}

// InsertRecords writes every non-duplicate record and its full-text
// mirror row in one transaction and returns the inserted subset in input
// order. A record is a duplicate if its id OR its content hash is
// already known, including keys seen earlier in the same batch.
func (s *Store) InsertRecords(ctx context.Context, records []ingest.Record) ([]ingest.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	ids, hashes, err := s.knownKeys(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var inserted []ingest.Record
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		hash := r.Fingerprint
		if hash == "" {
			hash = ingest.ContentFingerprint(r.Subject, r.Body)
		}
		if _, dup := ids[r.ID]; dup {
			continue
		}
		if _, dup := hashes[hash]; dup {
			continue
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO emails
			(id, thread_id, folder, subject, sender, recipients, received_time, content, summary, hash, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.ThreadID, r.Folder, r.Subject, r.Sender, r.Recipients,
			r.ReceivedTime.Format(timeLayout), r.Body, r.Summary, hash, s.runID)
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		rowid, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert record %s: rowid: %w", r.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO emails_fts (rowid, subject, content, summary)
			VALUES (?, ?, ?, ?)
		`, rowid, r.Subject, r.Body, r.Summary)
		if err != nil {
			return nil, fmt.Errorf("insert mirror row %s: %w", r.ID, err)
		}

		ids[r.ID] = struct{}{}
		hashes[hash] = struct{}{}
		r.Fingerprint = hash
		inserted = append(inserted, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// UpdateSummaries stores generated summaries on their records and mirror
// rows in one transaction. A missing mirror row is re-created rather than
// left diverged. Unknown ids are skipped.
func (s *Store) UpdateSummaries(ctx context.Context, summaries map[string]string) error {
	if len(summaries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary update: %w", err)
	}
	defer tx.Rollback()

	for id, summary := range summaries {
		if _, err := tx.ExecContext(ctx, `UPDATE emails SET summary = ? WHERE id = ?`, summary, id); err != nil {
			return fmt.Errorf("update summary %s: %w", id, err)
		}

		var rowid int64
		var subject, content sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT rowid, subject, content FROM emails WHERE id = ?`, id).
			Scan(&rowid, &subject, &content)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup record %s: %w", id, err)
		}

		var mirror int64
		err = tx.QueryRowContext(ctx, `SELECT rowid FROM emails_fts WHERE rowid = ?`, rowid).Scan(&mirror)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO emails_fts (rowid, subject, content, summary)
				VALUES (?, ?, ?, ?)
			`, rowid, subject.String, content.String, summary)
			if err != nil {
				return fmt.Errorf("restore mirror row %s: %w", id, err)
			}
		case err != nil:
			return fmt.Errorf("lookup mirror row %s: %w", id, err)
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE emails_fts SET summary = ? WHERE rowid = ?`, summary, rowid); err != nil {
				return fmt.Errorf("update mirror row %s: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

// SearchHit is one full-text search result.
type SearchHit struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	Sender       string `json:"sender"`
	Folder       string `json:"folder"`
	ReceivedTime string `json:"received_time"`
	Snippet      string `json:"snippet"`
}

// Search runs an FTS5 MATCH over the mirror table, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.subject, e.sender, e.folder, e.received_time,
		       snippet(emails_fts, 1, '[', ']', '...', 12)
		FROM emails_fts
		JOIN emails e ON e.rowid = emails_fts.rowid
		WHERE emails_fts MATCH ?
		ORDER BY e.received_time DESC
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search shard: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var subject, sender, folder, received, snippet sql.NullString
		if err := rows.Scan(&h.ID, &subject, &sender, &folder, &received, &snippet); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Subject = subject.String
		h.Sender = sender.String
		h.Folder = folder.String
		h.ReceivedTime = received.String
		h.Snippet = snippet.String
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CountRecords returns the shard's row count.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// OpenWriter adapts Open to the ingest.ShardOpener signature.
func OpenWriter(path, runID string) (ingest.ShardWriter, error) {
	return Open(path, runID)
}
