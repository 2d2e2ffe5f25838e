package shard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

func newTestShard(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "shards", "2026-07.sqlite"), "test-run")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, subject, body string, received time.Time) ingest.Record {
	return ingest.Record{
		ID:           id,
		Folder:       "Inbox",
		Subject:      subject,
		Sender:       "Ana Ruiz",
		ReceivedTime: received,
		Body:         body,
	}
}

func TestOpen_CreatesShardDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "2026-01.sqlite")

	store, err := Open(path, "run")
	require.NoError(t, err)
	defer store.Close()

	assert.FileExists(t, path)
}

func TestStore_InsertRecords_DedupesByIDAndFingerprint(t *testing.T) {
	store := newTestShard(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	inserted, err := store.InsertRecords(ctx, []ingest.Record{
		record("a", "Standup notes", "We shipped the parser.", base),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.NotEmpty(t, inserted[0].Fingerprint)

	inserted, err = store.InsertRecords(ctx, []ingest.Record{
		// Same id, different content.
		record("a", "Standup notes v2", "Edited after sending.", base.Add(time.Minute)),
		// Different id, same content.
		record("b", "Standup notes", "We shipped the parser.", base.Add(2*time.Minute)),
		// Genuinely new.
		record("c", "Release plan", "Cut the branch on Friday.", base.Add(3*time.Minute)),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "c", inserted[0].ID)

	count, err := store.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStore_InsertRecords_DedupesWithinBatch(t *testing.T) {
	store := newTestShard(t)
	base := time.Date(2026, 7, 2, 8, 0, 0, 0, time.UTC)

	inserted, err := store.InsertRecords(context.Background(), []ingest.Record{
		record("x", "Invoice 441", "Please find attached.", base),
		record("x", "Invoice 441", "Please find attached.", base),
		record("y", "Invoice 441", "Please find attached.", base.Add(time.Second)),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "x", inserted[0].ID)
}

func TestStore_InsertRecords_SkipsEmptyID(t *testing.T) {
	store := newTestShard(t)

	inserted, err := store.InsertRecords(context.Background(), []ingest.Record{
		record("", "No id", "Dropped on the floor.", time.Now()),
		record("ok", "Has id", "Kept.", time.Now()),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "ok", inserted[0].ID)
}

func TestStore_InsertRecords_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-07.sqlite")
	base := time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)

	store, err := Open(path, "run-1")
	require.NoError(t, err)
	_, err = store.InsertRecords(context.Background(), []ingest.Record{
		record("a", "Persisted", "Still here after reopen.", base),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, "run-2")
	require.NoError(t, err)
	defer reopened.Close()

	inserted, err := reopened.InsertRecords(context.Background(), []ingest.Record{
		record("a", "Persisted", "Still here after reopen.", base),
		record("b", "Fresh", "New after reopen.", base.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "b", inserted[0].ID)
}

func TestStore_UpdateSummaries(t *testing.T) {
	store := newTestShard(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)

	_, err := store.InsertRecords(ctx, []ingest.Record{
		record("a", "Budget review", "Numbers for the quarter.", base),
		record("b", "Offsite", "Travel details inside.", base.Add(time.Hour)),
	})
	require.NoError(t, err)

	err = store.UpdateSummaries(ctx, map[string]string{
		"a":       "Quarterly milestone figures are ready.",
		"unknown": "Skipped silently.",
	})
	require.NoError(t, err)

	// The summary is searchable through the mirror.
	hits, err := store.Search(ctx, "milestone", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestStore_UpdateSummaries_RepairsMissingMirrorRow(t *testing.T) {
	store := newTestShard(t)
	ctx := context.Background()

	_, err := store.InsertRecords(ctx, []ingest.Record{
		record("a", "Diverged", "Mirror row lost below.", time.Date(2026, 7, 5, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	_, err = store.db.Exec(`DELETE FROM emails_fts WHERE rowid = (SELECT rowid FROM emails WHERE id = 'a')`)
	require.NoError(t, err)

	err = store.UpdateSummaries(ctx, map[string]string{"a": "Restored alongside the summary."})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "restored", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)

	// Content searches work again too.
	hits, err = store.Search(ctx, "mirror", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestStore_Search(t *testing.T) {
	store := newTestShard(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 6, 8, 0, 0, 0, time.UTC)

	_, err := store.InsertRecords(ctx, []ingest.Record{
		record("a", "Deploy window", "The deploy starts Friday evening.", base),
		record("b", "Lunch plans", "Pizza at noon.", base.Add(time.Hour)),
		record("c", "Deploy retro", "The deploy went fine overall.", base.Add(2*time.Hour)),
	})
	require.NoError(t, err)

	hits, err := store.Search(ctx, "deploy", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// Newest first.
	assert.Equal(t, "c", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
	assert.Contains(t, hits[0].Snippet, "[")

	hits, err = store.Search(ctx, "deploy", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c", hits[0].ID)

	hits, err = store.Search(ctx, "helicopter", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
