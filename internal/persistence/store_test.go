package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/basket/scibench/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "scibench.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"runs", "results", "checkpoints", "experiences"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s: %v", table, err)
		}
	}
}

func TestStore_RecordEpisodeIsAtomicAndIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureRun(ctx, "run-1", "test-model", "{}"); err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	row := persistence.EpisodeRow{
		RunID:       "run-1",
		EpisodeKey:  "4-1_v3_e0",
		TaskID:      "4-1",
		TaskName:    "find-living-thing",
		Variation:   3,
		Success:     true,
		Score:       100,
		Steps:       12,
		Termination: "goal",
		Goal:        "find a living thing",
	}
	if err := store.RecordEpisode(ctx, row); err != nil {
		t.Fatalf("record episode: %v", err)
	}
	// Recording the same unit twice must not duplicate checkpoints.
	row.Score = 80
	if err := store.RecordEpisode(ctx, row); err != nil {
		t.Fatalf("record episode again: %v", err)
	}

	done, err := store.CompletedEpisodes(ctx, "run-1")
	if err != nil {
		t.Fatalf("completed episodes: %v", err)
	}
	if len(done) != 1 || !done["4-1_v3_e0"] {
		t.Fatalf("expected single checkpoint for 4-1_v3_e0, got %v", done)
	}

	results, err := store.Results(ctx, "run-1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != 80 {
		t.Fatalf("expected latest write to win, got score %v", results[0].Score)
	}
	if results[0].TrajectoryJSON != "[]" {
		t.Fatalf("expected empty trajectory default, got %q", results[0].TrajectoryJSON)
	}
}

func TestStore_VerifyConsistencyDetectsOrphanCheckpoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureRun(ctx, "run-1", "m", "{}"); err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	if err := store.VerifyConsistency(ctx, "run-1"); err != nil {
		t.Fatalf("fresh run should be consistent: %v", err)
	}

	// Forge the state a crash between the two writes would have left if
	// they were not transactional.
	if _, err := store.DB().Exec(
		`INSERT INTO checkpoints (run_id, episode_key) VALUES ('run-1', '1-1_v0_e0');`,
	); err != nil {
		t.Fatalf("insert orphan checkpoint: %v", err)
	}

	err := store.VerifyConsistency(ctx, "run-1")
	if !errors.Is(err, persistence.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

func TestStore_ExperienceLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rowA := persistence.ExperienceRow{
		ID:               "exp-a",
		Family:           "boil",
		Context:          "boil water",
		StrategiesJSON:   `[{"title":"Heat Source","description":"d","content":"c"}]`,
		Success:          true,
		ObservationCount: 1,
		SuccessCount:     1,
		EmbeddingJSON:    "[0.1,0.2]",
	}
	if err := store.InsertExperience(ctx, rowA); err != nil {
		t.Fatalf("insert experience: %v", err)
	}
	rowB := rowA
	rowB.ID = "exp-b"
	rowB.Family = "melt"
	if err := store.InsertExperience(ctx, rowB); err != nil {
		t.Fatalf("insert experience b: %v", err)
	}

	rowA.ObservationCount = 2
	rowA.SuccessCount = 2
	if err := store.UpdateExperience(ctx, rowA); err != nil {
		t.Fatalf("update experience: %v", err)
	}
	if err := store.UpdateExperience(ctx, persistence.ExperienceRow{ID: "missing"}); err == nil {
		t.Fatal("expected error updating missing record")
	}

	if err := store.BumpRetrievals(ctx, []string{"exp-a", "exp-b"}, true); err != nil {
		t.Fatalf("bump retrievals: %v", err)
	}
	if err := store.BumpRetrievals(ctx, []string{"exp-a"}, false); err != nil {
		t.Fatalf("bump retrievals failure: %v", err)
	}

	rows, err := store.LoadExperiences(ctx)
	if err != nil {
		t.Fatalf("load experiences: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	// Insertion order via rowid.
	if rows[0].ID != "exp-a" || rows[1].ID != "exp-b" {
		t.Fatalf("unexpected order: %s, %s", rows[0].ID, rows[1].ID)
	}
	if rows[0].Seq >= rows[1].Seq {
		t.Fatalf("expected increasing seq, got %d then %d", rows[0].Seq, rows[1].Seq)
	}
	if rows[0].ObservationCount != 2 || rows[0].SuccessCount != 2 {
		t.Fatalf("update not applied: %+v", rows[0])
	}
	if rows[0].RetrievalCount != 2 || rows[0].RetrievalSuccessCount != 1 {
		t.Fatalf("retrieval counters wrong: %+v", rows[0])
	}
	if rows[1].RetrievalCount != 1 || rows[1].RetrievalSuccessCount != 1 {
		t.Fatalf("retrieval counters wrong for b: %+v", rows[1])
	}

	count, err := store.ExperienceCount(ctx)
	if err != nil {
		t.Fatalf("experience count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestStore_SchemaChecksumGuard(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "scibench.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'bogus';`); err != nil {
		t.Fatalf("corrupt checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch on reopen")
	}
}

func TestStore_ResultsInCatalogTaskOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureRun(ctx, "run-1", "test-model", "{}"); err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	// Inserted out of order, including a task id that sorts wrong
	// lexicographically ("10-1" < "2-1" as strings).
	for _, unit := range []struct {
		taskID    string
		variation int
	}{
		{"10-1", 4},
		{"2-1", 0},
		{"1-1", 7},
		{"1-1", 2},
	} {
		row := persistence.EpisodeRow{
			RunID:       "run-1",
			EpisodeKey:  fmt.Sprintf("%s_v%d_e0", unit.taskID, unit.variation),
			TaskID:      unit.taskID,
			Variation:   unit.variation,
			Termination: "goal",
		}
		if err := store.RecordEpisode(ctx, row); err != nil {
			t.Fatalf("record %s: %v", row.EpisodeKey, err)
		}
	}

	results, err := store.Results(ctx, "run-1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	var keys []string
	for _, r := range results {
		keys = append(keys, r.EpisodeKey)
	}
	want := []string{"1-1_v2_e0", "1-1_v7_e0", "2-1_v0_e0", "10-1_v4_e0"}
	if len(keys) != len(want) {
		t.Fatalf("results = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("results order = %v, want %v", keys, want)
		}
	}
}
