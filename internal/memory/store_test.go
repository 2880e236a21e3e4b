package memory_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/scibench/internal/memory"
	"github.com/basket/scibench/internal/persistence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openBank(t *testing.T) (*memory.Store, *persistence.Store) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "scibench.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bank, err := memory.NewStore(context.Background(), db, discardLogger())
	if err != nil {
		t.Fatalf("open bank: %v", err)
	}
	return bank, db
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := memory.NewLocalEmbedder(384).Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	return vec
}

func newRecord(t *testing.T, id, family, goal string, success bool) *memory.Record {
	t.Helper()
	successCount := 0
	if success {
		successCount = 1
	}
	return &memory.Record{
		ID:               id,
		Family:           family,
		Context:          goal,
		Strategies:       []memory.Strategy{{Title: "Strategy " + id, Description: "d", Content: "c"}},
		Success:          success,
		ObservationCount: 1,
		SuccessCount:     successCount,
		SourceEpisode:    "1-1_v0_e0",
		Embedding:        embed(t, goal),
	}
}

func TestStore_ResolveAppendsDistinctGoals(t *testing.T) {
	bank, _ := openBank(t)
	ctx := context.Background()

	res, err := bank.Resolve(ctx, newRecord(t, "a", "boil", "boil water", true), 0.92)
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	if res.Merged || res.RecordID != "a" {
		t.Fatalf("expected append, got %+v", res)
	}

	res, err = bank.Resolve(ctx, newRecord(t, "b", "boil", "boil a cup of orange juice in the foundry", true), 0.92)
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if res.Merged {
		t.Fatalf("dissimilar goals must not merge, got %+v", res)
	}
	if bank.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", bank.Len())
	}
}

func TestStore_ResolveMergesNearDuplicates(t *testing.T) {
	bank, _ := openBank(t)
	ctx := context.Background()

	first := newRecord(t, "a", "boil", "boil water", true)
	if _, err := bank.Resolve(ctx, first, 0.92); err != nil {
		t.Fatalf("resolve first: %v", err)
	}

	dup := newRecord(t, "b", "boil", "boil water", false)
	dup.Strategies = []memory.Strategy{
		{Title: "strategy a", Description: "same title different case", Content: "x"},
		{Title: "New Insight", Description: "d", Content: "c"},
	}
	res, err := bank.Resolve(ctx, dup, 0.92)
	if err != nil {
		t.Fatalf("resolve dup: %v", err)
	}
	if !res.Merged || res.RecordID != "a" {
		t.Fatalf("expected merge into a, got %+v", res)
	}
	if bank.Len() != 1 {
		t.Fatalf("merge must not grow the bank, len = %d", bank.Len())
	}

	rec, ok := bank.Get("a")
	if !ok {
		t.Fatal("record a missing")
	}
	if rec.ObservationCount != 2 {
		t.Fatalf("observation count = %d", rec.ObservationCount)
	}
	// The duplicate was a failure; success count stays put.
	if rec.SuccessCount != 1 {
		t.Fatalf("success count = %d", rec.SuccessCount)
	}
	// Titles union case-insensitively: "strategy a" collides with
	// "Strategy a", "New Insight" is genuinely new.
	if len(rec.Strategies) != 2 {
		t.Fatalf("strategies = %+v", rec.Strategies)
	}
	if rec.Strategies[1].Title != "New Insight" {
		t.Fatalf("expected New Insight appended, got %+v", rec.Strategies)
	}
}

func TestStore_SearchScopedToFamily(t *testing.T) {
	bank, _ := openBank(t)
	ctx := context.Background()

	if _, err := bank.Resolve(ctx, newRecord(t, "a", "boil", "boil water", true), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := bank.Resolve(ctx, newRecord(t, "b", "melt", "melt ice", true), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	matches, err := bank.Search(ctx, "boil", embed(t, "boil water"), 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "a" {
		t.Fatalf("expected only the boil record, got %+v", matches)
	}
	if matches[0].Similarity < 0.99 {
		t.Fatalf("identical goal should be near-perfect similarity, got %v", matches[0].Similarity)
	}

	matches, err = bank.Search(ctx, "grow-plant", embed(t, "grow a plant"), 5)
	if err != nil {
		t.Fatalf("search empty family: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("unknown family should match nothing, got %+v", matches)
	}
}

func TestStore_ReloadFromAppendLog(t *testing.T) {
	bank, db := openBank(t)
	ctx := context.Background()

	if _, err := bank.Resolve(ctx, newRecord(t, "a", "boil", "boil water", true), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := bank.Resolve(ctx, newRecord(t, "b", "melt", "melt ice", false), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := bank.RecordRetrievals(ctx, []string{"a"}, true); err != nil {
		t.Fatalf("record retrievals: %v", err)
	}

	reloaded, err := memory.NewStore(ctx, db, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("reloaded len = %d", reloaded.Len())
	}
	rec, ok := reloaded.Get("a")
	if !ok {
		t.Fatal("record a missing after reload")
	}
	if rec.Context != "boil water" || !rec.Success {
		t.Fatalf("record a corrupted: %+v", rec)
	}
	if rec.RetrievalCount != 1 || rec.RetrievalSuccessCount != 1 {
		t.Fatalf("retrieval counters lost: %+v", rec)
	}

	// Search still works against the rebuilt index.
	matches, err := reloaded.Search(ctx, "melt", embed(t, "melt ice"), 1)
	if err != nil {
		t.Fatalf("search after reload: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "b" {
		t.Fatalf("rebuilt index wrong: %+v", matches)
	}
}

func TestStore_RecordRetrievals(t *testing.T) {
	bank, _ := openBank(t)
	ctx := context.Background()

	if _, err := bank.Resolve(ctx, newRecord(t, "a", "boil", "boil water", true), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := bank.RecordRetrievals(ctx, []string{"a"}, true); err != nil {
		t.Fatalf("bump success: %v", err)
	}
	if err := bank.RecordRetrievals(ctx, []string{"a"}, false); err != nil {
		t.Fatalf("bump failure: %v", err)
	}
	if err := bank.RecordRetrievals(ctx, nil, true); err != nil {
		t.Fatalf("empty bump should be a no-op: %v", err)
	}

	rec, _ := bank.Get("a")
	if rec.RetrievalCount != 2 || rec.RetrievalSuccessCount != 1 {
		t.Fatalf("counters = %d/%d", rec.RetrievalCount, rec.RetrievalSuccessCount)
	}
}

func TestStore_SearchClampsTopK(t *testing.T) {
	bank, _ := openBank(t)
	ctx := context.Background()

	if _, err := bank.Resolve(ctx, newRecord(t, "a", "boil", "boil water", true), 0.92); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// topK far beyond the family size must not error.
	matches, err := bank.Search(ctx, "boil", embed(t, "boil milk"), 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
}

func TestRecordUtility(t *testing.T) {
	tests := []struct {
		observations, successes int
		want                    float64
	}{
		{0, 0, 0},
		{1, 1, 1.0},
		{1, 0, 0.25},
		{4, 2, (2 + 0.25*2) / 4},
	}
	for _, tt := range tests {
		r := memory.Record{ObservationCount: tt.observations, SuccessCount: tt.successes}
		if got := r.Utility(); got != tt.want {
			t.Errorf("Utility(%d obs, %d succ) = %v, want %v", tt.observations, tt.successes, got, tt.want)
		}
	}
}

func TestStore_ReloadSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "scibench.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	goodEmbedding, err := json.Marshal(embed(t, "boil water"))
	if err != nil {
		t.Fatalf("marshal embedding: %v", err)
	}
	rows := []persistence.ExperienceRow{
		{
			ID:             "good",
			Family:         "boil",
			Context:        "boil water",
			StrategiesJSON: `[{"title":"t","description":"d","content":"c"}]`,
			Success:        true, ObservationCount: 1, SuccessCount: 1,
			EmbeddingJSON: string(goodEmbedding),
		},
		{
			ID:             "bad-strategies",
			Family:         "boil",
			Context:        "boil milk",
			StrategiesJSON: `{not json`,
			EmbeddingJSON:  string(goodEmbedding),
		},
		{
			ID:             "no-embedding",
			Family:         "boil",
			Context:        "boil oil",
			StrategiesJSON: "[]",
			EmbeddingJSON:  "[]",
		},
	}
	for _, row := range rows {
		if err := db.InsertExperience(ctx, row); err != nil {
			t.Fatalf("insert %s: %v", row.ID, err)
		}
	}

	bank, err := memory.NewStore(ctx, db, discardLogger())
	if err != nil {
		t.Fatalf("reload with corrupt rows: %v", err)
	}
	if bank.Len() != 1 {
		t.Fatalf("loaded %d records, want only the intact one", bank.Len())
	}
	if _, ok := bank.Get("bad-strategies"); ok {
		t.Fatal("corrupt strategies row was loaded")
	}
	if _, ok := bank.Get("no-embedding"); ok {
		t.Fatal("embedding-less row was loaded")
	}

	matches, err := bank.Search(ctx, "boil", embed(t, "boil water"), 3)
	if err != nil {
		t.Fatalf("search after reload: %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "good" {
		t.Fatalf("search over surviving records wrong: %+v", matches)
	}
}
