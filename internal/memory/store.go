package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/basket/scibench/internal/persistence"
)

const collectionName = "experience"

// Store is the experience bank: a SQLite append log as the source of truth
// plus an in-process chromem vector index over the record contexts. All
// mutation goes through the store mutex, so a query-then-merge decision can
// never interleave with a concurrent append.
type Store struct {
	db     *persistence.Store
	col    *chromem.Collection
	logger *slog.Logger

	mu          sync.Mutex
	records     map[string]*Record
	order       []*Record
	familyCount map[string]int
	nextSeq     int64
}

// NewStore loads every persisted experience and rebuilds the vector index.
// Rows that fail to decode are skipped with a warning rather than aborting
// the run; the append log keeps them for forensics.
func NewStore(ctx context.Context, db *persistence.Store, logger *slog.Logger) (*Store, error) {
	col, err := chromem.NewDB().CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}

	s := &Store{
		db:          db,
		col:         col,
		logger:      logger,
		records:     make(map[string]*Record),
		familyCount: make(map[string]int),
	}

	rows, err := db.LoadExperiences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load experiences: %w", err)
	}
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			logger.Warn("skipping corrupt experience record", "id", row.ID, "error", err)
			continue
		}
		if err := s.index(ctx, rec); err != nil {
			return nil, err
		}
		s.records[rec.ID] = rec
		s.order = append(s.order, rec)
		s.familyCount[rec.Family]++
		if rec.seq >= s.nextSeq {
			s.nextSeq = rec.seq + 1
		}
	}
	logger.Info("experience bank loaded", "records", len(s.records))
	return s, nil
}

func (s *Store) index(ctx context.Context, rec *Record) error {
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Context,
		Embedding: rec.Embedding,
		Metadata:  map[string]string{"family": rec.Family},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index experience %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// All returns the records in insertion order.
func (s *Store) All() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(s.order))
	copy(out, s.order)
	return out
}

// Search returns up to topK records of the given family ranked by cosine
// similarity, tie-broken by insertion order.
func (s *Store) Search(ctx context.Context, family string, embedding []float32, topK int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchLocked(ctx, family, embedding, topK)
}

func (s *Store) searchLocked(ctx context.Context, family string, embedding []float32, topK int) ([]Match, error) {
	n := s.familyCount[family]
	if n == 0 || topK <= 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	where := map[string]string{"family": family}

	// chromem rejects nResults larger than the matching document count, so
	// walk the limit down on that specific error.
	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = s.col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocs(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("vector query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		rec, ok := s.records[res.ID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Record: rec, Similarity: res.Similarity})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.seq < matches[j].Record.seq
	})
	return matches, nil
}

func isInsufficientDocs(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

// ResolveResult reports what Resolve did with a proposed record.
type ResolveResult struct {
	RecordID   string
	Merged     bool
	Similarity float32
}

// Resolve merges the proposed record into its nearest same-family neighbor
// when similarity reaches mergeThreshold, and appends it otherwise. The
// whole query-then-decide sequence runs under the store lock, so two
// near-duplicate proposals arriving concurrently cannot both append.
func (s *Store) Resolve(ctx context.Context, proposed *Record, mergeThreshold float64) (ResolveResult, error) {
	if len(proposed.Embedding) == 0 {
		return ResolveResult{}, fmt.Errorf("proposed record %s has no embedding", proposed.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := s.searchLocked(ctx, proposed.Family, proposed.Embedding, 1)
	if err != nil {
		return ResolveResult{}, err
	}
	if len(matches) > 0 && float64(matches[0].Similarity) >= mergeThreshold {
		existing := matches[0].Record
		if err := s.mergeLocked(ctx, existing, proposed); err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{RecordID: existing.ID, Merged: true, Similarity: matches[0].Similarity}, nil
	}

	if err := s.appendLocked(ctx, proposed); err != nil {
		return ResolveResult{}, err
	}
	var sim float32
	if len(matches) > 0 {
		sim = matches[0].Similarity
	}
	return ResolveResult{RecordID: proposed.ID, Merged: false, Similarity: sim}, nil
}

func (s *Store) appendLocked(ctx context.Context, rec *Record) error {
	row, err := recordToRow(rec)
	if err != nil {
		return err
	}
	if err := s.db.InsertExperience(ctx, row); err != nil {
		return err
	}
	if err := s.index(ctx, rec); err != nil {
		return err
	}
	rec.seq = s.nextSeq
	s.nextSeq++
	s.records[rec.ID] = rec
	s.order = append(s.order, rec)
	s.familyCount[rec.Family]++
	return nil
}

// mergeLocked folds the proposed record into existing: strategies are
// unioned by title, counts accumulate, and the existing embedding stays
// authoritative for future lookups.
func (s *Store) mergeLocked(ctx context.Context, existing, proposed *Record) error {
	seen := make(map[string]bool, len(existing.Strategies))
	for _, st := range existing.Strategies {
		seen[strategyKey(st)] = true
	}
	merged := existing.Strategies
	for _, st := range proposed.Strategies {
		if !seen[strategyKey(st)] {
			merged = append(merged, st)
			seen[strategyKey(st)] = true
		}
	}

	updated := *existing
	updated.Strategies = merged
	updated.ObservationCount = existing.ObservationCount + 1
	if proposed.Success {
		updated.SuccessCount = existing.SuccessCount + 1
		updated.Success = true
	}

	row, err := recordToRow(&updated)
	if err != nil {
		return err
	}
	if err := s.db.UpdateExperience(ctx, row); err != nil {
		return err
	}

	existing.Strategies = updated.Strategies
	existing.ObservationCount = updated.ObservationCount
	existing.SuccessCount = updated.SuccessCount
	existing.Success = updated.Success
	return nil
}

func strategyKey(st Strategy) string {
	return strings.ToLower(strings.TrimSpace(st.Title))
}

// RecordRetrievals bumps the retrieval counters for the records an episode
// actually used, after the episode finished.
func (s *Store) RecordRetrievals(ctx context.Context, ids []string, success bool) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.BumpRetrievals(ctx, ids, success); err != nil {
		return err
	}
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.RetrievalCount++
			if success {
				rec.RetrievalSuccessCount++
			}
		}
	}
	return nil
}
