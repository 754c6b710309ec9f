package matching

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// MemorySource is a fixed availability pool for tests and the local memory backend.
type MemorySource struct {
	mu    sync.Mutex
	cands []Candidate
	err   error
}

func NewMemorySource(cands ...Candidate) *MemorySource {
	return &MemorySource{cands: cands}
}

// Set replaces the pool.
func (s *MemorySource) Set(cands ...Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cands = cands
}

// Fail makes ListAvailable return err until cleared with Fail(nil).
func (s *MemorySource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySource) ListAvailable(ctx context.Context, preference string) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Candidate, len(s.cands))
	copy(out, s.cands)
	return out, nil
}

// PostgresSource reads the availability pool from the therapists table.
//
// NOTE: This source assumes the following columns exist on therapists:
// id, display_name, avatar_url, language, rating, is_available, instant_calls_enabled.
//
// Availability is toggled by the profile service; this source never writes.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) ListAvailable(ctx context.Context, preference string) ([]Candidate, error) {
	if s.db == nil {
		return nil, errors.New("matching: database not configured")
	}

	// preference is applied by Rank; the whole available pool is returned so
	// non-matching candidates remain as fallbacks.
	const q = `
SELECT id, display_name, COALESCE(avatar_url, ''), COALESCE(language, ''), COALESCE(rating, 0)
FROM therapists
WHERE is_available = TRUE AND instant_calls_enabled = TRUE
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Candidate, 0)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.AvatarURL, &c.LanguageTag, &c.RankScore); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
