package matching

import (
	"context"
	"sort"
	"strings"
)

// Candidate is one currently available counterparty.
//
// It carries only what ranking and the call record need. Profile data beyond
// display name and avatar belongs to the profile service.
type Candidate struct {
	ID          string  `json:"id"`
	RankScore   float64 `json:"rankScore"`
	LanguageTag string  `json:"languageTag"`
	DisplayName string  `json:"displayName"`
	AvatarURL   string  `json:"avatarUrl,omitempty"`
}

// Source lists currently available candidates.
// It is read-only and called once per search.
//
// preference is a hint; implementations may ignore it, ranking applies it.
type Source interface {
	ListAvailable(ctx context.Context, preference string) ([]Candidate, error)
}

// Rank orders candidates for a sequential ring walk.
//
// Candidates whose LanguageTag matches preference (case-insensitive) come
// first, then all others. Each group is sorted by descending RankScore, ties
// broken by ID so the order is total. An empty preference matches no one.
//
// Pure function: the input slice is not modified.
func Rank(cands []Candidate, preference string) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)

	pref := strings.TrimSpace(preference)
	matches := func(c Candidate) bool {
		return pref != "" && strings.EqualFold(strings.TrimSpace(c.LanguageTag), pref)
	}

	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := matches(out[i]), matches(out[j])
		if mi != mj {
			return mi
		}
		if out[i].RankScore != out[j].RankScore {
			return out[i].RankScore > out[j].RankScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Exclude drops the candidate with the given id (a caller never rings itself).
func Exclude(cands []Candidate, id string) []Candidate {
	if id == "" {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.ID == id {
			continue
		}
		out = append(out, c)
	}
	return out
}
