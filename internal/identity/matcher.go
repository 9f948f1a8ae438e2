package identity

import (
	"math"
)

// Match is the outcome of an identity lookup. IdentityID is empty when the
// best score did not clear the threshold; Similarity is the best score either way.
type Match struct {
	IdentityID string
	Name       string
	Similarity float64
	Accepted   bool
}

// Matcher performs best-exemplar nearest-neighbour search over a Store.
type Matcher struct {
	store *Store
}

// NewMatcher creates a matcher reading from store.
func NewMatcher(store *Store) *Matcher {
	return &Matcher{store: store}
}

// Match finds the identity whose closest stored embedding is most similar to
// query. An identity's score is the maximum over its exemplars; exact ties
// between identities go to the lexicographically smallest id. Invalid queries
// short-circuit to no match with similarity 0.
func (m *Matcher) Match(query []float32, threshold float64) Match {
	if len(query) != m.store.dim {
		return Match{}
	}
	q := Normalize(query)
	if q == nil {
		return Match{}
	}

	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Identity
	bestScore := math.Inf(-1)
	if s.index != nil && len(s.identities) >= s.index.MinIdentities {
		candidates := make([]*Identity, 0, s.index.Candidates)
		for _, id := range s.index.candidates(q) {
			if ident, ok := s.identities[id]; ok {
				candidates = append(candidates, ident)
			}
		}
		best, bestScore = bestIdentity(q, candidates)
	}
	// The index is approximate; a near miss is confirmed against every identity.
	if best == nil || bestScore < threshold {
		all := make([]*Identity, 0, len(s.identities))
		for _, ident := range s.identities {
			all = append(all, ident)
		}
		best, bestScore = bestIdentity(q, all)
	}

	if best == nil {
		return Match{}
	}
	if bestScore < threshold {
		return Match{Similarity: bestScore}
	}
	return Match{
		IdentityID: best.ID,
		Name:       best.Name,
		Similarity: bestScore,
		Accepted:   true,
	}
}

// bestIdentity scores every identity by its best exemplar. Exact ties go to the
// smallest id.
func bestIdentity(q []float32, identities []*Identity) (*Identity, float64) {
	var best *Identity
	bestScore := math.Inf(-1)
	for _, ident := range identities {
		score := bestExemplar(q, ident.Embeddings)
		if score > bestScore || (score == bestScore && best != nil && ident.ID < best.ID) {
			best = ident
			bestScore = score
		}
	}
	return best, bestScore
}

// bestExemplar returns the highest cosine similarity between the unit query
// and any of the unit embeddings.
func bestExemplar(q []float32, embeddings [][]float32) float64 {
	best := math.Inf(-1)
	for _, e := range embeddings {
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(e[i])
		}
		dot = math.Max(-1, math.Min(1, dot))
		if dot > best {
			best = dot
		}
	}
	return best
}
