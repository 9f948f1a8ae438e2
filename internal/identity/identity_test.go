package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func axis(i int) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	return v
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want []float32
	}{
		{name: "Already unit", in: []float32{1, 0}, want: []float32{1, 0}},
		{name: "Scaled", in: []float32{3, 4}, want: []float32{0.6, 0.8}},
		{name: "Zero vector", in: []float32{0, 0}, want: nil},
		{name: "Empty", in: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestMatchExactEmbedding(t *testing.T) {
	s := NewStore(testDim)
	_, err := s.Add("S1", "Alice", [][]float32{axis(0)})
	require.NoError(t, err)

	m := NewMatcher(s)
	for _, threshold := range []float64{0, 0.6, 0.99, 1.0} {
		got := m.Match(axis(0), threshold)
		assert.True(t, got.Accepted, "threshold %v", threshold)
		assert.Equal(t, "S1", got.IdentityID)
		assert.Equal(t, "Alice", got.Name)
		assert.Equal(t, 1.0, got.Similarity)
	}
}

func TestMatchOrthogonalIsNoMatch(t *testing.T) {
	s := NewStore(testDim)
	_, err := s.Add("S1", "Alice", [][]float32{axis(0), axis(1)})
	require.NoError(t, err)

	got := NewMatcher(s).Match(axis(2), 0.01)
	assert.False(t, got.Accepted)
	assert.Empty(t, got.IdentityID)
	assert.InDelta(t, 0.0, got.Similarity, 1e-9)
}

func TestMatchBestExemplar(t *testing.T) {
	s := NewStore(testDim)
	// S1 has one exemplar close to the query among several far ones; S2 is
	// moderately close on average but never as close as S1's best.
	_, _ = s.Add("S1", "Alice", [][]float32{axis(3), axis(4), {0.95, 0.05, 0, 0, 0, 0, 0, 0}})
	_, _ = s.Add("S2", "Bob", [][]float32{{0.8, 0.6, 0, 0, 0, 0, 0, 0}, {0.8, -0.6, 0, 0, 0, 0, 0, 0}})

	got := NewMatcher(s).Match(axis(0), 0.6)
	require.True(t, got.Accepted)
	assert.Equal(t, "S1", got.IdentityID)
	assert.Greater(t, got.Similarity, 0.99)
}

func TestMatchTieBreakSmallestID(t *testing.T) {
	s := NewStore(testDim)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Add(id, id, [][]float32{axis(0)})
		require.NoError(t, err)
	}

	m := NewMatcher(s)
	for i := 0; i < 20; i++ {
		got := m.Match(axis(0), 0.5)
		require.True(t, got.Accepted)
		assert.Equal(t, "alpha", got.IdentityID)
	}
}

func TestMatchInvalidQuery(t *testing.T) {
	s := NewStore(testDim)
	_, _ = s.Add("S1", "Alice", [][]float32{axis(0)})
	m := NewMatcher(s)

	assert.Equal(t, Match{}, m.Match(make([]float32, testDim), 0))
	assert.Equal(t, Match{}, m.Match([]float32{1, 0}, 0), "wrong dimension")
	assert.Equal(t, Match{}, m.Match(nil, 0))
}

func TestMatchEmptyStore(t *testing.T) {
	got := NewMatcher(NewStore(testDim)).Match(axis(0), 0.6)
	assert.False(t, got.Accepted)
	assert.Equal(t, 0.0, got.Similarity)
}

func TestAddAppendsAndSkipsInvalid(t *testing.T) {
	s := NewStore(testDim)

	n, err := s.Add("S1", "Alice", [][]float32{axis(0), make([]float32, testDim), {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Add("S1", "", [][]float32{axis(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ident, ok := s.Get("S1")
	require.True(t, ok)
	assert.Equal(t, "Alice", ident.Name)
	require.Len(t, ident.Embeddings, 2)
	assert.Equal(t, axis(0), ident.Embeddings[0])
	assert.Equal(t, axis(1), ident.Embeddings[1])

	_, err = s.Add("S2", "Bob", [][]float32{make([]float32, testDim)})
	assert.ErrorIs(t, err, ErrNoValidEmbedding)
	assert.Equal(t, 1, s.Len())
}

func TestAppendRequiresExistingIdentity(t *testing.T) {
	s := NewStore(testDim)
	_, err := s.Append("ghost", [][]float32{axis(0)})
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestAppendRacingRemoveNeverRecreates(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := NewStore(testDim)
		_, err := s.Add("S1", "Alice", [][]float32{axis(0)})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Append("S1", [][]float32{axis(1)})
		}()
		go func() {
			defer wg.Done()
			_ = s.Remove("S1")
		}()
		wg.Wait()

		_, ok := s.Get("S1")
		require.False(t, ok, "iteration %d: identity came back after removal", i)
	}
}

func TestRemove(t *testing.T) {
	s := NewStore(testDim)
	_, _ = s.Add("S1", "Alice", [][]float32{axis(0), axis(1)})
	_, _ = s.Add("S2", "Bob", [][]float32{axis(2)})
	m := NewMatcher(s)

	require.NoError(t, s.Remove("S1"))
	assert.Equal(t, 1, s.Len())
	assert.False(t, m.Match(axis(0), 0.5).Accepted)
	assert.False(t, m.Match(axis(1), 0.5).Accepted)

	assert.ErrorIs(t, s.Remove("S1"), ErrIdentityNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestRenameAndList(t *testing.T) {
	s := NewStore(testDim)
	_, _ = s.Add("b", "Bob", [][]float32{axis(0)})
	_, _ = s.Add("a", "Ann", [][]float32{axis(1), axis(2)})

	require.NoError(t, s.Rename("b", "Robert"))
	assert.ErrorIs(t, s.Rename("zz", "x"), ErrIdentityNotFound)

	assert.Equal(t, []Summary{
		{ID: "a", Name: "Ann", EmbeddingCount: 2},
		{ID: "b", Name: "Robert", EmbeddingCount: 1},
	}, s.List())
	assert.Equal(t, Stats{Identities: 2, Embeddings: 3}, s.Stats())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")

	s := NewStore(testDim, WithPath(path))
	_, _ = s.Add("S1", "Alice", [][]float32{axis(0), {0.6, 0.8, 0, 0, 0, 0, 0, 0}, axis(5)})
	_, _ = s.Add("S2", "Bob", [][]float32{axis(2)})
	require.NoError(t, s.Save())

	loaded := NewStore(testDim, WithPath(path))
	require.NoError(t, loaded.Load())

	for _, id := range []string{"S1", "S2"} {
		want, _ := s.Get(id)
		got, ok := loaded.Get(id)
		require.True(t, ok)
		assert.Equal(t, want.Name, got.Name)
		require.Len(t, got.Embeddings, len(want.Embeddings))
		for i := range want.Embeddings {
			assert.InDeltaSlice(t, want.Embeddings[i], got.Embeddings[i], 1e-6)
		}
	}

	// No temp files should be left next to the artifact
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(testDim, WithPath(filepath.Join(t.TempDir(), "missing.json")))
	require.NoError(t, s.Load())
	assert.Equal(t, 0, s.Len())
}

func TestLoadDimensionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.json")
	s := NewStore(testDim, WithPath(path))
	_, _ = s.Add("S1", "Alice", [][]float32{axis(0)})
	require.NoError(t, s.Save())

	other := NewStore(testDim*2, WithPath(path))
	assert.ErrorIs(t, other.Load(), ErrDimensionMismatch)
}

func TestIndexNarrowsCandidates(t *testing.T) {
	s := NewStore(testDim, WithIndex(NewIndex(4, 0)))
	for i := 0; i < testDim; i++ {
		_, err := s.Add(fmt.Sprintf("id-%d", i), "", [][]float32{axis(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, testDim, s.index.Len())

	got := NewMatcher(s).Match(axis(3), 0.9)
	require.True(t, got.Accepted)
	assert.Equal(t, "id-3", got.IdentityID)

	require.NoError(t, s.Remove("id-3"))
	assert.Equal(t, testDim-1, s.index.Len())
	assert.False(t, NewMatcher(s).Match(axis(3), 0.9).Accepted)
}

func TestIndexMissFallsBackToFullScan(t *testing.T) {
	s := NewStore(testDim, WithIndex(NewIndex(1, 0)))
	_, err := s.Add("S1", "Alice", [][]float32{axis(0)})
	require.NoError(t, err)
	_, err = s.Add("S2", "Bob", [][]float32{axis(1)})
	require.NoError(t, err)

	// An index that only knows S1 stands in for an approximate search missing S2
	partial := NewIndex(1, 0)
	partial.add("S1", 0, [][]float32{axis(0)})
	s.index = partial

	got := NewMatcher(s).Match(axis(1), 0.6)
	require.True(t, got.Accepted)
	assert.Equal(t, "S2", got.IdentityID)
	assert.InDelta(t, 1.0, got.Similarity, 1e-6)
}

func TestConcurrentRegisterAndMatch(t *testing.T) {
	s := NewStore(testDim)
	_, _ = s.Add("base", "Base", [][]float32{axis(0)})
	m := NewMatcher(s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Add(fmt.Sprintf("p%d", i), "", [][]float32{axis(1 + i%(testDim-1))})
		}(i)
		go func() {
			defer wg.Done()
			got := m.Match(axis(0), 0.9)
			assert.Equal(t, "base", got.IdentityID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 9, s.Len())
}
