package identity

import (
	"strconv"
	"strings"

	"github.com/coder/hnsw"
)

const (
	// indexMaxNeighbors is the HNSW M parameter.
	indexMaxNeighbors = 16
	defaultCandidates = 32
)

// Index is an approximate nearest-neighbour graph over every stored embedding.
// It only narrows the set of identities the matcher scores exactly; the final
// score and tie-break are always computed over full exemplar lists.
// Index is guarded by the owning Store's lock.
type Index struct {
	graph *hnsw.Graph[string]

	// Candidates is the number of exemplars fetched per query.
	Candidates int
	// MinIdentities is the store size below which the matcher ignores the index.
	MinIdentities int
}

// NewIndex creates an empty index.
func NewIndex(candidates, minIdentities int) *Index {
	if candidates <= 0 {
		candidates = defaultCandidates
	}
	return &Index{
		graph:         newGraph(),
		Candidates:    candidates,
		MinIdentities: minIdentities,
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

func nodeKey(id string, n int) string {
	return id + "#" + strconv.Itoa(n)
}

func identityFromKey(key string) string {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		return key[:i]
	}
	return key
}

func (x *Index) add(id string, start int, embeddings [][]float32) {
	for i, e := range embeddings {
		x.graph.Add(hnsw.MakeNode(nodeKey(id, start+i), e))
	}
}

// rebuild recreates the graph. HNSW has no cheap delete, and removals are rare.
func (x *Index) rebuild(identities map[string]*Identity) {
	x.graph = newGraph()
	for id, ident := range identities {
		x.add(id, 0, ident.Embeddings)
	}
}

// Len returns the number of indexed exemplars.
func (x *Index) Len() int {
	return x.graph.Len()
}

// candidates returns the distinct identity ids owning the nearest exemplars.
func (x *Index) candidates(query []float32) []string {
	if x.graph.Len() == 0 {
		return nil
	}
	nodes := x.graph.Search(query, x.Candidates)

	seen := make(map[string]struct{}, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		id := identityFromKey(n.Key)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
