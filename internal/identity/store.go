package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/renameio"
	"go.uber.org/zap"
)

var (
	// ErrIdentityNotFound is returned when an operation names an unknown identity.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrNoValidEmbedding is returned when none of the supplied embeddings survive normalization.
	ErrNoValidEmbedding = errors.New("no valid embedding")
	// ErrDimensionMismatch is returned when a persisted store was built for a different embedding size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const storeFormatVersion = 1

// Identity is a registered person and their reference embeddings in insertion order.
type Identity struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID             string
	Name           string
	EmbeddingCount int
}

// Stats describes the size of the store.
type Stats struct {
	Identities int `json:"total_identities"`
	Embeddings int `json:"total_embeddings"`
}

type storeFile struct {
	Version    int        `json:"version"`
	Dimension  int        `json:"dimension"`
	Identities []Identity `json:"identities"`
}

// Store maps identity ids to names and reference embeddings.
// Reads (matching) and writes (registration) may run concurrently; a reader
// never observes a partially written identity.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	index      *Index
	dim        int

	saveMu sync.Mutex
	path   string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPath sets the artifact used by Load and Save.
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithIndex enables the approximate candidate index for large stores.
func WithIndex(idx *Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store for embeddings of the given dimension.
func NewStore(dim int, opts ...Option) *Store {
	s := &Store{
		identities: make(map[string]*Identity),
		dim:        dim,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dimension returns the embedding size fixed at construction.
func (s *Store) Dimension() int { return s.dim }

// Path returns the persistence artifact path, which may be empty.
func (s *Store) Path() string { return s.path }

// prepare normalizes embeddings and drops the ones that are degenerate or of
// the wrong size.
func (s *Store) prepare(embeddings [][]float32) [][]float32 {
	valid := make([][]float32, 0, len(embeddings))
	for _, e := range embeddings {
		if len(e) != s.dim {
			continue
		}
		if n := Normalize(e); n != nil {
			valid = append(valid, n)
		}
	}
	return valid
}

// Add registers embeddings under id, creating the identity on first use and
// appending otherwise. A non-empty name replaces the stored one.
// It returns the number of embeddings stored.
func (s *Store) Add(id, name string, embeddings [][]float32) (int, error) {
	return s.add(id, name, embeddings, false)
}

// Append adds embeddings to an identity that already exists.
func (s *Store) Append(id string, embeddings [][]float32) (int, error) {
	return s.add(id, "", embeddings, true)
}

func (s *Store) add(id, name string, embeddings [][]float32, mustExist bool) (int, error) {
	valid := s.prepare(embeddings)

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok && mustExist {
		return 0, ErrIdentityNotFound
	}
	if len(valid) == 0 {
		return 0, ErrNoValidEmbedding
	}
	if !ok {
		ident = &Identity{ID: id, Name: name}
	}
	start := len(ident.Embeddings)

	// Build the replacement before publishing it so readers never see a half-appended slice
	updated := &Identity{
		ID:         id,
		Name:       ident.Name,
		Embeddings: append(append(make([][]float32, 0, start+len(valid)), ident.Embeddings...), valid...),
	}
	if name != "" {
		updated.Name = name
	}
	s.identities[id] = updated

	if s.index != nil {
		s.index.add(id, start, valid)
	}
	return len(valid), nil
}

// Remove deletes an identity and all of its embeddings.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; !ok {
		return ErrIdentityNotFound
	}
	delete(s.identities, id)

	if s.index != nil {
		s.index.rebuild(s.identities)
	}
	return nil
}

// Rename changes the display name of an identity.
func (s *Store) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	s.identities[id] = &Identity{ID: ident.ID, Name: name, Embeddings: ident.Embeddings}
	return nil
}

// Get returns a copy of the identity.
func (s *Store) Get(id string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, false
	}
	return copyIdentity(ident), true
}

// Name returns the display name of an identity, or "" if unknown.
func (s *Store) Name(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ident, ok := s.identities[id]; ok {
		return ident.Name
	}
	return ""
}

// Len returns the number of registered identities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// List returns all identities sorted by id.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, Summary{ID: ident.ID, Name: ident.Name, EmbeddingCount: len(ident.Embeddings)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns identity and embedding totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Identities: len(s.identities)}
	for _, ident := range s.identities {
		st.Embeddings += len(ident.Embeddings)
	}
	return st
}

// Load replaces the in-memory contents with the persisted artifact.
// A missing file leaves the store empty and is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("identity store not found, starting empty", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read identity store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode identity store: %w", err)
	}
	if file.Dimension != s.dim {
		return fmt.Errorf("%w: store has %d, configured %d", ErrDimensionMismatch, file.Dimension, s.dim)
	}

	loaded := make(map[string]*Identity, len(file.Identities))
	for _, ident := range file.Identities {
		valid := s.prepare(ident.Embeddings)
		if len(valid) == 0 {
			s.logger.Warn("skipping identity without valid embeddings", zap.String("identity_id", ident.ID))
			continue
		}
		loaded[ident.ID] = &Identity{ID: ident.ID, Name: ident.Name, Embeddings: valid}
	}

	s.mu.Lock()
	s.identities = loaded
	if s.index != nil {
		s.index.rebuild(s.identities)
	}
	s.mu.Unlock()

	s.logger.Info("identity store loaded",
		zap.String("path", s.path),
		zap.Int("identities", len(loaded)))
	return nil
}

// Save atomically writes the store to its artifact (temp file + rename), so a
// crash mid-write leaves the previous version intact.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	file := storeFile{
		Version:    storeFormatVersion,
		Dimension:  s.dim,
		Identities: make([]Identity, 0, len(s.identities)),
	}
	for _, ident := range s.identities {
		file.Identities = append(file.Identities, *ident)
	}
	s.mu.RUnlock()

	sort.Slice(file.Identities, func(i, j int) bool { return file.Identities[i].ID < file.Identities[j].ID })

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode identity store: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write identity store: %w", err)
	}
	return nil
}

func copyIdentity(ident *Identity) Identity {
	embs := make([][]float32, len(ident.Embeddings))
	for i, e := range ident.Embeddings {
		embs[i] = append([]float32(nil), e...)
	}
	return Identity{ID: ident.ID, Name: ident.Name, Embeddings: embs}
}
