package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/andresmejia3/rollcall/internal/identity"
	"github.com/andresmejia3/rollcall/internal/types"
)

// RegisterIdentity extracts one embedding per image and stores them under id,
// creating the identity or appending to it. Each image contributes its largest
// detected face; an image with no detection is embedded whole, as a
// pre-cropped face. It returns how many embeddings were added.
//
// When the store cannot be saved the embeddings stay registered in memory and
// the count is returned together with an error wrapping ErrPersistence.
func (p *Pipeline) RegisterIdentity(ctx context.Context, id, name string, images []image.Image) (int, error) {
	if id == "" {
		return 0, ErrInvalidIdentity
	}
	return p.register(ctx, id, name, images, false)
}

// UpdateIdentity appends embeddings from images to an existing identity.
func (p *Pipeline) UpdateIdentity(ctx context.Context, id string, images []image.Image) (int, error) {
	if _, ok := p.store.Get(id); !ok {
		return 0, identity.ErrIdentityNotFound
	}
	return p.register(ctx, id, "", images, true)
}

func (p *Pipeline) register(ctx context.Context, id, name string, images []image.Image, mustExist bool) (int, error) {
	if err := p.ReadyErr(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	embeddings := make([][]float32, 0, len(images))
	for i, img := range images {
		emb, err := p.extract(ctx, img)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			p.logger.Warn("skipping registration image",
				zap.String("identity_id", id),
				zap.Int("image", i),
				zap.Error(err))
			continue
		}
		embeddings = append(embeddings, emb)
	}

	var (
		n   int
		err error
	)
	if mustExist {
		n, err = p.store.Append(id, embeddings)
	} else {
		n, err = p.store.Add(id, name, embeddings)
	}
	if err != nil {
		p.logger.Warn("registration failed", zap.String("identity_id", id), zap.Error(err))
		return 0, err
	}

	p.logger.Info("identity registered",
		zap.String("identity_id", id),
		zap.String("name", p.store.Name(id)),
		zap.Int("embeddings_added", n),
		zap.Int("images", len(images)))

	return n, p.persist()
}

// extract returns the embedding of the largest face in img.
func (p *Pipeline) extract(ctx context.Context, img image.Image) ([]float32, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}

	callCtx, cancel := p.budget(ctx)
	defer cancel()

	faces, err := p.adapters.Detector.Detect(callCtx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	crop := img
	if face, ok := largestFace(faces); ok {
		r := face.Box.Rect().Intersect(img.Bounds())
		if r.Empty() {
			return nil, errors.New("face region is empty")
		}
		crop = cropImage(img, r)
	}

	emb, err := p.adapters.Embedder.Embed(callCtx, crop)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(emb) != p.store.Dimension() || identity.Normalize(emb) == nil {
		return nil, ErrNoValidEmbedding
	}
	return emb, nil
}

// Identify matches the largest face of a single still image against the store.
// It applies no liveness check and marks no attendance.
func (p *Pipeline) Identify(ctx context.Context, img image.Image) (identity.Match, error) {
	if err := p.ReadyErr(); err != nil {
		return identity.Match{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	emb, err := p.extract(ctx, img)
	if err != nil {
		return identity.Match{}, err
	}
	return p.matcher.Match(emb, p.cfg.SimilarityThreshold), nil
}

func largestFace(faces []types.DetectedFace) (types.DetectedFace, bool) {
	var best types.DetectedFace
	found := false
	for _, f := range faces {
		if !found || f.Box.Area() > best.Box.Area() {
			best = f
			found = true
		}
	}
	return best, found
}

// RemoveIdentity deletes an identity with all its embeddings and forgets its
// cooldown entry. Persistence failures wrap ErrPersistence; the removal itself
// is kept.
func (p *Pipeline) RemoveIdentity(id string) error {
	if err := p.store.Remove(id); err != nil {
		return err
	}
	p.cooldown.Forget(id)
	p.marks.Forget(id)
	p.logger.Info("identity removed", zap.String("identity_id", id))
	return p.persist()
}

// RenameIdentity changes the display name of an identity.
func (p *Pipeline) RenameIdentity(id, name string) error {
	if err := p.store.Rename(id, name); err != nil {
		return err
	}
	return p.persist()
}

// ListIdentities returns every registered identity sorted by id.
func (p *Pipeline) ListIdentities() []identity.Summary {
	return p.store.List()
}

func (p *Pipeline) persist() error {
	if err := p.store.Save(); err != nil {
		p.logger.Error("failed to persist identity store",
			zap.String("path", p.store.Path()),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
