package pipeline

import (
	"context"
	"errors"

	"github.com/andresmejia3/rollcall/internal/identity"
	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrNotReady is returned by every Process call while an adapter is missing
	// or unavailable.
	ErrNotReady = errors.New("pipeline not ready")
	// ErrNoValidEmbedding is returned when registration extracted nothing usable.
	ErrNoValidEmbedding = identity.ErrNoValidEmbedding
	// ErrPersistence wraps identity store load/save failures. In-memory state
	// is kept when it is returned.
	ErrPersistence = errors.New("identity store persistence failed")
	// ErrInvalidFrame is returned for a frame without an image.
	ErrInvalidFrame = errors.New("frame has no image")
	// ErrInvalidIdentity is returned for an empty identity id.
	ErrInvalidIdentity = errors.New("identity id must not be empty")

	errNotChecked = errors.New("adapters not checked")
)

// faceFault converts an adapter error into a per-face annotation.
func faceFault(err error) *types.FaceError {
	kind := types.FaultAdapter
	if errors.Is(err, context.DeadlineExceeded) {
		kind = types.FaultTimeout
	}
	return &types.FaceError{Kind: kind, Message: err.Error()}
}

func unavailable(err error) bool {
	return errors.Is(err, types.ErrAdapterUnavailable)
}
