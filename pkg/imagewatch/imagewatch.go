// Package imagewatch implements the Image Watcher: it tracks
// a single image reference's digest and reports whether the most recent
// pull changed or removed it.
package imagewatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/types"
)

// Watcher tracks the digest of one image reference across pull cycles.
type Watcher struct {
	rt       runtime.Runtime
	imageRef string
	log      zerolog.Logger

	mu     sync.Mutex
	digest types.Digest
}

// New creates a Watcher for imageRef. The digest starts unset; call
// Initialize before the first Update to establish a baseline without
// reporting a spurious transition.
func New(rt runtime.Runtime, imageRef string, log zerolog.Logger) *Watcher {
	return &Watcher{
		rt:       rt,
		imageRef: imageRef,
		log:      log.With().Str("image", imageRef).Logger(),
		digest:   types.NoDigest,
	}
}

// Initialize pulls the image once and records its digest without
// comparing against a prior value, establishing the baseline the first
// poll tick compares against.
func (w *Watcher) Initialize(ctx context.Context) error {
	if err := w.rt.PullImage(ctx, w.imageRef); err != nil {
		return fmt.Errorf("initialize %s: %w", w.imageRef, err)
	}
	d, err := w.rt.InspectImageDigest(ctx, w.imageRef)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", w.imageRef, err)
	}

	w.mu.Lock()
	w.digest = d
	w.mu.Unlock()

	w.log.Info().Str("digest", d.String()).Msg("image baseline established")
	return nil
}

// Update pulls the image and compares the resulting digest against the
// last known one. Any failure in the combined pull-then-inspect
// acquisition step reports Deleted (logged) without disturbing the
// recorded baseline: the next successful pull is still compared against
// the last digest actually observed, not against a cleared one, so a
// transient failure never masquerades as a spurious Updated on recovery.
func (w *Watcher) Update(ctx context.Context) (types.ImageUpdateResult, error) {
	if err := w.rt.PullImage(ctx, w.imageRef); err != nil {
		w.log.Warn().Err(err).Msg("image no longer pullable, treating as deleted")
		return types.Deleted, nil
	}

	next, err := w.rt.InspectImageDigest(ctx, w.imageRef)
	if err != nil {
		w.log.Warn().Err(err).Msg("image inspect failed after pull, treating as deleted")
		return types.Deleted, nil
	}

	w.mu.Lock()
	prev := w.digest
	changed := !prev.Equal(next)
	w.digest = next
	w.mu.Unlock()

	if !changed {
		return types.NotUpdated, nil
	}
	w.log.Info().Str("previous", prev.String()).Str("current", next.String()).Msg("image digest changed")
	return types.Updated, nil
}

// Digest returns the last observed digest.
func (w *Watcher) Digest() types.Digest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.digest
}
