package imagewatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/types"
)

type fakeRuntime struct {
	runtime.Runtime // embed to satisfy the interface; only the methods below are exercised

	pullErr    error
	digests    []string // consumed one per InspectImageDigest call
	digestIdx  int
	pullCalls  int
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageRef string) error {
	f.pullCalls++
	return f.pullErr
}

func (f *fakeRuntime) InspectImageDigest(ctx context.Context, imageRef string) (types.Digest, error) {
	if f.digestIdx >= len(f.digests) {
		return types.Digest{}, fmt.Errorf("fakeRuntime: no more digests queued")
	}
	s := f.digests[f.digestIdx]
	f.digestIdx++
	return types.ParseDigest(s)
}

func TestInitializeEstablishesBaseline(t *testing.T) {
	fr := &fakeRuntime{digests: []string{"sha256:" + repeat("a", 64)}}
	w := New(fr, "example/image:latest", zerolog.Nop())

	require.NoError(t, w.Initialize(context.Background()))
	assert.Equal(t, "sha256:"+repeat("a", 64), w.Digest().String())
}

func TestUpdateNotUpdatedWhenDigestUnchanged(t *testing.T) {
	same := "sha256:" + repeat("b", 64)
	fr := &fakeRuntime{digests: []string{same, same}}
	w := New(fr, "example/image:latest", zerolog.Nop())

	require.NoError(t, w.Initialize(context.Background()))
	result, err := w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NotUpdated, result)
}

func TestUpdateReportsUpdatedOnDigestChange(t *testing.T) {
	fr := &fakeRuntime{digests: []string{
		"sha256:" + repeat("c", 64),
		"sha256:" + repeat("d", 64),
	}}
	w := New(fr, "example/image:latest", zerolog.Nop())

	require.NoError(t, w.Initialize(context.Background()))
	result, err := w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Updated, result)
}

func TestUpdateReportsDeletedWhenPullFailsAfterBaseline(t *testing.T) {
	baseline := "sha256:" + repeat("e", 64)
	fr := &fakeRuntime{digests: []string{baseline}}
	w := New(fr, "example/image:latest", zerolog.Nop())
	require.NoError(t, w.Initialize(context.Background()))

	fr.pullErr = fmt.Errorf("%w: image not found", types.ErrDockerAPI)
	result, err := w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Deleted, result)
	// The baseline survives a transient pull failure so that recovery
	// compares against the last real digest instead of nil.
	assert.Equal(t, baseline, w.Digest().String())
}

func TestUpdateDoesNotSpuriouslyReportUpdatedAfterTransientPullFailure(t *testing.T) {
	baseline := "sha256:" + repeat("f", 64)
	fr := &fakeRuntime{digests: []string{baseline, baseline}}
	w := New(fr, "example/image:latest", zerolog.Nop())
	require.NoError(t, w.Initialize(context.Background()))

	fr.pullErr = fmt.Errorf("%w: registry unreachable", types.ErrDockerAPI)
	result, err := w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Deleted, result)

	fr.pullErr = nil
	result, err = w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.NotUpdated, result, "recovering to the same digest must not be reported as Updated")
}

func TestUpdateReportsDeletedWhenInspectFailsAfterPull(t *testing.T) {
	baseline := "sha256:" + repeat("g", 64)
	fr := &fakeRuntime{digests: []string{baseline}}
	w := New(fr, "example/image:latest", zerolog.Nop())
	require.NoError(t, w.Initialize(context.Background()))

	// Exhausting the queued digests makes the next InspectImageDigest
	// call fail, simulating an inspect error after a successful pull.
	result, err := w.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Deleted, result)
	assert.Equal(t, baseline, w.Digest().String())
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
