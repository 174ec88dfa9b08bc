package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/aggspill/pkg/util"
)

func newMemStore(t *testing.T, compression string) (*SpillStore, afero.Fs) {
	fs := afero.NewMemMapFs()
	store, err := NewSpillStore(fs, util.SpillOptions{Path: "/tmp/spill", Compression: compression})
	require.NoError(t, err)
	return store, fs
}

func Test_spillStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, compression := range []string{"none", "zstd"} {
		store, fs := newMemStore(t, compression)
		w, err := store.Create(ctx)
		require.NoError(t, err)
		payloads := [][]byte{
			bytes.Repeat([]byte("abc"), 1000),
			{1},
			bytes.Repeat([]byte{0, 1, 2, 3, 4, 5, 6, 7}, 333),
		}
		ranges := make([]Range, len(payloads))
		for i, p := range payloads {
			ranges[i], err = w.WriteRange(ctx, p)
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
		assert.Equal(t, uint64(0), ranges[0].Offset)
		assert.Equal(t, ranges[0].Length, ranges[1].Offset)

		// read out of order
		for _, i := range []int{2, 0, 1} {
			got, err := store.ReadRange(ctx, w.Location(), ranges[i])
			require.NoError(t, err)
			assert.Equal(t, payloads[i], got)
		}

		exists, err := afero.Exists(fs, "/tmp/spill/"+w.Location())
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, []string{w.Location()}, store.Files())
		require.NoError(t, store.Cleanup())
		exists, err = afero.Exists(fs, "/tmp/spill/"+w.Location())
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Empty(t, store.Files())
	}
}

func Test_spillStoreErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemStore(t, "zstd")

	_, err := store.ReadRange(ctx, "missing.spill", Range{Offset: 0, Length: 4})
	assert.Error(t, err)

	w, err := store.Create(ctx)
	require.NoError(t, err)
	rng, err := w.WriteRange(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = store.ReadRange(ctx, w.Location(), Range{Offset: rng.Offset, Length: rng.Length + 10})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.ReadRange(cancelled, w.Location(), rng)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewSpillStore(afero.NewMemMapFs(), util.SpillOptions{Compression: "lz4"})
	assert.Error(t, err)
}

func Test_spillStoreFaults(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemStore(t, "zstd")
	injected := errors.New("disk full")

	util.EnableFaults(util.FAULTS_SCOPE_SPILL)
	defer util.DisableFaults(util.FAULTS_SCOPE_SPILL)
	util.RegisterFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillWrite, nil, func([]string) error {
		return injected
	})

	w, err := store.Create(ctx)
	require.NoError(t, err)
	_, err = w.WriteRange(ctx, []byte("x"))
	assert.ErrorIs(t, err, injected)
	require.NoError(t, w.Close())

	util.DisableFaults(util.FAULTS_SCOPE_SPILL)
	w, err = store.Create(ctx)
	require.NoError(t, err)
	rng, err := w.WriteRange(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	util.EnableFaults(util.FAULTS_SCOPE_SPILL)
	util.RegisterFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillRead, nil, func([]string) error {
		return injected
	})
	_, err = store.ReadRange(ctx, w.Location(), rng)
	assert.ErrorIs(t, err, injected)
}
