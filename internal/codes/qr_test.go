package codes

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindWritesScannableArtifact(t *testing.T) {
	binder := NewQRBinder(t.TempDir())

	ref, err := binder.Bind(context.Background(), "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("qr", "VS-ABCD-EFGH-JKMN.png"), ref)

	data, err := binder.Open(ref)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, qrSize, img.Bounds().Dx())
	assert.Equal(t, qrSize, img.Bounds().Dy())
}

func TestBindIsIdempotent(t *testing.T) {
	binder := NewQRBinder(t.TempDir())
	ctx := context.Background()

	ref1, err := binder.Bind(ctx, "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	first, err := binder.Open(ref1)
	require.NoError(t, err)

	ref2, err := binder.Bind(ctx, "VS-ABCD-EFGH-JKMN")
	require.NoError(t, err)
	second, err := binder.Open(ref2)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, first, second, "re-binding must reproduce identical bytes")
}

func TestBindHonorsCancelledContext(t *testing.T) {
	root := t.TempDir()
	binder := NewQRBinder(root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := binder.Bind(ctx, "VS-ABCD-EFGH-JKMN")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, binder.RefFor("VS-ABCD-EFGH-JKMN")))
	assert.True(t, os.IsNotExist(statErr), "no artifact should exist after cancellation")
}

func TestOpenMissingArtifact(t *testing.T) {
	binder := NewQRBinder(t.TempDir())
	_, err := binder.Open(binder.RefFor("VS-ABCD-EFGH-JKMN"))
	assert.Error(t, err)
}
