// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePNG writes a solid-color image. Sizes differ per call in tests to
// exercise the resize path.
func writePNG(t *testing.T, path string, width, height int, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	require.NoError(t, png.Encode(f, img))
}

func buildTestFolder(t *testing.T) string {
	root := t.TempDir()
	catsDir := filepath.Join(root, "cats")
	dogsDir := filepath.Join(root, "dogs")
	require.NoError(t, os.Mkdir(catsDir, 0o755))
	require.NoError(t, os.Mkdir(dogsDir, 0o755))

	black := color.RGBA{A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	writePNG(t, filepath.Join(catsDir, "a.png"), 12, 9, black)
	writePNG(t, filepath.Join(catsDir, "b.png"), 8, 8, black)
	writePNG(t, filepath.Join(dogsDir, "a.png"), 20, 14, white)
	// Non-image files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dogsDir, "notes.txt"), []byte("not an image"), 0o644))
	return root
}

func TestLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	root := buildTestFolder(t)

	ds, classes, err := Load(backend, "test folder", root, 8, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, classes)
	assert.Equal(t, 3, ds.NumExamples())

	_, inputs, labels, err := ds.BatchSize(3, true).Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{3, 8, 8, NumChannels}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, inputs[0].DType())

	// Class indices follow the sorted directory names: cats=0, dogs=1.
	var gotLabels []int32
	require.NoError(t, tensors.ConstFlatData[int32](labels[0], func(flat []int32) {
		gotLabels = append(gotLabels, flat...)
	}))
	assert.ElementsMatch(t, []int32{0, 0, 1}, gotLabels)

	// Pixel values are scaled to [0, 1]: black cats, white dogs.
	var pixels []float32
	require.NoError(t, tensors.ConstFlatData[float32](inputs[0], func(flat []float32) {
		pixels = append(pixels, flat...)
	}))
	imagePixels := 8 * 8 * NumChannels
	require.Len(t, pixels, 3*imagePixels)
	for i, label := range gotLabels {
		want := float32(0)
		if label == 1 {
			want = 1
		}
		for _, p := range pixels[i*imagePixels : (i+1)*imagePixels] {
			assert.InDelta(t, want, p, 1e-2)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("MissingRoot", func(t *testing.T) {
		_, _, err := Load(backend, "missing", filepath.Join(t.TempDir(), "nope"), 8, dtypes.Float32)
		require.Error(t, err)
	})

	t.Run("NoClassDirs", func(t *testing.T) {
		_, _, err := Load(backend, "no classes", t.TempDir(), 8, dtypes.Float32)
		require.ErrorContains(t, err, "no class sub-directories")
	})

	t.Run("EmptyClassDir", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
		_, _, err := Load(backend, "empty class", root, 8, dtypes.Float32)
		require.ErrorContains(t, err, "no image files")
	})

	t.Run("CorruptImage", func(t *testing.T) {
		root := t.TempDir()
		classDir := filepath.Join(root, "bad")
		require.NoError(t, os.Mkdir(classDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(classDir, "broken.png"), []byte("garbage"), 0o644))
		_, _, err := Load(backend, "corrupt", root, 8, dtypes.Float32)
		require.ErrorContains(t, err, "decoding image")
	})
}
