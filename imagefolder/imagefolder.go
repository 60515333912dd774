// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder loads a directory-per-class image dataset into memory.
//
// The expected layout is one sub-directory per class under the root, each
// holding the image files of that class:
//
//	root/
//	  cats/  img001.jpg img002.jpg ...
//	  dogs/  img001.jpg img002.jpg ...
//
// Class indices are assigned by the lexicographic order of the sub-directory
// names, so they are stable across runs and machines.
package imagefolder

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// NumChannels of the loaded image tensors. Grayscale and RGBA sources are
// converted on decode.
const NumChannels = 3

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Load reads every image under root's class sub-directories, resizes each to
// imageSize x imageSize (Lanczos resampling, aspect ratio not preserved) and
// packs them into an in-memory dataset: images shaped
// [numExamples, imageSize, imageSize, 3] with values scaled to [0.0, 1.0],
// labels shaped [numExamples, 1] with the class index as an int32.
//
// It returns the dataset unshuffled and unbatched along with the sorted class
// names. Configure it with the usual InMemoryDataset methods, e.g.
// ds.Shuffle().BatchSize(64, true).
//
// A root without class sub-directories, a class directory without any image
// file, or an undecodable image are errors.
func Load(backend backends.Backend, name, root string, imageSize int, dtype dtypes.DType) (ds *datasets.InMemoryDataset, classes []string, err error) {
	classes, err = classNames(root)
	if err != nil {
		return nil, nil, err
	}

	var images []image.Image
	var labels []int32
	for classIdx, class := range classes {
		classDir := filepath.Join(root, class)
		numBefore := len(images)
		err = filepath.WalkDir(classDir, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			img, err := imaging.Open(path)
			if err != nil {
				return errors.WithMessagef(err, "decoding image %q", path)
			}
			images = append(images, imaging.Resize(img, imageSize, imageSize, imaging.Lanczos))
			labels = append(labels, int32(classIdx))
			return nil
		})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading class %q", class)
		}
		if len(images) == numBefore {
			return nil, nil, errors.Errorf("class directory %q holds no image files", classDir)
		}
	}

	imagesT := timage.ToTensor(dtype).Batch(images)
	labelsT := tensors.FromFlatDataAndDimensions(labels, len(labels), 1)
	ds, err = datasets.InMemoryFromData(backend, name, []any{imagesT}, []any{labelsT})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "building in-memory dataset %q", name)
	}
	return ds, classes, nil
}

// classNames lists the sub-directories of root in lexicographic order.
func classNames(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading dataset root %q", root)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("dataset root %q has no class sub-directories", root)
	}
	sort.Strings(classes)
	return classes, nil
}
