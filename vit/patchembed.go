// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// patchEmbedding splits the images into non-overlapping PatchSize x PatchSize
// patches and linearly embeds each one: a single learned projection shared by
// all patches, expressed as a convolution with kernel == stride == PatchSize
// and no padding. The spatial grid is then flattened into a sequence:
//
//	[batch, ImageSize, ImageSize, NumChannels] -> [batch, NumPatches, EmbedDim]
func (c *Config) patchEmbedding(ctx *context.Context, images *Node) *Node {
	shape := images.Shape()
	if shape.Rank() != 4 {
		Panicf("vit: images must be rank-4 [batch, height, width, channels], got %s", shape)
	}
	batchSize := shape.Dimensions[0]
	if shape.Dimensions[1] != c.ImageSize || shape.Dimensions[2] != c.ImageSize {
		Panicf("vit: images are %dx%d, but the model was configured for %dx%d",
			shape.Dimensions[1], shape.Dimensions[2], c.ImageSize, c.ImageSize)
	}
	if shape.Dimensions[3] != c.NumChannels {
		Panicf("vit: images have %d channels, but the model was configured for %d",
			shape.Dimensions[3], c.NumChannels)
	}

	grid := c.ImageSize / c.PatchSize
	x := layers.Convolution(ctx, images).
		Channels(c.EmbedDim).
		KernelSize(c.PatchSize).
		Strides(c.PatchSize).
		NoPadding().
		Done()
	x.AssertDims(batchSize, grid, grid, c.EmbedDim)
	return Reshape(x, batchSize, c.NumPatches(), c.EmbedDim)
}
