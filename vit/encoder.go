// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// encoderStack applies NumLayers independently-parameterized encoder layers
// in sequence. There is no weight sharing across layers.
func (c *Config) encoderStack(ctx *context.Context, x *Node) *Node {
	for layer := range c.NumLayers {
		x = c.encoderLayer(ctx.Inf("layer_%d", layer), x)
	}
	return x
}

// encoderLayer is one pre-normalization transformer encoder layer:
//
//	x = x + Dropout(SelfAttention(LayerNorm(x)))
//	x = x + Dropout(FeedForward(LayerNorm(x)))
//
// Normalization happens before each sub-block, not after. This ordering is
// numerically significant and must not be changed.
func (c *Config) encoderLayer(ctx *context.Context, x *Node) *Node {
	x = Add(x, c.attentionBlock(ctx.In("msa"), x))
	x = Add(x, c.feedForwardBlock(ctx.In("mlp"), x))
	return x
}

// attentionBlock normalizes the sequence and runs multi-head self-attention
// over it: NumHeads heads of dimension EmbedDim/NumHeads, each computing
// softmax(QKᵀ/sqrt(HeadDim))·V, concatenated and linearly projected back to
// EmbedDim. The attention coefficients stay internal to the block.
//
// Except for the position embeddings added outside, the block is
// permutation-equivariant over the sequence axis.
func (c *Config) attentionBlock(ctx *context.Context, x *Node) *Node {
	out := layers.LayerNormalization(ctx.In("norm"), x, -1).
		Epsilon(LayerNormEpsilon).Done()
	out = attention.SelfAttention(ctx.In("attention"), out, c.NumHeads, c.HeadDim()).Done()
	return c.dropout(ctx.In("dropout"), out)
}

// feedForwardBlock normalizes the sequence and applies the two-layer MLP
// (EmbedDim -> MLPDim -> EmbedDim) with GELU, applied independently at each
// sequence position.
func (c *Config) feedForwardBlock(ctx *context.Context, x *Node) *Node {
	out := layers.LayerNormalization(ctx.In("norm"), x, -1).
		Epsilon(LayerNormEpsilon).Done()
	out = layers.Dense(ctx.In("expand"), out, true, c.MLPDim)
	out = activations.Gelu(out)
	out = c.dropout(ctx.In("hidden_dropout"), out)
	out = layers.Dense(ctx.In("project"), out, true, c.EmbedDim)
	return c.dropout(ctx.In("dropout"), out)
}
