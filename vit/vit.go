// Copyright 2026 The GoVit Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements a Vision Transformer (ViT) image classifier as a
// GoMLX model: the image is split into fixed-size non-overlapping patches,
// each patch is linearly embedded, a learned class token is prepended, learned
// position embeddings are added, and the sequence is run through a stack of
// pre-normalization transformer encoder layers. The classification logits are
// read from the final representation of the class token.
//
// See "An Image is Worth 16x16 Words: Transformers for Image Recognition at
// Scale", https://arxiv.org/abs/2010.11929.
//
// Images are given channels-last, shaped `[batch_size, height, width, channels]`.
package vit

import (
	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamImageSize   = "vit_image_size"
	ParamPatchSize   = "vit_patch_size"
	ParamNumChannels = "vit_num_channels"
	ParamEmbedDim    = "vit_embed_dim"
	ParamNumHeads    = "vit_num_heads"
	ParamNumLayers   = "vit_num_layers"
	ParamMLPDim      = "vit_mlp_dim"
	ParamDropout     = "vit_dropout"
	ParamNumClasses  = "vit_num_classes"
	ParamDType       = "vit_dtype"
)

// LayerNormEpsilon is added to the variance of every layer normalization in
// the model for numerical stability.
const LayerNormEpsilon = 1e-5

// Config defines a Vision Transformer model. Create it with New, adjust it
// with the With* setters (or FromContext), and call Build to get the
// train.ModelFn that builds the forward computation graph.
//
// All dimensions are explicit configuration: there is no global state, and
// two Configs build independent models.
type Config struct {
	ImageSize   int          // Height and width of the (square) input images.
	PatchSize   int          // Side of each square patch; must divide ImageSize.
	NumChannels int          // Image channels (3 for RGB).
	EmbedDim    int          // Hidden size D; must be divisible by NumHeads.
	NumHeads    int          // Attention heads per encoder layer.
	NumLayers   int          // Number of transformer encoder layers.
	MLPDim      int          // Hidden units of each encoder feed-forward block.
	DropoutRate float64      // Dropout rate, applied only in training mode.
	NumClasses  int          // Output classes.
	DType       dtypes.DType // Data type of all parameters and activations.
}

// New creates a ViT-Base configuration (224x224 images, 16x16 patches,
// D=768, 12 heads, 12 layers, MLP 3072, dropout 0.1) for the given number of
// classes.
func New(numClasses int) *Config {
	return &Config{
		ImageSize:   224,
		PatchSize:   16,
		NumChannels: 3,
		EmbedDim:    768,
		NumHeads:    12,
		NumLayers:   12,
		MLPDim:      3072,
		DropoutRate: 0.1,
		NumClasses:  numClasses,
		DType:       dtypes.Float32,
	}
}

// NewFromContext creates a configuration from context hyperparameters.
// ParamNumClasses ("vit_num_classes") is required; everything else defaults
// to ViT-Base. It panics if the required parameter is missing.
func NewFromContext(ctx *context.Context) *Config {
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 0)
	if numClasses == 0 {
		panic(errors.Errorf("required hyperparameter %q not found in context", ParamNumClasses))
	}
	return New(numClasses).FromContext(ctx)
}

// FromContext overrides the configuration with the optional "vit_*"
// hyperparameters set in ctx.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, c.ImageSize)
	c.PatchSize = context.GetParamOr(ctx, ParamPatchSize, c.PatchSize)
	c.NumChannels = context.GetParamOr(ctx, ParamNumChannels, c.NumChannels)
	c.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, c.EmbedDim)
	c.NumHeads = context.GetParamOr(ctx, ParamNumHeads, c.NumHeads)
	c.NumLayers = context.GetParamOr(ctx, ParamNumLayers, c.NumLayers)
	c.MLPDim = context.GetParamOr(ctx, ParamMLPDim, c.MLPDim)
	c.DropoutRate = context.GetParamOr(ctx, ParamDropout, c.DropoutRate)
	c.NumClasses = context.GetParamOr(ctx, ParamNumClasses, c.NumClasses)
	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil {
			panic(errors.Wrapf(err, "invalid hyperparameter value %s=%q", ParamDType, dtypeStr))
		}
		c.DType = dtype
	}
	return c
}

// WithImageSize sets the input image height/width.
func (c *Config) WithImageSize(size int) *Config {
	c.ImageSize = size
	return c
}

// WithPatchSize sets the patch side length.
func (c *Config) WithPatchSize(size int) *Config {
	c.PatchSize = size
	return c
}

// WithNumChannels sets the number of image channels.
func (c *Config) WithNumChannels(channels int) *Config {
	c.NumChannels = channels
	return c
}

// WithEmbedDim sets the hidden size D.
func (c *Config) WithEmbedDim(dim int) *Config {
	c.EmbedDim = dim
	return c
}

// WithNumHeads sets the number of attention heads.
func (c *Config) WithNumHeads(heads int) *Config {
	c.NumHeads = heads
	return c
}

// WithNumLayers sets the encoder stack depth.
func (c *Config) WithNumLayers(layers int) *Config {
	c.NumLayers = layers
	return c
}

// WithMLPDim sets the feed-forward hidden dimension.
func (c *Config) WithMLPDim(dim int) *Config {
	c.MLPDim = dim
	return c
}

// WithDropout sets the dropout rate.
func (c *Config) WithDropout(rate float64) *Config {
	c.DropoutRate = rate
	return c
}

// WithDType sets the data type.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c.DType = dtype
	return c
}

// NumPatches the image is split into: (ImageSize/PatchSize)².
func (c *Config) NumPatches() int {
	n := c.ImageSize / c.PatchSize
	return n * n
}

// SeqLen is the encoder sequence length: NumPatches plus the class token.
func (c *Config) SeqLen() int {
	return c.NumPatches() + 1
}

// HeadDim is the per-head dimension, EmbedDim/NumHeads.
func (c *Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// Validate checks the configuration for dimension and divisibility errors.
// An invalid configuration is never silently corrected: Build refuses it
// before any graph is constructed.
func (c *Config) Validate() error {
	if c.ImageSize <= 0 || c.PatchSize <= 0 || c.NumChannels <= 0 ||
		c.EmbedDim <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0 || c.MLPDim <= 0 {
		return errors.Errorf("vit: all dimensions must be positive, got %+v", c)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return errors.Errorf("vit: image size %d is not divisible by patch size %d",
			c.ImageSize, c.PatchSize)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return errors.Errorf("vit: embedding dimension %d is not divisible by the number of heads %d",
			c.EmbedDim, c.NumHeads)
	}
	if c.NumClasses < 2 {
		return errors.Errorf("vit: at least 2 classes are required, got %d", c.NumClasses)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return errors.Errorf("vit: dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("vit: dtype must be a float type, got %s", c.DType)
	}
	return nil
}

// Build validates the configuration and returns the train.ModelFn that builds
// the forward graph: inputs[0] is the batch of images
// `[batch_size, ImageSize, ImageSize, NumChannels]` and the single output is
// the raw logits `[batch_size, NumClasses]`.
func (c *Config) Build() (train.ModelFn, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := *c // The model fn captures a frozen copy of the configuration.
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{cfg.forward(ctx, inputs[0])}
	}, nil
}

// forward builds the full ViT graph for one batch of images.
func (c *Config) forward(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]

	x := c.patchEmbedding(ctx.In("patch_embed"), images)

	// Prepend the learned class token, broadcast over the batch.
	classToken := ctx.In("class_token").
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape("embeddings", shapes.Make(c.DType, 1, 1, c.EmbedDim)).
		ValueGraph(g)
	classToken = BroadcastToDims(classToken, batchSize, 1, c.EmbedDim)
	x = Concatenate([]*Node{classToken, x}, 1)

	// Learned absolute position embeddings, one row per sequence position.
	posEmbed := ctx.In("pos_embed").
		WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape("embeddings", shapes.Make(c.DType, c.SeqLen(), c.EmbedDim)).
		ValueGraph(g)
	posEmbed = BroadcastToDims(ExpandDims(posEmbed, 0), batchSize, c.SeqLen(), c.EmbedDim)
	x = Add(x, posEmbed)

	x = c.dropout(ctx.In("embed_dropout"), x)
	x = c.encoderStack(ctx.In("encoder"), x)

	// Classification head reads only the class token position.
	classOut := Reshape(Slice(x, AxisRange(), AxisRange(0, 1)), batchSize, c.EmbedDim)
	classOut = layers.LayerNormalization(ctx.In("head_norm"), classOut, -1).
		Epsilon(LayerNormEpsilon).Done()
	logits := layers.Dense(ctx.In("head"), classOut, true, c.NumClasses)
	logits.AssertDims(batchSize, c.NumClasses)
	return logits
}

// dropout applies dropout at the configured rate. It is the identity when the
// rate is zero or when the context is not in training mode.
func (c *Config) dropout(ctx *context.Context, x *Node) *Node {
	if c.DropoutRate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), c.DropoutRate))
}
