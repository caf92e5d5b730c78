// Copyright 2025-2026 The EdemaNet Authors. SPDX-License-Identifier: Apache-2.0

package edemanet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// NumEdemaClasses is the output label space: no edema vs. edema.
const NumEdemaClasses = 2

// Hyperparameter names read from the context. Defaults are set in
// the demo's createDefaultContext.
const (
	ParamEmbedDim     = "edemanet_embed_dim"
	ParamNumAttLayers = "edemanet_num_att_layers"
	ParamNumAttHeads  = "edemanet_num_att_heads"
	ParamAttKeySize   = "edemanet_att_key_size"
)

// EncoderGraph maps a batch of [B, C, D, H, W] volumes to a token
// sequence [B, T, E] with the classification token at position 0. The
// package supplies M3TEncoderGraph; callers with their own encoder can
// plug it into ClassifierModelFn.
type EncoderGraph func(ctx *context.Context, volumes *Node) *Node

// M3TEncoderGraph encodes a batch of [B, C, D, H, W] volumes into a token
// sequence [B, 1+numTokens, embedDim]. A 3D convolutional stem extracts
// local features, features are pooled into one token per slice along each
// of the three anatomical planes, and a transformer mixes the tokens
// together with a learned classification token prepended at position 0.
func M3TEncoderGraph(ctx *context.Context, volumes *Node) *Node {
	g := volumes.Graph()
	volumes.AssertRank(5)
	batchSize := volumes.Shape().Dimensions[0]
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 128)

	// Stem works channels-last: [B, D, H, W, C].
	x := TransposeAllDims(volumes, 0, 2, 3, 4, 1)
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	x = layers.Convolution(nextCtx("conv"), x).Channels(32).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	x = MaxPool(x).Window(2).Done()
	x = layers.Convolution(nextCtx("conv"), x).Channels(64).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	x = MaxPool(x).Window(2).Done()

	// One token per slice along each plane: pooling over the two axes
	// spanning the plane leaves a sequence along the remaining axis.
	featureDims := x.Shape().Dimensions // [B, D', H', W', 64]
	planePools := [3][2]int{{2, 3}, {1, 3}, {1, 2}}
	var tokenSeqs []*Node
	for plane, pool := range planePools {
		tokens := ReduceMean(x, pool[0]+1, pool[1]+1) // [B, remaining, 64]
		tokens = layers.Dense(nextCtx("plane_embed"), tokens, true, embedDim)
		tokens.AssertDims(batchSize, featureDims[plane+1], embedDim)
		tokenSeqs = append(tokenSeqs, tokens)
	}
	tokens := Concatenate(tokenSeqs, 1)

	// Classification token at position 0.
	clsVar := ctx.VariableWithShape("cls_token", shapes.Make(DType, 1, 1, embedDim))
	cls := BroadcastToDims(clsVar.ValueGraph(g), batchSize, 1, embedDim)
	tokens = Concatenate([]*Node{cls, tokens}, 1)

	posShape := tokens.Shape().Clone()
	posShape.Dimensions[0] = 1
	posVar := ctx.VariableWithShape("positional", posShape)
	tokens = Add(tokens, posVar.ValueGraph(g))

	numAttLayers := context.GetParamOr(ctx, ParamNumAttLayers, 4)
	numAttHeads := context.GetParamOr(ctx, ParamNumAttHeads, 8)
	attKeySize := context.GetParamOr(ctx, ParamAttKeySize, 16)
	for layerNum := range numAttLayers {
		ctx := ctx.Inf("%03d_attention_layer", layerNum)
		residual := tokens
		tokens = attention.MultiHeadAttention(ctx.In("000_attention"), tokens, tokens, tokens, numAttHeads, attKeySize).
			WithOutputDim(embedDim).
			WithValueHeadDim(embedDim).Done()
		tokens = layers.LayerNormalization(ctx.In("001_normalization"), tokens, -1).Done()
		attentionOutput := tokens
		tokens = fnn.New(ctx.In("002_fnn"), tokens, embedDim).NumHiddenLayers(1, embedDim).Done()
		tokens = Add(tokens, attentionOutput)
		tokens = layers.LayerNormalization(ctx.In("003_normalization"), tokens, -1).Done()
		tokens = Add(tokens, residual)
	}
	return tokens
}

// EdemaHead reads the classification logits off the token at position 0 of
// an encoded [B, T, E] sequence.
func EdemaHead(ctx *context.Context, tokens *Node) *Node {
	tokens.AssertRank(3)
	batchSize := tokens.Shape().Dimensions[0]
	embedDim := tokens.Shape().Dimensions[2]
	cls := Reshape(Slice(tokens, AxisRange(), AxisElem(0), AxisRange()), batchSize, embedDim)
	return layers.Dense(ctx.In("readout"), cls, true, NumEdemaClasses)
}

// ClassifierModelFn composes an encoder with EdemaHead into a
// train.ModelFn returning [B, NumEdemaClasses] logits.
func ClassifierModelFn(encoder EncoderGraph) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		tokens := encoder(ctx.In("encoder"), inputs[0])
		logits := EdemaHead(ctx.In("edema_head"), tokens)
		return []*Node{logits}
	}
}

// EdemaModelGraph implements train.ModelFn for the edema classifier with
// the packaged M3T encoder.
func EdemaModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return ClassifierModelFn(M3TEncoderGraph)(ctx, spec, inputs)
}

// pretextHead pools the encoded tokens and predicts the pretext class. The
// classification token is left out so it stays dedicated to the supervised
// readout.
func pretextHead(ctx *context.Context, tokens *Node, numClasses int) *Node {
	rest := Slice(tokens, AxisRange(), AxisRange(1, tokens.Shape().Dimensions[1]), AxisRange())
	pooled := ReduceMean(rest, 1)
	return layers.Dense(ctx, pooled, true, numClasses)
}

// RotationModelGraph implements train.ModelFn for the rotation pretext
// task. It shares the "encoder" scope with EdemaModelGraph, so weights
// pretrained here carry over to supervised training.
func RotationModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens := M3TEncoderGraph(ctx.In("encoder"), inputs[0])
	logits := pretextHead(ctx.In("rotation_head"), tokens, NumRotationClasses)
	return []*Node{logits}
}

// JigsawModelGraph implements train.ModelFn for the jigsaw pretext task:
// a binary prediction of whether the volume's depth slices were shuffled.
func JigsawModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	tokens := M3TEncoderGraph(ctx.In("encoder"), inputs[0])
	logits := pretextHead(ctx.In("jigsaw_head"), tokens, NumJigsawClasses)
	return []*Node{logits}
}
