// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/model"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
)

// Conv2D is a 2D convolution layer over channels-last inputs, shaped
// [batch, height, width, channels].
//
// Build one with NewConv2D. The fields are exported so model.IterVariables
// can find the weights and so the qat rewriter can read the configuration,
// but they should be treated as read-only after construction.
type Conv2D struct {
	InChannels  int
	OutChannels int
	KernelSize  [2]int
	Strides     [2]int
	Padding     [2]int
	Dilations   [2]int

	// Groups splits input and output channels into independent groups
	// (ChannelGroupCount in graph.Convolve). Note the backend does not
	// implement back-propagation for grouped convolutions yet, so layers
	// with Groups > 1 are inference-only.
	Groups int

	// Weight is shaped [KernelSize[0], KernelSize[1], InChannels/Groups,
	// OutChannels], the kernel layout graph.Convolve consumes for
	// channels-last inputs.
	Weight *model.Variable

	// Bias is shaped [OutChannels]; nil when the layer has no bias.
	Bias *model.Variable
}

var _ Module = (*Conv2D)(nil)

// Conv2DBuilder configures a Conv2D layer. Create it with NewConv2D, chain
// the optional settings, and call Done to materialize the layer (weights
// Glorot-uniform, bias zeros).
type Conv2DBuilder struct {
	inChannels, outChannels int
	kernelSize              [2]int
	strides                 [2]int
	padding                 [2]int
	dilations               [2]int
	groups                  int
	useBias                 bool
}

// NewConv2D starts the configuration of a 2D convolution layer with a square
// kernel of the given size. Defaults: stride 1, no padding, dilation 1, one
// group, with bias.
func NewConv2D(inChannels, outChannels, kernelSize int) *Conv2DBuilder {
	return &Conv2DBuilder{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  [2]int{kernelSize, kernelSize},
		strides:     [2]int{1, 1},
		dilations:   [2]int{1, 1},
		groups:      1,
		useBias:     true,
	}
}

// KernelSizePerDim sets a rectangular kernel, height by width.
func (b *Conv2DBuilder) KernelSizePerDim(height, width int) *Conv2DBuilder {
	b.kernelSize = [2]int{height, width}
	return b
}

// Strides sets the same stride for both spatial dimensions.
func (b *Conv2DBuilder) Strides(stride int) *Conv2DBuilder {
	return b.StridePerDim(stride, stride)
}

// StridePerDim sets the stride for each spatial dimension.
func (b *Conv2DBuilder) StridePerDim(strideHeight, strideWidth int) *Conv2DBuilder {
	b.strides = [2]int{strideHeight, strideWidth}
	return b
}

// Padding sets the same symmetric zero padding for both spatial dimensions.
func (b *Conv2DBuilder) Padding(padding int) *Conv2DBuilder {
	return b.PaddingPerDim(padding, padding)
}

// PaddingPerDim sets the symmetric zero padding for each spatial dimension.
func (b *Conv2DBuilder) PaddingPerDim(paddingHeight, paddingWidth int) *Conv2DBuilder {
	b.padding = [2]int{paddingHeight, paddingWidth}
	return b
}

// Dilations sets the same kernel dilation for both spatial dimensions.
func (b *Conv2DBuilder) Dilations(dilation int) *Conv2DBuilder {
	return b.DilationPerDim(dilation, dilation)
}

// DilationPerDim sets the kernel dilation for each spatial dimension.
func (b *Conv2DBuilder) DilationPerDim(dilationHeight, dilationWidth int) *Conv2DBuilder {
	b.dilations = [2]int{dilationHeight, dilationWidth}
	return b
}

// Groups splits channels into the given number of independent groups.
func (b *Conv2DBuilder) Groups(groups int) *Conv2DBuilder {
	b.groups = groups
	return b
}

// NoBias disables the bias term.
func (b *Conv2DBuilder) NoBias() *Conv2DBuilder {
	b.useBias = false
	return b
}

// Done validates the configuration and returns the initialized layer.
func (b *Conv2DBuilder) Done() *Conv2D {
	if b.inChannels < 1 || b.outChannels < 1 {
		Panicf("nn.Conv2D: channel counts must be positive, got in=%d, out=%d",
			b.inChannels, b.outChannels)
	}
	if b.kernelSize[0] < 1 || b.kernelSize[1] < 1 {
		Panicf("nn.Conv2D: kernel size must be positive, got %v", b.kernelSize)
	}
	if b.strides[0] < 1 || b.strides[1] < 1 {
		Panicf("nn.Conv2D: strides must be >= 1, got %v", b.strides)
	}
	if b.dilations[0] < 1 || b.dilations[1] < 1 {
		Panicf("nn.Conv2D: dilations must be >= 1, got %v", b.dilations)
	}
	if b.padding[0] < 0 || b.padding[1] < 0 {
		Panicf("nn.Conv2D: padding must be >= 0, got %v", b.padding)
	}
	if b.groups < 1 {
		Panicf("nn.Conv2D: groups must be >= 1, got %d", b.groups)
	}
	if b.inChannels%b.groups != 0 || b.outChannels%b.groups != 0 {
		Panicf("nn.Conv2D: channel counts (in=%d, out=%d) must be divisible by groups (%d)",
			b.inChannels, b.outChannels, b.groups)
	}
	stridesSet := b.strides[0] != 1 || b.strides[1] != 1
	dilationsSet := b.dilations[0] != 1 || b.dilations[1] != 1
	if stridesSet && dilationsSet {
		Panicf("nn.Conv2D: strides (%v) and dilations (%v) cannot be combined, "+
			"graph.Convolve supports only one of them at a time", b.strides, b.dilations)
	}
	layer := &Conv2D{
		InChannels:  b.inChannels,
		OutChannels: b.outChannels,
		KernelSize:  b.kernelSize,
		Strides:     b.strides,
		Padding:     b.padding,
		Dilations:   b.dilations,
		Groups:      b.groups,
		Weight: must.M1(model.VariableWithValue("weight",
			glorotUniform(b.kernelSize[0], b.kernelSize[1], b.inChannels/b.groups, b.outChannels))),
	}
	if b.useBias {
		layer.Bias = must.M1(model.VariableWithValue("bias", zeros(b.outChannels)))
	}
	return layer
}

// Forward convolves x with the layer's own weight.
func (l *Conv2D) Forward(x *Node) *Node {
	return l.Apply(x, l.Weight.ValueGraph(x.Graph()))
}

// Apply convolves x with the given kernel node, using the layer's strides,
// padding, dilations, groups, and bias. The kernel must have the layer's
// weight shape -- this is the seam quantized wrappers use to inject a
// transformed weight while reusing the layer's configuration.
func (l *Conv2D) Apply(x, kernel *Node) *Node {
	if x.Rank() != 4 {
		Panicf("nn.Conv2D: input must be rank-4 [batch, height, width, channels], got shape %s",
			x.Shape())
	}
	if got := x.Shape().Dim(-1); got != l.InChannels {
		Panicf("nn.Conv2D: input has %d channels, layer expects %d", got, l.InChannels)
	}
	conv := Convolve(x, kernel)
	if l.Strides[0] != 1 || l.Strides[1] != 1 {
		conv.StridePerDim(l.Strides[0], l.Strides[1])
	}
	if l.Padding[0] != 0 || l.Padding[1] != 0 {
		conv.PaddingPerDim([][2]int{
			{l.Padding[0], l.Padding[0]},
			{l.Padding[1], l.Padding[1]},
		})
	}
	if l.Dilations[0] != 1 || l.Dilations[1] != 1 {
		conv.DilationPerDim(l.Dilations[0], l.Dilations[1])
	}
	if l.Groups > 1 {
		conv.ChannelGroupCount(l.Groups)
	}
	y := conv.Done()
	if l.Bias != nil {
		y = Add(y, ExpandLeftToRank(l.Bias.ValueGraph(y.Graph()), y.Rank()))
	}
	return y
}

// Clone returns a deep copy with freshly copied weight and bias tensors.
func (l *Conv2D) Clone() Module {
	clone := *l
	clone.Weight = cloneVariable(l.Weight)
	clone.Bias = cloneVariable(l.Bias)
	return &clone
}
