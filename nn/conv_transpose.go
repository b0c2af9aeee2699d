// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/model"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
)

// ConvTranspose2D is a 2D transposed convolution (also called fractionally
// strided convolution) over channels-last inputs, shaped
// [batch, height, width, channels]. It up-samples: with stride s, padding p,
// dilation d, kernel size k and output padding op, each spatial dimension
// maps from `in` to `(in-1)*s - 2*p + d*(k-1) + op + 1`.
//
// It is computed as a stride-1 convolution over the input with stride-1
// zeros interleaved between its elements, which keeps every step of the
// graph differentiable.
type ConvTranspose2D struct {
	InChannels  int
	OutChannels int
	KernelSize  [2]int
	Strides     [2]int
	Padding     [2]int

	// OutputPadding adds extra rows/columns at the bottom/right of the
	// output, to disambiguate among the input sizes that a strided
	// convolution would map to the same output size.
	OutputPadding [2]int

	Dilations [2]int

	// Groups splits input and output channels into independent groups.
	// The backend does not implement back-propagation for grouped
	// convolutions yet, so layers with Groups > 1 are inference-only.
	Groups int

	// Weight is shaped [KernelSize[0], KernelSize[1], InChannels/Groups,
	// OutChannels]. It is stored in the orientation the internal stride-1
	// convolution consumes: the layer correlates the zero-interleaved
	// input directly with this kernel, no flipping happens in the graph.
	Weight *model.Variable

	// Bias is shaped [OutChannels]; nil when the layer has no bias.
	Bias *model.Variable
}

var _ Module = (*ConvTranspose2D)(nil)

// ConvTranspose2DBuilder configures a ConvTranspose2D layer. Create it with
// NewConvTranspose2D, chain the optional settings, and call Done to
// materialize the layer (weights Glorot-uniform, bias zeros).
type ConvTranspose2DBuilder struct {
	inChannels, outChannels int
	kernelSize              [2]int
	strides                 [2]int
	padding                 [2]int
	outputPadding           [2]int
	dilations               [2]int
	groups                  int
	useBias                 bool
}

// NewConvTranspose2D starts the configuration of a 2D transposed convolution
// layer with a square kernel of the given size. Defaults: stride 1, no
// padding, no output padding, dilation 1, one group, with bias.
func NewConvTranspose2D(inChannels, outChannels, kernelSize int) *ConvTranspose2DBuilder {
	return &ConvTranspose2DBuilder{
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
func (b *ConvTranspose2DBuilder) KernelSizePerDim(height, width int) *ConvTranspose2DBuilder {
	b.kernelSize = [2]int{height, width}
	return b
}

// Strides sets the same stride for both spatial dimensions.
func (b *ConvTranspose2DBuilder) Strides(stride int) *ConvTranspose2DBuilder {
	return b.StridePerDim(stride, stride)
}

// StridePerDim sets the stride for each spatial dimension.
func (b *ConvTranspose2DBuilder) StridePerDim(strideHeight, strideWidth int) *ConvTranspose2DBuilder {
	b.strides = [2]int{strideHeight, strideWidth}
	return b
}

// Padding sets the same padding for both spatial dimensions. For a
// transposed convolution, padding shrinks the output.
func (b *ConvTranspose2DBuilder) Padding(padding int) *ConvTranspose2DBuilder {
	return b.PaddingPerDim(padding, padding)
}

// PaddingPerDim sets the padding for each spatial dimension.
func (b *ConvTranspose2DBuilder) PaddingPerDim(paddingHeight, paddingWidth int) *ConvTranspose2DBuilder {
	b.padding = [2]int{paddingHeight, paddingWidth}
	return b
}

// OutputPadding sets the same extra output size for both spatial dimensions.
func (b *ConvTranspose2DBuilder) OutputPadding(padding int) *ConvTranspose2DBuilder {
	return b.OutputPaddingPerDim(padding, padding)
}

// OutputPaddingPerDim sets the extra output size for each spatial dimension.
// It must be smaller than the corresponding stride or dilation.
func (b *ConvTranspose2DBuilder) OutputPaddingPerDim(paddingHeight, paddingWidth int) *ConvTranspose2DBuilder {
	b.outputPadding = [2]int{paddingHeight, paddingWidth}
	return b
}

// Dilations sets the same kernel dilation for both spatial dimensions.
func (b *ConvTranspose2DBuilder) Dilations(dilation int) *ConvTranspose2DBuilder {
	return b.DilationPerDim(dilation, dilation)
}

// DilationPerDim sets the kernel dilation for each spatial dimension.
func (b *ConvTranspose2DBuilder) DilationPerDim(dilationHeight, dilationWidth int) *ConvTranspose2DBuilder {
	b.dilations = [2]int{dilationHeight, dilationWidth}
	return b
}

// Groups splits channels into the given number of independent groups.
func (b *ConvTranspose2DBuilder) Groups(groups int) *ConvTranspose2DBuilder {
	b.groups = groups
	return b
}

// NoBias disables the bias term.
func (b *ConvTranspose2DBuilder) NoBias() *ConvTranspose2DBuilder {
	b.useBias = false
	return b
}

// Done validates the configuration and returns the initialized layer.
func (b *ConvTranspose2DBuilder) Done() *ConvTranspose2D {
	if b.inChannels < 1 || b.outChannels < 1 {
		Panicf("nn.ConvTranspose2D: channel counts must be positive, got in=%d, out=%d",
			b.inChannels, b.outChannels)
	}
	if b.kernelSize[0] < 1 || b.kernelSize[1] < 1 {
		Panicf("nn.ConvTranspose2D: kernel size must be positive, got %v", b.kernelSize)
	}
	if b.strides[0] < 1 || b.strides[1] < 1 {
		Panicf("nn.ConvTranspose2D: strides must be >= 1, got %v", b.strides)
	}
	if b.dilations[0] < 1 || b.dilations[1] < 1 {
		Panicf("nn.ConvTranspose2D: dilations must be >= 1, got %v", b.dilations)
	}
	if b.padding[0] < 0 || b.padding[1] < 0 {
		Panicf("nn.ConvTranspose2D: padding must be >= 0, got %v", b.padding)
	}
	for dim := 0; dim < 2; dim++ {
		op := b.outputPadding[dim]
		if op < 0 || (op >= b.strides[dim] && op >= b.dilations[dim]) {
			Panicf("nn.ConvTranspose2D: output padding (%v) must be non-negative and "+
				"smaller than either the stride (%v) or the dilation (%v)",
				b.outputPadding, b.strides, b.dilations)
		}
	}
	if b.groups < 1 {
		Panicf("nn.ConvTranspose2D: groups must be >= 1, got %d", b.groups)
	}
	if b.inChannels%b.groups != 0 || b.outChannels%b.groups != 0 {
		Panicf("nn.ConvTranspose2D: channel counts (in=%d, out=%d) must be divisible by groups (%d)",
			b.inChannels, b.outChannels, b.groups)
	}
	layer := &ConvTranspose2D{
		InChannels:    b.inChannels,
		OutChannels:   b.outChannels,
		KernelSize:    b.kernelSize,
		Strides:       b.strides,
		Padding:       b.padding,
		OutputPadding: b.outputPadding,
		Dilations:     b.dilations,
		Groups:        b.groups,
		Weight: must.M1(model.VariableWithValue("weight",
			glorotUniform(b.kernelSize[0], b.kernelSize[1], b.inChannels/b.groups, b.outChannels))),
	}
	if b.useBias {
		layer.Bias = must.M1(model.VariableWithValue("bias", zeros(b.outChannels)))
	}
	return layer
}

// Forward applies the transposed convolution with the layer's own weight.
func (l *ConvTranspose2D) Forward(x *Node) *Node {
	return l.Apply(x, l.Weight.ValueGraph(x.Graph()))
}

// Apply runs the transposed convolution of x with the given kernel node,
// which must have the layer's weight shape. Quantized wrappers use it to
// inject a transformed weight while reusing the layer's configuration.
func (l *ConvTranspose2D) Apply(x, kernel *Node) *Node {
	if x.Rank() != 4 {
		Panicf("nn.ConvTranspose2D: input must be rank-4 [batch, height, width, channels], got shape %s",
			x.Shape())
	}
	if got := x.Shape().Dim(-1); got != l.InChannels {
		Panicf("nn.ConvTranspose2D: input has %d channels, layer expects %d", got, l.InChannels)
	}

	// Fractional stride: interleave stride-1 zeros between input elements.
	for dim := 0; dim < 2; dim++ {
		x = interleaveZeros(x, 1+dim, l.Strides[dim])
	}

	// The effective padding of the equivalent stride-1 convolution is
	// dilation*(kernel-1) - padding at the start and the same plus the
	// output padding at the end. Negative amounts become crops.
	var convPadding [2][2]int
	for dim := 0; dim < 2; dim++ {
		low := l.Dilations[dim]*(l.KernelSize[dim]-1) - l.Padding[dim]
		high := low + l.OutputPadding[dim]
		if low < 0 || high < 0 {
			axis := 1 + dim
			from, to := 0, x.Shape().Dim(axis)
			if low < 0 {
				from = -low
				low = 0
			}
			if high < 0 {
				to += high
				high = 0
			}
			specs := make([]SliceAxisSpec, x.Rank())
			for i := range specs {
				specs[i] = AxisRange()
			}
			specs[axis] = AxisRange(from, to)
			x = Slice(x, specs...)
		}
		convPadding[dim] = [2]int{low, high}
	}

	conv := Convolve(x, kernel)
	if convPadding != ([2][2]int{}) {
		conv.PaddingPerDim(convPadding[:])
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
func (l *ConvTranspose2D) Clone() Module {
	clone := *l
	clone.Weight = cloneVariable(l.Weight)
	clone.Bias = cloneVariable(l.Bias)
	return &clone
}

// interleaveZeros inserts stride-1 zeros between consecutive elements of x
// along the given axis, mapping a dimension of size n to (n-1)*stride+1.
// It is a no-op for stride 1.
func interleaveZeros(x *Node, axis, stride int) *Node {
	if stride <= 1 {
		return x
	}
	g := x.Graph()
	n := x.Shape().Dim(axis)

	// [..., n, ...] -> [..., n, 1, ...] -> [..., n, stride, ...]
	expanded := InsertAxes(x, axis+1)
	zerosShape := expanded.Shape().Clone()
	zerosShape.Dimensions[axis+1] = stride - 1
	blocks := Concatenate([]*Node{expanded, Zeros(g, zerosShape)}, axis+1)

	// Collapse the blocks and drop the stride-1 trailing zeros.
	newDims := x.Shape().Clone().Dimensions
	newDims[axis] = n * stride
	flat := Reshape(blocks, newDims...)
	specs := make([]SliceAxisSpec, flat.Rank())
	for i := range specs {
		specs[i] = AxisRange()
	}
	specs[axis] = AxisRange(0, (n-1)*stride+1)
	return Slice(flat, specs...)
}
