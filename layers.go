// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qat

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/qat/nn"
	"github.com/gomlx/qat/quantizers"
)

// QuantConv2D runs a Conv2D on fake-quantized input and weight. It is a
// drop-in replacement for the wrapped layer: same hyperparameters, same
// output shapes, and the same weight and bias variables, so training the
// wrapper trains the original parameters through the straight-through
// estimator.
type QuantConv2D struct {
	// Conv is the wrapped layer. Its variables are shared, not copied.
	Conv *nn.Conv2D

	InputQuantizer  *quantizers.Activation
	WeightQuantizer *quantizers.Weight

	// FirstLayer, when set, skips the input quantization. A network's first
	// layer consumes raw data whose distribution differs from internal
	// activations, and quantizing it costs disproportionate accuracy.
	// Prepare never sets it: the first eligible layer is left unwrapped
	// altogether.
	FirstLayer bool
}

var _ nn.Module = (*QuantConv2D)(nil)

// NewQuantConv2D wraps conv with input and weight fake quantization at the
// given bit-widths. Bit-width 32 disables the respective quantizer;
// bit-width 1 is not supported and panics.
func NewQuantConv2D(conv *nn.Conv2D, activationBits, weightBits int) *QuantConv2D {
	return &QuantConv2D{
		Conv:            conv,
		InputQuantizer:  quantizers.NewActivation(activationBits),
		WeightQuantizer: quantizers.NewWeight(weightBits),
	}
}

// Forward quantizes the input (unless FirstLayer is set) and the weight,
// then runs the wrapped convolution with its stored hyperparameters and its
// untouched bias.
func (l *QuantConv2D) Forward(x *Node) *Node {
	if !l.FirstLayer {
		x = l.InputQuantizer.Quantize(x)
	}
	weight := l.WeightQuantizer.Quantize(l.Conv.Weight.ValueGraph(x.Graph()))
	return l.Conv.Apply(x, weight)
}

// Clone returns a deep copy: the wrapped layer's variables are copied and
// the quantizer configurations duplicated.
func (l *QuantConv2D) Clone() nn.Module {
	clone := *l
	clone.Conv = l.Conv.Clone().(*nn.Conv2D)
	inputQ := *l.InputQuantizer
	clone.InputQuantizer = &inputQ
	weightQ := *l.WeightQuantizer
	clone.WeightQuantizer = &weightQ
	return &clone
}

// QuantConvTranspose2D runs a ConvTranspose2D on fake-quantized input and
// weight. Unlike QuantConv2D it has no first-layer exemption: the input is
// always quantized, since a transposed convolution practically never sits at
// the front of a network consuming raw data.
type QuantConvTranspose2D struct {
	// Conv is the wrapped layer. Its variables are shared, not copied.
	Conv *nn.ConvTranspose2D

	InputQuantizer  *quantizers.Activation
	WeightQuantizer *quantizers.Weight
}

var _ nn.Module = (*QuantConvTranspose2D)(nil)

// NewQuantConvTranspose2D wraps conv with input and weight fake quantization
// at the given bit-widths.
func NewQuantConvTranspose2D(conv *nn.ConvTranspose2D, activationBits, weightBits int) *QuantConvTranspose2D {
	return &QuantConvTranspose2D{
		Conv:            conv,
		InputQuantizer:  quantizers.NewActivation(activationBits),
		WeightQuantizer: quantizers.NewWeight(weightBits),
	}
}

// Forward quantizes the input and the weight, then runs the wrapped
// transposed convolution.
func (l *QuantConvTranspose2D) Forward(x *Node) *Node {
	x = l.InputQuantizer.Quantize(x)
	weight := l.WeightQuantizer.Quantize(l.Conv.Weight.ValueGraph(x.Graph()))
	return l.Conv.Apply(x, weight)
}

// Clone returns a deep copy: the wrapped layer's variables are copied and
// the quantizer configurations duplicated.
func (l *QuantConvTranspose2D) Clone() nn.Module {
	clone := *l
	clone.Conv = l.Conv.Clone().(*nn.ConvTranspose2D)
	inputQ := *l.InputQuantizer
	clone.InputQuantizer = &inputQ
	weightQ := *l.WeightQuantizer
	clone.WeightQuantizer = &weightQ
	return &clone
}

// QuantLinear runs a Linear layer on fake-quantized input and weight. The
// input is always quantized (no first-layer exemption).
type QuantLinear struct {
	// Linear is the wrapped layer. Its variables are shared, not copied.
	Linear *nn.Linear

	InputQuantizer  *quantizers.Activation
	WeightQuantizer *quantizers.Weight
}

var _ nn.Module = (*QuantLinear)(nil)

// NewQuantLinear wraps linear with input and weight fake quantization at the
// given bit-widths.
func NewQuantLinear(linear *nn.Linear, activationBits, weightBits int) *QuantLinear {
	return &QuantLinear{
		Linear:          linear,
		InputQuantizer:  quantizers.NewActivation(activationBits),
		WeightQuantizer: quantizers.NewWeight(weightBits),
	}
}

// Forward quantizes the input and the weight, then applies the wrapped
// layer's affine transform with its untouched bias.
func (l *QuantLinear) Forward(x *Node) *Node {
	x = l.InputQuantizer.Quantize(x)
	weight := l.WeightQuantizer.Quantize(l.Linear.Weight.ValueGraph(x.Graph()))
	return l.Linear.Apply(x, weight)
}

// Clone returns a deep copy: the wrapped layer's variables are copied and
// the quantizer configurations duplicated.
func (l *QuantLinear) Clone() nn.Module {
	clone := *l
	clone.Linear = l.Linear.Clone().(*nn.Linear)
	inputQ := *l.InputQuantizer
	clone.InputQuantizer = &inputQ
	weightQ := *l.WeightQuantizer
	clone.WeightQuantizer = &weightQ
	return &clone
}
