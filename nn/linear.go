// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/model"
	mlnn "github.com/gomlx/gomlx/pkg/ml/nn"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/janpfeifer/must"
)

// Linear is a fully connected layer: y = x @ weight + bias. It accepts
// inputs of any rank >= 1 whose last axis has InFeatures elements, treating
// the leading axes as batch.
type Linear struct {
	InFeatures  int
	OutFeatures int

	// Weight is shaped [InFeatures, OutFeatures]: the input's last axis
	// contracts with its first axis.
	Weight *model.Variable

	// Bias is shaped [OutFeatures]; nil when the layer has no bias.
	Bias *model.Variable
}

var _ Module = (*Linear)(nil)

// LinearBuilder configures a Linear layer. Create it with NewLinear and call
// Done to materialize the layer (weight Glorot-uniform, bias zeros).
type LinearBuilder struct {
	inFeatures, outFeatures int
	useBias                 bool
}

// NewLinear starts the configuration of a fully connected layer mapping
// inFeatures to outFeatures. Default: with bias.
func NewLinear(inFeatures, outFeatures int) *LinearBuilder {
	return &LinearBuilder{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		useBias:     true,
	}
}

// NoBias disables the bias term.
func (b *LinearBuilder) NoBias() *LinearBuilder {
	b.useBias = false
	return b
}

// Done validates the configuration and returns the initialized layer.
func (b *LinearBuilder) Done() *Linear {
	if b.inFeatures < 1 || b.outFeatures < 1 {
		Panicf("nn.Linear: feature counts must be positive, got in=%d, out=%d",
			b.inFeatures, b.outFeatures)
	}
	layer := &Linear{
		InFeatures:  b.inFeatures,
		OutFeatures: b.outFeatures,
		Weight: must.M1(model.VariableWithValue("weight",
			glorotUniform(b.inFeatures, b.outFeatures))),
	}
	if b.useBias {
		layer.Bias = must.M1(model.VariableWithValue("bias", zeros(b.outFeatures)))
	}
	return layer
}

// Forward applies the linear transformation with the layer's own weight.
func (l *Linear) Forward(x *Node) *Node {
	return l.Apply(x, l.Weight.ValueGraph(x.Graph()))
}

// Apply computes x @ weight + bias with the given weight node, which must be
// shaped [InFeatures, OutFeatures]. Quantized wrappers use it to inject a
// transformed weight while reusing the layer's bias.
func (l *Linear) Apply(x, weight *Node) *Node {
	if got := x.Shape().Dim(-1); got != l.InFeatures {
		Panicf("nn.Linear: input has %d features, layer expects %d", got, l.InFeatures)
	}
	var bias *Node
	if l.Bias != nil {
		bias = l.Bias.ValueGraph(x.Graph())
	}
	return mlnn.Dense(x, weight, bias)
}

// Clone returns a deep copy with freshly copied weight and bias tensors.
func (l *Linear) Clone() Module {
	clone := *l
	clone.Weight = cloneVariable(l.Weight)
	clone.Bias = cloneVariable(l.Bias)
	return &clone
}
