// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package qat rewrites a model for quantization-aware training (QAT): it
// walks the module tree and substitutes eligible layers (nn.Conv2D,
// nn.ConvTranspose2D, nn.Linear) with wrappers that fake-quantize their
// inputs and weights during the forward pass, DoReFa style. The rounding
// inside the quantizers uses a straight-through estimator, so gradients keep
// flowing to the original full-precision weights and the model remains
// trainable.
//
// The very first eligible layer of the model is left at full precision, the
// usual treatment for the layer that consumes raw input data. Wrappers share
// the original layers' weight and bias variables, so optimizer updates land
// in the same tensors whether or not a layer was wrapped.
//
// Usage:
//
//	m := nn.NewSequential(
//		nn.NewConv2D(3, 16, 3).Padding(1).Done(),
//		nn.NewConv2D(16, 32, 3).Strides(2).Done(),
//		nn.NewLinear(32, 10).Done(),
//	)
//	quantized := qat.Prepare(m).ActivationBits(4).WeightBits(4).Done()
//
// By default Prepare transforms a deep copy and the original model stays
// untouched; use InPlace to rewrite the model itself. Quantization is
// simulated in floating point (fake quantization): no layer ever computes in
// packed integer arithmetic, and 1-bit (binary) quantization is not
// supported.
package qat

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/qat/nn"
)

// DefaultBits is the bit-width Prepare uses for both activations and
// weights unless overridden.
const DefaultBits = 8

// PrepareBuilder holds the configuration of a quantization rewrite. Create
// it with Prepare, chain the optional settings, and call Done to run the
// rewrite.
type PrepareBuilder struct {
	root           nn.Module
	activationBits int
	weightBits     int
	inPlace        bool
}

// Prepare starts a quantization rewrite of the model. Defaults: 8-bit
// activations, 8-bit weights, operating on a deep copy.
func Prepare(m nn.Module) *PrepareBuilder {
	return &PrepareBuilder{
		root:           m,
		activationBits: DefaultBits,
		weightBits:     DefaultBits,
	}
}

// ActivationBits sets the bit-width used to quantize layer inputs on every
// rewritten layer. 32 disables input quantization; 1 is not supported and
// panics when the first layer is wrapped.
func (b *PrepareBuilder) ActivationBits(bits int) *PrepareBuilder {
	b.activationBits = bits
	return b
}

// WeightBits sets the bit-width used to quantize weights on every rewritten
// layer. 32 disables weight quantization; 1 is not supported and panics when
// the first layer is wrapped.
func (b *PrepareBuilder) WeightBits(bits int) *PrepareBuilder {
	b.weightBits = bits
	return b
}

// InPlace makes Done mutate the given model directly instead of rewriting a
// deep copy.
func (b *PrepareBuilder) InPlace() *PrepareBuilder {
	b.inPlace = true
	return b
}

// Done runs the rewrite and returns the transformed model. Unless InPlace
// was set, the returned tree is a deep copy and the original model remains
// fully usable and unchanged.
//
// The traversal visits children of every container in their stable
// declaration order, counting eligible layers across the whole tree with a
// single shared counter. If the model itself is an eligible leaf (not a
// container), there are no children to rewrite and it is returned as is.
func (b *PrepareBuilder) Done() nn.Module {
	root := b.root
	if !b.inPlace {
		root = root.Clone()
	}
	counter := 0
	b.rewrite(root, "", &counter)
	return root
}

// rewrite replaces eligible leaves among the children of m (when it is a
// container), recursing into everything else. counter is shared by the whole
// traversal so that exactly one layer, the first eligible one anywhere in
// the tree, is skipped.
func (b *PrepareBuilder) rewrite(m nn.Module, path string, counter *int) {
	container, ok := m.(nn.Container)
	if !ok {
		return
	}
	for _, child := range container.Children() {
		childPath := path + "/" + child.Name
		var wrapped nn.Module
		switch layer := child.Module.(type) {
		case *nn.Conv2D:
			if quantizeNext(counter, childPath) {
				wrapped = NewQuantConv2D(layer, b.activationBits, b.weightBits)
			}
		case *nn.ConvTranspose2D:
			if quantizeNext(counter, childPath) {
				wrapped = NewQuantConvTranspose2D(layer, b.activationBits, b.weightBits)
			}
		case *nn.Linear:
			if quantizeNext(counter, childPath) {
				wrapped = NewQuantLinear(layer, b.activationBits, b.weightBits)
			}
		default:
			// Containers are recursed into; unsupported leaves have no
			// children and are left untouched (and not counted).
			b.rewrite(child.Module, childPath, counter)
		}
		if wrapped != nil {
			klog.V(1).Infof("qat: replacing %q with %T (activations %d bits, weights %d bits)",
				childPath, wrapped, b.activationBits, b.weightBits)
			container.Replace(child.Name, wrapped)
		}
	}
}

// quantizeNext counts one more eligible layer and reports whether it should
// be quantized: every eligible layer is, except the first one found.
func quantizeNext(counter *int, path string) bool {
	*counter++
	if *counter == 1 {
		klog.V(1).Infof("qat: leaving first eligible layer %q at full precision", path)
		return false
	}
	return true
}
