// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantizers implements DoReFa-style fake quantization for
// quantization-aware training (QAT): tensors stay in floating point, but
// their values are snapped to the discrete levels a low-bit-width integer
// representation would allow, while gradients keep flowing through the
// rounding step.
//
// It provides three building blocks:
//
//   - RoundSTE: round-to-nearest-integer with a straight-through (identity)
//     gradient, the primitive that makes discretization trainable.
//   - Activation: quantizes post-activation tensors to 2^bits levels in
//     [0, 1], after a fixed 0.1 pre-scale and clamp.
//   - Weight: quantizes weight tensors to 2^bits levels in [-1, 1], after a
//     tanh bound and a tensor-global symmetric normalization.
//
// All transforms are stateless graph functions: they hold only their
// bit-width and recompute the quantization scale on every call. A bit-width
// of 32 is a sentinel meaning "pass through unquantized"; a bit-width of 1
// (binary quantization) requires a fundamentally different algorithm and is
// rejected.
package quantizers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// FullPrecisionBits is the sentinel bit-width that disables quantization:
// quantizers configured with it return their input unchanged.
const FullPrecisionBits = 32

// RoundSTE rounds x to the nearest integer, element-wise, using the
// backend's native rounding (so tie behavior matches the backend's Round).
//
// Unlike Round, it participates in reverse-mode autodiff: the gradient of
// the output with respect to x is the incoming adjoint unchanged (the
// straight-through estimator). It is built as
//
//	x + StopGradient(Round(x) - x)
//
// whose forward value is exactly Round(x) while the only differentiable
// path is the identity on x.
func RoundSTE(x *Node) *Node {
	return Add(x, StopGradient(Sub(Round(x), x)))
}

// stepSize returns the distance between adjacent quantization levels for the
// given bit-width, mapping [0, 1] onto 2^bits evenly spaced levels.
func stepSize(bits int) float64 {
	return 1.0 / float64((int64(1)<<bits)-1)
}

// validateBits panics on bit-widths the quantizers cannot represent.
// 1-bit (binary) quantization needs a different algorithm and is explicitly
// unsupported; bit-widths below 1 make the scale meaningless.
func validateBits(bits int) {
	if bits == 1 {
		Panicf("quantizers: 1-bit (binary) quantization is not supported, " +
			"it requires a different algorithm (e.g. sign-based binarization)")
	}
	if bits < 1 {
		Panicf("quantizers: invalid bit-width %d, it must be >= 2 (or %d for full precision)",
			bits, FullPrecisionBits)
	}
}

// Activation quantizes activation tensors (the outputs of previous layers)
// to 2^Bits evenly spaced levels in [0, 1].
//
// The input is first multiplied by a fixed 0.1 and clamped to [0, 1]:
// post-activation tensors can have a wide dynamic range, and the pre-scale
// reduces how many values saturate at the clamp boundaries. The clamped
// value is then divided by scale = 1/(2^Bits-1), rounded with RoundSTE, and
// multiplied back by scale.
type Activation struct {
	Bits int
}

// NewActivation returns an activation quantizer for the given bit-width.
// It panics if bits is 1 (unsupported) or below 1. Use
// FullPrecisionBits (32) to disable quantization.
func NewActivation(bits int) *Activation {
	validateBits(bits)
	return &Activation{Bits: bits}
}

// Quantize returns x snapped to the quantizer's levels, with gradients
// flowing through the rounding via the STE identity rule.
//
// For Bits == FullPrecisionBits it returns x itself, unchanged.
func (q *Activation) Quantize(x *Node) *Node {
	validateBits(q.Bits)
	if q.Bits == FullPrecisionBits {
		return x
	}
	out := ClipScalar(MulScalar(x, 0.1), 0, 1)
	scale := stepSize(q.Bits)
	return MulScalar(RoundSTE(DivScalar(out, scale)), scale)
}

// Weight quantizes weight tensors to 2^Bits evenly spaced levels in [-1, 1].
//
// The raw weights are first bounded with Tanh, then normalized to [0, 1] by
// dividing by twice the tensor-global maximum absolute value and adding 0.5
// (a symmetric normalization anchored at the tensor's own peak magnitude;
// the extremal element maps exactly onto an endpoint level). After the same
// quantize/dequantize step used for activations, the result is mapped back
// to [-1, 1] with 2*x - 1.
type Weight struct {
	Bits int
}

// NewWeight returns a weight quantizer for the given bit-width.
// It panics if bits is 1 (unsupported) or below 1. Use
// FullPrecisionBits (32) to disable quantization.
func NewWeight(bits int) *Weight {
	validateBits(bits)
	return &Weight{Bits: bits}
}

// Quantize returns w quantized and dequantized, same shape, gradient-flowing.
//
// For Bits == FullPrecisionBits it returns w itself, unchanged.
func (q *Weight) Quantize(w *Node) *Node {
	validateBits(q.Bits)
	if q.Bits == FullPrecisionBits {
		return w
	}
	t := Tanh(w)
	norm := AddScalar(Div(t, MulScalar(ReduceAllMax(Abs(t)), 2)), 0.5)
	scale := stepSize(q.Bits)
	quantized := MulScalar(RoundSTE(DivScalar(norm, scale)), scale)
	return MinusOne(MulScalar(quantized, 2))
}
