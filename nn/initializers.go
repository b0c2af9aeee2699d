// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Layers are float32; quantization-aware training simulates low bit-widths
// in full-precision arithmetic, so the variable dtype never changes.
const layersDType = dtypes.Float32

// glorotUniform returns a float32 tensor with the given dimensions, sampled
// uniformly from [-limit, limit] with limit = sqrt(3 / ((fanIn+fanOut)/2)).
//
// Fan counts follow the usual convention: for 2D shapes (dense weights) the
// two axes are fanIn and fanOut; for higher ranks (convolution kernels,
// shaped [spatial..., in, out]) both are multiplied by the receptive field
// size.
func glorotUniform(dimensions ...int) *tensors.Tensor {
	fanIn, fanOut := fanInFanOut(dimensions)
	scale := max(1.0, float64(fanIn+fanOut)/2.0)
	limit := math.Sqrt(3.0 / scale)
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(rand.Float64()*2*limit - limit)
	}
	return tensors.FromFlatDataAndDimensions(data, dimensions...)
}

// zeros returns a zero-initialized float32 tensor with the given dimensions.
func zeros(dimensions ...int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(layersDType, dimensions...))
}

// fanInFanOut mirrors the fan computation used by GoMLX initializers for
// dense weights and convolution kernels.
func fanInFanOut(dimensions []int) (fanIn, fanOut int) {
	rank := len(dimensions)
	switch rank {
	case 0:
		fanIn = 1
		fanOut = 1
	case 1:
		fanIn = 0
		fanOut = 0
	case 2:
		fanIn = dimensions[0]
		fanOut = dimensions[1]
	default:
		receptiveFieldSize := 1
		for _, dim := range dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = dimensions[rank-2] * receptiveFieldSize
		fanOut = dimensions[rank-1] * receptiveFieldSize
	}
	return
}
