package nn_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/model"
	"github.com/gomlx/qat/nn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// testLinear returns a 3->2 layer with fixed weights [[1,4],[2,5],[3,6]].
func testLinear(t *testing.T, withBias bool) *nn.Linear {
	t.Helper()
	builder := nn.NewLinear(3, 2)
	if !withBias {
		builder.NoBias()
	}
	layer := builder.Done()
	layer.Weight.SetValue(tensors.FromFlatDataAndDimensions(
		[]float32{1, 4, 2, 5, 3, 6}, 3, 2))
	if withBias {
		layer.Bias.SetValue(tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2))
	}
	return layer
}

func TestLinearForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	layer := testLinear(t, true)
	exec := must.M1(model.NewExec(backend, layer.Forward))

	got := exec.Call1([][]float32{{1, 1, 1}, {1, 2, 3}})
	want := tensors.FromAnyValue([][]float32{{6.5, 14.5}, {14.5, 31.5}})
	require.True(t, want.InDelta(got, 1e-5), "got %s", got.GoStr())
}

func TestLinearNoBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	layer := testLinear(t, false)
	require.Nil(t, layer.Bias)

	exec := must.M1(model.NewExec(backend, layer.Forward))
	got := exec.Call1([][]float32{{1, 1, 1}})
	want := tensors.FromAnyValue([][]float32{{6, 15}})
	require.True(t, want.InDelta(got, 1e-5), "got %s", got.GoStr())
}

func TestLinearBatchRanks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	layer := testLinear(t, true)
	exec := must.M1(model.NewExec(backend, layer.Forward))

	// Rank 3: leading axes are batch, flattened and restored around the
	// matrix multiplication.
	got := exec.Call1(tensors.FromFlatDataAndDimensions(
		[]float32{1, 1, 1, 1, 2, 3}, 2, 1, 3))
	want := tensors.FromFlatDataAndDimensions(
		[]float32{6.5, 14.5, 14.5, 31.5}, 2, 1, 2)
	require.True(t, want.InDelta(got, 1e-5), "got %s", got.GoStr())

	// Rank 1: a single vector maps to a single vector.
	got = exec.Call1([]float32{1, 1, 1})
	want = tensors.FromAnyValue([]float32{6.5, 14.5})
	require.True(t, want.InDelta(got, 1e-5), "got %s", got.GoStr())
}

func TestLinearValidation(t *testing.T) {
	require.Panics(t, func() { nn.NewLinear(0, 2).Done() })
	require.Panics(t, func() { nn.NewLinear(3, -1).Done() })

	backend := graphtest.BuildTestBackend()
	layer := testLinear(t, true)
	require.Panics(t, func() {
		exec := must.M1(model.NewExec(backend, layer.Forward))
		exec.Call1([][]float32{{1, 2}})
	}, "feature-count mismatch must be rejected at graph building time")
}
