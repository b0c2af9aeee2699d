package nn_test

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/model"
	"github.com/gomlx/qat/nn"
	"github.com/stretchr/testify/require"
)

// scaleModule is a minimal leaf Module used to exercise the container
// plumbing with a type the package knows nothing about.
type scaleModule struct {
	factor float64
}

func (m *scaleModule) Forward(x *Node) *Node {
	return MulScalar(x, m.factor)
}

func (m *scaleModule) Clone() nn.Module {
	clone := *m
	return &clone
}

func TestSequentialForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// First layer shifts, second scales: the result depends on the order,
	// so this catches any re-ordering of the chain.
	lin1 := nn.NewLinear(2, 2).Done()
	lin1.Weight.SetValue(tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2))
	lin1.Bias.SetValue(tensors.FromFlatDataAndDimensions([]float32{1, -1}, 2))
	lin2 := nn.NewLinear(2, 2).NoBias().Done()
	lin2.Weight.SetValue(tensors.FromFlatDataAndDimensions([]float32{2, 0, 0, 3}, 2, 2))
	seq := nn.NewSequential(lin1, lin2)

	exec, err := model.NewExec(backend, seq.Forward)
	require.NoError(t, err)
	got := exec.Call1([][]float32{{1, 2}})
	require.True(t, tensors.FromAnyValue([][]float32{{4, 3}}).InDelta(got, 1e-6),
		"got %s", got.GoStr())
}

func TestSequentialChildren(t *testing.T) {
	seq := nn.NewSequential(&scaleModule{factor: 2}, &scaleModule{factor: 3})
	seq.Add("head", &scaleModule{factor: 4})
	seq.Add("", &scaleModule{factor: 5})

	children := seq.Children()
	require.Len(t, children, 4)
	require.Equal(t, []string{"0", "1", "head", "3"}, []string{
		children[0].Name, children[1].Name, children[2].Name, children[3].Name,
	})

	require.Panics(t, func() { seq.Add("head", &scaleModule{factor: 6}) },
		"duplicate names must be rejected")
}

func TestSequentialReplace(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	seq := nn.NewSequential(&scaleModule{factor: 2}, &scaleModule{factor: 3})

	seq.Replace("1", &scaleModule{factor: 10})
	exec, err := model.NewExec(backend, seq.Forward)
	require.NoError(t, err)
	got := exec.Call1(float32(1))
	require.Equal(t, float32(20), tensors.ToScalar[float32](got))

	require.Panics(t, func() { seq.Replace("nope", &scaleModule{factor: 1}) })
}

func TestSequentialClone(t *testing.T) {
	inner := nn.NewSequential(nn.NewLinear(3, 2).Done())
	seq := nn.NewSequential(nn.NewLinear(4, 3).Done(), inner)

	clone := seq.Clone().(*nn.Sequential)
	require.NotSame(t, seq, clone)

	origLin := seq.Layers[0].Module.(*nn.Linear)
	cloneLin := clone.Layers[0].Module.(*nn.Linear)
	require.NotSame(t, origLin, cloneLin)
	require.NotSame(t, origLin.Weight, cloneLin.Weight)
	require.True(t, origLin.Weight.Value().InDelta(cloneLin.Weight.Value(), 0),
		"cloned weights must start with the same values")

	// The nested container must be cloned recursively.
	origInner := seq.Layers[1].Module.(*nn.Sequential)
	cloneInner := clone.Layers[1].Module.(*nn.Sequential)
	require.NotSame(t, origInner, cloneInner)
	require.NotSame(t,
		origInner.Layers[0].Module.(*nn.Linear).Weight,
		cloneInner.Layers[0].Module.(*nn.Linear).Weight)

	// Mutating the clone's weights must leave the original untouched.
	before := tensors.MustCopyFlatData[float32](origLin.Weight.Value())
	newData := make([]float32, 4*3)
	for i := range newData {
		newData[i] = 7
	}
	cloneLin.Weight.SetValue(tensors.FromFlatDataAndDimensions(newData, 4, 3))
	require.Equal(t, before, tensors.MustCopyFlatData[float32](origLin.Weight.Value()))
}
