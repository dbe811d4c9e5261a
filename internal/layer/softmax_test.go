package layer

import (
	"math"
	"testing"

	"github.com/born-ml/convnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestSoftmax_SumsToOneAndIsShiftInvariant(t *testing.T) {
	inputs := [][]float64{
		{1, 2, 3, 4},
		{-1000, 0, 1000, 999},
		{0, 0, 0, 0},
		{1e-9, -3.5, 7.25, 2},
	}
	for _, x := range inputs {
		p := make([]float64, len(x))
		softmaxInto(p, x)
		assert.InDelta(t, 1.0, floats.Sum(p), 1e-12)
		for _, v := range p {
			assert.False(t, math.IsNaN(v))
		}

		for _, c := range []float64{-50, 3, 700} {
			shifted := make([]float64, len(x))
			for i, v := range x {
				shifted[i] = v + c
			}
			q := make([]float64, len(x))
			softmaxInto(q, shifted)
			assert.InDeltaSlice(t, p, q, 1e-12)
		}
	}
}

func TestSoftmax_BackPropagatePanics(t *testing.T) {
	sm := NewSoftmax()
	wire(t, 1, tensor.Flat(3), sm)
	assert.Panics(t, func() { sm.BackPropagate() })
}

func TestSoftmax_InjectCrossEntropyGradient(t *testing.T) {
	sm := NewSoftmax()
	in, _ := wire(t, 2, tensor.Flat(3), sm)
	copy(in.Output().ActivationData(), []float64{0.2, -1, 3, 1, 1, 1})
	sm.Forward()

	labels := []int{2, 0}
	sm.InjectCrossEntropyGradient(labels, 1)
	for i, label := range labels {
		p := sm.Probabilities(i)
		dx := in.Output().Gradients(i)
		for j := range p {
			want := p[j]
			if j == label {
				want--
			}
			assert.Equal(t, want, dx[j])
		}
	}

	sm.InjectCrossEntropyGradient(labels, 0.5)
	assert.InDelta(t, 0.5*(sm.Probabilities(1)[0]-1), in.Output().Gradients(1)[0], 1e-15)
	assert.Panics(t, func() { sm.InjectCrossEntropyGradient([]int{1}, 1) })
}

func TestSoftmax_CrossEntropyGradientMatchesFiniteDifferences(t *testing.T) {
	sm := NewSoftmax()
	in, _ := wire(t, 1, tensor.Flat(5), sm)
	x := in.Output().ActivationData()
	fillRandom(x, 41)
	const label = 3

	loss := func() float64 {
		sm.Forward()
		return CrossEntropy(sm.Probabilities(0), label)
	}
	loss()
	sm.InjectCrossEntropyGradient([]int{label}, 1)

	dx := in.Output().GradientData()
	for i := range x {
		num := numericGrad(&x[i], loss)
		assert.InDelta(t, num, dx[i], 1e-6*math.Max(1, math.Abs(num)), "unit %d", i)
	}
}

func TestCrossEntropy(t *testing.T) {
	assert.InDelta(t, -math.Log(0.25), CrossEntropy([]float64{0.25, 0.75}, 0), 1e-12)
	assert.False(t, math.IsInf(CrossEntropy([]float64{0, 1}, 0), 0))
	require.InDelta(t, 0.0, CrossEntropy([]float64{0, 1}, 1), 1e-15)
}
