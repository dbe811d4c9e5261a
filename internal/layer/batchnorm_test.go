package layer

import (
	"math"
	"testing"

	"github.com/born-ml/convnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// normAfterFC wires input(Flat(in)) -> fc(units) -> batchnorm. Tests write the
// normalization input directly into the fully connected output.
func normAfterFC(t *testing.T, batch, units int) (*FullyConnected, *BatchNorm) {
	t.Helper()
	fc, err := NewFullyConnected(units)
	require.NoError(t, err)
	bn := NewBatchNorm()
	wire(t, batch, tensor.Flat(3), fc, bn)
	return fc, bn
}

// column returns feature f of a batch of flat examples.
func column(data []float64, units, f int) []float64 {
	var col []float64
	for i := f; i < len(data); i += units {
		col = append(col, data[i])
	}
	return col
}

func TestBatchNorm_RejectsUnsupportedPredecessor(t *testing.T) {
	relu := NewReLU()
	_, arena := wire(t, 1, tensor.Flat(4), relu)
	bn := NewBatchNorm()
	bn.SetID(2)
	assert.ErrorIs(t, bn.ConnectTo(relu, arena), ErrConfig)
}

func TestBatchNorm_TrainingStatistics(t *testing.T) {
	fc, bn := normAfterFC(t, 4, 2)
	x := fc.Output().ActivationData()
	copy(x, []float64{1, 10, 2, 20, 3, 30, 6, 40})

	bn.Forward()
	for f := 0; f < 2; f++ {
		mean, variance := stat.PopMeanVariance(column(x, 2, f), nil)
		assert.InDelta(t, mean, bn.Mean()[f], 1e-12)
		assert.InDelta(t, variance, bn.Variance()[f], 1e-12)
	}

	// Normalized output has zero mean and unit variance per feature.
	for f := 0; f < 2; f++ {
		mean, variance := stat.PopMeanVariance(column(bn.Output().ActivationData(), 2, f), nil)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, variance, 1e-4)
	}
}

func TestBatchNorm_TrainingIsDeterministic(t *testing.T) {
	fc, bn := normAfterFC(t, 3, 2)
	copy(fc.Output().ActivationData(), []float64{0.5, -1, 2, 3, -4, 0.25})

	bn.Forward()
	mean := append([]float64(nil), bn.Mean()...)
	variance := append([]float64(nil), bn.Variance()...)
	out := append([]float64(nil), bn.Output().ActivationData()...)

	bn.Forward()
	assert.Equal(t, mean, bn.Mean())
	assert.Equal(t, variance, bn.Variance())
	assert.Equal(t, out, bn.Output().ActivationData())
}

func TestBatchNorm_CumulativeMovesAtRateOneOverNPlusOne(t *testing.T) {
	fc, bn := normAfterFC(t, 2, 1)
	x := fc.Output().ActivationData()

	bn.ResetStatistics()
	copy(x, []float64{1, 3})
	bn.Forward()
	assert.Equal(t, 1, bn.Count())
	assert.InDelta(t, 2.0, bn.CumulativeMean()[0], 1e-12)
	assert.InDelta(t, 1.0, bn.CumulativeVariance()[0], 1e-12)

	for n, batchMean := range []float64{8, -4, 10} {
		prev := bn.CumulativeMean()[0]
		copy(x, []float64{batchMean - 1, batchMean + 1})
		bn.Forward()
		step := (batchMean - prev) / float64(n+2)
		assert.InDelta(t, prev+step, bn.CumulativeMean()[0], 1e-12)
	}
	assert.InDelta(t, (2.0+8-4+10)/4, bn.CumulativeMean()[0], 1e-12)

	// A new epoch restarts the average.
	bn.ResetStatistics()
	copy(x, []float64{5, 5})
	bn.Forward()
	assert.InDelta(t, 5.0, bn.CumulativeMean()[0], 1e-12)
}

func TestBatchNorm_InferenceNeverMutatesStatistics(t *testing.T) {
	fc, bn := normAfterFC(t, 4, 3)
	x := fc.Output().ActivationData()
	fillRandom(x, 21)
	bn.Forward()

	bn.SetMode(Inference)
	cumMean := append([]float64(nil), bn.CumulativeMean()...)
	cumVar := append([]float64(nil), bn.CumulativeVariance()...)
	count := bn.Count()

	for seed := int64(0); seed < 5; seed++ {
		fillRandom(x, 100+seed)
		bn.Forward()
	}
	assert.Equal(t, cumMean, bn.CumulativeMean())
	assert.Equal(t, cumVar, bn.CumulativeVariance())
	assert.Equal(t, count, bn.Count())

	// Inference output uses the frozen estimate.
	y := bn.Output().ActivationData()
	for i, v := range x {
		f := i % 3
		want := (v - cumMean[f]) / sqrtEps(cumVar[f])
		assert.InDelta(t, want, y[i], 1e-12)
	}
}

func TestBatchNorm_PreInferenceUsesCumulativeEstimate(t *testing.T) {
	fc, bn := normAfterFC(t, 2, 1)
	x := fc.Output().ActivationData()
	bn.SetMode(PreInference)
	bn.ResetStatistics()

	copy(x, []float64{0, 2})
	bn.Forward()
	copy(x, []float64{4, 6})
	bn.Forward()

	// cumulative mean 3, cumulative variance 1
	assert.InDelta(t, 3.0, bn.CumulativeMean()[0], 1e-12)
	assert.InDelta(t, (4-3)/sqrtEps(1), bn.Output().ActivationData()[0], 1e-12)
}

func TestBatchNorm_GradientsMatchFiniteDifferences(t *testing.T) {
	fc, bn := normAfterFC(t, 4, 3)
	x := fc.Output().ActivationData()
	fillRandom(x, 31)
	gamma, beta := bn.Parameters()[0], bn.Parameters()[1]
	require.NoError(t, gamma.Load([]float64{1.5, -0.7, 2}))
	require.NoError(t, beta.Load([]float64{0.1, 0.2, -0.3}))

	r := make([]float64, len(x))
	fillRandom(r, 32)
	loss := func() float64 {
		bn.Forward()
		return floats.Dot(bn.Output().ActivationData(), r)
	}
	loss()
	copy(bn.Output().GradientData(), r)
	bn.UpdateSpeeds(Update{})
	bn.BackPropagate()

	dx := fc.Output().GradientData()
	for i := range x {
		assert.InDelta(t, numericGrad(&x[i], loss), dx[i], 1e-5, "input %d", i)
	}
	for f := 0; f < 3; f++ {
		assert.InDelta(t, numericGrad(&gamma.Value[f], loss), gamma.Grad[f], 1e-6, "gamma %d", f)
		assert.InDelta(t, numericGrad(&beta.Value[f], loss), beta.Grad[f], 1e-6, "beta %d", f)
	}
}

func TestBatchNorm_PerChannelAfterConvolution(t *testing.T) {
	conv, err := NewConvolutional(ConvConfig{FilterSize: 1, Filters: 2, Stride: 1})
	require.NoError(t, err)
	bn := NewBatchNorm()
	wire(t, 2, tensor.Shape{Depth: 1, Height: 2, Width: 2}, conv, bn)
	assert.Equal(t, "batchnorm 2 channels", bn.Name())
	assert.Len(t, bn.Parameters()[0].Value, 2)

	x := conv.Output().ActivationData()
	for i := range x {
		x[i] = float64(i)
	}
	bn.Forward()
	// Channel 0 holds units 0-3 of example 0 and 8-11 of example 1.
	assert.InDelta(t, stat.Mean([]float64{0, 1, 2, 3, 8, 9, 10, 11}, nil), bn.Mean()[0], 1e-12)
	assert.InDelta(t, stat.Mean([]float64{4, 5, 6, 7, 12, 13, 14, 15}, nil), bn.Mean()[1], 1e-12)
}

func sqrtEps(v float64) float64 {
	return math.Sqrt(v + normEpsilon)
}
