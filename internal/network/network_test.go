package network

import (
	"math/rand"
	"testing"

	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func testDevice() device.Device {
	return device.NewCPU(device.Config{Enabled: true, Workers: 2, WorkGroupSize: 1})
}

func mustInput(t *testing.T, s tensor.Shape) *layer.Input {
	t.Helper()
	in, err := layer.NewInput(s)
	require.NoError(t, err)
	return in
}

func mustFC(t *testing.T, units int) *layer.FullyConnected {
	t.Helper()
	fc, err := layer.NewFullyConnected(units)
	require.NoError(t, err)
	return fc
}

func mustConv(t *testing.T, cfg layer.ConvConfig) *layer.Convolutional {
	t.Helper()
	c, err := layer.NewConvolutional(cfg)
	require.NoError(t, err)
	return c
}

// mlp builds input(4) -> fc(3) -> relu -> fc(2) -> softmax.
func mlp(t *testing.T, opts Options) *Network {
	t.Helper()
	n := New(testDevice(), opts)
	for _, l := range []layer.Layer{
		mustInput(t, tensor.Flat(4)),
		mustFC(t, 3),
		layer.NewReLU(),
		mustFC(t, 2),
		layer.NewSoftmax(),
	} {
		require.NoError(t, n.AddLayer(l))
	}
	return n
}

// convNet builds a small convolutional classifier with normalization.
func convNet(t *testing.T, seed int64, batch int) *Network {
	t.Helper()
	pool, err := layer.NewMaxPooling(2, 2)
	require.NoError(t, err)
	n := New(testDevice(), Options{Seed: seed, MiniBatchSize: batch})
	for _, l := range []layer.Layer{
		mustInput(t, tensor.Shape{Depth: 1, Height: 8, Width: 8}),
		mustConv(t, layer.ConvConfig{FilterSize: 3, Filters: 4, Stride: 1, Padding: 1}),
		layer.NewBatchNorm(),
		layer.NewReLU(),
		pool,
		mustFC(t, 3),
		layer.NewSoftmax(),
	} {
		require.NoError(t, n.AddLayer(l))
	}
	return n
}

func feedRandom(t *testing.T, n *Network, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := make([]float64, n.Input().OutputShape().Units())
	for slot := 0; slot < n.MiniBatchSize(); slot++ {
		for i := range x {
			x[i] = 2*rng.Float64() - 1
		}
		require.NoError(t, n.Feed(slot, x))
	}
}

func TestAddLayer_AssignsIDsAndAliasesBuffers(t *testing.T) {
	n := mlp(t, Options{Seed: 1})
	require.Equal(t, 5, n.Len())
	assert.True(t, n.Complete())
	for i := 0; i < n.Len(); i++ {
		assert.Equal(t, i, n.Layer(i).ID())
		assert.Equal(t, layer.StateReady, n.Layer(i).State())
	}
	for i := 1; i < n.Len(); i++ {
		assert.True(t, n.Aliased(i), "layer %d", i)
	}
	assert.False(t, n.Aliased(0))
	assert.Equal(t, n.Len(), n.Arena().Len())
}

func TestAddLayer_StructuralRules(t *testing.T) {
	pool := func() layer.Layer {
		p, err := layer.NewMaxPooling(2, 2)
		require.NoError(t, err)
		return p
	}
	square := tensor.Shape{Depth: 1, Height: 4, Width: 4}

	tests := []struct {
		name   string
		prefix []layer.Layer
		next   layer.Layer
	}{
		{"first must be input", nil, mustFC(t, 2)},
		{"input only once", []layer.Layer{mustInput(t, square)}, mustInput(t, square)},
		{"pooling after input", []layer.Layer{mustInput(t, square)}, pool()},
		{"pooling after conv", []layer.Layer{mustInput(t, square),
			mustConv(t, layer.ConvConfig{FilterSize: 1, Filters: 1, Stride: 1})}, pool()},
		{"normalization after activation", []layer.Layer{mustInput(t, tensor.Flat(2)),
			mustFC(t, 2), layer.NewReLU()}, layer.NewBatchNorm()},
		{"activation after input", []layer.Layer{mustInput(t, tensor.Flat(2))}, layer.NewReLU()},
		{"two weighted layers", []layer.Layer{mustInput(t, tensor.Flat(2)), mustFC(t, 2)}, mustFC(t, 2)},
		{"output after activation", []layer.Layer{mustInput(t, tensor.Flat(2)),
			mustFC(t, 2), layer.NewReLU()}, layer.NewSoftmax()},
		{"nothing after output", []layer.Layer{mustInput(t, tensor.Flat(2)),
			mustFC(t, 2), layer.NewSoftmax()}, layer.NewReLU()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(testDevice(), Options{})
			for _, l := range tt.prefix {
				require.NoError(t, n.AddLayer(l))
			}
			before := n.Len()
			assert.ErrorIs(t, n.AddLayer(tt.next), ErrStructure)
			assert.Equal(t, before, n.Len())
		})
	}
}

func TestAddLayer_RejectedLayerLeavesNetworkUnchanged(t *testing.T) {
	n := New(testDevice(), Options{})
	require.NoError(t, n.AddLayer(mustInput(t, tensor.Shape{Depth: 1, Height: 5, Width: 5})))
	arenaLen := n.Arena().Len()

	bad := mustConv(t, layer.ConvConfig{FilterSize: 3, Filters: 2, Stride: 3})
	err := n.AddLayer(bad)
	require.ErrorIs(t, err, layer.ErrConfig)
	assert.Equal(t, 1, n.Len())
	assert.Equal(t, arenaLen, n.Arena().Len())
	assert.Equal(t, -1, n.Arena().Consumer(n.Layer(0).OutputHandle()))

	good := mustConv(t, layer.ConvConfig{FilterSize: 3, Filters: 2, Stride: 2})
	require.NoError(t, n.AddLayer(good))
	assert.Equal(t, 1, good.ID())
	assert.True(t, n.Aliased(1))
	assert.Equal(t, tensor.Shape{Depth: 2, Height: 2, Width: 2}, good.OutputShape())
}

func TestSetMiniBatchSize_ReprovisionsEveryLayer(t *testing.T) {
	n := convNet(t, 3, 2)
	require.ErrorIs(t, n.SetMiniBatchSize(0), layer.ErrConfig)

	require.NoError(t, n.SetMiniBatchSize(5))
	assert.Equal(t, 5, n.MiniBatchSize())
	for i := 0; i < n.Len(); i++ {
		l := n.Layer(i)
		assert.Equal(t, layer.StateReady, l.State())
		assert.Equal(t, 5, n.Arena().Buffer(l.OutputHandle()).BatchSize(), "layer %d", i)
	}
	for i := 1; i < n.Len(); i++ {
		assert.True(t, n.Aliased(i))
	}

	feedRandom(t, n, 11)
	require.NoError(t, n.ForwardPass(Beginning, End))
	for i := 0; i < 5; i++ {
		assert.InDelta(t, 1.0, floats.Sum(n.Output().Probabilities(i)), 1e-12)
	}
}

func TestSetters_FanOutToCapabilities(t *testing.T) {
	n := convNet(t, 3, 2)
	assert.True(t, n.HasNormalization())

	n.SetMode(layer.Inference)
	assert.Equal(t, layer.Inference, n.Mode())
	bn := n.Layer(2).(*layer.BatchNorm)
	assert.Equal(t, layer.Inference, bn.Mode())

	assert.ErrorIs(t, n.SetDropout(0, 1), layer.ErrConfig)
	assert.ErrorIs(t, n.SetDropout(1, 1.5), layer.ErrConfig)
	require.NoError(t, n.SetDropout(0.8, 0.5))
	keepConv, keepFC := n.Dropout()
	assert.Equal(t, 0.8, keepConv)
	assert.Equal(t, 0.5, keepFC)

	n.SetMode(layer.Training)
	feedRandom(t, n, 2)
	require.NoError(t, n.ForwardPass(Beginning, End))
	assert.Equal(t, 1, bn.Count())
	n.BeginEpoch()
	assert.Equal(t, 0, bn.Count())
	assert.False(t, mlp(t, Options{}).HasNormalization())
}

func TestFeed_ValidatesSlotAndLength(t *testing.T) {
	n := mlp(t, Options{MiniBatchSize: 2})
	assert.Error(t, n.Feed(2, make([]float64, 4)))
	assert.Error(t, n.Feed(0, make([]float64, 3)))
	require.NoError(t, n.Feed(1, []float64{1, 2, 3, 4}))
	assert.Equal(t, []float64{1, 2, 3, 4}, n.Input().Output().Activations(1))
}

func TestPasses_RejectInvalidBounds(t *testing.T) {
	n := mlp(t, Options{})
	assert.ErrorIs(t, n.ForwardPass(At(3), At(1)), ErrBounds)
	assert.ErrorIs(t, n.ForwardPass(At(-1), End), ErrBounds)
	assert.ErrorIs(t, n.ForwardPass(Beginning, At(6)), ErrBounds)
	assert.ErrorIs(t, n.BackwardPass(layer.Update{}, At(2), At(1)), ErrBounds)
	assert.NoError(t, n.ForwardPass(At(2), At(2)))
	assert.Equal(t, "end", End.String())
	assert.Equal(t, "3", At(3).String())
}

func TestForwardPass_PartialPassesCompose(t *testing.T) {
	a := mlp(t, Options{Seed: 9, MiniBatchSize: 3})
	feedRandom(t, a, 4)
	require.NoError(t, a.ForwardPass(Beginning, End))
	want := append([]float64(nil), a.Output().Output().ActivationData()...)

	for i := range a.Output().Output().ActivationData() {
		a.Output().Output().ActivationData()[i] = 0
	}
	require.NoError(t, a.ForwardPass(Beginning, At(2)))
	require.NoError(t, a.ForwardPass(At(2), End))
	assert.Equal(t, want, a.Output().Output().ActivationData())
}

func TestBackwardPass_SkipsInputGradientAndUpdatesParameters(t *testing.T) {
	n := mlp(t, Options{Seed: 5, MiniBatchSize: 2})
	feedRandom(t, n, 6)
	require.NoError(t, n.ForwardPass(Beginning, End))

	sentinel := n.Input().Output().GradientData()
	for i := range sentinel {
		sentinel[i] = 42
	}
	before := n.Snapshot()
	n.Output().InjectCrossEntropyGradient([]int{0, 1}, 0.5)
	require.NoError(t, n.BackwardPass(layer.Update{LearningRate: 0.1}, Beginning, End))

	for _, v := range n.Input().Output().GradientData() {
		assert.Equal(t, 42.0, v)
	}
	after := n.Snapshot()
	for _, key := range []string{"layer3.weights", "layer3.bias"} {
		assert.NotEqual(t, before[key], after[key], key)
	}
}

func TestTraining_ReducesLoss(t *testing.T) {
	n := mlp(t, Options{Seed: 8, MiniBatchSize: 4})
	xs := [][]float64{{1, 1, 0, 0}, {0, 0, 1, 1}, {1, 0.8, 0.1, 0}, {0, 0.1, 0.9, 1}}
	labels := []int{0, 1, 0, 1}
	for i, x := range xs {
		require.NoError(t, n.Feed(i, x))
	}
	loss := func() float64 {
		require.NoError(t, n.ForwardPass(Beginning, End))
		var sum float64
		for i, label := range labels {
			sum += layer.CrossEntropy(n.Output().Probabilities(i), label)
		}
		return sum / float64(len(labels))
	}

	first := loss()
	u := layer.Update{LearningRate: 0.1, Momentum: 0.9}
	for step := 0; step < 100; step++ {
		loss()
		n.Output().InjectCrossEntropyGradient(labels, 1/float64(len(labels)))
		require.NoError(t, n.BackwardPass(u, Beginning, End))
	}
	assert.Less(t, loss(), first/2)
}

func TestStateDict_RoundTrip(t *testing.T) {
	src := convNet(t, 3, 2)
	feedRandom(t, src, 12)
	require.NoError(t, src.ForwardPass(Beginning, End))

	keys := src.StateKeys()
	assert.Contains(t, keys, "layer1.weights")
	assert.Contains(t, keys, "layer2.gamma")
	assert.Contains(t, keys, "layer2.cumulative_mean")
	assert.Contains(t, keys, "layer5.bias")
	assert.Len(t, src.Parameters(), 6)

	dst := convNet(t, 4, 2)
	assert.NotEqual(t, src.Snapshot(), dst.Snapshot())
	require.NoError(t, dst.LoadStateDict(src.Snapshot()))
	assert.Equal(t, src.Snapshot(), dst.Snapshot())

	src.SetMode(layer.Inference)
	dst.SetMode(layer.Inference)
	feedRandom(t, src, 13)
	feedRandom(t, dst, 13)
	require.NoError(t, src.ForwardPass(Beginning, End))
	require.NoError(t, dst.ForwardPass(Beginning, End))
	assert.Equal(t, src.Output().Output().ActivationData(), dst.Output().Output().ActivationData())
}

func TestLoadStateDict_IsAllOrNothing(t *testing.T) {
	n := mlp(t, Options{Seed: 2})
	before := n.Snapshot()

	partial := n.Snapshot()
	partial["layer1.weights"] = make([]float64, len(partial["layer1.weights"]))
	delete(partial, "layer3.bias")
	require.Error(t, n.LoadStateDict(partial))
	assert.Equal(t, before, n.Snapshot())

	short := n.Snapshot()
	short["layer3.weights"] = []float64{1}
	require.Error(t, n.LoadStateDict(short))
	assert.Equal(t, before, n.Snapshot())
}

func TestSummary(t *testing.T) {
	s := mlp(t, Options{}).Summary()
	assert.Contains(t, s, "fc 3")
	assert.Contains(t, s, "softmax 2")
}
