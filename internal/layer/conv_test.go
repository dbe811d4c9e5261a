package layer

import (
	"testing"

	"github.com/born-ml/convnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestConvConfig_OutputWidth(t *testing.T) {
	tests := []struct {
		name string
		cfg  ConvConfig
		in   int
		want int
	}{
		{"valid 5x5", ConvConfig{FilterSize: 5, Filters: 1, Stride: 1, Padding: 0}, 32, 28},
		{"same 3x3", ConvConfig{FilterSize: 3, Filters: 1, Stride: 1, Padding: 1}, 32, 32},
		{"strided", ConvConfig{FilterSize: 3, Filters: 1, Stride: 2, Padding: 0}, 9, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.OutputWidth(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ConvConfig{FilterSize: 5, Filters: 1, Stride: 2}.OutputWidth(32)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewConvolutional_RejectsInvalidConfig(t *testing.T) {
	for _, cfg := range []ConvConfig{
		{FilterSize: 4, Filters: 1, Stride: 1},
		{FilterSize: 3, Filters: 0, Stride: 1},
		{FilterSize: 3, Filters: 1, Stride: 0},
		{FilterSize: 3, Filters: 1, Stride: 1, Padding: -1},
	} {
		_, err := NewConvolutional(cfg)
		assert.ErrorIs(t, err, ErrConfig, "%+v", cfg)
	}
}

func TestConvolutional_ConnectValidation(t *testing.T) {
	arena := tensor.NewArena()
	in, err := NewInput(tensor.Shape{Depth: 1, Height: 4, Width: 6})
	require.NoError(t, err)
	require.NoError(t, in.ConnectTo(nil, arena))
	require.NoError(t, in.SetupOutput(1))

	conv, err := NewConvolutional(ConvConfig{FilterSize: 3, Filters: 1, Stride: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, conv.ConnectTo(in, arena), ErrConfig)
	assert.Equal(t, StateConstructed, conv.State())

	square, err := NewInput(tensor.Shape{Depth: 1, Height: 32, Width: 32})
	require.NoError(t, err)
	square.SetID(1)
	require.NoError(t, square.ConnectTo(nil, arena))
	require.NoError(t, square.SetupOutput(1))
	strided, err := NewConvolutional(ConvConfig{FilterSize: 5, Filters: 1, Stride: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, strided.ConnectTo(square, arena), ErrConfig)
}

func TestConvolutional_OutputShape(t *testing.T) {
	conv, err := NewConvolutional(ConvConfig{FilterSize: 5, Filters: 6, Stride: 1})
	require.NoError(t, err)
	wire(t, 1, tensor.Shape{Depth: 3, Height: 32, Width: 32}, conv)
	assert.Equal(t, tensor.Shape{Depth: 6, Height: 28, Width: 28}, conv.OutputShape())

	same, err := NewConvolutional(ConvConfig{FilterSize: 3, Filters: 2, Stride: 1, Padding: 1})
	require.NoError(t, err)
	wire(t, 1, tensor.Shape{Depth: 3, Height: 32, Width: 32}, same)
	assert.Equal(t, tensor.Shape{Depth: 2, Height: 32, Width: 32}, same.OutputShape())
}

func TestReceptiveFieldTable(t *testing.T) {
	// 2 channels, 4x4 padded input, 3x3 filter, stride 1 -> 2x2 output.
	table := receptiveFieldTable(4, 2, 3, 1, 18)
	require.Len(t, table, 4*18)

	// Output (0,0), channel 0 starts at the top-left corner.
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9, 10}, table[0:9])
	// Output (1,1), channel 1.
	assert.Equal(t, []int{21, 22, 23, 25, 26, 27, 29, 30, 31}, table[3*18+9:3*18+18])
}

// naiveConv computes the convolution of one example directly.
func naiveConv(x []float64, in tensor.Shape, w, b []float64, cfg ConvConfig, outW int) []float64 {
	f, p := cfg.FilterSize, cfg.Padding
	out := make([]float64, cfg.Filters*outW*outW)
	for k := 0; k < cfg.Filters; k++ {
		for oy := 0; oy < outW; oy++ {
			for ox := 0; ox < outW; ox++ {
				sum := b[k]
				for d := 0; d < in.Depth; d++ {
					for fy := 0; fy < f; fy++ {
						for fx := 0; fx < f; fx++ {
							y, xx := oy*cfg.Stride+fy-p, ox*cfg.Stride+fx-p
							if y < 0 || xx < 0 || y >= in.Height || xx >= in.Width {
								continue
							}
							wi := k*in.Depth*f*f + d*f*f + fy*f + fx
							sum += w[wi] * x[d*in.Area()+y*in.Width+xx]
						}
					}
				}
				out[k*outW*outW+oy*outW+ox] = sum
			}
		}
	}
	return out
}

func TestConvolutional_ForwardMatchesDirectConvolution(t *testing.T) {
	cfg := ConvConfig{FilterSize: 3, Filters: 3, Stride: 2, Padding: 1}
	shape := tensor.Shape{Depth: 2, Height: 5, Width: 5}
	conv, err := NewConvolutional(cfg)
	require.NoError(t, err)
	in, _ := wire(t, 3, shape, conv)
	fillRandom(in.Output().ActivationData(), 11)

	conv.Forward()

	w, b := conv.Parameters()[0].Value, conv.Parameters()[1].Value
	for i := 0; i < 3; i++ {
		want := naiveConv(in.Output().Activations(i), shape, w, b, cfg, conv.OutputShape().Width)
		assert.InDeltaSlice(t, want, conv.Output().Activations(i), 1e-12, "example %d", i)
	}
}

func TestConvolutional_GradientsMatchFiniteDifferences(t *testing.T) {
	conv, err := NewConvolutional(ConvConfig{FilterSize: 3, Filters: 2, Stride: 1, Padding: 1})
	require.NoError(t, err)
	in, _ := wire(t, 2, tensor.Shape{Depth: 2, Height: 4, Width: 4}, conv)
	fillRandom(in.Output().ActivationData(), 5)

	r := make([]float64, len(conv.Output().ActivationData()))
	fillRandom(r, 6)
	loss := func() float64 {
		conv.Forward()
		return floats.Dot(conv.Output().ActivationData(), r)
	}
	loss()
	copy(conv.Output().GradientData(), r)
	conv.UpdateSpeeds(Update{})
	conv.BackPropagate()

	w, b := conv.Parameters()[0], conv.Parameters()[1]
	for _, i := range []int{0, 4, 9, 17, 22, 35} {
		assert.InDelta(t, numericGrad(&w.Value[i], loss), w.Grad[i], 1e-6, "weight %d", i)
	}
	for i := range b.Value {
		assert.InDelta(t, numericGrad(&b.Value[i], loss), b.Grad[i], 1e-6, "bias %d", i)
	}
	x, dx := in.Output().ActivationData(), in.Output().GradientData()
	for i := range x {
		assert.InDelta(t, numericGrad(&x[i], loss), dx[i], 1e-6, "input %d", i)
	}
}

func TestConvolutional_SlotsGrowButNeverShrink(t *testing.T) {
	conv, err := NewConvolutional(ConvConfig{FilterSize: 3, Filters: 1, Stride: 1, Padding: 1})
	require.NoError(t, err)
	in, _ := wire(t, 2, tensor.Shape{Depth: 1, Height: 4, Width: 4}, conv)
	assert.Equal(t, 2, conv.Slots())
	table := conv.Table()

	resize := func(n int) {
		require.NoError(t, in.SetupOutput(n))
		require.NoError(t, in.Schedule(conv.dev))
		require.NoError(t, conv.SetupOutput(n))
		require.NoError(t, conv.Schedule(conv.dev))
	}
	resize(5)
	assert.Equal(t, 5, conv.Slots())
	resize(1)
	assert.Equal(t, 5, conv.Slots())
	assert.Equal(t, 1, conv.Output().BatchSize())

	// The lookup table depends only on geometry.
	assert.Same(t, &table[0], &conv.Table()[0])
	conv.Forward()
}
