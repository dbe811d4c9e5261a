package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Shape{Depth: 3, Height: 4, Width: 5}
	assert.Equal(t, 60, s.Units())
	assert.Equal(t, 20, s.Area())
	assert.False(t, s.IsSquare())
	assert.Equal(t, "3x4x5", s.String())
	require.NoError(t, s.Validate())

	assert.Error(t, Shape{Depth: 0, Height: 1, Width: 1}.Validate())
	assert.True(t, Flat(10).Equal(Shape{Depth: 10, Height: 1, Width: 1}))
}

func TestBuffer_SegmentsHaveIdenticalShape(t *testing.T) {
	buf, err := NewBuffer(6)
	require.NoError(t, err)
	require.NoError(t, buf.Resize(4))

	assert.Equal(t, 4, buf.BatchSize())
	assert.Len(t, buf.ActivationData(), 24)
	assert.Len(t, buf.GradientData(), 24)
	for i := 0; i < 4; i++ {
		assert.Len(t, buf.Activations(i), 6)
		assert.Len(t, buf.Gradients(i), 6)
	}
}

func TestBuffer_SegmentsAreViews(t *testing.T) {
	buf, err := NewBuffer(3)
	require.NoError(t, err)
	require.NoError(t, buf.Resize(2))

	buf.Activations(1)[2] = 7
	assert.Equal(t, 7.0, buf.ActivationData()[5])

	// Appending to a segment must never spill into the neighbour.
	seg := buf.Gradients(0)
	_ = append(seg, 99)
	assert.Equal(t, 0.0, buf.Gradients(1)[0])
}

func TestBuffer_ResizePreservesFirstSegment(t *testing.T) {
	buf, err := NewBuffer(2)
	require.NoError(t, err)
	copy(buf.Activations(0), []float64{1, 2})
	copy(buf.Gradients(0), []float64{3, 4})
	gen := buf.Generation()

	require.NoError(t, buf.Resize(8))
	assert.Equal(t, []float64{1, 2}, buf.Activations(0))
	assert.Equal(t, []float64{3, 4}, buf.Gradients(0))
	assert.Equal(t, []float64{0, 0}, buf.Activations(7))
	assert.NotEqual(t, gen, buf.Generation())

	require.NoError(t, buf.Resize(3))
	assert.Equal(t, []float64{1, 2}, buf.Activations(0))
	assert.Equal(t, 3, buf.BatchSize())
}

func TestBuffer_Errors(t *testing.T) {
	_, err := NewBuffer(0)
	assert.Error(t, err)

	buf, err := NewBuffer(1)
	require.NoError(t, err)
	assert.Error(t, buf.Resize(0))
	assert.Panics(t, func() { buf.Activations(1) })
}

func TestBuffer_ZeroGradients(t *testing.T) {
	buf, err := NewBuffer(2)
	require.NoError(t, err)
	require.NoError(t, buf.Resize(2))
	for i := range buf.GradientData() {
		buf.GradientData()[i] = float64(i + 1)
	}
	buf.ZeroGradients()
	assert.Equal(t, []float64{0, 0, 0, 0}, buf.GradientData())
}

func TestArena_ConnectAndAlias(t *testing.T) {
	a := NewArena()
	h0, err := a.Allocate(0, 4)
	require.NoError(t, err)
	h1, err := a.Allocate(1, 2)
	require.NoError(t, err)

	require.NoError(t, a.Connect(h0, 1))
	assert.Equal(t, 0, a.Producer(h0))
	assert.Equal(t, 1, a.Consumer(h0))
	assert.Equal(t, -1, a.Consumer(h1))

	assert.True(t, a.Aliases(h0, h0))
	assert.False(t, a.Aliases(h0, h1))
	assert.Same(t, a.Buffer(h0), a.Buffer(h0))

	// A buffer is shared by exactly two layers.
	assert.Error(t, a.Connect(h0, 2))
	assert.ErrorIs(t, a.Connect(Handle(9), 2), ErrInvalidHandle)
}

func TestArena_Truncate(t *testing.T) {
	a := NewArena()
	h0, err := a.Allocate(0, 1)
	require.NoError(t, err)
	_, err = a.Allocate(1, 1)
	require.NoError(t, err)
	require.NoError(t, a.Connect(h0, 1))

	a.Truncate(1)
	a.Disconnect(h0)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, -1, a.Consumer(h0))
	assert.Panics(t, func() { a.Buffer(Handle(1)) })
	assert.False(t, a.Aliases(NoHandle, NoHandle))
}
