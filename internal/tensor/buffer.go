package tensor

import "fmt"

// Buffer holds the activations and gradients (deltas) a layer produces for one
// mini-batch.
//
// Both arrays have identical shape: batchSize segments of units values each.
// Segments are views into one contiguous block so that a whole mini-batch can
// be handed to matrix routines without copying.
//
// Resize reallocates when the batch grows. Segment slices obtained before a
// Resize must be fetched again afterwards.
type Buffer struct {
	units      int
	batchSize  int
	activation []float64
	gradient   []float64
	generation uint64
}

// NewBuffer allocates a buffer for a single example of the given unit count.
func NewBuffer(units int) (*Buffer, error) {
	if units <= 0 {
		return nil, fmt.Errorf("tensor: buffer units must be > 0, got %d", units)
	}
	return &Buffer{
		units:      units,
		batchSize:  1,
		activation: make([]float64, units),
		gradient:   make([]float64, units),
	}, nil
}

// Resize provisions batchSize segments. The contents of segment 0 survive the
// resize; every other segment starts zeroed when new storage is allocated.
func (b *Buffer) Resize(batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("tensor: batch size must be > 0, got %d", batchSize)
	}
	if batchSize == b.batchSize {
		return nil
	}

	n := batchSize * b.units
	if n <= cap(b.activation) {
		// Shrinking (or regrowing within capacity) keeps the existing storage.
		b.activation = b.activation[:n]
		b.gradient = b.gradient[:n]
		if batchSize > b.batchSize {
			clear(b.activation[b.batchSize*b.units:])
			clear(b.gradient[b.batchSize*b.units:])
		}
	} else {
		activation := make([]float64, n)
		gradient := make([]float64, n)
		copy(activation[:b.units], b.activation[:b.units])
		copy(gradient[:b.units], b.gradient[:b.units])
		b.activation = activation
		b.gradient = gradient
	}

	b.batchSize = batchSize
	b.generation++
	return nil
}

// Units returns the number of values per example.
func (b *Buffer) Units() int {
	return b.units
}

// BatchSize returns the number of segments currently provisioned.
func (b *Buffer) BatchSize() int {
	return b.batchSize
}

// Generation changes every time Resize changes the segment layout.
// Components caching segment slices compare it to detect stale views.
func (b *Buffer) Generation() uint64 {
	return b.generation
}

// Activations returns the activation segment of example i.
func (b *Buffer) Activations(i int) []float64 {
	b.checkIndex(i)
	return b.activation[i*b.units : (i+1)*b.units : (i+1)*b.units]
}

// Gradients returns the gradient segment of example i.
func (b *Buffer) Gradients(i int) []float64 {
	b.checkIndex(i)
	return b.gradient[i*b.units : (i+1)*b.units : (i+1)*b.units]
}

// ActivationData returns all activation segments as one row-major
// [batchSize x units] block.
func (b *Buffer) ActivationData() []float64 {
	return b.activation
}

// GradientData returns all gradient segments as one row-major
// [batchSize x units] block.
func (b *Buffer) GradientData() []float64 {
	return b.gradient
}

// ZeroGradients clears every gradient segment.
func (b *Buffer) ZeroGradients() {
	clear(b.gradient)
}

func (b *Buffer) checkIndex(i int) {
	if i < 0 || i >= b.batchSize {
		panic(fmt.Sprintf("tensor: example index %d out of range [0, %d)", i, b.batchSize))
	}
}
