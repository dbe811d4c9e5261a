package dataset

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/tensor"
)

// Blobs returns n flat examples of the given dimension drawn from one
// Gaussian per class. Class c is centred at +separation on coordinate
// c mod dim and spread with unit standard deviation times noise.
func Blobs(n, dim, classes int, separation, noise float64, rng *rand.Rand) (*Memory, error) {
	if n <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: blobs need n > 0 and dim > 0", ErrInvalid)
	}
	examples := make([][]float64, n)
	labels := make([]int, n)
	for i := range examples {
		c := i % classes
		x := make([]float64, dim)
		for j := range x {
			x[j] = noise * rng.NormFloat64()
		}
		x[c%dim] += separation
		examples[i] = x
		labels[i] = c
	}
	return NewMemory(tensor.Flat(dim), classes, examples, labels)
}

// Stripes returns n square images of the given depth and width showing
// either horizontal (label 0) or vertical (label 1) stripes of random phase,
// with per-channel brightness and additive noise. Each channel of a color
// image gets a different brightness so a grayscale view stays separable.
func Stripes(n, depth, width int, noise float64, rng *rand.Rand) (*Memory, error) {
	shape := tensor.Shape{Depth: depth, Height: width, Width: width}
	if err := shape.Validate(); err != nil || width < 2 {
		return nil, fmt.Errorf("%w: stripes need depth >= 1 and width >= 2", ErrInvalid)
	}
	examples := make([][]float64, n)
	labels := make([]int, n)
	for i := range examples {
		label := i % 2
		phase := rng.Intn(2)
		x := make([]float64, shape.Units())
		for c := 0; c < depth; c++ {
			level := 0.5 + 0.5*rng.Float64()
			for r := 0; r < width; r++ {
				for col := 0; col < width; col++ {
					line := r
					if label == 1 {
						line = col
					}
					v := 0.0
					if (line+phase)%2 == 0 {
						v = level
					}
					x[(c*width+r)*width+col] = v + noise*rng.NormFloat64()
				}
			}
		}
		examples[i] = x
		labels[i] = label
	}
	return NewMemory(shape, 2, examples, labels)
}
