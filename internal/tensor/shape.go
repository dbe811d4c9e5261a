// Package tensor provides the per-layer activation and gradient storage used by
// the convnet layer engine.
//
// Every layer owns exactly one output Buffer. The next layer in the pipeline
// does not copy that buffer: it records the same Handle as its input, so both
// layers observe the same storage. The Arena makes that aliasing explicit and
// inspectable.
package tensor

import "fmt"

// Shape describes the geometry of a single example flowing through a layer.
//
// Units are laid out depth-major: the unit at (d, h, w) lives at index
// d*Height*Width + h*Width + w. Flat layers (fully connected, softmax) use
// Height = Width = 1.
type Shape struct {
	Depth  int
	Height int
	Width  int
}

// Flat returns the shape of a one-dimensional volume with the given unit count.
func Flat(units int) Shape {
	return Shape{Depth: units, Height: 1, Width: 1}
}

// Units returns the number of scalar units per example.
func (s Shape) Units() int {
	return s.Depth * s.Height * s.Width
}

// Area returns the number of spatial positions per channel.
func (s Shape) Area() int {
	return s.Height * s.Width
}

// IsSquare reports whether the spatial extent is square.
func (s Shape) IsSquare() bool {
	return s.Height == s.Width
}

// Validate checks that every dimension is positive.
func (s Shape) Validate() error {
	if s.Depth <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("invalid shape %s (all dimensions must be > 0)", s)
	}
	return nil
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	return s == other
}

// String returns the shape as DxHxW.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Depth, s.Height, s.Width)
}
