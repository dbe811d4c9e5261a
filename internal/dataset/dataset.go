// Package dataset provides random-access example sources for training.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/born-ml/convnet/internal/tensor"
)

// ErrInvalid reports inconsistent dataset contents.
var ErrInvalid = errors.New("dataset: invalid")

// Dataset is a fixed, random-access collection of labelled examples.
//
// Example must return a slice of Shape().Units() values that the caller
// does not modify.
type Dataset interface {
	Size() int
	NumClasses() int
	Shape() tensor.Shape
	Example(i int) []float64
	Label(i int) int
}

// Memory is a dataset held entirely in memory.
type Memory struct {
	shape    tensor.Shape
	classes  int
	examples [][]float64
	labels   []int
}

// NewMemory validates and wraps examples and labels.
func NewMemory(shape tensor.Shape, classes int, examples [][]float64, labels []int) (*Memory, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if classes < 2 {
		return nil, fmt.Errorf("%w: need at least 2 classes, got %d", ErrInvalid, classes)
	}
	if len(examples) != len(labels) {
		return nil, fmt.Errorf("%w: %d examples but %d labels", ErrInvalid, len(examples), len(labels))
	}
	for i, x := range examples {
		if len(x) != shape.Units() {
			return nil, fmt.Errorf("%w: example %d has %d values, shape %s needs %d",
				ErrInvalid, i, len(x), shape, shape.Units())
		}
		if labels[i] < 0 || labels[i] >= classes {
			return nil, fmt.Errorf("%w: label %d of example %d outside [0, %d)", ErrInvalid, labels[i], i, classes)
		}
	}
	return &Memory{shape: shape, classes: classes, examples: examples, labels: labels}, nil
}

func (m *Memory) Size() int               { return len(m.examples) }
func (m *Memory) NumClasses() int         { return m.classes }
func (m *Memory) Shape() tensor.Shape     { return m.shape }
func (m *Memory) Example(i int) []float64 { return m.examples[i] }
func (m *Memory) Label(i int) int         { return m.labels[i] }

// Subset is a view of selected examples of another dataset.
type Subset struct {
	Dataset
	indices []int
}

// NewSubset returns a view of d restricted to indices.
func NewSubset(d Dataset, indices []int) (*Subset, error) {
	for _, i := range indices {
		if i < 0 || i >= d.Size() {
			return nil, fmt.Errorf("%w: subset index %d outside [0, %d)", ErrInvalid, i, d.Size())
		}
	}
	return &Subset{Dataset: d, indices: append([]int(nil), indices...)}, nil
}

func (s *Subset) Size() int               { return len(s.indices) }
func (s *Subset) Example(i int) []float64 { return s.Dataset.Example(s.indices[i]) }
func (s *Subset) Label(i int) int         { return s.Dataset.Label(s.indices[i]) }

// Split shuffles d with rng and returns views holding the first
// (1-fraction) and the last fraction of the examples.
func Split(d Dataset, fraction float64, rng *rand.Rand) (train, held *Subset, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("%w: split fraction must be in (0, 1), got %g", ErrInvalid, fraction)
	}
	perm := rng.Perm(d.Size())
	cut := d.Size() - int(float64(d.Size())*fraction)
	if cut <= 0 || cut >= d.Size() {
		return nil, nil, fmt.Errorf("%w: split of %d examples at %g leaves an empty side", ErrInvalid, d.Size(), fraction)
	}
	if train, err = NewSubset(d, perm[:cut]); err != nil {
		return nil, nil, err
	}
	if held, err = NewSubset(d, perm[cut:]); err != nil {
		return nil, nil, err
	}
	return train, held, nil
}
