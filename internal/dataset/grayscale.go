package dataset

import (
	"github.com/born-ml/convnet/internal/tensor"
)

// Grayscale is a single-channel view of a multi-channel image dataset. Each
// pixel is the mean of its channels. Converted examples are cached.
type Grayscale struct {
	Dataset
	cache [][]float64
}

// NewGrayscale wraps d. A dataset that already has depth 1 is wrapped as is.
func NewGrayscale(d Dataset) *Grayscale {
	return &Grayscale{Dataset: d, cache: make([][]float64, d.Size())}
}

func (g *Grayscale) Shape() tensor.Shape {
	s := g.Dataset.Shape()
	s.Depth = 1
	return s
}

func (g *Grayscale) Example(i int) []float64 {
	if g.cache[i] != nil {
		return g.cache[i]
	}
	s := g.Dataset.Shape()
	src := g.Dataset.Example(i)
	area := s.Area()
	out := make([]float64, area)
	for c := 0; c < s.Depth; c++ {
		for p, v := range src[c*area : (c+1)*area] {
			out[p] += v
		}
	}
	for p := range out {
		out[p] /= float64(s.Depth)
	}
	g.cache[i] = out
	return out
}
