package network

import (
	"fmt"

	"github.com/born-ml/convnet/internal/layer"
)

// Bound is a layer index used to delimit a partial pass.
type Bound struct {
	index    int
	symbolic int
}

const (
	explicit = iota
	beginning
	end
)

var (
	// Beginning is the index of the first layer.
	Beginning = Bound{symbolic: beginning}
	// End is one past the index of the last layer.
	End = Bound{symbolic: end}
)

// At returns an explicit layer index bound.
func At(i int) Bound {
	return Bound{index: i, symbolic: explicit}
}

// String returns "beginning", "end" or the index.
func (b Bound) String() string {
	switch b.symbolic {
	case beginning:
		return "beginning"
	case end:
		return "end"
	default:
		return fmt.Sprint(b.index)
	}
}

func (b Bound) resolve(n int) int {
	switch b.symbolic {
	case beginning:
		return 0
	case end:
		return n
	default:
		return b.index
	}
}

func (n *Network) span(start, stop Bound) (int, int, error) {
	s, e := start.resolve(len(n.layers)), stop.resolve(len(n.layers))
	if s < 0 || e > len(n.layers) || s > e {
		return 0, 0, fmt.Errorf("%w: [%s, %s) over %d layers", ErrBounds, start, stop, len(n.layers))
	}
	return s, e, nil
}

// ForwardPass runs Forward on layers [start, end) in order.
func (n *Network) ForwardPass(start, stop Bound) error {
	s, e, err := n.span(start, stop)
	if err != nil {
		return err
	}
	for i := s; i < e; i++ {
		n.layers[i].Forward()
	}
	return nil
}

// BackwardPass walks layers end-2 down to start. The layer at end-1 is the
// one whose input gradient the caller has already written (the Output layer
// for a full pass) and is skipped. For every visited layer it calls, in
// order, UpdateSpeeds, BackPropagate and UpdateParameters; BackPropagate is
// skipped when the predecessor is the Input layer, and the parameter steps
// apply only to trainable layers.
func (n *Network) BackwardPass(u layer.Update, start, stop Bound) error {
	s, e, err := n.span(start, stop)
	if err != nil {
		return err
	}
	for i := e - 2; i >= max(s, 1); i-- {
		l := n.layers[i]
		tr, trainable := l.(layer.Trainable)
		if trainable {
			tr.UpdateSpeeds(u)
		}
		if n.layers[i-1].Kind() != layer.KindInput {
			l.BackPropagate()
		}
		if trainable {
			tr.UpdateParameters(u)
		}
	}
	return nil
}
