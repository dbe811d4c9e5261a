package network

import (
	"fmt"
	"sort"

	"github.com/born-ml/convnet/internal/layer"
)

// NamedParam is a parameter together with its state-dict key.
type NamedParam struct {
	Key     string
	LayerID int
	*layer.Param
}

// Parameters returns the learnable parameters of every trainable layer, in
// layer order.
func (n *Network) Parameters() []NamedParam {
	var out []NamedParam
	for _, l := range n.layers {
		if tr, ok := l.(layer.Trainable); ok {
			for _, p := range tr.Parameters() {
				out = append(out, NamedParam{Key: paramKey(l, p), LayerID: l.ID(), Param: p})
			}
		}
	}
	return out
}

// StateDict returns every persisted tensor keyed by "layer<ID>.<name>":
// learnable parameters and normalization statistics.
func (n *Network) StateDict() map[string]*layer.Param {
	state := make(map[string]*layer.Param)
	for _, l := range n.layers {
		if tr, ok := l.(layer.Trainable); ok {
			for _, p := range tr.Parameters() {
				state[paramKey(l, p)] = p
			}
		}
		if nl, ok := l.(layer.Normalizer); ok {
			for _, p := range nl.Statistics() {
				state[paramKey(l, p)] = p
			}
		}
	}
	return state
}

// StateKeys returns the state-dict keys in sorted order.
func (n *Network) StateKeys() []string {
	state := n.StateDict()
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadStateDict copies values into the network. Every key of StateDict must be
// present with a matching size; otherwise nothing is modified.
func (n *Network) LoadStateDict(values map[string][]float64) error {
	state := n.StateDict()
	for key, p := range state {
		v, ok := values[key]
		if !ok {
			return fmt.Errorf("network: state dict is missing %q", key)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("network: %q has %d values, want %d", key, len(v), len(p.Value))
		}
	}
	for key, p := range state {
		copy(p.Value, values[key])
	}
	return nil
}

// Snapshot copies every persisted tensor.
func (n *Network) Snapshot() map[string][]float64 {
	state := n.StateDict()
	out := make(map[string][]float64, len(state))
	for key, p := range state {
		out[key] = append([]float64(nil), p.Value...)
	}
	return out
}

// ResetSpeeds zeroes every momentum accumulator.
func (n *Network) ResetSpeeds() {
	for _, p := range n.Parameters() {
		p.ResetSpeed()
	}
}

func paramKey(l layer.Layer, p *layer.Param) string {
	return fmt.Sprintf("layer%d.%s", l.ID(), p.Name)
}
