// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/born-ml/convnet/nn"
)

// TestSequentialRules verifies that NewSequential applies the structural rules.
func TestSequentialRules(t *testing.T) {
	tests := []struct {
		name    string
		layers  func() []nn.Layer
		wantErr error
	}{
		{
			name: "MLP",
			layers: func() []nn.Layer {
				return []nn.Layer{nn.MustInput(nn.Flat(4)), nn.MustFullyConnected(3), nn.NewReLU(), nn.MustFullyConnected(2), nn.NewSoftmax()}
			},
		},
		{
			name: "PoolingAfterWeights",
			layers: func() []nn.Layer {
				return []nn.Layer{
					nn.MustInput(nn.Shape{Depth: 1, Height: 4, Width: 4}),
					nn.MustConvolutional(nn.ConvConfig{FilterSize: 3, Filters: 2, Stride: 1, Padding: 1}),
					nn.MustMaxPooling(2, 2),
				}
			},
			wantErr: nn.ErrStructure,
		},
		{
			name: "NoInput",
			layers: func() []nn.Layer {
				return []nn.Layer{nn.MustFullyConnected(3)}
			},
			wantErr: nn.ErrStructure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net, err := nn.NewSequential(nn.CPU(), nn.Options{Seed: 1, MiniBatchSize: 2}, tt.layers()...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewSequential() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSequential() error = %v", err)
			}
			if !net.Complete() {
				t.Error("network should be complete")
			}
		})
	}
}

func TestMustPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustConvolutional with an even filter should panic")
		}
	}()
	nn.MustConvolutional(nn.ConvConfig{FilterSize: 2, Filters: 1, Stride: 1})
}

// TestTrainAndCheckpoint trains a small classifier end to end and reloads
// its best checkpoint into a fresh network.
func TestTrainAndCheckpoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	examples := make([][]float64, 60)
	labels := make([]int, 60)
	for i := range examples {
		labels[i] = i % 2
		x := []float64{rng.NormFloat64() * 0.3, rng.NormFloat64() * 0.3}
		x[labels[i]] += 2
		examples[i] = x
	}
	data, err := nn.NewDataset(nn.Flat(2), 2, examples, labels)
	if err != nil {
		t.Fatal(err)
	}

	build := func(seed int64) *nn.Network {
		net, err := nn.NewSequential(nn.CPU(), nn.Options{Seed: seed, MiniBatchSize: 6},
			nn.MustInput(nn.Flat(2)),
			nn.MustFullyConnected(8),
			nn.NewReLU(),
			nn.MustFullyConnected(2),
			nn.NewSoftmax(),
		)
		if err != nil {
			t.Fatal(err)
		}
		return net
	}

	cfg := nn.DefaultTrainConfig()
	cfg.MiniBatchSize = 6
	cfg.MaxEpochs = 5
	cfg.LearningRate = 0.05
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "best.born")

	net := build(1)
	store := nn.BornPersistence{ModelType: "mlp"}
	res, err := nn.Train(context.Background(), net, data, data, cfg, nn.Env{Persistence: store})
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	if res.Reason != nn.StopMaxEpochs && res.Reason != nn.StopStalled {
		t.Errorf("Reason = %v", res.Reason)
	}

	restored := build(2)
	meta, err := store.Load(restored, cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if meta.RunID != res.Session.ID {
		t.Errorf("RunID = %q, want %q", meta.RunID, res.Session.ID)
	}
	if meta.Epoch != res.Session.BestEpoch {
		t.Errorf("Epoch = %d, want %d", meta.Epoch, res.Session.BestEpoch)
	}

	m, err := nn.NewEvaluator(restored, data, 0, 1).Evaluate(data)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m[0].Loss-meta.ValidationLoss) > 1e-9 {
		t.Errorf("restored loss = %v, checkpoint says %v", m[0].Loss, meta.ValidationLoss)
	}
}
