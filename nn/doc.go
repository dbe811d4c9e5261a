// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn builds and trains convolutional image classifiers.
//
// # Overview
//
// A network is a strict pipeline of layers that starts with an Input layer
// and ends with a Softmax output:
//   - Layers: Input, FullyConnected, Convolutional, MaxPooling,
//     AveragePooling, BatchNorm
//   - Activations: ReLU, ELU, Tanh
//   - Training: SGD with momentum, weight decay, max-norm clipping,
//     patience based learning rate annealing and checkpointing
//
// # Basic Usage
//
//	import "github.com/born-ml/convnet/nn"
//
//	func main() {
//	    net, err := nn.NewSequential(nn.CPU(), nn.Options{Seed: 1, MiniBatchSize: 32},
//	        nn.MustInput(nn.Shape{Depth: 1, Height: 28, Width: 28}),
//	        nn.MustConvolutional(nn.ConvConfig{FilterSize: 5, Filters: 16, Stride: 1, Padding: 2}),
//	        nn.NewReLU(),
//	        nn.MustMaxPooling(2, 2),
//	        nn.MustFullyConnected(10),
//	        nn.NewSoftmax(),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    res, err := nn.Train(ctx, net, trainSet, valSet, nn.DefaultTrainConfig(), nn.Env{})
//	}
//
// # Structural rules
//
// AddLayer rejects sequences that make no sense: pooling must follow an
// activation, normalization must follow a weighted layer, weighted layers
// must follow the input, an activation or a pooling layer, and the output
// must follow a fully connected layer. A rejected layer leaves the network
// unchanged.
//
// # Checkpoints
//
// BornPersistence stores the network state dict in a .born file: a fixed
// 64-byte header, a JSON description of every tensor, and little-endian
// float64 data protected by a SHA-256 checksum.
package nn
