package main

import (
	"path/filepath"

	"github.com/born-ml/convnet/internal/dataset"
	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
	"github.com/born-ml/convnet/internal/train"
)

// buildModel picks an architecture for the data: a two-stage convolutional
// network for images and a small perceptron for flat vectors.
//
// Image architecture:
//
//	Conv 5x5 (16) -> BN -> ReLU -> MaxPool 2x2
//	Conv 3x3 (32) -> BN -> ReLU -> MaxPool 2x2
//	FC (64) -> ReLU -> FC (classes) -> Softmax
func buildModel(dev device.Device, d dataset.Dataset, cfg train.Config) (*network.Network, error) {
	shape := d.Shape()
	in, err := layer.NewInput(shape)
	if err != nil {
		return nil, err
	}
	net := network.New(dev, network.Options{Seed: cfg.Seed, MiniBatchSize: cfg.MiniBatchSize})
	if err := net.AddLayer(in); err != nil {
		return nil, err
	}

	var stack []func() (layer.Layer, error)
	if shape.Width > 1 {
		stack = append(stack,
			conv(5, 16, 2), bn, relu, pool,
			conv(3, 32, 1), bn, relu, pool,
		)
	}
	stack = append(stack, fc(64), relu, fc(d.NumClasses()), softmax)

	for _, mk := range stack {
		l, err := mk()
		if err != nil {
			return nil, err
		}
		if err := net.AddLayer(l); err != nil {
			return nil, err
		}
	}
	return net, nil
}

func conv(size, filters, padding int) func() (layer.Layer, error) {
	return func() (layer.Layer, error) {
		return layer.NewConvolutional(layer.ConvConfig{FilterSize: size, Filters: filters, Stride: 1, Padding: padding})
	}
}

func fc(units int) func() (layer.Layer, error) {
	return func() (layer.Layer, error) { return layer.NewFullyConnected(units) }
}

func bn() (layer.Layer, error)      { return layer.NewBatchNorm(), nil }
func relu() (layer.Layer, error)    { return layer.NewReLU(), nil }
func softmax() (layer.Layer, error) { return layer.NewSoftmax(), nil }
func pool() (layer.Layer, error)    { return layer.NewMaxPooling(2, 2) }

func modelType(d dataset.Dataset) string {
	if d.Shape().Width > 1 {
		return "convnet"
	}
	return "mlp"
}

// loadMNIST reads the MNIST training files from dir.
func loadMNIST(dir string, maxSamples int) (dataset.Dataset, error) {
	return dataset.LoadIDX(
		filepath.Join(dir, "train-images-idx3-ubyte"),
		filepath.Join(dir, "train-labels-idx1-ubyte"),
		10, maxSamples,
	)
}
