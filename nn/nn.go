// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/convnet/internal/device"
	"github.com/born-ml/convnet/internal/layer"
	"github.com/born-ml/convnet/internal/network"
	"github.com/born-ml/convnet/internal/tensor"
)

// Shape describes the geometry of one example.
type Shape = tensor.Shape

// Flat returns the shape of a one-dimensional volume.
func Flat(units int) Shape { return tensor.Flat(units) }

// Devices

// Device schedules layer kernels.
type Device = device.Device

// DeviceConfig configures CPU kernel dispatch.
type DeviceConfig = device.Config

// CPU returns a CPU device with the default worker pool.
func CPU() Device { return device.Default() }

// NewCPU returns a CPU device with the given configuration.
func NewCPU(cfg DeviceConfig) Device { return device.NewCPU(cfg) }

// NewWebGPU returns a device that runs matrix products on the GPU. It fails
// on platforms without WebGPU support; callers usually fall back to CPU.
func NewWebGPU(cfg DeviceConfig) (Device, error) { return device.NewWebGPU(cfg) }

// Layers

// Layer is the contract every layer satisfies.
type Layer = layer.Layer

// Kind identifies a layer type.
type Kind = layer.Kind

// Mode selects how normalization layers treat their statistics.
type Mode = layer.Mode

// Normalization modes.
const (
	Training     = layer.Training
	PreInference = layer.PreInference
	Inference    = layer.Inference
)

// Param is a learnable parameter or running statistic.
type Param = layer.Param

// ConvConfig holds convolution hyperparameters.
type ConvConfig = layer.ConvConfig

type (
	Input          = layer.Input
	FullyConnected = layer.FullyConnected
	Convolutional  = layer.Convolutional
	MaxPooling     = layer.MaxPooling
	AveragePooling = layer.AveragePooling
	BatchNorm      = layer.BatchNorm
	Activation     = layer.Activation
	Softmax        = layer.Softmax
)

// NewInput creates the input layer for examples of the given shape.
func NewInput(shape Shape) (*Input, error) { return layer.NewInput(shape) }

// NewFullyConnected creates a fully connected layer with the given number
// of output units.
func NewFullyConnected(units int) (*FullyConnected, error) { return layer.NewFullyConnected(units) }

// NewConvolutional creates a convolutional layer.
//
// Example:
//
//	conv, err := nn.NewConvolutional(nn.ConvConfig{FilterSize: 3, Filters: 32, Stride: 1, Padding: 1})
func NewConvolutional(cfg ConvConfig) (*Convolutional, error) { return layer.NewConvolutional(cfg) }

// NewMaxPooling creates a max pooling layer.
func NewMaxPooling(size, stride int) (*MaxPooling, error) { return layer.NewMaxPooling(size, stride) }

// NewAveragePooling creates a layer that averages each channel to one unit.
func NewAveragePooling() *AveragePooling { return layer.NewAveragePooling() }

// NewBatchNorm creates a batch normalization layer.
func NewBatchNorm() *BatchNorm { return layer.NewBatchNorm() }

// NewReLU creates a rectified linear activation.
func NewReLU() *Activation { return layer.NewReLU() }

// NewELU creates an exponential linear activation.
func NewELU(alpha float64) (*Activation, error) { return layer.NewELU(alpha) }

// NewTanh creates the activation tanh(beta*x).
func NewTanh(beta float64) (*Activation, error) { return layer.NewTanh(beta) }

// NewSoftmax creates the output layer.
func NewSoftmax() *Softmax { return layer.NewSoftmax() }

// MustInput is like NewInput but panics on error.
func MustInput(shape Shape) *Input { return must(NewInput(shape)) }

// MustFullyConnected is like NewFullyConnected but panics on error.
func MustFullyConnected(units int) *FullyConnected { return must(NewFullyConnected(units)) }

// MustConvolutional is like NewConvolutional but panics on error.
func MustConvolutional(cfg ConvConfig) *Convolutional { return must(NewConvolutional(cfg)) }

// MustMaxPooling is like NewMaxPooling but panics on error.
func MustMaxPooling(size, stride int) *MaxPooling { return must(NewMaxPooling(size, stride)) }

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// Networks

// Network is an ordered pipeline of layers from Input to Output.
type Network = network.Network

// Options configures a new network.
type Options = network.Options

// Bound is one end of a partial forward or backward pass.
type Bound = network.Bound

var (
	// Beginning is the first layer of the network.
	Beginning = network.Beginning
	// End is one past the last layer.
	End = network.End
)

// At returns the bound at layer i.
func At(i int) Bound { return network.At(i) }

// Errors returned while building networks.
var (
	ErrStructure = network.ErrStructure
	ErrConfig    = layer.ErrConfig
)

// NewNetwork creates an empty network on dev.
func NewNetwork(dev Device, opts Options) *Network { return network.New(dev, opts) }

// NewSequential creates a network on dev and adds layers in order.
func NewSequential(dev Device, opts Options, layers ...Layer) (*Network, error) {
	n := network.New(dev, opts)
	for _, l := range layers {
		if err := n.AddLayer(l); err != nil {
			return nil, err
		}
	}
	return n, nil
}
