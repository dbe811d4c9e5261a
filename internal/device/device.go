// Package device abstracts the compute device that executes layer kernels.
//
// A Device offers two primitives:
//   - Dispatch runs a data-parallel kernel over an index range and blocks until
//     every invocation has completed;
//   - MatMul computes a dense matrix product, which the convolutional and fully
//     connected layers use for their im2col and weight products.
//
// Devices are driven from a single control goroutine. Neither primitive may be
// called concurrently with itself on the same Device.
package device

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrUnavailable is returned when a requested device cannot be opened on
// this host.
var ErrUnavailable = errors.New("device: unavailable")

// Device executes layer kernels.
type Device interface {
	// Name identifies the device in logs and summaries.
	Name() string

	// Dispatch executes kernel(i) for every i in [0, n). It returns only after
	// all invocations have finished.
	Dispatch(n int, kernel func(i int))

	// MatMul stores a*b into dst. dst must already be sized rows(a) x cols(b)
	// and must not alias a or b.
	MatMul(dst *mat.Dense, a, b mat.Matrix)

	// Release frees device resources. The device must not be used afterwards.
	Release()
}

// Default returns a CPU device configured for the host.
func Default() Device {
	return NewCPU(DefaultConfig())
}
