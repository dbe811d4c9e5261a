//go:build !windows

package device

import "fmt"

// NewWebGPU reports ErrUnavailable: the go-webgpu bindings are only wired on
// Windows builds.
func NewWebGPU(_ Config) (Device, error) {
	return nil, fmt.Errorf("%w: webgpu is only supported on windows builds", ErrUnavailable)
}
