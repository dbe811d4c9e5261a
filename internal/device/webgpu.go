//go:build windows

package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/born-ml/convnet/internal/parallel"
	"github.com/go-webgpu/webgpu/wgpu"
	"gonum.org/v1/gonum/mat"
)

// matmulShader computes C = A @ B for row-major A [M, K] and B [K, N].
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;

    if (row >= params.M || col >= params.N) {
        return;
    }

    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < params.K; k = k + 1u) {
        sum = sum + a[row * params.K + k] * b[k * params.N + col];
    }
    result[row * params.N + col] = sum;
}
`

// gpuMinWork is the smallest M*K*N product worth a round trip to the GPU.
const gpuMinWork = 1 << 15

// WebGPU offloads matrix products to a GPU through go-webgpu. Elementwise
// kernels run on host goroutines. Products are computed in float32.
type WebGPU struct {
	cfg      parallel.Config
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	mu       sync.Mutex
}

// NewWebGPU opens the default high-performance adapter. It returns an error
// wrapping ErrUnavailable when no adapter or native library is present.
func NewWebGPU(cfg Config) (dev Device, err error) {
	// wgpu panics when the native library cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("%w: webgpu native library: %v", ErrUnavailable, r)
		}
	}()

	if cfg.Validate() != nil {
		cfg = parallel.Config{Enabled: false}
	}

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", ErrUnavailable, adapterErr)
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", ErrUnavailable, deviceErr)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no device queue", ErrUnavailable)
	}

	shader := device.CreateShaderModuleWGSL(matmulShader)
	pipeline := device.CreateComputePipelineSimple(nil, shader, "main")

	return &WebGPU{
		cfg:      cfg,
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		shader:   shader,
		pipeline: pipeline,
	}, nil
}

// Name implements Device.
func (g *WebGPU) Name() string {
	return "webgpu"
}

// Dispatch implements Device.
func (g *WebGPU) Dispatch(n int, kernel func(i int)) {
	parallel.For(n, kernel, g.cfg)
}

// MatMul implements Device. Small products stay on the host.
func (g *WebGPU) MatMul(dst *mat.Dense, a, b mat.Matrix) {
	m, k := a.Dims()
	_, n := b.Dims()
	if m*k*n < gpuMinWork {
		dst.Mul(a, b)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.runMatMul(a, b, m, k, n)
	if err != nil {
		// A failed dispatch leaves no consistent state to resume from.
		panic(fmt.Sprintf("device: webgpu matmul: %v", err))
	}
	for i := 0; i < m; i++ {
		row := dst.RawRowView(i)
		for j := range row {
			row[j] = float64(out[i*n+j])
		}
	}
}

func (g *WebGPU) runMatMul(a, b mat.Matrix, m, k, n int) ([]float32, error) {
	bufferA := g.createBuffer(packFloat32(a), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferA.Release()
	bufferB := g.createBuffer(packFloat32(b), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferB.Release()

	//nolint:gosec // G115: matrix dimensions are non-negative
	resultSize := uint64(m * n * 4)
	bufferResult := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  resultSize,
	})
	defer bufferResult.Release()

	params := make([]byte, 16)
	//nolint:gosec // G115: matrix dimensions are non-negative
	binary.LittleEndian.PutUint32(params[0:4], uint32(m))
	//nolint:gosec // G115: matrix dimensions are non-negative
	binary.LittleEndian.PutUint32(params[4:8], uint32(k))
	//nolint:gosec // G115: matrix dimensions are non-negative
	binary.LittleEndian.PutUint32(params[8:12], uint32(n))
	bufferParams := g.createBuffer(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	defer bufferParams.Release()

	layout := g.pipeline.GetBindGroupLayout(0)
	//nolint:gosec // G115: matrix dimensions are non-negative
	bindGroup := g.device.CreateBindGroupSimple(layout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferA, 0, uint64(m*k*4)),
		wgpu.BufferBindingEntry(1, bufferB, 0, uint64(k*n*4)),
		wgpu.BufferBindingEntry(2, bufferResult, 0, resultSize),
		wgpu.BufferBindingEntry(3, bufferParams, 0, 16),
	})
	defer bindGroup.Release()

	encoder := g.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(g.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(math.Ceil(float64(n)/16)), uint32(math.Ceil(float64(m)/16)), 1)
	pass.End()
	g.queue.Submit(encoder.Finish(nil))

	raw, err := g.readBuffer(bufferResult, resultSize)
	if err != nil {
		return nil, err
	}
	out := make([]float32, m*n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// createBuffer uploads data into a new buffer mapped at creation.
func (g *WebGPU) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	aligned := (size + 15) &^ 15
	buffer := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             aligned,
		MappedAtCreation: wgpu.True,
	})
	ptr := buffer.GetMappedRange(0, aligned)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(unsafe.Slice((*byte)(ptr), aligned), data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies src back to host memory through a staging buffer.
func (g *WebGPU) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := g.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	g.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(g.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}
	ptr := staging.GetMappedRange(0, size)
	result := make([]byte, size)
	//nolint:gosec // unsafe.Slice over the mapped range
	copy(result, unsafe.Slice((*byte)(ptr), size))
	staging.Unmap()
	return result, nil
}

// Release implements Device.
func (g *WebGPU) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pipeline != nil {
		g.pipeline.Release()
		g.pipeline = nil
	}
	if g.shader != nil {
		g.shader.Release()
		g.shader = nil
	}
	if g.queue != nil {
		g.queue.Release()
		g.queue = nil
	}
	if g.device != nil {
		g.device.Release()
		g.device = nil
	}
	if g.adapter != nil {
		g.adapter.Release()
		g.adapter = nil
	}
	if g.instance != nil {
		g.instance.Release()
		g.instance = nil
	}
}

// packFloat32 flattens m row-major into little-endian float32 bytes.
func packFloat32(m mat.Matrix) []byte {
	r, c := m.Dims()
	out := make([]byte, r*c*4)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			binary.LittleEndian.PutUint32(out[(i*c+j)*4:], math.Float32bits(float32(m.At(i, j))))
		}
	}
	return out
}
