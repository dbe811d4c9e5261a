package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCPU_DispatchDrains(t *testing.T) {
	dev := NewCPU(Config{Enabled: true, Workers: 4, WorkGroupSize: 2})
	defer dev.Release()

	var sum int64
	dev.Dispatch(100, func(i int) {
		atomic.AddInt64(&sum, int64(i))
	})
	// Dispatch returns only after every invocation completed.
	assert.Equal(t, int64(4950), sum)
}

func TestCPU_MatMul(t *testing.T) {
	dev := Default()
	a := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := mat.NewDense(3, 2, []float64{7, 8, 9, 10, 11, 12})
	dst := mat.NewDense(2, 2, nil)

	dev.MatMul(dst, a, b)
	assert.Equal(t, []float64{58, 64, 139, 154}, dst.RawMatrix().Data)

	// Transposed operands are accepted.
	dst2 := mat.NewDense(3, 3, nil)
	dev.MatMul(dst2, a.T(), a)
	assert.InDelta(t, 17.0, dst2.At(0, 0), 1e-12)
	assert.InDelta(t, 45.0, dst2.At(2, 2), 1e-12)
}

func TestNewCPU_InvalidConfigFallsBack(t *testing.T) {
	dev := NewCPU(Config{Enabled: true, Workers: -3})
	assert.False(t, dev.Config().Enabled)
	assert.Equal(t, "cpu (sequential)", dev.Name())
}

func TestNewWebGPU(t *testing.T) {
	dev, err := NewWebGPU(DefaultConfig())
	if err != nil {
		require.ErrorIs(t, err, ErrUnavailable)
		t.Skipf("WebGPU not available: %v", err)
	}
	defer dev.Release()

	m, k, n := 40, 30, 50
	a := mat.NewDense(m, k, nil)
	b := mat.NewDense(k, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < k; j++ {
			a.Set(i, j, float64((i+j)%7)/7)
		}
	}
	for i := 0; i < k; i++ {
		for j := 0; j < n; j++ {
			b.Set(i, j, float64((i*j)%5)/5)
		}
	}
	got := mat.NewDense(m, n, nil)
	want := mat.NewDense(m, n, nil)
	dev.MatMul(got, a, b)
	want.Mul(a, b)
	assert.True(t, mat.EqualApprox(got, want, 1e-3))
}
