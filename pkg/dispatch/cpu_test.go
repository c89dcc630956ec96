package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCpuAddFlat(t *testing.T) {
	dst := make([]float32, 4)
	CpuAddFlat(dst, []float32{1, 2, 3, 4}, []float32{10, 20, 30, 40})
	assert.Equal(t, []float32{11, 22, 33, 44}, dst)
}

func TestCpuAddFlatClampsToShortestSlice(t *testing.T) {
	dst := make([]float32, 4)
	CpuAddFlat(dst, []float32{1, 2}, []float32{10, 20, 30, 40})
	assert.Equal(t, []float32{11, 22, 0, 0}, dst)
}

func TestCpuReduceSumFlat(t *testing.T) {
	assert.Equal(t, float32(10), CpuReduceSumFlat([]float32{1, 2, 3, 4}))
	assert.Equal(t, float32(0), CpuReduceSumFlat(nil))
}

func TestCpuMatMulFlat(t *testing.T) {
	a := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	b := []float32{
		7, 8,
		9, 10,
		11, 12,
	}
	dst := make([]float32, 4)
	CpuMatMulFlat(dst, a, b, 2, 3, 2)
	assert.Equal(t, []float32{58, 64, 139, 154}, dst)
}

func TestCpuTransposeFlat(t *testing.T) {
	src := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	dst := make([]float32, 6)
	CpuTransposeFlat(dst, src, 2, 3)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, dst)
}
