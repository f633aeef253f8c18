package onnx

import (
	"fmt"
	"math"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a dense row-major tensor exchanged with a graph runner. Exactly
// one of f32 and i64 backs it, matching dtype.
type Tensor struct {
	dtype TensorDType
	shape []int64
	f32   []float32
	i64   []int64
}

// NewTensor copies data into a tensor of the given shape. Zero-sized
// dimensions are allowed so an empty decoder output still round-trips.
func NewTensor[T int64 | float32](data []T, shape []int64) (*Tensor, error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v expects %d elements, got %d", shape, n, len(data))
	}

	t := &Tensor{shape: append([]int64(nil), shape...)}
	switch d := any(data).(type) {
	case []float32:
		t.dtype, t.f32 = DTypeFloat32, append([]float32{}, d...)
	case []int64:
		t.dtype, t.i64 = DTypeInt64, append([]int64{}, d...)
	}

	return t, nil
}

func (t *Tensor) DType() TensorDType { return t.dtype }

func (t *Tensor) Shape() []int64 { return append([]int64(nil), t.shape...) }

// Len returns the number of elements.
func (t *Tensor) Len() int {
	if t.dtype == DTypeInt64 {
		return len(t.i64)
	}
	return len(t.f32)
}

// Data returns a copy of the backing slice ([]float32 or []int64).
func (t *Tensor) Data() any {
	if t.dtype == DTypeInt64 {
		return append([]int64(nil), t.i64...)
	}
	return append([]float32(nil), t.f32...)
}

// ExtractFloat32 returns a copy of a float32 tensor's elements.
func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("expected float32 tensor, got nil")
	}
	if t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}

	return append([]float32(nil), t.f32...), nil
}

// ExtractInt64 returns a copy of an int64 tensor's elements.
func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil {
		return nil, fmt.Errorf("expected int64 tensor, got nil")
	}
	if t.dtype != DTypeInt64 {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}

	return append([]int64(nil), t.i64...), nil
}

func elementCount(shape []int64) (int, error) {
	count := int64(1)
	for i, dim := range shape {
		switch {
		case dim < 0:
			return 0, fmt.Errorf("shape[%d]=%d is negative", i, dim)
		case dim == 0:
			count = 0
		case count > math.MaxInt64/dim:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		default:
			count *= dim
		}
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}

	return int(count), nil
}
