// Package tensor defines the read-only weight view shared by the model
// file formats.
package tensor

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-qasr/internal/quant"
)

// ErrNotFound is returned when a required tensor is missing from a store.
var ErrNotFound = errors.New("tensor not found")

type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size is the byte width of one element.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// Tensor is a named, typed view over little-endian bytes. Data usually
// aliases a memory-mapped file and must not be written.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// Elements is the product of the shape.
func (t Tensor) Elements() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Float32s converts the whole tensor to a new float32 slice.
func (t Tensor) Float32s() ([]float32, error) {
	if want := t.Elements() * t.DType.Size(); len(t.Data) < want {
		return nil, fmt.Errorf("tensor %s: have %d bytes, shape %v needs %d", t.Name, len(t.Data), t.Shape, want)
	}
	switch t.DType {
	case F32:
		return quant.F32Bytes(t.Data[:t.Elements()*4]), nil
	case F16:
		return quant.F16ToF32(t.Data[:t.Elements()*2]), nil
	case BF16:
		return quant.BF16ToF32(t.Data[:t.Elements()*2]), nil
	}
	return nil, fmt.Errorf("tensor %s: unsupported dtype %v", t.Name, t.DType)
}

// Row converts row r of a 2-D tensor with cols columns into dst.
func (t Tensor) Row(dst []float32, r, cols int) {
	sz := t.DType.Size()
	src := t.Data[r*cols*sz : (r+1)*cols*sz]
	switch t.DType {
	case F32:
		copy(dst, quant.F32Bytes(src))
	case F16:
		copy(dst, quant.F16ToF32(src))
	case BF16:
		quant.BF16RowToF32(dst, src)
	}
}

// FromFloat32s wraps x as an F32 tensor without copying.
func FromFloat32s(name string, x []float32, shape ...int64) Tensor {
	var b []byte
	if len(x) > 0 {
		b = unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x)*4)
	}
	if len(shape) == 0 {
		shape = []int64{int64(len(x))}
	}
	return Tensor{Name: name, DType: F32, Shape: shape, Data: b}
}

// Store is a read-only collection of named tensors.
type Store interface {
	Find(name string) (Tensor, bool)
	// SourceSize is the total size in bytes of the backing files; it keys
	// derived caches.
	SourceSize() int64
	Close() error
}

// Get returns the named tensor or an error wrapping ErrNotFound.
func Get(s Store, name string) (Tensor, error) {
	t, ok := s.Find(name)
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// GetF32 loads the named tensor as float32s.
func GetF32(s Store, name string) ([]float32, error) {
	t, err := Get(s, name)
	if err != nil {
		return nil, err
	}
	return t.Float32s()
}

// MemStore is an in-memory Store, used for synthesized weights.
type MemStore struct {
	Tensors map[string]Tensor
	Size    int64
}

func NewMemStore() *MemStore {
	return &MemStore{Tensors: map[string]Tensor{}}
}

// Put adds x under name.
func (m *MemStore) Put(name string, x []float32, shape ...int64) {
	m.Tensors[name] = FromFloat32s(name, x, shape...)
	m.Size += int64(len(x) * 4)
}

func (m *MemStore) Find(name string) (Tensor, bool) {
	t, ok := m.Tensors[name]
	return t, ok
}

func (m *MemStore) SourceSize() int64 { return m.Size }

func (m *MemStore) Close() error { return nil }
