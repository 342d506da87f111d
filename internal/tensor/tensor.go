// Package tensor holds the shape-tagged float64 buffers that evolvable modules
// own as weights, together with the per-axis overlap copy used when a module is
// rebuilt with different dimensions.
package tensor

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrRankMismatch  = errors.New("tensor rank mismatch")
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	ErrInvalidShape  = errors.New("invalid tensor shape")
)

// Tensor is a dense row-major buffer. The last axis is contiguous.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Size returns the number of elements a tensor of the given shape holds.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, Size(shape)),
	}
}

// FromData wraps data without copying.
func FromData(shape []int, data []float64) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidShape, shape)
		}
	}
	if Size(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape=%v len=%d", ErrShapeMismatch, shape, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Gaussian allocates a tensor with entries drawn from N(0, std^2).
func Gaussian(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}

// FromMatrix copies a gonum matrix into a rank-2 tensor.
func FromMatrix(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := New(r, c)
	dst := mat.NewDense(r, c, t.Data)
	dst.Copy(m)
	return t
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if t.Rank() != o.Rank() {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports exact equality of shape and contents.
func (t *Tensor) Equal(o *Tensor) bool {
	return t.SameShape(o) && floats.Equal(t.Data, o.Data)
}

// Norm returns the L2 norm of all entries.
func (t *Tensor) Norm() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return floats.Norm(t.Data, 2)
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d for shape %v", len(idx), t.Shape))
	}
	off := 0
	for i, s := range strides(t.Shape) {
		if idx[i] < 0 || idx[i] >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off += idx[i] * s
	}
	return off
}

func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.offset(idx)]
}

func (t *Tensor) Set(v float64, idx ...int) {
	t.Data[t.offset(idx)] = v
}

// Reshape returns a view sharing storage with t.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(shape, t.Data)
}

// Matrix views t as a (shape[0], rest) gonum matrix sharing storage. gonum
// has no empty matrices, so t must not have a zero dimension.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if t.Len() == 0 {
		return nil, fmt.Errorf("%w: empty tensor %v has no matrix view", ErrInvalidShape, t.Shape)
	}
	switch t.Rank() {
	case 0:
		return mat.NewDense(1, 1, t.Data), nil
	case 1:
		return mat.NewDense(1, t.Shape[0], t.Data), nil
	default:
		return mat.NewDense(t.Shape[0], Size(t.Shape[1:]), t.Data), nil
	}
}

// CopyOverlap copies, for every axis, the first min(dst, src) entries of src
// into dst. Entries of dst outside the overlap are left untouched.
func CopyOverlap(dst, src *Tensor) error {
	if dst.Rank() != src.Rank() {
		return fmt.Errorf("%w: dst=%v src=%v", ErrRankMismatch, dst.Shape, src.Shape)
	}
	rank := dst.Rank()
	if rank == 0 {
		copy(dst.Data, src.Data)
		return nil
	}
	overlap := make([]int, rank)
	for i := range overlap {
		overlap[i] = min(dst.Shape[i], src.Shape[i])
		if overlap[i] == 0 {
			return nil
		}
	}
	ds, ss := strides(dst.Shape), strides(src.Shape)
	last := rank - 1
	run := overlap[last]
	idx := make([]int, rank)
	for {
		doff, soff := 0, 0
		for a := 0; a < last; a++ {
			doff += idx[a] * ds[a]
			soff += idx[a] * ss[a]
		}
		copy(dst.Data[doff:doff+run], src.Data[soff:soff+run])

		a := last - 1
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < overlap[a] {
				break
			}
			idx[a] = 0
		}
		if a < 0 {
			return nil
		}
	}
}

// ConcatColumns joins rank-2 tensors with equal row counts along axis 1.
func ConcatColumns(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrInvalidShape)
	}
	rows := parts[0].Shape[0]
	cols := 0
	for _, p := range parts {
		if p.Rank() != 2 {
			return nil, fmt.Errorf("%w: concat expects rank 2, got %v", ErrRankMismatch, p.Shape)
		}
		if p.Shape[0] != rows {
			return nil, fmt.Errorf("%w: concat rows %d vs %d", ErrShapeMismatch, p.Shape[0], rows)
		}
		cols += p.Shape[1]
	}
	out := New(rows, cols)
	for r := 0; r < rows; r++ {
		at := r * cols
		for _, p := range parts {
			w := p.Shape[1]
			copy(out.Data[at:at+w], p.Data[r*w:(r+1)*w])
			at += w
		}
	}
	return out, nil
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
