package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"evorl/internal/tensor"
)

var ErrShape = errors.New("layer input shape mismatch")

// LSTM gate order within the leading axis of the gate tensors.
const (
	GateInput = iota
	GateForget
	GateCell
	GateOutput
	NumGates
)

// InitStd is the standard deviation used for freshly constructed weights.
func InitStd(fanIn int) float64 {
	if fanIn <= 0 {
		return 1
	}
	return 1 / math.Sqrt(float64(fanIn))
}

// NewLinearParams returns (weight[out,in], bias[out]) drawn from a scaled
// Gaussian.
func NewLinearParams(rng *rand.Rand, in, out int) (*tensor.Tensor, *tensor.Tensor) {
	std := InitStd(in)
	return tensor.Gaussian(rng, std, out, in), tensor.Gaussian(rng, std, out)
}

// NewConvParams returns (weight[out,in,k,k], bias[out]).
func NewConvParams(rng *rand.Rand, in, out, kernel int) (*tensor.Tensor, *tensor.Tensor) {
	std := InitStd(in * kernel * kernel)
	return tensor.Gaussian(rng, std, out, in, kernel, kernel), tensor.Gaussian(rng, std, out)
}

// NewLSTMParams returns (w_ih[4,h,in], w_hh[4,h,h], bias[4,h]).
func NewLSTMParams(rng *rand.Rand, in, hidden int) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	std := InitStd(hidden)
	return tensor.Gaussian(rng, std, NumGates, hidden, in),
		tensor.Gaussian(rng, std, NumGates, hidden, hidden),
		tensor.Gaussian(rng, std, NumGates, hidden)
}

// Linear computes x·wᵀ + b for x[batch,in], w[out,in], b[out].
func Linear(x, w, b *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("%w: linear x=%v w=%v", ErrShape, x.Shape, w.Shape)
	}
	if b.Rank() != 1 || b.Shape[0] != w.Shape[0] {
		return nil, fmt.Errorf("%w: linear bias=%v w=%v", ErrShape, b.Shape, w.Shape)
	}
	batch, out := x.Shape[0], w.Shape[0]
	y := tensor.New(batch, out)
	if batch == 0 {
		return y, nil
	}
	ym, err := y.Matrix()
	if err != nil {
		return nil, err
	}
	xm, err := x.Matrix()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	wm, err := w.Matrix()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	ym.Mul(xm, wm.T())
	for r := 0; r < batch; r++ {
		row := y.Data[r*out : (r+1)*out]
		for c := range row {
			row[c] += b.Data[c]
		}
	}
	return y, nil
}

// ConvOutputSize returns the spatial extent of a valid (unpadded) convolution,
// or 0 when the kernel does not fit.
func ConvOutputSize(in, kernel, stride int) int {
	if kernel <= 0 || stride <= 0 || in < kernel {
		return 0
	}
	return (in-kernel)/stride + 1
}

// Conv2D applies a valid convolution to x[batch,c,h,w] with w[o,c,k,k].
func Conv2D(x, w, b *tensor.Tensor, stride int) (*tensor.Tensor, error) {
	if x.Rank() != 4 || w.Rank() != 4 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("%w: conv x=%v w=%v", ErrShape, x.Shape, w.Shape)
	}
	batch, inC, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, k := w.Shape[0], w.Shape[2]
	oh, ow := ConvOutputSize(h, k, stride), ConvOutputSize(wd, k, stride)
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("%w: conv kernel %d stride %d on %dx%d", ErrShape, k, stride, h, wd)
	}
	y := tensor.New(batch, outC, oh, ow)
	for n := 0; n < batch; n++ {
		for o := 0; o < outC; o++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					sum := b.Data[o]
					for c := 0; c < inC; c++ {
						for ki := 0; ki < k; ki++ {
							xOff := ((n*inC+c)*h+i*stride+ki)*wd + j*stride
							wOff := ((o*inC+c)*k + ki) * k
							for kj := 0; kj < k; kj++ {
								sum += x.Data[xOff+kj] * w.Data[wOff+kj]
							}
						}
					}
					y.Data[((n*outC+o)*oh+i)*ow+j] = sum
				}
			}
		}
	}
	return y, nil
}

// LSTMLayer runs one recurrent layer over x[batch,steps,in] and returns the
// hidden sequence [batch,steps,hidden].
func LSTMLayer(x, wih, whh, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 || wih.Rank() != 3 || x.Shape[2] != wih.Shape[2] {
		return nil, fmt.Errorf("%w: lstm x=%v w_ih=%v", ErrShape, x.Shape, wih.Shape)
	}
	batch, steps, in := x.Shape[0], x.Shape[1], x.Shape[2]
	hidden := wih.Shape[1]
	if batch == 0 || steps == 0 {
		return tensor.New(batch, steps, hidden), nil
	}

	h := mat.NewDense(batch, hidden, nil)
	c := mat.NewDense(batch, hidden, nil)
	out := tensor.New(batch, steps, hidden)
	gates := make([]*mat.Dense, NumGates)
	for g := range gates {
		gates[g] = mat.NewDense(batch, hidden, nil)
	}
	xt := mat.NewDense(batch, in, nil)
	var tmp mat.Dense

	for t := 0; t < steps; t++ {
		for n := 0; n < batch; n++ {
			xt.SetRow(n, x.Data[(n*steps+t)*in:(n*steps+t+1)*in])
		}
		for g := 0; g < NumGates; g++ {
			wi := mat.NewDense(hidden, in, wih.Data[g*hidden*in:(g+1)*hidden*in])
			wh := mat.NewDense(hidden, hidden, whh.Data[g*hidden*hidden:(g+1)*hidden*hidden])
			gates[g].Mul(xt, wi.T())
			tmp.Reset()
			tmp.Mul(h, wh.T())
			gates[g].Add(gates[g], &tmp)
			bg := bias.Data[g*hidden : (g+1)*hidden]
			gates[g].Apply(func(_, j int, v float64) float64 { return v + bg[j] }, gates[g])
		}
		for n := 0; n < batch; n++ {
			for j := 0; j < hidden; j++ {
				ig := sigmoid(gates[GateInput].At(n, j))
				fg := sigmoid(gates[GateForget].At(n, j))
				gg := math.Tanh(gates[GateCell].At(n, j))
				og := sigmoid(gates[GateOutput].At(n, j))
				cv := fg*c.At(n, j) + ig*gg
				hv := og * math.Tanh(cv)
				c.Set(n, j, cv)
				h.Set(n, j, hv)
				out.Data[(n*steps+t)*hidden+j] = hv
			}
		}
	}
	return out, nil
}

// LastStep extracts x[:, steps-1, :] from a [batch,steps,features] tensor.
func LastStep(x *tensor.Tensor) *tensor.Tensor {
	batch, steps, f := x.Shape[0], x.Shape[1], x.Shape[2]
	out := tensor.New(batch, f)
	for n := 0; n < batch; n++ {
		copy(out.Data[n*f:(n+1)*f], x.Data[(n*steps+steps-1)*f:(n*steps+steps)*f])
	}
	return out
}

// Flatten reshapes x[batch, ...] to [batch, rest] sharing storage.
func Flatten(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() == 2 {
		return x
	}
	return &tensor.Tensor{Shape: []int{x.Shape[0], tensor.Size(x.Shape[1:])}, Data: x.Data}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
