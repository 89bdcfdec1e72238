package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Layer is one stage of the network. Backward returns the gradient w.r.t. the
// layer input given the forward input, the forward output and the gradient
// w.r.t. the output. Layers hold no per-call state and are safe for
// concurrent use.
type Layer interface {
	Name() string
	OutShape(in []int) ([]int, error)
	Forward(in *Tensor) (*Tensor, error)
	Backward(in, out, grad *Tensor) (*Tensor, error)
}

// Padding modes for Conv2D, following the Keras conventions.
const (
	PaddingValid = "valid"
	PaddingSame  = "same"
)

// Conv2D is a 2D convolution over an HWC tensor. The kernel is laid out
// kh×kw×cin×cout.
type Conv2D struct {
	name         string
	kh, kw       int
	cin, cout    int
	stride       int
	padding      string
	act          Activation
	kernel, bias []float64
}

func (c *Conv2D) Name() string { return c.name }

func (c *Conv2D) geometry(h, w int) (oh, ow, pt, pl int, err error) {
	s := c.stride
	switch c.padding {
	case PaddingSame:
		oh = (h + s - 1) / s
		ow = (w + s - 1) / s
		pt = max((oh-1)*s+c.kh-h, 0) / 2
		pl = max((ow-1)*s+c.kw-w, 0) / 2
	default:
		if h < c.kh || w < c.kw {
			return 0, 0, 0, 0, errors.Wrapf(ErrShapeMismatch, "%s: input %dx%d smaller than kernel %dx%d", c.name, h, w, c.kh, c.kw)
		}
		oh = (h-c.kh)/s + 1
		ow = (w-c.kw)/s + 1
	}
	return oh, ow, pt, pl, nil
}

func (c *Conv2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 || in[2] != c.cin {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: want HxWx%d, got %v", c.name, c.cin, in)
	}
	oh, ow, _, _, err := c.geometry(in[0], in[1])
	if err != nil {
		return nil, err
	}
	return []int{oh, ow, c.cout}, nil
}

func (c *Conv2D) Forward(in *Tensor) (*Tensor, error) {
	shape, err := c.OutShape(in.Shape)
	if err != nil {
		return nil, err
	}
	h, w := in.Shape[0], in.Shape[1]
	oh, ow := shape[0], shape[1]
	_, _, pt, pl, _ := c.geometry(h, w)
	out := NewTensor(shape...)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			o := out.Data[(oy*ow+ox)*c.cout : (oy*ow+ox+1)*c.cout]
			copy(o, c.bias)
			for ky := 0; ky < c.kh; ky++ {
				iy := oy*c.stride + ky - pt
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < c.kw; kx++ {
					ix := ox*c.stride + kx - pl
					if ix < 0 || ix >= w {
						continue
					}
					px := in.Data[(iy*w+ix)*c.cin : (iy*w+ix+1)*c.cin]
					for ic, v := range px {
						if v == 0 {
							continue
						}
						k := ((ky*c.kw+kx)*c.cin + ic) * c.cout
						floats.AddScaled(o, v, c.kernel[k:k+c.cout])
					}
				}
			}
		}
	}
	c.act.apply(out.Data, c.cout)
	return out, nil
}

func (c *Conv2D) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if !sameShape(out.Shape, grad.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for output %v", c.name, grad.Shape, out.Shape)
	}
	h, w := in.Shape[0], in.Shape[1]
	oh, ow := out.Shape[0], out.Shape[1]
	_, _, pt, pl, err := c.geometry(h, w)
	if err != nil {
		return nil, err
	}
	g := c.act.backward(out.Data, grad.Data, c.cout)
	dx := NewTensor(in.Shape...)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			gv := g[(oy*ow+ox)*c.cout : (oy*ow+ox+1)*c.cout]
			for ky := 0; ky < c.kh; ky++ {
				iy := oy*c.stride + ky - pt
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < c.kw; kx++ {
					ix := ox*c.stride + kx - pl
					if ix < 0 || ix >= w {
						continue
					}
					dst := dx.Data[(iy*w+ix)*c.cin : (iy*w+ix+1)*c.cin]
					for ic := range dst {
						k := ((ky*c.kw+kx)*c.cin + ic) * c.cout
						dst[ic] += floats.Dot(c.kernel[k:k+c.cout], gv)
					}
				}
			}
		}
	}
	return dx, nil
}

// MaxPool2D takes the maximum over non-padded pool windows of an HWC tensor.
type MaxPool2D struct {
	name         string
	pool, stride int
}

func (p *MaxPool2D) Name() string { return p.name }

func (p *MaxPool2D) OutShape(in []int) ([]int, error) {
	if len(in) != 3 || in[0] < p.pool || in[1] < p.pool {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: cannot pool %v with window %d", p.name, in, p.pool)
	}
	return []int{(in[0]-p.pool)/p.stride + 1, (in[1]-p.pool)/p.stride + 1, in[2]}, nil
}

// argmax returns the flat input index of the maximum of each output element.
func (p *MaxPool2D) argmax(in *Tensor, shape []int) []int {
	w, ch := in.Shape[1], in.Shape[2]
	oh, ow := shape[0], shape[1]
	idx := make([]int, oh*ow*ch)
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for c := 0; c < ch; c++ {
				best := -1
				for ky := 0; ky < p.pool; ky++ {
					for kx := 0; kx < p.pool; kx++ {
						i := ((oy*p.stride+ky)*w+ox*p.stride+kx)*ch + c
						if best < 0 || in.Data[i] > in.Data[best] {
							best = i
						}
					}
				}
				idx[(oy*ow+ox)*ch+c] = best
			}
		}
	}
	return idx
}

func (p *MaxPool2D) Forward(in *Tensor) (*Tensor, error) {
	shape, err := p.OutShape(in.Shape)
	if err != nil {
		return nil, err
	}
	out := NewTensor(shape...)
	for o, i := range p.argmax(in, shape) {
		out.Data[o] = in.Data[i]
	}
	return out, nil
}

func (p *MaxPool2D) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if !sameShape(out.Shape, grad.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for output %v", p.name, grad.Shape, out.Shape)
	}
	dx := NewTensor(in.Shape...)
	for o, i := range p.argmax(in, out.Shape) {
		dx.Data[i] += grad.Data[o]
	}
	return dx, nil
}

// Flatten reshapes its input to one dimension.
type Flatten struct {
	name string
}

func (f *Flatten) Name() string { return f.name }

func (f *Flatten) OutShape(in []int) ([]int, error) { return []int{prod(in)}, nil }

func (f *Flatten) Forward(in *Tensor) (*Tensor, error) {
	return &Tensor{Shape: []int{in.Len()}, Data: in.Data}, nil
}

func (f *Flatten) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if grad.Len() != in.Len() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for input %v", f.name, grad.Shape, in.Shape)
	}
	return &Tensor{Shape: append([]int(nil), in.Shape...), Data: grad.Data}, nil
}

// Dense is a fully connected layer over a flat input. The kernel is in×units.
type Dense struct {
	name   string
	kernel *mat.Dense
	bias   []float64
	act    Activation
}

func (d *Dense) Name() string { return d.name }

func (d *Dense) inUnits() (int, int) { return d.kernel.Dims() }

func (d *Dense) OutShape(in []int) ([]int, error) {
	n, units := d.inUnits()
	if len(in) != 1 || in[0] != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: want [%d], got %v", d.name, n, in)
	}
	return []int{units}, nil
}

func (d *Dense) Forward(in *Tensor) (*Tensor, error) {
	shape, err := d.OutShape(in.Shape)
	if err != nil {
		return nil, err
	}
	out := NewTensor(shape...)
	y := mat.NewVecDense(shape[0], out.Data)
	y.MulVec(d.kernel.T(), mat.NewVecDense(in.Len(), in.Data))
	floats.Add(out.Data, d.bias)
	d.act.apply(out.Data, shape[0])
	return out, nil
}

func (d *Dense) Backward(in, out, grad *Tensor) (*Tensor, error) {
	n, units := d.inUnits()
	if grad.Len() != units || in.Len() != n {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for output %v", d.name, grad.Shape, out.Shape)
	}
	g := d.act.backward(out.Data, grad.Data, units)
	dx := NewTensor(in.Shape...)
	v := mat.NewVecDense(n, dx.Data)
	v.MulVec(d.kernel, mat.NewVecDense(units, g))
	return dx, nil
}

// ActivationLayer applies an activation over the last axis of its input.
type ActivationLayer struct {
	name string
	act  Activation
}

func (a *ActivationLayer) Name() string { return a.name }

func (a *ActivationLayer) OutShape(in []int) ([]int, error) { return append([]int(nil), in...), nil }

func (a *ActivationLayer) Forward(in *Tensor) (*Tensor, error) {
	out := in.Clone()
	a.act.apply(out.Data, lastDim(in.Shape))
	return out, nil
}

func (a *ActivationLayer) Backward(in, out, grad *Tensor) (*Tensor, error) {
	if !sameShape(out.Shape, grad.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: gradient %v for output %v", a.name, grad.Shape, out.Shape)
	}
	return &Tensor{Shape: append([]int(nil), in.Shape...), Data: a.act.backward(out.Data, grad.Data, lastDim(in.Shape))}, nil
}

func lastDim(shape []int) int {
	if len(shape) == 0 {
		return 1
	}
	return shape[len(shape)-1]
}
