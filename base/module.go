package base

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Conv1d creates a Conv1D module.
func Conv1d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv1D {
	config := nn.DefaultConv1DConfig()
	config.Stride = []int64{stride}
	config.Padding = []int64{padding}

	return nn.NewConv1D(p, cIn, cOut, ksize, config)
}

// Conv2d creates a Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv3d creates a Conv3D module.
func Conv3d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv3D {
	config := nn.DefaultConv3DConfig()
	config.Stride = []int64{stride, stride, stride}
	config.Padding = []int64{padding, padding, padding}

	return nn.NewConv3D(p, cIn, cOut, ksize, config)
}

// LeakyRelu applies a leaky rectification with the given negative slope.
// Composed from relu; the bare leaky-relu kernel takes no slope argument.
func LeakyRelu(x *ts.Tensor, slope float64) *ts.Tensor {
	pos := x.MustRelu(false)
	neg := x.MustNeg(false).MustRelu(true).MustMul1(ts.FloatScalar(slope), true)
	res := pos.MustSub(neg, true)
	neg.MustDrop()

	return res
}

// ConvBlock is a single spatial convolution (kernel 3, padding 1,
// configurable stride) followed by LeakyReLU with negative slope 0.2.
type ConvBlock struct {
	conv ts.ModuleT
}

// NewConvBlock creates a ConvBlock for the given spatial rank.
func NewConvBlock(p *nn.Path, ndims, cIn, cOut, stride int64) (*ConvBlock, error) {
	var conv ts.ModuleT
	switch ndims {
	case 1:
		conv = Conv1d(p, cIn, cOut, 3, 1, stride)
	case 2:
		conv = Conv2d(p, cIn, cOut, 3, 1, stride)
	case 3:
		conv = Conv3d(p, cIn, cOut, 3, 1, stride)
	default:
		return nil, fmt.Errorf("base: spatial rank must be 1, 2 or 3. Got %v", ndims)
	}

	return &ConvBlock{conv}, nil
}

// ForwardT implements ts.ModuleT for ConvBlock.
func (b *ConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c := b.conv.ForwardT(x, train)
	res := LeakyRelu(c, 0.2)
	c.MustDrop()

	return res
}

// MaxPool applies parameterless max pooling with the given factor.
// x should be in shape [B C spatial...].
func MaxPool(x *ts.Tensor, ndims, factor int64) *ts.Tensor {
	switch ndims {
	case 1:
		return x.MustMaxPool1d([]int64{factor}, []int64{factor}, []int64{0}, []int64{1}, false, false)
	case 2:
		return x.MustMaxPool2d([]int64{factor, factor}, []int64{factor, factor}, []int64{0, 0}, []int64{1, 1}, false, false)
	case 3:
		return x.MustMaxPool3d([]int64{factor, factor, factor}, []int64{factor, factor, factor}, []int64{0, 0, 0}, []int64{1, 1, 1}, false, false)
	default:
		panic(fmt.Sprintf("base: unsupported spatial rank %v", ndims))
	}
}

// UpsampleNearest scales every spatial dim of x by the given factor
// using nearest-neighbor interpolation.
func UpsampleNearest(x *ts.Tensor, ndims, factor int64) *ts.Tensor {
	size := x.MustSize()
	outSize := make([]int64, ndims)
	for i := range outSize {
		outSize[i] = size[2+i] * factor
	}

	switch ndims {
	case 1:
		return x.MustUpsampleNearest1d(outSize, nil, false)
	case 2:
		return x.MustUpsampleNearest2d(outSize, nil, nil, false)
	case 3:
		return x.MustUpsampleNearest3d(outSize, nil, nil, nil, false)
	default:
		panic(fmt.Sprintf("base: unsupported spatial rank %v", ndims))
	}
}
