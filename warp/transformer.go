package warp

import (
	"fmt"

	ts "github.com/sugarme/gotch/tensor"
)

// SpatialTransformer resamples a source tensor at coordinates displaced by a
// dense flow field. Sampling is bilinear so gradients flow from the warped
// output back into the flow producer.
type SpatialTransformer struct {
	size  []int64
	grid  *ts.Tensor // [1 H W 2] identity grid, normalized to [-1, 1], (x, y) order
	scale *ts.Tensor // [1 1 1 2] pixel-to-normalized displacement scale, (x, y) order
}

// NewSpatialTransformer creates a transformer for a fixed 2-D spatial size.
func NewSpatialTransformer(size []int64) (*SpatialTransformer, error) {
	if len(size) != 2 {
		return nil, fmt.Errorf("warp: expected a 2-D spatial size. Got %v", size)
	}
	h, w := size[0], size[1]
	if h < 2 || w < 2 {
		return nil, fmt.Errorf("warp: spatial size must be at least 2x2. Got %v", size)
	}

	coords := make([]float32, h*w*2)
	for y := int64(0); y < h; y++ {
		for x := int64(0); x < w; x++ {
			i := (y*w + x) * 2
			coords[i] = 2*float32(x)/float32(w-1) - 1
			coords[i+1] = 2*float32(y)/float32(h-1) - 1
		}
	}
	grid := ts.MustOfSlice(coords).MustView([]int64{1, h, w, 2}, true)
	scale := ts.MustOfSlice([]float32{2 / float32(w-1), 2 / float32(h-1)}).MustView([]int64{1, 1, 1, 2}, true)

	return &SpatialTransformer{
		size:  []int64{h, w},
		grid:  grid,
		scale: scale,
	}, nil
}

// Warp resamples src at locations displaced by flow.
//
// src is [B C H W]. flow is [B 2 H W] with per-pixel displacements measured
// in pixels of the source grid: channel 0 along rows (H), channel 1 along
// columns (W). A zero flow returns src unchanged up to float tolerance.
func (t *SpatialTransformer) Warp(src, flow *ts.Tensor) *ts.Tensor {
	srcSize := src.MustSize()
	flowSize := flow.MustSize()
	if len(srcSize) != 4 || len(flowSize) != 4 {
		panic(fmt.Sprintf("warp: expected 4-D src and flow. Got %v and %v", srcSize, flowSize))
	}
	if flowSize[1] != 2 {
		panic(fmt.Sprintf("warp: flow must have 2 channels. Got %v", flowSize[1]))
	}
	if srcSize[2] != t.size[0] || srcSize[3] != t.size[1] || flowSize[2] != t.size[0] || flowSize[3] != t.size[1] {
		panic(fmt.Sprintf("warp: spatial size mismatch: transformer %v, src %v, flow %v", t.size, srcSize[2:], flowSize[2:]))
	}

	device := src.MustDevice()
	grid := t.grid.MustTo(device, false)
	scale := t.scale.MustTo(device, false)

	// [B 2 H W] -> [B H W 2], then flip the coordinate channel from (dy, dx)
	// to the (dx, dy) order grid sampling expects.
	disp := flow.MustPermute([]int64{0, 2, 3, 1}, false).MustFlip([]int64{3}, true)
	loc := disp.MustMul(scale, true).MustAdd(grid, true)
	scale.MustDrop()
	grid.MustDrop()

	// interpolation mode 0 = bilinear, padding mode 0 = zeros
	res := src.MustGridSampler(loc, 0, 0, true, false)
	loc.MustDrop()

	return res
}
