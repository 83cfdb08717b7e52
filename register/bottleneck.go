package register

import (
	"fmt"
	"reflect"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/Armin-Saadat/rnn-registration/unet"
	"github.com/Armin-Saadat/rnn-registration/warp"
)

// Reference channel widths. The decoder carries four surplus widths applied
// at full resolution, ending in the 2-channel flow field.
var (
	encoderNf = []int64{16, 32, 32, 32, 64}
	decoderNf = []int64{64, 32, 32, 32, 32, 16, 16, 8, 2}
)

// Result is the output of one forward pass over a frame sequence.
// Labels is nil when no label sequence was supplied; Moved and Flow are
// always set.
type Result struct {
	Moved  *ts.Tensor // [T B 1 H W] warped source images
	Labels *ts.Tensor // [T B 1 H W] warped source labels, or nil
	Flow   *ts.Tensor // [T B 2 H W] predicted displacement fields
}

// WithLabels reports whether the pass produced warped labels.
func (r *Result) WithLabels() bool {
	return r.Labels != nil
}

// Drop releases all tensors held by the result.
func (r *Result) Drop() {
	r.Moved.MustDrop()
	if r.Labels != nil {
		r.Labels.MustDrop()
	}
	r.Flow.MustDrop()
}

// Bottleneck registers a temporal sequence of single-channel 2-D frames.
// Every consecutive frame pair is encoded by a shared U-Net, the bottleneck
// features run through a recurrent core as one sequence, and the decoded
// flow fields warp each source frame onto its successor.
type Bottleneck struct {
	imageSize  []int64
	numFrames  int64
	bottleC    int64 // bottleneck channels
	bottleW    int64 // bottleneck spatial dims
	bottleH    int64
	hiddenSize int64

	unet   *unet.Unet2
	core   *TemporalCore
	warper *warp.SpatialTransformer

	// InitState supplies the initial hidden/cell pair for the recurrent core.
	// When nil, both are drawn from randn on the input's device, fresh on
	// every pass. Tests inject fixed tensors here for determinism.
	InitState func(device gotch.Device) *nn.LSTMState
}

// NewBottleneck builds the full registration model for sequences of
// numFrames frames of the given 2-D size.
func NewBottleneck(p *nn.Path, imageSize []int64, numFrames int64) (*Bottleneck, error) {
	if len(imageSize) != 2 {
		return nil, fmt.Errorf("register: expected a 2-D image size. Got %v", imageSize)
	}
	if numFrames < 2 {
		return nil, fmt.Errorf("register: need at least 2 frames to form a pair. Got %v", numFrames)
	}

	levels := int64(len(encoderNf))
	var cum int64 = 1 << uint(levels)
	if imageSize[0]%cum != 0 || imageSize[1]%cum != 0 {
		return nil, fmt.Errorf("register: image size %v must be divisible by %v (the cumulative pooling factor)", imageSize, cum)
	}

	u, err := unet.NewUnet2(p.Sub("unet"), unet.Config{
		InShape:         imageSize,
		InFeatures:      2,
		EncoderFeatures: encoderNf,
		DecoderFeatures: decoderNf,
	})
	if err != nil {
		return nil, err
	}

	c := encoderNf[levels-1]
	w := imageSize[0] / cum
	h := imageSize[1] / cum
	core := NewTemporalCore(p.Sub("lstm"), c*w*h)

	st, err := warp.NewSpatialTransformer(imageSize)
	if err != nil {
		return nil, err
	}

	return &Bottleneck{
		imageSize:  imageSize,
		numFrames:  numFrames,
		bottleC:    c,
		bottleW:    w,
		bottleH:    h,
		hiddenSize: c * w * h,
		unet:       u,
		core:       core,
		warper:     st,
	}, nil
}

// Forward registers every consecutive frame pair of the sequence.
//
// images is [numFrames B 1 H W] with B fixed at 1. labels, when non-nil,
// must have the identical shape and is warped in lock-step with the images
// using the same flow fields. Shape violations panic; nothing is silently
// truncated or padded.
func (m *Bottleneck) Forward(images, labels *ts.Tensor, train bool) *Result {
	size := images.MustSize()
	if len(size) != 5 || size[2] != 1 {
		panic(fmt.Sprintf("register: expected images of shape [T B 1 H W]. Got %v", size))
	}
	if size[0] != m.numFrames {
		panic(fmt.Sprintf("register: model configured for %v frames. Got %v", m.numFrames, size[0]))
	}
	if size[3] != m.imageSize[0] || size[4] != m.imageSize[1] {
		panic(fmt.Sprintf("register: model configured for image size %v. Got %v", m.imageSize, size[3:]))
	}
	if labels != nil {
		labelSize := labels.MustSize()
		if !reflect.DeepEqual(labelSize, size) {
			panic(fmt.Sprintf("register: labels must match the image shape %v. Got %v", size, labelSize))
		}
	}

	steps := size[0] - 1

	// Encode each consecutive pair. Every pair owns its own history.
	var feats []ts.Tensor
	hists := make([]*unet.History, 0, steps)
	for i := int64(0); i < steps; i++ {
		src := frameAt(images, i)
		trg := frameAt(images, i+1)
		pair := ts.MustCat([]ts.Tensor{*src, *trg}, 1)
		src.MustDrop()
		trg.MustDrop()

		x, hist := m.unet.Encode(pair, train)
		pair.MustDrop()
		feats = append(feats, *x)
		hists = append(hists, hist)
	}
	seq := ts.MustStack(feats, 0) // [T B C W H]
	for _, f := range feats {
		f.MustDrop()
	}

	// Recurrent stage. Preconditions checked here are hard invariants, not
	// soft warnings.
	seqSize := seq.MustSize()
	if seqSize[1] != 1 {
		panic(fmt.Sprintf("register: recurrent core requires batch size 1. Got %v", seqSize[1]))
	}
	if seqSize[0] != m.numFrames-1 {
		panic(fmt.Sprintf("register: expected %v encoded pairs. Got %v", m.numFrames-1, seqSize[0]))
	}

	device := images.MustDevice()
	var state *nn.LSTMState
	if m.InitState != nil {
		state = m.InitState(device)
	} else {
		state = &nn.LSTMState{
			Tensor1: ts.MustRandn([]int64{1, 1, m.hiddenSize}, gotch.Float, device),
			Tensor2: ts.MustRandn([]int64{1, 1, m.hiddenSize}, gotch.Float, device),
		}
	}
	ctx := m.core.Forward(seq, state) // [T B C W H]
	seq.MustDrop()

	// Decode each step against its own history.
	var flows []ts.Tensor
	for i := int64(0); i < steps; i++ {
		xi := ctx.MustNarrow(0, i, 1, false).MustSqueeze1(0, true)
		f := m.unet.Decode(xi, hists[i], train)
		xi.MustDrop()
		flows = append(flows, *f)
	}
	ctx.MustDrop()

	moved := m.warpSequence(images, flows)
	var movedLabels *ts.Tensor
	if labels != nil {
		movedLabels = m.warpSequence(labels, flows)
	}

	flow := ts.MustStack(flows, 0) // [T B 2 H W]
	for _, f := range flows {
		f.MustDrop()
	}

	return &Result{
		Moved:  moved,
		Labels: movedLabels,
		Flow:   flow,
	}
}

// warpSequence warps frame i of the sequence with flow i, for every pair.
func (m *Bottleneck) warpSequence(frames *ts.Tensor, flows []ts.Tensor) *ts.Tensor {
	var moved []ts.Tensor
	for i := range flows {
		src := frameAt(frames, int64(i))
		w := m.warper.Warp(src, &flows[i])
		src.MustDrop()
		moved = append(moved, *w)
	}

	res := ts.MustStack(moved, 0)
	for _, x := range moved {
		x.MustDrop()
	}

	return res
}

// frameAt extracts frame i as [B 1 H W].
func frameAt(seq *ts.Tensor, i int64) *ts.Tensor {
	return seq.MustNarrow(0, i, 1, false).MustSqueeze1(0, true)
}
