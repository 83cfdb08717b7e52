package register

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// TemporalCore carries hidden/cell state across the encoded frame-pair
// sequence through a single-layer LSTM. Each bottleneck feature is flattened
// to a vector, so input size and hidden size are both C*W*H.
type TemporalCore struct {
	lstm       *nn.LSTM
	hiddenSize int64
}

// NewTemporalCore creates the recurrent core for bottleneck features of the
// given flattened size.
func NewTemporalCore(p *nn.Path, size int64) *TemporalCore {
	config := nn.DefaultRNNConfig()
	config.BatchFirst = true

	return &TemporalCore{
		lstm:       nn.NewLSTM(p, size, size, config),
		hiddenSize: size,
	}
}

// HiddenSize reports the flattened feature size the core was built for.
func (c *TemporalCore) HiddenSize() int64 {
	return c.hiddenSize
}

// Forward runs the whole sequence through the LSTM in one pass.
//
// seq is time-major [T B C W H] with B fixed at 1. state is the initial
// hidden/cell pair, consumed by the call; the final state is discarded.
// The output has the same shape as seq.
func (c *TemporalCore) Forward(seq *ts.Tensor, state *nn.LSTMState) *ts.Tensor {
	size := seq.MustSize()
	if len(size) != 5 {
		panic(fmt.Sprintf("register: temporal core expects a [T B C W H] sequence. Got shape %v", size))
	}
	steps, bs := size[0], size[1]
	if bs != 1 {
		panic(fmt.Sprintf("register: temporal core requires batch size 1. Got %v", bs))
	}
	if size[2]*size[3]*size[4] != c.hiddenSize {
		panic(fmt.Sprintf("register: temporal core built for feature size %v. Got %v", c.hiddenSize, size[2]*size[3]*size[4]))
	}

	// With a single example, time-major [T 1 F] and batch-first [1 T F] share
	// the same contiguous layout.
	flat := seq.MustView([]int64{1, steps, c.hiddenSize}, false)
	out, outState := c.lstm.SeqInit(flat, state)
	flat.MustDrop()
	state.Tensor1.MustDrop()
	state.Tensor2.MustDrop()
	final := outState.(*nn.LSTMState)
	final.Tensor1.MustDrop()
	final.Tensor2.MustDrop()

	res := out.MustView([]int64{steps, 1, size[2], size[3], size[4]}, true)

	return res
}
