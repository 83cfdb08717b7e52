package register_test

import (
	"reflect"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/Armin-Saadat/rnn-registration/register"
)

func mustPanic(t *testing.T, msg string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic: %v", msg)
		}
	}()
	f()
}

func maxAbsDiff(a, b *ts.Tensor) float64 {
	diff := a.MustSub(b, false).MustAbs(true)
	max := diff.MustMax(true)
	res := max.Float64Values()[0]
	max.MustDrop()

	return res
}

// zeroState pins the otherwise random initial hidden/cell state so forward
// passes become deterministic.
func zeroState(hidden int64) func(device gotch.Device) *nn.LSTMState {
	return func(device gotch.Device) *nn.LSTMState {
		return &nn.LSTMState{
			Tensor1: ts.MustZeros([]int64{1, 1, hidden}, gotch.Float, device),
			Tensor2: ts.MustZeros([]int64{1, 1, hidden}, gotch.Float, device),
		}
	}
}

func newTestModel(t *testing.T, numFrames int64) *register.Bottleneck {
	t.Helper()
	vs := nn.NewVarStore(gotch.CPU)
	m, err := register.NewBottleneck(vs.Root(), []int64{64, 64}, numFrames)
	if err != nil {
		t.Fatal(err)
	}

	return m
}

func TestForwardShapes(t *testing.T) {
	m := newTestModel(t, 5)

	images := ts.MustRand([]int64{5, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	res := m.Forward(images, nil, false)

	if got := res.Moved.MustSize(); !reflect.DeepEqual(got, []int64{4, 1, 1, 64, 64}) {
		t.Errorf("moved shape: want [4 1 1 64 64], got %v", got)
	}
	if got := res.Flow.MustSize(); !reflect.DeepEqual(got, []int64{4, 1, 2, 64, 64}) {
		t.Errorf("flow shape: want [4 1 2 64 64], got %v", got)
	}
	if res.WithLabels() {
		t.Error("no labels were supplied, result must not carry labels")
	}

	res.Drop()
	images.MustDrop()
}

func TestForwardDeterministicWithFixedState(t *testing.T) {
	m := newTestModel(t, 4)
	// bottleneck features are 64 channels at 2x2 for 64x64 inputs
	m.InitState = zeroState(64 * 2 * 2)

	images := ts.MustRand([]int64{4, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	first := m.Forward(images, nil, false)
	second := m.Forward(images, nil, false)

	if d := maxAbsDiff(first.Flow, second.Flow); d > 1e-6 {
		t.Errorf("identical weights and fixed state must reproduce the flow. Max abs diff %v", d)
	}
	if d := maxAbsDiff(first.Moved, second.Moved); d > 1e-6 {
		t.Errorf("identical weights and fixed state must reproduce the warp. Max abs diff %v", d)
	}

	first.Drop()
	second.Drop()
	images.MustDrop()
}

func TestLabelsChangeOnlyArity(t *testing.T) {
	m := newTestModel(t, 4)
	m.InitState = zeroState(64 * 2 * 2)

	images := ts.MustRand([]int64{4, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	labels := ts.MustRand([]int64{4, 1, 1, 64, 64}, gotch.Float, gotch.CPU)

	without := m.Forward(images, nil, false)
	with := m.Forward(images, labels, false)

	if !with.WithLabels() {
		t.Fatal("labels were supplied, result must carry warped labels")
	}
	if got := with.Labels.MustSize(); !reflect.DeepEqual(got, []int64{3, 1, 1, 64, 64}) {
		t.Errorf("warped labels shape: want [3 1 1 64 64], got %v", got)
	}
	if d := maxAbsDiff(without.Flow, with.Flow); d > 1e-6 {
		t.Errorf("labels must not change the flow. Max abs diff %v", d)
	}
	if d := maxAbsDiff(without.Moved, with.Moved); d > 1e-6 {
		t.Errorf("labels must not change the warped images. Max abs diff %v", d)
	}

	without.Drop()
	with.Drop()
	images.MustDrop()
	labels.MustDrop()
}

func TestForwardBatchSizePanics(t *testing.T) {
	m := newTestModel(t, 5)

	images := ts.MustRand([]int64{5, 2, 1, 64, 64}, gotch.Float, gotch.CPU)
	mustPanic(t, "batch size 2", func() {
		m.Forward(images, nil, false)
	})
	images.MustDrop()
}

func TestForwardFrameCountPanics(t *testing.T) {
	m := newTestModel(t, 5)

	images := ts.MustRand([]int64{4, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	mustPanic(t, "4 frames into a 5-frame model", func() {
		m.Forward(images, nil, false)
	})
	images.MustDrop()
}

func TestForwardLabelShapePanics(t *testing.T) {
	m := newTestModel(t, 4)

	images := ts.MustRand([]int64{4, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	labels := ts.MustRand([]int64{3, 1, 1, 64, 64}, gotch.Float, gotch.CPU)
	mustPanic(t, "label sequence shorter than images", func() {
		m.Forward(images, labels, false)
	})
	images.MustDrop()
	labels.MustDrop()
}

func TestConstructionErrors(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	if _, err := register.NewBottleneck(vs.Root().Sub("a"), []int64{50, 50}, 40); err == nil {
		t.Error("expected an error: 50 is not divisible by the cumulative pooling factor")
	}
	if _, err := register.NewBottleneck(vs.Root().Sub("b"), []int64{64}, 40); err == nil {
		t.Error("expected an error for a 1-D image size")
	}
	if _, err := register.NewBottleneck(vs.Root().Sub("c"), []int64{64, 64}, 1); err == nil {
		t.Error("expected an error for a single-frame sequence")
	}
}

func TestTemporalCoreSequenceLength(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	core := register.NewTemporalCore(vs.Root().Sub("lstm"), 2*2*2)

	seq := ts.MustRand([]int64{6, 1, 2, 2, 2}, gotch.Float, gotch.CPU)
	state := zeroState(8)(gotch.CPU)
	out := core.Forward(seq, state)

	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{6, 1, 2, 2, 2}) {
		t.Errorf("temporal core must preserve the sequence shape. Got %v", got)
	}

	seq.MustDrop()
	out.MustDrop()
}

func TestTemporalCoreBatchSizePanics(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	core := register.NewTemporalCore(vs.Root().Sub("lstm"), 2*2*2)

	seq := ts.MustRand([]int64{6, 2, 2, 2, 2}, gotch.Float, gotch.CPU)
	state := zeroState(8)(gotch.CPU)
	mustPanic(t, "batch size 2", func() {
		core.Forward(seq, state)
	})
	seq.MustDrop()
	state.Tensor1.MustDrop()
	state.Tensor2.MustDrop()
}
