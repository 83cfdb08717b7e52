package metric_test

import (
	"math"
	"testing"

	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/Armin-Saadat/rnn-registration/metric"
)

func TestDiceCoeff(t *testing.T) {
	mslice := []int64{1, 0, 0, 1, 0, 0, 1, 0, 0}
	tslice := []int64{1, 0, 0, 1, 1, 0, 1, 0, 0}

	moved := ts.MustOfSlice(mslice).MustView([]int64{1, 3, 3}, true)
	target := ts.MustOfSlice(tslice).MustView([]int64{1, 3, 3}, true)

	// overlap 3, union 3 + 4
	dice := metric.DiceCoeff(moved, target)
	if math.Abs(dice-6.0/7.0) > 1e-3 {
		t.Errorf("dice: want %v, got %v", 6.0/7.0, dice)
	}

	moved.MustDrop()
	target.MustDrop()
}

func TestDiceCoeffIdentical(t *testing.T) {
	vals := []int64{1, 1, 0, 0, 1, 0, 1, 0, 1}
	a := ts.MustOfSlice(vals).MustView([]int64{1, 3, 3}, true)
	b := ts.MustOfSlice(vals).MustView([]int64{1, 3, 3}, true)

	dice := metric.DiceCoeff(a, b)
	if math.Abs(dice-1.0) > 1e-3 {
		t.Errorf("dice of identical maps: want 1, got %v", dice)
	}

	a.MustDrop()
	b.MustDrop()
}

func TestMSE(t *testing.T) {
	a := ts.MustOfSlice([]float32{0, 0, 0, 0})
	b := ts.MustOfSlice([]float32{1, 1, 1, 1})

	if got := metric.MSE(a, b); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("mse: want 1, got %v", got)
	}
	if got := metric.MSE(a, a); got > 1e-9 {
		t.Errorf("mse of a tensor with itself: want 0, got %v", got)
	}

	a.MustDrop()
	b.MustDrop()
}

func TestGradEnergyConstantFlow(t *testing.T) {
	flow := ts.MustOnes([]int64{1, 2, 4, 4}, gotch.Float, gotch.CPU)

	if got := metric.GradEnergy(flow); got > 1e-9 {
		t.Errorf("constant flow must have zero grad energy. Got %v", got)
	}

	flow.MustDrop()
}

func TestGradEnergyRamp(t *testing.T) {
	// both channels ramp along columns with slope 1
	vals := make([]float32, 2*4*4)
	for c := 0; c < 2; c++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				vals[c*16+y*4+x] = float32(x)
			}
		}
	}
	flow := ts.MustOfSlice(vals).MustView([]int64{1, 2, 4, 4}, true)

	// column differences are all 1, row differences all 0
	if got := metric.GradEnergy(flow); math.Abs(got-0.5) > 1e-6 {
		t.Errorf("ramp flow grad energy: want 0.5, got %v", got)
	}

	flow.MustDrop()
}
