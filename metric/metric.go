package metric

import (
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"
)

// DiceCoeff measures overlap between a warped label map and the target
// label map. Values are thresholded at 0.5 before comparison.
// Ref. http://campar.in.tum.de/pub/milletari2016Vnet/milletari2016Vnet.pdf
func DiceCoeff(moved, target *ts.Tensor) float64 {
	mflat := moved.MustView([]int64{-1}, false)
	tflat := target.MustView([]int64{-1}, false)
	m := mflat.MustGt(ts.FloatScalar(0.5), true)
	t := tflat.MustGt(ts.FloatScalar(0.5), true)

	mtMul := m.MustMul(t, false)
	overlap := mtMul.MustSum(gotch.Double, true).Float64Values()[0]
	union := m.MustSum(gotch.Double, true).Float64Values()[0] + t.MustSum(gotch.Double, true).Float64Values()[0]

	return (2 * overlap) / (union + 0.001)
}

// MSE is the mean squared intensity difference between two tensors of the
// same shape.
func MSE(a, b *ts.Tensor) float64 {
	diff := a.MustSub(b, false)
	sq := diff.MustMul(diff, false)
	diff.MustDrop()
	mean := sq.MustMean(gotch.Double, true)
	res := mean.Float64Values()[0]
	mean.MustDrop()

	return res
}

// GradEnergy is the mean squared forward difference of a flow field along
// both spatial axes. A spatially constant field scores zero.
// flow should be in shape [B 2 H W].
func GradEnergy(flow *ts.Tensor) float64 {
	size := flow.MustSize()
	h, w := size[2], size[3]

	dyA := flow.MustNarrow(2, 1, h-1, false)
	dyB := flow.MustNarrow(2, 0, h-1, false)
	dy := dyA.MustSub(dyB, true)
	dyB.MustDrop()
	dySq := dy.MustMul(dy, true)
	dyMean := dySq.MustMean(gotch.Double, true)

	dxA := flow.MustNarrow(3, 1, w-1, false)
	dxB := flow.MustNarrow(3, 0, w-1, false)
	dx := dxA.MustSub(dxB, true)
	dxB.MustDrop()
	dxSq := dx.MustMul(dx, true)
	dxMean := dxSq.MustMean(gotch.Double, true)

	res := (dyMean.Float64Values()[0] + dxMean.Float64Values()[0]) / 2
	dyMean.MustDrop()
	dxMean.MustDrop()

	return res
}
