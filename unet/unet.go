package unet

import (
	"fmt"
	"math"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/Armin-Saadat/rnn-registration/base"
)

// Config describes a Unet2.
//
// Channel widths come either from EncoderFeatures/DecoderFeatures, or are
// derived from NbFeatures (a base width) together with NbLevels and FeatMult.
// The two forms are mutually exclusive. When DecoderFeatures is longer than
// EncoderFeatures, the surplus widths become full-resolution convolutions
// applied after the last upsampling step.
type Config struct {
	InShape         []int64 // spatial size, e.g. [256, 256]
	InFeatures      int64   // channel count of the encoder input
	EncoderFeatures []int64
	DecoderFeatures []int64
	NbFeatures      int64   // base width for auto-derivation
	NbLevels        int64   // level count for auto-derivation
	FeatMult        float64 // per-level width multiplier, default 1
	NbConvPerLevel  int64   // default 1
	MaxPool         []int64 // pooling factor, scalar or per-level; default 2
	HalfRes         bool    // suppress the final upsample and skip concat
}

// Unet2 is a U-Net whose forward pass is split in two: Encode downsamples and
// records a History of pre-pooling activations, Decode upsamples consuming
// that History as skip connections. The split lets a caller intervene on the
// bottleneck representation between the two halves.
type Unet2 struct {
	ndims    int64
	nbLevels int
	halfRes  bool
	pooling  []int64
	inFeats  int64

	encoder   [][]*base.ConvBlock
	decoder   [][]*base.ConvBlock
	remaining []*base.ConvBlock
	finalNf   int64
}

// NewUnet2 builds a Unet2 under the given variable path.
func NewUnet2(p *nn.Path, cfg Config) (*Unet2, error) {
	ndims := int64(len(cfg.InShape))
	if ndims < 1 || ndims > 3 {
		return nil, fmt.Errorf("unet: spatial rank must be 1, 2 or 3. Got %v", ndims)
	}
	if cfg.InFeatures < 1 {
		return nil, fmt.Errorf("unet: input feature count must be positive. Got %v", cfg.InFeatures)
	}

	convPerLevel := cfg.NbConvPerLevel
	if convPerLevel == 0 {
		convPerLevel = 1
	}
	featMult := cfg.FeatMult
	if featMult == 0 {
		featMult = 1
	}

	encNf := cfg.EncoderFeatures
	decNf := cfg.DecoderFeatures
	switch {
	case cfg.NbFeatures > 0 && cfg.NbLevels == 0:
		return nil, fmt.Errorf("unet: NbLevels is required when deriving widths from NbFeatures")
	case cfg.NbFeatures > 0:
		if len(encNf) > 0 || len(decNf) > 0 {
			return nil, fmt.Errorf("unet: explicit width lists cannot be combined with NbFeatures")
		}
		feats := make([]int64, cfg.NbLevels)
		for i := range feats {
			feats[i] = int64(math.Round(float64(cfg.NbFeatures) * math.Pow(featMult, float64(i))))
		}
		encNf = repeatEach(feats[:len(feats)-1], convPerLevel)
		decNf = repeatEach(reverse(feats), convPerLevel)
	case cfg.NbLevels != 0:
		return nil, fmt.Errorf("unet: NbLevels only applies when NbFeatures is set")
	case len(encNf) == 0 && len(decNf) == 0:
		encNf = []int64{16, 32, 32, 32}
		decNf = []int64{32, 32, 32, 32, 32, 16, 16}
	}

	nbDecConvs := len(encNf)
	if len(decNf) < nbDecConvs {
		return nil, fmt.Errorf("unet: decoder needs at least %v widths to mirror the encoder. Got %v", nbDecConvs, len(decNf))
	}
	finalConvs := decNf[nbDecConvs:]
	decNf = decNf[:nbDecConvs]
	nbLevels := nbDecConvs/int(convPerLevel) + 1

	pooling := cfg.MaxPool
	switch len(pooling) {
	case 0:
		pooling = []int64{2}
		fallthrough
	case 1:
		s := pooling[0]
		pooling = make([]int64, nbLevels)
		for i := range pooling {
			pooling[i] = s
		}
	case nbLevels:
	default:
		return nil, fmt.Errorf("unet: pooling factors must be a scalar or one per level (%v). Got %v", nbLevels, len(pooling))
	}

	n := &Unet2{
		ndims:    ndims,
		nbLevels: nbLevels,
		halfRes:  cfg.HalfRes,
		pooling:  pooling,
		inFeats:  cfg.InFeatures,
	}

	// Down-sampling path. The pre-pooling width of each level is kept to size
	// the matching skip concatenation below.
	prevNf := cfg.InFeatures
	encoderNfs := []int64{prevNf}
	for level := 0; level < nbLevels-1; level++ {
		lp := p.Sub(fmt.Sprintf("encoder%v", level))
		var convs []*base.ConvBlock
		for conv := 0; conv < int(convPerLevel); conv++ {
			nf := encNf[level*int(convPerLevel)+conv]
			cb, err := base.NewConvBlock(lp.Sub(fmt.Sprint(conv)), ndims, prevNf, nf, 1)
			if err != nil {
				return nil, err
			}
			convs = append(convs, cb)
			prevNf = nf
		}
		n.encoder = append(n.encoder, convs)
		encoderNfs = append(encoderNfs, prevNf)
	}

	// Up-sampling path. After each level (except the last in half-res mode)
	// the popped history entry is concatenated channel-wise, widening the
	// next level's input.
	skipNfs := reverse(encoderNfs)
	for level := 0; level < nbLevels-1; level++ {
		lp := p.Sub(fmt.Sprintf("decoder%v", level))
		var convs []*base.ConvBlock
		for conv := 0; conv < int(convPerLevel); conv++ {
			nf := decNf[level*int(convPerLevel)+conv]
			cb, err := base.NewConvBlock(lp.Sub(fmt.Sprint(conv)), ndims, prevNf, nf, 1)
			if err != nil {
				return nil, err
			}
			convs = append(convs, cb)
			prevNf = nf
		}
		n.decoder = append(n.decoder, convs)
		if !cfg.HalfRes || level < nbLevels-2 {
			prevNf += skipNfs[level]
		}
	}

	// Remaining convolutions at full resolution.
	for i, nf := range finalConvs {
		cb, err := base.NewConvBlock(p.Sub(fmt.Sprintf("remaining%v", i)), ndims, prevNf, nf, 1)
		if err != nil {
			return nil, err
		}
		n.remaining = append(n.remaining, cb)
		prevNf = nf
	}
	n.finalNf = prevNf

	return n, nil
}

// FinalNf reports the channel count of Decode's output.
func (n *Unet2) FinalNf() int64 {
	return n.finalNf
}

// HistoryLen reports the entry count of the History produced by Encode.
func (n *Unet2) HistoryLen() int {
	return n.nbLevels
}

// cumPooling is the factor every spatial dim is divided by across all levels.
func (n *Unet2) cumPooling() int64 {
	var cum int64 = 1
	for level := 0; level < n.nbLevels-1; level++ {
		cum *= n.pooling[level]
	}

	return cum
}

// Encode runs the down-sampling path. It returns the bottleneck feature and
// the History of pre-pooling activations for the matching Decode call.
// The input must have the configured channel count and spatial dims divisible
// by the cumulative pooling factor; violations panic rather than crop or pad.
func (n *Unet2) Encode(x *ts.Tensor, train bool) (*ts.Tensor, *History) {
	size := x.MustSize()
	if int64(len(size)) != n.ndims+2 {
		panic(fmt.Sprintf("unet: encode expects a [B C spatial...] tensor of rank %v. Got shape %v", n.ndims+2, size))
	}
	if size[1] != n.inFeats {
		panic(fmt.Sprintf("unet: encode expects %v input channels. Got %v", n.inFeats, size[1]))
	}
	cum := n.cumPooling()
	for _, s := range size[2:] {
		if s%cum != 0 {
			panic(fmt.Sprintf("unet: spatial size %v is not divisible by the cumulative pooling factor %v", size[2:], cum))
		}
	}

	hist := newHistory()
	hist.push(x.MustShallowClone())

	cur := x
	for level, convs := range n.encoder {
		for _, cb := range convs {
			next := cb.ForwardT(cur, train)
			if cur != x {
				cur.MustDrop()
			}
			cur = next
		}
		hist.push(cur)
		cur = base.MaxPool(cur, n.ndims, n.pooling[level])
	}

	if cur == x {
		cur = x.MustShallowClone()
	}

	return cur, hist
}

// Decode runs the up-sampling path over a bottleneck feature, consuming the
// History produced by the matching Encode call. It pops one entry per
// upsampling level as a skip connection and leaves the History exhausted.
// A missing, partially consumed or mismatched History panics.
func (n *Unet2) Decode(x *ts.Tensor, hist *History, train bool) *ts.Tensor {
	if hist == nil {
		panic("unet: decode requires the history produced by the matching encode call. Got nil")
	}
	if hist.Len() != n.nbLevels {
		panic(fmt.Sprintf("unet: decode expects a full history of %v entries. Got %v", n.nbLevels, hist.Len()))
	}

	cur := x
	for level, convs := range n.decoder {
		for _, cb := range convs {
			next := cb.ForwardT(cur, train)
			if cur != x {
				cur.MustDrop()
			}
			cur = next
		}
		if !n.halfRes || level < n.nbLevels-2 {
			up := base.UpsampleNearest(cur, n.ndims, n.pooling[level])
			if cur != x {
				cur.MustDrop()
			}
			skip := hist.pop()
			cat := ts.MustCat([]ts.Tensor{*up, *skip}, 1)
			up.MustDrop()
			skip.MustDrop()
			cur = cat
		}
	}

	for _, cb := range n.remaining {
		next := cb.ForwardT(cur, train)
		if cur != x {
			cur.MustDrop()
		}
		cur = next
	}

	if cur == x {
		cur = x.MustShallowClone()
	}
	hist.drain()

	return cur
}

func reverse(xs []int64) []int64 {
	res := make([]int64, len(xs))
	for i, x := range xs {
		res[len(xs)-1-i] = x
	}

	return res
}

func repeatEach(xs []int64, times int64) []int64 {
	res := make([]int64, 0, int64(len(xs))*times)
	for _, x := range xs {
		for i := int64(0); i < times; i++ {
			res = append(res, x)
		}
	}

	return res
}
