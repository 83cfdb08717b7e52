package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
	"github.com/sugarme/gotch/vision"

	"github.com/Armin-Saadat/rnn-registration/metric"
	"github.com/Armin-Saadat/rnn-registration/register"
)

var (
	dataDir   string
	outDir    string
	imageSize int64
	numFrames int64
	useCuda   bool

	device gotch.Device
)

func init() {
	flag.StringVar(&dataDir, "data", "", "directory with the frame sequence (png/jpeg/tiff); synthetic frames when empty")
	flag.StringVar(&outDir, "out", "./output", "output directory")
	flag.Int64Var(&imageSize, "size", 256, "spatial size frames are resized to")
	flag.Int64Var(&numFrames, "frames", 40, "number of frames in the sequence")
	flag.BoolVar(&useCuda, "cuda", false, "run on CUDA when available")
}

func main() {
	flag.Parse()

	device = gotch.CPU
	if useCuda {
		device = gotch.NewCuda().CudaIfAvailable()
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		log.Fatal(err)
	}

	vs := nn.NewVarStore(device)
	model, err := register.NewBottleneck(vs.Root(), []int64{imageSize, imageSize}, numFrames)
	if err != nil {
		log.Fatal(err)
	}

	var images *ts.Tensor
	if dataDir == "" {
		fmt.Printf("No data directory given. Synthesizing %v frames of %vx%v\n", numFrames, imageSize, imageSize)
		images = synthesizeSequence(numFrames, imageSize)
	} else {
		images, err = loadSequence(dataDir, numFrames, imageSize)
		if err != nil {
			log.Fatal(err)
		}
	}
	images = images.MustTo(device, true)

	res := model.Forward(images, nil, false)

	steps := numFrames - 1
	rows := make([]stepMetric, 0, steps)
	for i := int64(0); i < steps; i++ {
		moved := res.Moved.MustNarrow(0, i, 1, false).MustSqueeze1(0, true)
		target := images.MustNarrow(0, i+1, 1, false).MustSqueeze1(0, true)
		flow := res.Flow.MustNarrow(0, i, 1, false).MustSqueeze1(0, true)

		rows = append(rows, stepMetric{
			step:       i,
			mse:        metric.MSE(moved, target),
			gradEnergy: metric.GradEnergy(flow),
		})

		frame := moved.MustSqueeze1(0, false).MustMul1(ts.FloatScalar(255.0), true)
		if err := vision.Save(frame, filepath.Join(outDir, fmt.Sprintf("moved_%03d.png", i))); err != nil {
			log.Fatal(err)
		}
		frame.MustDrop()

		if i == 0 {
			src := images.MustNarrow(0, i, 1, false).MustSqueeze1(0, true)
			if err := saveMontage(src, moved, target, int(imageSize), filepath.Join(outDir, "preview.png")); err != nil {
				log.Fatal(err)
			}
			src.MustDrop()
		}

		moved.MustDrop()
		target.MustDrop()
		flow.MustDrop()
	}

	if err := writeMetricsCSV(filepath.Join(outDir, "metrics.csv"), rows); err != nil {
		log.Fatal(err)
	}
	if err := plotMSE(filepath.Join(outDir, "mse.png"), rows); err != nil {
		log.Fatal(err)
	}

	res.Drop()
	images.MustDrop()

	fmt.Printf("Registered %v frame pairs. Results in %v\n", steps, outDir)
}
