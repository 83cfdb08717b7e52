package main

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/image/draw"
)

// readImage reads an image from file.
func readImage(filename string) (image.Image, error) {
	ext := filepath.Ext(filename)
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext {
	case ".png", ".PNG":
		return png.Decode(f)
	case ".jpg", ".jpeg", ".JPG", ".JPEG":
		return jpeg.Decode(f)
	case ".tiff", ".tif", ".TIFF", ".TIF":
		return tiff.Decode(f)
	default:
		return nil, fmt.Errorf("Unsupported image format: %v\n", ext)
	}
}

// frameTensor converts an image to a single-channel [1 1 size size] tensor
// with values in [0, 1].
func frameTensor(img image.Image, size int64) *ts.Tensor {
	gray := imaging.Grayscale(imaging.Resize(img, int(size), int(size), imaging.Lanczos))

	vals := make([]float32, size*size)
	for y := int64(0); y < size; y++ {
		for x := int64(0); x < size; x++ {
			// NRGBA with equal channels after Grayscale; red carries the value
			vals[y*size+x] = float32(gray.NRGBAAt(int(x), int(y)).R) / 255.0
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, 1, size, size}, true)
}

// loadSequence reads the first numFrames image files of dir in lexical order
// and stacks them into a [T 1 1 size size] sequence.
func loadSequence(dir string, numFrames, size int64) (*ts.Tensor, error) {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range files {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".png", ".PNG", ".jpg", ".jpeg", ".JPG", ".JPEG", ".tiff", ".tif", ".TIFF", ".TIF":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if int64(len(names)) < numFrames {
		return nil, fmt.Errorf("need %v frames, found %v in %v", numFrames, len(names), dir)
	}

	var frames []ts.Tensor
	for _, name := range names[:numFrames] {
		img, err := readImage(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		f := frameTensor(img, size)
		frames = append(frames, *f)
	}

	seq := ts.MustStack(frames, 0)
	for _, f := range frames {
		f.MustDrop()
	}

	return seq, nil
}

// synthesizeSequence builds a sequence of a Gaussian blob drifting across
// the field of view, one pixel per frame along both axes.
func synthesizeSequence(numFrames, size int64) *ts.Tensor {
	sigma := float64(size) / 16

	var frames []ts.Tensor
	for t := int64(0); t < numFrames; t++ {
		cy := float64(size)/4 + float64(t)
		cx := float64(size)/4 + float64(t)
		vals := make([]float32, size*size)
		for y := int64(0); y < size; y++ {
			for x := int64(0); x < size; x++ {
				d2 := (float64(y)-cy)*(float64(y)-cy) + (float64(x)-cx)*(float64(x)-cx)
				vals[y*size+x] = float32(math.Exp(-d2 / (2 * sigma * sigma)))
			}
		}
		f := ts.MustOfSlice(vals).MustView([]int64{1, 1, size, size}, true)
		frames = append(frames, *f)
	}

	seq := ts.MustStack(frames, 0)
	for _, f := range frames {
		f.MustDrop()
	}

	return seq
}

// grayImage converts a [1 1 H W] tensor with values in [0, 1] to an image.
func grayImage(frame *ts.Tensor, size int) *image.Gray {
	vals := frame.Float64Values()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := vals[y*size+x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			img.Pix[y*img.Stride+x] = uint8(v * 255)
		}
	}

	return img
}

// saveMontage writes a source | moved | target strip, downscaled to a
// fixed-height thumbnail.
func saveMontage(src, moved, target *ts.Tensor, size int, path string) error {
	montage := image.NewGray(image.Rect(0, 0, 3*size, size))
	for i, x := range []*ts.Tensor{src, moved, target} {
		tile := grayImage(x, size)
		r := image.Rect(i*size, 0, (i+1)*size, size)
		draw.Draw(montage, r, tile, image.Point{}, draw.Src)
	}

	thumb := resize.Resize(0, 256, montage, resize.Bilinear)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, thumb)
}
