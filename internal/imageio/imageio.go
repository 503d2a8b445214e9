// Package imageio decodes image files into grayscale extract.Image values
// through ImageMagick.
package imageio

import (
	"math"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"platesolver/internal/errors"
	"platesolver/internal/extract"
)

var initOnce sync.Once

// ImageMagick keeps global state; it is initialized once per process and
// left alive for the lifetime of the binary.
func initialize() { initOnce.Do(imagick.Initialize) }

// Load reads path (any format ImageMagick understands, FITS included),
// converts it to grayscale and returns intensities normalized to [0, 1].
func Load(path string) (*extract.Image, error) {
	initialize()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInput), "read image %s", path)
	}
	// multi-frame inputs solve on the first frame
	mw.SetFirstIterator()
	if err := mw.TransformImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return nil, errors.Wrapf(err, "grayscale %s", path)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	if w == 0 || h == 0 {
		return nil, errors.Inputf("image %s has no pixels", path)
	}
	raw, err := mw.ExportImagePixels(0, 0, w, h, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, errors.Wrapf(err, "export pixels %s", path)
	}
	pix, ok := raw.([]float64)
	if !ok {
		return nil, errors.Newf("export pixels %s: unexpected type %T", path, raw)
	}
	im := &extract.Image{Width: int(w), Height: int(h), Pix: pix}
	if err := im.Validate(); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return im, nil
}

// Save writes im as a 16-bit grayscale image whose format follows the
// extension of path. Intensities are rescaled to the image's own range.
func Save(path string, im *extract.Image) error {
	if err := im.Validate(); err != nil {
		return err
	}
	initialize()

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range im.Pix {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	span := hi - lo
	norm := make([]float64, len(im.Pix))
	if span > 0 {
		for i, v := range im.Pix {
			norm[i] = (v - lo) / span
		}
	}

	bg := imagick.NewPixelWand()
	defer bg.Destroy()
	bg.SetColor("black")

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.NewImage(uint(im.Width), uint(im.Height), bg); err != nil {
		return errors.Wrap(err, "allocate image")
	}
	if err := mw.ImportImagePixels(0, 0, uint(im.Width), uint(im.Height), "I", imagick.PIXEL_DOUBLE, norm); err != nil {
		return errors.Wrap(err, "import pixels")
	}
	if err := mw.SetImageDepth(16); err != nil {
		return errors.Wrap(err, "set depth")
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return errors.Wrap(err, "set colorspace")
	}
	if err := mw.WriteImage(path); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
