// Package render writes diagnostic images for failing or replayed fits.
package render

import (
	"fmt"
	"math"

	"gopkg.in/gographics/imagick.v3/imagick"

	"starfit/internal/image"
)

// SaveCutoutPNG normalizes a cutout to 16-bit grayscale and writes it as a
// PNG. An asinh stretch keeps faint structure visible next to bright cores.
func SaveCutoutPNG(path string, img *image.Image) error {
	if img == nil || img.W < 1 || img.H < 1 {
		return fmt.Errorf("empty cutout")
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range img.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if !(hi > lo) {
		hi = lo + 1
	}

	pixels := make([]float64, len(img.Pix))
	scale := math.Asinh(10.0)
	for i, v := range img.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = lo
		}
		t := (v - lo) / (hi - lo)
		pixels[i] = math.Asinh(10*t) / scale
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(img.W), uint(img.H), "I", imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("failed to create cutout image: %v", err)
	}
	mw.SetImageFormat("PNG")
	mw.SetImageDepth(16)
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write cutout: %v", err)
	}
	return nil
}

// LoadBandImage reads a grayscale band image from disk into a float image.
// Color inputs are averaged down to one channel.
func LoadBandImage(path string) (*image.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %v", path, err)
	}
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	pixels, err := mw.ExportImagePixels(0, 0, width, height, "RGB", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %v", path, err)
	}

	var floatPixels []float64
	switch v := pixels.(type) {
	case []float64:
		floatPixels = v
	case []float32:
		floatPixels = make([]float64, len(v))
		for j, val := range v {
			floatPixels[j] = float64(val)
		}
	default:
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}

	img := image.NewImage(image.Box{W: int(width), H: int(height)})
	for j := range img.Pix {
		img.Pix[j] = (floatPixels[j*3] + floatPixels[j*3+1] + floatPixels[j*3+2]) / 3
	}
	return img, nil
}
