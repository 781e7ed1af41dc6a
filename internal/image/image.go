// Package image provides the pixel-level types the fitter works on: float
// images, bit-plane masks, per-band exposures, footprints, moments
// estimation, cutout selection and noise replacement.
package image

import (
	"fmt"
	"math"
)

// Image is a dense float64 pixel array with an origin, so subimages keep
// their position in the parent exposure frame.
type Image struct {
	X0, Y0 int
	W, H   int
	Pix    []float64
}

// NewImage allocates a zeroed image covering box b.
func NewImage(b Box) *Image {
	return &Image{X0: b.X0, Y0: b.Y0, W: b.W, H: b.H, Pix: make([]float64, b.Area())}
}

// Bounds returns the image's bounding box.
func (im *Image) Bounds() Box { return Box{X0: im.X0, Y0: im.Y0, W: im.W, H: im.H} }

// At returns the pixel at absolute coordinates (x, y).
func (im *Image) At(x, y int) float64 { return im.Pix[(y-im.Y0)*im.W+(x-im.X0)] }

// Set assigns the pixel at absolute coordinates (x, y).
func (im *Image) Set(x, y int, v float64) { im.Pix[(y-im.Y0)*im.W+(x-im.X0)] = v }

// Subset returns a copy of the pixels within box b, which must lie inside
// the image bounds.
func (im *Image) Subset(b Box) (*Image, error) {
	if !im.Bounds().Contains(b) {
		return nil, fmt.Errorf("subset %v outside image bounds %v", b, im.Bounds())
	}
	out := NewImage(b)
	for y := b.Y0; y < b.Y1(); y++ {
		copy(out.Pix[(y-b.Y0)*b.W:(y-b.Y0+1)*b.W], im.Pix[(y-im.Y0)*im.W+(b.X0-im.X0):(y-im.Y0)*im.W+(b.X1()-im.X0)])
	}
	return out, nil
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := &Image{X0: im.X0, Y0: im.Y0, W: im.W, H: im.H, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

// Sum returns the total of all pixels.
func (im *Image) Sum() float64 {
	total := 0.0
	for _, v := range im.Pix {
		total += v
	}
	return total
}

// Equal reports whether two images have identical bounds and numerically
// identical pixels.
func (im *Image) Equal(o *Image) bool {
	if im.Bounds() != o.Bounds() {
		return false
	}
	for i, v := range im.Pix {
		if v != o.Pix[i] {
			return false
		}
	}
	return true
}

// Mask is a bit-plane pixel mask with named planes.
type Mask struct {
	X0, Y0 int
	W, H   int
	Pix    []uint32
	Planes map[string]uint
}

// DefaultMaskPlanes are the planes every exposure mask carries.
var DefaultMaskPlanes = []string{"BAD", "EDGE", "SAT", "NO_DATA", "CR", "INTRP"}

// NewMask allocates a zeroed mask covering box b with the default planes.
func NewMask(b Box) *Mask {
	planes := make(map[string]uint, len(DefaultMaskPlanes))
	for i, name := range DefaultMaskPlanes {
		planes[name] = uint(i)
	}
	return &Mask{X0: b.X0, Y0: b.Y0, W: b.W, H: b.H, Pix: make([]uint32, b.Area()), Planes: planes}
}

// Bounds returns the mask's bounding box.
func (m *Mask) Bounds() Box { return Box{X0: m.X0, Y0: m.Y0, W: m.W, H: m.H} }

// PlaneBitMask returns the combined bitmask of the named planes. Unknown
// plane names are ignored, matching the behavior of reading a mask that
// never defined them.
func (m *Mask) PlaneBitMask(names []string) uint32 {
	var bits uint32
	for _, name := range names {
		if bit, ok := m.Planes[name]; ok {
			bits |= 1 << bit
		}
	}
	return bits
}

// SetPlane sets the named plane bit at absolute coordinates (x, y).
func (m *Mask) SetPlane(x, y int, name string) {
	bit, ok := m.Planes[name]
	if !ok {
		bit = uint(len(m.Planes))
		m.Planes[name] = bit
	}
	m.Pix[(y-m.Y0)*m.W+(x-m.X0)] |= 1 << bit
}

// At returns the raw mask bits at absolute coordinates (x, y).
func (m *Mask) At(x, y int) uint32 { return m.Pix[(y-m.Y0)*m.W+(x-m.X0)] }

// Exposure is one band's calibrated image with its variance plane, mask and
// a PSF kernel image.
type Exposure struct {
	Band     string
	Image    *Image
	Variance *Image
	Mask     *Mask
	PSF      *Image
}

// NewExposure builds an exposure with flat variance and an empty mask.
func NewExposure(band string, img *Image, variance float64, psf *Image) *Exposure {
	v := NewImage(img.Bounds())
	for i := range v.Pix {
		v.Pix[i] = variance
	}
	return &Exposure{Band: band, Image: img, Variance: v, Mask: NewMask(img.Bounds()), PSF: psf}
}

// GaussianPSF renders a normalized circular Gaussian PSF kernel of the given
// sigma on a (2*half+1)^2 grid.
func GaussianPSF(sigma float64, half int) *Image {
	size := 2*half + 1
	psf := NewImage(Box{W: size, H: size})
	total := 0.0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x - half)
			dy := float64(y - half)
			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
			psf.Pix[y*size+x] = v
			total += v
		}
	}
	for i := range psf.Pix {
		psf.Pix[i] /= total
	}
	return psf
}
