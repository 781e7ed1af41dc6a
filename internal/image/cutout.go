package image

import (
	"fmt"
	"math"
)

// BandData is one band's cutout prepared for fitting: pixel values, inverse
// errors (zero at rejected pixels) and the PSF kernel image.
type BandData struct {
	Band   string
	Image  *Image
	ErrInv []float64 // aligned to Image.Pix
	PSF    *Image
}

// FitContext is everything the fitter needs for one source.
type FitContext struct {
	Bands     []BandData
	Footprint *Footprint
	BBox      Box
	// RefX, RefY are the source centroid in cutout-relative coordinates.
	RefX, RefY float64
}

// CutoutProvider selects and prepares the fit region for each source.
type CutoutProvider struct {
	MaxPixels      int      // footprint area ceiling
	Dilate         int      // requested isotropic bbox dilation in pixels
	BBoxRef        Box      // reference bounds, typically the full exposure
	MaskPlanesZero []string // planes whose pixels get zero weight
	UseSpans       bool     // reject pixels outside the footprint spans
}

// GetContext builds the fit context for one source. footprint, when given,
// overrides the source's own footprint unless its bounding box exceeds the
// pixel ceiling, in which case the source footprint is the fallback. With
// failOnLarge set, a fallback footprint over the ceiling is an error too.
//
// Errors here are per-source failures, never fatal to the run.
func (p *CutoutProvider) GetContext(
	srcFootprint *Footprint, cenX, cenY float64,
	exposures []*Exposure, footprint *Footprint, failOnLarge bool,
) (*FitContext, error) {
	if footprint != nil && footprint.BBox().Area() > p.MaxPixels {
		footprint = nil
	}
	if footprint == nil {
		footprint = srcFootprint
	}

	bbox, footprint := p.dilated(footprint)
	if p.BBoxRef.Area() > 0 {
		bbox = bbox.Intersect(p.BBoxRef)
	}
	area := bbox.Area()
	if !(area > 0) {
		return nil, fmt.Errorf("source bbox=%v has area=%d !>0", bbox, area)
	}
	if failOnLarge && area > p.MaxPixels {
		return nil, fmt.Errorf("source footprint (fallback) area=%d pix exceeds max=%d", area, p.MaxPixels)
	}

	ctx := &FitContext{
		Footprint: footprint,
		BBox:      bbox,
		RefX:      cenX - float64(bbox.X0),
		RefY:      cenY - float64(bbox.Y0),
	}

	for _, exposure := range exposures {
		img, err := exposure.Image.Subset(bbox)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", exposure.Band, err)
		}
		variance, err := exposure.Variance.Subset(bbox)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", exposure.Band, err)
		}

		bits := exposure.Mask.PlaneBitMask(p.MaskPlanesZero)
		errInv := make([]float64, len(img.Pix))
		for y := bbox.Y0; y < bbox.Y1(); y++ {
			for x := bbox.X0; x < bbox.X1(); x++ {
				i := (y-bbox.Y0)*bbox.W + (x - bbox.X0)
				if exposure.Mask.At(x, y)&bits != 0 {
					continue
				}
				if p.UseSpans && !footprint.Contains(x, y) {
					continue
				}
				v := variance.Pix[i]
				if v > 0 {
					errInv[i] = math.Sqrt(1 / v)
				}
			}
		}

		ctx.Bands = append(ctx.Bands, BandData{
			Band:   exposure.Band,
			Image:  img,
			ErrInv: errInv,
			PSF:    exposure.PSF,
		})
	}
	return ctx, nil
}

// FitBox returns the bounding box GetContext would fit within for the
// footprint, without touching any pixel data. Used to re-anchor carried
// child fits inside a parent's frame.
func (p *CutoutProvider) FitBox(footprint *Footprint) Box {
	bbox, _ := p.dilated(footprint)
	if p.BBoxRef.Area() > 0 {
		bbox = bbox.Intersect(p.BBoxRef)
	}
	return bbox
}

// dilated expands the footprint's bounding box by the configured amount,
// clamped so the result never crosses the reference bounds: the realized
// dilation is the minimum of the configured pixels and the available margin
// on every side.
func (p *CutoutProvider) dilated(footprint *Footprint) (Box, *Footprint) {
	bbox := footprint.BBox()
	if p.Dilate <= 0 {
		return bbox, footprint
	}
	dilate := p.Dilate
	if p.BBoxRef.Area() > 0 {
		if margin := bbox.Margin(p.BBoxRef); margin < dilate {
			dilate = margin
		}
	}
	if dilate <= 0 {
		return bbox, footprint
	}
	footprint = footprint.Dilate(dilate)
	return footprint.BBox(), footprint
}

// SegmentationMap labels every parent footprint's pixels with 1 + its row
// index; sky stays zero. Used to exclude other blends' pixels when fitting
// inside dilated regions without a noise replacer.
func SegmentationMap(bbox Box, footprints map[int]*Footprint) *Image {
	seg := NewImage(bbox)
	for idx, footprint := range footprints {
		if footprint == nil {
			continue
		}
		for _, s := range footprint.Spans {
			if s.Y < bbox.Y0 || s.Y >= bbox.Y1() {
				continue
			}
			x0 := max(s.X0, bbox.X0)
			x1 := min(s.X1, bbox.X1()-1)
			for x := x0; x <= x1; x++ {
				seg.Set(x, s.Y, float64(idx+1))
			}
		}
	}
	return seg
}
