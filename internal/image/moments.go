package image

import (
	"fmt"
	"math"
)

// Moments are the low-order statistics of a cutout used to seed fits.
// Coordinates are relative to the cutout origin.
type Moments struct {
	CX, CY float64
	Flux   float64
	SigmaX float64
	SigmaY float64
	Rho    float64
}

// MomentsOptions controls moments estimation.
type MomentsOptions struct {
	// DenoiseContiguous restricts the estimate to the contiguous positive
	// region around the seed pixel in a naively denoised image.
	DenoiseContiguous bool
	// SigmaMin floors the estimated sizes.
	SigmaMin float64
	// SeedX, SeedY locate the source within the cutout (cutout-relative).
	SeedX, SeedY float64
}

// EstimateMoments computes centroid, flux and second moments of img,
// ignoring pixels with zero inverse error. A non-finite or non-positive
// total flux is an error: such cutouts cannot seed a fit.
func EstimateMoments(img *Image, errInv []float64, opts MomentsOptions) (Moments, error) {
	n := len(img.Pix)
	use := make([]bool, n)
	for i := range use {
		use[i] = errInv == nil || errInv[i] > 0
	}

	if opts.DenoiseContiguous {
		selectContiguousPositive(img, use, opts)
	}

	var flux, mx, my float64
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			i := y*img.W + x
			if !use[i] {
				continue
			}
			v := img.Pix[i]
			if v <= 0 {
				continue
			}
			flux += v
			mx += v * float64(x)
			my += v * float64(y)
		}
	}
	if !(flux > 0) || math.IsInf(flux, 0) || math.IsNaN(flux) {
		return Moments{}, fmt.Errorf("moments flux=%v not finite positive", flux)
	}
	cx, cy := mx/flux, my/flux

	var mxx, myy, mxy float64
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			i := y*img.W + x
			if !use[i] {
				continue
			}
			v := img.Pix[i]
			if v <= 0 {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			mxx += v * dx * dx
			myy += v * dy * dy
			mxy += v * dx * dy
		}
	}
	mxx /= flux
	myy /= flux
	mxy /= flux

	sx := math.Sqrt(math.Max(mxx, opts.SigmaMin*opts.SigmaMin))
	sy := math.Sqrt(math.Max(myy, opts.SigmaMin*opts.SigmaMin))
	rho := 0.0
	if sx > 0 && sy > 0 {
		rho = mxy / (sx * sy)
		rho = math.Max(-0.9, math.Min(0.9, rho))
	}
	return Moments{CX: cx, CY: cy, Flux: flux, SigmaX: sx, SigmaY: sy, Rho: rho}, nil
}

// selectContiguousPositive narrows use to the flood-filled positive region
// around the seed pixel in a denoised (median-subtracted) view of img.
func selectContiguousPositive(img *Image, use []bool, opts MomentsOptions) {
	floor := medianPositiveFloor(img, use)
	positive := make([]bool, len(img.Pix))
	for i, v := range img.Pix {
		positive[i] = use[i] && v > floor
	}

	sx := int(math.Round(opts.SeedX))
	sy := int(math.Round(opts.SeedY))
	if sx < 0 || sx >= img.W || sy < 0 || sy >= img.H || !positive[sy*img.W+sx] {
		// Fall back to the brightest usable pixel as the flood seed.
		best := -1
		bestVal := math.Inf(-1)
		for i, ok := range positive {
			if ok && img.Pix[i] > bestVal {
				best, bestVal = i, img.Pix[i]
			}
		}
		if best < 0 {
			return
		}
		sy, sx = best/img.W, best%img.W
	}

	selected := make([]bool, len(img.Pix))
	stack := []int{sy*img.W + sx}
	selected[stack[0]] = true
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		y, x := i/img.W, i%img.W
		for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || nx >= img.W || ny < 0 || ny >= img.H {
				continue
			}
			j := ny*img.W + nx
			if positive[j] && !selected[j] {
				selected[j] = true
				stack = append(stack, j)
			}
		}
	}
	for i := range use {
		use[i] = use[i] && selected[i]
	}
}

// medianPositiveFloor estimates a naive noise floor as the median of the
// usable pixel values, clamped at zero.
func medianPositiveFloor(img *Image, use []bool) float64 {
	vals := make([]float64, 0, len(img.Pix))
	for i, v := range img.Pix {
		if use[i] {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	med := quickMedian(vals)
	if med < 0 {
		return 0
	}
	return med
}

func quickMedian(vals []float64) float64 {
	// Selection by repeated partition; vals is scratch and may be reordered.
	k := len(vals) / 2
	lo, hi := 0, len(vals)-1
	for lo < hi {
		pivot := vals[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for vals[i] < pivot {
				i++
			}
			for vals[j] > pivot {
				j--
			}
			if i <= j {
				vals[i], vals[j] = vals[j], vals[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			break
		}
	}
	return vals[k]
}
