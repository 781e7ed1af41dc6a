package fit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"starfit/internal/image"
)

// NativeFitter is the in-process reference optimizer. It renders models as
// analytic Gaussian mixtures convolved with the PSF moments and minimizes
// the weighted least-squares objective (plus prior penalties) by adaptive
// pattern search over the free parameters.
type NativeFitter struct {
	MaxPasses int
	MaxEval   int
	Tol       float64
	Log       *slog.Logger
}

// NewNativeFitter returns a fitter with working defaults.
func NewNativeFitter(log *slog.Logger) *NativeFitter {
	return &NativeFitter{
		MaxPasses: 200,
		MaxEval:   200000,
		Tol:       1e-8,
		Log:       log,
	}
}

// FitModel optimizes the model's free parameters against the band data.
// The model is mutated in place to its best-fit values.
func (f *NativeFitter) FitModel(ctx context.Context, model *Model, bands []image.BandData, priors *Priors) (*FitOutput, error) {
	start := time.Now()

	free := make([]int, 0, len(model.Params))
	for i := range model.Params {
		if !model.Params[i].Fixed {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("model %q has no free parameters", model.Name)
	}

	scene, err := newScene(model, bands)
	if err != nil {
		return nil, err
	}

	out := &FitOutput{}
	objective := func() float64 {
		out.NEvalFunc++
		return scene.chisq(model) + priors.penalty(model)
	}

	best := objective()
	if math.IsNaN(best) || math.IsInf(best, 0) {
		return nil, fmt.Errorf("model %q: initial objective %v not finite", model.Name, best)
	}

	steps := make([]float64, len(free))
	for k, i := range free {
		steps[k] = initialStep(&model.Params[i])
	}

	for pass := 0; pass < f.MaxPasses && out.NEvalFunc < f.MaxEval; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passStart := best
		maxStep := 0.0
		for k, i := range free {
			p := &model.Params[i]
			accepted := false
			for _, dir := range [2]float64{1, -1} {
				trial := clampParam(p, p.Value+dir*steps[k])
				if trial == p.Value {
					continue
				}
				prev := p.Value
				p.Value = trial
				if v := objective(); v < best {
					best = v
					accepted = true
					steps[k] = math.Min(steps[k]*2, maxStepFor(p))
					break
				}
				p.Value = prev
			}
			if !accepted {
				steps[k] *= 0.5
			}
			if steps[k] > maxStep {
				maxStep = steps[k]
			}
		}
		if f.Log != nil {
			f.Log.Debug("fit pass", "model", model.Name, "pass", pass, "objective", best, "evals", out.NEvalFunc)
		}
		if passStart-best < f.Tol*(math.Abs(best)+1) && maxStep < f.Tol {
			break
		}
	}

	// One gradient at the solution, as a sanity check that we stopped
	// somewhere flat. Its objective calls count as gradient work, not
	// function evaluations.
	raw := func() float64 { return scene.chisq(model) + priors.penalty(model) }
	grad := f.gradient(model, free, raw)
	out.NEvalGrad++
	if f.Log != nil {
		gmax := 0.0
		for _, g := range grad {
			gmax = math.Max(gmax, math.Abs(g))
		}
		f.Log.Debug("fit converged", "model", model.Name, "objective", best, "gradmax", gmax)
	}

	out.Best = make([]float64, len(free))
	for k, i := range free {
		out.Best[k] = model.Params[i].Value
	}
	out.All = model.Results()
	chisq, npix := scene.chisqCount(model)
	dof := npix - len(free)
	if dof < 1 {
		dof = 1
	}
	out.Chisqred = chisq / float64(dof)
	out.LogLike = -0.5 * chisq
	out.Runtime = time.Since(start)
	return out, nil
}

func (f *NativeFitter) gradient(model *Model, free []int, objective func() float64) []float64 {
	grad := make([]float64, len(free))
	for k, i := range free {
		p := &model.Params[i]
		h := math.Max(1e-6, 1e-6*math.Abs(p.Value))
		prev := p.Value
		p.Value = clampParam(p, prev+h)
		fp := objective()
		p.Value = clampParam(p, prev-h)
		fm := objective()
		p.Value = prev
		grad[k] = (fp - fm) / (2 * h)
	}
	return grad
}

func initialStep(p *Param) float64 {
	switch p.Name {
	case ParamRho:
		return 0.05
	case ParamFluxFrac:
		return 0.05
	case ParamNser:
		return 0.25
	case ParamCenX, ParamCenY:
		return 0.5
	default:
		return math.Max(0.1*math.Abs(p.Value), 0.1)
	}
}

func maxStepFor(p *Param) float64 {
	switch p.Name {
	case ParamRho, ParamFluxFrac:
		return 0.25
	default:
		return math.Max(10*math.Abs(p.Value), 100)
	}
}

func clampParam(p *Param, v float64) float64 {
	if p.Unlimited {
		return v
	}
	if v < p.Lower {
		return p.Lower
	}
	if v > p.Upper {
		return p.Upper
	}
	return v
}

// gaussComponent is one rendered Gaussian term.
type gaussComponent struct {
	cx, cy        float64
	flux          float64
	sxx, syy, sxy float64
}

// scene caches per-band geometry so repeated objective evaluations avoid
// reallocating.
type scene struct {
	bands   []image.BandData
	psfCov  [][3]float64 // per band: cxx, cyy, cxy; zeros when PSF is nil
	scratch []float64
}

func newScene(model *Model, bands []image.BandData) (*scene, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("model %q: no band data", model.Name)
	}
	s := &scene{bands: bands, psfCov: make([][3]float64, len(bands))}
	maxPix := 0
	for i, b := range bands {
		if b.Image == nil || len(b.ErrInv) != len(b.Image.Pix) {
			return nil, fmt.Errorf("band %s: image and errInv misaligned", b.Band)
		}
		if n := len(b.Image.Pix); n > maxPix {
			maxPix = n
		}
		if b.PSF != nil {
			cxx, cyy, cxy, err := psfCovariance(b.PSF)
			if err != nil {
				return nil, fmt.Errorf("band %s: %w", b.Band, err)
			}
			s.psfCov[i] = [3]float64{cxx, cyy, cxy}
		}
	}
	s.scratch = make([]float64, maxPix)
	return s, nil
}

func (s *scene) chisq(model *Model) float64 {
	chisq, _ := s.chisqCount(model)
	return chisq
}

func (s *scene) chisqCount(model *Model) (float64, int) {
	total := 0.0
	npix := 0
	for bi, band := range s.bands {
		img := band.Image
		buf := s.scratch[:len(img.Pix)]
		for i := range buf {
			buf[i] = 0
		}
		comps := expandComponents(model, band.Band, s.psfCov[bi])
		for _, c := range comps {
			renderGaussian(buf, img.W, img.H, c)
		}
		if model.Background {
			for i := range model.Params {
				p := &model.Params[i]
				if p.Name == ParamBg && p.Band == band.Band {
					for j := range buf {
						buf[j] += p.Value
					}
				}
			}
		}
		for i, w := range band.ErrInv {
			if w <= 0 {
				continue
			}
			d := (img.Pix[i] - buf[i]) * w
			total += d * d
			npix++
		}
	}
	return total, npix
}

// renderGaussian adds one bivariate normal, evaluated at pixel centers, to
// the buffer.
func renderGaussian(buf []float64, w, h int, c gaussComponent) {
	det := c.sxx*c.syy - c.sxy*c.sxy
	if det <= 1e-12 {
		det = 1e-12
	}
	norm := c.flux / (2 * math.Pi * math.Sqrt(det))
	inv := 1 / (2 * det)
	for y := 0; y < h; y++ {
		dy := float64(y) - c.cy
		for x := 0; x < w; x++ {
			dx := float64(x) - c.cx
			e := (c.syy*dx*dx - 2*c.sxy*dx*dy + c.sxx*dy*dy) * inv
			if e > 30 {
				continue
			}
			buf[y*w+x] += norm * math.Exp(-e)
		}
	}
}

// expandComponents flattens the model's parameters for one band into
// PSF-convolved Gaussian terms.
func expandComponents(model *Model, band string, psfCov [3]float64) []gaussComponent {
	var out []gaussComponent
	type group struct {
		cx, cy, flux, nser, rscale, sx, sy, rho float64
		hasFlux                                 bool
		fracs                                   []float64
	}

	var g *group
	psfRemaining := 1.0
	flush := func() {
		if g == nil {
			return
		}
		defer func() { g = nil }()

		flux := g.flux
		if !g.hasFlux {
			// PSF-style model: flux comes from the fraction chain over a
			// unit total.
			frac := psfRemaining
			if len(g.fracs) > 0 {
				frac = g.fracs[0] * psfRemaining
				psfRemaining *= 1 - g.fracs[0]
			} else {
				psfRemaining = 0
			}
			flux = frac
		}

		base := gaussComponent{cx: g.cx, cy: g.cy, flux: flux}
		vx, vy := g.sx*g.sx, g.sy*g.sy
		cxy := g.rho * g.sx * g.sy

		switch model.Family.Kind {
		case KindGaussian:
			base.sxx, base.syy, base.sxy = vx, vy, cxy
			out = append(out, convolve(base, psfCov))
		case KindSersic:
			weights, sizes := sersicMixture(g.nser, model.Family.Order)
			for k := range weights {
				c := base
				c.flux = flux * weights[k]
				s2 := sizes[k] * sizes[k]
				c.sxx, c.syy, c.sxy = vx*s2, vy*s2, cxy*s2
				out = append(out, convolve(c, psfCov))
			}
		case KindGaussAmp:
			sizes := amplitudeLadder(model.Family.Order)
			fracs := g.fracs
			remaining := 1.0
			for k := range sizes {
				frac := remaining
				if k < len(fracs) {
					frac = fracs[k] * remaining
					remaining *= 1 - fracs[k]
				} else {
					remaining = 0
				}
				c := base
				c.flux = flux * frac
				s2 := g.rscale * sizes[k] * g.rscale * sizes[k]
				c.sxx, c.syy, c.sxy = vx*s2, vy*s2, cxy*s2
				out = append(out, convolve(c, psfCov))
			}
		}
	}

	lastKey := [2]int{-1, -1}
	for i := range model.Params {
		p := &model.Params[i]
		if p.Name == ParamBg {
			continue
		}
		key := [2]int{p.Source, p.Comp}
		if key != lastKey {
			flush()
			g = &group{sx: 1, sy: 1, nser: 1, rscale: 1}
			lastKey = key
		}
		switch p.Name {
		case ParamCenX:
			g.cx = p.Value
		case ParamCenY:
			g.cy = p.Value
		case ParamFlux:
			if p.Band == band {
				g.flux = p.Value
				g.hasFlux = true
			}
		case ParamNser:
			g.nser = p.Value
		case ParamRScale:
			g.rscale = p.Value
		case ParamSigmaX:
			g.sx = p.Value
		case ParamSigmaY:
			g.sy = p.Value
		case ParamRho:
			g.rho = p.Value
		case ParamFluxFrac:
			if p.Band == band || p.Band == "" {
				g.fracs = append(g.fracs, p.Value)
			}
		}
	}
	flush()
	return out
}

func convolve(c gaussComponent, psfCov [3]float64) gaussComponent {
	c.sxx += psfCov[0]
	c.syy += psfCov[1]
	c.sxy += psfCov[2]
	return c
}

// psfCovariance computes the flux-weighted second moments of a PSF kernel
// about its centroid.
func psfCovariance(psf *image.Image) (cxx, cyy, cxy float64, err error) {
	var flux, mx, my float64
	for y := 0; y < psf.H; y++ {
		for x := 0; x < psf.W; x++ {
			v := psf.Pix[y*psf.W+x]
			if v <= 0 {
				continue
			}
			flux += v
			mx += v * float64(x)
			my += v * float64(y)
		}
	}
	if !(flux > 0) {
		return 0, 0, 0, fmt.Errorf("psf kernel flux=%v not positive", flux)
	}
	cx, cy := mx/flux, my/flux
	for y := 0; y < psf.H; y++ {
		for x := 0; x < psf.W; x++ {
			v := psf.Pix[y*psf.W+x]
			if v <= 0 {
				continue
			}
			dx := float64(x) - cx
			dy := float64(y) - cy
			cxx += v * dx * dx
			cyy += v * dy * dy
			cxy += v * dx * dy
		}
	}
	return cxx / flux, cyy / flux, cxy / flux, nil
}

// sersicMixture approximates a Sersic profile of index nser as a mixture of
// order Gaussians: log-spaced size fractions with weights proportional to
// the profile's flux in each annulus.
func sersicMixture(nser float64, order int) (weights, sizes []float64) {
	if nser < 0.3 {
		nser = 0.3
	}
	b := 2*nser - 1.0/3 + 4/(405*nser)
	weights = make([]float64, order)
	sizes = make([]float64, order)
	lo, hi := math.Log(0.05), math.Log(3.0)
	total := 0.0
	for k := 0; k < order; k++ {
		t := 0.5
		if order > 1 {
			t = float64(k) / float64(order-1)
		}
		r := math.Exp(lo + t*(hi-lo))
		sizes[k] = r
		w := math.Exp(-b*(math.Pow(r, 1/nser)-1)) * r * r
		weights[k] = w
		total += w
	}
	for k := range weights {
		weights[k] /= total
	}
	return weights, sizes
}

// amplitudeLadder is the fixed geometric size ladder of the free-amplitude
// families. The ladder is centered at unit size so rscale carries the
// overall scale.
func amplitudeLadder(order int) []float64 {
	sizes := make([]float64, order)
	mid := float64(order-1) / 2
	for k := 0; k < order; k++ {
		sizes[k] = math.Pow(2, 0.5*(float64(k)-mid))
	}
	return sizes
}
