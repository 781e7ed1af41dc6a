// Package fit defines the narrow contract between the orchestration core
// and the model optimizer: parameter layouts, fit outputs, priors and the
// Fitter interface. A native reference fitter lives in native.go; any other
// optimizer satisfying Fitter can be swapped in.
package fit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"starfit/internal/image"
)

// Parameter names shared with the output schema.
const (
	ParamCenX     = "cenx"
	ParamCenY     = "ceny"
	ParamFlux     = "flux"
	ParamNser     = "nser"
	ParamSigmaX   = "sigma_x"
	ParamSigmaY   = "sigma_y"
	ParamRho      = "rho"
	ParamRScale   = "rscale"
	ParamFluxFrac = "fluxFrac"
	ParamBg       = "bg"
)

// Param is one model parameter with its band association and bounds.
type Param struct {
	Name      string
	Band      string // non-empty for per-band parameters (flux, background)
	Comp      int    // 1-based component index within its source
	Source    int    // 0-based source index, for multi-source joint models
	Value     float64
	Fixed     bool
	Lower     float64
	Upper     float64
	Unlimited bool // exempt from bounds
}

// ParamResult is a fitted (or carried) parameter value with its fixed mask,
// aligned to the model's full parameter ordering.
type ParamResult struct {
	Name   string
	Band   string
	Source int
	Value  float64
	Fixed  bool
}

// FitOutput is the result of fitting one model to one source (or one joint
// blend).
type FitOutput struct {
	// Best holds the best-fit values of the free parameters only, in
	// layout order.
	Best []float64
	// All holds every parameter with its fixed mask, in layout order.
	All       []ParamResult
	Chisqred  float64
	LogLike   float64
	NEvalFunc int
	NEvalGrad int
	Runtime   time.Duration
}

// TrialResults is the shape of a dry-run (no optimization) fit, used to
// derive the output schema before any source is processed.
type TrialResults struct {
	// PSF lists the PSF model's parameters per band.
	PSF map[string][]ParamResult
	// Models lists each cascade model's parameters by model name.
	Models map[string][]ParamResult
	// Order preserves the cascade ordering of model names.
	Order []string
}

// Fitter is the external optimizer contract. FitModel blocks until the fit
// converges or fails; there is no mid-fit cancellation beyond ctx checks
// between evaluations.
type Fitter interface {
	FitModel(ctx context.Context, model *Model, bands []image.BandData, priors *Priors) (*FitOutput, error)
}

// FamilyKind distinguishes the supported profile families.
type FamilyKind int

const (
	// KindGaussian is a pure Gaussian mixture (PSF models, no-PSF fits).
	KindGaussian FamilyKind = iota
	// KindSersic is the multi-Gaussian Sersic approximation.
	KindSersic
	// KindGaussAmp is a Gaussian mixture with fixed structure and free
	// amplitudes plus a radial scale.
	KindGaussAmp
)

// Family is a parsed model-family identifier such as "mgsersic8:1",
// "gaussian:2" or "gaussian:8+rscale:1".
type Family struct {
	Kind       FamilyKind
	Order      int // Gaussian components per profile component
	Components int // profile components
}

// ParseFamily parses a model-family identifier. In the amplitude form
// "gaussian:<total>+rscale:<comps>", <total> is the mixture size summed
// across the <comps> profile components.
func ParseFamily(s string) (Family, error) {
	if i := strings.Index(s, "+rscale:"); i >= 0 {
		comps, err := strconv.Atoi(s[i+len("+rscale:"):])
		if err != nil || comps < 1 {
			return Family{}, fmt.Errorf("family %q: bad rscale count", s)
		}
		total, err := parseCount(s[:i], "gaussian")
		if err != nil {
			return Family{}, fmt.Errorf("family %q: %w", s, err)
		}
		if total%comps != 0 {
			return Family{}, fmt.Errorf("family %q: mixture size %d not divisible by %d components", s, total, comps)
		}
		return Family{Kind: KindGaussAmp, Order: total / comps, Components: comps}, nil
	}

	i := strings.LastIndex(s, ":")
	if i < 0 {
		return Family{}, fmt.Errorf("family %q: missing component count", s)
	}
	comps, err := strconv.Atoi(s[i+1:])
	if err != nil || comps < 1 {
		return Family{}, fmt.Errorf("family %q: bad component count", s)
	}
	name := s[:i]
	switch {
	case name == "gaussian":
		return Family{Kind: KindGaussian, Order: 1, Components: comps}, nil
	case strings.HasPrefix(name, "mgsersic"):
		order, err := strconv.Atoi(name[len("mgsersic"):])
		if err != nil || order < 1 {
			return Family{}, fmt.Errorf("family %q: bad mixture order", s)
		}
		return Family{Kind: KindSersic, Order: order, Components: comps}, nil
	}
	return Family{}, fmt.Errorf("family %q: unknown profile", s)
}

func parseCount(s, prefix string) (int, error) {
	rest, ok := strings.CutPrefix(s, prefix+":")
	if !ok {
		return 0, fmt.Errorf("expected %s:<n>, got %q", prefix, s)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad count in %q", s)
	}
	return n, nil
}
