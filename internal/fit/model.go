package fit

import (
	"fmt"
	"math"

	"starfit/internal/cascade"
)

// Model is a concrete parameterized model ready for optimization. The
// parameter layout is deterministic: it depends only on the family, the
// band list, the source count and the background toggle, never on data.
type Model struct {
	Name     string
	FamilyID string
	Family   Family
	Bands    []string
	NSources int
	Params   []Param
	// Background appends one free flat level per band.
	Background bool
}

// NewModel lays out the parameters for a model of the given family fit to
// nSources sources simultaneously.
func NewModel(name, familyID string, bands []string, nSources int, background bool) (*Model, error) {
	family, err := ParseFamily(familyID)
	if err != nil {
		return nil, err
	}
	if nSources < 1 {
		return nil, fmt.Errorf("model %q: nSources=%d must be >=1", name, nSources)
	}
	m := &Model{
		Name:       name,
		FamilyID:   familyID,
		Family:     family,
		Bands:      bands,
		NSources:   nSources,
		Background: background,
	}
	for src := 0; src < nSources; src++ {
		for comp := 1; comp <= family.Components; comp++ {
			m.addParam(src, comp, ParamCenX, "", 0)
			m.addParam(src, comp, ParamCenY, "", 0)
			for _, band := range bands {
				m.addParam(src, comp, ParamFlux, band, 1)
			}
			if family.Kind == KindSersic {
				m.addParam(src, comp, ParamNser, "", 1)
			}
			if family.Kind == KindGaussAmp {
				m.addParam(src, comp, ParamRScale, "", 1)
			}
			m.addParam(src, comp, ParamSigmaX, "", 1)
			m.addParam(src, comp, ParamSigmaY, "", 1)
			m.addParam(src, comp, ParamRho, "", 0)
			if family.Kind == KindGaussAmp {
				// One free amplitude fraction per mixture member but the
				// last; the schema disambiguates repeats by count.
				for k := 1; k < family.Order; k++ {
					for _, band := range bands {
						m.addParam(src, comp, ParamFluxFrac, band, 1/float64(family.Order))
					}
				}
			}
		}
	}
	if background {
		for _, band := range bands {
			m.addParam(0, 0, ParamBg, band, 0)
		}
	}
	return m, nil
}

// NewPSFModel lays out the per-band PSF Gaussian mixture: a shared centroid
// plus per-component shape, with flux fractions for all but the last
// component.
func NewPSFModel(order int) *Model {
	m := &Model{
		Name:     cascade.PSFModelName(order),
		FamilyID: fmt.Sprintf("gaussian:%d", order),
		Family:   Family{Kind: KindGaussian, Order: 1, Components: order},
		NSources: 1,
	}
	m.addParam(0, 1, ParamCenX, "", 0)
	m.addParam(0, 1, ParamCenY, "", 0)
	for comp := 1; comp <= order; comp++ {
		if comp != order {
			m.addParam(0, comp, ParamFluxFrac, "", 1/float64(order))
		}
		m.addParam(0, comp, ParamSigmaX, "", 1.5)
		m.addParam(0, comp, ParamSigmaY, "", 1.5)
		m.addParam(0, comp, ParamRho, "", 0)
	}
	return m
}

func (m *Model) addParam(src, comp int, name, band string, value float64) {
	lower, upper := defaultBounds(name)
	m.Params = append(m.Params, Param{
		Name:   name,
		Band:   band,
		Comp:   comp,
		Source: src,
		Value:  value,
		Lower:  lower,
		Upper:  upper,
	})
}

func defaultBounds(name string) (float64, float64) {
	switch {
	case name == ParamCenX || name == ParamCenY:
		return 0, math.Inf(1) // upper tightened to the cutout size later
	case name == ParamFlux:
		return 0, math.Inf(1)
	case name == ParamNser:
		return 0.3, 6.3
	case name == ParamSigmaX || name == ParamSigmaY:
		return 1e-3, 1e3
	case name == ParamRho:
		return -0.99, 0.99
	case name == ParamRScale:
		return 1e-2, 1e2
	case name == ParamBg:
		return math.Inf(-1), math.Inf(1)
	default: // fluxFrac*
		return 1e-4, 1 - 1e-4
	}
}

// SetFixed marks every parameter whose name is listed as fixed. Names not
// present in the layout are ignored, since fixed lists are shared across
// families.
func (m *Model) SetFixed(names []string) {
	for _, name := range names {
		for i := range m.Params {
			if m.Params[i].Name == name {
				m.Params[i].Fixed = true
			}
		}
	}
}

// SetUnlimited exempts the named parameters from bounds.
func (m *Model) SetUnlimited(names []string) {
	for _, name := range names {
		for i := range m.Params {
			if m.Params[i].Name == name {
				m.Params[i].Unlimited = true
			}
		}
	}
}

// BoundCentroids clamps centroid parameters to the cutout dimensions.
func (m *Model) BoundCentroids(w, h int) {
	for i := range m.Params {
		switch m.Params[i].Name {
		case ParamCenX:
			m.Params[i].Upper = float64(w)
		case ParamCenY:
			m.Params[i].Upper = float64(h)
		}
	}
}

// FreeCount returns the number of free parameters.
func (m *Model) FreeCount() int {
	n := 0
	for i := range m.Params {
		if !m.Params[i].Fixed {
			n++
		}
	}
	return n
}

// Results snapshots the current parameter values as ParamResults.
func (m *Model) Results() []ParamResult {
	out := make([]ParamResult, len(m.Params))
	for i, p := range m.Params {
		out[i] = ParamResult{Name: p.Name, Band: p.Band, Source: p.Source, Value: p.Value, Fixed: p.Fixed}
	}
	return out
}

// Clone deep-copies the model so cached templates can be reused safely.
func (m *Model) Clone() *Model {
	out := *m
	out.Params = append([]Param(nil), m.Params...)
	out.Bands = append([]string(nil), m.Bands...)
	return &out
}

// BuildForSpec constructs a model for one cascade spec, applying its fixed
// and unlimited parameter lists.
func BuildForSpec(spec *cascade.ModelSpec, bands []string, nSources int, background bool) (*Model, error) {
	m, err := NewModel(spec.Name, spec.Family, bands, nSources, background)
	if err != nil {
		return nil, err
	}
	m.SetFixed(spec.Fixed)
	m.SetUnlimited(spec.Unlimited)
	return m, nil
}

// Trial performs the dry-run fit used at task construction: it lays out
// every model in the cascade plus the per-band PSF model and reports their
// parameter lists without touching any data. The schema builder derives its
// column layout from this.
func Trial(casc *cascade.Cascade, bands []string, psfOrder int, background bool) (*TrialResults, error) {
	trial := &TrialResults{
		PSF:    make(map[string][]ParamResult, len(bands)),
		Models: make(map[string][]ParamResult, casc.Len()),
	}
	psf := NewPSFModel(psfOrder)
	for _, band := range bands {
		trial.PSF[band] = psf.Results()
	}
	for i := range casc.Specs() {
		spec := &casc.Specs()[i]
		m, err := BuildForSpec(spec, bands, 1, background)
		if err != nil {
			return nil, err
		}
		trial.Models[spec.Name] = m.Results()
		trial.Order = append(trial.Order, spec.Name)
	}
	return trial, nil
}
