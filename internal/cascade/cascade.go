// Package cascade builds the ordered list of model specifications fit per
// source. Later entries may be initialized from the fitted values of earlier
// ones; the builder guarantees that such references only point backwards.
package cascade

import (
	"fmt"

	"starfit/internal/config"
)

// InitKind says where a model's initial parameter values come from.
type InitKind int

const (
	// InitMoments seeds centroid, flux and shape from image moments.
	InitMoments InitKind = iota
	// InitValues uses the values carried on the spec (resume/replay).
	InitValues
	// InitBest copies from whichever earlier model fit best.
	InitBest
	// InitModels copies from the named earlier models, one per component
	// group.
	InitModels
)

func (k InitKind) String() string {
	switch k {
	case InitMoments:
		return "moments"
	case InitValues:
		return "values"
	case InitBest:
		return "best"
	case InitModels:
		return "models"
	}
	return fmt.Sprintf("InitKind(%d)", int(k))
}

// TransferRule controls how a parameter value carries over from an init
// model.
type TransferRule int

const (
	// TransferSet assigns the literal value on the spec.
	TransferSet TransferRule = iota
	// TransferInherit copies the source model's fitted value unchanged.
	TransferInherit
	// TransferModify copies then rescales by the ratio of mixture orders.
	TransferModify
)

// InitParam is one initial-value expression on a ModelSpec.
type InitParam struct {
	Name  string
	Value float64
	Rule  TransferRule
}

// ParamValue is a carried (name, value) pair used in values-kind init.
type ParamValue struct {
	Name  string
	Value float64
}

// ModelSpec describes one model fit in the cascade.
type ModelSpec struct {
	Name         string
	Family       string // model family identifier, e.g. "mgsersic8:1"
	MixtureOrder int    // Gaussian components per profile component
	Components   int    // profile components (1 for single, 2 for x2 models)
	Fixed        []string
	InitParams   []InitParam
	InitKind     InitKind
	InitFrom     []string // earlier spec names, for InitModels
	Unlimited    []string // parameters exempt from bounds

	// ValuesInit and ValuesInitPSF carry parameter values read back from a
	// prior output catalog when replaying or plotting existing fits.
	ValuesInit    []ParamValue
	ValuesInitPSF map[string][]ParamValue
}

// Cascade is an immutable ordered sequence of model specs.
type Cascade struct {
	specs  []ModelSpec
	byName map[string]int
}

// allParams lists every shape/profile parameter; used to freeze everything
// but amplitudes in the linear amplitude refits.
var allParams = []string{"cenx", "ceny", "nser", "sigma_x", "sigma_y", "rscale", "rho"}

// Build expands the configured fit flags into the cascade, in the fixed
// order matching flag evaluation. Names are deterministic functions of the
// family, mixture order and initialization lineage.
func Build(cfg *config.Config) (*Cascade, error) {
	fitting := config.ExpandPrerequisites(cfg.Fitting)
	order := fitting.GaussianOrderSersic

	nameMG := fmt.Sprintf("mg%d", order)
	familySersic := fmt.Sprintf("mgsersic%d:1", order)
	familySersicX2 := fmt.Sprintf("mgsersic%d:2", order)
	familySersicAmp := fmt.Sprintf("gaussian:%d+rscale:1", order)
	familySersicX2Amp := fmt.Sprintf("gaussian:%d+rscale:2", 2*order)

	// Replaying prior fits (or only plotting them) replaces every
	// moments/lineage init with carried values.
	fromValues := cfg.Output.PlotOnly || fitting.DeblendFromPreviousFits
	momentsKind := InitMoments
	if fromValues {
		momentsKind = InitValues
	}
	lineage := func(kind InitKind, from ...string) (InitKind, []string) {
		if fromValues {
			return InitValues, nil
		}
		return kind, from
	}

	var specs []ModelSpec
	add := func(s ModelSpec) {
		s.MixtureOrder = order
		if s.Components == 0 {
			s.Components = 1
		}
		specs = append(specs, s)
	}

	if fitting.FitPointSource {
		add(ModelSpec{
			Name: "gausspx", Family: familySersic,
			Fixed:      []string{"nser"},
			InitParams: []InitParam{{Name: "nser", Value: 0.5}},
			InitKind:   momentsKind,
		})
	}
	if fitting.FitCModel {
		kind, from := lineage(InitModels, "gausspx")
		add(ModelSpec{
			Name: nameMG + "expgpx", Family: familySersic,
			Fixed:      []string{"nser"},
			InitParams: []InitParam{{Name: "nser", Value: 1}},
			InitKind:   kind, InitFrom: from,
		})
		kind, from = lineage(InitModels, nameMG+"expgpx")
		add(ModelSpec{
			Name: nameMG + "devepx", Family: familySersic,
			Fixed:      []string{"nser"},
			InitParams: []InitParam{{Name: "nser", Value: 4}},
			InitKind:   kind, InitFrom: from,
		})
		kind, from = lineage(InitModels, nameMG+"devepx", nameMG+"expgpx")
		add(ModelSpec{
			Name: nameMG + "cmodelpx", Family: familySersicX2, Components: 2,
			Fixed:      []string{"cenx", "ceny", "nser", "sigma_x", "sigma_y", "rho"},
			InitParams: []InitParam{{Name: "nser", Value: 4}, {Name: "nser", Value: 1}},
			InitKind:   kind, InitFrom: from,
		})
		if fitting.FitSersicFromCModel {
			kind, from = lineage(InitBest)
			add(ModelSpec{
				Name: nameMG + "serbpx", Family: familySersic,
				InitKind: kind, InitFrom: from,
			})
			if fitting.FitSersicFromCModelAmplitude {
				add(ModelSpec{
					Name: nameMG + "serbapx", Family: familySersicAmp,
					Fixed: allParams,
					InitParams: []InitParam{
						{Name: "rho", Rule: TransferInherit},
						{Name: "rscale", Rule: TransferModify},
					},
					InitKind: InitModels, InitFrom: []string{nameMG + "serbpx"},
					Unlimited: []string{"sigma_x", "sigma_y"},
				})
			}
			if fitting.FitSersicX2FromSerExp {
				kind, from = lineage(InitModels, nameMG+"serbpx", nameMG+"expgpx")
				add(ModelSpec{
					Name: nameMG + "serx2sepx", Family: familySersicX2, Components: 2,
					InitKind: kind, InitFrom: from,
				})
				if fitting.FitSersicX2SEAmplitude {
					add(ModelSpec{
						Name: nameMG + "serx2seapx", Family: familySersicX2Amp, Components: 2,
						Fixed: allParams,
						InitParams: []InitParam{
							{Name: "rho", Rule: TransferInherit},
							{Name: "rscale", Rule: TransferModify},
						},
						InitKind: InitModels, InitFrom: []string{nameMG + "serx2sepx"},
						Unlimited: []string{"sigma_x", "sigma_y"},
					})
				}
			}
		}
		if fitting.FitDevExpFromCModel {
			kind, from = lineage(InitModels, nameMG+"devepx", nameMG+"expgpx")
			add(ModelSpec{
				Name: nameMG + "devexppx", Family: familySersicX2, Components: 2,
				Fixed:      []string{"nser"},
				InitParams: []InitParam{{Name: "nser", Value: 4}, {Name: "nser", Value: 1}},
				InitKind:   kind, InitFrom: from,
			})
			if fitting.FitSersicX2FromDevExp {
				kind, from = lineage(InitModels, nameMG+"devexppx")
				add(ModelSpec{
					Name: nameMG + "serx2px", Family: familySersicX2, Components: 2,
					InitKind: kind, InitFrom: from,
				})
				if fitting.FitSersicX2DEAmplitude {
					add(ModelSpec{
						Name: nameMG + "serx2apx", Family: familySersicX2Amp, Components: 2,
						Fixed: allParams,
						InitParams: []InitParam{
							{Name: "rho", Rule: TransferInherit},
							{Name: "rscale", Rule: TransferModify},
						},
						InitKind: InitModels, InitFrom: []string{nameMG + "serx2px"},
					})
				}
			}
		}
	}
	if fitting.FitCModelExp {
		add(ModelSpec{
			Name: nameMG + "expcmpx", Family: familySersic,
			Fixed:      []string{"cenx", "ceny", "nser"},
			InitParams: []InitParam{{Name: "nser", Value: 1}},
			InitKind:   momentsKind,
		})
	}
	if fitting.FitSersicFromGauss {
		kind, from := lineage(InitModels, "gausspx")
		add(ModelSpec{
			Name: nameMG + "sergpx", Family: familySersic,
			InitParams: []InitParam{{Name: "nser", Value: 1}},
			InitKind:   kind, InitFrom: from,
		})
	}
	if fitting.FitSersic {
		add(ModelSpec{
			Name: nameMG + "sermpx", Family: familySersic,
			InitParams: []InitParam{{Name: "nser", Value: 1}},
			InitKind:   momentsKind,
		})
		if fitting.FitSersicAmplitude {
			add(ModelSpec{
				Name: nameMG + "serapx", Family: familySersicAmp,
				Fixed: allParams,
				InitParams: []InitParam{
					{Name: "rho", Rule: TransferInherit},
					{Name: "rscale", Rule: TransferModify},
				},
				InitKind: InitModels, InitFrom: []string{nameMG + "sermpx"},
				Unlimited: []string{"sigma_x", "sigma_y"},
			})
		}
	}

	return New(specs)
}

// New builds a Cascade from caller-supplied specs, rejecting duplicate names
// and initialization references that are unknown, forward or self-referent.
func New(specs []ModelSpec) (*Cascade, error) {
	byName := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("model spec at index %d has empty name", i)
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate model spec name %q", spec.Name)
		}
		for _, ref := range spec.InitFrom {
			at, ok := byName[ref]
			if !ok {
				return nil, fmt.Errorf(
					"model %q init reference %q is unknown or does not precede it", spec.Name, ref)
			}
			if at >= i {
				return nil, fmt.Errorf("model %q init reference %q does not precede it", spec.Name, ref)
			}
		}
		byName[spec.Name] = i
	}
	return &Cascade{specs: specs, byName: byName}, nil
}

// Specs returns the ordered model specs. Callers must not modify the slice.
func (c *Cascade) Specs() []ModelSpec { return c.specs }

// Len returns the number of models in the cascade.
func (c *Cascade) Len() int { return len(c.specs) }

// Find returns a pointer to the named spec, or nil.
func (c *Cascade) Find(name string) *ModelSpec {
	i, ok := c.byName[name]
	if !ok {
		return nil
	}
	return &c.specs[i]
}

// Index returns the position of the named spec, or -1.
func (c *Cascade) Index(name string) int {
	i, ok := c.byName[name]
	if !ok {
		return -1
	}
	return i
}

// PSFModelName returns the deterministic name of the per-band PSF model.
func PSFModelName(orderPsf int) string {
	return fmt.Sprintf("gaussian:%d_pixelated", orderPsf)
}
