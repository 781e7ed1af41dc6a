package catalog

import (
	"fmt"

	"starfit/internal/config"
	"starfit/internal/fit"
)

const (
	prefix      = "multiprofit_"
	colFailFlag = prefix + "fail_flag"
	colRuntime  = prefix + "time_total"
	colSkipped  = prefix + "skipped"
)

// paramInfo carries the fixed unit/doc metadata per parameter name, keyed
// by the output name.
var paramInfo = map[string]struct{ Unit, Doc string }{
	"cenx":     {"pixel", "centroid x within the fit region"},
	"ceny":     {"pixel", "centroid y within the fit region"},
	"instFlux": {"count", "instrumental flux"},
	"nser":     {"", "Sersic index"},
	"sigma_x":  {"pixel", "Gaussian sigma along x"},
	"sigma_y":  {"pixel", "Gaussian sigma along y"},
	"rho":      {"", "correlation coefficient"},
	"rscale":   {"", "mixture radial scale factor"},
	"fluxFrac": {"", "component flux fraction"},
	"bg":       {"count", "flat background level"},
}

// outputName maps an internal parameter name to its column spelling.
func outputName(name string) string {
	if name == fit.ParamFlux {
		return "instFlux"
	}
	return name
}

// BuildSchema derives the output schema for a fresh run: the base catalog
// columns, the shared status triple, the per-band PSF sub-schema and one
// column per model free parameter, plus the configured auxiliary columns.
// It performs no I/O.
func BuildSchema(cfg *config.Config, bands []string, trial *fit.TrialResults, base *Schema) (*Schema, *FieldKeys, error) {
	if trial == nil || len(trial.Order) == 0 {
		return nil, nil, fmt.Errorf("schema: trial results carry no models")
	}

	var schema *Schema
	if base != nil {
		schema = base.Clone()
	} else {
		schema = &Schema{}
	}

	keys := &FieldKeys{
		Base:      make(map[string][]Column, len(trial.Order)),
		BaseExtra: make(map[string]ExtraKeys, len(trial.Order)),
		PSF:       make(map[string][]Column, len(bands)),
		PSFExtra:  make(map[string]ExtraKeys, len(bands)),
		FailFlag:  Column{Name: colFailFlag, Type: Bool, Doc: "any model fit failed"},
		Runtime:   Column{Name: colRuntime, Type: Float64, Unit: "s", Doc: "total source fit runtime"},
		Skipped:   Column{Name: colSkipped, Type: Bool, Doc: "source skipped before fitting"},
	}
	for _, c := range []Column{keys.FailFlag, keys.Runtime, keys.Skipped} {
		if err := schema.Add(c); err != nil {
			return nil, nil, err
		}
	}

	for _, band := range bands {
		params, ok := trial.PSF[band]
		if !ok {
			return nil, nil, fmt.Errorf("schema: trial has no PSF parameters for band %s", band)
		}
		cols, err := paramColumns(schema, prefix+"psf_"+band, "", params)
		if err != nil {
			return nil, nil, err
		}
		keys.PSF[band] = cols
		extra, err := extraColumns(schema, prefix+"psf_"+band, cfg)
		if err != nil {
			return nil, nil, err
		}
		keys.PSFExtra[band] = extra
	}

	for _, name := range trial.Order {
		params, ok := trial.Models[name]
		if !ok {
			return nil, nil, fmt.Errorf("schema: trial order names unknown model %s", name)
		}
		cols, err := paramColumns(schema, prefix+name, "band", params)
		if err != nil {
			return nil, nil, err
		}
		keys.Base[name] = cols
		extra, err := extraColumns(schema, prefix+name, cfg)
		if err != nil {
			return nil, nil, err
		}
		keys.BaseExtra[name] = extra
	}
	return schema, keys, nil
}

// paramColumns adds one column per free parameter under the given name
// prefix. Repeated (name, band) pairs get successive component indices, so
// the layout order fully determines the naming. bandMode "band" interposes
// the band between index and parameter name for per-band parameters.
func paramColumns(schema *Schema, colPrefix, bandMode string, params []fit.ParamResult) ([]Column, error) {
	cols := make([]Column, 0, len(params))
	counts := make(map[string]int, len(params))
	for _, p := range params {
		if p.Fixed {
			continue
		}
		out := outputName(p.Name)
		key := out + "\x00" + p.Band
		counts[key]++
		name := fmt.Sprintf("%s_c%d", colPrefix, counts[key])
		if bandMode == "band" && p.Band != "" {
			name += "_" + p.Band
		}
		name += "_" + out
		info := paramInfo[out]
		c := Column{Name: name, Type: Float64, Unit: info.Unit, Doc: info.Doc}
		if err := schema.Add(c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("schema: %s has no free parameters", colPrefix)
	}
	return cols, nil
}

// extraColumns adds the auxiliary fit-quality columns. Chisqred, loglike
// and time follow the output toggles; the evaluation counters are always
// recorded.
func extraColumns(schema *Schema, colPrefix string, cfg *config.Config) (ExtraKeys, error) {
	var keys ExtraKeys
	add := func(dst **Column, suffix, unit, doc string) error {
		c := Column{Name: colPrefix + "_" + suffix, Type: Float64, Unit: unit, Doc: doc}
		if err := schema.Add(c); err != nil {
			return err
		}
		*dst = &c
		return nil
	}
	if cfg.Output.Chisqred {
		if err := add(&keys.Chisqred, "chisqred", "", "reduced chi-squared of the fit"); err != nil {
			return keys, err
		}
	}
	if cfg.Output.LogLikelihood {
		if err := add(&keys.LogLike, "loglike", "", "log-likelihood of the fit"); err != nil {
			return keys, err
		}
	}
	if cfg.Output.Runtime {
		if err := add(&keys.Time, "time", "s", "fit runtime"); err != nil {
			return keys, err
		}
	}
	if err := add(&keys.NEvalFunc, "nEvalFunc", "", "objective evaluations"); err != nil {
		return keys, err
	}
	if err := add(&keys.NEvalGrad, "nEvalGrad", "", "gradient evaluations"); err != nil {
		return keys, err
	}
	return keys, nil
}

// ValidateSchema checks an existing schema (a resumed run's output table)
// against the columns a fresh build would produce. Every computed column
// must exist with the same type and unit; any mismatch is fatal.
func ValidateSchema(existing *Schema, cfg *config.Config, bands []string, trial *fit.TrialResults) (*FieldKeys, error) {
	computed, keys, err := BuildSchema(cfg, bands, trial, nil)
	if err != nil {
		return nil, err
	}
	for _, want := range computed.Columns() {
		got, ok := existing.Find(want.Name)
		if !ok {
			return nil, fmt.Errorf("resume schema: missing column %q", want.Name)
		}
		if got.Type != want.Type {
			return nil, fmt.Errorf("resume schema: column %q type %v, want %v", want.Name, got.Type, want.Type)
		}
		if got.Unit != want.Unit {
			return nil, fmt.Errorf("resume schema: column %q unit %q, want %q", want.Name, got.Unit, want.Unit)
		}
	}
	return keys, nil
}
