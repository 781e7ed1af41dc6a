// Package fitter orchestrates per-source model fitting: skip and error
// triage, noise replacement, initialization transfer along the cascade,
// result recording and the catalog-level driver loop.
package fitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"starfit/internal/cascade"
	"starfit/internal/catalog"
	"starfit/internal/config"
	"starfit/internal/fit"
	"starfit/internal/image"
)

// State is the terminal disposition of one source.
type State int

const (
	StatePending State = iota
	StateSkipped
	StateErrored
	StateFitOK
	StateRecordFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSkipped:
		return "skipped"
	case StateErrored:
		return "errored"
	case StateFitOK:
		return "ok"
	case StateRecordFailed:
		return "record-failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrRecordMismatch marks a fitted parameter list that does not line up
// with the output schema. It promotes an otherwise successful fit to
// StateRecordFailed.
var ErrRecordMismatch = errors.New("fit results do not match output schema")

// Outcome is the result of processing one source. Failures are values, not
// panics: a per-source error lands here and the run continues.
type Outcome struct {
	State   State
	Reason  string
	Err     error
	Runtime time.Duration
	Results *SourceResults
	// Context is the fit region, when one was built; the driver uses it
	// for failure diagnostics.
	Context *image.FitContext
}

// SourceResults collects the fits of one source across the cascade.
type SourceResults struct {
	PSF    map[string]*fit.FitOutput
	Models map[string]*fit.FitOutput
	Order  []string
}

const modelCacheMax = 64

// Orchestrator runs the model cascade for individual sources.
type Orchestrator struct {
	cfg     *config.Config
	casc    *cascade.Cascade
	fitter  fit.Fitter
	cutouts *image.CutoutProvider
	keys    *catalog.FieldKeys
	log     *slog.Logger

	// seg, when set, labels every pixel with its top-level source; segLabels
	// maps source ids to their label.
	seg       *image.Image
	segLabels map[int64]float64

	modelCache map[string]*fit.Model
}

// NewOrchestrator wires the per-source fitting engine.
func NewOrchestrator(
	cfg *config.Config, casc *cascade.Cascade, fitter fit.Fitter,
	cutouts *image.CutoutProvider, keys *catalog.FieldKeys, log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		casc:       casc,
		fitter:     fitter,
		cutouts:    cutouts,
		keys:       keys,
		log:        log,
		modelCache: make(map[string]*fit.Model),
	}
}

// FitSource processes one source end to end. The decision ladder is
// ordered and first match wins: quality-flag skip, isolated-only error,
// too-many-children error, then the fit attempt. Noise replacement is
// inserted before the cutout is taken and restored on every exit path.
func (o *Orchestrator) FitSource(
	ctx context.Context, src *catalog.Source,
	exposures []*image.Exposure, replacers map[string]*image.NoiseReplacer,
	parentFootprint *image.Footprint, parentNChild int64,
) Outcome {
	start := time.Now()
	done := func(out Outcome) Outcome {
		out.Runtime = time.Since(start)
		return out
	}

	var flagged []string
	for _, flag := range o.cfg.SkipFlags() {
		if src.Flag(flag) {
			flagged = append(flagged, flag)
		}
	}
	if len(flagged) > 0 {
		return done(Outcome{State: StateSkipped, Reason: strings.Join(flagged, ",")})
	}
	if o.cfg.Fitting.IsolatedOnly && !isolated(src, parentNChild) {
		return done(Outcome{State: StateErrored, Reason: "not isolated",
			Err: fmt.Errorf("source id=%d is not isolated (parent=%d nchild=%d)", src.ID, src.Parent, src.NChild)})
	}
	if max := o.cfg.Fitting.MaxChildrenParentFit; src.IsParent() && int(src.NChild) > max {
		return done(Outcome{State: StateErrored, Reason: "too many children",
			Err: fmt.Errorf("source id=%d has %d children, max %d", src.ID, src.NChild, max)})
	}
	if src.Footprint == nil {
		return done(Outcome{State: StateErrored, Reason: "no footprint",
			Err: fmt.Errorf("source id=%d has no footprint", src.ID)})
	}

	for band, r := range replacers {
		if err := r.InsertSource(src.ID); err != nil {
			return done(Outcome{State: StateErrored, Reason: "noise insert",
				Err: fmt.Errorf("band %s: %w", band, err)})
		}
	}
	defer func() {
		for _, r := range replacers {
			r.RemoveSource(src.ID)
		}
	}()

	var override *image.Footprint
	if o.cfg.Fitting.UseParentFootprint {
		override = parentFootprint
	}
	fc, err := o.cutouts.GetContext(src.Footprint, src.CX, src.CY, exposures, override, true)
	if err != nil {
		return done(Outcome{State: StateErrored, Reason: "cutout", Err: err})
	}
	if o.cfg.Fitting.FitGaussianNoPsf {
		// Single-band direct Gaussian fit: the kernel is treated as a
		// delta function.
		for i := range fc.Bands {
			fc.Bands[i].PSF = nil
		}
	}
	if o.seg != nil {
		o.maskOtherBlends(fc, src)
	}

	results, err := o.fitCascade(ctx, src, fc)
	out := Outcome{Results: results, Context: fc}
	if err != nil {
		out.State = StateErrored
		out.Reason = "fit"
		out.Err = err
		return done(out)
	}
	out.State = StateFitOK
	return done(out)
}

// fitCascade fits the PSF per band, then every model in order. A failure
// aborts the remaining cascade but earlier results are kept.
func (o *Orchestrator) fitCascade(ctx context.Context, src *catalog.Source, fc *image.FitContext) (*SourceResults, error) {
	results := &SourceResults{
		PSF:    make(map[string]*fit.FitOutput),
		Models: make(map[string]*fit.FitOutput),
	}

	if !o.cfg.Fitting.FitGaussianNoPsf {
		for _, band := range fc.Bands {
			out, err := o.fitPSF(ctx, band)
			if err != nil {
				return results, fmt.Errorf("psf band %s: %w", band.Band, err)
			}
			results.PSF[band.Band] = out
		}
	}

	moments, fluxes, err := o.estimateMoments(src, fc)
	if err != nil {
		return results, err
	}

	priors := o.buildPriors(src, fc)

	for i := range o.casc.Specs() {
		spec := &o.casc.Specs()[i]
		model, err := o.modelFor(spec)
		if err != nil {
			return results, err
		}
		if err := o.initialize(model, spec, results, moments, fluxes, fc); err != nil {
			return results, fmt.Errorf("model %s init: %w", spec.Name, err)
		}
		model.BoundCentroids(fc.BBox.W, fc.BBox.H)

		out, err := o.fitter.FitModel(ctx, model, fc.Bands, priors)
		if err != nil {
			return results, fmt.Errorf("model %s: %w", spec.Name, err)
		}
		results.Models[spec.Name] = out
		results.Order = append(results.Order, spec.Name)
	}
	return results, nil
}

// isolated reports whether a source counts as isolated: a top-level source
// with no children, or a deblended child that is its parent's only one.
func isolated(src *catalog.Source, parentNChild int64) bool {
	if src.Parent != 0 {
		return parentNChild == 1
	}
	return !src.IsParent()
}

// SetSegmentation installs a top-level segmentation map built from parent
// footprints. Cutout pixels claimed by a different top-level source then get
// zero weight, so dilated regions do not fit neighboring blends.
func (o *Orchestrator) SetSegmentation(seg *image.Image, labels map[int64]float64) {
	o.seg = seg
	o.segLabels = labels
}

func (o *Orchestrator) maskOtherBlends(fc *image.FitContext, src *catalog.Source) {
	label := o.segLabels[src.ID]
	for y := fc.BBox.Y0; y < fc.BBox.Y1(); y++ {
		for x := fc.BBox.X0; x < fc.BBox.X1(); x++ {
			v := o.seg.At(x, y)
			if v == 0 || v == label {
				continue
			}
			i := (y-fc.BBox.Y0)*fc.BBox.W + (x - fc.BBox.X0)
			for b := range fc.Bands {
				fc.Bands[b].ErrInv[i] = 0
			}
		}
	}
}

// fitPSF fits the band's Gaussian-mixture PSF model against its kernel
// image with uniform weights.
func (o *Orchestrator) fitPSF(ctx context.Context, band image.BandData) (*fit.FitOutput, error) {
	if band.PSF == nil {
		return nil, fmt.Errorf("exposure has no PSF kernel")
	}
	model := fit.NewPSFModel(o.cfg.Fitting.GaussianOrderPsf)
	for i := range model.Params {
		switch model.Params[i].Name {
		case fit.ParamCenX:
			model.Params[i].Value = float64(band.PSF.W) / 2
		case fit.ParamCenY:
			model.Params[i].Value = float64(band.PSF.H) / 2
		}
	}
	model.BoundCentroids(band.PSF.W, band.PSF.H)

	weights := make([]float64, len(band.PSF.Pix))
	for i := range weights {
		weights[i] = 1
	}
	data := []image.BandData{{Band: band.Band, Image: band.PSF, ErrInv: weights}}
	out, err := o.fitter.FitModel(ctx, model, data, nil)
	if err != nil {
		return nil, err
	}

	if shrink := o.cfg.Fitting.PsfSigmaShrink; shrink > 0 {
		for i := range out.All {
			p := &out.All[i]
			if p.Name == fit.ParamSigmaX || p.Name == fit.ParamSigmaY {
				v := p.Value*p.Value - shrink*shrink
				p.Value = math.Sqrt(math.Max(v, 1e-6))
			}
		}
	}
	return out, nil
}

// estimateMoments measures the seed moments on the first band and the
// per-band fluxes on every band. With use_moments_shape set, a finite
// catalog shape measurement replaces the measured one.
func (o *Orchestrator) estimateMoments(src *catalog.Source, fc *image.FitContext) (image.Moments, map[string]float64, error) {
	opts := image.MomentsOptions{
		DenoiseContiguous: o.cfg.Fitting.EstimateContiguousDenoisedMoments,
		SigmaMin:          0.5,
		SeedX:             fc.RefX,
		SeedY:             fc.RefY,
	}
	var seed image.Moments
	fluxes := make(map[string]float64, len(fc.Bands))
	for i, band := range fc.Bands {
		m, err := image.EstimateMoments(band.Image, band.ErrInv, opts)
		if err != nil {
			return image.Moments{}, nil, fmt.Errorf("band %s: %w", band.Band, err)
		}
		fluxes[band.Band] = m.Flux
		if i == 0 {
			seed = m
		}
	}
	if o.cfg.Fitting.UseMomentsShape &&
		!math.IsNaN(src.MomentsSigmaX) && !math.IsNaN(src.MomentsSigmaY) {
		seed.SigmaX = math.Max(src.MomentsSigmaX, opts.SigmaMin)
		seed.SigmaY = math.Max(src.MomentsSigmaY, opts.SigmaMin)
		if !math.IsNaN(src.MomentsRho) {
			seed.Rho = src.MomentsRho
		}
	}
	return seed, fluxes, nil
}

// buildPriors resolves the configured priors for one source.
func (o *Orchestrator) buildPriors(src *catalog.Source, fc *image.FitContext) *fit.Priors {
	pc := o.cfg.Priors
	priors := &fit.Priors{CenX: fc.RefX, CenY: fc.RefY}
	used := false

	if pc.CentroidSigma != nil {
		priors.Centroid = &fit.CentroidPrior{Sigma: *pc.CentroidSigma}
		used = true
	}
	if pc.UseShapeDefault {
		priors.Shape = fit.DefaultShapePrior(src.PsfMag)
		if pc.GaussianSizeSigma > 0 {
			priors.Shape.SizeStd = pc.GaussianSizeSigma
		}
		used = true
	}
	if o.cfg.Fitting.FitBackground {
		priors.Background = make(map[string]fit.BackgroundPrior, len(fc.Bands))
		for _, band := range fc.Bands {
			mean := 0.0
			if pc.UseBackgroundLocal && !math.IsNaN(src.LocalBackground) {
				mean = src.LocalBackground
			}
			sigma := pc.BackgroundSigmaAdd + pc.BackgroundMultiplier*math.Abs(mean)
			priors.Background[band.Band] = fit.BackgroundPrior{Mean: mean, Sigma: sigma}
		}
		used = true
	}
	if !used {
		return nil
	}
	return priors
}

// modelFor returns a fresh model for the spec, cloning from a bounded
// template cache.
func (o *Orchestrator) modelFor(spec *cascade.ModelSpec) (*fit.Model, error) {
	key := spec.Name
	if tmpl, ok := o.modelCache[key]; ok {
		return tmpl.Clone(), nil
	}
	tmpl, err := fit.BuildForSpec(spec, o.cfg.Fitting.BandsFit, 1, o.cfg.Fitting.FitBackground)
	if err != nil {
		return nil, err
	}
	if len(o.modelCache) >= modelCacheMax {
		o.modelCache = make(map[string]*fit.Model)
	}
	o.modelCache[key] = tmpl
	return tmpl.Clone(), nil
}

// initialize resolves the spec's initialization kind against earlier
// results and applies the literal init parameters on top.
func (o *Orchestrator) initialize(
	model *fit.Model, spec *cascade.ModelSpec, results *SourceResults,
	moments image.Moments, fluxes map[string]float64, fc *image.FitContext,
) error {
	switch spec.InitKind {
	case cascade.InitMoments:
		applyMoments(model, moments, fluxes)
	case cascade.InitValues:
		if len(spec.ValuesInit) == 0 {
			return fmt.Errorf("values init with no carried values")
		}
		applyValues(model, spec.ValuesInit)
	case cascade.InitBest:
		name := o.bestModel(results, spec)
		if name == "" {
			return fmt.Errorf("no earlier fit to initialize from")
		}
		transferResults(model, 0, results.Models[name].All)
	case cascade.InitModels:
		if err := o.transferFromModels(model, spec, results); err != nil {
			return err
		}
	}
	o.applyInitParams(model, spec)
	if spec.InitKind == cascade.InitMoments {
		// Moments centroid can drift off faint sources; clamp near the
		// catalog position.
		centerOn(model, fc.RefX, fc.RefY, moments)
	}
	return nil
}

// bestModel picks the earlier fit with the lowest reduced chi-squared among
// models with a compatible component count.
func (o *Orchestrator) bestModel(results *SourceResults, spec *cascade.ModelSpec) string {
	best := ""
	bestChi := math.Inf(1)
	for _, name := range results.Order {
		from := o.casc.Find(name)
		if from == nil || from.Components != spec.Components {
			continue
		}
		if out := results.Models[name]; out.Chisqred < bestChi {
			best, bestChi = name, out.Chisqred
		}
	}
	return best
}

// transferFromModels seeds each component group from the named earlier
// models: one source model shared, or one per component.
func (o *Orchestrator) transferFromModels(model *fit.Model, spec *cascade.ModelSpec, results *SourceResults) error {
	if len(spec.InitFrom) == 0 {
		return fmt.Errorf("models init with no sources")
	}
	if len(spec.InitFrom) == 1 {
		out, ok := results.Models[spec.InitFrom[0]]
		if !ok {
			return fmt.Errorf("init model %s was not fit", spec.InitFrom[0])
		}
		transferResults(model, 0, out.All)
		return nil
	}
	for comp := 1; comp <= len(spec.InitFrom); comp++ {
		out, ok := results.Models[spec.InitFrom[comp-1]]
		if !ok {
			return fmt.Errorf("init model %s was not fit", spec.InitFrom[comp-1])
		}
		transferResults(model, comp, out.All)
	}
	return nil
}

// transferResults copies values by sequential name matching. comp zero
// means match across the whole layout; a positive comp restricts the
// destination to that component.
func transferResults(model *fit.Model, comp int, from []fit.ParamResult) {
	next := make(map[string]int)
	for i := range model.Params {
		p := &model.Params[i]
		if comp > 0 && p.Comp != comp {
			continue
		}
		for j := next[p.Name]; j < len(from); j++ {
			if from[j].Name == p.Name && from[j].Band == p.Band {
				p.Value = from[j].Value
				next[p.Name] = j + 1
				break
			}
		}
	}
}

// applyInitParams applies the spec's literal init parameters in order;
// repeated names consume successive matching parameters, so a two-component
// model takes two nser entries.
func (o *Orchestrator) applyInitParams(model *fit.Model, spec *cascade.ModelSpec) {
	next := make(map[string]int)
	ratio := o.mixtureRatio(spec)
	for _, ip := range spec.InitParams {
		for i := next[ip.Name]; i < len(model.Params); i++ {
			p := &model.Params[i]
			if p.Name != ip.Name {
				continue
			}
			switch ip.Rule {
			case cascade.TransferSet:
				p.Value = ip.Value
			case cascade.TransferInherit:
				// Value already copied by the models transfer.
			case cascade.TransferModify:
				p.Value *= ratio
			}
			next[ip.Name] = i + 1
			break
		}
	}
}

// mixtureRatio is the destination/source mixture-order ratio used by
// modify-rule transfers.
func (o *Orchestrator) mixtureRatio(spec *cascade.ModelSpec) float64 {
	if len(spec.InitFrom) == 0 {
		return 1
	}
	from := o.casc.Find(spec.InitFrom[0])
	if from == nil || from.MixtureOrder == 0 {
		return 1
	}
	return float64(spec.MixtureOrder) / float64(from.MixtureOrder)
}

// applyMoments seeds centroid, shape and per-band flux from the measured
// moments, splitting flux evenly across components.
func applyMoments(model *fit.Model, m image.Moments, fluxes map[string]float64) {
	comps := float64(model.Family.Components)
	for i := range model.Params {
		p := &model.Params[i]
		switch p.Name {
		case fit.ParamCenX:
			p.Value = m.CX
		case fit.ParamCenY:
			p.Value = m.CY
		case fit.ParamFlux:
			if f, ok := fluxes[p.Band]; ok {
				p.Value = f / comps
			} else {
				p.Value = m.Flux / comps
			}
		case fit.ParamSigmaX:
			p.Value = m.SigmaX
		case fit.ParamSigmaY:
			p.Value = m.SigmaY
		case fit.ParamRho:
			p.Value = m.Rho
		}
	}
}

// applyValues seeds the model from carried (name, value) pairs by
// sequential name matching.
func applyValues(model *fit.Model, values []cascade.ParamValue) {
	next := make(map[string]int)
	for i := range model.Params {
		p := &model.Params[i]
		for j := next[p.Name]; j < len(values); j++ {
			if values[j].Name == p.Name {
				p.Value = values[j].Value
				next[p.Name] = j + 1
				break
			}
		}
	}
}

// centerOn pulls moments-seeded centroids back to the catalog position when
// the moments centroid landed more than a couple of estimated sigmas away.
func centerOn(model *fit.Model, refX, refY float64, m image.Moments) {
	limit := 2 * math.Max(m.SigmaX, m.SigmaY)
	dx, dy := m.CX-refX, m.CY-refY
	if math.Hypot(dx, dy) <= limit {
		return
	}
	for i := range model.Params {
		switch model.Params[i].Name {
		case fit.ParamCenX:
			model.Params[i].Value = refX
		case fit.ParamCenY:
			model.Params[i].Value = refY
		}
	}
}
