package fitter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"starfit/internal/catalog"
	"starfit/internal/fit"
	"starfit/internal/image"
)

// childFit is one deblended child whose earlier single-source fit seeds the
// joint refit.
type childFit struct {
	Source *catalog.Source
	Row    *catalog.Row
}

// FitDeblendReplay jointly refits a parent blend from its children's
// previously fitted values. Per model: children whose carried values are
// all finite contribute one source each, re-anchored by the offset between
// the child's fit box and the parent's; children with any non-finite value
// are held out and their rows stay untouched. The refit runs only when at
// least DeblendMinChildren children contribute.
func (o *Orchestrator) FitDeblendReplay(
	ctx context.Context, parent *catalog.Source, children []childFit,
	exposures []*image.Exposure,
) Outcome {
	start := time.Now()
	done := func(out Outcome) Outcome {
		out.Runtime = time.Since(start)
		return out
	}

	if !parent.IsParent() {
		return done(Outcome{State: StateSkipped, Reason: "not a parent"})
	}
	if parent.Footprint == nil {
		return done(Outcome{State: StateErrored, Reason: "no footprint",
			Err: fmt.Errorf("parent id=%d has no footprint", parent.ID)})
	}

	fc, err := o.cutouts.GetContext(parent.Footprint, parent.CX, parent.CY, exposures, nil, true)
	if err != nil {
		return done(Outcome{State: StateErrored, Reason: "cutout", Err: err})
	}

	results := &SourceResults{Models: make(map[string]*fit.FitOutput)}
	refit := false
	for i := range o.casc.Specs() {
		spec := &o.casc.Specs()[i]
		cols, ok := o.keys.Base[spec.Name]
		if !ok {
			continue
		}
		// Background levels are shared per fit region, not per child; the
		// joint model refits sources only.
		cols = withoutBackground(cols)

		contrib := contributingChildren(children, cols, fc, o.cutouts)
		if len(contrib) < o.cfg.Fitting.DeblendMinChildren {
			continue
		}

		model, err := fit.NewModel(spec.Name, spec.Family, o.cfg.Fitting.BandsFit, len(contrib), false)
		if err != nil {
			return done(Outcome{State: StateErrored, Reason: "joint model", Err: err})
		}
		model.SetFixed(spec.Fixed)
		model.SetUnlimited(spec.Unlimited)
		for si, c := range contrib {
			if err := seedJointSource(model, si, cols, c); err != nil {
				return done(Outcome{State: StateRecordFailed, Reason: "seed mismatch", Err: err})
			}
		}
		model.BoundCentroids(fc.BBox.W, fc.BBox.H)

		// The recordable set is frozen here: an amplitudes-only refit below
		// fixes more parameters, but their seeded values still scatter back.
		recordable := make([]bool, len(model.Params))
		for j := range model.Params {
			recordable[j] = !model.Params[j].Fixed
		}

		if max := o.cfg.Fitting.DeblendMaxNonlinear; max > 0 && len(contrib) > max {
			// Too many sources for a stable nonlinear fit: amplitudes only.
			model.SetFixed([]string{
				fit.ParamCenX, fit.ParamCenY, fit.ParamNser, fit.ParamRScale,
				fit.ParamSigmaX, fit.ParamSigmaY, fit.ParamRho,
			})
		}

		out, err := o.fitter.FitModel(ctx, model, fc.Bands, nil)
		if err != nil {
			return done(Outcome{State: StateErrored, Reason: "joint fit", Err: err,
				Results: results, Context: fc})
		}
		if err := scatterToChildren(out, cols, contrib, recordable); err != nil {
			return done(Outcome{State: StateRecordFailed, Reason: "scatter mismatch", Err: err,
				Results: results, Context: fc})
		}
		results.Models[spec.Name] = out
		results.Order = append(results.Order, spec.Name)
		refit = true
	}

	if !refit {
		return done(Outcome{State: StateSkipped, Reason: "too few finite children"})
	}
	return done(Outcome{State: StateFitOK, Results: results, Context: fc})
}

// seededChild is a contributing child with its carried values and the
// centroid offset into the parent frame.
type seededChild struct {
	childFit
	values           []float64
	offsetX, offsetY float64
}

func withoutBackground(cols []catalog.Column) []catalog.Column {
	out := cols[:0:0]
	for _, c := range cols {
		if strings.HasSuffix(c.Name, "_"+fit.ParamBg) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// contributingChildren selects children whose carried values for the model
// are all finite, computing each one's re-anchoring offset.
func contributingChildren(children []childFit, cols []catalog.Column, fc *image.FitContext, cutouts *image.CutoutProvider) []seededChild {
	var out []seededChild
	for _, c := range children {
		if c.Source.Footprint == nil {
			continue
		}
		values := make([]float64, len(cols))
		finite := true
		for i, col := range cols {
			v := c.Row.Float(col.Name)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
			values[i] = v
		}
		if !finite {
			continue
		}
		childBox := cutouts.FitBox(c.Source.Footprint)
		out = append(out, seededChild{
			childFit: c,
			values:   values,
			offsetX:  float64(childBox.X0 - fc.BBox.X0),
			offsetY:  float64(childBox.Y0 - fc.BBox.Y0),
		})
	}
	return out
}

// seedJointSource writes one child's carried values into its source block
// of the joint model, shifting centroids into the parent frame.
func seedJointSource(model *fit.Model, source int, cols []catalog.Column, c seededChild) error {
	i := 0
	for j := range model.Params {
		p := &model.Params[j]
		if p.Source != source || p.Fixed {
			continue
		}
		if i >= len(c.values) {
			return fmt.Errorf("%w: child id=%d carries %d values for a larger layout",
				ErrRecordMismatch, c.Source.ID, len(c.values))
		}
		v := c.values[i]
		switch p.Name {
		case fit.ParamCenX:
			v += c.offsetX
		case fit.ParamCenY:
			v += c.offsetY
		}
		p.Value = v
		i++
	}
	if i != len(c.values) {
		return fmt.Errorf("%w: child id=%d carries %d values, layout has %d free",
			ErrRecordMismatch, c.Source.ID, len(c.values), i)
	}
	return nil
}

// scatterToChildren writes the joint fit back to each contributing child's
// row, undoing the centroid re-anchoring. Held-out children are untouched.
// recordable is aligned to the layout and marks the parameters that carry
// column values, independent of any extra fixing applied before the fit.
func scatterToChildren(out *fit.FitOutput, cols []catalog.Column, contrib []seededChild, recordable []bool) error {
	if len(recordable) != len(out.All) {
		return fmt.Errorf("%w: %d results for a layout of %d", ErrRecordMismatch, len(out.All), len(recordable))
	}
	free := make([][]fit.ParamResult, len(contrib))
	for i, p := range out.All {
		if !recordable[i] {
			continue
		}
		if p.Source < 0 || p.Source >= len(contrib) {
			return fmt.Errorf("%w: result parameter %s outside source range", ErrRecordMismatch, p.Name)
		}
		free[p.Source] = append(free[p.Source], p)
	}
	for si, c := range contrib {
		params := free[si]
		if len(params) != len(cols) {
			return fmt.Errorf("%w: child id=%d got %d values for %d columns",
				ErrRecordMismatch, c.Source.ID, len(params), len(cols))
		}
		for i, p := range params {
			v := p.Value
			switch p.Name {
			case fit.ParamCenX:
				v -= c.offsetX
			case fit.ParamCenY:
				v -= c.offsetY
			}
			c.Row.SetFloat(cols[i].Name, v)
		}
	}
	return nil
}
