package fitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"starfit/internal/cascade"
	"starfit/internal/catalog"
	"starfit/internal/config"
	"starfit/internal/fit"
	"starfit/internal/image"
	"starfit/internal/render"
)

// Inputs bundles the detection catalog and the per-band exposures, aligned
// with the configured band order.
type Inputs struct {
	Sources   []catalog.Source
	Exposures []*image.Exposure
}

// Driver runs the full per-source loop over a catalog, checkpointing the
// output table as it goes.
type Driver struct {
	cfg   *config.Config
	casc  *cascade.Cascade
	fitter fit.Fitter
	store *catalog.Store
	log   *slog.Logger

	// OutputTable names the table written to the store.
	OutputTable string
}

// NewDriver wires a catalog driver.
func NewDriver(cfg *config.Config, casc *cascade.Cascade, f fit.Fitter, store *catalog.Store, log *slog.Logger) *Driver {
	return &Driver{cfg: cfg, casc: casc, fitter: f, store: store, log: log, OutputTable: "sources"}
}

// Run fits every in-range source and returns the output table plus the
// first successful source's results. Per-source failures are recorded in
// the table; only pre-loop conditions are fatal.
func (d *Driver) Run(ctx context.Context, in *Inputs) (*catalog.Table, *SourceResults, error) {
	if err := d.checkInputs(in); err != nil {
		return nil, nil, err
	}
	bands := d.cfg.Fitting.BandsFit

	trial, err := fit.Trial(d.casc, bands, d.cfg.Fitting.GaussianOrderPsf, d.cfg.Fitting.FitBackground)
	if err != nil {
		return nil, nil, err
	}

	table, keys, err := d.prepareTable(in, bands, trial)
	if err != nil {
		return nil, nil, err
	}

	bounds := in.Exposures[0].Image.Bounds()
	cutouts := &image.CutoutProvider{
		MaxPixels:      d.cfg.Fitting.MaxFootprintPixels,
		Dilate:         d.cfg.Fitting.BBoxDilate,
		BBoxRef:        bounds,
		MaskPlanesZero: d.cfg.Fitting.MaskPlanesZero,
		UseSpans:       d.cfg.Fitting.UseSpans,
	}
	orch := NewOrchestrator(d.cfg, d.casc, d.fitter, cutouts, keys, d.log)

	replay := d.cfg.Fitting.DeblendFromPreviousFits
	replacers := make(map[string]*image.NoiseReplacer)
	if !replay && !d.cfg.Output.PlotOnly {
		footprints := make(map[int64]*image.Footprint, len(in.Sources))
		for i := range in.Sources {
			if fp := in.Sources[i].Footprint; fp != nil {
				footprints[in.Sources[i].ID] = fp
			}
		}
		for i, exposure := range in.Exposures {
			replacers[exposure.Band] = image.NewNoiseReplacer(exposure, footprints, int64(i)+1)
		}
	}
	defer func() {
		for _, r := range replacers {
			r.End()
		}
	}()

	begin, end := d.rowRange(len(in.Sources))
	byID := make(map[int64]int, len(in.Sources))
	for i := range in.Sources {
		byID[in.Sources[i].ID] = i
	}

	if d.cfg.Fitting.Deblend && !replay && !d.cfg.Output.PlotOnly {
		parents := make(map[int]*image.Footprint)
		labels := make(map[int64]float64, len(in.Sources))
		for i := range in.Sources {
			if in.Sources[i].Parent == 0 && in.Sources[i].Footprint != nil {
				parents[i] = in.Sources[i].Footprint
			}
		}
		for i := range in.Sources {
			top := i
			if p := in.Sources[i].Parent; p != 0 {
				if pi, ok := byID[p]; ok {
					top = pi
				}
			}
			labels[in.Sources[i].ID] = float64(top + 1)
		}
		orch.SetSegmentation(image.SegmentationMap(bounds, parents), labels)
	}

	var first *SourceResults
	nFit, nSkip, nFail := 0, 0, 0
	for i := begin; i < end; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		src := &in.Sources[i]
		row := table.Rows[i]

		var out Outcome
		switch {
		case d.cfg.Output.PlotOnly:
			out = d.plotSource(src, cutouts, in.Exposures)
		case replay:
			out = orch.FitDeblendReplay(ctx, src, d.childrenOf(src, in, table), in.Exposures)
		default:
			var parentFP *image.Footprint
			var parentNChild int64
			if src.Parent != 0 {
				if pi, ok := byID[src.Parent]; ok {
					parentFP = in.Sources[pi].Footprint
					parentNChild = in.Sources[pi].NChild
				}
			}
			out = orch.FitSource(ctx, src, in.Exposures, replacers, parentFP, parentNChild)
		}

		if out.State == StateFitOK && !replay && !d.cfg.Output.PlotOnly {
			if err := orch.recordRow(row, out.Results); err != nil {
				if !errors.Is(err, ErrRecordMismatch) {
					return nil, nil, err
				}
				out.State = StateRecordFailed
				out.Err = err
			}
		}

		row.SetBool(keys.Skipped.Name, out.State == StateSkipped)
		row.SetBool(keys.FailFlag.Name, out.State == StateErrored || out.State == StateRecordFailed)
		row.SetFloat(keys.Runtime.Name, out.Runtime.Seconds())
		d.log.Debug("source processed",
			"idx", i, "id", src.ID, "state", out.State.String(), "runtime", out.Runtime)

		switch out.State {
		case StateFitOK:
			nFit++
			if first == nil {
				first = out.Results
			}
		case StateSkipped:
			nSkip++
		default:
			nFail++
			d.logFailure(i, src, out)
			if d.cfg.Output.PlotFailures && out.Context != nil && len(out.Context.Bands) > 0 {
				d.plotFailure(src, out.Context.Bands[0].Image)
			}
		}

		fitted := i - begin + 1
		if fitted%d.cfg.Output.CheckpointInterval == 0 {
			if err := d.store.Checkpoint(d.OutputTable, table); err != nil {
				return nil, nil, fmt.Errorf("checkpoint at row %d: %w", i, err)
			}
			d.log.Info("checkpoint written", "rows", fitted, "fit", nFit, "skipped", nSkip, "failed", nFail)
		}
	}

	if err := d.store.WriteTable(d.OutputTable, table); err != nil {
		return nil, nil, err
	}
	d.log.Info("catalog fit complete", "rows", end-begin, "fit", nFit, "skipped", nSkip, "failed", nFail)
	return table, first, nil
}

// checkInputs verifies the fatal pre-loop conditions: configured bands
// present in order, and every band covering the same pixel grid.
func (d *Driver) checkInputs(in *Inputs) error {
	bands := d.cfg.Fitting.BandsFit
	if len(bands) == 0 {
		return errors.New("no bands configured")
	}
	if len(in.Exposures) != len(bands) {
		return fmt.Errorf("got %d exposures for %d bands", len(in.Exposures), len(bands))
	}
	bounds := in.Exposures[0].Image.Bounds()
	for i, exposure := range in.Exposures {
		if exposure.Band != bands[i] {
			return fmt.Errorf("exposure %d is band %q, want %q", i, exposure.Band, bands[i])
		}
		if exposure.Image.Bounds() != bounds {
			return fmt.Errorf("band %s bounds %v differ from %s bounds %v",
				exposure.Band, exposure.Image.Bounds(), bands[0], bounds)
		}
	}
	if len(in.Sources) == 0 {
		return errors.New("empty detection catalog")
	}
	return nil
}

// prepareTable builds a fresh output table, or loads and validates the
// previous one when resuming.
func (d *Driver) prepareTable(in *Inputs, bands []string, trial *fit.TrialResults) (*catalog.Table, *catalog.FieldKeys, error) {
	if d.cfg.Output.Resume {
		ok, err := d.store.HasTable(d.OutputTable)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("resume: output table %q does not exist", d.OutputTable)
		}
		table, err := d.store.ReadTable(d.OutputTable)
		if err != nil {
			return nil, nil, err
		}
		if len(table.Rows) != len(in.Sources) {
			return nil, nil, fmt.Errorf("resume: table has %d rows, catalog has %d sources",
				len(table.Rows), len(in.Sources))
		}
		keys, err := catalog.ValidateSchema(table.Schema, d.cfg, bands, trial)
		if err != nil {
			return nil, nil, err
		}
		return table, keys, nil
	}

	base := &catalog.Schema{}
	for _, c := range []catalog.Column{
		{Name: "id", Type: catalog.Int64, Doc: "source identifier"},
		{Name: "parent", Type: catalog.Int64, Doc: "parent source identifier"},
		{Name: "nchild", Type: catalog.Int64, Doc: "deblended child count"},
	} {
		if err := base.Add(c); err != nil {
			return nil, nil, err
		}
	}
	schema, keys, err := catalog.BuildSchema(d.cfg, bands, trial, base)
	if err != nil {
		return nil, nil, err
	}
	table := &catalog.Table{Schema: schema}
	for i := range in.Sources {
		row := catalog.NewRow()
		row.SetInt("id", in.Sources[i].ID)
		row.SetInt("parent", in.Sources[i].Parent)
		row.SetInt("nchild", in.Sources[i].NChild)
		table.Rows = append(table.Rows, row)
	}
	return table, keys, nil
}

func (d *Driver) rowRange(n int) (int, int) {
	begin := d.cfg.Fitting.IdxBegin
	if begin < 0 {
		begin = 0
	}
	if begin > n {
		begin = n
	}
	end := d.cfg.Fitting.IdxEnd
	if end < 0 || end > n {
		end = n
	}
	if end < begin {
		end = begin
	}
	return begin, end
}

// childrenOf collects the deblended children of a parent with their output
// rows, for the joint replay refit.
func (d *Driver) childrenOf(parent *catalog.Source, in *Inputs, table *catalog.Table) []childFit {
	var out []childFit
	for i := range in.Sources {
		if in.Sources[i].Parent != parent.ID {
			continue
		}
		out = append(out, childFit{Source: &in.Sources[i], Row: table.Rows[i]})
	}
	return out
}

// plotSource renders an existing source cutout without fitting.
func (d *Driver) plotSource(src *catalog.Source, cutouts *image.CutoutProvider, exposures []*image.Exposure) Outcome {
	if src.Footprint == nil {
		return Outcome{State: StateSkipped, Reason: "no footprint"}
	}
	fc, err := cutouts.GetContext(src.Footprint, src.CX, src.CY, exposures, nil, false)
	if err != nil {
		return Outcome{State: StateErrored, Reason: "cutout", Err: err}
	}
	path := filepath.Join(d.cfg.Output.PlotDir, fmt.Sprintf("source_%d.png", src.ID))
	if err := render.SaveCutoutPNG(path, fc.Bands[0].Image); err != nil {
		return Outcome{State: StateErrored, Reason: "plot", Err: err, Context: fc}
	}
	return Outcome{State: StateFitOK, Context: fc}
}

func (d *Driver) plotFailure(src *catalog.Source, img *image.Image) {
	if err := os.MkdirAll(d.cfg.Output.PlotDir, 0o755); err != nil {
		d.log.Warn("plot dir", "error", err)
		return
	}
	path := filepath.Join(d.cfg.Output.PlotDir, fmt.Sprintf("failed_%d.png", src.ID))
	if err := render.SaveCutoutPNG(path, img); err != nil {
		d.log.Warn("plot failure cutout", "id", src.ID, "error", err)
	}
}

func (d *Driver) logFailure(idx int, src *catalog.Source, out Outcome) {
	args := []any{"idx", idx, "id", src.ID, "state", out.State.String(), "reason", out.Reason}
	if out.Err != nil {
		if d.cfg.Output.PrintTrace {
			args = append(args, "error", fmt.Sprintf("%+v", out.Err))
		} else {
			args = append(args, "error", out.Err.Error())
		}
	}
	d.log.Warn("source failed", args...)
}
