package fitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"starfit/internal/cascade"
	"starfit/internal/catalog"
	"starfit/internal/config"
	"starfit/internal/fit"
	"starfit/internal/image"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// singleBandConfig trims the cascade to the point-source model on one band.
func singleBandConfig() *config.Config {
	cfg := config.Default()
	cfg.Fitting.BandsFit = []string{"i"}
	cfg.Fitting.FitSersic = false
	cfg.Fitting.FitSersicFromGauss = false
	cfg.Fitting.FitSersicAmplitude = false
	cfg.Fitting.FitCModel = false
	return cfg
}

func buildHarness(t *testing.T, cfg *config.Config) (*cascade.Cascade, *catalog.FieldKeys) {
	t.Helper()
	casc, err := cascade.Build(cfg)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	trial, err := fit.Trial(casc, cfg.Fitting.BandsFit, cfg.Fitting.GaussianOrderPsf, cfg.Fitting.FitBackground)
	if err != nil {
		t.Fatalf("trial: %v", err)
	}
	_, keys, err := catalog.BuildSchema(cfg, cfg.Fitting.BandsFit, trial, nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return casc, keys
}

func boxFootprint(b image.Box) *image.Footprint {
	fp := &image.Footprint{}
	for y := b.Y0; y < b.Y1(); y++ {
		fp.Spans = append(fp.Spans, image.Span{Y: y, X0: b.X0, X1: b.X1() - 1})
	}
	return fp
}

// gaussianExposure renders a single Gaussian source into a fresh exposure.
func gaussianExposure(band string, w, h int, cx, cy, flux, sigma, variance float64) *image.Exposure {
	img := image.NewImage(image.Box{W: w, H: h})
	norm := flux / (2 * math.Pi * sigma * sigma)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := (float64(x) - cx) / sigma
			dy := (float64(y) - cy) / sigma
			img.Pix[y*w+x] = norm * math.Exp(-(dx*dx+dy*dy)/2)
		}
	}
	return image.NewExposure(band, img, variance, image.GaussianPSF(1.5, 6))
}

// echoFitter returns each model's current values unchanged and keeps the
// models it saw.
type echoFitter struct {
	models []*fit.Model
}

func (e *echoFitter) FitModel(ctx context.Context, model *fit.Model, bands []image.BandData, priors *fit.Priors) (*fit.FitOutput, error) {
	e.models = append(e.models, model)
	out := &fit.FitOutput{All: model.Results(), Chisqred: 1, NEvalFunc: 1, NEvalGrad: 1}
	for _, p := range out.All {
		if !p.Fixed {
			out.Best = append(out.Best, p.Value)
		}
	}
	return out, nil
}

type failFitter struct{}

func (failFitter) FitModel(context.Context, *fit.Model, []image.BandData, *fit.Priors) (*fit.FitOutput, error) {
	return nil, errors.New("optimizer exploded")
}

func newTestOrchestrator(cfg *config.Config, casc *cascade.Cascade, keys *catalog.FieldKeys, f fit.Fitter, bounds image.Box) *Orchestrator {
	cutouts := &image.CutoutProvider{
		MaxPixels: cfg.Fitting.MaxFootprintPixels,
		Dilate:    cfg.Fitting.BBoxDilate,
		BBoxRef:   bounds,
	}
	return NewOrchestrator(cfg, casc, f, cutouts, keys, testLogger())
}

func TestFitSourceSkipsFlaggedSource(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	echo := &echoFitter{}
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, echo, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Flags:     map[string]bool{"saturatedCenter": true},
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateSkipped {
		t.Fatalf("state %v, want skipped", out.State)
	}
	if out.Reason != "saturatedCenter" {
		t.Errorf("reason %q", out.Reason)
	}
	if len(echo.models) != 0 {
		t.Errorf("fitter ran for a skipped source")
	}
}

func TestFitSourceIsolatedOnly(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.IsolatedOnly = true
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{
		ID: 2, Parent: 1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateErrored || out.Reason != "not isolated" {
		t.Fatalf("state=%v reason=%q, want errored/not isolated", out.State, out.Reason)
	}
	if out.Err == nil {
		t.Errorf("errored outcome carries no error")
	}
}

// A deblended child whose parent has exactly one child is its parent's only
// object and still counts as isolated.
func TestFitSourceIsolatedOnlySingleChild(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.IsolatedOnly = true
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{
		ID: 2, Parent: 1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 1)
	if out.State != StateFitOK {
		t.Fatalf("state=%v reason=%q, single child should fit", out.State, out.Reason)
	}
}

func TestFitSourceSkipReportsAllFlags(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Flags:     map[string]bool{"saturatedCenter": true, "deblendSkipped": true},
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateSkipped {
		t.Fatalf("state %v, want skipped", out.State)
	}
	if out.Reason != "saturatedCenter,deblendSkipped" {
		t.Errorf("reason %q, want both flags listed", out.Reason)
	}
}

func TestFitSourceTooManyChildren(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.MaxChildrenParentFit = 2
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{
		ID: 1, NChild: 3,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateErrored || out.Reason != "too many children" {
		t.Fatalf("state=%v reason=%q", out.State, out.Reason)
	}
}

func TestFitSourceNoFootprint(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{ID: 1, CX: 15, CY: 15}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateErrored || out.Reason != "no footprint" {
		t.Fatalf("state=%v reason=%q", out.State, out.Reason)
	}
}

func TestFitSourceRestoresNoiseOnFailure(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	original := exposure.Image.Clone()
	orch := newTestOrchestrator(cfg, casc, keys, failFitter{}, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	footprints := map[int64]*image.Footprint{src.ID: src.Footprint}
	r := image.NewNoiseReplacer(exposure, footprints, 1)
	noised := exposure.Image.Clone()
	replacers := map[string]*image.NoiseReplacer{"i": r}

	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, replacers, nil, 0)
	if out.State != StateErrored || out.Reason != "fit" {
		t.Fatalf("state=%v reason=%q", out.State, out.Reason)
	}
	if !exposure.Image.Equal(noised) {
		t.Fatalf("source not re-noised after the failed fit")
	}
	r.End()
	if !exposure.Image.Equal(original) {
		t.Fatalf("End did not restore the original exposure")
	}
}

func TestFitSourceFitAndRecord(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	echo := &echoFitter{}
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, echo, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateFitOK {
		t.Fatalf("state=%v reason=%q err=%v", out.State, out.Reason, out.Err)
	}
	if out.Results == nil || out.Results.PSF["i"] == nil || out.Results.Models["gausspx"] == nil {
		t.Fatalf("results incomplete: %+v", out.Results)
	}
	// PSF model plus the point-source model.
	if len(echo.models) != 2 {
		t.Fatalf("fitter saw %d models, want 2", len(echo.models))
	}

	row := catalog.NewRow()
	if err := orch.recordRow(row, out.Results); err != nil {
		t.Fatalf("record: %v", err)
	}
	for _, col := range keys.Base["gausspx"] {
		if math.IsNaN(row.Float(col.Name)) {
			t.Errorf("column %s not recorded", col.Name)
		}
	}
	for _, col := range keys.PSF["i"] {
		if math.IsNaN(row.Float(col.Name)) {
			t.Errorf("column %s not recorded", col.Name)
		}
	}
	if row.Float(keys.BaseExtra["gausspx"].Chisqred.Name) != 1 {
		t.Errorf("chisqred not recorded")
	}
	// The moments-seeded centroid lands near the cutout-relative center.
	cenx := row.Float("multiprofit_gausspx_c1_cenx")
	if math.Abs(cenx-5) > 1 {
		t.Errorf("cenx %v, want near 5", cenx)
	}
}

func TestFitSourceNoPsfStripsKernels(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.FitGaussianNoPsf = true
	casc, keys := buildHarness(t, cfg)
	echo := &echoFitter{}
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, echo, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateFitOK {
		t.Fatalf("state=%v err=%v", out.State, out.Err)
	}
	if len(out.Results.PSF) != 0 {
		t.Errorf("PSF stage ran in no-psf mode")
	}
	if out.Context.Bands[0].PSF != nil {
		t.Errorf("band kernel not stripped")
	}
}

func TestFitSourceUsesCatalogMomentsShape(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.UseMomentsShape = true
	casc, keys := buildHarness(t, cfg)
	echo := &echoFitter{}
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, echo, exposure.Image.Bounds())

	src := &catalog.Source{
		ID:        1,
		Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 11, H: 11}),
		CX:        15, CY: 15,
		MomentsSigmaX: 3.5, MomentsSigmaY: 2.75, MomentsRho: 0.2,
		PsfMag: math.NaN(), LocalBackground: math.NaN(),
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateFitOK {
		t.Fatalf("state=%v err=%v", out.State, out.Err)
	}
	// The second model the fitter saw is the point source; its shape seed
	// must come from the catalog, not the measured image moments.
	model := echo.models[1]
	for i := range model.Params {
		switch model.Params[i].Name {
		case fit.ParamSigmaX:
			if model.Params[i].Value != 3.5 {
				t.Errorf("sigma_x seed %v, want 3.5", model.Params[i].Value)
			}
		case fit.ParamSigmaY:
			if model.Params[i].Value != 2.75 {
				t.Errorf("sigma_y seed %v, want 2.75", model.Params[i].Value)
			}
		case fit.ParamRho:
			if model.Params[i].Value != 0.2 {
				t.Errorf("rho seed %v, want 0.2", model.Params[i].Value)
			}
		}
	}
}

func TestFitSourceSegmentationMasksOtherBlends(t *testing.T) {
	cfg := singleBandConfig()
	cfg.Fitting.Deblend = true
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 10, 10, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	own := boxFootprint(image.Box{X0: 5, Y0: 5, W: 10, H: 10})
	neighbor := boxFootprint(image.Box{X0: 18, Y0: 5, W: 6, H: 6})
	seg := image.SegmentationMap(exposure.Image.Bounds(), map[int]*image.Footprint{
		0: own,
		1: neighbor,
	})
	orch.SetSegmentation(seg, map[int64]float64{1: 1, 2: 2})

	// The fit region spans both footprints.
	src := &catalog.Source{
		ID:        1,
		Footprint: boxFootprint(image.Box{X0: 5, Y0: 5, W: 20, H: 10}),
		CX:        10, CY: 10,
	}
	out := orch.FitSource(context.Background(), src, []*image.Exposure{exposure}, nil, nil, 0)
	if out.State != StateFitOK {
		t.Fatalf("state=%v err=%v", out.State, out.Err)
	}

	fc := out.Context
	weight := func(x, y int) float64 {
		return fc.Bands[0].ErrInv[(y-fc.BBox.Y0)*fc.BBox.W+(x-fc.BBox.X0)]
	}
	if w := weight(20, 7); w != 0 {
		t.Errorf("neighbor pixel weight %v, want 0", w)
	}
	if w := weight(8, 8); !(w > 0) {
		t.Errorf("own pixel weight %v, want >0", w)
	}
	if w := weight(16, 7); !(w > 0) {
		t.Errorf("sky pixel weight %v, want >0", w)
	}
}

func TestRecordRowMismatch(t *testing.T) {
	cfg := singleBandConfig()
	casc, keys := buildHarness(t, cfg)
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, &echoFitter{}, exposure.Image.Bounds())

	results := &SourceResults{
		Models: map[string]*fit.FitOutput{"gausspx": {}},
		Order:  []string{"gausspx"},
	}
	err := orch.recordRow(catalog.NewRow(), results)
	if !errors.Is(err, ErrRecordMismatch) {
		t.Fatalf("error %v, want ErrRecordMismatch", err)
	}
	if !strings.Contains(err.Error(), "gausspx") {
		t.Errorf("error %q does not name the model", err)
	}
}
