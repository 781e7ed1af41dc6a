package fitter

import (
	"context"
	"math"
	"testing"

	"starfit/internal/catalog"
	"starfit/internal/image"
)

// replayHarness builds a parent with three children; the third child's row
// carries no values and is held out of the joint refit.
func replayHarness(t *testing.T) (*Orchestrator, *echoFitter, *catalog.Source, []childFit, []*image.Exposure) {
	t.Helper()
	cfg := singleBandConfig()
	cfg.Fitting.DeblendFromPreviousFits = true
	cfg.Fitting.DeblendMinChildren = 2
	casc, keys := buildHarness(t, cfg)
	echo := &echoFitter{}
	exposure := gaussianExposure("i", 30, 30, 15, 15, 1000, 2, 4)
	orch := newTestOrchestrator(cfg, casc, keys, echo, exposure.Image.Bounds())

	parent := &catalog.Source{
		ID: 1, NChild: 3,
		Footprint: boxFootprint(image.Box{X0: 0, Y0: 0, W: 30, H: 30}),
		CX:        15, CY: 15,
	}

	seed := func(row *catalog.Row, cenx, ceny, flux float64) {
		row.SetFloat("multiprofit_gausspx_c1_cenx", cenx)
		row.SetFloat("multiprofit_gausspx_c1_ceny", ceny)
		row.SetFloat("multiprofit_gausspx_c1_i_instFlux", flux)
		row.SetFloat("multiprofit_gausspx_c1_sigma_x", 1.5)
		row.SetFloat("multiprofit_gausspx_c1_sigma_y", 1.25)
		row.SetFloat("multiprofit_gausspx_c1_rho", 0.1)
	}

	rowA, rowB, rowC := catalog.NewRow(), catalog.NewRow(), catalog.NewRow()
	seed(rowA, 4, 4.5, 100)
	seed(rowB, 3.5, 3, 250)
	// rowC stays empty: every carried value reads NaN.

	children := []childFit{
		{Source: &catalog.Source{ID: 2, Parent: 1,
			Footprint: boxFootprint(image.Box{X0: 2, Y0: 2, W: 8, H: 8}), CX: 6, CY: 6}, Row: rowA},
		{Source: &catalog.Source{ID: 3, Parent: 1,
			Footprint: boxFootprint(image.Box{X0: 18, Y0: 18, W: 8, H: 8}), CX: 22, CY: 22}, Row: rowB},
		{Source: &catalog.Source{ID: 4, Parent: 1,
			Footprint: boxFootprint(image.Box{X0: 10, Y0: 10, W: 5, H: 5}), CX: 12, CY: 12}, Row: rowC},
	}
	return orch, echo, parent, children, []*image.Exposure{exposure}
}

func TestFitDeblendReplayJointRefit(t *testing.T) {
	orch, echo, parent, children, exposures := replayHarness(t)

	out := orch.FitDeblendReplay(context.Background(), parent, children, exposures)
	if out.State != StateFitOK {
		t.Fatalf("state=%v reason=%q err=%v", out.State, out.Reason, out.Err)
	}
	if len(echo.models) != 1 {
		t.Fatalf("fitter saw %d models, want 1", len(echo.models))
	}
	joint := echo.models[0]
	if joint.NSources != 2 {
		t.Fatalf("joint model has %d sources, want 2 (one child held out)", joint.NSources)
	}

	// The first child's centroid was re-anchored into the parent frame.
	for i := range joint.Params {
		p := joint.Params[i]
		if p.Source == 0 && p.Name == "cenx" {
			if p.Value != 6 { // 4 child-relative + offset 2
				t.Errorf("joint cenx %v, want 6", p.Value)
			}
		}
	}

	// The echo fit scatters the seeded values straight back.
	checks := map[string]float64{
		"multiprofit_gausspx_c1_cenx":       4,
		"multiprofit_gausspx_c1_ceny":       4.5,
		"multiprofit_gausspx_c1_i_instFlux": 100,
		"multiprofit_gausspx_c1_sigma_x":    1.5,
		"multiprofit_gausspx_c1_sigma_y":    1.25,
		"multiprofit_gausspx_c1_rho":        0.1,
	}
	for name, want := range checks {
		if got := children[0].Row.Float(name); math.Abs(got-want) > 1e-12 {
			t.Errorf("child row %s = %v, want %v", name, got, want)
		}
	}
	if got := children[1].Row.Float("multiprofit_gausspx_c1_i_instFlux"); got != 250 {
		t.Errorf("second child flux %v, want 250", got)
	}

	// The held-out child's row is untouched.
	if !math.IsNaN(children[2].Row.Float("multiprofit_gausspx_c1_cenx")) {
		t.Errorf("held-out child row was written")
	}
}

func TestFitDeblendReplayNotAParent(t *testing.T) {
	orch, _, _, _, exposures := replayHarness(t)
	leaf := &catalog.Source{ID: 9, Footprint: boxFootprint(image.Box{X0: 0, Y0: 0, W: 10, H: 10})}
	out := orch.FitDeblendReplay(context.Background(), leaf, nil, exposures)
	if out.State != StateSkipped || out.Reason != "not a parent" {
		t.Fatalf("state=%v reason=%q", out.State, out.Reason)
	}
}

func TestFitDeblendReplayTooFewFiniteChildren(t *testing.T) {
	orch, echo, parent, children, exposures := replayHarness(t)
	orch.cfg.Fitting.DeblendMinChildren = 3

	// Only two children carry finite values, below the new minimum.
	out := orch.FitDeblendReplay(context.Background(), parent, children, exposures)
	if out.State != StateSkipped || out.Reason != "too few finite children" {
		t.Fatalf("state=%v reason=%q", out.State, out.Reason)
	}
	if len(echo.models) != 0 {
		t.Errorf("fitter ran despite too few children")
	}
}

func TestFitDeblendReplayAmplitudesOnly(t *testing.T) {
	orch, echo, parent, children, exposures := replayHarness(t)
	orch.cfg.Fitting.DeblendMaxNonlinear = 1

	out := orch.FitDeblendReplay(context.Background(), parent, children, exposures)
	if out.State != StateFitOK {
		t.Fatalf("state=%v reason=%q err=%v", out.State, out.Reason, out.Err)
	}
	joint := echo.models[0]
	// Shape and centroid parameters were frozen for the over-large blend.
	for i := range joint.Params {
		p := joint.Params[i]
		if p.Name == "cenx" && !p.Fixed {
			t.Fatalf("centroid left free in amplitudes-only refit")
		}
		if p.Name == "flux" && p.Fixed {
			t.Fatalf("flux frozen in amplitudes-only refit")
		}
	}
	// The seeded values still scatter back to every contributing column.
	if got := children[0].Row.Float("multiprofit_gausspx_c1_cenx"); got != 4 {
		t.Errorf("cenx %v, want 4", got)
	}
}
