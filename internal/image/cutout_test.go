package image

import (
	"math"
	"testing"
)

func fullFootprint(b Box) *Footprint {
	fp := &Footprint{}
	for y := b.Y0; y < b.Y1(); y++ {
		fp.Spans = append(fp.Spans, Span{Y: y, X0: b.X0, X1: b.X1() - 1})
	}
	return fp
}

func testExposure(w, h int) *Exposure {
	img := NewImage(Box{W: w, H: h})
	for i := range img.Pix {
		img.Pix[i] = 1
	}
	return NewExposure("i", img, 4, GaussianPSF(1.5, 6))
}

func TestGetContextBasic(t *testing.T) {
	exposure := testExposure(30, 30)
	p := &CutoutProvider{MaxPixels: 1000, BBoxRef: exposure.Image.Bounds()}
	fp := fullFootprint(Box{X0: 5, Y0: 5, W: 10, H: 10})

	fc, err := p.GetContext(fp, 10, 10, []*Exposure{exposure}, nil, true)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if fc.BBox != (Box{X0: 5, Y0: 5, W: 10, H: 10}) {
		t.Errorf("bbox %v", fc.BBox)
	}
	if fc.RefX != 5 || fc.RefY != 5 {
		t.Errorf("reference center (%v, %v), want cutout-relative (5, 5)", fc.RefX, fc.RefY)
	}
	if len(fc.Bands) != 1 || fc.Bands[0].Band != "i" {
		t.Fatalf("bands %v", fc.Bands)
	}
	// Flat variance 4 gives inverse error 0.5 everywhere.
	for i, w := range fc.Bands[0].ErrInv {
		if math.Abs(w-0.5) > 1e-12 {
			t.Fatalf("errInv[%d]=%v, want 0.5", i, w)
		}
	}
}

func TestGetContextZeroAreaError(t *testing.T) {
	exposure := testExposure(30, 30)
	p := &CutoutProvider{MaxPixels: 1000, BBoxRef: Box{X0: 0, Y0: 0, W: 10, H: 10}}
	fp := fullFootprint(Box{X0: 20, Y0: 20, W: 5, H: 5})

	if _, err := p.GetContext(fp, 22, 22, []*Exposure{exposure}, nil, false); err == nil {
		t.Fatalf("expected zero-area error for a footprint outside the reference")
	}
}

func TestGetContextDilationClampedAtEdge(t *testing.T) {
	exposure := testExposure(30, 30)
	p := &CutoutProvider{MaxPixels: 1000, Dilate: 5, BBoxRef: exposure.Image.Bounds()}
	// Footprint 2 pixels from the reference edge: dilation clamps to 2.
	fp := fullFootprint(Box{X0: 2, Y0: 10, W: 5, H: 5})

	fc, err := p.GetContext(fp, 4, 12, []*Exposure{exposure}, nil, true)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if fc.BBox != (Box{X0: 0, Y0: 8, W: 9, H: 9}) {
		t.Errorf("clamped bbox %v, want Box(x0=0,y0=8,w=9,h=9)", fc.BBox)
	}
}

func TestGetContextOverrideDroppedWhenTooLarge(t *testing.T) {
	exposure := testExposure(40, 40)
	p := &CutoutProvider{MaxPixels: 100, BBoxRef: exposure.Image.Bounds()}
	src := fullFootprint(Box{X0: 10, Y0: 10, W: 5, H: 5})
	parent := fullFootprint(Box{X0: 0, Y0: 0, W: 30, H: 30})

	fc, err := p.GetContext(src, 12, 12, []*Exposure{exposure}, parent, false)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if fc.BBox != (Box{X0: 10, Y0: 10, W: 5, H: 5}) {
		t.Errorf("oversized override not dropped: bbox %v", fc.BBox)
	}
}

func TestGetContextFallbackOverCeilingFails(t *testing.T) {
	exposure := testExposure(40, 40)
	p := &CutoutProvider{MaxPixels: 10, BBoxRef: exposure.Image.Bounds()}
	src := fullFootprint(Box{X0: 5, Y0: 5, W: 10, H: 10})

	if _, err := p.GetContext(src, 10, 10, []*Exposure{exposure}, nil, true); err == nil {
		t.Fatalf("expected ceiling error with failOnLarge")
	}
	if _, err := p.GetContext(src, 10, 10, []*Exposure{exposure}, nil, false); err != nil {
		t.Fatalf("without failOnLarge the fallback should fit: %v", err)
	}
}

func TestGetContextMaskZeroesWeights(t *testing.T) {
	exposure := testExposure(20, 20)
	exposure.Mask.SetPlane(6, 6, "SAT")
	p := &CutoutProvider{
		MaxPixels:      1000,
		BBoxRef:        exposure.Image.Bounds(),
		MaskPlanesZero: []string{"SAT"},
	}
	fp := fullFootprint(Box{X0: 5, Y0: 5, W: 5, H: 5})

	fc, err := p.GetContext(fp, 7, 7, []*Exposure{exposure}, nil, true)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	i := (6-5)*5 + (6 - 5)
	if fc.Bands[0].ErrInv[i] != 0 {
		t.Errorf("saturated pixel kept weight %v", fc.Bands[0].ErrInv[i])
	}
	if fc.Bands[0].ErrInv[0] == 0 {
		t.Errorf("clean pixel lost its weight")
	}
}

func TestGetContextUseSpans(t *testing.T) {
	exposure := testExposure(20, 20)
	p := &CutoutProvider{MaxPixels: 1000, BBoxRef: exposure.Image.Bounds(), UseSpans: true}
	// L-shaped footprint: bbox includes pixels outside the spans.
	fp := &Footprint{Spans: []Span{
		{Y: 5, X0: 5, X1: 9},
		{Y: 6, X0: 5, X1: 5},
	}}

	fc, err := p.GetContext(fp, 6, 5, []*Exposure{exposure}, nil, true)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	// (6, 6) is inside the bbox but outside the spans.
	i := (6-5)*5 + (6 - 5)
	if fc.Bands[0].ErrInv[i] != 0 {
		t.Errorf("span-exterior pixel kept weight")
	}
	if fc.Bands[0].ErrInv[0] == 0 {
		t.Errorf("span pixel lost its weight")
	}
}

func TestSegmentationMap(t *testing.T) {
	bbox := Box{X0: 0, Y0: 0, W: 10, H: 10}
	seg := SegmentationMap(bbox, map[int]*Footprint{
		0: {Spans: []Span{{Y: 1, X0: 1, X1: 2}}},
		3: {Spans: []Span{{Y: 5, X0: 5, X1: 5}}},
	})
	if seg.At(1, 1) != 1 {
		t.Errorf("row 0 label %v", seg.At(1, 1))
	}
	if seg.At(5, 5) != 4 {
		t.Errorf("row 3 label %v", seg.At(5, 5))
	}
	if seg.At(0, 0) != 0 {
		t.Errorf("sky labelled %v", seg.At(0, 0))
	}
}
