package image

import "testing"

func noiseExposure(t *testing.T) (*Exposure, map[int64]*Footprint, *Image) {
	t.Helper()
	img := NewImage(Box{W: 20, H: 20})
	for i := range img.Pix {
		img.Pix[i] = float64(i)
	}
	exposure := NewExposure("i", img, 1, nil)
	original := img.Clone()
	footprints := map[int64]*Footprint{
		1: fullFootprint(Box{X0: 2, Y0: 2, W: 4, H: 4}),
		2: fullFootprint(Box{X0: 10, Y0: 10, W: 3, H: 3}),
	}
	return exposure, footprints, original
}

func TestNoiseReplacerReplacesAllSources(t *testing.T) {
	exposure, footprints, original := noiseExposure(t)
	NewNoiseReplacer(exposure, footprints, 42)

	if exposure.Image.At(3, 3) == original.At(3, 3) && exposure.Image.At(11, 11) == original.At(11, 11) {
		t.Fatalf("source pixels untouched after construction")
	}
	if exposure.Image.At(0, 0) != original.At(0, 0) {
		t.Fatalf("sky pixel modified")
	}
}

func TestNoiseReplacerInsertRestore(t *testing.T) {
	exposure, footprints, original := noiseExposure(t)
	r := NewNoiseReplacer(exposure, footprints, 42)

	if err := r.InsertSource(1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for y := 2; y < 6; y++ {
		for x := 2; x < 6; x++ {
			if exposure.Image.At(x, y) != original.At(x, y) {
				t.Fatalf("inserted source pixel (%d, %d) not restored", x, y)
			}
		}
	}
	if exposure.Image.At(11, 11) == original.At(11, 11) {
		t.Fatalf("other source restored too")
	}

	r.RemoveSource(1)
	if exposure.Image.At(3, 3) == original.At(3, 3) {
		t.Fatalf("removed source pixel back to original, want noise")
	}
}

func TestNoiseReplacerRemoveWithoutInsertIsNoop(t *testing.T) {
	exposure, footprints, _ := noiseExposure(t)
	r := NewNoiseReplacer(exposure, footprints, 42)

	before := exposure.Image.Clone()
	r.RemoveSource(1)
	r.RemoveSource(99)
	if !exposure.Image.Equal(before) {
		t.Fatalf("remove without insert changed pixels")
	}
}

func TestNoiseReplacerInsertUnknownSource(t *testing.T) {
	exposure, footprints, _ := noiseExposure(t)
	r := NewNoiseReplacer(exposure, footprints, 42)
	if err := r.InsertSource(99); err == nil {
		t.Fatalf("expected error for unknown source id")
	}
}

func TestNoiseReplacerEndRestoresExactly(t *testing.T) {
	exposure, footprints, original := noiseExposure(t)
	r := NewNoiseReplacer(exposure, footprints, 42)

	if err := r.InsertSource(1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r.End()
	if !exposure.Image.Equal(original) {
		t.Fatalf("End did not restore the original pixels exactly")
	}

	// End is idempotent and later calls are rejected or inert.
	r.End()
	if !exposure.Image.Equal(original) {
		t.Fatalf("second End changed pixels")
	}
	if err := r.InsertSource(1); err == nil {
		t.Fatalf("insert after End should fail")
	}
	r.RemoveSource(1)
	if !exposure.Image.Equal(original) {
		t.Fatalf("remove after End changed pixels")
	}
}

func TestNoiseReplacerDeterministicSeed(t *testing.T) {
	exposureA, footprintsA, _ := noiseExposure(t)
	exposureB, footprintsB, _ := noiseExposure(t)
	NewNoiseReplacer(exposureA, footprintsA, 7)
	NewNoiseReplacer(exposureB, footprintsB, 7)
	if !exposureA.Image.Equal(exposureB.Image) {
		t.Fatalf("same seed produced different noise")
	}
}
