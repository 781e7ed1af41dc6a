package image

import (
	"fmt"
	"math"
	"math/rand"
)

// NoiseReplacer swaps detected sources' pixels for a noise realization so
// each source can be fit as if it were alone in the exposure. The original
// pixel data is stashed at construction; InsertSource restores one source's
// pixels, RemoveSource re-noises them, and End restores the exposure to its
// exact original state.
type NoiseReplacer struct {
	exposure   *Exposure
	original   *Image
	noise      *Image
	footprints map[int64]*Footprint
	inserted   map[int64]bool
	ended      bool
}

// NewNoiseReplacer builds a replacer over exposure for the given footprints
// (keyed by source id) and immediately replaces all of their pixels with
// noise drawn from the variance plane. The seed makes realizations
// reproducible within a run.
func NewNoiseReplacer(exposure *Exposure, footprints map[int64]*Footprint, seed int64) *NoiseReplacer {
	r := &NoiseReplacer{
		exposure:   exposure,
		original:   exposure.Image.Clone(),
		noise:      exposure.Image.Clone(),
		footprints: footprints,
		inserted:   make(map[int64]bool),
	}
	rng := rand.New(rand.NewSource(seed))
	bounds := exposure.Image.Bounds()
	for y := bounds.Y0; y < bounds.Y1(); y++ {
		for x := bounds.X0; x < bounds.X1(); x++ {
			sigma := math.Sqrt(math.Max(exposure.Variance.At(x, y), 0))
			r.noise.Set(x, y, rng.NormFloat64()*sigma)
		}
	}
	for id := range footprints {
		r.applyNoise(id)
	}
	return r
}

// InsertSource restores the source's original pixels, making the exposure
// look as if that source alone were present.
func (r *NoiseReplacer) InsertSource(id int64) error {
	if r.ended {
		return fmt.Errorf("noise replacer already ended")
	}
	footprint, ok := r.footprints[id]
	if !ok {
		return fmt.Errorf("no footprint for source id=%d", id)
	}
	r.copySpans(footprint, r.original)
	r.inserted[id] = true
	return nil
}

// RemoveSource returns the source's pixels to noise. Removing a source that
// was never inserted is a no-op, so failure paths can call it
// unconditionally.
func (r *NoiseReplacer) RemoveSource(id int64) {
	if r.ended || !r.inserted[id] {
		return
	}
	r.applyNoise(id)
	delete(r.inserted, id)
}

// End restores the exposure to its original pixel data. Idempotent; the
// driver calls it exactly once at the end of a run, and any earlier call
// makes later Insert/Remove calls errors or no-ops.
func (r *NoiseReplacer) End() {
	if r.ended {
		return
	}
	copy(r.exposure.Image.Pix, r.original.Pix)
	r.inserted = make(map[int64]bool)
	r.ended = true
}

func (r *NoiseReplacer) applyNoise(id int64) {
	if footprint := r.footprints[id]; footprint != nil {
		r.copySpans(footprint, r.noise)
	}
}

func (r *NoiseReplacer) copySpans(footprint *Footprint, from *Image) {
	bounds := r.exposure.Image.Bounds()
	for _, s := range footprint.Spans {
		if s.Y < bounds.Y0 || s.Y >= bounds.Y1() {
			continue
		}
		x0 := max(s.X0, bounds.X0)
		x1 := min(s.X1, bounds.X1()-1)
		for x := x0; x <= x1; x++ {
			r.exposure.Image.Set(x, s.Y, from.At(x, s.Y))
		}
	}
}
