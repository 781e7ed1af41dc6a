package fit

import "math"

// CentroidPrior is a Gaussian prior on both centroid coordinates, centered
// on the initialization value.
type CentroidPrior struct {
	Sigma float64
}

// ShapePrior is a magnitude-dependent prior on source size and axis ratio.
type ShapePrior struct {
	SizeMean  float64 // mean size, in log10 pixels when SizeLog10
	SizeStd   float64
	SizeLog10 bool
	AxratMean float64
	AxratStd  float64
	AxratMax  float64
}

// BackgroundPrior is a Gaussian prior on one band's flat background level.
type BackgroundPrior struct {
	Mean  float64
	Sigma float64
}

// Priors bundles the optional priors applied during one source's fits.
type Priors struct {
	Centroid *CentroidPrior
	// CenX, CenY anchor the centroid prior (cutout-relative).
	CenX, CenY float64
	Shape      *ShapePrior
	Background map[string]BackgroundPrior
}

// DefaultShapePrior builds the magnitude-dependent size/axis-ratio prior.
// Fainter sources get a smaller expected size; a non-finite magnitude
// yields the faint-end limit.
func DefaultShapePrior(mag float64) *ShapePrior {
	if math.IsNaN(mag) || math.IsInf(mag, 0) {
		mag = 30
	}
	sizeMean := 0.75 - 0.15*(mag-16)
	if sizeMean < -0.3 {
		sizeMean = -0.3
	}
	return &ShapePrior{
		SizeMean:  sizeMean,
		SizeStd:   0.3,
		SizeLog10: true,
		AxratMean: 0.7,
		AxratStd:  0.2,
		AxratMax:  1.2,
	}
}

// penalty returns the prior contribution to the objective for the model's
// current parameter values.
func (pr *Priors) penalty(m *Model) float64 {
	if pr == nil {
		return 0
	}
	total := 0.0
	if pr.Centroid != nil && pr.Centroid.Sigma > 0 {
		for i := range m.Params {
			p := &m.Params[i]
			var mean float64
			switch p.Name {
			case ParamCenX:
				mean = pr.CenX
			case ParamCenY:
				mean = pr.CenY
			default:
				continue
			}
			d := (p.Value - mean) / pr.Centroid.Sigma
			total += d * d
		}
	}
	if pr.Shape != nil {
		var sx, sy float64
		for i := range m.Params {
			switch m.Params[i].Name {
			case ParamSigmaX:
				sx = m.Params[i].Value
			case ParamSigmaY:
				sy = m.Params[i].Value
			}
		}
		if sx > 0 && sy > 0 {
			size := math.Sqrt(sx * sy)
			if pr.Shape.SizeLog10 {
				size = math.Log10(size)
			}
			d := (size - pr.Shape.SizeMean) / pr.Shape.SizeStd
			total += d * d

			axrat := math.Min(sx, sy) / math.Max(sx, sy)
			if axrat > pr.Shape.AxratMax {
				axrat = pr.Shape.AxratMax
			}
			d = (axrat - pr.Shape.AxratMean) / pr.Shape.AxratStd
			total += d * d
		}
	}
	if len(pr.Background) > 0 {
		for i := range m.Params {
			p := &m.Params[i]
			if p.Name != ParamBg {
				continue
			}
			bg, ok := pr.Background[p.Band]
			if !ok || !(bg.Sigma > 0) {
				continue
			}
			d := (p.Value - bg.Mean) / bg.Sigma
			total += d * d
		}
	}
	return total
}
