package fitter

import (
	"fmt"

	"starfit/internal/catalog"
	"starfit/internal/fit"
)

// recordRow writes a source's fit results into its output row. Every free
// parameter must line up with a schema column; any count mismatch wraps
// ErrRecordMismatch so the caller can demote the outcome without losing
// the run.
func (o *Orchestrator) recordRow(row *catalog.Row, results *SourceResults) error {
	if results == nil {
		return nil
	}
	for band, out := range results.PSF {
		cols, ok := o.keys.PSF[band]
		if !ok {
			return fmt.Errorf("%w: no PSF columns for band %s", ErrRecordMismatch, band)
		}
		if err := writeParams(row, cols, out.All); err != nil {
			return fmt.Errorf("psf band %s: %w", band, err)
		}
		writeExtras(row, o.keys.PSFExtra[band], out)
	}
	for _, name := range results.Order {
		out := results.Models[name]
		cols, ok := o.keys.Base[name]
		if !ok {
			return fmt.Errorf("%w: no columns for model %s", ErrRecordMismatch, name)
		}
		if err := writeParams(row, cols, out.All); err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
		writeExtras(row, o.keys.BaseExtra[name], out)
	}
	return nil
}

// writeParams stores the free parameters against the columns, in layout
// order.
func writeParams(row *catalog.Row, cols []catalog.Column, params []fit.ParamResult) error {
	i := 0
	for _, p := range params {
		if p.Fixed {
			continue
		}
		if i >= len(cols) {
			return fmt.Errorf("%w: more free parameters than columns (%d)", ErrRecordMismatch, len(cols))
		}
		row.SetFloat(cols[i].Name, p.Value)
		i++
	}
	if i != len(cols) {
		return fmt.Errorf("%w: %d free parameters for %d columns", ErrRecordMismatch, i, len(cols))
	}
	return nil
}

func writeExtras(row *catalog.Row, keys catalog.ExtraKeys, out *fit.FitOutput) {
	if keys.Chisqred != nil {
		row.SetFloat(keys.Chisqred.Name, out.Chisqred)
	}
	if keys.LogLike != nil {
		row.SetFloat(keys.LogLike.Name, out.LogLike)
	}
	if keys.Time != nil {
		row.SetFloat(keys.Time.Name, out.Runtime.Seconds())
	}
	if keys.NEvalFunc != nil {
		row.SetFloat(keys.NEvalFunc.Name, float64(out.NEvalFunc))
	}
	if keys.NEvalGrad != nil {
		row.SetFloat(keys.NEvalGrad.Name, float64(out.NEvalGrad))
	}
}
