package config

import (
	"reflect"
	"testing"
)

func TestExpandPrerequisitesNoOpWithoutFlag(t *testing.T) {
	in := Fitting{FitSersicX2SEAmplitude: true}
	out := ExpandPrerequisites(in)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("expected no expansion without fit_prereqs: %+v", out)
	}
}

func TestExpandPrerequisitesEnablesChain(t *testing.T) {
	in := Fitting{FitPrereqs: true, FitSersicX2SEAmplitude: true}
	out := ExpandPrerequisites(in)

	for name, got := range map[string]bool{
		"FitSersicX2FromSerExp": out.FitSersicX2FromSerExp,
		"FitSersicFromCModel":   out.FitSersicFromCModel,
		"FitCModel":             out.FitCModel,
		"FitPointSource":        out.FitPointSource,
	} {
		if !got {
			t.Errorf("%s should be enabled by the amplitude leaf", name)
		}
	}
	if out.FitSersic {
		t.Errorf("FitSersic is not a prerequisite of the serexp chain")
	}
}

func TestExpandPrerequisitesAmplitudeNeedsSersic(t *testing.T) {
	out := ExpandPrerequisites(Fitting{FitPrereqs: true, FitSersicAmplitude: true})
	if !out.FitSersic {
		t.Fatalf("sersic amplitude refit requires the sersic fit")
	}
}

func TestExpandPrerequisitesIdempotent(t *testing.T) {
	in := Fitting{FitPrereqs: true, FitSersicX2DEAmplitude: true, FitSersicAmplitude: true}
	once := ExpandPrerequisites(in)
	twice := ExpandPrerequisites(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("expansion not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestExpandPrerequisitesDoesNotMutateInput(t *testing.T) {
	in := Fitting{FitPrereqs: true, FitCModel: true}
	ExpandPrerequisites(in)
	if in.FitPointSource {
		t.Fatalf("input was mutated")
	}
}
