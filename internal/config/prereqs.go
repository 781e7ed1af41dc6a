package config

// prereqFlag identifies a fit toggle in the prerequisite table.
type prereqFlag int

const (
	flagPointSource prereqFlag = iota
	flagSersic
	flagSersicFromCModel
	flagCModel
	flagSersicX2FromDevExp
	flagDevExpFromCModel
	flagSersicX2FromSerExp
)

// prereqs maps each fit flag to the flags that depend on it. The table is
// acyclic: dependents only reference flags that sort later in the cascade,
// so one pass in reverse dependency order reaches the fixpoint.
var prereqs = []struct {
	flag       prereqFlag
	dependents []func(*Fitting) bool
	enable     func(*Fitting)
}{
	{
		flag: flagSersicX2FromSerExp,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicX2SEAmplitude },
		},
		enable: func(f *Fitting) { f.FitSersicX2FromSerExp = true },
	},
	{
		flag: flagSersicX2FromDevExp,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicX2DEAmplitude },
		},
		enable: func(f *Fitting) { f.FitSersicX2FromDevExp = true },
	},
	{
		flag: flagDevExpFromCModel,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicX2FromDevExp },
		},
		enable: func(f *Fitting) { f.FitDevExpFromCModel = true },
	},
	{
		flag: flagSersicFromCModel,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicFromCModelAmplitude },
			func(f *Fitting) bool { return f.FitSersicX2FromSerExp },
		},
		enable: func(f *Fitting) { f.FitSersicFromCModel = true },
	},
	{
		flag: flagCModel,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicFromCModel },
			func(f *Fitting) bool { return f.FitDevExpFromCModel },
		},
		enable: func(f *Fitting) { f.FitCModel = true },
	},
	{
		flag: flagSersic,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicAmplitude },
		},
		enable: func(f *Fitting) { f.FitSersic = true },
	},
	{
		flag: flagPointSource,
		dependents: []func(*Fitting) bool{
			func(f *Fitting) bool { return f.FitSersicFromGauss },
			func(f *Fitting) bool { return f.FitCModel },
		},
		enable: func(f *Fitting) { f.FitPointSource = true },
	},
}

// ExpandPrerequisites returns a copy of fitting with every flag required by
// an enabled dependent also enabled. It is a pure function of its input and
// idempotent; the driver applies it exactly once, at construction, when
// FitPrereqs is set.
func ExpandPrerequisites(fitting Fitting) Fitting {
	out := fitting
	if !out.FitPrereqs {
		return out
	}
	for _, entry := range prereqs {
		for _, dep := range entry.dependents {
			if dep(&out) {
				entry.enable(&out)
				break
			}
		}
	}
	return out
}
