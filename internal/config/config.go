package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath         = "~/.config/starfit/config.json"
	defaultCheckpointInterval = 100
	defaultMaxFootprintPixels = 1000000
	defaultMaxChildren        = 25
)

// Config holds user-editable settings for the source fitting stage.
type Config struct {
	Fitting Fitting `json:"fitting"`
	Priors  Priors  `json:"priors"`
	Output  Output  `json:"output"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
}

// Fitting selects which models are fit and how fit regions are built.
type Fitting struct {
	BandsFit []string `json:"bands_fit"`

	FitPointSource               bool `json:"fit_point_source"`       // PSF-convolved single Gaussian
	FitSersic                    bool `json:"fit_sersic"`             // Sersic fit from moments
	FitSersicFromGauss           bool `json:"fit_sersic_from_gauss"`  // Sersic fit seeded by the point-source fit
	FitSersicAmplitude           bool `json:"fit_sersic_amplitude"`   // linear amplitude refit of the Sersic mixture
	FitCModel                    bool `json:"fit_cmodel"`             // exp + deV pair plus linear combination
	FitCModelExp                 bool `json:"fit_cmodel_exp"`         // fixed-center exponential fit
	FitSersicFromCModel          bool `json:"fit_sersic_from_cmodel"` // Sersic fit seeded by the best CModel stage
	FitSersicFromCModelAmplitude bool `json:"fit_sersic_from_cmodel_amplitude"`
	FitDevExpFromCModel          bool `json:"fit_devexp_from_cmodel"`
	FitSersicX2FromDevExp        bool `json:"fit_sersicx2_from_devexp"`
	FitSersicX2DEAmplitude       bool `json:"fit_sersicx2_de_amplitude"`
	FitSersicX2FromSerExp        bool `json:"fit_sersicx2_from_serexp"`
	FitSersicX2SEAmplitude       bool `json:"fit_sersicx2_se_amplitude"`
	FitGaussianNoPsf             bool `json:"fit_gaussian_no_psf"` // single Gaussian without PSF convolution
	FitBackground                bool `json:"fit_background"`      // flat per-band background level
	FitPrereqs                   bool `json:"fit_prereqs"`         // auto-enable prerequisite fits

	GaussianOrderPsf    int `json:"gaussian_order_psf"`    // Gaussian components in the PSF model
	GaussianOrderSersic int `json:"gaussian_order_sersic"` // Gaussian components approximating Sersic profiles

	BBoxDilate           int `json:"bbox_dilate"`             // pixels to expand source bounding boxes by
	MaxFootprintPixels   int `json:"max_footprint_pixels"`    // footprint area ceiling before fallback/failure
	MaxChildrenParentFit int `json:"max_children_parent_fit"` // children ceiling for fitting a parent footprint

	Deblend                 bool `json:"deblend"`                    // zero-weight pixels claimed by other blends
	DeblendFromPreviousFits bool `json:"deblend_from_previous_fits"` // joint refit of parents from prior child fits
	DeblendMinChildren      int  `json:"deblend_min_children"`       // minimum finite-valued children for a joint refit
	DeblendMaxNonlinear     int  `json:"deblend_max_nonlinear"`      // children ceiling for a non-linear joint refit

	IsolatedOnly       bool     `json:"isolated_only"`
	SkipOnFlags        []string `json:"skip_on_flags"`        // quality flags that skip a source outright
	SkipTooManyPeaks   bool     `json:"skip_too_many_peaks"`  // also skip deblend too-many-peaks sources
	UseSpans           bool     `json:"use_spans"`            // restrict fits to detected pixels, not the whole box
	UseParentFootprint bool     `json:"use_parent_footprint"` // fit deblended children inside the parent footprint
	UseMomentsShape    bool     `json:"use_moments_shape"`    // seed Gaussian fits from catalog second moments

	EstimateContiguousDenoisedMoments bool    `json:"estimate_contiguous_denoised_moments"`
	PsfSigmaShrink                    float64 `json:"psf_sigma_shrink"` // length subtracted in quadrature from PSF sigma

	MaskPlanesZero []string `json:"mask_planes_zero"` // mask planes whose pixels get zero weight

	IdxBegin int `json:"idx_begin"` // first catalog row index to fit
	IdxEnd   int `json:"idx_end"`   // row index to stop before; <0 means all
}

// Priors configures the optional Bayesian priors applied during fits.
type Priors struct {
	CentroidSigma        *float64 `json:"centroid_sigma"`      // Gaussian centroid prior sigma, nil disables
	UseShapeDefault      bool     `json:"use_shape_default"`   // magnitude-dependent size/axis-ratio prior
	MagBand              string   `json:"mag_band"`            // band supplying the prior magnitude
	MagField             string   `json:"mag_field"`           // catalog field supplying the prior magnitude
	GaussianSizeSigma    float64  `json:"gaussian_size_sigma"` // size prior sigma for the Gaussian model
	BackgroundMultiplier float64  `json:"background_multiplier"`
	UseBackgroundLocal   bool     `json:"use_background_local"` // read the background prior mean from the catalog
	FieldLocalBackground string   `json:"field_local_background"`
	BackgroundSigmaAdd   float64  `json:"background_sigma_add"`
}

// Output controls which fit metrics are recorded and how often.
type Output struct {
	Chisqred           bool   `json:"chisqred"`
	LogLikelihood      bool   `json:"log_likelihood"`
	Runtime            bool   `json:"runtime"`
	CheckpointInterval int    `json:"checkpoint_interval"` // sources fit between partial catalog writes
	Resume             bool   `json:"resume"`              // resume from the previous output catalog
	PlotOnly           bool   `json:"plot_only"`           // only render existing fits; requires resume
	PrintTrace         bool   `json:"print_trace"`         // log stack traces for per-source failures
	PlotFailures       bool   `json:"plot_failures"`       // render failing cutouts to disk
	PlotDir            string `json:"plot_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures catalog input/output locations.
type Paths struct {
	CatalogOutput        string `json:"catalog_output"`
	CatalogOutputDeblend string `json:"catalog_output_deblend"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("STARFIT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Fitting: Fitting{
			FitPointSource:                    true,
			FitSersic:                         true,
			FitSersicFromGauss:                true,
			FitSersicAmplitude:                true,
			FitCModel:                         true,
			GaussianOrderPsf:                  2,
			GaussianOrderSersic:               8,
			MaxFootprintPixels:                defaultMaxFootprintPixels,
			MaxChildrenParentFit:              defaultMaxChildren,
			DeblendMinChildren:                1,
			SkipOnFlags:                       []string{"saturatedCenter", "deblendSkipped"},
			EstimateContiguousDenoisedMoments: true,
			MaskPlanesZero:                    []string{"BAD", "EDGE", "SAT", "NO_DATA"},
			IdxEnd:                            -1,
		},
		Priors: Priors{
			MagField:             "psf_mag",
			GaussianSizeSigma:    0.2,
			FieldLocalBackground: "local_background",
			BackgroundSigmaAdd:   10,
		},
		Output: Output{
			Chisqred:           true,
			LogLikelihood:      true,
			Runtime:            true,
			CheckpointInterval: defaultCheckpointInterval,
			PlotDir:            "./plots",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			CatalogOutput:        filepath.Join(os.TempDir(), "starfit.db"),
			CatalogOutputDeblend: filepath.Join(os.TempDir(), "starfit-deblend.db"),
		},
	}
}

// Validate reports fatal configuration errors. These abort a run before the
// per-source loop starts; nothing here is recoverable per source.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Fitting.BandsFit))
	for _, band := range c.Fitting.BandsFit {
		if seen[band] {
			return fmt.Errorf("duplicate band %q in bands_fit", band)
		}
		seen[band] = true
	}
	if c.Fitting.GaussianOrderPsf < 1 {
		return fmt.Errorf("gaussian_order_psf=%d must be >=1", c.Fitting.GaussianOrderPsf)
	}
	if c.Fitting.GaussianOrderSersic < 1 {
		return fmt.Errorf("gaussian_order_sersic=%d must be >=1", c.Fitting.GaussianOrderSersic)
	}
	if c.Fitting.BBoxDilate < 0 {
		return fmt.Errorf("bbox_dilate=%d must be >=0", c.Fitting.BBoxDilate)
	}
	if c.Fitting.MaxFootprintPixels < 1 {
		return fmt.Errorf("max_footprint_pixels=%d must be >=1", c.Fitting.MaxFootprintPixels)
	}
	if c.Fitting.DeblendMinChildren < 1 {
		return fmt.Errorf("deblend_min_children=%d must be >=1", c.Fitting.DeblendMinChildren)
	}
	if c.Output.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval=%d must be >=1", c.Output.CheckpointInterval)
	}
	if c.Output.PlotOnly && !c.Output.Resume {
		return errors.New("plot_only requires resume")
	}
	if c.Fitting.DeblendFromPreviousFits && !c.Output.Resume {
		return errors.New("deblend_from_previous_fits requires resume")
	}
	if sigma := c.Priors.CentroidSigma; sigma != nil && !(*sigma > 0) {
		return fmt.Errorf("centroid_sigma=%v must be >0", *sigma)
	}
	if c.Priors.UseShapeDefault && c.Priors.MagBand == "" {
		return errors.New("use_shape_default requires mag_band")
	}
	if c.Fitting.FitGaussianNoPsf && len(c.Fitting.BandsFit) > 1 {
		return fmt.Errorf("fit_gaussian_no_psf supports a single band, got %d", len(c.Fitting.BandsFit))
	}
	return nil
}

// SkipFlags returns the quality flags that skip a source, including the
// too-many-peaks flag when configured.
func (c *Config) SkipFlags() []string {
	flags := append([]string(nil), c.Fitting.SkipOnFlags...)
	if c.Fitting.SkipTooManyPeaks {
		flags = append(flags, "deblendTooManyPeaks")
	}
	return flags
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
