// Package cli wires the starfit commands to the fitting driver.
package cli

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/gographics/imagick.v3/imagick"

	"starfit/internal/cascade"
	"starfit/internal/catalog"
	"starfit/internal/config"
	"starfit/internal/fit"
	"starfit/internal/fitter"
	"starfit/internal/image"
	"starfit/internal/render"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "starfit",
		Short: "Starfit fits multi-band source models to detection catalogs",
		Long: `Starfit runs a cascade of PSF-convolved Gaussian-mixture models over
every source in a detection catalog, writing fitted parameters back to a
SQLite catalog with periodic checkpoints.`,
	}

	rootCmd.AddCommand(newFitCmd(cfg, log))
	rootCmd.AddCommand(newConfigCmd(cfg))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newFitCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	var (
		bands           string
		detectionsTable string
		outputTable     string
		psfSigma        float64
		variance        float64
		resume          bool
		deblendReplay   bool
		idxBegin        int
		idxEnd          int
	)

	cmd := &cobra.Command{
		Use:   "fit [catalog.db] <band_image>...",
		Short: "Fit the model cascade to every source in a catalog",
		Long: `Fit reads the detection catalog from the SQLite database, loads one
image per configured band, and runs the model cascade over every source.
Results are written to the output table, checkpointed as the run goes.
Without an explicit catalog path the configured catalog_output database is
used (catalog_output_deblend for replay runs).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bands != "" {
				cfg.Fitting.BandsFit = strings.Split(bands, ",")
			}
			if resume {
				cfg.Output.Resume = true
			}
			if deblendReplay {
				cfg.Fitting.DeblendFromPreviousFits = true
			}
			if cmd.Flags().Changed("idx-begin") {
				cfg.Fitting.IdxBegin = idxBegin
			}
			if cmd.Flags().Changed("idx-end") {
				cfg.Fitting.IdxEnd = idxEnd
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			dbPath := cfg.Paths.CatalogOutput
			if cfg.Fitting.DeblendFromPreviousFits {
				dbPath = cfg.Paths.CatalogOutputDeblend
			}
			images := args
			switch got, want := len(args), len(cfg.Fitting.BandsFit); got {
			case want:
			case want + 1:
				dbPath = args[0]
				images = args[1:]
			default:
				return fmt.Errorf("expected %d band images plus an optional catalog path, got %d arguments", want, got)
			}

			imagick.Initialize()
			defer imagick.Terminate()

			store, err := catalog.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sources, err := store.ReadSources(detectionsTable, cfg.Priors.MagField, cfg.Priors.FieldLocalBackground)
			if err != nil {
				return err
			}

			exposures := make([]*image.Exposure, 0, len(cfg.Fitting.BandsFit))
			for i, band := range cfg.Fitting.BandsFit {
				exposure, err := loadExposure(band, images[i], psfSigma, variance)
				if err != nil {
					return fmt.Errorf("band %s: %w", band, err)
				}
				exposures = append(exposures, exposure)
			}

			casc, err := cascade.Build(cfg)
			if err != nil {
				return err
			}
			driver := fitter.NewDriver(cfg, casc, fit.NewNativeFitter(log), store, log)
			driver.OutputTable = outputTable

			log.Info("starting catalog fit",
				"catalog", dbPath, "sources", len(sources),
				"bands", strings.Join(cfg.Fitting.BandsFit, ","),
				"models", casc.Len(), "run", store.RunID())

			_, _, err = driver.Run(cmd.Context(), &fitter.Inputs{Sources: sources, Exposures: exposures})
			return err
		},
	}

	cmd.Flags().StringVar(&bands, "bands", "", "comma-separated band names (overrides config)")
	cmd.Flags().StringVar(&detectionsTable, "detections", "detections", "detection catalog table")
	cmd.Flags().StringVar(&outputTable, "output-table", "sources", "output table name")
	cmd.Flags().Float64Var(&psfSigma, "psf-sigma", 2.0, "Gaussian PSF sigma for images without a kernel")
	cmd.Flags().Float64Var(&variance, "variance", 0, "flat per-pixel variance; 0 estimates it from the image")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the existing output table")
	cmd.Flags().BoolVar(&deblendReplay, "deblend-replay", false, "jointly refit parents from previous child fits")
	cmd.Flags().IntVar(&idxBegin, "idx-begin", 0, "first catalog row to fit")
	cmd.Flags().IntVar(&idxEnd, "idx-end", -1, "row to stop before; -1 fits to the end")
	return cmd
}

// loadExposure decodes a band image and wraps it with a flat variance
// plane, an empty mask and a synthetic Gaussian PSF kernel.
func loadExposure(band, path string, psfSigma, variance float64) (*image.Exposure, error) {
	img, err := render.LoadBandImage(path)
	if err != nil {
		return nil, err
	}
	if variance <= 0 {
		variance = estimateVariance(img)
	}
	half := int(4 * psfSigma)
	if half < 3 {
		half = 3
	}
	return image.NewExposure(band, img, variance, image.GaussianPSF(psfSigma, half)), nil
}

// estimateVariance derives a flat sky variance from the median absolute
// deviation of the pixel values.
func estimateVariance(img *image.Image) float64 {
	vals := append([]float64(nil), img.Pix...)
	med := quantile(vals, 0.5)
	for i, v := range vals {
		vals[i] = math.Abs(v - med)
	}
	mad := quantile(vals, 0.5)
	sigma := 1.4826 * mad
	if !(sigma > 0) {
		return 1
	}
	return sigma * sigma
}

func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	k := int(q * float64(len(vals)-1))
	// Partial selection sort is fine here; this runs once per band.
	for i := 0; i <= k; i++ {
		minIdx := i
		for j := i + 1; j < len(vals); j++ {
			if vals[j] < vals[minIdx] {
				minIdx = j
			}
		}
		vals[i], vals[minIdx] = vals[minIdx], vals[i]
	}
	return vals[k]
}

func newConfigCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("STARFIT_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/starfit/config.json"
			}
			fmt.Printf("Config file: %s\n", cfgPath)
			fmt.Printf("\nFitting:\n")
			fmt.Printf("  Bands: %s\n", strings.Join(cfg.Fitting.BandsFit, ","))
			fmt.Printf("  Point source: %t\n", cfg.Fitting.FitPointSource)
			fmt.Printf("  Sersic: %t\n", cfg.Fitting.FitSersic)
			fmt.Printf("  CModel: %t\n", cfg.Fitting.FitCModel)
			fmt.Printf("  PSF order: %d\n", cfg.Fitting.GaussianOrderPsf)
			fmt.Printf("  Sersic order: %d\n", cfg.Fitting.GaussianOrderSersic)
			fmt.Printf("  Deblend replay: %t\n", cfg.Fitting.DeblendFromPreviousFits)
			fmt.Printf("\nOutput:\n")
			fmt.Printf("  Checkpoint interval: %d\n", cfg.Output.CheckpointInterval)
			fmt.Printf("  Resume: %t\n", cfg.Output.Resume)
			fmt.Printf("  Plot failures: %t\n", cfg.Output.PlotFailures)
			fmt.Printf("\nPaths:\n")
			fmt.Printf("  Catalog output: %s\n", cfg.Paths.CatalogOutput)
			fmt.Printf("  Catalog output (deblend): %s\n", cfg.Paths.CatalogOutputDeblend)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Starfit v1.0.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
