// Package config loads the refiner configuration from defaults, a YAML file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sfm-refiner/internal/bundle"
)

// EnvPrefix prefixes environment overrides, e.g. SFM_REFINER_SOLVER_MAX_ITERATIONS.
const EnvPrefix = "SFM_REFINER"

// Config is the complete refiner configuration.
type Config struct {
	Adjust  AdjustConfig  `yaml:"adjust" mapstructure:"adjust"`
	Solver  SolverConfig  `yaml:"solver" mapstructure:"solver"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// AdjustConfig selects what is refined.
type AdjustConfig struct {
	// Extrinsics is none, rotation, translation or all.
	Extrinsics string `yaml:"extrinsics" mapstructure:"extrinsics"`
	// Intrinsics is none, all or a '|' separated list of focal, principal_point and distortion.
	Intrinsics string `yaml:"intrinsics" mapstructure:"intrinsics"`
	// Structure is none or adjust.
	Structure          string  `yaml:"structure" mapstructure:"structure"`
	UseMotionPriors    bool    `yaml:"use_motion_priors" mapstructure:"use_motion_priors"`
	ControlPoints      bool    `yaml:"control_points" mapstructure:"control_points"`
	ControlPointWeight float64 `yaml:"control_point_weight" mapstructure:"control_point_weight"`
}

// SolverConfig mirrors bundle.SolverOptions.
type SolverConfig struct {
	Verbose                   bool    `yaml:"verbose" mapstructure:"verbose"`
	Multithread               bool    `yaml:"multithread" mapstructure:"multithread"`
	Threads                   int     `yaml:"threads" mapstructure:"threads"`
	ParameterTolerance        float64 `yaml:"parameter_tolerance" mapstructure:"parameter_tolerance"`
	GradientTolerance         float64 `yaml:"gradient_tolerance" mapstructure:"gradient_tolerance"`
	FunctionTolerance         float64 `yaml:"function_tolerance" mapstructure:"function_tolerance"`
	MaxIterations             int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	MaxLinearSolverIterations int     `yaml:"max_linear_solver_iterations" mapstructure:"max_linear_solver_iterations"`
	UseLossFunction           bool    `yaml:"use_loss_function" mapstructure:"use_loss_function"`
	LinearSolver              string  `yaml:"linear_solver" mapstructure:"linear_solver"`
	SparseBackend             string  `yaml:"sparse_backend" mapstructure:"sparse_backend"`
	Preconditioner            string  `yaml:"preconditioner" mapstructure:"preconditioner"`
	PrintSummary              bool    `yaml:"print_summary" mapstructure:"print_summary"`
	Seed                      int64   `yaml:"seed" mapstructure:"seed"`
}

// MetricsConfig configures the metrics dump.
type MetricsConfig struct {
	// Textfile receives the Prometheus metrics after a run when set.
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	o := bundle.DefaultOptions()
	s := bundle.DefaultSolverOptions()
	return Config{
		Adjust: AdjustConfig{
			Extrinsics:         o.Extrinsics.String(),
			Intrinsics:         o.Intrinsics.String(),
			Structure:          o.Structure.String(),
			UseMotionPriors:    o.UseMotionPriors,
			ControlPoints:      o.ControlPoints.Enabled,
			ControlPointWeight: o.ControlPoints.Weight,
		},
		Solver: SolverConfig{
			Verbose:                   s.Verbose,
			Multithread:               s.MultithreadEnabled,
			Threads:                   s.NumThreads,
			ParameterTolerance:        s.ParameterTolerance,
			GradientTolerance:         s.GradientTolerance,
			FunctionTolerance:         s.FunctionTolerance,
			MaxIterations:             s.MaxIterations,
			MaxLinearSolverIterations: s.MaxLinearSolverIterations,
			UseLossFunction:           s.UseLossFunction,
			LinearSolver:              s.LinearSolver,
			SparseBackend:             s.SparseBackend,
			Preconditioner:            s.Preconditioner,
			PrintSummary:              s.PrintSummary,
			Seed:                      s.Seed,
		},
	}
}

// Validate checks for invalid configuration values.
func (c Config) Validate() error {
	if _, err := c.Options(); err != nil {
		return err
	}
	s := c.Solver
	if s.Threads < 0 {
		return errors.Errorf("threads must be >= 0, got %d", s.Threads)
	}
	if s.MaxIterations <= 0 {
		return errors.Errorf("max_iterations must be > 0, got %d", s.MaxIterations)
	}
	if s.MaxLinearSolverIterations <= 0 {
		return errors.Errorf("max_linear_solver_iterations must be > 0, got %d", s.MaxLinearSolverIterations)
	}
	for name, tol := range map[string]float64{
		"parameter_tolerance": s.ParameterTolerance,
		"gradient_tolerance":  s.GradientTolerance,
		"function_tolerance":  s.FunctionTolerance,
	} {
		if tol < 0 {
			return errors.Errorf("%s must be >= 0, got %g", name, tol)
		}
	}
	switch strings.ToLower(s.LinearSolver) {
	case bundle.LinearSolverAuto, bundle.LinearSolverDenseSchur, bundle.LinearSolverSparseSchur:
	default:
		return errors.Errorf("unknown linear_solver %q", s.LinearSolver)
	}
	switch strings.ToLower(s.Preconditioner) {
	case "jacobi", "identity":
	default:
		return errors.Errorf("unknown preconditioner %q", s.Preconditioner)
	}
	return nil
}

// Options converts the adjust section.
func (c Config) Options() (bundle.Options, error) {
	var o bundle.Options
	var err error
	if o.Extrinsics, err = bundle.ParseExtrinsicPolicy(c.Adjust.Extrinsics); err != nil {
		return o, err
	}
	if o.Intrinsics, err = bundle.ParseIntrinsicPolicy(c.Adjust.Intrinsics); err != nil {
		return o, err
	}
	if o.Structure, err = bundle.ParseStructurePolicy(c.Adjust.Structure); err != nil {
		return o, err
	}
	o.UseMotionPriors = c.Adjust.UseMotionPriors
	o.ControlPoints = bundle.ControlPointOptions{Enabled: c.Adjust.ControlPoints, Weight: c.Adjust.ControlPointWeight}
	return o, o.Validate()
}

// SolverOptions converts the solver section.
func (c Config) SolverOptions() bundle.SolverOptions {
	s := c.Solver
	return bundle.SolverOptions{
		Verbose:                   s.Verbose,
		MultithreadEnabled:        s.Multithread,
		NumThreads:                s.Threads,
		ParameterTolerance:        s.ParameterTolerance,
		GradientTolerance:         s.GradientTolerance,
		FunctionTolerance:         s.FunctionTolerance,
		MaxIterations:             s.MaxIterations,
		MaxLinearSolverIterations: s.MaxLinearSolverIterations,
		UseLossFunction:           s.UseLossFunction,
		LinearSolver:              s.LinearSolver,
		SparseBackend:             s.SparseBackend,
		Preconditioner:            s.Preconditioner,
		PrintSummary:              s.PrintSummary,
		Seed:                      s.Seed,
	}
}

// WriteYAML encodes c as YAML.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return enc.Close()
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"extrinsics":           "adjust.extrinsics",
	"intrinsics":           "adjust.intrinsics",
	"structure":            "adjust.structure",
	"motion-priors":        "adjust.use_motion_priors",
	"control-points":       "adjust.control_points",
	"control-point-weight": "adjust.control_point_weight",
	"verbose":              "solver.verbose",
	"threads":              "solver.threads",
	"max-iterations":       "solver.max_iterations",
	"linear-solver":        "solver.linear_solver",
	"no-loss":              "solver.use_loss_function",
	"print-summary":        "solver.print_summary",
	"seed":                 "solver.seed",
	"metrics-textfile":     "metrics.textfile",
}

// BindFlags registers the configuration flags on fs with the default values.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("extrinsics", d.Adjust.Extrinsics, "pose refinement: none, rotation, translation or all")
	fs.String("intrinsics", d.Adjust.Intrinsics, "intrinsic refinement: none, all or focal|principal_point|distortion")
	fs.String("structure", d.Adjust.Structure, "landmark refinement: none or adjust")
	fs.Bool("motion-priors", d.Adjust.UseMotionPriors, "use the position and orientation priors of the views")
	fs.Bool("control-points", d.Adjust.ControlPoints, "add ground control point residuals")
	fs.Float64("control-point-weight", d.Adjust.ControlPointWeight, "weight of ground control point residuals")
	fs.BoolP("verbose", "v", d.Solver.Verbose, "log solver progress and statistics")
	fs.Int("threads", d.Solver.Threads, "solver threads (0 = all CPUs)")
	fs.Int("max-iterations", d.Solver.MaxIterations, "maximum solver iterations")
	fs.String("linear-solver", d.Solver.LinearSolver, "auto, dense_schur or sparse_schur")
	fs.Bool("no-loss", false, "disable the Huber loss on reprojection residuals")
	fs.Bool("print-summary", d.Solver.PrintSummary, "print the full solver summary")
	fs.Int64("seed", d.Solver.Seed, "seed of the robust prior registration")
	fs.String("metrics-textfile", d.Metrics.Textfile, "write Prometheus metrics to this file")
}

// Load merges the defaults, the YAML file at path (optional), SFM_REFINER_* environment
// variables and the flags of fs that were set, then validates the result.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	var defaults bytes.Buffer
	if err := DefaultConfig().WriteYAML(&defaults); err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(&defaults); err != nil {
		return Config{}, errors.Wrap(err, "read default config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if name == "no-loss" {
				noLoss, err := fs.GetBool(name)
				if err != nil {
					return Config{}, err
				}
				v.Set(key, !noLoss)
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}
