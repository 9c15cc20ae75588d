package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfm-refiner/internal/bundle"
	"sfm-refiner/internal/camera"
)

func TestDefaultConfigMatchesBundleDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, bundle.DefaultOptions(), opts)
	assert.Equal(t, bundle.DefaultSolverOptions(), cfg.SolverOptions())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refiner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adjust:
  extrinsics: rotation
  intrinsics: focal|distortion
  use_motion_priors: true
solver:
  max_iterations: 20
  seed: 9
`), 0644))
	t.Setenv("SFM_REFINER_SOLVER_MAX_ITERATIONS", "80")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--structure=none", "--no-loss", "--seed=4"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "rotation", cfg.Adjust.Extrinsics)
	assert.True(t, cfg.Adjust.UseMotionPriors)
	assert.Equal(t, 80, cfg.Solver.MaxIterations)
	assert.Equal(t, int64(4), cfg.Solver.Seed)
	assert.False(t, cfg.Solver.UseLossFunction)
	assert.Equal(t, DefaultConfig().Solver.GradientTolerance, cfg.Solver.GradientTolerance)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, bundle.AdjustRotation, opts.Extrinsics)
	assert.Equal(t, camera.AdjustFocalLength|camera.AdjustDistortion, opts.Intrinsics)
	assert.Equal(t, bundle.StructureNone, opts.Structure)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"policy":         "adjust:\n  extrinsics: sideways\n",
		"iterations":     "solver:\n  max_iterations: 0\n",
		"linear solver":  "solver:\n  linear_solver: cholmod\n",
		"preconditioner": "solver:\n  preconditioner: ilu\n",
		"tolerance":      "solver:\n  gradient_tolerance: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := Load(path, nil)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adjust.ControlPoints = true
	cfg.Metrics.Textfile = "/tmp/refiner.prom"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	assert.Contains(t, buf.String(), "control_point_weight: 20")

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	got, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
