package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""), "empty.hcl")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_AllBlocks(t *testing.T) {
	src := `
		engine {
			frames_in_flight = 3
			backend          = "noop"
			debug            = true
		}
		pool {
			max_idle_frames = 4
			budget_mb       = 64
		}
		renderer {
			width      = 640
			height     = 360
			max_lights = 32
		}
		log {
			level = "debug"
		}
	`
	cfg, err := Parse([]byte(src), "full.hcl")
	require.NoError(t, err)

	assert.Equal(t, Config{
		Engine:   Engine{FramesInFlight: 3, Backend: "noop", Debug: true},
		Pool:     Pool{MaxIdleFrames: 4, BudgetMB: 64},
		Renderer: Renderer{Width: 640, Height: 360, MaxLights: 32},
		Log:      Log{Level: "debug"},
	}, cfg)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParse_PartialBlockKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`renderer { width = 320 }`), "partial.hcl")
	require.NoError(t, err)

	assert.Equal(t, 320, cfg.Renderer.Width)
	assert.Equal(t, DefaultHeight, cfg.Renderer.Height)
	assert.Equal(t, DefaultMaxLights, cfg.Renderer.MaxLights)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestParse_EnvVariables(t *testing.T) {
	t.Setenv("G3D_TEST_BACKEND", "vulkan")
	t.Setenv("G3D_TEST_LEVEL", "warn")

	src := `
		engine { backend = env.G3D_TEST_BACKEND }
		log { level = env.G3D_TEST_LEVEL }
	`
	cfg, err := Parse([]byte(src), "env.hcl")
	require.NoError(t, err)
	assert.Equal(t, "vulkan", cfg.Engine.Backend)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestParse_DebugFromEnv(t *testing.T) {
	t.Setenv("G3D_TEST_DEBUG", "true")

	cfg, err := Parse([]byte(`engine { debug = env.G3D_TEST_DEBUG }`), "debug.hcl")
	require.NoError(t, err)
	assert.True(t, cfg.Engine.Debug)
	assert.False(t, Default().Engine.Debug)

	_, err = Parse([]byte(`engine { debug = "sometimes" }`), "debug.hcl")
	assert.Error(t, err)
}

func TestParse_EnvNumberConversion(t *testing.T) {
	t.Setenv("G3D_TEST_FRAMES", "4")

	cfg, err := Parse([]byte(`engine { frames_in_flight = env.G3D_TEST_FRAMES }`), "env.hcl")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.FramesInFlight)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		invalid bool
	}{
		{"syntax error", `engine {`, false},
		{"unknown block", `window { title = "x" }`, false},
		{"unknown attribute", `pool { size = 1 }`, false},
		{"wrong type", `renderer { width = "wide" }`, false},
		{"missing env variable", `engine { backend = env.G3D_TEST_SURELY_UNSET }`, false},
		{"zero frames in flight", `engine { frames_in_flight = 0 }`, true},
		{"too many frames in flight", `engine { frames_in_flight = 64 }`, true},
		{"unknown backend", `engine { backend = "glide" }`, true},
		{"negative budget", `pool { budget_mb = -1 }`, true},
		{"negative idle frames", `pool { max_idle_frames = -2 }`, true},
		{"zero width", `renderer { width = 0 }`, true},
		{"too many lights", `renderer { max_lights = 4096 }`, true},
		{"bad log level", `log { level = "loud" }`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.hcl")
			require.Error(t, err)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NotErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Engine.FramesInFlight = 0
	cfg.Renderer.Height = -1
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "frames_in_flight")
	assert.Contains(t, err.Error(), "renderer size")
	assert.Contains(t, err.Error(), "log.level")
}

func TestBackendVariant(t *testing.T) {
	tests := []struct {
		backend string
		want    gputypes.Backend
		ok      bool
	}{
		{"auto", gputypes.BackendEmpty, false},
		{"noop", gputypes.BackendEmpty, true},
		{"Vulkan", gputypes.BackendVulkan, true},
		{"metal", gputypes.BackendMetal, true},
		{"dx12", gputypes.BackendDX12, true},
		{"gles", gputypes.BackendGL, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := Default()
			cfg.Engine.Backend = tt.backend
			got, ok, err := cfg.BackendVariant()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g3d.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`pool { budget_mb = 128 }`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Pool.BudgetMB)

	_, err = Load(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}
