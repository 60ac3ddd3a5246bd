// Package config loads engine settings from HCL files.
//
// Every block and attribute is optional; omitted values keep their
// defaults. Expressions may read environment variables as env.NAME:
//
//	engine {
//	  frames_in_flight = 3
//	  backend          = env.G3D_BACKEND
//	  debug            = false
//	}
//	pool {
//	  max_idle_frames = 8
//	  budget_mb       = 512
//	}
//	renderer {
//	  width      = 1280
//	  height     = 720
//	  max_lights = 256
//	}
//	log {
//	  level = "debug"
//	}
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Defaults.
const (
	DefaultFramesInFlight = 2
	DefaultBackend        = "auto"
	DefaultMaxIdleFrames  = 8
	DefaultBudgetMB       = 512
	DefaultWidth          = 1280
	DefaultHeight         = 720
	DefaultMaxLights      = 1024
	DefaultLogLevel       = "info"
)

// MaxFramesInFlight bounds engine.frames_in_flight.
const MaxFramesInFlight = 16

// Config is the decoded configuration.
type Config struct {
	Engine   Engine
	Pool     Pool
	Renderer Renderer
	Log      Log
}

// Engine configures the render loop.
type Engine struct {
	FramesInFlight int
	Backend        string

	// Debug enables the backend's debug and validation layers.
	Debug bool
}

// Pool configures the frame graph resource pool.
type Pool struct {
	MaxIdleFrames int
	BudgetMB      int
}

// Renderer configures the deferred renderer.
type Renderer struct {
	Width     int
	Height    int
	MaxLights int
}

// Log configures logging.
type Log struct {
	Level string
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine:   Engine{FramesInFlight: DefaultFramesInFlight, Backend: DefaultBackend},
		Pool:     Pool{MaxIdleFrames: DefaultMaxIdleFrames, BudgetMB: DefaultBudgetMB},
		Renderer: Renderer{Width: DefaultWidth, Height: DefaultHeight, MaxLights: DefaultMaxLights},
		Log:      Log{Level: DefaultLogLevel},
	}
}

type hclFile struct {
	Engine   *hclEngine   `hcl:"engine,block"`
	Pool     *hclPool     `hcl:"pool,block"`
	Renderer *hclRenderer `hcl:"renderer,block"`
	Log      *hclLog      `hcl:"log,block"`
}

type hclEngine struct {
	FramesInFlight *int    `hcl:"frames_in_flight,optional"`
	Backend        *string `hcl:"backend,optional"`
	Debug          *bool   `hcl:"debug,optional"`
}

type hclPool struct {
	MaxIdleFrames *int `hcl:"max_idle_frames,optional"`
	BudgetMB      *int `hcl:"budget_mb,optional"`
}

type hclRenderer struct {
	Width     *int `hcl:"width,optional"`
	Height    *int `hcl:"height,optional"`
	MaxLights *int `hcl:"max_lights,optional"`
}

type hclLog struct {
	Level *string `hcl:"level,optional"`
}

// Load parses and validates the HCL file at path.
func Load(path string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	return decode(file, path)
}

// Parse parses and validates HCL source. filename is used in diagnostics.
func Parse(src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (Config, error) {
	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}

	cfg := Default()
	if e := raw.Engine; e != nil {
		set(&cfg.Engine.FramesInFlight, e.FramesInFlight)
		set(&cfg.Engine.Backend, e.Backend)
		set(&cfg.Engine.Debug, e.Debug)
	}
	if p := raw.Pool; p != nil {
		set(&cfg.Pool.MaxIdleFrames, p.MaxIdleFrames)
		set(&cfg.Pool.BudgetMB, p.BudgetMB)
	}
	if r := raw.Renderer; r != nil {
		set(&cfg.Renderer.Width, r.Width)
		set(&cfg.Renderer.Height, r.Height)
		set(&cfg.Renderer.MaxLights, r.MaxLights)
	}
	if l := raw.Log; l != nil {
		set(&cfg.Log.Level, l.Level)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Engine.FramesInFlight >= 1 && c.Engine.FramesInFlight <= MaxFramesInFlight,
		"engine.frames_in_flight %d not in [1, %d]", c.Engine.FramesInFlight, MaxFramesInFlight)
	_, _, backendErr := c.BackendVariant()
	check(backendErr == nil, "engine.backend %q is not one of auto, noop, vulkan, metal, dx12, gles", c.Engine.Backend)
	check(c.Pool.MaxIdleFrames >= 0, "pool.max_idle_frames %d is negative", c.Pool.MaxIdleFrames)
	check(c.Pool.BudgetMB >= 0, "pool.budget_mb %d is negative", c.Pool.BudgetMB)
	check(c.Renderer.Width > 0 && c.Renderer.Height > 0,
		"renderer size %dx%d must be positive", c.Renderer.Width, c.Renderer.Height)
	check(c.Renderer.MaxLights >= 1 && c.Renderer.MaxLights <= DefaultMaxLights,
		"renderer.max_lights %d not in [1, %d]", c.Renderer.MaxLights, DefaultMaxLights)
	_, levelErr := c.SlogLevel()
	check(levelErr == nil, "log.level %q is not one of debug, info, warn, error", c.Log.Level)

	return errors.Join(errs...)
}

// BackendVariant maps engine.backend to a HAL backend. auto reports
// ok=false: the caller picks the best available backend.
func (c Config) BackendVariant() (variant gputypes.Backend, ok bool, err error) {
	switch strings.ToLower(c.Engine.Backend) {
	case "auto", "":
		return gputypes.BackendEmpty, false, nil
	case "noop":
		return gputypes.BackendEmpty, true, nil
	case "vulkan":
		return gputypes.BackendVulkan, true, nil
	case "metal":
		return gputypes.BackendMetal, true, nil
	case "dx12":
		return gputypes.BackendDX12, true, nil
	case "gles", "gl":
		return gputypes.BackendGL, true, nil
	default:
		return gputypes.BackendEmpty, false, fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Engine.Backend)
	}
}

// SlogLevel parses log.level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return level, nil
}
