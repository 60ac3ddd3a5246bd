package g3d

import (
	"log/slog"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
	"github.com/gogpu/g3d/internal/config"
	"github.com/gogpu/g3d/renderer"
)

// Option configures an Engine during creation.
//
// Example:
//
//	e := g3d.NewEngine(dev,
//	    g3d.WithFramesInFlight(3),
//	    g3d.WithPoolConfig(framegraph.PoolConfig{BudgetMB: 256}),
//	)
type Option func(*engineOptions)

// engineOptions holds optional configuration for Engine creation.
type engineOptions struct {
	framesInFlight int
	pool           framegraph.PoolConfig
	renderer       renderer.Config
	logger         *slog.Logger
	pollInterval   time.Duration
	envmap         *device.Image
}

// defaultOptions returns the default engine options.
func defaultOptions() engineOptions {
	return engineOptions{
		framesInFlight: config.DefaultFramesInFlight,
		renderer: renderer.Config{
			Width:  config.DefaultWidth,
			Height: config.DefaultHeight,
		},
		pollInterval: time.Millisecond,
	}
}

// WithFramesInFlight bounds how many submitted frames may be unretired at
// once. Values below 1 are ignored.
func WithFramesInFlight(n int) Option {
	return func(o *engineOptions) {
		if n >= 1 {
			o.framesInFlight = n
		}
	}
}

// WithPoolConfig configures the frame graph resource pool.
func WithPoolConfig(cfg framegraph.PoolConfig) Option {
	return func(o *engineOptions) {
		o.pool = cfg
	}
}

// WithRendererConfig configures the renderer used by RenderScene.
func WithRendererConfig(cfg renderer.Config) Option {
	return func(o *engineOptions) {
		o.renderer = cfg
	}
}

// WithLogger installs l with SetLogger when the engine is created.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = l
	}
}

// WithEnvmap sets the equirectangular environment map RenderScene lights
// the scene with. The image must have TextureBinding usage and stays owned
// by the caller, who destroys it after closing the engine. Without it a
// 2x2 white envmap is used.
func WithEnvmap(img *device.Image) Option {
	return func(o *engineOptions) {
		o.envmap = img
	}
}

// WithPollInterval sets how often RenderFrame polls for retired frames
// while waiting for a free slot.
func WithPollInterval(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// FromConfig applies the engine, pool and renderer settings of cfg.
func FromConfig(cfg config.Config) Option {
	return func(o *engineOptions) {
		o.framesInFlight = cfg.Engine.FramesInFlight
		o.pool = framegraph.PoolConfig{
			MaxIdleFrames: cfg.Pool.MaxIdleFrames,
			BudgetMB:      cfg.Pool.BudgetMB,
		}
		//nolint:gosec // G115: validated positive by config
		o.renderer.Width, o.renderer.Height = uint32(cfg.Renderer.Width), uint32(cfg.Renderer.Height)
		o.renderer.MaxLights = cfg.Renderer.MaxLights
	}
}

// OpenDevice opens the backend named by cfg.Engine.Backend with its debug
// setting. auto takes the most capable registered backend and falls back
// to noop when that backend has no adapter.
func OpenDevice(cfg config.Config) (*device.Device, error) {
	variant, ok, err := cfg.BackendVariant()
	if err != nil {
		return nil, err
	}
	opts := []device.OpenOption{device.WithDebug(cfg.Engine.Debug)}
	if ok {
		return device.Open(variant, opts...)
	}

	best, err := hal.SelectBestBackend()
	if err != nil {
		return nil, err
	}
	dev, err := device.OpenBackend(best, opts...)
	if err == nil || best.Variant() == gputypes.BackendEmpty {
		return dev, err
	}
	Logger().Warn("g3d: falling back to noop backend", "backend", best.Variant(), "err", err)
	return device.Open(gputypes.BackendEmpty, opts...)
}
