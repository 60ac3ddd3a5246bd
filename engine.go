package g3d

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gogpu/g3d/device"
	"github.com/gogpu/g3d/framegraph"
	"github.com/gogpu/g3d/renderer"
)

var (
	// ErrEngineClosed is returned by RenderFrame after Close.
	ErrEngineClosed = errors.New("g3d: engine is closed")

	// ErrNilBuild is returned by RenderFrame for a nil build func.
	ErrNilBuild = errors.New("g3d: build func is nil")
)

// BuildFunc declares the passes of one frame.
type BuildFunc func(fg *framegraph.FrameGraph) error

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	// Frames counts submitted frames; Failed counts frames that returned
	// an error.
	Frames uint64
	Failed uint64

	// InFlight is the number of frame slots held by unretired frames.
	InFlight int

	Pool      framegraph.PoolStats
	Lifetime  device.LifetimeStats
	Pipelines renderer.CacheStats
}

// String returns a human-readable summary.
func (s EngineStats) String() string {
	return fmt.Sprintf("Engine[%d frames, %d failed, %d in flight] %s %s %s",
		s.Frames, s.Failed, s.InFlight, s.Pool, s.Lifetime, s.Pipelines)
}

// Engine drives frame graphs on a device: it bounds the number of frames
// in flight, records and submits each frame, and recycles GPU objects as
// frames retire.
//
// RenderFrame may be called from several goroutines; each frame graph is
// still built and recorded by one goroutine.
type Engine struct {
	dev      *device.Device
	pool     *framegraph.ResourcePool
	cache    *renderer.PipelineCache
	renderer *renderer.Renderer

	slots          *semaphore.Weighted
	framesInFlight int
	pollInterval   time.Duration

	// ibl is baked by the first RenderScene.
	iblMu  sync.Mutex
	ibl    *renderer.IBLData
	envmap *device.Image

	mu       sync.Mutex
	inFlight []device.ResourceFence
	frames   uint64
	failed   uint64
	closed   bool
}

// NewEngine creates an engine on dev. The caller keeps ownership of dev
// and closes it after the engine.
func NewEngine(dev *device.Device, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	cache := renderer.NewPipelineCache(dev)
	e := &Engine{
		dev:            dev,
		pool:           framegraph.NewPool(dev, o.pool),
		cache:          cache,
		renderer:       renderer.New(cache, o.renderer),
		slots:          semaphore.NewWeighted(int64(o.framesInFlight)),
		framesInFlight: o.framesInFlight,
		pollInterval:   o.pollInterval,
		envmap:         o.envmap,
	}

	Logger().Info("g3d: engine created",
		"frames_in_flight", o.framesInFlight,
		"width", o.renderer.Width,
		"height", o.renderer.Height)
	return e
}

// Device returns the engine's device.
func (e *Engine) Device() *device.Device { return e.dev }

// Pool returns the frame graph resource pool.
func (e *Engine) Pool() *framegraph.ResourcePool { return e.pool }

// Pipelines returns the renderer pipeline cache.
func (e *Engine) Pipelines() *renderer.PipelineCache { return e.cache }

// Renderer returns the deferred renderer used by RenderScene.
func (e *Engine) Renderer() *renderer.Renderer { return e.renderer }

// FramesInFlight returns the frame slot count.
func (e *Engine) FramesInFlight() int { return e.framesInFlight }

// RenderFrame records and submits one frame. It waits for a free frame
// slot first; ctx cancels only that wait. build declares the passes, then
// the graph is rendered and submitted. Errors from build, rendering or
// submission are returned wrapped and the frame is discarded.
func (e *Engine) RenderFrame(ctx context.Context, build BuildFunc) error {
	if build == nil {
		return ErrNilBuild
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.acquireSlot(ctx); err != nil {
		return fmt.Errorf("g3d: wait for frame slot: %w", err)
	}

	e.mu.Lock()
	n := e.frames + e.failed
	e.mu.Unlock()

	rec, err := e.dev.CreateRecorder(fmt.Sprintf("frame%d", n))
	if err != nil {
		e.slots.Release(1)
		e.countFailed()
		return fmt.Errorf("g3d: frame %d: %w", n, err)
	}

	err = e.record(rec, build)
	e.track(rec.Fence())
	if err != nil {
		rec.Discard()
		e.countFailed()
		e.reclaim()
		return fmt.Errorf("g3d: frame %d: %w", n, err)
	}

	e.mu.Lock()
	e.frames++
	e.mu.Unlock()

	e.dev.Poll()
	e.pool.Trim()
	e.reclaim()
	return nil
}

// RenderScene renders view through the engine's renderer. extra, if not
// nil, runs after the renderer has declared its passes and receives the
// tone-mapped output image. The first call bakes the image based lighting
// data and waits for it on the GPU.
func (e *Engine) RenderScene(ctx context.Context, view *renderer.SceneView, extra func(fg *framegraph.FrameGraph, out framegraph.MutableImageID) error) error {
	if err := e.ensureIBL(ctx); err != nil {
		return err
	}
	return e.RenderFrame(ctx, func(fg *framegraph.FrameGraph) error {
		out := e.renderer.Render(fg, view)
		if extra != nil {
			return extra(fg, out)
		}
		return nil
	})
}

// ensureIBL bakes the renderer's IBL data once.
func (e *Engine) ensureIBL(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.iblMu.Lock()
	defer e.iblMu.Unlock()
	if e.ibl != nil {
		return nil
	}
	ibl, err := renderer.BakeIBL(ctx, e.pool, e.cache, e.envmap)
	if err != nil {
		return fmt.Errorf("g3d: %w", err)
	}
	e.ibl = ibl
	e.renderer.SetIBL(ibl)
	Logger().Info("g3d: ibl baked", "builtin_envmap", e.envmap == nil)
	return nil
}

func (e *Engine) record(rec *device.CmdBufferRecorder, build BuildFunc) error {
	fg := framegraph.New(e.pool)
	if err := build(fg); err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if err := fg.Render(rec); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if _, err := e.dev.Submit(rec); err != nil {
		return err
	}
	return nil
}

// acquireSlot takes a frame slot, polling for retired frames while all
// slots are held.
func (e *Engine) acquireSlot(ctx context.Context) error {
	for {
		e.reclaim()
		if e.slots.TryAcquire(1) {
			return nil
		}
		wait, cancel := context.WithTimeout(ctx, e.pollInterval)
		err := e.slots.Acquire(wait, 1)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.dev.Poll()
	}
}

// track records that the slot just taken is held until fence retires.
func (e *Engine) track(fence device.ResourceFence) {
	e.mu.Lock()
	e.inFlight = append(e.inFlight, fence)
	e.mu.Unlock()
}

// reclaim releases the slots of retired frames.
func (e *Engine) reclaim() {
	lifetime := e.dev.Lifetime()

	e.mu.Lock()
	released := 0
	e.inFlight = slices.DeleteFunc(e.inFlight, func(f device.ResourceFence) bool {
		if lifetime.IsRetired(f) {
			released++
			return true
		}
		return false
	})
	e.mu.Unlock()

	if released > 0 {
		e.slots.Release(int64(released))
	}
}

func (e *Engine) countFailed() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// Stats returns frame counters together with pool, lifetime and pipeline
// statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	s := EngineStats{Frames: e.frames, Failed: e.failed, InFlight: len(e.inFlight)}
	e.mu.Unlock()

	s.Pool = e.pool.Stats()
	s.Lifetime = e.dev.Lifetime().Stats()
	s.Pipelines = e.cache.Stats()
	return s
}

// Close releases the IBL data, the pipeline cache and the pool, then
// collects what has already retired. Objects of unretired frames are
// destroyed when the device closes. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	frames := e.frames
	e.mu.Unlock()

	e.iblMu.Lock()
	if e.ibl != nil {
		e.ibl.Close()
		e.ibl = nil
	}
	e.iblMu.Unlock()

	e.cache.Close()
	e.pool.Close()
	e.dev.Poll()

	Logger().Info("g3d: engine closed", "frames", frames)
}
