package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/g3d/device"
)

var (
	// ErrCacheClosed is returned by a PipelineCache after Close.
	ErrCacheClosed = errors.New("renderer: pipeline cache is closed")

	// ErrUnknownKernel is returned for a kernel with no source.
	ErrUnknownKernel = errors.New("renderer: unknown kernel")
)

// G-buffer target formats.
const (
	DepthFormat  = gputypes.TextureFormatDepth32Float
	ColorFormat  = gputypes.TextureFormatRGBA8Unorm
	NormalFormat = gputypes.TextureFormatRGBA16Float
	LitFormat    = gputypes.TextureFormatRGBA16Float
	OutputFormat = gputypes.TextureFormatRGBA8Unorm
)

// pipelineKey identifies a pipeline by kernel and bind group layouts.
// Layouts come from the frame graph pool's cache, so equal declarations
// produce equal keys across frames.
type pipelineKey struct {
	kernel  Kernel
	layouts [device.MaxBindGroups]hal.BindGroupLayout
}

func newPipelineKey(k Kernel, layouts []hal.BindGroupLayout) pipelineKey {
	if len(layouts) > device.MaxBindGroups {
		fatalf("%s: %d bind group layouts, at most %d", k, len(layouts), device.MaxBindGroups)
	}
	key := pipelineKey{kernel: k}
	copy(key.layouts[:], layouts)
	return key
}

// CacheStats reports what a PipelineCache holds.
type CacheStats struct {
	ShaderModules    int
	PipelineLayouts  int
	ComputePipelines int
	RenderPipelines  int
}

// String returns a human-readable summary.
func (s CacheStats) String() string {
	return fmt.Sprintf("Pipelines[%d modules, %d layouts, %d compute, %d render]",
		s.ShaderModules, s.PipelineLayouts, s.ComputePipelines, s.RenderPipelines)
}

// PipelineCache compiles the built-in kernels and creates their pipelines
// on first use. It is safe for concurrent use.
type PipelineCache struct {
	mu      sync.Mutex
	dev     *device.Device
	modules map[Kernel]hal.ShaderModule
	layouts map[pipelineKey]hal.PipelineLayout
	compute map[pipelineKey]hal.ComputePipeline
	render  map[pipelineKey]hal.RenderPipeline
	closed  bool
}

// NewPipelineCache creates an empty cache on dev.
func NewPipelineCache(dev *device.Device) *PipelineCache {
	return &PipelineCache{
		dev:     dev,
		modules: make(map[Kernel]hal.ShaderModule),
		layouts: make(map[pipelineKey]hal.PipelineLayout),
		compute: make(map[pipelineKey]hal.ComputePipeline),
		render:  make(map[pipelineKey]hal.RenderPipeline),
	}
}

// Device returns the device the cache creates pipelines on.
func (c *PipelineCache) Device() *device.Device { return c.dev }

// moduleLocked returns the shader module of k, compiling it if needed.
func (c *PipelineCache) moduleLocked(k Kernel) (hal.ShaderModule, error) {
	if m, ok := c.modules[k]; ok {
		return m, nil
	}
	words, err := compileKernel(k)
	if err != nil {
		return nil, err
	}
	m, err := c.dev.HAL().CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.String(),
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: create shader module %s: %w", k, err)
	}
	c.modules[k] = m
	slogger().Debug("renderer: compiled kernel", "kernel", k, "words", len(words))
	return m, nil
}

// layoutLocked returns the pipeline layout for key.
func (c *PipelineCache) layoutLocked(key pipelineKey, layouts []hal.BindGroupLayout) (hal.PipelineLayout, error) {
	if l, ok := c.layouts[key]; ok {
		return l, nil
	}
	l, err := c.dev.HAL().CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            key.kernel.String() + "_layout",
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: create pipeline layout %s: %w", key.kernel, err)
	}
	c.layouts[key] = l
	return l, nil
}

// ComputePipeline returns the pipeline running kernel k with the given bind
// group layouts, typically PassResources.BindGroupLayouts.
func (c *PipelineCache) ComputePipeline(k Kernel, layouts []hal.BindGroupLayout) (hal.ComputePipeline, error) {
	if k == KernelGBuffer {
		return nil, fmt.Errorf("renderer: %s is not a compute kernel: %w", k, ErrUnknownKernel)
	}
	key := newPipelineKey(k, layouts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if p, ok := c.compute[key]; ok {
		return p, nil
	}

	module, err := c.moduleLocked(k)
	if err != nil {
		return nil, err
	}
	layout, err := c.layoutLocked(key, layouts)
	if err != nil {
		return nil, err
	}
	p, err := c.dev.HAL().CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  k.String(),
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: create compute pipeline %s: %w", k, err)
	}
	c.compute[key] = p
	return p, nil
}

// GBufferPipeline returns the G-buffer render pipeline for the given bind
// group layouts.
func (c *PipelineCache) GBufferPipeline(layouts []hal.BindGroupLayout) (hal.RenderPipeline, error) {
	key := newPipelineKey(KernelGBuffer, layouts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if p, ok := c.render[key]; ok {
		return p, nil
	}

	module, err := c.moduleLocked(KernelGBuffer)
	if err != nil {
		return nil, err
	}
	layout, err := c.layoutLocked(key, layouts)
	if err != nil {
		return nil, err
	}

	stencil := hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways}
	p, err := c.dev.HAL().CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "gbuffer",
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers:    []gputypes.VertexBufferLayout{vertexLayout},
		},
		Primitive: gputypes.PrimitiveState{
			Topology:  gputypes.PrimitiveTopologyTriangleList,
			FrontFace: gputypes.FrontFaceCCW,
			CullMode:  gputypes.CullModeBack,
		},
		DepthStencil: &hal.DepthStencilState{
			Format:            DepthFormat,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilFront:      stencil,
			StencilBack:       stencil,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{Format: ColorFormat, WriteMask: gputypes.ColorWriteMaskAll},
				{Format: NormalFormat, WriteMask: gputypes.ColorWriteMaskAll},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("renderer: create render pipeline gbuffer: %w", err)
	}
	c.render[key] = p
	return p, nil
}

// Stats returns the number of cached objects.
func (c *PipelineCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		ShaderModules:    len(c.modules),
		PipelineLayouts:  len(c.layouts),
		ComputePipelines: len(c.compute),
		RenderPipelines:  len(c.render),
	}
}

// Close hands every cached object to the lifetime manager. Safe to call
// more than once.
func (c *PipelineCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	for _, p := range c.compute {
		c.dev.DestroyLater(device.ManagedComputePipeline{Pipeline: p})
	}
	for _, p := range c.render {
		c.dev.DestroyLater(device.ManagedRenderPipeline{Pipeline: p})
	}
	for _, l := range c.layouts {
		c.dev.DestroyLater(device.ManagedPipelineLayout{Layout: l})
	}
	for _, m := range c.modules {
		c.dev.DestroyLater(device.ManagedShaderModule{Module: m})
	}
	c.compute, c.render, c.layouts, c.modules = nil, nil, nil, nil
}
